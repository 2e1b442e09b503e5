package variants

import (
	"errors"
	"fmt"
)

var (
	// ErrVariantNotFound is matched by every NotFoundError.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrConfigInvalid marks a variant file that could not be used.
	ErrConfigInvalid = errors.New("variant config invalid")
	// ErrDefaultMissing is fatal at startup: every agent needs a default variant.
	ErrDefaultMissing = errors.New("default variant missing")
)

// NotFoundError reports a lookup of an unknown (agent, variant) pair.
type NotFoundError struct {
	Agent     string
	VariantID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("variant %s/%s not found", e.Agent, e.VariantID)
}

// Is reports whether target is ErrVariantNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrVariantNotFound
}

// ConfigError reports an invalid variant file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("variant config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfigInvalid, e.Err}
}
