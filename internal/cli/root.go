// Package cli is the evovariant command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawinfra/evovariant/internal/config"
)

// options are shared by every command.
type options struct {
	configPath string
	dataDir    string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "evovariant",
		Short:         "Continual-learning variant selection engine",
		Long:          `Select agent variants per task type, learn from outcomes, and roll back on degradation.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "evovariant.toml", "config file (.toml or .json)")
	pf.StringVar(&opts.dataDir, "data-dir", "", "override server.dataDir")
	pf.StringVar(&opts.logLevel, "log-level", "", "override server.logLevel")

	root.AddCommand(
		newInitCmd(opts),
		newServeCmd(opts),
		newSelectCmd(opts),
		newRecordCmd(opts),
		newSafetyCmd(opts),
		newProposeCmd(opts),
		newRollbackCmd(opts),
		newCompactCmd(opts),
		newSeedCmd(opts),
		newReplayCmd(opts),
		newValidateCmd(opts),
	)
	return root
}

// load reads the config file, applies flag overrides and sets up logging.
// A missing config file falls back to the defaults.
func (o *options) load(logOut io.Writer) error {
	cfg, err := config.Load(o.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.DefaultConfig()
	case err != nil:
		return err
	}
	if o.dataDir != "" {
		// Derived paths follow the new data dir unless set explicitly.
		def := config.DefaultConfig()
		def.Server.DataDir = cfg.Server.DataDir
		def.Resolve()
		if cfg.Store.Dir == def.Store.Dir {
			cfg.Store.Dir = ""
		}
		if cfg.Proposer.OutputDir == def.Proposer.OutputDir {
			cfg.Proposer.OutputDir = ""
		}
		if cfg.Variants.Dir == def.Variants.Dir {
			cfg.Variants.Dir = ""
		}
		if cfg.Variants.DBPath == def.Variants.DBPath {
			cfg.Variants.DBPath = ""
		}
		cfg.Server.DataDir = o.dataDir
	}
	if o.logLevel != "" {
		cfg.Server.LogLevel = o.logLevel
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.cfg = cfg
	o.logger, o.level = NewLogger(logOut, cfg.Server)
	if errors.Is(err, fs.ErrNotExist) {
		o.logger.Debug("no config file, using defaults", "path", o.configPath)
	}
	return nil
}

// NewLogger builds the process logger. The returned LevelVar allows the
// level to be changed on config reload.
func NewLogger(w io.Writer, s config.ServerConfig) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	level.Set(ParseLevel(s.LogLevel))
	hopts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(s.LogFormat, "json") {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h), level
}

// ParseLevel converts a config log level to a slog.Level. Unknown levels
// map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
