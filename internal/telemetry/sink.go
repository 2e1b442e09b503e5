// Package telemetry delivers invocation-level records to append-only sinks.
// Sink failures are logged by the caller and never affect selection or
// learning.
package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/clawinfra/evovariant/internal/types"
)

// Sink receives telemetry records.
type Sink interface {
	Name() string
	Emit(ctx context.Context, rec types.TelemetryRecord) error
	Close() error
}

// LogSink writes records to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "telemetry"), level: slog.LevelDebug}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Emit(ctx context.Context, rec types.TelemetryRecord) error {
	s.logger.Log(ctx, s.level, "telemetry",
		"event", rec.Event,
		"agent", rec.Agent,
		"task_type", rec.TaskType,
		"variant", rec.VariantID,
		"q_value", rec.QValue,
		"exploration", rec.Exploration,
		"reward", rec.Reward,
		"status", rec.Status,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Multi fans a record out to several sinks. Every sink is tried; the
// returned error joins the individual failures.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out sink. Nil sinks are ignored.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Name() string { return "multi" }

// Sinks returns the wrapped sinks.
func (m *Multi) Sinks() []Sink { return m.sinks }

func (m *Multi) Emit(ctx context.Context, rec types.TelemetryRecord) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// SinkError identifies the sink that failed.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }
