package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clawinfra/evovariant/internal/classifier"
	"github.com/clawinfra/evovariant/internal/config"
	"github.com/clawinfra/evovariant/internal/engine"
	"github.com/clawinfra/evovariant/internal/telemetry"
	"github.com/clawinfra/evovariant/internal/variants"
	"github.com/clawinfra/evovariant/internal/wal"
)

// App holds the runtime components built from a config.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Engine *engine.Engine

	metrics *variants.SQLiteStore
}

// OpenApp wires the engine from cfg and recovers its persisted state.
func OpenApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Variants.DBPath), 0750); err != nil {
		return nil, fmt.Errorf("create variants db dir: %w", err)
	}

	metrics, err := variants.OpenSQLiteStore(cfg.Variants.DBPath)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger, metrics: metrics}

	repo, err := variants.LoadRepository(ctx, cfg.Variants.Dir, metrics, logger)
	if err != nil {
		metrics.Close()
		return nil, fmt.Errorf("load variants: %w", err)
	}

	log, err := wal.Open(cfg.Store, logger)
	if err != nil {
		metrics.Close()
		return nil, err
	}

	sink, err := buildSink(ctx, cfg.Telemetry, logger)
	if err != nil {
		log.Close()
		metrics.Close()
		return nil, err
	}

	eng, err := engine.New(cfg.Engine(), engine.Deps{
		Classifier: classifier.New(cfg.Classifier, logger),
		Variants:   repo,
		Log:        log,
		Sink:       sink,
	}, logger)
	if err != nil {
		sink.Close()
		log.Close()
		metrics.Close()
		return nil, err
	}
	app.Engine = eng

	if err := eng.Recover(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Close flushes the engine and closes the stores.
func (a *App) Close() error {
	var errs []error
	if a.Engine != nil {
		errs = append(errs, a.Engine.Close())
	}
	if a.metrics != nil {
		errs = append(errs, a.metrics.Close())
	}
	return errors.Join(errs...)
}

// buildSink assembles the enabled telemetry sinks. An unreachable MQTT
// broker is logged and skipped since telemetry never blocks learning.
func buildSink(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (telemetry.Sink, error) {
	var sinks []telemetry.Sink
	if cfg.Log {
		sinks = append(sinks, telemetry.NewLogSink(logger))
	}
	if cfg.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0750); err != nil {
			return nil, fmt.Errorf("create telemetry dir: %w", err)
		}
		s, err := telemetry.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.MQTT.Enabled {
		m := telemetry.NewMQTT(cfg.MQTT.MQTTConfig, logger)
		if err := m.Start(ctx); err != nil {
			logger.Warn("mqtt telemetry disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			sinks = append(sinks, m)
		}
	}
	return telemetry.NewMulti(sinks...), nil
}
