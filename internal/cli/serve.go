package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/evovariant/internal/api"
	"github.com/clawinfra/evovariant/internal/config"
	"github.com/clawinfra/evovariant/internal/scheduler"
)

func newServeCmd(o *options) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				o.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
			defer stop()
			return o.withApp(cmd, func(app *App) error {
				return serve(ctx, o, app)
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

// serve runs the API server, the scheduler and the config watcher until
// ctx is cancelled or one of them fails.
func serve(ctx context.Context, o *options, app *App) error {
	logger := app.Logger
	cfg := o.cfg

	sched := scheduler.NewScheduler(app.Engine, logger)
	if cfg.Scheduler.Enabled {
		jobs := make([]*scheduler.Job, len(cfg.Scheduler.Jobs))
		for i, j := range cfg.Scheduler.Jobs {
			jobs[i] = j.Clone()
		}
		if err := sched.LoadJobs(jobs); err != nil {
			return err
		}
	}
	srv := api.NewServer(cfg.Server.Port, app.Engine, sched, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-ctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if cfg.Server.WatchIntervalSec > 0 {
		w := config.NewWatcher(o.cfg, o.configPath, time.Duration(cfg.Server.WatchIntervalSec)*time.Second, logger,
			func(res *config.ReloadResult, err error) {
				if err == nil {
					o.apply(ctx, sched, res)
				}
			})
		g.Go(func() error { return w.Run(ctx) })
	}

	hup := make(chan os.Signal, 1)
	if sigs := reloadSignals(); len(sigs) > 0 {
		signal.Notify(hup, sigs...)
	}
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				logger.Info("reload signal received")
				o.reload(ctx, sched)
			}
		}
	})

	status := app.Engine.Status()
	logger.Info("evovariant serving",
		"port", cfg.Server.Port,
		"policy", status.Policy,
		"agents", status.Agents,
		"entries", status.Entries,
		"jobs", len(sched.ListJobs()),
	)

	err := g.Wait()
	logger.Info("evovariant stopped")
	return err
}

// reload re-reads the config file and applies what changed.
func (o *options) reload(ctx context.Context, sched *scheduler.Scheduler) {
	res, err := o.cfg.Reload(o.configPath)
	if err != nil {
		o.logger.Error("config reload failed", "error", err)
		return
	}
	res.LogResult(o.logger)
	o.apply(ctx, sched, res)
}

// apply pushes hot-reloaded sections into the running server: the log level
// and the scheduler jobs.
func (o *options) apply(ctx context.Context, sched *scheduler.Scheduler, res *config.ReloadResult) {
	config.RLock()
	defer config.RUnlock()
	if res.Has("Server.LogLevel") {
		o.level.Set(ParseLevel(o.cfg.Server.LogLevel))
	}
	if res.Has("Scheduler") {
		for _, job := range sched.ListJobs() {
			_ = sched.RemoveJob(job.ID)
		}
		if !o.cfg.Scheduler.Enabled {
			return
		}
		for _, job := range o.cfg.Scheduler.Jobs {
			if err := sched.AddJob(job.Clone()); err != nil {
				o.logger.Warn("scheduler job not reloaded", "job", job.ID, "error", err)
			}
		}
		if ctx.Err() == nil {
			o.logger.Info("scheduler jobs reloaded", "jobs", len(sched.ListJobs()))
		}
	}
}
