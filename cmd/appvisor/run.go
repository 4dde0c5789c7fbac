package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/appvisor"
	tlsx "github.com/loykin/appvisor/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Supervise the declared apps in the foreground",
		Long: `Load the file, start every declared app and keep them running until
SIGINT or SIGTERM. Daemon sections (server, metrics, log, history, env)
are optional and live next to the apps list.

Examples:
  appvisor run ecosystem.yaml
  appvisor run --daemonize --pidfile=/run/appvisor.pid ecosystem.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), globalFlags.configPath(args), runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&runFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&runFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to this file")
	return cmd
}

func runCommand(ctx context.Context, path string, f *RunFlags) error {
	cfg, err := appvisor.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}
	slog.SetDefault(cfg.LoggerConfig().NewSlogger())

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := startDaemon(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("shutting down")
	return d.shutdown()
}

// daemon holds everything run starts so it can be torn down in order.
type daemon struct {
	mgr        *appvisor.Manager
	sinks      []appvisor.HistorySink
	api        *http.Server
	metricsSrv *http.Server
}

func startDaemon(ctx context.Context, cfg *appvisor.Config, reg prometheus.Registerer) (_ *daemon, err error) {
	d := &daemon{mgr: appvisor.New()}
	defer func() {
		if err != nil {
			_ = d.shutdown()
		}
	}()

	if err := d.mgr.Apply(cfg); err != nil {
		return nil, err
	}
	if d.sinks, err = appvisor.NewHistorySinks(cfg.History); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	d.mgr.SetHistorySinks(d.sinks...)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := appvisor.RegisterMetrics(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = appvisor.MetricsHandler()
		if !cfg.Server.Enabled || cfg.Metrics.Listen != cfg.Server.Listen {
			if d.metricsSrv, err = appvisor.ServeMetrics(cfg.Metrics.Listen); err != nil {
				return nil, fmt.Errorf("metrics server: %w", err)
			}
		}
	}
	if err := d.mgr.EnableUsage(ctx, cfg.Metrics.Usage, metricsRegisterer(cfg, reg)); err != nil {
		return nil, fmt.Errorf("usage metrics: %w", err)
	}

	// Crashed apps are already logged by the manager; keep supervising the rest.
	if err := d.mgr.StartAll(); err != nil {
		slog.Warn("some apps failed to start", "error", err)
	}

	if cfg.Server.Enabled {
		tlsConfig, err := tlsx.Setup(cfg.Server.TLS)
		if err != nil {
			return nil, fmt.Errorf("server tls: %w", err)
		}
		d.api, err = appvisor.NewServer(appvisor.ServerOptions{
			Listen:    cfg.Server.Listen,
			BasePath:  cfg.Server.BasePath,
			Framework: cfg.Server.Framework,
			TLS:       tlsConfig,
			Metrics:   metricsHandler,
		}, d.mgr)
		if err != nil {
			return nil, err
		}
	}
	slog.Info("appvisor started", "config", cfg.ConfigPath, "apps", len(cfg.Apps))
	return d, nil
}

func metricsRegisterer(cfg *appvisor.Config, reg prometheus.Registerer) prometheus.Registerer {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return reg
}

func (d *daemon) shutdown() error {
	var errs []error
	if err := appvisor.ShutdownServer(d.api, shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}
	if err := d.mgr.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := appvisor.ShutdownServer(d.metricsSrv, shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("metrics server: %w", err))
	}
	appvisor.CloseHistorySinks(d.sinks)
	return errors.Join(errs...)
}
