package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtaci/qftp/logging"
	"github.com/xtaci/qftp/metrics"
	"github.com/xtaci/qftp/server"
)

// runServerCommand loads configuration, applies flag overrides and serves
// until SIGINT or SIGTERM.
func runServerCommand(c *cli.Context) error {
	configPath := c.String("config")
	cfg, err := server.Load(configPath)
	if err != nil {
		return exitWithExample(err.Error(), exampleServer)
	}
	if err := applyServerFlags(c, cfg); err != nil {
		return exitWithExample(err.Error(), exampleServer)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runServer(ctx, cfg, configPath)
}

// applyServerFlags copies explicitly set flags over the loaded config and
// validates the result.
func applyServerFlags(c *cli.Context, cfg *server.Config) error {
	if c.IsSet("listen") {
		cfg.ListenAddress = c.String("listen")
	}
	if c.IsSet("root") {
		cfg.RootDirectory = c.String("root")
	}
	if c.IsSet("max-connections") {
		cfg.MaxConnections = c.Int("max-connections")
	}
	if c.IsSet("metrics") {
		cfg.MetricsAddress = c.String("metrics")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	return cfg.Validate()
}

// runServer starts the file server and, when configured, the admin
// endpoint. Either failing stops both.
func runServer(ctx context.Context, cfg *server.Config, configPath string) error {
	logger := logging.L()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.New(ctx, cfg, server.WithRecorder(metrics.NewPrometheus(reg)))
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	if configPath != "" {
		go watchConfigReload(ctx, configPath, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if cfg.MetricsAddress != "" {
		ready := func() bool {
			select {
			case <-srv.Ready():
				return gctx.Err() == nil
			default:
				return false
			}
		}
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddress, metrics.Router(reg, ready)) })
	}

	err = g.Wait()
	if errors.Is(err, server.ErrShutdownTimeout) {
		logger.Warn("sessions were closed forcibly", zap.Duration("shutdown_timeout", cfg.ShutdownTimeout))
		return nil
	}
	return err
}

// watchConfigReload re-reads the config file on SIGUSR1 and applies the
// logging level. Other settings take effect on restart.
func watchConfigReload(ctx context.Context, path string, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			logger.Info("received SIGUSR1, reloading configuration", zap.String("path", path))
			if err := reloadConfig(path); err != nil {
				logger.Error("configuration reload failed", zap.Error(err))
				continue
			}
			logger.Info("configuration reloaded", zap.String("log_level", logging.Level()))
		}
	}
}

func reloadConfig(path string) error {
	cfg, err := server.Load(path)
	if err != nil {
		return err
	}
	logging.SetLevel(cfg.Logging.Level)
	return nil
}
