// Playbookd serves a playbook over HTTP.
//
// It opens the playbook store once, keeps a snapshot for read endpoints
// that is reloaded whenever another process (pbk, a hook) rewrites the
// playbook, and shuts down gracefully on SIGINT or SIGTERM.
//
// Usage:
//
//	# Start with ~/.config/playbookd/config.yaml and PLAYBOOK_* overrides
//	playbookd
//
//	# Use another config file
//	playbookd -config ./playbookd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/config"
	"github.com/fyrsmithlabs/playbookd/internal/engine"
	httpserver "github.com/fyrsmithlabs/playbookd/internal/http"
	"github.com/fyrsmithlabs/playbookd/internal/logging"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/playbookd/config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("playbookd %s (%s)\n", version, gitCommit)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "playbookd: %v\n", err)
		os.Exit(1)
	}
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "playbookd: %v\n", err)
		os.Exit(1)
	}
}

// run starts the server and blocks until ctx is cancelled, then shuts
// down within the configured timeout.
func run(ctx context.Context, cfg *config.Config, opts ...engine.Option) error {
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	eng, err := engine.Open(cfg, append([]engine.Option{engine.WithLogger(logger)}, opts...)...)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("closing engine", zap.Error(err))
		}
	}()
	if _, err := eng.Init(ctx, "default"); err != nil {
		return fmt.Errorf("failed to initialize playbook: %w", err)
	}

	srv, err := httpserver.NewServer(eng, logger, &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Gate:    cfg.Server.Gate,
		Scoring: cfg.Curation.Scoring,
	})
	if err != nil {
		return err
	}

	if cfg.Server.Watch {
		w, err := eng.Watch(ctx, func(pb *playbook.Playbook) { srv.SetSnapshot(pb) })
		if err != nil {
			logger.Warn("playbook watcher disabled", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}

	logger.Info("starting playbookd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("playbook", eng.StorePath()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("playbookd stopped")
	return nil
}
