package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/rforgeon/substrate/internal/http"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/replication"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sync loop",
		Long: `Start the substrate daemon.

The daemon serves the JSON API, runs the periodic sync cycle, watches
peer outboxes for new batches and, when configured, listens for NATS
batch announcements. SIGINT or SIGTERM shuts it down gracefully.

Examples:
  # Start with the default config file
  substrate serve

  # Start with an explicit config file
  substrate serve --config ./substrate.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, appOptions{Telemetry: true})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			return a.serve(ctx)
		},
	}
}

// serve starts background sync and the HTTP server, and blocks until ctx
// is cancelled or the server fails.
func (a *app) serve(ctx context.Context) error {
	a.logger.Info(ctx, "starting substrate",
		zap.String("version", version),
		zap.String("data_dir", a.cfg.DataDir),
		zap.Bool("sync_enabled", a.cfg.Sync.Enabled),
		zap.Bool("qdrant_enabled", a.cfg.Qdrant.Enabled),
		zap.Bool("nats_connected", a.notifier != nil))

	if err := a.startSync(ctx); err != nil {
		return err
	}

	srv, err := httpserver.NewServer(a.svc, a.coord, a.logger, &httpserver.Config{
		Host:   a.cfg.Server.Host,
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey.Value(),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info(context.Background(), "shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// startSync starts the coordinator, the peer outbox watcher and the NATS
// subscription. The watcher and the subscription only trigger early cycles.
func (a *app) startSync(ctx context.Context) error {
	if err := a.coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}
	if !a.cfg.Sync.Enabled {
		return nil
	}

	if dirs := peerDirs(a.cfg.Sync.Peers); a.cfg.Sync.Watch && len(dirs) > 0 {
		watcher, err := replication.NewOutboxWatcher(dirs, func(dir, batchID string) {
			a.logger.Debug(logging.WithBatchID(ctx, batchID), "peer batch detected", zap.String("dir", dir))
			a.coord.Trigger()
		}, a.logger)
		if err != nil {
			// Polling still picks batches up on the next interval.
			a.logger.Warn(ctx, "outbox watcher unavailable", zap.Error(err))
		} else {
			watcher.Start(ctx)
			go func() {
				<-ctx.Done()
				_ = watcher.Close()
			}()
		}
	}

	if a.notifier != nil {
		err := a.notifier.Subscribe(func(ann replication.BatchAnnouncement) {
			a.logger.Debug(logging.WithBatchID(ctx, ann.BatchID), "batch announced by peer",
				zap.String("node", ann.Node))
			a.coord.Trigger()
		})
		if err != nil {
			a.logger.Warn(ctx, "nats subscription failed", zap.Error(err))
		}
	}
	return nil
}
