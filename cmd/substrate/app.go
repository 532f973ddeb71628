package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/config"
	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/embeddings"
	"github.com/rforgeon/substrate/internal/knowledge"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/qdrant"
	"github.com/rforgeon/substrate/internal/replication"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/telemetry"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

const instrumentationName = "github.com/rforgeon/substrate/cmd/substrate"

// app holds every long-lived dependency of a substrate process.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry

	store    *storage.Store
	index    *vectorindex.Index
	engine   *confirmation.Engine
	coord    *replication.Coordinator
	natsConn *nats.Conn
	notifier *replication.NATSNotifier
	svc      *knowledge.Service
}

// appOptions adjusts newApp for commands and tests.
type appOptions struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *logging.Logger

	// Telemetry starts the OpenTelemetry providers when cfg enables them.
	Telemetry bool
}

// loadConfig loads the configuration and creates the data directories.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp initializes dependencies in order:
//  1. logger and telemetry
//  2. storage
//  3. similarity index (Qdrant + TEI), degraded when unreachable
//  4. confirmation engine
//  5. outbox transport, NATS notifier and sync coordinator
//  6. knowledge service
//
// Close releases them in reverse.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if err := a.initLogging(ctx, opts); err != nil {
		return nil, err
	}

	a.store, err = storage.Open(ctx, storage.Options{
		DBPath:  cfg.DBPath(),
		LogPath: cfg.LogPath(),
		Logger:  a.logger.Underlying(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a.index = a.initIndex(ctx)

	a.engine, err = confirmation.NewEngine(confirmation.Options{
		Store: a.store,
		Config: confirmation.Config{
			Threshold:           cfg.Confirmation.Threshold,
			ConfidenceFactor:    cfg.Confirmation.ConfidenceFactor,
			ContradictionWindow: cfg.Confirmation.ContradictionWindow.Duration(),
			FuzzyThreshold:      cfg.Confirmation.FuzzyThreshold,
		},
		Index:  a.index,
		Logger: a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmation engine: %w", err)
	}

	if err := a.initSync(ctx); err != nil {
		return nil, err
	}

	a.svc, err = knowledge.New(knowledge.Options{
		Store:  a.store,
		Engine: a.engine,
		Index:  a.index,
		Sync:   a.coord,
		Config: knowledge.Config{
			AgentID:      cfg.AgentID,
			StaleAfter:   cfg.Confirmation.StaleAfter.Duration(),
			ObserveRate:  cfg.Server.ObserveRate,
			ObserveBurst: cfg.Server.ObserveBurst,
		},
		Logger: a.logger,
		Tracer: a.tel.Tracer(instrumentationName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge service: %w", err)
	}
	return a, nil
}

// initLogging builds the logger, starts telemetry and, when telemetry
// exports logs, rebuilds the logger with the OpenTelemetry bridge.
func (a *app) initLogging(ctx context.Context, opts appOptions) error {
	logCfg, err := logging.FromSettings(a.cfg.Logging.Level, a.cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	a.logger = opts.Logger
	if a.logger == nil {
		a.logger, err = logging.NewLogger(logCfg, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	telCfg := telemetry.FromSettings(a.cfg.Telemetry, version)
	if !opts.Telemetry {
		telCfg.Enabled = false
	}
	a.tel, err = telemetry.New(ctx, telCfg, a.logger)
	if err != nil {
		return err
	}

	if provider := a.tel.LoggerProvider(); provider != nil && opts.Logger == nil {
		logCfg.Output.OTEL = true
		bridged, err := logging.NewLogger(logCfg, provider)
		if err != nil {
			a.logger.Warn(ctx, "otel log bridge unavailable", zap.Error(err))
		} else {
			a.logger = bridged
		}
	}
	return nil
}

// initIndex connects the similarity index. Any failure leaves a disabled
// index; observations are still stored and search falls back to keywords.
func (a *app) initIndex(ctx context.Context) *vectorindex.Index {
	qcfg := a.cfg.Qdrant
	if !qcfg.Enabled {
		return vectorindex.Disabled()
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL:   a.cfg.Embeddings.BaseURL,
		Model:     a.cfg.Embeddings.Model,
		RateLimit: a.cfg.Embeddings.RateLimit,
		Timeout:   a.cfg.Embeddings.Timeout.Duration(),
		Dimension: int(qcfg.VectorSize),
	}, a.logger)
	if err != nil {
		a.logger.Warn(ctx, "embeddings unavailable, similarity search disabled", zap.Error(err))
		return vectorindex.Disabled()
	}

	client, err := qdrant.NewGRPCClient(&qdrant.ClientConfig{
		Host:   qcfg.Host,
		Port:   qcfg.Port,
		UseTLS: qcfg.UseTLS,
		APIKey: qcfg.APIKey.Value(),
	}, a.logger)
	if err != nil {
		a.logger.Warn(ctx, "qdrant unavailable, similarity search disabled", zap.Error(err))
		return vectorindex.Disabled()
	}

	return vectorindex.New(client, embedder, vectorindex.Config{
		Collection: qcfg.Collection,
		VectorSize: qcfg.VectorSize,
	}, a.logger)
}

// initSync builds the outbox transport, the optional NATS notifier and the
// coordinator.
func (a *app) initSync(ctx context.Context) error {
	sc := a.cfg.Sync

	transport, err := replication.NewFileTransport(a.cfg.OutboxPath(),
		replication.WithTransportLogger(a.logger))
	if err != nil {
		return fmt.Errorf("failed to open outbox: %w", err)
	}

	var notifier replication.Notifier
	if sc.NATS.Enabled {
		a.natsConn, err = replication.ConnectNATS(sc.NATS.URL, "substrate-"+a.cfg.AgentID)
		if err != nil {
			a.logger.Warn(ctx, "nats unavailable, batch announcements disabled", zap.Error(err))
		} else {
			a.notifier, err = replication.NewNATSNotifier(a.natsConn, replication.NATSOptions{
				Subject: sc.NATS.Subject,
				Node:    a.cfg.AgentID,
				Outbox:  a.cfg.OutboxPath(),
				Logger:  a.logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create nats notifier: %w", err)
			}
			notifier = a.notifier
		}
	}

	a.coord, err = replication.NewCoordinator(replication.Options{
		Store:          a.store,
		Transport:      transport,
		Peers:          peers(sc.Peers),
		Enabled:        sc.Enabled,
		Interval:       sc.Interval.Duration(),
		UrgentInterval: sc.UrgentInterval.Duration(),
		BatchMaxAge:    sc.BatchMaxAge.Duration(),
		Indexer:        a.index,
		Processor:      a.engine,
		Notifier:       notifier,
		Expire: func(ctx context.Context, now time.Time) (int, error) {
			return a.svc.ExpireStale(ctx, now)
		},
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create sync coordinator: %w", err)
	}
	return nil
}

func peers(cfg []config.Peer) []replication.Peer {
	out := make([]replication.Peer, 0, len(cfg))
	for _, p := range cfg {
		out = append(out, replication.Peer{Name: p.Name, Path: p.Path, Enabled: p.Enabled})
	}
	return out
}

// peerDirs lists the outboxes of enabled peers.
func peerDirs(cfg []config.Peer) []string {
	var dirs []string
	for _, p := range cfg {
		if p.Enabled {
			dirs = append(dirs, p.Path)
		}
	}
	return dirs
}

// Close stops the coordinator and releases every connection.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.coord != nil {
		a.coord.Stop()
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing nats notifier: %w", err))
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing vector index: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
