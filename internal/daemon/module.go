package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/snippetd/internal/bus"
	"github.com/matheus3301/snippetd/internal/cache"
	"github.com/matheus3301/snippetd/internal/config"
	"github.com/matheus3301/snippetd/internal/creds"
	"github.com/matheus3301/snippetd/internal/httpapi"
	"github.com/matheus3301/snippetd/internal/ingest"
	"github.com/matheus3301/snippetd/internal/lock"
	"github.com/matheus3301/snippetd/internal/logging"
	"github.com/matheus3301/snippetd/internal/manager"
	"github.com/matheus3301/snippetd/internal/replay"
	"github.com/matheus3301/snippetd/internal/session"
	"github.com/matheus3301/snippetd/internal/status"
	"github.com/matheus3301/snippetd/internal/storage"
	"github.com/matheus3301/snippetd/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Listen      string // optional override for the HTTP listen address
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCredStore,
			provideCache,
			provideFlusher,
			provideStorage,
			provideDialer,
			provideManager,
			providePipeline,
			provideEngine,
			provideReplayer,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if p.Listen != "" {
		cfg.Listen = p.Listen
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCredStore(p Params, logger *zap.Logger) (*creds.Store, error) {
	return creds.Open(context.Background(), session.CredsDBPath(p.SessionName), logger)
}

func provideCache(p Params) *cache.Cache {
	return cache.New(session.StorePath(p.SessionName))
}

func provideFlusher(c *cache.Cache, cfg *config.Config, machine *status.Machine, logger *zap.Logger) *cache.Flusher {
	connected := func() bool { return machine.Current() == status.Open }
	return cache.NewFlusher(c, cfg.FlushInterval(), connected, logger)
}

func provideStorage(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.URL == "" || cfg.Storage.APIKey == "" {
		return nil, fmt.Errorf("storage.url and storage.api_key must be set in %s", session.ConfigPath())
	}
	return storage.NewSupabase(cfg.Storage.URL, cfg.Storage.APIKey)
}

func provideDialer(cs *creds.Store, b *bus.Bus, logger *zap.Logger) *wa.Dialer {
	return wa.NewDialer(cs, b, logger)
}

func provideManager(d *wa.Dialer, machine *status.Machine, c *cache.Cache, f *cache.Flusher, b *bus.Bus, logger *zap.Logger) *manager.Manager {
	dial := manager.DialerFunc(func(ctx context.Context) (manager.Handle, error) {
		return d.Dial(ctx)
	})
	return manager.New(dial, machine, c, f, b, logger)
}

func providePipeline(st storage.Store, mgr *manager.Manager, cfg *config.Config, logger *zap.Logger) *ingest.Pipeline {
	return ingest.NewPipeline(st, mgr, cfg.Storage.Bucket, logger)
}

func provideEngine(pipeline *ingest.Pipeline, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(pipeline, c, b, logger)
}

func provideReplayer(c *cache.Cache, pipeline *ingest.Pipeline, cfg *config.Config, logger *zap.Logger) *replay.Replayer {
	return replay.NewReplayer(c, pipeline, cfg.Replay.BatchSize, cfg.BatchDelay(), logger)
}

func provideServer(cfg *config.Config, mgr *manager.Manager, rep *replay.Replayer, machine *status.Machine, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(cfg.Listen, mgr, rep, machine, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *httpapi.Server, lk *lock.Lock, cs *creds.Store, c *cache.Cache, mgr *manager.Manager, engine *ingest.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := c.Load(); err != nil {
				logger.Warn("failed to load message cache snapshot, starting cold", zap.Error(err))
			} else if c.Len() > 0 {
				logger.Info("message cache loaded", zap.Int("conversations", c.Len()))
			}

			// Engine and manager subscribe to wa.* bus events.
			engine.Start(context.Background())
			mgr.Start()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("HTTP server error", zap.Error(err))
				}
			}()

			go func() {
				if err := mgr.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			mgr.Stop()
			engine.Stop()
			if err := c.Flush(); err != nil {
				logger.Warn("final cache flush failed", zap.Error(err))
			}
			if err := cs.Close(); err != nil {
				logger.Warn("error closing credential store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
