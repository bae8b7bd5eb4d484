// Package daemon composes the client, its call log and the control socket
// into one fx application per profile.
package daemon

import (
	"context"
	"errors"
	"net/http"

	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/config"
	"github.com/beegramm/beegram/internal/control"
	"github.com/beegramm/beegram/internal/core"
	"github.com/beegramm/beegram/internal/lock"
	"github.com/beegramm/beegram/internal/logging"
	"github.com/beegramm/beegram/internal/metrics"
	"github.com/beegramm/beegram/internal/profile"
	"github.com/beegramm/beegram/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// HTTPClient is used for REST and the websocket; nil means the default.
	HTTPClient *http.Client
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMetrics,
			provideClient,
			provideService,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (config.Client, error) {
	return config.LoadClient(profile.ClientConfigPath(p.Profile), nil)
}

func provideLogger(p Params, cfg config.Client) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the call log is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CallLogPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("call log opened", zap.String("path", db.Path()))
	return db, nil
}

func provideMetrics(b *bus.Bus) *metrics.Metrics {
	return metrics.New(b.Dropped)
}

func provideClient(p Params, cfg config.Client, b *bus.Bus, db *store.DB, m *metrics.Metrics, logger *zap.Logger) (*core.Client, error) {
	return core.New(context.Background(), core.Options{
		Config:     cfg,
		Bus:        b,
		Recorder:   db,
		Metrics:    m,
		HTTPClient: p.HTTPClient,
		Logger:     logger,
	})
}

func provideService(p Params, c *core.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *control.Service {
	return control.NewService(control.Deps{
		Profile: p.Profile,
		Runner:  c,
		Chats:   c.Chats(),
		Intents: c.Router(),
		Calls:   c.Calls(),
		CallLog: db,
		Bus:     b,
		Logger:  logger,
	})
}

func provideServer(p Params, svc *control.Service, logger *zap.Logger) (*control.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}
	return control.NewServer(socketPath, svc, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg config.Client, srv *control.Server, svc *control.Service, client *core.Client, m *metrics.Metrics, db *store.DB, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	var metricsSrv *metrics.Server

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go m.Watch(watchCtx, b)

			if cfg.MetricsAddr != "" {
				s, err := m.Listen(cfg.MetricsAddr, logger)
				if err != nil {
					return err
				}
				metricsSrv = s
				go func() {
					if err := s.Serve(); err != nil {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			return client.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			svc.Shutdown()
			srv.Stop(ctx)
			err := client.Stop(ctx)
			stopWatch()
			if metricsSrv != nil {
				if serr := metricsSrv.Shutdown(ctx); serr != nil {
					logger.Warn("metrics shutdown", zap.Error(serr))
				}
			}
			err = errors.Join(err, db.Close())
			if rerr := lk.Release(); rerr != nil {
				logger.Warn("error releasing lock", zap.Error(rerr))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return err
		},
	})
}
