package daemon

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/media"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCache,
			provideRest,
			provideSession,
			provideMedia,
			provideRegistry,
			provideMetrics,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(session.ConfigPath(), session.EnvPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus(clk clock.Clock) *bus.Bus {
	return bus.New().WithClock(clk.Now)
}

func provideClock() clock.Clock {
	return clock.Real()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	socket := p.SocketPath
	if socket == "" {
		socket = session.SocketPath(p.SessionName)
	}
	l, err := lock.Acquire(session.Dir(p.SessionName), socket)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.Int("pid", l.Info().PID))
	return l, nil
}

// provideStore takes the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideCache picks the message cache backend. The sqlite cache shares the
// store's connection; the bolt cache owns a file closed on stop.
func provideCache(lc fx.Lifecycle, p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) (store.Cache, error) {
	if cfg.StoreBackend != config.StoreBolt {
		return db, nil
	}
	path := session.BoltPath(p.SessionName)
	bc, err := store.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return bc.Close() }})
	logger.Info("bolt cache opened", zap.String("path", path))
	return bc, nil
}

func provideRest(cfg *config.Config, db *store.DB, logger *zap.Logger) (*rest.Client, error) {
	if cfg.BackendURL == "" {
		logger.Warn("backend_url is not set, history and media calls will fail")
	}
	return rest.New(cfg.BackendURL, nil, db, logger.Named("rest"))
}

func provideSession(cfg *config.Config, db *store.DB, machine *status.Machine, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *transport.Session {
	if cfg.SocketURL == "" {
		logger.Warn("socket_url is not set, the live connection will not come up")
	}
	tc := transport.Config{
		HandshakeTimeout: cfg.Transport.HandshakeTimeout.Duration,
		AckTimeout:       cfg.Transport.AckTimeout.Duration,
		BaseDelay:        cfg.Transport.BaseDelay.Duration,
		MaxDelay:         cfg.Transport.MaxDelay.Duration,
		MaxAttempts:      cfg.Transport.MaxAttempts,
		LivenessInterval: cfg.Transport.LivenessInterval.Duration,
		Device:           cfg.DeviceInfo,
	}
	dialer := &transport.WSDialer{URL: cfg.SocketURL, Logger: logger.Named("ws")}
	return transport.NewSession(tc, dialer, db, machine, b, clk, logger.Named("transport"))
}

func provideMedia(p Params, cfg *config.Config, client *rest.Client, db *store.DB, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *media.Manager {
	return media.NewManager(media.Options{
		Dirs: media.Dirs{
			Sent:     session.SentDir(p.SessionName),
			Received: session.ReceivedDir(p.SessionName),
			Library:  cfg.MediaLibrary,
		},
		Timeout:  cfg.Media.TransferTimeout.Duration,
		Uploader: client,
		Fetcher:  client,
		Pending:  db,
		Bus:      b,
		Clock:    clk,
		Logger:   logger.Named("media"),
	})
}

func provideRegistry(cfg *config.Config, sess *transport.Session, db *store.DB, cache store.Cache, client *rest.Client, mgr *media.Manager, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *conversation.Registry {
	return conversation.NewRegistry(conversation.Deps{
		Session:     sess,
		Credentials: db,
		Cache:       cache,
		Fetcher:     client,
		Media:       mgr,
		Pending:     db,
		Bus:         b,
		Clock:       clk,
		Logger:      logger.Named("conversation"),
		PageSize:    cfg.Timeline.PageSize,
		CacheLimit:  cfg.Timeline.CacheLimit,
	})
}

func provideMetrics(b *bus.Bus, logger *zap.Logger) *metrics.Collector {
	return metrics.New(b, logger.Named("metrics"))
}

func provideService(p Params, sess *transport.Session, reg *conversation.Registry, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, sess, reg, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, sess *transport.Session, reg *conversation.Registry, col *metrics.Collector, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Collect before anything publishes.
			col.Start(context.Background())
			if cfg.MetricsAddr != "" {
				if err := col.Listen(cfg.MetricsAddr); err != nil {
					return err
				}
			}

			// Catch up open conversations after every reconnect.
			reg.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			sess.SetForeground(true)
			go func() {
				if err := sess.Connect(context.Background()); err != nil {
					logger.Warn("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			reg.Stop()
			var errs []error
			if err := reg.CloseAll(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := sess.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := col.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			col.Stop()
			if err := db.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			if err := errors.Join(errs...); err != nil {
				logger.Warn("daemon stopped with errors", zap.Error(err))
				return nil
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
