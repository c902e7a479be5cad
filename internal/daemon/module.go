// Package daemon composes the engine's components into a running process.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sparkline/courier/internal/auth"
	"github.com/sparkline/courier/internal/bus"
	"github.com/sparkline/courier/internal/config"
	"github.com/sparkline/courier/internal/conn"
	"github.com/sparkline/courier/internal/lock"
	"github.com/sparkline/courier/internal/logging"
	"github.com/sparkline/courier/internal/outbound"
	"github.com/sparkline/courier/internal/presence"
	"github.com/sparkline/courier/internal/rooms"
	"github.com/sparkline/courier/internal/session"
	"github.com/sparkline/courier/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideTokenSource,
			provideManager,
			provideMachine,
			provideTracker,
			provideRooms,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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

func provideTokenSource(p Params, cfg *config.Config, logger *zap.Logger) (*auth.Source, error) {
	src := auth.NewSource(session.CredentialsPath(p.SessionName), cfg.AuthRefreshURL, logger)
	if err := src.Load(); err != nil {
		return nil, err
	}
	return src, nil
}

func provideManager(cfg *config.Config, tokens *auth.Source, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Config{
		URL:                  cfg.ServerURL,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		BackoffInitial:       cfg.ReconnectInitial.Duration,
		BackoffMax:           cfg.ReconnectMax.Duration,
	}, tokens, b, logger)
}

func provideMachine(db *store.DB, cm *conn.Manager, b *bus.Bus, tokens *auth.Source, logger *zap.Logger) *outbound.Machine {
	return outbound.NewMachine(db, cm, b, tokens.Subject(), logger)
}

func provideTracker(cfg *config.Config, cm *conn.Manager, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(cm, b, logger, cfg.TypingTimeout.Duration)
}

func provideRooms(db *store.DB, cm *conn.Manager, b *bus.Bus, tokens *auth.Source, logger *zap.Logger) *rooms.Broadcaster {
	return rooms.NewBroadcaster(db, cm, b, tokens.Subject(), logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, cm *conn.Manager, machine *outbound.Machine, tracker *presence.Tracker, broadcaster *rooms.Broadcaster, tokens *auth.Source, b *bus.Bus, db *store.DB, logger *zap.Logger) {
	var detach []func()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			detach = append(detach,
				machine.Attach(cm),
				tracker.Attach(cm),
				broadcaster.Attach(cm),
				b.Subscribe(conn.EventLogoutRequired, func(bus.Event) {
					// The session cannot recover without a fresh login:
					// drop the dead credential and all ephemeral state.
					if err := tokens.Clear(); err != nil {
						logger.Warn("clearing credentials failed", zap.Error(err))
					}
					tracker.Clear()
				}),
			)

			// Unconfirmed messages from the previous run re-enter the queue
			// before the channel comes up, so the connected transition
			// drains them.
			if err := machine.Resume(); err != nil {
				return err
			}

			if _, ok := tokens.Token(); !ok {
				logger.Info("no credentials found, staying offline until login")
				return nil
			}
			if err := cm.Connect(ctx); err != nil {
				// A failed first connect is not fatal: the session keeps
				// its queue and the caller can retry after re-login.
				logger.Warn("initial connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cm.Disconnect()
			tracker.Clear()
			machine.Close()
			for _, d := range detach {
				d()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
