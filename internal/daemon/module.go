package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/locus-chat/locus/internal/backend"
	"github.com/locus-chat/locus/internal/bus"
	"github.com/locus-chat/locus/internal/cache"
	"github.com/locus-chat/locus/internal/config"
	"github.com/locus-chat/locus/internal/engine"
	"github.com/locus-chat/locus/internal/feed"
	"github.com/locus-chat/locus/internal/hydrate"
	"github.com/locus-chat/locus/internal/lock"
	"github.com/locus-chat/locus/internal/logging"
	"github.com/locus-chat/locus/internal/outbox"
	"github.com/locus-chat/locus/internal/readstate"
	"github.com/locus-chat/locus/internal/relation"
	"github.com/locus-chat/locus/internal/session"
	"github.com/locus-chat/locus/internal/status"
	"github.com/locus-chat/locus/internal/store"
	"github.com/locus-chat/locus/internal/typing"
	"github.com/locus-chat/locus/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params, cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p, cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideSessionContext,
			provideBackend,
			provideFeed,
			provideCache,
			provideStore,
			provideHydrator,
			provideReadState,
			provideAggregator,
			provideTyping,
			provideRelations,
			provideSender,
			provideEngine,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
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

func provideSessionContext(p Params, logger *zap.Logger) (session.Context, error) {
	sess, err := session.LoadContext(p.SessionName)
	if err != nil {
		return session.Context{}, err
	}
	if sess.Active() {
		logger.Info("session identity loaded", zap.String("owner", sess.OwnerID))
	} else {
		logger.Info("no session identity, running signed out")
	}
	return sess, nil
}

func provideBackend(cfg *config.Config, sess session.Context, logger *zap.Logger) *backend.Client {
	return backend.NewClient(backend.Options{
		BaseURL:    cfg.Backend.BaseURL,
		APIKey:     cfg.Backend.APIKey,
		Token:      sess.Token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     logger,
	})
}

func provideFeed(cfg *config.Config, sess session.Context, logger *zap.Logger) *feed.Client {
	return feed.NewClient(cfg.Backend.RealtimeURL, cfg.Backend.APIKey, sess.Token, logger)
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStore() *store.Store {
	return store.New()
}

func provideHydrator(client *backend.Client, logger *zap.Logger) *hydrate.Resolver {
	return hydrate.New(client, logger)
}

func provideReadState(st *store.Store, client *backend.Client, logger *zap.Logger) *readstate.Machine {
	return readstate.NewMachine(st, client, logger)
}

func provideAggregator(st *store.Store, db *cache.DB, b *bus.Bus, logger *zap.Logger) *unread.Aggregator {
	return unread.NewAggregator(st, db, b, logger)
}

func provideTyping(client *backend.Client, sess session.Context, b *bus.Bus, logger *zap.Logger) *typing.Channel {
	return typing.NewChannel(client, sess.OwnerID, b, logger)
}

func provideRelations(client *backend.Client, reads *readstate.Machine, st *store.Store, sess session.Context, logger *zap.Logger) *relation.Resolver {
	return relation.NewResolver(client, reads, st, sess.OwnerID, logger)
}

func provideSender(db *cache.DB, client *backend.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger)
}

func provideEngine(
	sess session.Context,
	b *bus.Bus,
	machine *status.Machine,
	st *store.Store,
	db *cache.DB,
	hydrator *hydrate.Resolver,
	reads *readstate.Machine,
	badges *unread.Aggregator,
	typ *typing.Channel,
	relations *relation.Resolver,
	client *backend.Client,
	fc *feed.Client,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(engine.Deps{
		Session:   sess,
		Bus:       b,
		Machine:   machine,
		Store:     st,
		Cache:     db,
		Hydrator:  hydrator,
		Reads:     reads,
		Badges:    badges,
		Typing:    typ,
		Relations: relations,
		Backend:   client,
		Feed:      fc,
		Logger:    logger,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	eng *engine.Engine,
	sender *outbox.Sender,
	fc *feed.Client,
	db *cache.DB,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := eng.Start(context.Background()); err != nil {
				return err
			}

			// Control server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			eng.Stop()
			fc.Close()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
