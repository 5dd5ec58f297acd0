// Package daemon wires the sync layer into a long-running process.
package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/convsync"
	"github.com/matheus3301/convsync/internal/fetch"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/messages"
	"github.com/matheus3301/convsync/internal/participant"
	"github.com/matheus3301/convsync/internal/paths"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/resolver"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/store/pgstore"
	"github.com/matheus3301/convsync/internal/tracing"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // optional override; empty = ~/.convsync/config.toml
	SocketPath string // optional override for testing; empty = use default
}

// Store is the persistence backend selected by configuration.
type Store interface {
	resolver.Store
	messages.Repository
	Close() error
}

// Transport is a realtime transport the daemon owns and closes on stop.
type Transport interface {
	realtime.Transport
	Close() error
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
			provideTransport,
			provideChannel,
			provideCacheBackend,
			provideCache,
			provideResolver,
			provideMessages,
			provideFacade,
			provideRegistry,
			provideDirectory,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = paths.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := paths.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath(p.Profile), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(paths.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s, err := pgstore.Connect(ctx, cfg.Store.URL, cfg.Store.MaxConns, 10*time.Second)
		if err != nil {
			return nil, err
		}
		version, err := s.Migrate()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("store initialized", zap.String("driver", "postgres"), zap.Uint("version", version))
		return s, nil
	default:
		dbPath := cfg.Store.Path
		if dbPath == "" {
			dbPath = paths.DBPath(p.Profile)
		}
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
		logger.Info("store initialized", zap.String("driver", "sqlite"), zap.String("path", dbPath))
		return db, nil
	}
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (Transport, error) {
	if cfg.Realtime.Transport == "nats" {
		return realtime.ConnectNATS(realtime.NATSConfig{
			URL:           cfg.Realtime.NATSURL,
			Token:         cfg.Realtime.NATSToken,
			SubjectPrefix: cfg.Realtime.SubjectPrefix,
		}, logger)
	}
	return realtime.NewLocal(b, cfg.Realtime.BufferSize), nil
}

func provideChannel(t Transport, logger *zap.Logger) *realtime.Channel {
	return realtime.NewChannel(t, logger)
}

func provideCacheBackend(cfg *config.Config) (cache.Backend, error) {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedis(context.Background(), cfg.Cache.RedisURL, cfg.Cache.KeyPrefix)
	}
	return cache.NewMemory(), nil
}

func provideCache(backend cache.Backend, logger *zap.Logger) *cache.Cache {
	return cache.New(backend, logger)
}

func provideResolver(s Store, ch *realtime.Channel, b *bus.Bus, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(s, ch, b, logger)
}

func provideMessages(s Store, r *resolver.Resolver, logger *zap.Logger) *messages.Store {
	return messages.New(s, r, logger)
}

func provideFacade(r *resolver.Resolver, ms *messages.Store, ch *realtime.Channel, c *cache.Cache, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *convsync.Facade {
	return convsync.New(r, ms, ch, convsync.Options{
		PageSize: cfg.Sync.PageSize,
		Cache:    c,
		Bus:      b,
		Logger:   logger,
	})
}

func provideRegistry(f *convsync.Facade, b *bus.Bus, logger *zap.Logger) *api.Registry {
	return api.NewRegistry(f, b, logger)
}

func provideDirectory(cfg *config.Config, c *cache.Cache, logger *zap.Logger) *participant.Directory {
	var opts []fetch.Option
	if cfg.Users.Token != "" {
		opts = append(opts, fetch.WithTransform(fetch.Bearer(fetch.StaticToken(cfg.Users.Token))))
	}
	return participant.NewDirectory(fetch.New(c, logger, opts...), cfg.Users.BaseURL)
}

func provideAPI(reg *api.Registry, r *resolver.Resolver, dir *participant.Directory, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *api.Server {
	return api.New(reg, r, dir, b, logger, api.Options{
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		ListLimit:          cfg.Sync.ConversationListLimit,
	})
}

type lifecycleParams struct {
	fx.In

	Lock      *lock.Lock
	Config    *config.Config
	Server    *Server
	Store     Store
	Transport Transport
	Channel   *realtime.Channel
	Registry  *api.Registry
	Cache     cache.Backend
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	var shutdownTracing func(context.Context) error

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			shutdown, err := tracing.Init(ctx, tracing.Config{
				Endpoint:    p.Config.Tracing.Endpoint,
				Insecure:    p.Config.Tracing.Insecure,
				ServiceName: "convsyncd",
			})
			if err != nil {
				return err
			}
			shutdownTracing = shutdown

			// Serve the local API in background.
			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Server.Stop(ctx)
			p.Registry.CloseAll()
			p.Channel.Close()
			if err := p.Transport.Close(); err != nil {
				logger.Warn("error closing transport", zap.Error(err))
			}
			if c, ok := p.Cache.(io.Closer); ok {
				if err := c.Close(); err != nil {
					logger.Warn("error closing cache", zap.Error(err))
				}
			}
			if err := p.Store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if shutdownTracing != nil {
				if err := shutdownTracing(ctx); err != nil {
					logger.Warn("error flushing traces", zap.Error(err))
				}
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
