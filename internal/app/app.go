// Package app assembles the configured roles into one process and runs them
// until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/matchwatch/internal/cache"
	"github.com/drblury/matchwatch/internal/delivery"
	"github.com/drblury/matchwatch/internal/discord"
	"github.com/drblury/matchwatch/internal/enrich"
	"github.com/drblury/matchwatch/internal/poller"
	"github.com/drblury/matchwatch/internal/registry"
	"github.com/drblury/matchwatch/internal/runtime"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
	transportpkg "github.com/drblury/matchwatch/internal/runtime/transport"
	"github.com/drblury/matchwatch/internal/speech"
	"github.com/drblury/matchwatch/internal/stats"
)

const (
	registryClientTimeout = 10 * time.Second
	redisPingTimeout      = 3 * time.Second
	httpShutdownTimeout   = 5 * time.Second
)

// Adapters replaces the clients Run would otherwise build from Config. Nil
// fields are built from Config.
type Adapters struct {
	Logger           loggingpkg.ServiceLogger
	Registerer       prometheus.Registerer
	TransportFactory transportpkg.Factory
	CacheStore       cache.Store

	// Registry is the poller's view of the tracked players.
	Registry   registry.Source
	Repository registry.Repository
	Stats      poller.Stats
	Generator  enrich.Generator
	Renderer   delivery.Renderer
	Resolver   delivery.Resolver
	Connector  delivery.Connector
	// Gateway is the chat connection behind Resolver and Connector. It is
	// stopped only after the router has drained.
	Gateway Gateway
}

// Gateway is a long-lived connection that runs until ctx is cancelled.
type Gateway interface {
	Run(ctx context.Context) error
}

// Run starts every role in cfg.Roles and blocks until ctx is cancelled or a
// role fails. Setup errors are returned before anything starts.
func Run(ctx context.Context, cfg Config, ad Adapters) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := ad.Logger
	if logger == nil {
		slogger, err := loggingpkg.NewSlogLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		logger = loggingpkg.NewSlogServiceLogger(slogger)
	}
	if ad.Registerer == nil {
		ad.Registerer = prometheus.DefaultRegisterer
	}
	logger.Info("Starting matchwatch", loggingpkg.LogFields{"roles": cfg.Roles, "config": cfg.String()})

	store, closeCache, err := openCache(ctx, cfg, ad.CacheStore, logger)
	if err != nil {
		return err
	}
	defer closeCache()
	c := cache.New(store, logger)

	if ad.Stats == nil && cfg.RiotAPIKey != "" {
		client, err := stats.New(stats.Config{APIKey: cfg.RiotAPIKey, Region: cfg.RiotRegion})
		if err != nil {
			return err
		}
		ad.Stats = client
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Has(RoleRegistry) {
		closeRepo, err := startRegistry(ctx, gctx, g, cfg, ad, c, logger)
		if err != nil {
			return err
		}
		defer closeRepo()
	}

	if !cfg.needsBroker() {
		return g.Wait()
	}

	svc, err := runtime.NewService(ctx, &cfg.Runtime, logger, runtime.ServiceDependencies{
		Registerer:       ad.Registerer,
		TransportFactory: ad.TransportFactory,
	})
	if err != nil {
		return err
	}

	if cfg.Has(RoleEnricher) {
		if err := setupEnricher(svc, cfg, ad, logger); err != nil {
			return err
		}
	}
	if cfg.Has(RoleRenderer) {
		if err := setupRenderer(svc, cfg, ad, logger); err != nil {
			return err
		}
	}
	// The gateway outlives the router so playbacks still running at shutdown
	// keep their voice connection.
	gatewayCtx, stopGateway := context.WithCancel(context.WithoutCancel(gctx))
	defer stopGateway()
	if cfg.Has(RoleDelivery) {
		bot, err := setupDelivery(svc, cfg, ad, logger)
		if err != nil {
			return err
		}
		if bot != nil {
			ad.Gateway = bot
		}
	}
	if ad.Gateway != nil {
		g.Go(func() error { return ad.Gateway.Run(gatewayCtx) })
	}
	if cfg.Has(RolePoller) {
		p, err := newPoller(svc, cfg, ad, c, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case <-svc.Running():
			case <-gctx.Done():
				return nil
			}
			return p.Run(gctx)
		})
	}

	g.Go(func() error {
		defer stopGateway()
		return svc.Start(gctx)
	})
	return g.Wait()
}

func openCache(ctx context.Context, cfg Config, override cache.Store, logger loggingpkg.ServiceLogger) (cache.Store, func(), error) {
	noop := func() {}
	if override != nil {
		return override, noop, nil
	}
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set, caching in process memory", nil)
		return cache.NewMemory(), noop, nil
	}

	redisStore, err := cache.OpenRedis(cfg.RedisURL)
	if err != nil {
		return nil, noop, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := redisStore.Ping(pingCtx); err != nil {
		logger.Error("Redis unreachable, cache degraded until it recovers", err, nil)
	}

	var store cache.Store = redisStore
	if cfg.CacheMemoryFallback {
		store = cache.Fallback{Primary: redisStore, Secondary: cache.NewMemory()}
	}
	return store, func() { _ = redisStore.Close() }, nil
}

func startRegistry(ctx, gctx context.Context, g *errgroup.Group, cfg Config, ad Adapters, c *cache.Cache, logger loggingpkg.ServiceLogger) (func(), error) {
	closeRepo := func() {}
	repo := ad.Repository
	if repo == nil {
		driver := cfg.RegistryDriver
		if driver == "" {
			driver = registry.DriverFor(cfg.RegistryDSN)
		}
		store, err := registry.OpenSQL(ctx, driver, cfg.RegistryDSN)
		if err != nil {
			return closeRepo, fmt.Errorf("open registry store: %w", err)
		}
		repo = store
		closeRepo = func() { _ = store.Close() }
	}

	server := registry.NewServer(repo, c, logger)
	addr := fmt.Sprintf(":%d", cfg.RegistryPort)
	g.Go(func() error { return serveHTTP(gctx, addr, server, logger) })
	return closeRepo, nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger loggingpkg.ServiceLogger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Registry service listening", loggingpkg.LogFields{"address": addr})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("registry server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func newPoller(svc *runtime.Service, cfg Config, ad Adapters, c *cache.Cache, logger loggingpkg.ServiceLogger) (*poller.Poller, error) {
	source := ad.Registry
	if source == nil {
		source = registry.NewHTTPStore(cfg.RegistryURL, registry.NewHTTPClient(registryClientTimeout))
	}
	metrics, err := poller.NewMetrics(ad.Registerer)
	if err != nil {
		return nil, err
	}
	return poller.New(poller.Config{
		Queue:         cfg.DetectionQueue,
		RecentWindow:  cfg.RecentWindow,
		EntityDelay:   cfg.EntityDelay,
		CycleInterval: cfg.CycleInterval,
	}, poller.Dependencies{
		Registry: registry.NewClient(source, c, logger),
		Stats:    ad.Stats,
		Cache:    c,
		Producer: svc,
		Logger:   logger,
		Metrics:  metrics,
	})
}

func setupEnricher(svc *runtime.Service, cfg Config, ad Adapters, logger loggingpkg.ServiceLogger) error {
	generator := ad.Generator
	if generator == nil {
		g, err := enrich.NewAnthropicGenerator(enrich.AnthropicConfig{APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel})
		if err != nil {
			return err
		}
		generator = g
	}
	worker, err := enrich.NewWorker(generator, cfg.Runtime.CloseTimeout, logger)
	if err != nil {
		return err
	}
	return worker.Register(svc, cfg.DetectionQueue, cfg.DeliveryQueue)
}

func renderer(cfg Config, ad Adapters, logger loggingpkg.ServiceLogger) (delivery.Renderer, error) {
	if ad.Renderer != nil {
		return ad.Renderer, nil
	}
	return speech.NewRenderer(speech.Config{Dir: cfg.AudioDir, FFmpeg: cfg.FFmpegPath}, logger)
}

func setupRenderer(svc *runtime.Service, cfg Config, ad Adapters, logger loggingpkg.ServiceLogger) error {
	r, err := renderer(cfg, ad, logger)
	if err != nil {
		return err
	}
	return speech.NewStage(r, logger).Register(svc, cfg.DeliveryQueue, cfg.AudioQueue)
}

func setupDelivery(svc *runtime.Service, cfg Config, ad Adapters, logger loggingpkg.ServiceLogger) (*discord.Bot, error) {
	if cfg.DeliveryConsumers > 1 && !svc.Capabilities().AllowsParallelConsumers() {
		return nil, fmt.Errorf("delivery: %d consumers need a transport with competing consumers, %s delivers every message to each handler",
			cfg.DeliveryConsumers, cfg.Runtime.GetPubSubSystem())
	}

	var bot *discord.Bot
	resolver, connector := ad.Resolver, ad.Connector
	if resolver == nil || connector == nil {
		b, err := discord.NewBot(cfg.DiscordToken, logger)
		if err != nil {
			return nil, err
		}
		bot = b
		resolver, connector = bot.Resolver(), bot.Connector()

		var identity discord.IdentityResolver
		if ad.Stats != nil {
			identity = ad.Stats
		} else {
			logger.Info("RIOT_API_KEY not set, !add_summoner will fail", nil)
		}
		registrar := registry.NewHTTPStore(cfg.RegistryURL, registry.NewHTTPClient(registryClientTimeout))
		discord.NewCommands(identity, registrar, logger).Attach(bot.Session)
	}

	var inline delivery.Renderer
	queue := cfg.deliveryQueue()
	if queue == cfg.DeliveryQueue {
		r, err := renderer(cfg, ad, logger)
		if err != nil {
			return nil, err
		}
		inline = r
	}

	metrics, err := delivery.NewMetrics(ad.Registerer)
	if err != nil {
		return nil, err
	}
	consumer, err := delivery.NewConsumer(delivery.Dependencies{
		Resolver:      resolver,
		Connector:     connector,
		Renderer:      inline,
		ShutdownGrace: cfg.Runtime.CloseTimeout,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := consumer.Register(svc, queue, cfg.DeliveryConsumers); err != nil {
		return nil, err
	}
	return bot, nil
}
