package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gustycube/osintd/internal/alert"
	"github.com/gustycube/osintd/internal/api"
	"github.com/gustycube/osintd/internal/collector"
	"github.com/gustycube/osintd/internal/config"
	"github.com/gustycube/osintd/internal/dedup"
	"github.com/gustycube/osintd/internal/enrich"
	"github.com/gustycube/osintd/internal/extract"
	"github.com/gustycube/osintd/internal/health"
	"github.com/gustycube/osintd/internal/httpclient"
	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/notify"
	"github.com/gustycube/osintd/internal/pipeline"
	"github.com/gustycube/osintd/internal/queue"
	"github.com/gustycube/osintd/internal/rate"
	"github.com/gustycube/osintd/internal/robots"
	"github.com/gustycube/osintd/internal/store"
)

// app holds every long-lived component of a running node.
type app struct {
	cfg        *config.Config
	log        *logging.Logger
	store      *store.Store
	redis      redis.UniversalClient
	collectors *collector.Registry
	notifier   *notify.Dispatcher
	pipeline   *pipeline.Pipeline
	health     *health.Handler
}

func dialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return cli, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.store, err = store.Open(ctx, cfg.DBPath); err != nil {
		return nil, err
	}
	if cfg.RedisAddr != "" {
		cli, err := dialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.redis = cli
		log.Infow("redis dedup and enrichment cache enabled", "addr", cfg.RedisAddr)
	}

	opts := httpclient.DefaultOptions()
	opts.UA = cfg.UA
	hc := httpclient.New(nil, opts)

	fetcher := collector.NewFetcher(hc, rate.New(), log)
	a.collectors = collector.Builtin(fetcher, robots.NewCache(hc.HTTP(), cfg.UA))

	var (
		seen   dedup.SeenSet
		window dedup.Window
		cache  enrich.Cache
	)
	if a.redis != nil {
		seen = dedup.NewRedisSeen(a.redis, time.Duration(cfg.Dedup.SeenTTLHours)*time.Hour)
		window = dedup.NewRedisWindow(a.redis, cfg.Dedup.WindowSize)
		cache = enrich.NewRedisCache(a.redis)
	} else {
		seen = dedup.NewMemorySeen(cfg.Dedup.SeenCapacity)
		window = dedup.NewMemoryWindow(cfg.Dedup.WindowSize)
		cache = enrich.NewMemoryCache(cfg.Enrichment.CacheSize)
	}

	providers, err := enrich.Build(cfg.Enrichment.Providers, enrich.Deps{
		HTTP:         hc,
		Resolver:     net.DefaultResolver,
		RDAPEndpoint: cfg.Enrichment.RDAPEndpoint,
		OllamaHost:   cfg.Enrichment.OllamaHost,
		LLMModel:     cfg.Enrichment.LLMModel,
	})
	if err != nil {
		return nil, err
	}
	enricher := enrich.NewService(cache, time.Duration(cfg.Enrichment.TimeoutSec)*time.Second, log, providers...)

	alerts, err := alert.NewEvaluator(cfg.Alerts, a.store, log)
	if err != nil {
		return nil, err
	}

	sinks, err := notify.Build(cfg.Sinks, notify.Deps{HTTP: hc, Redis: a.redis, Log: log})
	if err != nil {
		return nil, err
	}
	a.notifier = notify.NewDispatcher(a.store, log, sinks...)

	a.pipeline = pipeline.New(pipeline.Deps{
		Collectors: a.collectors,
		Store:      a.store,
		Gate:       dedup.NewGate(seen, window, cfg.Dedup.NearThreshold),
		Extractor:  extract.NewExtractor(nil),
		Enricher:   enricher,
		Alerts:     alerts,
		Notifier:   a.notifier,
	}, pipeline.Options{
		Owner:              cfg.Node,
		Concurrency:        cfg.Concurrency,
		CollectConcurrency: cfg.CollectConcurrency,
		MaxAttempts:        cfg.MaxAttempts,
		LeaseTTL:           cfg.LeaseTTL(),
		ItemTimeout:        cfg.ItemTimeout(),
	}, log)

	a.health = a.newHealth()
	log.Infow("node ready",
		"node", cfg.Node,
		"db", cfg.DBPath,
		"sources", len(cfg.EnabledSources()),
		"providers", enricher.Providers(),
		"sinks", a.notifier.Sinks(),
		"alerts", alerts.Conditions(),
	)
	ok = true
	return a, nil
}

func (a *app) newHealth() *health.Handler {
	h := health.NewHandler(a.log)
	h.SetMetadata("node", a.cfg.Node)
	h.SetMetadata("version", version)
	h.RegisterChecker("store", health.NewPingChecker("sqlite", a.store.Ping))
	if a.redis != nil {
		h.RegisterChecker("redis", health.NewPingChecker("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}
	h.RegisterChecker("sources", health.NewSourceChecker(a.checkSources))
	h.RegisterChecker("workers", health.NewWorkerPoolChecker(a.pipeline.Active, a.pipeline.Concurrency()))
	return h
}

func (a *app) checkSources(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	for _, src := range a.cfg.EnabledSources() {
		c, err := a.collectors.Get(src.Type)
		out[src.Name] = err == nil && c.HealthCheck(ctx, src)
	}
	return out
}

// workQueue connects to the distributed queue named by the config.
func (a *app) workQueue(ctx context.Context) (*queue.RedisQueue, func(), error) {
	if a.cfg.RedisQueueAddr == "" {
		return nil, nil, errors.New("redis_queue_addr is required for the work queue")
	}
	cli, err := dialRedis(ctx, a.cfg.RedisQueueAddr)
	if err != nil {
		return nil, nil, err
	}
	a.log.Infow("redis queue enabled", "addr", a.cfg.RedisQueueAddr, "key", a.cfg.RedisQueueKey)
	return queue.NewRedis(cli, a.cfg.RedisQueueKey, a.cfg.LeaseTTL()), func() { cli.Close() }, nil
}

// serveHTTP serves the query API, metrics and health on addr until ctx is
// cancelled. The returned func waits for shutdown to finish.
func (a *app) serveHTTP(ctx context.Context, addr string) func() {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(api.Config{Store: a.store, Health: a.health, Log: a.log}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		close(done)
	}()
	go func() {
		a.log.Infow("http server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warnw("http server stopped", "err", err)
		}
	}()
	return func() { <-done }
}

func (a *app) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.log.Warnw("close sinks", "err", err)
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
