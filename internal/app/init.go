package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaymesh/llm-dispatch/internal/catalog"
	"github.com/relaymesh/llm-dispatch/internal/dispatch"
	"github.com/relaymesh/llm-dispatch/internal/logger"
	"github.com/relaymesh/llm-dispatch/internal/metrics"
	"github.com/relaymesh/llm-dispatch/internal/proxy"
	"github.com/relaymesh/llm-dispatch/internal/ratelimit"
	"github.com/relaymesh/llm-dispatch/internal/routing"
)

// initInfra establishes optional external connections.
// Redis is only required when LIMITER_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.LimiterMode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initCatalog builds the alias route table and per-upstream connection
// parameters. A misconfigured route fails startup here rather than at
// request time.
func (a *App) initCatalog(_ context.Context) error {
	providers := []catalog.Provider{
		{
			Identity:   catalog.Groq,
			Endpoint:   a.cfg.Groq.BaseURL,
			Credential: a.cfg.Groq.APIKey,
			Quota:      a.cfg.Groq.RPMLimit,
		},
		{
			Identity:   catalog.OpenAI,
			Endpoint:   a.cfg.OpenAI.BaseURL,
			Credential: a.cfg.OpenAI.APIKey,
			Quota:      a.cfg.OpenAI.RPMLimit,
		},
		{
			Identity: catalog.Local,
			Endpoint: a.cfg.Local.BaseURL,
		},
	}

	cat, err := catalog.New(catalog.DefaultRoutes, providers)
	if err != nil {
		return err
	}
	a.cat = cat

	a.log.Info("catalog loaded",
		slog.Int("routes", len(catalog.DefaultRoutes)),
		slog.Bool("groq_key", a.cfg.Groq.APIKey != ""),
		slog.Bool("openai_key", a.cfg.OpenAI.APIKey != ""),
	)

	return nil
}

// initServices creates the rate limiter, metrics registry, and event logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.LimiterMode {
	case "redis":
		// Shared window across replicas; counters live in Redis.
		a.limiter = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RateWindow, a.cat.Quotas())
		a.log.Info("rate limiter: redis (shared window)")

	case "memory":
		a.limiter = ratelimit.NewFixedWindow(a.cfg.RateWindow, a.cat.Quotas())
		a.log.Info("rate limiter: memory (in-process)")

	default:
		return fmt.Errorf("unknown limiter mode: %s", a.cfg.LimiterMode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	evtLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("event logger: %w", err)
	}
	a.evtLogger = evtLogger

	return nil
}

// initGateway wires the resolver, limiter, and forwarder into the dispatch
// pipeline and builds the HTTP gateway around it.
func (a *App) initGateway(_ context.Context) error {
	resolver := routing.NewResolver(a.cat)
	forwarder := dispatch.NewForwarder(a.cfg.ForwardTimeout)

	pipeline := dispatch.New(resolver, a.limiter, forwarder, dispatch.Options{
		Logger:  a.log,
		Metrics: a.prom,
		Events:  a.evtLogger,
	})

	a.gw = proxy.NewGateway(pipeline, proxy.GatewayOptions{
		Logger:      a.log,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
