package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-hub/internal/connectors"
	"github.com/nulpointcorp/llm-hub/internal/metrics"
	"github.com/nulpointcorp/llm-hub/internal/proxy"
	"github.com/nulpointcorp/llm-hub/internal/ratelimit"
	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/nulpointcorp/llm-hub/internal/upstream"
	"github.com/nulpointcorp/llm-hub/internal/usage"
)

// initInfra establishes optional external connections. The hub runs without
// Redis, but then rate limits are unenforced and the registry is not shared
// across restarts.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		a.log.Warn("REDIS_URL not set; rate limiting disabled, registry is process-local")
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initServices creates the Prometheus registry, the rate limiter and the
// usage recording pipeline.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.rdb != nil {
		a.limiter = ratelimit.NewLimiter(a.rdb, a.log)
		a.log.Info("rate limiting enabled",
			slog.Int("default_per_minute", a.cfg.RateLimit.PerMinute),
			slog.Int("default_per_hour", a.cfg.RateLimit.PerHour),
		)
	}

	var sink usage.Sink
	switch a.cfg.Usage.Sink {
	case "slog":
		sink = usage.NewSlogSink(a.log)
		a.log.Info("usage sink: slog")

	case "clickhouse":
		chSink, err := usage.NewClickHouseSink(ctx, a.cfg.Usage.ClickHouseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = chSink
		a.log.Info("usage sink: clickhouse")

	case "none":
		a.log.Info("usage sink: disabled")
	}

	if sink != nil {
		rec, err := usage.NewRecorder(a.baseCtx, sink, a.log)
		if err != nil {
			return fmt.Errorf("usage recorder: %w", err)
		}
		a.usageRec = rec
	}

	return nil
}

// initRegistry builds the node registry. With Redis the previous node set is
// restored from the mirror so a hub restart does not lose nodes that are
// between heartbeats.
func (a *App) initRegistry(ctx context.Context) error {
	a.conns = connectors.NewStore()
	a.reg = registry.NewStore(a.cfg.Registry.MaxConsecutiveFailures)

	if a.rdb != nil {
		a.mirror = registry.NewMirror(a.rdb, a.cfg.Registry.LivenessTTL, a.log)

		nodes, err := a.mirror.LoadAll(ctx)
		if err != nil {
			a.log.Warn("registry warm start failed", slog.String("error", err.Error()))
		}
		for _, n := range nodes {
			a.reg.Restore(n)
		}
		if len(nodes) > 0 {
			a.log.Info("registry restored from redis", slog.Int("nodes", len(nodes)))
		}
	}

	a.sweeper = registry.NewSweeper(a.reg, a.mirror,
		a.cfg.Registry.LivenessTTL, a.cfg.Registry.OfflineEvictDelta, a.log)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var cloudClient *upstream.Client
	if a.cfg.CloudEnabled() {
		headers := make(map[string]string)
		if a.cfg.Cloud.AttributionReferrer != "" {
			headers["HTTP-Referer"] = a.cfg.Cloud.AttributionReferrer
		}
		if a.cfg.Cloud.AttributionTitle != "" {
			headers["X-Title"] = a.cfg.Cloud.AttributionTitle
		}
		cloudClient = upstream.New(upstream.Options{
			BearerToken:  a.cfg.Cloud.APIKey,
			ExtraHeaders: headers,
			Timeout:      a.cfg.Timeouts.Cloud,
		})
	}

	a.gw = proxy.NewGateway(proxy.GatewayOptions{
		Logger:     a.log,
		Connectors: a.conns,
		Registry:   a.reg,
		Mirror:     a.mirror,
		Limiter:    a.limiter,
		DefaultLimits: ratelimit.Limits{
			PerMinute: a.cfg.RateLimit.PerMinute,
			PerHour:   a.cfg.RateLimit.PerHour,
		},
		LocalClient:  upstream.New(upstream.Options{Timeout: a.cfg.Timeouts.Local}),
		CloudClient:  cloudClient,
		CloudBaseURL: a.cfg.Cloud.BaseURL,
		NodeSecret:   a.cfg.NodeSecret,
		AdminAPIKey:  a.cfg.AdminAPIKey,
		Metrics:      a.prom,
		Usage:        a.usageRec,
		CORSOrigins:  a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
