package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management handler functions registered
// alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full request handler: routes plus middleware chain.
// Exposed separately from Start so tests can drive it over an in-memory
// listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// OpenAI-compatible surface.
	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/v1/models", g.handleModels)

	// Worker surface.
	r.POST("/api/nodes/heartbeat", g.handleHeartbeat)

	// Admin surface.
	r.GET("/api/nodes", g.handleListNodes)
	r.GET("/api/nodes/{id}", g.handleGetNode)
	r.DELETE("/api/nodes/{id}", g.handleDeleteNode)
	r.GET("/api/connectors", g.handleListConnectors)
	r.POST("/api/connectors", g.handleCreateConnector)
	r.GET("/api/connectors/{id}", g.handleGetConnector)
	r.PUT("/api/connectors/{id}", g.handleUpdateConnector)
	r.DELETE("/api/connectors/{id}", g.handleDeleteConnector)

	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler: g.Handler(mgmt),
		// Generous write timeout: local nodes may stream for minutes.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	var online, degraded, offline int
	if g.reg != nil {
		for _, n := range g.reg.Snapshot() {
			switch n.Status {
			case registry.StatusOnline:
				online++
			case registry.StatusDegraded:
				degraded++
			case registry.StatusOffline:
				offline++
			}
		}
	}
	writeJSON(ctx, map[string]any{
		"status": "ok",
		"nodes": map[string]int{
			"online":   online,
			"degraded": degraded,
			"offline":  offline,
		},
		"cloud": g.cloudEnabled(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
