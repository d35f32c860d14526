package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-hub/internal/connectors"
	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/nulpointcorp/llm-hub/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// requireAdmin gates the admin surface on the X-Admin-Key header. An empty
// configured key disables the surface entirely.
func (g *Gateway) requireAdmin(ctx *fasthttp.RequestCtx) bool {
	if g.adminKey == "" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return false
	}
	key := ctx.Request.Header.Peek("X-Admin-Key")
	if subtle.ConstantTimeCompare(key, []byte(g.adminKey)) != 1 {
		apierr.WriteForbidden(ctx, "invalid admin key")
		return false
	}
	return true
}

// ── Node admin ────────────────────────────────────────────────────────────────

type nodeView struct {
	NodeID       string            `json:"node_id"`
	TunnelURL    string            `json:"tunnel_url,omitempty"`
	IPv4         string            `json:"ipv4,omitempty"`
	IPv6         string            `json:"ipv6,omitempty"`
	Port         int               `json:"port"`
	Models       []string          `json:"models"`
	CPULoad      *float64          `json:"cpu_load,omitempty"`
	MemoryLoad   *float64          `json:"memory_load,omitempty"`
	Status       string            `json:"status"`
	LastSeen     string            `json:"last_seen"`
	ActiveJobs   int               `json:"active_jobs"`
	FailureCount int               `json:"failure_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func viewOf(n *registry.NodeState) nodeView {
	return nodeView{
		NodeID:       n.NodeID,
		TunnelURL:    n.TunnelURL,
		IPv4:         n.IPv4,
		IPv6:         n.IPv6,
		Port:         n.Port,
		Models:       n.Models,
		CPULoad:      n.CPULoad,
		MemoryLoad:   n.MemoryLoad,
		Status:       n.Status,
		LastSeen:     n.LastSeen.UTC().Format(time.RFC3339),
		ActiveJobs:   n.ActiveJobs,
		FailureCount: n.FailureCount,
		Metadata:     n.Metadata,
	}
}

func (g *Gateway) handleListNodes(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	views := []nodeView{}
	if g.reg != nil {
		for _, n := range g.reg.Snapshot() {
			views = append(views, viewOf(n))
		}
	}
	writeJSON(ctx, views)
}

func (g *Gateway) handleGetNode(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	nodeID, _ := ctx.UserValue("id").(string)
	if g.reg == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	n, err := g.reg.Get(nodeID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"node not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, viewOf(n))
}

func (g *Gateway) handleDeleteNode(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	nodeID, _ := ctx.UserValue("id").(string)
	if g.reg == nil || g.reg.Evict(nodeID) != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"node not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	g.mirror.Delete(ctx, nodeID)
	if g.metrics != nil {
		g.updateNodeGauges()
	}
	g.log.InfoContext(ctx, "node removed", slog.String("node_id", nodeID))
	writeJSON(ctx, map[string]string{"message": "node removed", "node_id": nodeID})
}

// ── Connector admin ───────────────────────────────────────────────────────────

type connectorBody struct {
	Name               string                   `json:"name"`
	APIKey             string                   `json:"api_key"`
	Active             *bool                    `json:"active"`
	AllowedModels      []string                 `json:"allowed_models"`
	BlockedModels      []string                 `json:"blocked_models"`
	Prefer             string                   `json:"prefer"`
	Fallback           string                   `json:"fallback"`
	LocalOnly          bool                     `json:"local_only"`
	CloudOnly          bool                     `json:"cloud_only"`
	Priority           int                      `json:"priority"`
	RateLimitPerMinute int                      `json:"rate_limit_per_minute"`
	RateLimitPerHour   int                      `json:"rate_limit_per_hour"`
	DefaultParams      connectors.DefaultParams `json:"default_params"`
	Metadata           map[string]string        `json:"metadata"`
}

type connectorView struct {
	ID                 string                   `json:"id"`
	Name               string                   `json:"name"`
	Active             bool                     `json:"active"`
	AllowedModels      []string                 `json:"allowed_models"`
	BlockedModels      []string                 `json:"blocked_models"`
	Prefer             string                   `json:"prefer"`
	Fallback           string                   `json:"fallback,omitempty"`
	LocalOnly          bool                     `json:"local_only"`
	CloudOnly          bool                     `json:"cloud_only"`
	Priority           int                      `json:"priority"`
	RateLimitPerMinute int                      `json:"rate_limit_per_minute"`
	RateLimitPerHour   int                      `json:"rate_limit_per_hour"`
	DefaultParams      connectors.DefaultParams `json:"default_params"`
	Metadata           map[string]string        `json:"metadata,omitempty"`
	CreatedAt          string                   `json:"created_at"`
	UpdatedAt          string                   `json:"updated_at"`

	RateLimitInfo *rateLimitInfo `json:"rate_limit_info,omitempty"`
}

type rateLimitInfo struct {
	MinuteRemaining int   `json:"minute_remaining"`
	HourRemaining   int   `json:"hour_remaining"`
	MinuteReset     int64 `json:"minute_reset"`
	HourReset       int64 `json:"hour_reset"`
}

func (g *Gateway) connectorViewOf(ctx *fasthttp.RequestCtx, c *connectors.Connector, withLimits bool) connectorView {
	v := connectorView{
		ID:                 c.ID,
		Name:               c.Name,
		Active:             c.Active,
		AllowedModels:      c.AllowedModels,
		BlockedModels:      c.BlockedModels,
		Prefer:             c.EffectivePrefer(),
		Fallback:           c.Fallback,
		LocalOnly:          c.LocalOnly,
		CloudOnly:          c.CloudOnly,
		Priority:           c.Priority,
		RateLimitPerMinute: g.limitsFor(c).PerMinute,
		RateLimitPerHour:   g.limitsFor(c).PerHour,
		DefaultParams:      c.DefaultParams,
		Metadata:           c.Metadata,
		CreatedAt:          c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if withLimits && g.limiter != nil {
		info := g.limiter.Info(ctx, c.ID, g.limitsFor(c))
		v.RateLimitInfo = &rateLimitInfo{
			MinuteRemaining: info.MinuteRemaining,
			HourRemaining:   info.HourRemaining,
			MinuteReset:     info.MinuteReset,
			HourReset:       info.HourReset,
		}
	}
	return v
}

func (g *Gateway) handleListConnectors(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	views := []connectorView{}
	for _, c := range g.conns.List() {
		views = append(views, g.connectorViewOf(ctx, c, false))
	}
	writeJSON(ctx, views)
}

// handleCreateConnector mints a connector. When no api_key is supplied a
// fresh one is generated and returned once; only its hash is stored.
func (g *Gateway) handleCreateConnector(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}

	var body connectorBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.Name == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'name' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	apiKey := body.APIKey
	if apiKey == "" {
		apiKey = "hub-" + uuid.NewString()
	}

	active := true
	if body.Active != nil {
		active = *body.Active
	}

	c, err := g.conns.Create(&connectors.Connector{
		Name:               body.Name,
		APIKeyHash:         connectors.HashAPIKey(apiKey),
		Active:             active,
		AllowedModels:      body.AllowedModels,
		BlockedModels:      body.BlockedModels,
		Prefer:             body.Prefer,
		Fallback:           body.Fallback,
		LocalOnly:          body.LocalOnly,
		CloudOnly:          body.CloudOnly,
		Priority:           body.Priority,
		RateLimitPerMinute: body.RateLimitPerMinute,
		RateLimitPerHour:   body.RateLimitPerHour,
		DefaultParams:      body.DefaultParams,
		Metadata:           body.Metadata,
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusConflict,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.log.InfoContext(ctx, "connector created",
		slog.String("connector_id", c.ID),
		slog.String("name", c.Name),
	)

	view := g.connectorViewOf(ctx, c, false)
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, map[string]any{
		"connector": view,
		"api_key":   apiKey, // shown once; never retrievable again
	})
}

func (g *Gateway) handleGetConnector(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	id, _ := ctx.UserValue("id").(string)
	c, err := g.conns.Get(id)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"connector not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, g.connectorViewOf(ctx, c, true))
}

func (g *Gateway) handleUpdateConnector(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	id, _ := ctx.UserValue("id").(string)
	existing, err := g.conns.Get(id)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"connector not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	var body connectorBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Active != nil {
		existing.Active = *body.Active
	}
	if body.AllowedModels != nil {
		existing.AllowedModels = body.AllowedModels
	}
	if body.BlockedModels != nil {
		existing.BlockedModels = body.BlockedModels
	}
	if body.Prefer != "" {
		existing.Prefer = body.Prefer
	}
	existing.Fallback = body.Fallback
	existing.LocalOnly = body.LocalOnly
	existing.CloudOnly = body.CloudOnly
	if body.Priority != 0 {
		existing.Priority = body.Priority
	}
	if body.RateLimitPerMinute != 0 {
		existing.RateLimitPerMinute = body.RateLimitPerMinute
	}
	if body.RateLimitPerHour != 0 {
		existing.RateLimitPerHour = body.RateLimitPerHour
	}
	if body.APIKey != "" {
		existing.APIKeyHash = connectors.HashAPIKey(body.APIKey)
	}
	if body.Metadata != nil {
		existing.Metadata = body.Metadata
	}
	existing.DefaultParams = body.DefaultParams

	updated, err := g.conns.Update(existing)
	if err != nil {
		if errors.Is(err, connectors.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound,
				"connector not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.Write(ctx, fasthttp.StatusConflict,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, g.connectorViewOf(ctx, updated, false))
}

func (g *Gateway) handleDeleteConnector(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	id, _ := ctx.UserValue("id").(string)
	if err := g.conns.Delete(id); err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"connector not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	g.log.InfoContext(ctx, "connector deleted", slog.String("connector_id", id))
	writeJSON(ctx, map[string]string{"message": "connector deleted", "id": id})
}
