// Package proxy is the core request router of the hub.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the connector, enforces its model policy and rate limits, resolves the
// provider order, and forwards the request — local inference nodes first
// when the connector prefers them, with cloud fallback.
//
// Key design constraints:
//   - Registry, limiter, mirror and usage recorder are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through; SSE frames are never parsed.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-hub/internal/connectors"
	"github.com/nulpointcorp/llm-hub/internal/metrics"
	"github.com/nulpointcorp/llm-hub/internal/ratelimit"
	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/nulpointcorp/llm-hub/internal/upstream"
	"github.com/nulpointcorp/llm-hub/internal/usage"
	"github.com/nulpointcorp/llm-hub/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// GatewayOptions holds the Gateway's dependencies and tuning. Registry,
// Limiter, Mirror, Metrics and Usage may be nil.
type GatewayOptions struct {
	// Logger is the structured logger. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Connectors is the credential store. Required.
	Connectors *connectors.Store

	// Registry is the node registry; nil disables the local provider.
	Registry *registry.Store

	// Mirror publishes registry changes to Redis. Optional.
	Mirror *registry.Mirror

	// Limiter enforces per-connector rate limits. Nil disables limiting.
	Limiter *ratelimit.Limiter

	// DefaultLimits apply when a connector carries no limits of its own.
	DefaultLimits ratelimit.Limits

	// LocalClient and CloudClient are the upstream HTTP clients per
	// destination family.
	LocalClient *upstream.Client
	CloudClient *upstream.Client

	// CloudBaseURL is the cloud provider's OpenAI-compatible API root.
	// Empty disables the cloud provider.
	CloudBaseURL string

	// NodeSecret authenticates worker heartbeats.
	NodeSecret string

	// AdminAPIKey protects the admin surface; empty disables it.
	AdminAPIKey string

	// Metrics enables Prometheus collection. Optional.
	Metrics *metrics.Registry

	// Usage records completed requests asynchronously. Optional.
	Usage *usage.Recorder

	// CORSOrigins configures the CORS middleware.
	CORSOrigins []string
}

// Gateway is the main router — all dependencies are injected so they can be
// replaced with doubles in unit tests.
type Gateway struct {
	log        *slog.Logger
	conns      *connectors.Store
	reg        *registry.Store
	mirror     *registry.Mirror
	limiter    *ratelimit.Limiter
	defLimits  ratelimit.Limits
	disp       *dispatcher
	cloud      *upstream.Client
	cloudBase  string
	nodeSecret string
	adminKey   string
	metrics    *metrics.Registry
	usage      *usage.Recorder

	corsOrigins []string
}

// NewGateway wires a Gateway from options.
func NewGateway(opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Connectors == nil {
		panic("proxy: connector store must not be nil")
	}

	g := &Gateway{
		log:         log,
		conns:       opts.Connectors,
		reg:         opts.Registry,
		mirror:      opts.Mirror,
		limiter:     opts.Limiter,
		defLimits:   opts.DefaultLimits,
		cloud:       opts.CloudClient,
		cloudBase:   strings.TrimRight(opts.CloudBaseURL, "/"),
		nodeSecret:  opts.NodeSecret,
		adminKey:    opts.AdminAPIKey,
		metrics:     opts.Metrics,
		usage:       opts.Usage,
		corsOrigins: opts.CORSOrigins,
	}
	if opts.Registry != nil && opts.LocalClient != nil {
		g.disp = &dispatcher{
			store:   opts.Registry,
			client:  opts.LocalClient,
			metrics: opts.Metrics,
			log:     log,
		}
	}
	return g
}

func (g *Gateway) cloudEnabled() bool {
	return g.cloud != nil && g.cloudBase != ""
}

// authenticate resolves the connector for the request's bearer token. On
// failure the error response is already written.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*connectors.Connector, bool) {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		apierr.WriteUnauthorized(ctx)
		return nil, false
	}

	conn, err := g.conns.GetByAPIKey(token)
	if err != nil {
		apierr.WriteForbidden(ctx, "invalid API key")
		return nil, false
	}
	if !conn.Active {
		apierr.WriteForbidden(ctx, "connector is inactive")
		return nil, false
	}
	return conn, true
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// limitsFor resolves the connector's effective rate limits.
func (g *Gateway) limitsFor(c *connectors.Connector) ratelimit.Limits {
	limits := g.defLimits
	if c.RateLimitPerMinute > 0 {
		limits.PerMinute = c.RateLimitPerMinute
	}
	if c.RateLimitPerHour > 0 {
		limits.PerHour = c.RateLimitPerHour
	}
	return limits
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	servedProvider := "none"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.RecordProviderRequest(servedProvider, ctx.Response.StatusCode())
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate the connector.
	conn, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	// 2. Parse the request body into a generic payload so unknown fields
	// survive re-serialization.
	var payload map[string]any
	if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model, _ := payload["model"].(string)
	if model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	stream, _ := payload["stream"].(bool)

	// 3. Model policy — before the rate limiter, so a denied model never
	// consumes quota.
	if !conn.IsModelAllowed(model) {
		apierr.WriteModelNotPermitted(ctx, model)
		return
	}

	// 4. Rate limits.
	limits := g.limitsFor(conn)
	rl := g.limiter.Allow(ctx, conn.ID, limits)
	if !rl.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate limit exceeded",
			slog.String("request_id", reqID),
			slog.String("connector_id", conn.ID),
		)
		apierr.WriteRateLimit(ctx, rl.MinuteRemaining, rl.HourRemaining, rl.MinuteReset, rl.HourReset)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}

	// 5. Reduce messages to bare {role, content} pairs — client-side private
	// fields never leave the hub — then merge connector defaults and
	// serialize once for all providers.
	if _, ok := payload["messages"]; ok {
		var chat upstream.ChatRequest
		if err := json.Unmarshal(ctx.PostBody(), &chat); err == nil {
			payload["messages"] = chat.Messages
		}
	}
	applyDefaults(payload, conn.DefaultParams)
	body, err := json.Marshal(payload)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize request", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.InfoContext(ctx, "chat request",
		slog.String("request_id", reqID),
		slog.String("connector_id", conn.ID),
		slog.String("model", model),
		slog.Bool("stream", stream),
	)

	// 6. Walk the provider order.
	order := providerOrder(conn, g.cloudEnabled())
	var failures []apierr.ProviderFailure
	for i, provider := range order {
		res, nodeID, err := g.tryProvider(ctx, provider, conn, model, body)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				g.log.WarnContext(ctx, "request deadline exceeded",
					slog.String("request_id", reqID),
					slog.String("provider", provider),
				)
				apierr.WriteTimeout(ctx)
				g.recordUsage(ctx, reqID, conn.ID, provider, "", model, start, "request timed out")
				return
			}
			failures = append(failures, apierr.ProviderFailure{
				Provider: provider,
				Reason:   err.Error(),
			})
			g.log.WarnContext(ctx, "provider failed",
				slog.String("request_id", reqID),
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res == nil {
			// Skipped slot (free-only gate); not a failure.
			continue
		}

		servedProvider = provider
		if g.metrics != nil && i > 0 {
			g.metrics.RecordFailover(order[0], provider)
		}
		g.writeCompletion(ctx, res, provider, nodeID, stream)
		g.recordUsage(ctx, reqID, conn.ID, provider, nodeID, model, start, "")
		return
	}

	// 7. Nothing served the request.
	g.log.ErrorContext(ctx, "all providers failed",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.Int("providers", len(order)),
	)
	apierr.WriteAllProvidersFailed(ctx, failures)
	g.recordUsage(ctx, reqID, conn.ID, servedProvider, "", model, start, "all providers failed")
}

// tryProvider attempts one provider slot. A nil result with nil error means
// the slot was skipped (free-only gate, empty candidate list is an error).
func (g *Gateway) tryProvider(ctx context.Context, provider string, conn *connectors.Connector, model string, body []byte) (*upstream.Result, string, error) {
	switch provider {
	case providerLocal:
		return g.tryLocal(ctx, conn, model, body)

	case providerCloud:
		res, err := g.tryCloud(ctx, body)
		return res, "", err

	case providerCloudFreeOnly:
		if !isFreeModel(model) {
			g.log.InfoContext(ctx, "model not free, skipping cloud free slot",
				slog.String("model", model),
			)
			return nil, "", nil
		}
		res, err := g.tryCloud(ctx, body)
		return res, "", err

	default:
		return nil, "", fmt.Errorf("unknown provider %q", provider)
	}
}

// tryLocal walks the candidate nodes best-first until one serves the request.
// The connector's priority biases candidate ordering.
func (g *Gateway) tryLocal(ctx context.Context, conn *connectors.Connector, model string, body []byte) (*upstream.Result, string, error) {
	if g.disp == nil {
		return nil, "", ErrNoCandidates
	}

	candidates := selectCandidates(g.reg.Snapshot(), model, conn.Priority)
	if len(candidates) == 0 {
		return nil, "", ErrNoCandidates
	}

	var lastErr error
	for _, nodeID := range candidates {
		res, err := g.disp.dispatch(ctx, nodeID, body)
		if err != nil {
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, "", err
			}
			continue
		}
		g.publishNode(ctx, nodeID)
		return res, nodeID, nil
	}
	return nil, "", lastErr
}

func (g *Gateway) tryCloud(ctx context.Context, body []byte) (*upstream.Result, error) {
	if !g.cloudEnabled() {
		return nil, errors.New("cloud provider not configured")
	}
	res, err := g.cloud.Post(ctx, g.cloudBase+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		// Upstream error bodies are logged, never forwarded to clients.
		g.log.WarnContext(ctx, "cloud provider error",
			slog.Int("status", res.StatusCode),
			slog.String("body", string(res.Body)),
		)
		return nil, fmt.Errorf("cloud provider returned status %d", res.StatusCode)
	}
	return res, nil
}

// writeCompletion forwards the upstream response. Streaming bodies pass
// through verbatim; JSON bodies are normalized and annotated with
// provenance.
func (g *Gateway) writeCompletion(ctx *fasthttp.RequestCtx, res *upstream.Result, provider, nodeID string, stream bool) {
	ctx.SetStatusCode(fasthttp.StatusOK)

	if stream || strings.HasPrefix(res.ContentType, "text/event-stream") {
		if res.ContentType != "" {
			ctx.SetContentType(res.ContentType)
		} else {
			ctx.SetContentType("text/event-stream")
		}
		ctx.SetBody(res.Body)
		return
	}

	body, err := upstream.NormalizeChatCompletion(res.Body, provider, nodeID)
	if err != nil {
		// The node answered 2xx with a non-JSON body; forward it untouched
		// rather than failing a served request.
		if res.ContentType != "" {
			ctx.SetContentType(res.ContentType)
		} else {
			ctx.SetContentType("application/json")
		}
		ctx.SetBody(res.Body)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// recordUsage extracts usage from the response and enqueues a record. Failed
// requests are recorded too, with errMsg set and zero token counts.
func (g *Gateway) recordUsage(ctx *fasthttp.RequestCtx, reqID, connectorID, provider, nodeID, model string, start time.Time, errMsg string) {
	if g.usage == nil {
		return
	}

	var parsed struct {
		Usage struct {
			PromptTokens     uint32 `json:"prompt_tokens"`
			CompletionTokens uint32 `json:"completion_tokens"`
			TotalTokens      uint32 `json:"total_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(ctx.Response.Body(), &parsed)

	g.usage.Record(usage.Record{
		RequestID:        reqID,
		ConnectorID:      connectorID,
		Provider:         provider,
		NodeID:           nodeID,
		Model:            model,
		Status:           uint16(ctx.Response.StatusCode()),
		LatencyMs:        uint32(time.Since(start).Milliseconds()),
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
		Error:            errMsg,
	})
}

// publishNode mirrors the node's post-dispatch state. Best-effort.
func (g *Gateway) publishNode(ctx context.Context, nodeID string) {
	if g.mirror == nil || g.reg == nil {
		return
	}
	if n, err := g.reg.Get(nodeID); err == nil {
		g.mirror.Publish(ctx, n)
	}
}

// handleModels serves GET /v1/models: the models this connector may use,
// drawn from its allow list and from what online nodes advertise, minus
// blocked models. The "*" wildcard is policy, not a model, so it is never
// listed.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	conn, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" || id == "*" {
			return
		}
		if !conn.IsModelAllowed(id) {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, id := range conn.AllowedModels {
		add(id)
	}
	if g.reg != nil {
		for _, n := range g.reg.Snapshot() {
			if n.Status != registry.StatusOnline {
				continue
			}
			for _, id := range n.Models {
				add(id)
			}
		}
	}
	sort.Strings(ids)

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	data := make([]modelEntry, len(ids))
	for i, id := range ids {
		data[i] = modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "llm-hub"}
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
	})
}
