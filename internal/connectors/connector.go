// Package connectors holds the per-tenant credential model and its store.
//
// A connector is an API credential with attached policy: which models it may
// call, how it prefers to be routed (local nodes vs cloud), its sliding-window
// rate limits and the default sampling parameters merged into its requests.
package connectors

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Provider preference values.
const (
	PreferLocal         = "local"
	PreferCloud         = "cloud"
	PreferCloudFreeOnly = "cloud_free_only"
)

// Connector is a tenant credential with routing and access policy.
type Connector struct {
	// ID identifies the connector; also the rate-limiter key component.
	ID string

	// Name is a human-readable label for the admin surface.
	Name string

	// APIKeyHash is the SHA-256 hex digest of the bearer key. The plaintext
	// key is never stored.
	APIKeyHash string

	// Active gates the credential; inactive connectors are rejected with 403.
	Active bool

	// AllowedModels restricts which models the connector may request.
	// Empty or containing "*" means any model. BlockedModels always wins.
	AllowedModels []string

	// BlockedModels are denied regardless of AllowedModels.
	BlockedModels []string

	// Prefer selects the primary provider: "local", "cloud" or
	// "cloud_free_only". Default: local.
	Prefer string

	// Fallback is the secondary provider tried when the preferred one
	// fails. Empty or equal to Prefer means no fallback.
	Fallback string

	// LocalOnly pins the connector to local nodes; no cloud fallback.
	LocalOnly bool

	// CloudOnly pins the connector to the cloud provider. When both
	// exclusive flags are set, LocalOnly wins.
	CloudOnly bool

	// Priority biases node selection, higher is better. Capped at 10 so a
	// priority edge never outweighs a whole in-flight job of load difference.
	Priority int

	// RateLimitPerMinute and RateLimitPerHour override the hub defaults
	// when > 0.
	RateLimitPerMinute int
	RateLimitPerHour   int

	// DefaultParams are merged into requests that leave the field unset.
	DefaultParams DefaultParams

	// Metadata is free-form admin annotation.
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultParams are sampling defaults applied when the request omits the field.
type DefaultParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// HashAPIKey returns the SHA-256 hex digest used to index connectors by key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// IsModelAllowed reports whether the connector may request the given model.
// Blocked models take absolute precedence over the allow list; an empty allow
// list or a "*" entry permits everything else.
func (c *Connector) IsModelAllowed(model string) bool {
	for _, blocked := range c.BlockedModels {
		if strings.EqualFold(blocked, model) {
			return false
		}
	}
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range c.AllowedModels {
		if allowed == "*" || strings.EqualFold(allowed, model) {
			return true
		}
	}
	return false
}

// EffectivePrefer resolves the provider preference, defaulting to local.
func (c *Connector) EffectivePrefer() string {
	switch c.Prefer {
	case PreferCloud, PreferCloudFreeOnly:
		return c.Prefer
	default:
		return PreferLocal
	}
}

// clone returns a deep copy so store snapshots cannot be mutated by callers.
func (c *Connector) clone() *Connector {
	cp := *c
	cp.AllowedModels = append([]string(nil), c.AllowedModels...)
	cp.BlockedModels = append([]string(nil), c.BlockedModels...)
	if c.DefaultParams.Stop != nil {
		cp.DefaultParams.Stop = append([]string(nil), c.DefaultParams.Stop...)
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
