package proxy

import (
	"strings"

	"github.com/nulpointcorp/llm-hub/internal/connectors"
)

// Provider slot names. cloud_free_only shares the cloud transport but only
// fires for free-tier models.
const (
	providerLocal         = "local"
	providerCloud         = "cloud"
	providerCloudFreeOnly = "cloud_free_only"
)

// providerOrder resolves the ordered provider slots to try for a connector.
//
// Exclusive pins win: local_only yields [local] (and also when both
// exclusive flags are set); cloud_only yields the preferred cloud flavour,
// or plain cloud when the preference is local. Otherwise the order is the
// preference followed by the fallback when one is set and different.
//
// Cloud slots are stripped when no cloud provider is configured.
func providerOrder(c *connectors.Connector, cloudEnabled bool) []string {
	order := buildOrder(c)
	if cloudEnabled {
		return order
	}
	kept := order[:0]
	for _, p := range order {
		if p == providerLocal {
			kept = append(kept, p)
		}
	}
	return kept
}

func buildOrder(c *connectors.Connector) []string {
	if c.LocalOnly {
		return []string{providerLocal}
	}
	if c.CloudOnly {
		switch prefer := c.EffectivePrefer(); prefer {
		case connectors.PreferCloud, connectors.PreferCloudFreeOnly:
			return []string{prefer}
		default:
			return []string{providerCloud}
		}
	}

	order := []string{c.EffectivePrefer()}
	if fb := c.Fallback; fb != "" && fb != order[0] {
		order = append(order, fb)
	}
	return order
}

// isFreeModel reports whether the model is a cloud free-tier model, matched
// by the marker substrings providers use in model slugs.
func isFreeModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, ":free") ||
		strings.Contains(m, "/free") ||
		strings.Contains(m, "free:")
}

// applyDefaults merges the connector's default sampling parameters into the
// request payload, only for fields the request leaves unset. The payload is
// a generic map so unknown request fields survive re-serialization.
func applyDefaults(payload map[string]any, d connectors.DefaultParams) {
	if d.Temperature != nil {
		if _, ok := payload["temperature"]; !ok {
			payload["temperature"] = *d.Temperature
		}
	}
	if d.MaxTokens != nil {
		if _, ok := payload["max_tokens"]; !ok {
			payload["max_tokens"] = *d.MaxTokens
		}
	}
	if d.TopP != nil {
		if _, ok := payload["top_p"]; !ok {
			payload["top_p"] = *d.TopP
		}
	}
	if len(d.Stop) > 0 {
		if _, ok := payload["stop"]; !ok {
			payload["stop"] = d.Stop
		}
	}
}
