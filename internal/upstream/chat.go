package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ChatRequest is the subset of an OpenAI chat-completion request the hub
// inspects for routing and policy. Unknown top-level fields are preserved by
// keeping the request as a generic map on the proxy path; messages, however,
// are re-encoded from this struct so only role and content are forwarded.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NormalizeChatCompletion repairs an upstream chat-completion body that
// omits fields the OpenAI wire format requires, and annotates it with the
// hub's provenance extension fields.
//
// Missing pieces are synthesized rather than rejected: local runtimes are
// loose about the envelope, and a usable answer with a made-up id beats a
// 502. Synthesized values: id "chatcmpl-<unix>", created now,
// finish_reason "stop". Usage passes through untouched.
func NormalizeChatCompletion(body []byte, provider, nodeID string) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("upstream: invalid completion body: %w", err)
	}

	now := time.Now().Unix()
	if s, ok := payload["id"].(string); !ok || s == "" {
		payload["id"] = fmt.Sprintf("chatcmpl-%d", now)
	}
	if _, ok := payload["created"].(float64); !ok {
		payload["created"] = now
	}
	if _, ok := payload["object"].(string); !ok {
		payload["object"] = "chat.completion"
	}
	if choices, ok := payload["choices"].([]any); ok {
		for _, raw := range choices {
			choice, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := choice["finish_reason"].(string); !ok || s == "" {
				choice["finish_reason"] = "stop"
			}
		}
	}

	payload["provider"] = provider
	if nodeID != "" {
		payload["node_id"] = nodeID
	}

	return json.Marshal(payload)
}

// ListModels fetches {base}/v1/models and returns the model IDs. Any failure
// returns an empty list; model discovery is advisory.
func (c *Client) ListModels(ctx context.Context, baseURL string) []string {
	res, err := c.Get(ctx, baseURL+"/v1/models")
	if err != nil || !res.OK() {
		return nil
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil
	}

	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
