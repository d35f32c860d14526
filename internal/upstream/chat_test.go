package upstream_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-hub/internal/upstream"
)

func TestNormalizeChatCompletion_SynthesizesMissingFields(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`)

	out, err := upstream.NormalizeChatCompletion(body, "local", "gpu-box-1")
	if err != nil {
		t.Fatalf("NormalizeChatCompletion: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	id, _ := payload["id"].(string)
	if !strings.HasPrefix(id, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", id)
	}
	if _, ok := payload["created"].(float64); !ok {
		t.Error("expected created to be synthesized")
	}
	if payload["object"] != "chat.completion" {
		t.Errorf("object = %v, want chat.completion", payload["object"])
	}
	choice := payload["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "stop" {
		t.Errorf("finish_reason = %v, want stop", choice["finish_reason"])
	}
	if payload["provider"] != "local" || payload["node_id"] != "gpu-box-1" {
		t.Errorf("provenance fields = (%v, %v)", payload["provider"], payload["node_id"])
	}
}

func TestNormalizeChatCompletion_PreservesExistingFields(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-original",
		"created": 1700000000,
		"object": "chat.completion",
		"choices": [{"finish_reason": "length", "message": {"role": "assistant", "content": "x"}}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
	}`)

	out, err := upstream.NormalizeChatCompletion(body, "cloud", "")
	if err != nil {
		t.Fatalf("NormalizeChatCompletion: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["id"] != "chatcmpl-original" {
		t.Errorf("id = %v, want original preserved", payload["id"])
	}
	if payload["created"].(float64) != 1700000000 {
		t.Errorf("created = %v, want original preserved", payload["created"])
	}
	choice := payload["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "length" {
		t.Errorf("finish_reason = %v, want length preserved", choice["finish_reason"])
	}
	usage := payload["usage"].(map[string]any)
	if usage["total_tokens"].(float64) != 10 {
		t.Errorf("usage = %v, want verbatim pass-through", usage)
	}
	if _, ok := payload["node_id"]; ok {
		t.Error("node_id must be omitted for cloud responses")
	}
}

func TestNormalizeChatCompletion_RejectsGarbage(t *testing.T) {
	if _, err := upstream.NormalizeChatCompletion([]byte("not json"), "local", ""); err == nil {
		t.Error("expected error for non-JSON body")
	}
}

func TestClient_PostForwardsBodyAndHeaders(t *testing.T) {
	var gotAuth, gotReferer, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := upstream.New(upstream.Options{
		BearerToken:  "sk-cloud",
		ExtraHeaders: map[string]string{"HTTP-Referer": "https://hub.example.com"},
		Timeout:      5 * time.Second,
	})

	res, err := c.Post(context.Background(), srv.URL+"/v1/chat/completions", []byte(`{"model":"m"}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if !res.OK() {
		t.Fatalf("status = %d, want 2xx", res.StatusCode)
	}
	if gotAuth != "Bearer sk-cloud" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReferer != "https://hub.example.com" {
		t.Errorf("HTTP-Referer = %q", gotReferer)
	}
	if gotBody != `{"model":"m"}` {
		t.Errorf("forwarded body = %q", gotBody)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Errorf("response body = %q", res.Body)
	}
	if res.ContentType != "application/json" {
		t.Errorf("content type = %q", res.ContentType)
	}
}

func TestClient_Post_NonOKStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := upstream.New(upstream.Options{Timeout: 5 * time.Second})
	res, err := c.Post(context.Background(), srv.URL, []byte(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.OK() {
		t.Error("expected OK()=false for 500")
	}
}

func TestClient_Post_RespectsCancelledContext(t *testing.T) {
	c := upstream.New(upstream.Options{Timeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Post(ctx, "http://203.0.113.1:11434/v1/chat/completions", []byte(`{}`)); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"data":[{"id":"llama3.2"},{"id":"qwen2.5"}]}`))
	}))
	defer srv.Close()

	c := upstream.New(upstream.Options{Timeout: 5 * time.Second})
	ids := c.ListModels(context.Background(), srv.URL)
	if len(ids) != 2 || ids[0] != "llama3.2" || ids[1] != "qwen2.5" {
		t.Errorf("ListModels = %v", ids)
	}
}

func TestListModels_FailureReturnsEmpty(t *testing.T) {
	c := upstream.New(upstream.Options{Timeout: 500 * time.Millisecond})
	if ids := c.ListModels(context.Background(), "http://203.0.113.1:1"); len(ids) != 0 {
		t.Errorf("ListModels = %v, want empty on failure", ids)
	}
}
