package proxy

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/nulpointcorp/llm-hub/internal/connectors"
	"github.com/nulpointcorp/llm-hub/internal/registry"
)

func doAdmin(t *testing.T, client *http.Client, method, path, adminKey, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, "http://hub"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestAdmin_SurfaceDisabledWithoutKey(t *testing.T) {
	gw := NewGateway(GatewayOptions{
		Logger:     testLogger(),
		Connectors: connectors.NewStore(),
		Registry:   registry.NewStore(3),
	})
	h := &testHub{gw: gw}
	client := h.serve(t)

	resp := doAdmin(t, client, "GET", "/api/nodes", "anything", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when no admin key is configured", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdmin_RejectsWrongKey(t *testing.T) {
	h := newTestHub(t, "", nil)
	client := h.serve(t)

	resp := doAdmin(t, client, "GET", "/api/nodes", "wrong", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdmin_ListAndDeleteNodes(t *testing.T) {
	h := newTestHub(t, "", nil)
	h.reg.Upsert(&registry.NodeState{NodeID: "n1", TunnelURL: "http://t", Models: []string{"m"}})
	client := h.serve(t)

	resp := doAdmin(t, client, "GET", "/api/nodes", "admin-key", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(data, []byte(`"node_id":"n1"`)) {
		t.Errorf("list body = %s", data)
	}

	resp = doAdmin(t, client, "DELETE", "/api/nodes/n1", "admin-key", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if _, err := h.reg.Get("n1"); err == nil {
		t.Error("node still present after delete")
	}

	resp = doAdmin(t, client, "DELETE", "/api/nodes/n1", "admin-key", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdmin_CreateConnectorMintsKeyOnce(t *testing.T) {
	h := newTestHub(t, "", nil)
	client := h.serve(t)

	resp := doAdmin(t, client, "POST", "/api/connectors", "admin-key",
		`{"name":"team-a","allowed_models":["llama3.2"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	body := readJSON(t, resp)

	apiKey, _ := body["api_key"].(string)
	if apiKey == "" {
		t.Fatal("expected generated api_key in create response")
	}
	view := body["connector"].(map[string]any)
	if view["active"] != true {
		t.Errorf("active = %v, want default true", view["active"])
	}
	if view["prefer"] != "local" {
		t.Errorf("prefer = %v, want default local", view["prefer"])
	}

	// The minted key authenticates proxy requests.
	if _, err := h.conns.GetByAPIKey(apiKey); err != nil {
		t.Errorf("minted key does not resolve: %v", err)
	}

	// The key is never served again.
	id := view["id"].(string)
	resp = doAdmin(t, client, "GET", "/api/connectors/"+id, "admin-key", "")
	got := readJSON(t, resp)
	if _, leaked := got["api_key"]; leaked {
		t.Error("get must not return the api key")
	}
}

func TestAdmin_CreateConnectorRequiresName(t *testing.T) {
	h := newTestHub(t, "", nil)
	client := h.serve(t)

	resp := doAdmin(t, client, "POST", "/api/connectors", "admin-key", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdmin_UpdateConnector(t *testing.T) {
	h := newTestHub(t, "", nil)
	created := h.addConnector(t, connectors.Connector{
		Name:   "team-a",
		Active: true,
		Prefer: "local",
	}, "sk-a")
	client := h.serve(t)

	resp := doAdmin(t, client, "PUT", "/api/connectors/"+created.ID, "admin-key",
		`{"blocked_models":["gpt-4o"],"rate_limit_per_minute":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	got, err := h.conns.Get(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.BlockedModels) != 1 || got.BlockedModels[0] != "gpt-4o" {
		t.Errorf("blocked_models = %v", got.BlockedModels)
	}
	if got.RateLimitPerMinute != 5 {
		t.Errorf("rate_limit_per_minute = %d, want 5", got.RateLimitPerMinute)
	}
	if got.Name != "team-a" {
		t.Errorf("name = %q, want unchanged", got.Name)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Error("created_at must survive updates")
	}
}

func TestAdmin_DeleteConnector(t *testing.T) {
	h := newTestHub(t, "", nil)
	created := h.addConnector(t, connectors.Connector{Name: "t", Active: true}, "sk-a")
	client := h.serve(t)

	resp := doAdmin(t, client, "DELETE", "/api/connectors/"+created.ID, "admin-key", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	if _, err := h.conns.Get(created.ID); err == nil {
		t.Error("connector still present after delete")
	}
	resp = doAdmin(t, client, "GET", "/api/connectors/"+created.ID, "admin-key", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}
