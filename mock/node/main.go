// Command node runs a mock inference worker that registers itself with a hub
// and answers OpenAI-compatible chat completions. It is used for E2E/load
// testing without a real Ollama install.
//
// The worker sends a heartbeat to HUB_URL every HEARTBEAT_INTERVAL and serves
// /v1/chat/completions and /v1/models on its own port.
//
// Environment:
//
//	HUB_URL             — hub base URL (default http://localhost:8080)
//	NODE_SECRET         — shared heartbeat secret (required)
//	NODE_ID             — node identifier (default mock-node-<pid>)
//	NODE_PORT           — listen port (default 19101)
//	MOCK_MODELS         — comma-separated model list (default llama3.2,qwen2.5)
//	HEARTBEAT_INTERVAL  — heartbeat period (default 30s)
//	MOCK_LATENCY_MS     — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE     — fraction [0,1] of requests that return HTTP 500 (default 0)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// Config holds the worker's runtime configuration.
type Config struct {
	HubURL            string
	NodeSecret        string
	NodeID            string
	Port              int
	Models            []string
	HeartbeatInterval time.Duration
	LatencyMS         int
	ErrorRate         float64
}

func loadConfig() (Config, error) {
	c := Config{
		HubURL:            "http://localhost:8080",
		NodeID:            fmt.Sprintf("mock-node-%d", os.Getpid()),
		Port:              19101,
		Models:            []string{"llama3.2", "qwen2.5"},
		HeartbeatInterval: 30 * time.Second,
	}

	if v := os.Getenv("HUB_URL"); v != "" {
		c.HubURL = strings.TrimRight(v, "/")
	}
	c.NodeSecret = os.Getenv("NODE_SECRET")
	if c.NodeSecret == "" {
		return c, fmt.Errorf("NODE_SECRET is required")
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("NODE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("MOCK_MODELS"); v != "" {
		c.Models = strings.Split(v, ",")
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	return c, nil
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "worker", "simulating", "a", "local", "LLM", "inference", "call",
	"for", "development", "and", "testing", "purposes",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// worker holds the HTTP handlers and the in-flight counter reported as load.
type worker struct {
	cfg      Config
	log      *slog.Logger
	inFlight atomic.Int64
}

func (w *worker) handleChat(rw http.ResponseWriter, r *http.Request) {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	if w.cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(w.cfg.LatencyMS) * time.Millisecond)
	}
	if w.cfg.ErrorRate > 0 && rand.Float64() < w.cfg.ErrorRate {
		http.Error(rw, `{"error":{"message":"mock failure"}}`, http.StatusInternalServerError)
		return
	}

	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, `{"error":{"message":"invalid JSON"}}`, http.StatusBadRequest)
		return
	}

	content := fakeSentence(12)
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(strings.Fields(m.Content))
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"id":      fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": 12,
			"total_tokens":      promptTokens + 12,
		},
	})
}

func (w *worker) handleModels(rw http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	data := make([]entry, len(w.cfg.Models))
	for i, m := range w.cfg.Models {
		data[i] = entry{ID: m, Object: "model"}
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{"object": "list", "data": data})
}

// heartbeat registers the worker with the hub. The hub overrides the
// self-reported IP with the transport peer address, so only the port and
// model list really matter here.
func (w *worker) heartbeat(ctx context.Context, client *http.Client) {
	load := float64(w.inFlight.Load()) / 10
	if load > 1 {
		load = 1
	}
	payload, _ := json.Marshal(map[string]any{
		"node_id": w.cfg.NodeID,
		"ipv4":    "127.0.0.1",
		"port":    w.cfg.Port,
		"models":  w.cfg.Models,
		"load":    map[string]float64{"cpu": load},
		"metadata": map[string]string{
			"runtime": "mock",
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.cfg.HubURL+"/api/nodes/heartbeat", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Node-Secret", w.cfg.NodeSecret)

	resp, err := client.Do(req)
	if err != nil {
		w.log.Warn("heartbeat failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.log.Warn("heartbeat rejected", slog.Int("status", resp.StatusCode))
	}
}

func (w *worker) heartbeatLoop(ctx context.Context) {
	client := &http.Client{Timeout: 10 * time.Second}
	w.heartbeat(ctx, client)

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(ctx, client)
		}
	}
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig()
	if err != nil {
		log.Error("config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &worker{cfg: cfg, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", w.handleChat)
	mux.HandleFunc("GET /v1/models", w.handleModels)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go w.heartbeatLoop(ctx)
	go func() {
		log.Info("mock worker listening",
			slog.String("node_id", cfg.NodeID),
			slog.String("addr", srv.Addr),
			slog.String("hub", cfg.HubURL),
			slog.Any("models", cfg.Models),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	fmt.Println("READY")
	<-ctx.Done()

	log.Info("shutting down mock worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
