package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-proxy/gateway/internal/cooldown"
	"github.com/antigravity-proxy/gateway/internal/credential"
	"github.com/antigravity-proxy/gateway/internal/engine"
	"github.com/antigravity-proxy/gateway/internal/metrics"
	"github.com/antigravity-proxy/gateway/internal/quota"
	"github.com/antigravity-proxy/gateway/internal/selector"
	"github.com/antigravity-proxy/gateway/internal/tokenizer"
	"github.com/antigravity-proxy/gateway/internal/translator"
	"github.com/antigravity-proxy/gateway/internal/upstream"
)

type noopOAuth struct{}

func (noopOAuth) Refresh(context.Context, string) (string, int64, error) { return "", 0, nil }

type noopProject struct{}

func (noopProject) FetchProjectID(context.Context, string) (string, error) { return "", nil }

func buildServer(t *testing.T, upstreamSrv *httptest.Server, apiKey string) *Server {
	t.Helper()
	dir := t.TempDir()
	credsPath := filepath.Join(dir, "creds.json")
	entry := map[string]any{
		"refresh_token": "a",
		"access_token":  "tok-a",
		"expires_in":    3600,
		"timestamp":     time.Now().Unix(),
		"projectId":     "proj-a",
	}
	data, _ := json.Marshal([]any{entry})
	if err := os.WriteFile(credsPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	store := credential.NewStore(credsPath, noopOAuth{}, noopProject{}, false)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	upClient := upstream.New(upstream.Config{BaseURLs: []string{upstreamSrv.URL}})
	monitor := quota.NewMonitor(store, upClient)
	cdRegistry := cooldown.NewRegistry(filepath.Join(dir, "cooldowns.json"), monitor)
	ledger := tokenizer.NewLedger(tokenizer.NewMapStore())
	sel := selector.New(store, ledger, cdRegistry, selector.DefaultHourlyLimit)
	sel.SetUsedCallback(monitor.MarkUsed)

	metricsRegistry := metrics.New()
	eng := engine.New(store, sel, cdRegistry, monitor, upClient, metricsRegistry, translator.NewSignatureCache(), "be helpful", "antigravity/test", 2)
	return New(eng, cdRegistry, metricsRegistry, "error", apiKey, "", "")
}

func TestHandleMessagesNonStreamReturnsContent(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{{"text": "hello there"}}},
			}},
		})
	}))
	defer upstreamSrv.Close()

	srv := httptest.NewServer(buildServer(t, upstreamSrv, "").Handler())
	defer srv.Close()

	body := `{"model":"test-model","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	content, ok := decoded["content"].([]any)
	if !ok || len(content) != 1 {
		t.Fatalf("expected one content block, got %+v", decoded["content"])
	}
}

func TestHandleMessagesRequiresAPIKeyWhenConfigured(t *testing.T) {
	var upstreamCalled atomic.Bool
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled.Store(true)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": "ok"}}}}},
		})
	}))
	defer upstreamSrv.Close()

	srv := httptest.NewServer(buildServer(t, upstreamSrv, "secret").Handler())
	defer srv.Close()

	body := `{"model":"test-model","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an API key, got %d", resp.StatusCode)
	}
	if upstreamCalled.Load() {
		t.Fatal("upstream should not be called when the API key check fails")
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", strings.NewReader(body))
	req.Header.Set("x-api-key", "secret")
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a correct API key, got %d", resp2.StatusCode)
	}
}

func TestHandleMessagesStreamReturnsSSE(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n"))
	}))
	defer upstreamSrv.Close()

	srv := httptest.NewServer(buildServer(t, upstreamSrv, "").Handler())
	defer srv.Close()

	body := `{"model":"test-model","stream":true,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{"event: message_start", "event: content_block_delta", "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected stream to contain %q, got:\n%s", want, out)
		}
	}
}

func TestMetricsEndpointExposesRegistry(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstreamSrv.Close()

	srv := httptest.NewServer(buildServer(t, upstreamSrv, "").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

func TestAdminCooldownsRequiresBasicAuthWhenConfigured(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstreamSrv.Close()

	dir := t.TempDir()
	credsPath := filepath.Join(dir, "creds.json")
	if err := os.WriteFile(credsPath, []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := credential.NewStore(credsPath, noopOAuth{}, noopProject{}, false)
	_ = store.Load()
	upClient := upstream.New(upstream.Config{BaseURLs: []string{upstreamSrv.URL}})
	monitor := quota.NewMonitor(store, upClient)
	cdRegistry := cooldown.NewRegistry(filepath.Join(dir, "cooldowns.json"), monitor)
	ledger := tokenizer.NewLedger(tokenizer.NewMapStore())
	sel := selector.New(store, ledger, cdRegistry, selector.DefaultHourlyLimit)
	metricsRegistry := metrics.New()
	eng := engine.New(store, sel, cdRegistry, monitor, upClient, metricsRegistry, translator.NewSignatureCache(), "", "test", 1)

	s := New(eng, cdRegistry, metricsRegistry, "error", "", "admin", "hunter2")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/cooldowns")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without basic auth, got %d", resp.StatusCode)
	}
}
