package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/antigravity-proxy/gateway/internal/proxyerr"
)

func TestFetchProjectIDReturnsCloudaicompanionProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "antigravity/test" {
			t.Errorf("unexpected User-Agent: %s", got)
		}
		if got := r.Header.Get("Accept-Encoding"); got != "gzip" {
			t.Errorf("unexpected Accept-Encoding: %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected Authorization: %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"cloudaicompanionProject": "proj-123"})
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{srv.URL}, UserAgent: "antigravity/test"})
	id, err := c.FetchProjectID(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "proj-123" {
		t.Errorf("got %q, want proj-123", id)
	}
}

func TestFetchProjectIDOnboardsWhenNoProjectPresent(t *testing.T) {
	var onboardCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case loadCodeAssistPath:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"allowedTiers": []map[string]any{{"id": "free-tier", "isDefault": true}},
			})
		case onboardUserPath:
			onboardCalls++
			_ = json.NewEncoder(w).Encode(map[string]any{
				"done":     true,
				"response": map[string]any{"cloudaicompanionProject": map[string]any{"id": "proj-onboarded"}},
			})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{srv.URL}})
	id, err := c.FetchProjectID(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "proj-onboarded" {
		t.Errorf("got %q, want proj-onboarded", id)
	}
	if onboardCalls != 1 {
		t.Errorf("expected exactly one onboard call, got %d", onboardCalls)
	}
}

func TestFetchProjectIDRejectionIsAuthDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{srv.URL}})
	_, err := c.FetchProjectID(context.Background(), "tok")
	pe, ok := proxyerr.Classify(err)
	if !ok {
		t.Fatalf("expected a *proxyerr.Error, got %v", err)
	}
	if pe.Kind != proxyerr.KindAuthDead {
		t.Errorf("got kind %v, want AuthDead", pe.Kind)
	}
}

func TestFetchQuotaParsesRemainingFraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": map[string]any{
				"gemini-3-pro-preview": map[string]any{"quotaInfo": map[string]any{"remainingFraction": 0.42}},
				"gemini-3-flash":       map[string]any{"quotaInfo": map[string]any{"remaining": 1.0}},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{srv.URL}})
	quotas, err := c.FetchQuota(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quotas["gemini-3-pro-preview"] != 0.42 {
		t.Errorf("got %v, want 0.42", quotas["gemini-3-pro-preview"])
	}
	if quotas["gemini-3-flash"] != 1.0 {
		t.Errorf("got %v, want 1.0", quotas["gemini-3-flash"])
	}
}

func TestDoWithFalloverAdvancesOnNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": map[string]any{}})
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{"http://127.0.0.1:1", srv.URL}})
	_, err := c.FetchQuota(context.Background(), "tok")
	if err != nil {
		t.Fatalf("expected fallover to the healthy base url to succeed, got %v", err)
	}
}

func TestDoWithFalloverAdvancesOn429(t *testing.T) {
	var calls []string
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "first")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "second")
		_ = json.NewEncoder(w).Encode(map[string]any{"models": map[string]any{}})
	}))
	defer second.Close()

	c := New(Config{BaseURLs: []string{first.URL, second.URL}})
	_, err := c.FetchQuota(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("expected fallover to try both base urls in order, got %v", calls)
	}
}

func TestGenerateSingleQuotaExhaustedCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{srv.URL}})
	_, err := c.GenerateSingle(context.Background(), "tok", []byte("{}"))
	pe, ok := proxyerr.Classify(err)
	if !ok {
		t.Fatalf("expected a *proxyerr.Error, got %v", err)
	}
	if pe.Kind != proxyerr.KindQuotaExhausted {
		t.Errorf("got kind %v, want QuotaExhausted", pe.Kind)
	}
	if pe.RetryAfter == nil || *pe.RetryAfter != 30 {
		t.Errorf("expected retry-after 30, got %v", pe.RetryAfter)
	}
}

func TestGenerateSingleSuccessReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{srv.URL}})
	body, err := c.GenerateSingle(context.Background(), "tok", []byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"candidates":[]}` {
		t.Errorf("got %q", body)
	}
}

func TestGenerateStreamReturnsLiveBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("unexpected Accept header: %s", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"candidates\":[]}\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{srv.URL}})
	body, err := c.GenerateStream(context.Background(), "tok", []byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer body.Close()

	buf := make([]byte, 64)
	n, _ := body.Read(buf)
	if n == 0 {
		t.Error("expected to read bytes from the stream body")
	}
}

func TestGenerateStreamRejectionIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(Config{BaseURLs: []string{srv.URL}})
	_, err := c.GenerateStream(context.Background(), "tok", []byte("{}"))
	pe, ok := proxyerr.Classify(err)
	if !ok {
		t.Fatalf("expected a *proxyerr.Error, got %v", err)
	}
	if pe.Kind != proxyerr.KindTransient {
		t.Errorf("got kind %v, want Transient", pe.Kind)
	}
}

func TestApplyProxyConfiguresHTTPTransport(t *testing.T) {
	base := &http.Client{}
	out := applyProxy("http://127.0.0.1:8080", base)
	if out.Transport == nil {
		t.Fatal("expected a transport to be installed for an http proxy URL")
	}
}

func TestApplyProxyLeavesClientUntouchedOnEmptyURL(t *testing.T) {
	base := &http.Client{}
	out := applyProxy("", base)
	if out.Transport != nil {
		t.Error("expected no transport change for an empty proxy URL")
	}
}

func TestParseRetryAfterFallsBackToRetryInfoDetail(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"12s"}]}}`)
	secs, ok := parseRetryAfter("", body)
	if !ok {
		t.Fatal("expected a retry delay to be parsed from the RetryInfo detail")
	}
	if secs != 12 {
		t.Errorf("got %d, want 12", secs)
	}
}
