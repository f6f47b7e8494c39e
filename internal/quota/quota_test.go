package quota

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/antigravity-proxy/gateway/internal/credential"
)

type noopOAuth struct{}

func (noopOAuth) Refresh(_ context.Context, _ string) (string, int64, error) { return "tok", 3600, nil }

type noopProject struct{}

func (noopProject) FetchProjectID(_ context.Context, _ string) (string, error) { return "", nil }

type fakeQuotaClient struct {
	mu      sync.Mutex
	calls   int
	results map[string]float64
}

func (f *fakeQuotaClient) FetchQuota(_ context.Context, _ string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make(map[string]float64, len(f.results))
	for k, v := range f.results {
		out[k] = v
	}
	return out, nil
}

func seedCredentialFile(t *testing.T, path string) {
	t.Helper()
	data, err := json.Marshal([]map[string]any{{"refresh_token": "a"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestDisablesModelAtOrBelowFivePercent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	seedCredentialFile(t, path)
	store := credential.NewStore(path, noopOAuth{}, noopProject{}, true)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	cred := store.Snapshot()[0]
	cred.ProjectID = "proj1"
	if err := store.Refresh(context.Background(), cred); err != nil {
		t.Fatal(err)
	}

	client := &fakeQuotaClient{results: map[string]float64{"gemini-2.5-pro": 0.05, "gemini-3-pro-preview": 0.5}}
	mon := NewMonitor(store, client)

	mon.checkOne(context.Background(), cred, true)

	if !cred.HasModelDisabled("gemini-2.5-pro") {
		t.Fatal("expected gemini-2.5-pro disabled at remaining=0.05")
	}
	if cred.HasModelDisabled("gemini-3-pro-preview") {
		t.Fatal("gemini-3-pro-preview should remain enabled at remaining=0.5")
	}
}

func TestReEnablesModelAboveFivePercent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	seedCredentialFile(t, path)
	store := credential.NewStore(path, noopOAuth{}, noopProject{}, true)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	cred := store.Snapshot()[0]
	cred.ProjectID = "proj1"
	if err := store.DisableModel(cred, "gemini-2.5-pro"); err != nil {
		t.Fatal(err)
	}

	client := &fakeQuotaClient{results: map[string]float64{"gemini-2.5-pro": 0.2}}
	mon := NewMonitor(store, client)
	mon.checkOne(context.Background(), cred, true)

	if cred.HasModelDisabled("gemini-2.5-pro") {
		t.Fatal("expected gemini-2.5-pro re-enabled at remaining=0.2")
	}
}

func TestSkipRuleAvoidsRedundantChecks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	seedCredentialFile(t, path)
	store := credential.NewStore(path, noopOAuth{}, noopProject{}, true)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	cred := store.Snapshot()[0]
	cred.ProjectID = "proj1"

	client := &fakeQuotaClient{results: map[string]float64{"gemini-2.5-pro": 0.9}}
	mon := NewMonitor(store, client)

	mon.checkOne(context.Background(), cred, true) // force first check, sets lastCheck=now
	mon.checkOne(context.Background(), cred, false)

	client.mu.Lock()
	calls := client.calls
	client.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected skip rule to avoid a second fetch, got %d calls", calls)
	}
}

func TestGroupAverageRemaining(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	seedCredentialFile(t, path)
	store := credential.NewStore(path, noopOAuth{}, noopProject{}, true)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	cred := store.Snapshot()[0]
	cred.ProjectID = "proj1"

	client := &fakeQuotaClient{results: map[string]float64{"gemini-2.5-pro": 0.0, "gemini-2.5-flash": 0.1}}
	mon := NewMonitor(store, client)
	mon.checkOne(context.Background(), cred, true)

	avg, ok := mon.GroupAverageRemaining("proj1", "Gemini其他")
	if !ok {
		t.Fatal("expected a known average")
	}
	if avg <= 0.04 || avg >= 0.06 {
		t.Fatalf("expected average around 0.05, got %f", avg)
	}
}
