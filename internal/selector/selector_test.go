package selector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-proxy/gateway/internal/credential"
	"github.com/antigravity-proxy/gateway/internal/proxyerr"
	"github.com/antigravity-proxy/gateway/internal/tokenizer"
)

type fakeOAuth struct{}

func (fakeOAuth) Refresh(_ context.Context, _ string) (string, int64, error) {
	return "tok", 3600, nil
}

type fakeProject struct{}

func (fakeProject) FetchProjectID(_ context.Context, _ string) (string, error) {
	return "", nil
}

type noCooldown struct{}

func (noCooldown) IsOn(_, _ string) bool { return false }

type fixedCooldown struct {
	projectID, model string
}

func (f fixedCooldown) IsOn(projectID, model string) bool {
	return projectID == f.projectID && model == f.model
}

func seedStore(t *testing.T, entries int) *credential.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	type persisted struct {
		RefreshToken string `json:"refresh_token"`
	}
	docs := make([]persisted, entries)
	for i := range docs {
		docs[i] = persisted{RefreshToken: string(rune('a' + i))}
	}
	data, err := json.Marshal(docs)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	store := credential.NewStore(path, fakeOAuth{}, fakeProject{}, true)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestSelectEmptyPoolReturnsPoolExhausted(t *testing.T) {
	store := seedStore(t, 0)
	sel := New(store, tokenizer.NewLedger(tokenizer.NewMapStore()), noCooldown{}, 0)

	_, err := sel.Select(context.Background(), "gemini-2.5-pro")
	pe, ok := proxyerr.Classify(err)
	if !ok || pe.Kind != proxyerr.KindPoolExhausted {
		t.Fatalf("expected PoolExhausted, got %v", err)
	}
}

func TestRoundRobinFairnessAcrossManySelections(t *testing.T) {
	store := seedStore(t, 2)
	sel := New(store, tokenizer.NewLedger(tokenizer.NewMapStore()), noCooldown{}, 1000)

	counts := map[string]int{}
	for i := 0; i < 20; i++ {
		cred, err := sel.Select(context.Background(), "")
		if err != nil {
			t.Fatal(err)
		}
		counts[cred.RefreshToken]++
	}
	for token, n := range counts {
		if n < 9 || n > 11 {
			t.Fatalf("expected roughly even distribution, got %s=%d (%v)", token, n, counts)
		}
	}
}

func TestHourlyCapAdvancesToNextCredential(t *testing.T) {
	// Scenario 2 (§8): pool [A, B], A hourly-capped -> two consecutive
	// selections both return B.
	store := seedStore(t, 2)
	pool := store.Snapshot()
	for _, c := range pool {
		if err := store.FetchProjectID(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	pool = store.Snapshot()
	capped := pool[0]

	memStore := tokenizer.NewMapStore()
	ledger := tokenizer.NewLedger(memStore)
	// A limit of 2 lets B be selected twice while A (already used twice) stays capped.
	for i := 0; i < 2; i++ {
		if err := ledger.MarkUsed(context.Background(), capped.ProjectID, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	sel := New(store, ledger, noCooldown{}, 2)

	for i := 0; i < 2; i++ {
		cred, err := sel.Select(context.Background(), "")
		if err != nil {
			t.Fatal(err)
		}
		if cred.RefreshToken == capped.RefreshToken {
			t.Fatalf("expected selections to skip the hourly-capped credential, got %s", cred.RefreshToken)
		}
	}
}

func TestCooldownRespectedDuringWindow(t *testing.T) {
	store := seedStore(t, 1)
	pool := store.Snapshot()
	pool[0].ProjectID = "placeholder-seed"
	if err := store.FetchProjectID(context.Background(), pool[0]); err != nil {
		t.Fatal(err)
	}
	projectID := store.Snapshot()[0].ProjectID

	sel := New(store, tokenizer.NewLedger(tokenizer.NewMapStore()), fixedCooldown{projectID: projectID, model: "gemini-2.5-pro"}, 0)

	_, err := sel.Select(context.Background(), "gemini-2.5-pro")
	pe, ok := proxyerr.Classify(err)
	if !ok || pe.Kind != proxyerr.KindPoolExhausted {
		t.Fatalf("expected the sole credential's cooled-down model to exhaust the pool, got %v", err)
	}

	cred, err := sel.Select(context.Background(), "gemini-2.5-flash")
	if err != nil {
		t.Fatal(err)
	}
	if cred == nil {
		t.Fatal("expected a different model on the same credential to still be selectable")
	}
}

func TestDisabledModelSkipsCredential(t *testing.T) {
	store := seedStore(t, 1)
	cred := store.Snapshot()[0]
	if err := store.DisableModel(cred, "gemini-2.5-pro"); err != nil {
		t.Fatal(err)
	}

	sel := New(store, tokenizer.NewLedger(tokenizer.NewMapStore()), noCooldown{}, 0)
	_, err := sel.Select(context.Background(), "gemini-2.5-pro")
	pe, ok := proxyerr.Classify(err)
	if !ok || pe.Kind != proxyerr.KindPoolExhausted {
		t.Fatalf("expected PoolExhausted when the only credential has the model disabled, got %v", err)
	}
}

func TestSetUsedCallbackInvokedOnSelection(t *testing.T) {
	store := seedStore(t, 1)
	sel := New(store, tokenizer.NewLedger(tokenizer.NewMapStore()), noCooldown{}, 0)

	var got string
	sel.SetUsedCallback(func(projectID string) { got = projectID })

	cred, err := sel.Select(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if got != cred.ProjectID {
		t.Fatalf("expected used-callback to fire with %q, got %q", cred.ProjectID, got)
	}
}

func TestByProjectIDDelegatesToStore(t *testing.T) {
	store := seedStore(t, 1)
	cred := store.Snapshot()[0]
	if err := store.FetchProjectID(context.Background(), cred); err != nil {
		t.Fatal(err)
	}
	projectID := store.Snapshot()[0].ProjectID

	sel := New(store, tokenizer.NewLedger(tokenizer.NewMapStore()), noCooldown{}, 0)
	found := sel.ByProjectID(projectID)
	if found == nil {
		t.Fatal("expected ByProjectID to find the credential")
	}
}
