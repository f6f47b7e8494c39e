// Package quota implements C3, the Quota Monitor: a fixed-cadence sweep
// that polls the upstream quota endpoint per credential and flips models in
// and out of each credential's disabled set based on a remaining-fraction
// threshold (§4.3).
//
// Grounded on the teacher's proactive quota bookkeeping in
// internal/runtime/executor/antigravity_quota.go (parseAntigravityQuotaFromResponse,
// UpdateAntigravityQuotaState's group-aware disable pass, and its
// quotaRecoveryScheduler for post-reset rechecks).
package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/antigravity-proxy/gateway/internal/credential"
	"github.com/antigravity-proxy/gateway/internal/modelgroup"
)

const (
	// lowThreshold (5%, §4.3) serves both directions: a model
	// disables at remaining<=5% and re-enables at remaining>5%, so there is
	// no flap exactly at the boundary within a single sweep.
	lowThreshold = 0.05

	// SweepInterval is the fixed sweep cadence (§4.3).
	SweepInterval = 30 * time.Minute
	// IdleSkipWindow: a credential not used within this window may be skipped.
	IdleSkipWindow = 30 * time.Minute
	// MaxStaleWindow bounds how long a credential can go unchecked even if idle.
	MaxStaleWindow = 5 * time.Hour

	// quotaRecoveryBuffer: extra delay after a model's resetAt before the
	// one-shot recheck fires, so the upstream has actually rolled the quota over.
	quotaRecoveryBuffer = 5 * time.Minute

	// sweepConcurrency bounds how many credentials are checked in parallel per sweep.
	sweepConcurrency = 4
)

// Client abstracts the upstream fetchAvailableModels call (§6).
type Client interface {
	// FetchQuota returns, per model name, the remaining fraction of the daily
	// allotment (§3 Quota Cache Entry).
	FetchQuota(ctx context.Context, accessToken string) (map[string]float64, error)
}

// cacheEntry is the per-credential quota snapshot (§3).
type cacheEntry struct {
	models    map[string]float64
	lastCheck time.Time
	lastUsed  time.Time
}

// Monitor is C3.
type Monitor struct {
	store  *credential.Store
	client Client

	mu    sync.Mutex
	cache map[string]*cacheEntry // keyed by projectId once known, else refreshToken (§9 open question)

	checking    int32 // atomic flag serializing sweeps (§4.3, §5)
	sf          singleflight.Group
	recoveryMu  sync.Mutex
	recoveryTmr map[string]*time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor constructs a Monitor. The sweep does not start until Start is called.
func NewMonitor(store *credential.Store, client Client) *Monitor {
	return &Monitor{
		store:       store,
		client:      client,
		cache:       make(map[string]*cacheEntry),
		recoveryTmr: make(map[string]*time.Timer),
		stop:        make(chan struct{}),
	}
}

// cacheKey resolves the stable cache key for a credential: its project id
// once fetched, otherwise its refresh token, migrating any refresh-token-keyed
// entry the first time a project id becomes available (§9 open question).
func (m *Monitor) cacheKey(cred *credential.Credential) string {
	if cred.ProjectID == "" {
		return cred.RefreshToken
	}
	m.mu.Lock()
	if old, ok := m.cache[cred.RefreshToken]; ok {
		if _, already := m.cache[cred.ProjectID]; !already {
			m.cache[cred.ProjectID] = old
		}
		delete(m.cache, cred.RefreshToken)
	}
	m.mu.Unlock()
	return cred.ProjectID
}

func (m *Monitor) entry(key string) *cacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key]
	if !ok {
		e = &cacheEntry{models: make(map[string]float64)}
		m.cache[key] = e
	}
	return e
}

// MarkUsed bumps lastUsed for projectID, called by the selector on every
// successful selection (§4.3 markUsed()).
func (m *Monitor) MarkUsed(projectID string) {
	if projectID == "" {
		return
	}
	m.entry(projectID).lastUsed = time.Now()
}

// GroupAverageRemaining implements cooldown.QuotaChecker by averaging the
// cached remaining fraction across a group's members for a project.
func (m *Monitor) GroupAverageRemaining(projectID string, group string) (float64, bool) {
	m.mu.Lock()
	e, ok := m.cache[projectID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	members := modelgroup.Members(group)
	if len(members) == 0 {
		return 0, false
	}
	var sum float64
	var known int
	m.mu.Lock()
	for _, mm := range members {
		if r, present := e.models[mm]; present {
			sum += r
			known++
		}
	}
	m.mu.Unlock()
	if known == 0 {
		return 0, false
	}
	return sum / float64(known), true
}

// Start launches the fixed-cadence sweep loop, beginning immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweep(ctx)
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep loop and any pending recovery timers.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
	m.recoveryMu.Lock()
	for k, t := range m.recoveryTmr {
		t.Stop()
		delete(m.recoveryTmr, k)
	}
	m.recoveryMu.Unlock()
}

// sweep runs one pass over every enabled credential, skipping overlapping
// invocations via the isChecking flag (§4.3, §5).
func (m *Monitor) sweep(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.checking, 0, 1) {
		log.Warnf("quota monitor: previous sweep still running, skipping this tick")
		return
	}
	defer atomic.StoreInt32(&m.checking, 0)

	creds := m.store.Snapshot()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, cred := range creds {
		cred := cred
		g.Go(func() error {
			m.checkOne(gctx, cred, false)
			return nil
		})
	}
	_ = g.Wait()
}

// checkOne performs the skip-rule/check/disable/re-enable logic for a single
// credential (§4.3). force bypasses the skip rule (used by RefreshNow).
func (m *Monitor) checkOne(ctx context.Context, cred *credential.Credential, force bool) {
	key := m.cacheKey(cred)
	e := m.entry(key)

	now := time.Now()
	if !force {
		usedRecently := now.Sub(e.lastUsed) <= IdleSkipWindow
		checkedRecently := now.Sub(e.lastCheck) <= MaxStaleWindow
		if !usedRecently && checkedRecently {
			return
		}
	}

	if cred.Expired() {
		if err := m.store.Refresh(ctx, cred); err != nil {
			log.Warnf("quota monitor: refresh failed for credential: %v", err)
			return
		}
	}

	quotas, err := m.client.FetchQuota(ctx, cred.AccessToken)
	if err != nil {
		log.Warnf("quota monitor: fetch failed for credential: %v", err)
		return
	}

	m.mu.Lock()
	e.lastCheck = now
	for model, remaining := range quotas {
		e.models[model] = remaining
	}
	m.mu.Unlock()

	for model, remaining := range quotas {
		if remaining <= lowThreshold {
			if !cred.HasModelDisabled(model) {
				if err := m.store.DisableModel(cred, model); err != nil {
					log.Warnf("quota monitor: disable %s failed: %v", model, err)
				} else {
					log.Infof("quota monitor: disabled %s (remaining=%.3f)", model, remaining)
				}
				m.scheduleRecovery(cred, model)
			}
			continue
		}
		if cred.HasModelDisabled(model) {
			if err := m.store.EnableModel(cred, model); err != nil {
				log.Warnf("quota monitor: re-enable %s failed: %v", model, err)
			} else {
				log.Infof("quota monitor: re-enabled %s (remaining=%.3f)", model, remaining)
			}
		}
	}
}

// RefreshNow forces an immediate, singleflight-collapsed quota recheck for
// cred's project, used by the engine right before cooldown.Registry.Put so
// concurrent rejections for the same project don't each trigger a separate
// upstream round trip (§4.2 "consult live quota via C3").
func (m *Monitor) RefreshNow(ctx context.Context, cred *credential.Credential) {
	key := m.cacheKey(cred)
	_, _, _ = m.sf.Do(key, func() (any, error) {
		m.checkOne(ctx, cred, true)
		return nil, nil
	})
}

// scheduleRecovery arms a one-shot recheck that fires SweepInterval plus
// quotaRecoveryBuffer after the model is disabled. No upstream reset time is
// read; the delay is the same fixed value for every model.
func (m *Monitor) scheduleRecovery(cred *credential.Credential, model string) {
	resetAt := time.Now().Add(SweepInterval) // conservative default absent a known reset time
	refreshAt := resetAt.Add(quotaRecoveryBuffer)
	delay := time.Until(refreshAt)
	if delay <= 0 {
		delay = time.Second
	}

	k := m.cacheKey(cred) + ":" + model
	m.recoveryMu.Lock()
	if old, ok := m.recoveryTmr[k]; ok {
		old.Stop()
	}
	m.recoveryTmr[k] = time.AfterFunc(delay, func() {
		m.recoveryMu.Lock()
		delete(m.recoveryTmr, k)
		m.recoveryMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.checkOne(ctx, cred, true)
	})
	m.recoveryMu.Unlock()
}
