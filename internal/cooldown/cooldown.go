// Package cooldown implements C2, the Cooldown Registry: time-bounded
// prohibitions of (project, model) pairs following an upstream quota
// rejection, with group-aware installation (§4.2) and scheduled eviction.
//
// Grounded on the teacher's quota-group propagation in
// internal/runtime/executor/antigravity_quota.go (UpdateAntigravityQuotaState's
// "exhausted groups" pass) and on sdk/cliproxy/auth/types.go's QuotaState
// for the reset-time/reason shape.
package cooldown

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/antigravity-proxy/gateway/internal/modelgroup"
)

// Reason enumerates why a cooldown was installed (§3).
type Reason string

const (
	ReasonResourceExhausted Reason = "RESOURCE_EXHAUSTED"
	ReasonOther             Reason = "other"
)

// Record is a forbidden (projectId, model) pair (§3).
type Record struct {
	ProjectID string    `json:"projectId"`
	Model     string    `json:"model"`
	ResetAt   time.Time `json:"resetTimestamp"`
	CreatedAt time.Time `json:"createdAt"`
	Reason    Reason    `json:"reason"`
}

func key(projectID, model string) string { return projectID + ":" + model }

// QuotaChecker lets Registry.Put consult live group-average quota before
// deciding whether to cooldown one model or the whole shared-quota group (§4.2).
// Implemented by C3 in the running engine.
type QuotaChecker interface {
	// GroupAverageRemaining returns the mean `remaining` fraction across the
	// group's models for the given project, or ok=false if unknown.
	GroupAverageRemaining(projectID string, group string) (avg float64, ok bool)
}

// Registry is C2.
type Registry struct {
	path    string
	checker QuotaChecker

	mu      sync.Mutex
	records map[string]*Record
	timers  map[string]*time.Timer
}

// NewRegistry constructs a Registry backed by a JSON document at path.
func NewRegistry(path string, checker QuotaChecker) *Registry {
	return &Registry{
		path:    path,
		checker: checker,
		records: make(map[string]*Record),
		timers:  make(map[string]*time.Timer),
	}
}

type persistedDoc struct {
	Cooldowns []Record `json:"cooldowns"`
}

// Load reads the on-disk document, discards already-expired records, and
// performs a single compacting write (§4.2 Persistence).
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cooldown registry: read %s: %w", r.path, err)
	}
	var doc persistedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("cooldown registry: decode %s: %w", r.path, err)
	}

	r.mu.Lock()
	now := time.Now()
	for _, rec := range doc.Cooldowns {
		rec := rec
		if !rec.ResetAt.After(now) {
			continue
		}
		r.records[key(rec.ProjectID, rec.Model)] = &rec
	}
	for k, rec := range r.records {
		r.scheduleEvictionLocked(k, rec)
	}
	r.mu.Unlock()

	return r.persist()
}

// Put installs a cooldown for (projectID, model). If model belongs to a
// shared-quota group and the registry has a QuotaChecker, the group-average
// quota is consulted: only when that average is known and at most 1% is
// every model in the group cooled down with an identical resetAt (true
// exhaustion of the shared pool); otherwise (average above 1% or unknown,
// or no checker) only this one pair is cooled down (§4.2).
func (r *Registry) Put(projectID, model string, resetAt time.Time, reason Reason) {
	targets := []string{model}

	if group, members, ok := modelgroup.Lookup(model); ok && r.checker != nil {
		if avg, known := r.checker.GroupAverageRemaining(projectID, group); known && avg <= 0.01 {
			targets = members
			log.Infof("cooldown registry: group %s quota exhausted for project %s, cooling down %d model(s)", group, projectID, len(members))
		}
	}

	r.mu.Lock()
	now := time.Now()
	for _, m := range targets {
		rec := &Record{ProjectID: projectID, Model: m, ResetAt: resetAt, CreatedAt: now, Reason: reason}
		k := key(projectID, m)
		r.records[k] = rec
		r.scheduleEvictionLocked(k, rec)
	}
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		log.Warnf("cooldown registry: persist failed: %v", err)
	}
}

// IsOn reports whether (projectID, model) is currently cooled down, lazily
// evicting an expired record found along the way (§4.2 isOn()).
func (r *Registry) IsOn(projectID, model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(projectID, model)
	rec, ok := r.records[k]
	if !ok {
		return false
	}
	if !rec.ResetAt.After(time.Now()) {
		r.evictLocked(k)
		return false
	}
	return true
}

// List enumerates all live records.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.ResetAt.After(now) {
			out = append(out, *rec)
		}
	}
	return out
}

// ListForProject enumerates live records scoped to one project.
func (r *Registry) ListForProject(projectID string) []Record {
	all := r.List()
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.ProjectID == projectID {
			out = append(out, rec)
		}
	}
	return out
}

// Remove clears a single (projectID, model) cooldown (admin operation).
func (r *Registry) Remove(projectID, model string) {
	r.mu.Lock()
	r.evictLocked(key(projectID, model))
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		log.Warnf("cooldown registry: persist failed: %v", err)
	}
}

// ClearAll removes every cooldown record (admin operation).
func (r *Registry) ClearAll() {
	r.mu.Lock()
	for k := range r.records {
		r.evictLocked(k)
	}
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		log.Warnf("cooldown registry: persist failed: %v", err)
	}
}

// Close stops every pending eviction timer so they do not keep the process
// alive beyond natural shutdown (§4.2 invariant).
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.timers {
		t.Stop()
		delete(r.timers, k)
	}
}

// evictLocked removes a record and stops its timer. Caller must hold r.mu.
func (r *Registry) evictLocked(k string) {
	delete(r.records, k)
	if t, ok := r.timers[k]; ok {
		t.Stop()
		delete(r.timers, k)
	}
}

// scheduleEvictionLocked arms a timer that proactively evicts rec at its
// resetAt and logs re-enablement. Caller must hold r.mu.
func (r *Registry) scheduleEvictionLocked(k string, rec *Record) {
	if old, ok := r.timers[k]; ok {
		old.Stop()
	}
	delay := time.Until(rec.ResetAt)
	if delay < 0 {
		delay = 0
	}
	projectID, model := rec.ProjectID, rec.Model
	r.timers[k] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.records, k)
		delete(r.timers, k)
		r.mu.Unlock()
		log.Infof("cooldown registry: %s/%s re-enabled", projectID, model)
	})
}

// persist rewrites the full on-disk document.
func (r *Registry) persist() error {
	r.mu.Lock()
	docs := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		docs = append(docs, *rec)
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(persistedDoc{Cooldowns: docs}, "", "  ")
	if err != nil {
		return fmt.Errorf("cooldown registry: marshal: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cooldown registry: write temp file: %w", err)
	}
	return os.Rename(tmp, r.path)
}
