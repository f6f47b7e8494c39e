// Package selector implements C4, the Credential Selector: round-robin
// rotation across the credential pool with per-attempt validity checks
// (disabled models, expiry, project id, hourly usage) (§4.4).
//
// Grounded on the teacher's sdk/cliproxy/auth/selector_test.go
// RoundRobinSelector (the currentIndex-cycling contract this package's
// round-robin fairness test mirrors), generalized to the validity gauntlet
// and hourly cap this spec requires.
package selector

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/antigravity-proxy/gateway/internal/credential"
	"github.com/antigravity-proxy/gateway/internal/proxyerr"
	"github.com/antigravity-proxy/gateway/internal/tokenizer"
)

// DefaultHourlyLimit is CREDENTIAL_MAX_USAGE_PER_HOUR's default (§6).
const DefaultHourlyLimit = 20

// CooldownChecker lets the selector skip a (project, model) pair currently
// on cooldown. Implemented by C2 in the running engine.
type CooldownChecker interface {
	IsOn(projectID, model string) bool
}

// UsedMarker is the callback the monitor registers on itself so the
// selector can report usage without the two packages importing each other
// (§9 "pass the pool into the monitor constructor, selector accepts an
// optional used-callback set after both exist").
type UsedMarker func(projectID string)

// Selector is C4.
type Selector struct {
	store    *credential.Store
	ledger   *tokenizer.Ledger
	cooldown CooldownChecker

	hourlyLimit int

	mu           sync.Mutex
	currentIndex int
	usedCallback UsedMarker
}

// New constructs a Selector. hourlyLimit <= 0 falls back to DefaultHourlyLimit.
func New(store *credential.Store, ledger *tokenizer.Ledger, cooldown CooldownChecker, hourlyLimit int) *Selector {
	if hourlyLimit <= 0 {
		hourlyLimit = DefaultHourlyLimit
	}
	return &Selector{store: store, ledger: ledger, cooldown: cooldown, hourlyLimit: hourlyLimit}
}

// SetUsedCallback wires the quota monitor's MarkUsed after both it and the
// selector exist, breaking the selector/monitor circular dependency (§9).
func (s *Selector) SetUsedCallback(cb UsedMarker) {
	s.mu.Lock()
	s.usedCallback = cb
	s.mu.Unlock()
}

// Select runs the round-robin gauntlet for up to pool-size attempts and
// returns a ready-to-use credential, or proxyerr.PoolExhausted if none
// qualifies within one full round (§4.4).
func (s *Selector) Select(ctx context.Context, modelName string) (*credential.Credential, error) {
	pool := s.store.Snapshot()
	if len(pool) == 0 {
		return nil, proxyerr.PoolExhausted("no credentials configured")
	}

	for attempt := 0; attempt < len(pool); attempt++ {
		cred := s.nextLocked(pool)

		if modelName != "" && cred.HasModelDisabled(modelName) {
			continue
		}
		if modelName != "" && s.cooldown != nil && cred.ProjectID != "" && s.cooldown.IsOn(cred.ProjectID, modelName) {
			continue
		}

		if cred.Expired() {
			if err := s.store.Refresh(ctx, cred); err != nil {
				if pe, ok := proxyerr.Classify(err); ok && pe.Kind == proxyerr.KindAuthDead {
					if derr := s.store.Disable(cred); derr != nil {
						log.Warnf("selector: disable after auth-dead refresh failed: %v", derr)
					}
				}
				continue
			}
		}

		if cred.ProjectID == "" {
			if err := s.store.FetchProjectID(ctx, cred); err != nil {
				if pe, ok := proxyerr.Classify(err); ok && pe.Kind == proxyerr.KindAuthDead {
					if derr := s.store.Disable(cred); derr != nil {
						log.Warnf("selector: disable after auth-dead project fetch failed: %v", derr)
					}
				}
				continue
			}
		}

		if s.ledger != nil {
			count, err := s.ledger.CountLastHour(ctx, cred.ProjectID, time.Now())
			if err != nil {
				log.Warnf("selector: usage ledger read failed: %v", err)
			} else if count >= s.hourlyLimit {
				continue
			}
		}

		s.markUsed(ctx, cred)
		return cred, nil
	}

	return nil, proxyerr.PoolExhausted("no usable credential after one full round")
}

// ByProjectID delegates to the store for callers continuing a session with
// a specific credential (§4.4 byProjectId).
func (s *Selector) ByProjectID(projectID string) *credential.Credential {
	return s.store.ByProjectID(projectID)
}

// nextLocked advances currentIndex and returns the credential it now points
// at, clamping to pool's current length so a shrinking pool (disable) never
// indexes out of range.
func (s *Selector) nextLocked(pool []*credential.Credential) *credential.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentIndex >= len(pool) {
		s.currentIndex = 0
	}
	cred := pool[s.currentIndex]
	s.currentIndex = (s.currentIndex + 1) % len(pool)
	return cred
}

func (s *Selector) markUsed(ctx context.Context, cred *credential.Credential) {
	if s.ledger != nil && cred.ProjectID != "" {
		if err := s.ledger.MarkUsed(ctx, cred.ProjectID, time.Now()); err != nil {
			log.Warnf("selector: usage ledger write failed: %v", err)
		}
	}
	s.mu.Lock()
	cb := s.usedCallback
	s.mu.Unlock()
	if cb != nil {
		cb(cred.ProjectID)
	}
}
