// Package credential implements C1, the Credential Store: loading and
// persisting the rotating pool of OAuth-bearing identities, refreshing
// their access tokens, and resolving their upstream project id.
//
// Grounded on the teacher's internal/auth/antigravity/auth.go (OAuth
// endpoints, loadCodeAssist/onboardUser project discovery flow) and
// sdk/cliproxy/auth/types.go (the Auth record shape, Clone-on-read
// discipline for shared mutable state).
package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/antigravity-proxy/gateway/internal/proxyerr"
)

// expiryEarlySkew is how far before the real expiry a token is treated as expired (§3).
const expiryEarlySkew = 5 * time.Minute

// Credential is a long-lived identity usable to call the upstream service (§3).
type Credential struct {
	RefreshToken   string          `json:"refresh_token"`
	AccessToken    string          `json:"access_token,omitempty"`
	ExpiresAt      time.Time       `json:"-"`
	ExpiresIn      int64           `json:"expires_in,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"` // unix seconds the tokens were issued at
	ProjectID      string          `json:"projectId,omitempty"`
	Enabled        *bool           `json:"enable,omitempty"` // nil means true; only false is administratively dead
	DisabledModels map[string]bool `json:"disabledModels,omitempty"`

	// SessionID is ephemeral per process start; never persisted (§3 invariant).
	SessionID string `json:"-"`

	mu sync.Mutex
}

// IsEnabled reports whether the credential is administratively usable.
func (c *Credential) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Expired reports whether the access token should be treated as expired,
// applying the 5-minute early skew from §3.
func (c *Credential) Expired() bool {
	if c.AccessToken == "" {
		return true
	}
	return time.Now().Add(expiryEarlySkew).After(c.ExpiresAt)
}

// HasModelDisabled reports whether the quota monitor has disabled model on this credential.
func (c *Credential) HasModelDisabled(model string) bool {
	return c.DisabledModels[model]
}

// OAuthClient abstracts the upstream OAuth refresh call so it can be backed
// by golang.org/x/oauth2's TokenSource (production) or a fake (tests).
type OAuthClient interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn int64, err error)
}

// ProjectClient abstracts the upstream project-discovery call.
type ProjectClient interface {
	FetchProjectID(ctx context.Context, accessToken string) (projectID string, err error)
}

// oauth2Client adapts golang.org/x/oauth2's refresh-token grant to OAuthClient,
// mirroring the teacher's AntigravityAuth.ExchangeCodeForTokens POST but
// delegating the actual HTTP exchange to the ecosystem OAuth2 client.
type oauth2Client struct {
	cfg *oauth2.Config
}

// NewOAuth2Client builds an OAuthClient against the given token endpoint
// using the supplied client id/secret (§6: POST https://oauth2.googleapis.com/token).
func NewOAuth2Client(clientID, clientSecret, tokenURL string) OAuthClient {
	return &oauth2Client{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}}
}

func (o *oauth2Client) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	ts := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return "", 0, classifyOAuthError(err)
	}
	expiresIn := int64(time.Until(tok.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return tok.AccessToken, expiresIn, nil
}

// classifyOAuthError maps an x/oauth2 RetrieveError's HTTP status into the
// AuthDead/Transient distinction the spec requires (§4.1).
func classifyOAuthError(err error) error {
	if retrieveErr, ok := err.(*oauth2.RetrieveError); ok {
		if retrieveErr.Response != nil && (retrieveErr.Response.StatusCode == 400 || retrieveErr.Response.StatusCode == 403) {
			return proxyerr.AuthDead("oauth refresh rejected", err)
		}
	}
	return proxyerr.Transient("oauth refresh failed", err)
}

// Store is C1: it owns the in-memory credential pool and its on-disk
// persistence, refreshes tokens, and resolves project ids.
type Store struct {
	path          string
	oauth         OAuthClient
	project       ProjectClient
	synthesizeIDs bool // policy flag: substitute a random placeholder project id instead of fetching

	mu   sync.RWMutex
	pool []*Credential
}

// NewStore constructs a Store. synthesizeProjectID implements the §3 policy
// flag that disables upstream project-id fetching in favor of a random placeholder.
func NewStore(path string, oauth OAuthClient, project ProjectClient, synthesizeProjectID bool) *Store {
	return &Store{path: path, oauth: oauth, project: project, synthesizeIDs: synthesizeProjectID}
}

// persistedCredential is the on-disk shape (§6), which never carries SessionID.
type persistedCredential struct {
	RefreshToken   string          `json:"refresh_token"`
	AccessToken    string          `json:"access_token,omitempty"`
	ExpiresIn      int64           `json:"expires_in,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	ProjectID      string          `json:"projectId,omitempty"`
	Enable         *bool           `json:"enable,omitempty"`
	DisabledModels map[string]bool `json:"disabledModels,omitempty"`
}

func toPersisted(c *Credential) persistedCredential {
	return persistedCredential{
		RefreshToken:   c.RefreshToken,
		AccessToken:    c.AccessToken,
		ExpiresIn:      c.ExpiresIn,
		Timestamp:      c.Timestamp,
		ProjectID:      c.ProjectID,
		Enable:         c.Enabled,
		DisabledModels: c.DisabledModels,
	}
}

func fromPersisted(p persistedCredential) *Credential {
	c := &Credential{
		RefreshToken:   p.RefreshToken,
		AccessToken:    p.AccessToken,
		ExpiresIn:      p.ExpiresIn,
		Timestamp:      p.Timestamp,
		ProjectID:      p.ProjectID,
		Enabled:        p.Enable,
		DisabledModels: p.DisabledModels,
	}
	if c.Timestamp > 0 && c.ExpiresIn > 0 {
		c.ExpiresAt = time.Unix(c.Timestamp, 0).Add(time.Duration(c.ExpiresIn) * time.Second)
	}
	if c.DisabledModels == nil {
		c.DisabledModels = map[string]bool{}
	}
	return c
}

// readAll reads the raw persisted array from disk; a missing file is an empty pool.
func (s *Store) readAll() ([]persistedCredential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credential store: read %s: %w", s.path, err)
	}
	var all []persistedCredential
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("credential store: decode %s: %w", s.path, err)
	}
	return all, nil
}

// Load reads the array from disk, keeps only enabled entries, and assigns
// each a fresh session id (§4.1 load()).
func (s *Store) Load() error {
	all, err := s.readAll()
	if err != nil {
		return err
	}
	pool := make([]*Credential, 0, len(all))
	for _, p := range all {
		c := fromPersisted(p)
		if !c.IsEnabled() {
			continue
		}
		c.SessionID = uuid.NewString()
		pool = append(pool, c)
	}
	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()
	log.Infof("credential store: loaded %d enabled credential(s) from %s", len(pool), s.path)
	return nil
}

// Snapshot returns a shallow copy of the current in-memory pool, safe for a
// caller to range over without holding the store's lock.
func (s *Store) Snapshot() []*Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Credential, len(s.pool))
	copy(out, s.pool)
	return out
}

// Len returns the current pool size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pool)
}

// ByProjectID looks up a credential by its resolved project id (§4.4 byProjectId).
func (s *Store) ByProjectID(projectID string) *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.pool {
		if c.ProjectID == projectID {
			return c
		}
	}
	return nil
}

// Refresh performs the OAuth refresh-token grant for cred and persists the
// updated tokens on success (§4.1 refresh()).
func (s *Store) Refresh(ctx context.Context, cred *Credential) error {
	cred.mu.Lock()
	defer cred.mu.Unlock()

	accessToken, expiresIn, err := s.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return err
	}
	cred.AccessToken = accessToken
	cred.ExpiresIn = expiresIn
	cred.Timestamp = time.Now().Unix()
	cred.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return s.persistLocked(cred)
}

// FetchProjectID resolves and stores cred's project id, or synthesizes a
// random placeholder when that policy flag is set (§3, §4.1 fetchProjectId()).
func (s *Store) FetchProjectID(ctx context.Context, cred *Credential) error {
	if s.synthesizeIDs {
		cred.mu.Lock()
		cred.ProjectID = randomProjectID()
		err := s.persistLocked(cred)
		cred.mu.Unlock()
		return err
	}
	projectID, err := s.project.FetchProjectID(ctx, cred.AccessToken)
	if err != nil {
		return err
	}
	if projectID == "" {
		return proxyerr.AuthDead("upstream returned no project id", nil)
	}
	cred.mu.Lock()
	cred.ProjectID = projectID
	err = s.persistLocked(cred)
	cred.mu.Unlock()
	return err
}

func randomProjectID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "placeholder-" + hex.EncodeToString(buf)
}

// Disable marks cred administratively dead, persists, and removes it from
// the in-memory pool (§4.1 disable()).
func (s *Store) Disable(cred *Credential) error {
	cred.mu.Lock()
	disabled := false
	cred.Enabled = &disabled
	err := s.persistLocked(cred)
	cred.mu.Unlock()

	s.mu.Lock()
	for i, c := range s.pool {
		if c == cred {
			s.pool = append(s.pool[:i], s.pool[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return err
}

// DisableModel adds model to cred's disabled set and persists (used by C3).
func (s *Store) DisableModel(cred *Credential, model string) error {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	if cred.DisabledModels == nil {
		cred.DisabledModels = map[string]bool{}
	}
	cred.DisabledModels[model] = true
	return s.persistLocked(cred)
}

// EnableModel removes model from cred's disabled set and persists (used by C3).
func (s *Store) EnableModel(cred *Credential, model string) error {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	delete(cred.DisabledModels, model)
	return s.persistLocked(cred)
}

// persistLocked rewrites the full on-disk array, re-reading it first so
// admin-side additions made while the process ran are not clobbered (§4.1
// invariant: persistence is merge-style), and caller must hold cred.mu.
func (s *Store) persistLocked(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	onDisk, err := s.readAll()
	if err != nil {
		return err
	}
	found := false
	for i, p := range onDisk {
		if p.RefreshToken == cred.RefreshToken {
			onDisk[i] = toPersisted(cred)
			found = true
			break
		}
	}
	if !found {
		onDisk = append(onDisk, toPersisted(cred))
	}
	return atomicWriteJSON(s.path, onDisk)
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("credential store: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credential store: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("credential store: rename temp file: %w", err)
	}
	return nil
}
