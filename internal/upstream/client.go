// Package upstream implements the thin HTTP client wrapping the five
// upstream calls named in §6: OAuth refresh (delegated to golang.org/x/oauth2
// in internal/credential), project discovery, onboarding, generate
// (stream/single), and fetch models/quota.
//
// Grounded on the teacher's internal/auth/antigravity/auth.go (loadCodeAssist/
// onboardUser polling, header conventions) and internal/runtime/executor/antigravity_executor.go
// (base-URL fallover order, Retry-After-aware 429 handling, streamGenerateContent/
// generateContent/fetchAvailableModels path construction).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/net/proxy"

	"github.com/antigravity-proxy/gateway/internal/proxyerr"
)

// defaultBaseURLs is the fallover order tried in turn before surfacing a
// Transient error (SPEC_FULL.md supplemented feature #1).
var defaultBaseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
}

const (
	apiVersion          = "v1internal"
	loadCodeAssistPath  = "/v1internal:loadCodeAssist"
	onboardUserPath     = "/v1internal:onboardUser"
	streamGeneratePath  = "/v1internal:streamGenerateContent"
	generatePath        = "/v1internal:generateContent"
	fetchModelsPath     = "/v1internal:fetchAvailableModels"
	defaultUserAgent    = "antigravity/1.104.0"
	onboardMaxAttempts  = 5
	onboardPollInterval = 2 * time.Second
)

// Config configures a Client from the §6 options API_URL (as BaseURLs),
// API_HOST, API_USER_AGENT, TIMEOUT, RETRY_STATUS_CODES and PROXY.
type Config struct {
	BaseURLs         []string // fallover order; defaults to defaultBaseURLs when empty
	Host             string   // optional Host header override
	UserAgent        string
	Timeout          time.Duration
	RetryStatusCodes []int // additional statuses, beyond 429, that trigger base-URL fallover
	HTTPClient       *http.Client
	ProxyURL         string // SOCKS5 or HTTP(S) proxy for outbound calls (§6 PROXY)
}

// applyProxy routes httpClient's transport through proxyURL when it parses
// as a socks5/http/https scheme, mirroring the teacher's SetProxy. An
// unparseable or empty proxyURL leaves httpClient untouched.
func applyProxy(proxyURL string, httpClient *http.Client) *http.Client {
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Scheme == "" {
		return httpClient
	}

	var transport *http.Transport
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errDial := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errDial != nil {
			log.Errorf("upstream: create SOCKS5 dialer failed: %v", errDial)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		return httpClient
	}
	httpClient.Transport = transport
	return httpClient
}

// Client issues the upstream generate/fetch/discovery calls over a shared
// http.Client, trying each configured base URL in turn on failure.
type Client struct {
	baseURLs         []string
	host             string
	userAgent        string
	retryStatusCodes map[int]bool
	httpClient       *http.Client
}

// New constructs a Client from cfg, applying spec defaults for anything unset.
func New(cfg Config) *Client {
	baseURLs := cfg.BaseURLs
	if len(baseURLs) == 0 {
		baseURLs = defaultBaseURLs
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.ProxyURL != "" {
		httpClient = applyProxy(cfg.ProxyURL, httpClient)
	}
	retrySet := map[int]bool{http.StatusTooManyRequests: true}
	for _, code := range cfg.RetryStatusCodes {
		retrySet[code] = true
	}
	return &Client{
		baseURLs:         baseURLs,
		host:             cfg.Host,
		userAgent:        userAgent,
		retryStatusCodes: retrySet,
		httpClient:       httpClient,
	}
}

// response is the outcome of one base-URL attempt.
type response struct {
	status     int
	body       []byte
	retryAfter *int64
}

// doWithFallover POSTs body to path against each base URL in order, moving
// to the next entry on network error or a retry-eligible status (§6,
// SPEC_FULL.md supplemented feature #1). accessToken may be empty for the
// unauthenticated OAuth refresh call, which does not use this helper.
func (c *Client) doWithFallover(ctx context.Context, path, accessToken string, body []byte, headers map[string]string) (*response, error) {
	var lastErr error
	var lastResp *response
	for idx, base := range c.baseURLs {
		url := strings.TrimSuffix(base, "/") + path
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, proxyerr.Transient("upstream: build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept-Encoding", "gzip")
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.host != "" {
			req.Host = c.host
		}

		httpResp, errDo := c.httpClient.Do(req)
		if errDo != nil {
			lastErr = errDo
			if idx+1 < len(c.baseURLs) {
				log.Debugf("upstream: request error on base url %s, retrying with fallback %s", base, c.baseURLs[idx+1])
				continue
			}
			break
		}

		bodyBytes, errRead := io.ReadAll(httpResp.Body)
		closeErr := httpResp.Body.Close()
		if closeErr != nil {
			log.Errorf("upstream: close body error: %v", closeErr)
		}
		if errRead != nil {
			lastErr = errRead
			if idx+1 < len(c.baseURLs) {
				log.Debugf("upstream: read error on base url %s, retrying with fallback %s", base, c.baseURLs[idx+1])
				continue
			}
			break
		}

		resp := &response{status: httpResp.StatusCode, body: bodyBytes}
		if ra, ok := parseRetryAfter(httpResp.Header.Get("Retry-After"), bodyBytes); ok {
			resp.retryAfter = &ra
		}
		lastResp = resp

		if c.retryStatusCodes[httpResp.StatusCode] && idx+1 < len(c.baseURLs) {
			log.Debugf("upstream: retry-eligible status %d on base url %s, retrying with fallback %s", httpResp.StatusCode, base, c.baseURLs[idx+1])
			continue
		}
		return resp, nil
	}
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, proxyerr.Transient("upstream: all base urls failed", lastErr)
}

// parseRetryAfter reads a Retry-After header (seconds form) or, failing
// that, a machine-readable retry delay embedded in a Google RPC error body
// (google.rpc.RetryInfo), mirroring the teacher's parseRetryDelay fallback.
func parseRetryAfter(header string, body []byte) (int64, bool) {
	header = strings.TrimSpace(header)
	if header != "" {
		if secs, err := strconv.ParseInt(header, 10, 64); err == nil && secs >= 0 {
			return secs, true
		}
	}
	if len(body) == 0 {
		return 0, false
	}
	var found string
	for _, detail := range gjson.GetBytes(body, "error.details").Array() {
		typeField := detail.Get(`\@type`)
		if !typeField.Exists() {
			continue
		}
		if !strings.Contains(typeField.String(), "RetryInfo") {
			continue
		}
		found = detail.Get("retryDelay").String()
		break
	}
	if found == "" {
		return 0, false
	}
	d, err := time.ParseDuration(found)
	if err != nil {
		return 0, false
	}
	return int64(d.Seconds()), true
}

// FetchProjectID resolves the upstream project id via loadCodeAssist,
// onboarding the tier when the response carries no project yet (§4.1, §6).
// Implements internal/credential.ProjectClient.
func (c *Client) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":    "ANTIGRAVITY",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	resp, err := c.doWithFallover(ctx, loadCodeAssistPath, accessToken, body, nil)
	if err != nil {
		return "", err
	}
	if resp.status >= 500 {
		return "", proxyerr.Transient(fmt.Sprintf("loadCodeAssist: server error: status %d", resp.status), nil)
	}
	if resp.status < 200 || resp.status >= 300 {
		return "", proxyerr.AuthDead(fmt.Sprintf("loadCodeAssist rejected: status %d", resp.status), nil)
	}

	if id := gjson.GetBytes(resp.body, "cloudaicompanionProject").String(); id != "" {
		return id, nil
	}
	if id := gjson.GetBytes(resp.body, "cloudaicompanionProject.id").String(); id != "" {
		return id, nil
	}

	tierID := "legacy-tier"
	for _, tier := range gjson.GetBytes(resp.body, "allowedTiers").Array() {
		if tier.Get("isDefault").Bool() {
			if id := tier.Get("id").String(); id != "" {
				tierID = id
				break
			}
		}
	}
	return c.onboardUser(ctx, accessToken, tierID)
}

// onboardUser polls onboardUser until it reports completion, returning the
// project id it assigns (§4.1 fetchProjectId "ineligible" fallback path).
func (c *Client) onboardUser(ctx context.Context, accessToken, tierID string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "ANTIGRAVITY",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	for attempt := 1; attempt <= onboardMaxAttempts; attempt++ {
		resp, err := c.doWithFallover(ctx, onboardUserPath, accessToken, body, nil)
		if err != nil {
			return "", err
		}
		if resp.status >= 500 {
			return "", proxyerr.Transient(fmt.Sprintf("onboardUser: server error: status %d", resp.status), nil)
		}
		if resp.status != http.StatusOK {
			return "", proxyerr.AuthDead(fmt.Sprintf("onboardUser rejected: status %d", resp.status), nil)
		}
		if gjson.GetBytes(resp.body, "done").Bool() {
			id := gjson.GetBytes(resp.body, "response.cloudaicompanionProject.id").String()
			if id == "" {
				return "", proxyerr.AuthDead("onboardUser completed without a project id", nil)
			}
			return id, nil
		}
		if attempt < onboardMaxAttempts {
			if err := sleepContext(ctx, onboardPollInterval); err != nil {
				return "", proxyerr.Transient("onboardUser: context cancelled while polling", err)
			}
		}
	}
	return "", proxyerr.AuthDead("onboardUser did not complete after polling", nil)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FetchQuota calls fetchAvailableModels and extracts, per model name, the
// remaining quota fraction (§3 Quota Cache Entry, §4.3). Implements
// internal/quota.Client.
func (c *Client) FetchQuota(ctx context.Context, accessToken string) (map[string]float64, error) {
	resp, err := c.doWithFallover(ctx, fetchModelsPath, accessToken, []byte("{}"), nil)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, proxyerr.Transient(fmt.Sprintf("fetchAvailableModels: status %d", resp.status), nil)
	}

	quotas := make(map[string]float64)
	models := gjson.GetBytes(resp.body, "models")
	if !models.IsObject() {
		return quotas, nil
	}
	models.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if name == "" {
			return true
		}
		quotaObj := value.Get("quotaInfo")
		if !quotaObj.Exists() {
			quotaObj = value.Get("quota_info")
		}
		remaining := 1.0
		for _, field := range []string{"remainingFraction", "remaining_fraction", "remaining"} {
			if v := quotaObj.Get(field); v.Exists() {
				remaining = v.Float()
				break
			}
		}
		quotas[name] = remaining
		return true
	})
	return quotas, nil
}

// GenerateSingle issues a non-streaming generateContent call and returns the
// raw upstream response body (§6).
func (c *Client) GenerateSingle(ctx context.Context, accessToken string, requestBody []byte) ([]byte, error) {
	resp, err := c.doWithFallover(ctx, generatePath, accessToken, requestBody, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}
	return c.classifyGenerateResponse(resp)
}

// GenerateStream issues a streaming streamGenerateContent?alt=sse call and
// returns the live response for the caller to scan as SSE lines. Unlike the
// other calls, a stream response is not buffered through doWithFallover
// since its body must be read incrementally; the caller is responsible for
// closing the returned body.
func (c *Client) GenerateStream(ctx context.Context, accessToken string, requestBody []byte) (io.ReadCloser, error) {
	var lastErr error
	for idx, base := range c.baseURLs {
		url := strings.TrimSuffix(base, "/") + streamGeneratePath + "?alt=sse"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
		if err != nil {
			return nil, proxyerr.Transient("upstream: build stream request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept-Encoding", "gzip")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		if c.host != "" {
			req.Host = c.host
		}

		httpResp, errDo := c.httpClient.Do(req)
		if errDo != nil {
			lastErr = errDo
			if idx+1 < len(c.baseURLs) {
				log.Debugf("upstream: stream request error on base url %s, retrying with fallback %s", base, c.baseURLs[idx+1])
				continue
			}
			break
		}

		if c.retryStatusCodes[httpResp.StatusCode] && idx+1 < len(c.baseURLs) {
			bodyBytes, _ := io.ReadAll(httpResp.Body)
			_ = httpResp.Body.Close()
			if cerr := classifyStatus(httpResp.StatusCode, bodyBytes); cerr != nil {
				lastErr = cerr
			}
			log.Debugf("upstream: retry-eligible status %d on base url %s, retrying with fallback %s", httpResp.StatusCode, base, c.baseURLs[idx+1])
			continue
		}
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			bodyBytes, _ := io.ReadAll(httpResp.Body)
			_ = httpResp.Body.Close()
			if httpResp.StatusCode == http.StatusTooManyRequests {
				if ra, ok := parseRetryAfter(httpResp.Header.Get("Retry-After"), bodyBytes); ok {
					return nil, proxyerr.QuotaExhausted("upstream stream rejected for quota", &ra)
				}
			}
			return nil, classifyStatus(httpResp.StatusCode, bodyBytes)
		}
		return httpResp.Body, nil
	}
	return nil, proxyerr.Transient("upstream: all base urls failed", lastErr)
}

// classifyGenerateResponse turns a buffered response into an error per §7,
// or returns the body unchanged on success.
func (c *Client) classifyGenerateResponse(resp *response) ([]byte, error) {
	if resp.status >= 200 && resp.status < 300 {
		return resp.body, nil
	}
	if err := classifyStatus(resp.status, resp.body); err != nil {
		if resp.status == http.StatusTooManyRequests && resp.retryAfter != nil {
			return nil, proxyerr.QuotaExhausted("upstream generate rejected for quota", resp.retryAfter)
		}
		return nil, err
	}
	return resp.body, nil
}

// classifyStatus maps an upstream HTTP status into a proxyerr Kind (§7).
func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		return proxyerr.QuotaExhausted("upstream rejected for quota", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return proxyerr.AuthDead(fmt.Sprintf("upstream rejected: status %d", status), nil)
	case status >= 500:
		return proxyerr.Transient(fmt.Sprintf("upstream server error: status %d: %s", status, truncate(body)), nil)
	case status >= 400:
		return proxyerr.Transient(fmt.Sprintf("upstream rejected: status %d: %s", status, truncate(body)), nil)
	default:
		return nil
	}
}

func truncate(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
