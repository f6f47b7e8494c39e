// Package engine wires C1-C7 together into the request pipeline described
// in §2: the selector picks a credential, the translator builds the
// upstream request body, the upstream client issues the call, and on a
// recoverable rejection (quota, auth) the cooldown registry is updated and
// the selector is asked to reselect, up to a configured attempt cap.
//
// Grounded on the teacher's per-request credential/retry orchestration in
// internal/runtime/executor/antigravity_executor.go (the outer retry loop
// around buildRequest/classify/advance-or-disable), restructured around
// this repo's Selector/Registry/Monitor seams instead of the teacher's
// single antigravityExecutor struct.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/antigravity-proxy/gateway/internal/cooldown"
	"github.com/antigravity-proxy/gateway/internal/credential"
	"github.com/antigravity-proxy/gateway/internal/metrics"
	"github.com/antigravity-proxy/gateway/internal/proxyerr"
	"github.com/antigravity-proxy/gateway/internal/quota"
	"github.com/antigravity-proxy/gateway/internal/selector"
	"github.com/antigravity-proxy/gateway/internal/stream"
	"github.com/antigravity-proxy/gateway/internal/tokenizer"
	"github.com/antigravity-proxy/gateway/internal/translator"
	"github.com/antigravity-proxy/gateway/internal/upstream"
)

// defaultQuotaCooldown is used when a 429 carries no Retry-After hint.
const defaultQuotaCooldown = 30 * time.Minute

// Engine ties the credential, cooldown, quota, selector, translator,
// upstream, and stream packages into the §2 control flow.
type Engine struct {
	store    *credential.Store
	selector *selector.Selector
	cooldown *cooldown.Registry
	monitor  *quota.Monitor
	upstream *upstream.Client
	metrics  *metrics.Registry
	sigCache *translator.SignatureCache

	defaultSystem    string
	userAgent        string
	retryMaxAttempts int
}

// New constructs an Engine. retryMaxAttempts <= 0 falls back to 3 (§6 RETRY_MAX_ATTEMPTS default).
func New(store *credential.Store, sel *selector.Selector, cd *cooldown.Registry, mon *quota.Monitor, up *upstream.Client, m *metrics.Registry, sigCache *translator.SignatureCache, defaultSystem, userAgent string, retryMaxAttempts int) *Engine {
	if retryMaxAttempts <= 0 {
		retryMaxAttempts = 3
	}
	return &Engine{
		store:            store,
		selector:         sel,
		cooldown:         cd,
		monitor:          mon,
		upstream:         up,
		metrics:          m,
		sigCache:         sigCache,
		defaultSystem:    defaultSystem,
		userAgent:        userAgent,
		retryMaxAttempts: retryMaxAttempts,
	}
}

// upstreamChunk is the subset of an upstream generateContent/streamGenerateContent
// response this engine reads; it reuses translator.Part since the upstream
// response shares the request's content-part schema.
type upstreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []translator.Part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// StreamSession is a dispatched streaming call ready to be drained.
type StreamSession struct {
	Credential  *credential.Credential
	Emitter     *stream.Emitter
	Body        io.ReadCloser
	InputTokens int
}

// NonStreamResult is a fully-read non-streaming reply (§6).
type NonStreamResult struct {
	Content []stream.ContentBlock
	Usage   tokenizer.Usage
}

// Stream dispatches a streaming chat request: select a credential, translate
// the request, and open the upstream SSE call. On success the caller must
// call Drain to pump events and Close the session's Body.
func (e *Engine) Stream(ctx context.Context, req translator.ClientRequest, sessionID string) (*StreamSession, error) {
	cred, upReq, result, err := e.dispatch(ctx, req, sessionID, "stream", func(ctx context.Context, accessToken string, body []byte) (any, error) {
		return e.upstream.GenerateStream(ctx, accessToken, body)
	})
	if err != nil {
		return nil, err
	}
	return &StreamSession{
		Credential:  cred,
		Emitter:     stream.New(upReq.RequestID, req.Model),
		Body:        result.(io.ReadCloser),
		InputTokens: estimateInputTokens(upReq),
	}, nil
}

// Drain reads sess's upstream SSE body and forwards translated client events
// to emit until the body closes. If emit returns an error (the client
// disconnected), Drain stops immediately without emitting further stop
// events, per §5's cancellation rule: partially opened blocks are abandoned
// because the transport is already gone.
func (e *Engine) Drain(sess *StreamSession, emit func([]stream.Event) error) error {
	defer sess.Body.Close()

	if err := emit(sess.Emitter.Start(sess.InputTokens)); err != nil {
		return err
	}

	scanner := bufio.NewScanner(sess.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk upstreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warnf("engine: malformed upstream chunk, skipping: %v", err)
			continue
		}

		events := e.applyChunk(sess.Emitter, chunk)
		if len(events) == 0 {
			continue
		}
		e.countEvents(events)
		if err := emit(events); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return proxyerr.Transient("upstream stream read failed", err)
	}

	if finishEvents := sess.Emitter.Finish(sess.InputTokens); len(finishEvents) > 0 {
		e.countEvents(finishEvents)
		return emit(finishEvents)
	}
	return nil
}

// Generate dispatches a non-streaming chat request and returns the fully
// assembled content blocks and usage (§6 non-stream JSON reply).
func (e *Engine) Generate(ctx context.Context, req translator.ClientRequest, sessionID string) (*NonStreamResult, error) {
	_, upReq, result, err := e.dispatch(ctx, req, sessionID, "generate", func(ctx context.Context, accessToken string, body []byte) (any, error) {
		return e.upstream.GenerateSingle(ctx, accessToken, body)
	})
	if err != nil {
		return nil, err
	}

	var chunk upstreamChunk
	if jerr := json.Unmarshal(result.([]byte), &chunk); jerr != nil {
		return nil, proxyerr.Transient("decode upstream response", jerr)
	}

	var blocks []stream.ContentBlock
	var output strings.Builder
	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				blocks = append(blocks, stream.ContentBlock{
					Type:  "tool_use",
					ID:    part.FunctionCall.ID,
					Name:  part.FunctionCall.Name,
					Input: rawToMap(part.FunctionCall.Args),
				})
				output.WriteString(string(part.FunctionCall.Args))
			case part.Thought && part.Text != "":
				blocks = append(blocks, stream.ContentBlock{Type: "thinking", Thinking: part.Text})
				output.WriteString(part.Text)
			case part.Text != "":
				blocks = append(blocks, stream.ContentBlock{Type: "text", Text: part.Text})
				output.WriteString(part.Text)
			}
		}
	}

	inputTokens := estimateInputTokens(upReq)
	return &NonStreamResult{
		Content: blocks,
		Usage:   tokenizer.NewUsage(inputTokens, tokenizer.Estimate(output.String())),
	}, nil
}

// dispatch runs the selector/translate/call/classify loop (§2, §7): each
// attempt asks the selector for a (possibly different) credential, builds
// the upstream request, and issues call. QuotaExhausted installs a cooldown
// and reselects; AuthDead disables the credential and reselects; Transient
// simply reselects; anything else (TranslationInput, PoolExhausted) is
// surfaced as-is without retry.
func (e *Engine) dispatch(ctx context.Context, req translator.ClientRequest, sessionID, endpoint string, call func(ctx context.Context, accessToken string, body []byte) (any, error)) (*credential.Credential, *translator.UpstreamRequest, any, error) {
	var lastErr error
	for attempt := 0; attempt < e.retryMaxAttempts; attempt++ {
		cred, err := e.selector.Select(ctx, req.Model)
		if err != nil {
			return nil, nil, nil, err
		}

		upReq, err := translator.Translate(req, translator.Options{
			Project:        cred.ProjectID,
			UserAgent:      e.userAgent,
			SessionID:      sessionID,
			DefaultSystem:  e.defaultSystem,
			SignatureCache: e.sigCache,
		})
		if err != nil {
			return nil, nil, nil, err
		}

		body, merr := json.Marshal(upReq)
		if merr != nil {
			return nil, nil, nil, proxyerr.Transient("marshal upstream request", merr)
		}

		started := time.Now()
		result, err := call(ctx, cred.AccessToken, body)
		if e.metrics != nil {
			e.metrics.UpstreamCallDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
		}
		if err == nil {
			if e.metrics != nil {
				e.metrics.SelectionsTotal.WithLabelValues(req.Model).Inc()
			}
			return cred, upReq, result, nil
		}

		lastErr = err
		pe, ok := proxyerr.Classify(err)
		if !ok {
			return nil, nil, nil, err
		}
		if e.metrics != nil {
			e.metrics.UpstreamErrorsTotal.WithLabelValues(string(pe.Kind)).Inc()
		}

		switch pe.Kind {
		case proxyerr.KindQuotaExhausted:
			e.installCooldown(ctx, cred, req.Model, pe)
		case proxyerr.KindAuthDead:
			if derr := e.store.Disable(cred); derr != nil {
				log.Warnf("engine: disable after auth-dead generate call failed: %v", derr)
			}
		case proxyerr.KindTransient:
			// fall through to the next attempt's reselect
		default:
			return nil, nil, nil, err
		}
	}

	if lastErr == nil {
		lastErr = proxyerr.PoolExhausted("no usable credential after retry attempts")
	}
	return nil, nil, nil, lastErr
}

// installCooldown consults the quota monitor for a fresh reading before
// installing the cooldown, so concurrent rejections for the same project
// collapse into one upstream recheck (§4.2, quota.Monitor.RefreshNow).
func (e *Engine) installCooldown(ctx context.Context, cred *credential.Credential, model string, pe *proxyerr.Error) {
	if e.monitor != nil {
		e.monitor.RefreshNow(ctx, cred)
	}
	resetAt := time.Now().Add(defaultQuotaCooldown)
	if pe.RetryAfter != nil {
		resetAt = time.Now().Add(time.Duration(*pe.RetryAfter) * time.Second)
	}
	e.cooldown.Put(cred.ProjectID, model, resetAt, cooldown.ReasonResourceExhausted)
	if e.metrics != nil {
		e.metrics.CooldownsInstalled.WithLabelValues(string(cooldown.ReasonResourceExhausted)).Inc()
	}
}

// applyChunk feeds one upstream chunk's parts into em, returning the client
// events produced. Text and thinking deltas are forwarded as they arrive;
// function calls in a chunk are collected and sent as one SendToolCalls
// batch, matching the emitter's one-shot tool_use block discipline (§4.6).
func (e *Engine) applyChunk(em *stream.Emitter, chunk upstreamChunk) []stream.Event {
	var events []stream.Event
	var calls []stream.ToolCall
	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				calls = append(calls, stream.ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: string(part.FunctionCall.Args),
				})
			case part.Thought && part.Text != "":
				events = append(events, em.SendThinking(part.Text)...)
			case part.Text != "":
				events = append(events, em.SendText(part.Text)...)
			}
		}
	}
	if len(calls) > 0 {
		events = append(events, em.SendToolCalls(calls)...)
	}
	return events
}

func (e *Engine) countEvents(events []stream.Event) {
	if e.metrics == nil {
		return
	}
	for _, ev := range events {
		e.metrics.StreamEventsTotal.WithLabelValues(ev.Type).Inc()
	}
}

// estimateInputTokens renders the upstream request's text content, tool
// calls, tool results, and tools JSON to the same plain-text form C7
// accounts for, then estimates (§4.7).
func estimateInputTokens(upReq *translator.UpstreamRequest) int {
	var b strings.Builder
	if upReq.Request.SystemInstruction != nil {
		for _, p := range upReq.Request.SystemInstruction.Parts {
			b.WriteString(p.Text)
		}
	}
	for _, content := range upReq.Request.Contents {
		for _, part := range content.Parts {
			switch {
			case part.FunctionCall != nil:
				b.WriteString(tokenizer.InvokeBlock(part.FunctionCall.Name, string(part.FunctionCall.Args)))
			case part.FunctionResponse != nil:
				b.WriteString(tokenizer.ToolResultBlock(part.FunctionResponse.ID, string(part.FunctionResponse.Response)))
			default:
				b.WriteString(part.Text)
			}
		}
	}
	if len(upReq.Request.Tools) > 0 {
		if toolsJSON, err := json.Marshal(upReq.Request.Tools); err == nil {
			b.Write(toolsJSON)
		}
	}
	return tokenizer.Estimate(b.String())
}

func rawToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
