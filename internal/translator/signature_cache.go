package translator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// textEntry is one byText record: the signature last seen for a given
// normalized form of thinking text, plus the original (pre-normalization)
// text it was stored under, so a cache hit can be attributed back to the
// exact wording that produced it.
type textEntry struct {
	signature    string
	originalText string
}

// SignatureCache is C5's Thought-Signature Cache (§3): two in-process maps
// that let the proxy re-attach a thought signature the upstream requires to
// accept continued reasoning, even when the client's retransmission of a
// prior turn drops the signature (or the thinking block itself).
//
//   - byToolCallID: tool_use id -> signature, for a function call whose
//     preceding thinking block supplied the signature on the same turn.
//   - byText: raw, trimmed, and whitespace/markdown-normalized variants of
//     the thinking text -> {signature, originalText}, for a thinking block
//     resent verbatim (or near-verbatim) without its signature.
//
// Lossy by construction: a miss means proceed without a signature, never an
// error (§9). No persistence; loss across restarts degrades gracefully.
//
// Grounded on the teacher's internal/cache signature cache (CacheSignature/
// GetCachedSignature), dropping its TTL and model-group bucketing in favor
// of the exact-model, no-expiry maps this spec calls for, and adding the
// byToolCallID map and text-normalization variants the teacher's cache
// never had.
type SignatureCache struct {
	mu           sync.Mutex
	byText       map[string]textEntry
	byToolCallID map[string]string
}

// NewSignatureCache constructs an empty cache.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		byText:       make(map[string]textEntry),
		byToolCallID: make(map[string]string),
	}
}

func signatureCacheKey(model, variant string) string {
	sum := sha256.Sum256([]byte(variant))
	return model + ":" + hex.EncodeToString(sum[:])
}

// normalizeText collapses runs of whitespace to a single space and strips
// the common markdown emphasis/heading markers, so "**Let me think**" and
// "Let me think" (or text that only differs in line wrapping) still hit the
// same cache entry.
func normalizeText(text string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range text {
		switch r {
		case '*', '_', '`', '#':
			continue
		case ' ', '\t', '\n', '\r':
			if !lastWasSpace {
				b.WriteByte(' ')
				lastWasSpace = true
			}
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// textVariants returns the raw, trimmed, and normalized forms of text,
// de-duplicated, in lookup priority order (§3 byText).
func textVariants(text string) []string {
	variants := []string{text}
	if trimmed := strings.TrimSpace(text); trimmed != text {
		variants = append(variants, trimmed)
	}
	if normalized := normalizeText(text); normalized != variants[len(variants)-1] {
		variants = append(variants, normalized)
	}
	return variants
}

// Put records signature as the last one seen for (model, text), under every
// normalized variant of text. A blank signature or text is a no-op: the
// cache never stores "no signature" as a fact.
func (c *SignatureCache) Put(model, text, signature string) {
	if signature == "" || text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, variant := range textVariants(text) {
		c.byText[signatureCacheKey(model, variant)] = textEntry{signature: signature, originalText: text}
	}
}

// Get returns the last signature cached for (model, text) — trying the raw
// text first, then its trimmed and whitespace/markdown-normalized forms —
// or "" on a miss across all variants.
func (c *SignatureCache) Get(model, text string) string {
	if text == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, variant := range textVariants(text) {
		if entry, ok := c.byText[signatureCacheKey(model, variant)]; ok {
			return entry.signature
		}
	}
	return ""
}

// PutByToolCallID records signature as the one associated with a tool_use
// block's id, so a later turn that echoes back only the tool_use (without
// its originating thinking block) can still have its signature reattached.
func (c *SignatureCache) PutByToolCallID(toolCallID, signature string) {
	if toolCallID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byToolCallID[toolCallID] = signature
}

// GetByToolCallID returns the signature cached for toolCallID, or "" on a miss.
func (c *SignatureCache) GetByToolCallID(toolCallID string) string {
	if toolCallID == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byToolCallID[toolCallID]
}
