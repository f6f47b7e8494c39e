package translator

import "testing"

func TestSignatureCacheStoresAndRetrieves(t *testing.T) {
	c := NewSignatureCache()
	c.Put("gemini-3-pro-preview", "some thinking text", "sig-1")

	if got := c.Get("gemini-3-pro-preview", "some thinking text"); got != "sig-1" {
		t.Errorf("expected cached signature, got %q", got)
	}
}

func TestSignatureCacheMissReturnsEmpty(t *testing.T) {
	c := NewSignatureCache()
	if got := c.Get("gemini-3-pro-preview", "never stored"); got != "" {
		t.Errorf("expected empty string on miss, got %q", got)
	}
}

func TestSignatureCacheIsolatesByModel(t *testing.T) {
	c := NewSignatureCache()
	c.Put("gemini-3-pro-preview", "text", "sig-gemini")
	c.Put("claude-sonnet-4-5", "text", "sig-claude")

	if got := c.Get("gemini-3-pro-preview", "text"); got != "sig-gemini" {
		t.Errorf("gemini signature mismatch: got %q", got)
	}
	if got := c.Get("claude-sonnet-4-5", "text"); got != "sig-claude" {
		t.Errorf("claude signature mismatch: got %q", got)
	}
}

func TestSignatureCacheIgnoresEmptyInputs(t *testing.T) {
	c := NewSignatureCache()
	c.Put("model", "", "sig")
	c.Put("model", "text", "")

	if got := c.Get("model", ""); got != "" {
		t.Errorf("expected empty text to never be cached, got %q", got)
	}
	if got := c.Get("model", "text"); got != "" {
		t.Errorf("expected empty signature to never be cached, got %q", got)
	}
}

func TestSignatureCacheMatchesTrimmedVariant(t *testing.T) {
	c := NewSignatureCache()
	c.Put("model", "  some thinking text  ", "sig-1")

	if got := c.Get("model", "some thinking text"); got != "sig-1" {
		t.Errorf("expected trimmed variant to hit, got %q", got)
	}
}

func TestSignatureCacheMatchesWhitespaceAndMarkdownNormalizedVariant(t *testing.T) {
	c := NewSignatureCache()
	c.Put("model", "Let me think\nabout this", "sig-1")

	if got := c.Get("model", "**Let me think** about   this"); got != "sig-1" {
		t.Errorf("expected normalized variant to hit, got %q", got)
	}
}

func TestSignatureCacheByToolCallIDStoresAndRetrieves(t *testing.T) {
	c := NewSignatureCache()
	c.PutByToolCallID("call-1", "sig-1")

	if got := c.GetByToolCallID("call-1"); got != "sig-1" {
		t.Errorf("expected cached signature, got %q", got)
	}
	if got := c.GetByToolCallID("call-2"); got != "" {
		t.Errorf("expected empty string on miss, got %q", got)
	}
}

func TestSignatureCacheByToolCallIDIgnoresEmptyInputs(t *testing.T) {
	c := NewSignatureCache()
	c.PutByToolCallID("", "sig")
	c.PutByToolCallID("call-1", "")

	if got := c.GetByToolCallID("call-1"); got != "" {
		t.Errorf("expected empty signature to never be cached, got %q", got)
	}
}
