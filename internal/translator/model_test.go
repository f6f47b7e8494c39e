package translator

import "testing"

func TestThinkingEnabledByDefault(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"gemini-3-pro-thinking", true},
		{"gemini-3-pro-preview", true},
		{"gemini-3-pro-high", true},
		{"gemini-2.5-flash", false},
		{"claude-sonnet-4-5", true},
		{"claude-haiku-4-5", true},
		{"gpt-4o", false},
	}
	for _, c := range cases {
		if got := ThinkingEnabledByDefault(c.model); got != c.want {
			t.Errorf("ThinkingEnabledByDefault(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestIsClaudeFamily(t *testing.T) {
	if !IsClaudeFamily("claude-sonnet-4-5-thinking") {
		t.Error("expected claude-sonnet-4-5-thinking to be Claude family")
	}
	if IsClaudeFamily("gemini-3-pro-preview") {
		t.Error("expected gemini-3-pro-preview to not be Claude family")
	}
}

func TestIsSignatureCompatible(t *testing.T) {
	if !IsSignatureCompatible("gemini-3-pro-preview") {
		t.Error("expected gemini-3-pro-preview to be signature compatible")
	}
	if IsSignatureCompatible("gemini-2.5-pro") {
		t.Error("expected gemini-2.5-pro to not be signature compatible")
	}
	if IsSignatureCompatible("claude-sonnet-4-5") {
		t.Error("expected claude-sonnet-4-5 to not be signature compatible")
	}
}
