package translator

import (
	"strings"

	"github.com/antigravity-proxy/gateway/internal/modelgroup"
)

// reasoningModels is the enumerated set of models treated as
// reasoning-capable independent of name suffix (§4.5 thinking enablement).
// The "pro" group is the deployment's reasoning-capable family.
var reasoningModels = buildReasoningModelSet()

func buildReasoningModelSet() map[string]bool {
	set := make(map[string]bool)
	for _, m := range modelgroup.Members(modelgroup.GeminiPro) {
		set[m] = true
	}
	return set
}

// ThinkingEnabledByDefault reports whether model's family defaults to
// thinking enabled: a "-thinking" suffix, membership in the enumerated
// reasoning set, or any Claude-family model (§4.5).
//
// Grounded on the teacher's internal/util/claude_model.go IsClaudeThinkingModel,
// generalized from "Claude AND thinking-suffixed" to this spec's broader
// "Claude-family models default to thinking enabled" rule.
func ThinkingEnabledByDefault(model string) bool {
	lower := strings.ToLower(model)
	if strings.HasSuffix(lower, "-thinking") {
		return true
	}
	if reasoningModels[model] {
		return true
	}
	return strings.Contains(lower, "claude")
}

// IsClaudeFamily reports whether model targets the Claude family (§4.5
// generation config: topP removed for Claude when thinking is enabled).
func IsClaudeFamily(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// signatureCompatibleMarker is the model-name substring identifying the
// reasoning-capable family eligible for thought-signature placement (§4.5).
const signatureCompatibleMarker = "gemini-3"

// IsSignatureCompatible reports whether model accepts a thoughtSignature part.
func IsSignatureCompatible(model string) bool {
	return strings.Contains(model, signatureCompatibleMarker)
}
