// Package tokenizer implements C7, the Token Estimator, plus the per-project
// usage ledger consulted by C4's hourly-limit check (§4.7).
//
// Grounded on the teacher's token accounting in
// internal/runtime/executor/antigravity_usage.go (its plain-text rendering
// of message content for length-based estimation) and on wisbric-nightowl's
// internal/auth/ratelimit.go for the Redis-backed counting idiom adapted
// into ledger_redis.go.
package tokenizer

import "math"

// Estimate implements estimate(text) = max(1, ceil(length(text)/4)) (§4.7).
func Estimate(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 1
	}
	est := int(math.Ceil(float64(n) / 4.0))
	if est < 1 {
		return 1
	}
	return est
}

// InvokeBlock renders a tool call the way it is concatenated into the
// estimation text: `<invoke name="N">{json}</invoke>`.
func InvokeBlock(name, argumentsJSON string) string {
	return "<invoke name=\"" + name + "\">" + argumentsJSON + "</invoke>"
}

// ToolResultBlock renders a tool result the way it is concatenated into the
// estimation text: `<tool_result id="I">content</tool_result>`.
func ToolResultBlock(id, content string) string {
	return "<tool_result id=\"" + id + "\">" + content + "</tool_result>"
}

// Usage is the accounting result exposed to clients, with token_count and
// tokens as equal aliases of input_tokens (§4.7).
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	TokenCount   int `json:"token_count"`
	Tokens       int `json:"tokens"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// NewUsage builds a Usage with the three input aliases kept in sync.
func NewUsage(inputTokens, outputTokens int) Usage {
	return Usage{
		InputTokens:  inputTokens,
		TokenCount:   inputTokens,
		Tokens:       inputTokens,
		OutputTokens: outputTokens,
	}
}
