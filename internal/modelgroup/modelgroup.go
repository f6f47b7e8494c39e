// Package modelgroup holds the static partition of upstream model names
// into quota-sharing equivalence classes (§3 "Model Group").
//
// The table is a configuration constant of the deployment, grounded on the
// quota-group concept in the teacher's
// internal/runtime/executor/antigravity_quota.go (registry.GetAntigravityQuotaGroupID):
// models that genuinely share one underlying daily allotment are collapsed
// into one group so a true exhaustion cooldowns the whole group at once
// instead of leaving siblings looking falsely available.
package modelgroup

// Group names. "Gemini其他" ("Gemini, other") mirrors the literal group name
// used in the spec's testable-properties scenario 3.
const (
	GeminiPro   = "gemini-pro"
	GeminiOther = "Gemini其他"
	GeminiFlash = "gemini-flash"
	ClaudeGroup = "claude-on-antigravity"
)

var table = map[string][]string{
	GeminiPro: {
		"gemini-3-pro-preview",
		"gemini-3-pro-high",
	},
	GeminiOther: {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
	},
	GeminiFlash: {
		"gemini-3-flash-preview",
	},
	ClaudeGroup: {
		"claude-sonnet-4-5",
		"claude-opus-4-5",
		"claude-haiku-4-5",
	},
}

var memberToGroup = buildIndex()

func buildIndex() map[string]string {
	idx := make(map[string]string)
	for group, members := range table {
		for _, m := range members {
			idx[m] = group
		}
	}
	return idx
}

// Lookup returns the group a model belongs to and its sibling members
// (including the model itself), or ok=false if the model is not part of
// any shared-quota group.
func Lookup(model string) (group string, members []string, ok bool) {
	g, found := memberToGroup[model]
	if !found {
		return "", nil, false
	}
	return g, table[g], true
}

// Members returns the model names belonging to a named group.
func Members(group string) []string {
	return append([]string(nil), table[group]...)
}
