package translator

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravity-proxy/gateway/internal/proxyerr"
)

const redactedThinkingPlaceholder = "[思考内容已隐藏]"

const defaultMaxOutputTokens = 64000
const defaultThinkingBudget = 1024

// defaultStopSequences is used whenever the client omits stop_sequences (§4.5).
var defaultStopSequences = []string{
	"<|user|>", "<|bot|>", "<|context_request|>", "<|endoftext|>", "<|end_of_turn|>",
}

// Options carries the parts of the upstream envelope that do not come from
// the client request itself (§4.5, §6).
type Options struct {
	Project        string
	RequestID      string
	UserAgent      string
	SessionID      string
	DefaultSystem  string
	SignatureCache *SignatureCache
}

// messageTurn is one client message after per-block mapping, before role merge.
type messageTurn struct {
	role               string
	parts              []Part
	thinkingSignatures []string // signatures of "thinking" blocks in this message, in order; "" for unsigned
}

// Translate converts a client-facing message-schema request into the
// upstream Gemini-CLI-style request (§4.5).
func Translate(req ClientRequest, opts Options) (*UpstreamRequest, error) {
	out := &UpstreamRequest{
		Project:   opts.Project,
		RequestID: opts.RequestID,
		Model:     req.Model,
		UserAgent: opts.UserAgent,
	}
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}

	sysContent, err := buildSystemInstruction(req.System, opts.DefaultSystem)
	if err != nil {
		return nil, err
	}
	out.Request.SystemInstruction = sysContent

	turns, err := mapMessages(req.Messages, req.Model, opts.SignatureCache)
	if err != nil {
		return nil, err
	}

	contents, signaturesPerContent := mergeTurns(turns)

	signatureCompatible := IsSignatureCompatible(req.Model)
	if signatureCompatible {
		applySignaturePlacement(contents, signaturesPerContent)
	}

	forcedDisable := forcedDisableOverride(turns, contents)

	claudeFamily := IsClaudeFamily(req.Model)
	enableThinking := ThinkingEnabledByDefault(req.Model) && !forcedDisable

	out.Request.Contents = contents
	out.Request.SessionID = opts.SessionID

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema := tool.InputSchema
			if len(schema) > 0 {
				cleaned := CleanJSONSchema(string(append([]byte(nil), schema...)))
				schema = json.RawMessage(cleaned)
			}
			decls = append(decls, FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			})
		}
		out.Request.Tools = []ToolDeclaration{{FunctionDeclarations: decls}}
		out.Request.ToolConfig = &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{Mode: "VALIDATED"}}
	}

	out.Request.GenerationConfig = buildGenerationConfig(req, claudeFamily, enableThinking)

	return out, nil
}

// buildSystemInstruction resolves the system prompt per §4.5: the client's
// system (string or array of text blocks) replaces the configured default
// when present; emitted as {role: "user", parts: [{text}...]}.
func buildSystemInstruction(raw json.RawMessage, defaultSystem string) (*Content, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		if defaultSystem == "" {
			return nil, nil
		}
		return &Content{Role: "user", Parts: []Part{{Text: defaultSystem}}}, nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, proxyerr.TranslationInput("system", "system must be a string or array of text blocks")
		}
		if s == "" {
			return nil, nil
		}
		return &Content{Role: "user", Parts: []Part{{Text: s}}}, nil
	case '[':
		var blocks []ClientBlock
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return nil, proxyerr.TranslationInput("system", "system array must contain text blocks")
		}
		parts := make([]Part, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, Part{Text: b.Text})
			}
		}
		if len(parts) == 0 {
			return nil, nil
		}
		return &Content{Role: "user", Parts: parts}, nil
	default:
		return nil, proxyerr.TranslationInput("system", "system must be a string or array of text blocks")
	}
}

// mapMessages maps every client message's content blocks into upstream
// parts, per-message, before role merge (§4.5 content block mapping table).
func mapMessages(messages []ClientMessage, model string, sigCache *SignatureCache) ([]messageTurn, error) {
	turns := make([]messageTurn, 0, len(messages))
	// functionCallNames tracks id -> name for every functionCall emitted so
	// far, so a later tool_result can resolve its name by back-scanning.
	functionCallNames := make(map[string]string)

	for _, msg := range messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}

		var blocks []ClientBlock
		trimmed := bytes.TrimSpace(msg.Content)
		if len(trimmed) == 0 {
			turns = append(turns, messageTurn{role: role})
			continue
		}
		if trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return nil, proxyerr.TranslationInput("messages.content", "content string is not valid JSON")
			}
			turns = append(turns, messageTurn{role: role, parts: []Part{{Text: s}}})
			continue
		}
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return nil, proxyerr.TranslationInput("messages.content", "content must be a string or array of blocks")
		}

		turn := messageTurn{role: role}
		// lastThinkingSignature carries a thinking block's signature forward
		// to the tool_use block that follows it, so the pairing can be
		// recorded in sigCache's byToolCallID map (§3).
		var lastThinkingSignature string
		for _, b := range blocks {
			part, signature, ok := mapBlock(b, model, sigCache, functionCallNames)
			if !ok {
				continue
			}
			turn.parts = append(turn.parts, part)
			switch {
			case b.Type == "thinking":
				turn.thinkingSignatures = append(turn.thinkingSignatures, signature)
				lastThinkingSignature = signature
			case b.Type == "tool_use" && part.FunctionCall != nil:
				functionCallNames[part.FunctionCall.ID] = part.FunctionCall.Name
				if sigCache != nil && lastThinkingSignature != "" {
					sigCache.PutByToolCallID(part.FunctionCall.ID, lastThinkingSignature)
				} else if signature != "" {
					// No thinking block preceded this tool_use in the
					// current request; the signature came from a prior
					// byToolCallID hit and still needs placing (§4.5).
					turn.thinkingSignatures = append(turn.thinkingSignatures, signature)
				}
				lastThinkingSignature = ""
			default:
				lastThinkingSignature = ""
			}
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// mapBlock maps one client content block to its upstream part, per the
// mapping table in §4.5. ok=false means the block is dropped (e.g. an
// image with a URL source, unsupported).
//
// A "thinking" block whose client-supplied signature is missing is
// backfilled from sigCache's byText map by (model, thinking text) before
// falling back to unsigned (§9 design note: a cache miss means proceed
// without a signature, never an error). A present signature is recorded for
// later retransmissions of the same text. A "tool_use" block is backfilled
// from sigCache's byToolCallID map by its id, for when the thinking block
// that originally produced its signature isn't present in this request.
func mapBlock(b ClientBlock, model string, sigCache *SignatureCache, functionCallNames map[string]string) (part Part, signature string, ok bool) {
	switch b.Type {
	case "text":
		return Part{Text: b.Text}, "", true

	case "image":
		if b.Source == nil || b.Source.Type != "base64" {
			return Part{}, "", false
		}
		return Part{InlineData: &InlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}}, "", true

	case "thinking":
		sig := b.Signature
		if sigCache != nil {
			if sig != "" {
				sigCache.Put(model, b.Thinking, sig)
			} else {
				sig = sigCache.Get(model, b.Thinking)
			}
		}
		return Part{Text: b.Thinking, Thought: true}, sig, true

	case "redacted_thinking":
		return Part{Text: redactedThinkingPlaceholder, Thought: true}, "", true

	case "tool_use":
		var sig string
		if sigCache != nil {
			sig = sigCache.GetByToolCallID(b.ID)
		}
		return Part{FunctionCall: &FunctionCall{ID: b.ID, Name: b.Name, Args: b.Input}}, sig, true

	case "tool_result":
		name := functionCallNames[b.ToolUseID]
		response := stringifyToolResultContent(b.Content)
		field := "result"
		if b.IsError {
			field = "error"
		}
		respJSON, _ := json.Marshal(map[string]string{field: response})
		return Part{FunctionResponse: &FunctionResponse{ID: b.ToolUseID, Name: name, Response: respJSON}}, "", true

	default:
		return Part{}, "", false
	}
}

// stringifyToolResultContent renders a tool_result's content (string, array
// of typed text fragments, or object) down to a plain string (§4.5).
func stringifyToolResultContent(content json.RawMessage) string {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	if trimmed[0] == '[' {
		var blocks []ClientBlock
		if err := json.Unmarshal(trimmed, &blocks); err == nil {
			var sb strings.Builder
			for _, b := range blocks {
				if b.Type == "text" {
					sb.WriteString(b.Text)
				}
			}
			return sb.String()
		}
	}
	return string(trimmed)
}

// mergeTurns concatenates consecutive same-role messages' parts into one
// Content, in order (§4.5 role mapping: "consecutive same-role messages are
// concatenated"). Turns with no parts are skipped. The returned slice
// parallels contents, carrying each content's constituent thinking
// signatures in message order, for use by applySignaturePlacement.
func mergeTurns(turns []messageTurn) ([]Content, [][]string) {
	var contents []Content
	var signatures [][]string
	for _, t := range turns {
		if len(t.parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == t.role {
			contents[n-1].Parts = append(contents[n-1].Parts, t.parts...)
			signatures[n-1] = append(signatures[n-1], t.thinkingSignatures...)
			continue
		}
		contents = append(contents, Content{Role: t.role, Parts: append([]Part{}, t.parts...)})
		signatures = append(signatures, append([]string{}, t.thinkingSignatures...))
	}
	return contents, signatures
}

// applySignaturePlacement attaches, per merged assistant ("model") turn,
// the first non-empty thinking signature found among that turn's
// underlying client messages to exactly one produced part, following the
// strict priority order of §4.5.
func applySignaturePlacement(contents []Content, signaturesPerContent [][]string) {
	for i := range contents {
		if contents[i].Role != "model" {
			continue
		}
		var signature string
		for _, sig := range signaturesPerContent[i] {
			if sig != "" {
				signature = sig
				break
			}
		}
		if signature == "" {
			continue
		}
		attachSignature(contents[i].Parts, signature)
	}
}

// attachSignature sets ThoughtSignature on exactly one part, per priority:
// first functionCall part, else last non-thought text part, else last
// thought part (§4.5).
func attachSignature(parts []Part, signature string) {
	for i := range parts {
		if parts[i].FunctionCall != nil {
			parts[i].ThoughtSignature = signature
			return
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if !parts[i].Thought && parts[i].Text != "" {
			parts[i].ThoughtSignature = signature
			return
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].Thought {
			parts[i].ThoughtSignature = signature
			return
		}
	}
}

// forcedDisableOverride implements the §4.5 "forced disable override": any
// historical assistant thinking block lacking a signature forces thinking
// off for this call; otherwise a last assistant turn with no thought parts
// forces it off; otherwise a last assistant turn whose thought parts are
// not first gets reordered so thoughts precede non-thoughts, and thinking
// stays enabled.
func forcedDisableOverride(turns []messageTurn, contents []Content) bool {
	for _, t := range turns {
		for _, sig := range t.thinkingSignatures {
			if sig == "" {
				return true
			}
		}
	}

	lastModel := -1
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role == "model" {
			lastModel = i
			break
		}
	}
	if lastModel == -1 {
		return false
	}

	parts := contents[lastModel].Parts
	thoughtCount := 0
	for _, p := range parts {
		if p.Thought {
			thoughtCount++
		}
	}
	if thoughtCount == 0 {
		return true
	}
	if !parts[0].Thought {
		contents[lastModel].Parts = reorderThoughtsFirst(parts)
	}
	return false
}

// reorderThoughtsFirst stable-partitions parts so every thought part
// precedes every non-thought part, preserving relative order within each group.
func reorderThoughtsFirst(parts []Part) []Part {
	reordered := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.Thought {
			reordered = append(reordered, p)
		}
	}
	for _, p := range parts {
		if !p.Thought {
			reordered = append(reordered, p)
		}
	}
	return reordered
}

// buildGenerationConfig assembles the upstream generationConfig (§4.5).
func buildGenerationConfig(req ClientRequest, claudeFamily, enableThinking bool) GenerationConfig {
	cfg := GenerationConfig{
		TopK:           req.TopK,
		Temperature:    req.Temperature,
		CandidateCount: 1,
	}

	if !(claudeFamily && enableThinking) {
		cfg.TopP = req.TopP
	}

	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		cfg.MaxOutputTokens = *req.MaxTokens
	} else {
		cfg.MaxOutputTokens = defaultMaxOutputTokens
	}

	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	} else {
		cfg.StopSequences = append([]string{}, defaultStopSequences...)
	}

	if enableThinking {
		cfg.ThinkingConfig = &ThinkingGenConfig{IncludeThoughts: true, ThinkingBudget: defaultThinkingBudget}
	} else {
		cfg.ThinkingConfig = &ThinkingGenConfig{IncludeThoughts: false, ThinkingBudget: 0}
	}

	return cfg
}
