// Package translator implements C5, the Request Translator: converts the
// client-facing message-schema request into the upstream Gemini-CLI-style
// request (§4.5).
//
// Grounded on the teacher's internal/translator/antigravity/claude/antigravity_claude_request.go
// (content-block-by-block gjson/sjson construction of contents/systemInstruction/tools)
// and internal/util/gemini_schema.go (path-based schema cleaning with
// tidwall/gjson + tidwall/sjson), both adapted to this spec's exact,
// narrower transformation rules rather than the teacher's broader
// multi-client compatibility rules.
package translator

import "encoding/json"

// ClientRequest is the client-facing message-schema request (§4.5).
type ClientRequest struct {
	Model         string          `json:"model"`
	Messages      []ClientMessage `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []ClientTool    `json:"tools,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Thinking      *ThinkingInput  `json:"thinking,omitempty"`
}

// ThinkingInput is the client's Anthropic-style thinking directive.
type ThinkingInput struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ClientMessage is one turn in the client-facing schema.
type ClientMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ClientBlock is the union of every client content-block shape this
// translator understands (§4.5 content block mapping table).
type ClientBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource is an image content block's source (§4.5).
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ClientTool is a tool declaration in the client-facing schema.
type ClientTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// UpstreamRequest is the Gemini-CLI-style request this translator produces (§4.5, §6).
type UpstreamRequest struct {
	Project   string        `json:"project,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	Model     string        `json:"model"`
	UserAgent string        `json:"userAgent,omitempty"`
	Request   InnerRequest  `json:"request"`
}

// InnerRequest is the upstream request's nested `request` object.
type InnerRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  GenerationConfig  `json:"generationConfig"`
	SessionID         string            `json:"sessionId,omitempty"`
}

// Content is one upstream turn.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is the union of every upstream content-part shape this translator emits.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// InlineData is a base64 image part.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a tool invocation part.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse is a tool result part.
type FunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// ToolDeclaration wraps a tool's cleaned schema for upstream emission.
type ToolDeclaration struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration is one tool's upstream declaration.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolConfig carries the function-calling mode (§4.5 "VALIDATED" on any tools present).
type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

// FunctionCallingConfig selects the upstream tool-calling mode.
type FunctionCallingConfig struct {
	Mode string `json:"mode"`
}

// GenerationConfig is the upstream generation-parameter block (§4.5).
type GenerationConfig struct {
	TopP            *float64          `json:"topP,omitempty"`
	TopK            *int              `json:"topK,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	CandidateCount  int               `json:"candidateCount"`
	MaxOutputTokens int               `json:"maxOutputTokens"`
	StopSequences   []string          `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingGenConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingGenConfig is the upstream thinking directive (§4.5).
type ThinkingGenConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget"`
}
