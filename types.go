package minitime

import "encoding/json"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleSystem is only used transiently to prepend instructions.
	// System messages are never persisted to a checkpoint.
	RoleSystem Role = "system"
)

// PartKind identifies the kind of a multimodal content part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartFile  PartKind = "file"
	PartAudio PartKind = "audio"
)

// Part is a single piece of multipart message content.
// Exactly one payload group is set, selected by Kind.
type Part struct {
	Kind PartKind `json:"kind"`
	// Text carries the text for PartText, and the parsed text
	// (e.g. extracted PDF body) for PartFile.
	Text string `json:"text,omitempty"`
	// DataURI carries the inline image for PartImage.
	DataURI string `json:"data_uri,omitempty"`
	// Name is the original filename for PartFile.
	Name string `json:"name,omitempty"`
	// Data carries raw bytes for PartFile and PartAudio.
	Data []byte `json:"data,omitempty"`
	// Format is the audio format for PartAudio (e.g. "mp3", "wav").
	Format string `json:"format,omitempty"`
}

// Content is message content: either plain text or a list of parts.
// Parts == nil means the plain form; a non-nil Parts slice means the
// multipart form and Text is ignored.
type Content struct {
	Text  string `json:"text,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Plain returns plain-text content.
func Plain(text string) Content { return Content{Text: text} }

// Multipart returns multipart content.
func Multipart(parts ...Part) Content { return Content{Parts: parts} }

// IsMultipart reports whether c is in the multipart form.
func (c Content) IsMultipart() bool { return c.Parts != nil }

// Placeholders substituted for binary parts when older history is
// compacted before resubmission to the model.
const (
	placeholderImage = "[user uploaded image]"
	placeholderAudio = "[user uploaded audio]"
)

// PlainText is the canonical text extraction used by session listing
// and old-message stripping. Plain content returns Text verbatim;
// multipart content joins text parts and substitutes placeholders for
// binary parts.
func (c Content) PlainText() string {
	if !c.IsMultipart() {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if out != "" {
			out += "\n"
		}
		switch p.Kind {
		case PartText:
			out += p.Text
		case PartImage:
			out += placeholderImage
		case PartAudio:
			out += placeholderAudio
		case PartFile:
			out += "[user uploaded file: " + p.Name + "]"
		}
	}
	return out
}

// PrependText returns content with text prefixed. For multipart content
// a new text part is inserted at the front; for plain content the text
// is concatenated.
func (c Content) PrependText(text string) Content {
	if c.IsMultipart() {
		parts := make([]Part, 0, len(c.Parts)+1)
		parts = append(parts, Part{Kind: PartText, Text: text})
		parts = append(parts, c.Parts...)
		return Content{Parts: parts}
	}
	return Content{Text: text + c.Text}
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Message is one entry in a conversation thread.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID binds a tool-result message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: Plain(text)}
}

// SystemMessage builds a transient system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: Plain(text)}
}

// AssistantMessage builds a plain-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: Plain(text)}
}

// ToolResultMessage builds a tool-result message bound to callID.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: Plain(content), ToolCallID: callID}
}

// ToolDefinition describes one tool advertised to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Usage tracks token consumption for one or more model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatRequest is a single model-gateway call.
type ChatRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// ChatResponse is the model's reply: final text, zero or more tool-call
// requests, and token usage.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// --- Streaming ---

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventDone signals the turn has completed.
	EventDone StreamEventType = "done"
)

// StreamEvent is a typed event emitted while a turn is streaming.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Name    string          `json:"name,omitempty"`
	Content string          `json:"content,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}
