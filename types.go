package cell

import (
	"encoding/json"
	"time"
)

// Message roles. These match the wire-level roles of OpenAI-style chat APIs.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// --- Domain types (database records) ---

// Chat is a long-lived conversation scope identified by (user, key).
// It is created on first reference and never deleted by the engine.
type Chat struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Key       string `json:"key"`
	CreatedAt int64  `json:"created_at"`
}

// Dialog is one episode of a chat: an ordered run of messages. A new dialog
// opens when a user message arrives while the open dialog's latest message
// is from the assistant. Dialogs are append-only.
type Dialog struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	CreatedAt int64  `json:"created_at"`
}

// Message is a single persisted conversation turn. Immutable once stored.
type Message struct {
	ID        string `json:"id"`
	DialogID  string `json:"dialog_id"`
	ChatID    string `json:"chat_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// MemoryRecord is one vector-index entry: a single retrieval section of a
// message's content plus its embedding. Records are written only after the
// owning message is durably persisted, so MessageID always resolves.
type MemoryRecord struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	DialogID  string    `json:"dialog_id"`
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Section   int       `json:"section"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// ScoredRecord is a MemoryRecord returned from vector search with its
// similarity score in [0, 1].
type ScoredRecord struct {
	MemoryRecord
	Score float32 `json:"score"`
}

// --- LLM protocol types ---

// ChatMessage is one turn in an LLM request. Name optionally tags the
// initiating identity on user turns.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Completion is the result of a single LLM invocation.
type Completion struct {
	Text         string  `json:"text"`
	Reasoning    string  `json:"reasoning,omitempty"`
	PromptTokens int     `json:"prompt_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Usage aggregates token usage and cost across LLM calls.
type Usage struct {
	PromptTokens int     `json:"prompt_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add accumulates a completion's usage into u.
func (u *Usage) Add(c Completion) {
	u.PromptTokens += c.PromptTokens
	u.OutputTokens += c.OutputTokens
	u.Cost += c.Cost
}

// --- Sensory types ---

// Package is one raw inbound transport package. Message is either a scalar,
// a JSON object, or an id resolvable through the channel's token grammar.
type Package struct {
	Time    time.Time       `json:"time"`
	Sender  string          `json:"sender"`
	Message json.RawMessage `json:"message"`
}

// SensoryEvent is one normalized inbound message plus its transport envelope.
// Data holds the flattened, filtered payload.
type SensoryEvent struct {
	Sensor string         `json:"sensor"`
	Sender string         `json:"sender"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data"`
}

// Field returns the string value of a payload field, or "" when the field
// is absent or not textual.
func (e SensoryEvent) Field(name string) string {
	if v, ok := e.Data[name].(string); ok {
		return v
	}
	return ""
}

// ReplyEnvelope is the outbound reply published by SensorGateway.Send.
type ReplyEnvelope struct {
	Self     string         `json:"self"`
	User     string         `json:"user"`
	Sensor   string         `json:"sensor"`
	Sender   string         `json:"sender"`
	Message  map[string]any `json:"message"`
	Response ResponseExport `json:"response"`
	Time     time.Time      `json:"time"`
	Memory   []ChatMessage  `json:"memory,omitempty"`
}

// ErrorEnvelope is published to error:<channel> when decoding an inbound
// package fails.
type ErrorEnvelope struct {
	Time      time.Time      `json:"time"`
	Self      string         `json:"self"`
	User      string         `json:"user"`
	Sensor    string         `json:"sensor"`
	Sender    string         `json:"sender"`
	Message   any            `json:"message"`
	Error     string         `json:"error"`
	Traceback string         `json:"traceback"`
	Info      map[string]any `json:"info,omitempty"`
}

// --- Parsed output blocks ---

// BlockKind discriminates the ParsedBlock variants.
type BlockKind int

const (
	// BlockToolCall is a block with a non-empty "tool" key whose parameters
	// satisfy the tool's declared schema.
	BlockToolCall BlockKind = iota
	// BlockReference is a {location, type[, library]} object pointing at an
	// external file or web resource.
	BlockReference
	// BlockData is any other well-formed object, kept under its identifier.
	BlockData
)

// ToolCall is a request to execute a named tool with parameters.
type ToolCall struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// Reference points at an external resource named in model output.
// Type is "file" or "web"; Library is set only for file references.
type Reference struct {
	Location string `json:"location"`
	Type     string `json:"type"`
	Library  string `json:"library,omitempty"`
}

// ParsedBlock is a tagged variant over the machine-actionable blocks
// extracted from one fenced code block of model output. Exactly one of
// ToolCall, Ref, Data is set according to Kind.
type ParsedBlock struct {
	Kind     BlockKind
	ID       string // identifier suffix after the language tag, "" if untagged
	ToolCall *ToolCall
	Ref      *Reference
	Data     any
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

func ToolMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: text}
}
