// Package events defines the wire types exchanged between the agent
// stream, the event bus and the runtime translator.
//
// Agent payloads arrive loosely typed; Decode maps them onto a closed
// set of tagged variants at the ingestion boundary so that downstream
// code never does ad-hoc field access. Unknown event types are dropped.
package events

import (
	"encoding/json"
	"time"
)

// Bus envelope types.
const (
	TypeAgentEvent  = "agent.event"
	TypeStreamError = "stream.error"
	TypeStreamState = "stream.state"
)

// Envelope is the unit carried by the event bus.
type Envelope struct {
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Data          any       `json:"data"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(typ string, data any) Envelope {
	return Envelope{Type: typ, Timestamp: time.Now(), Data: data}
}

// StreamFrame is the global-feed wrapper around each logical agent event:
// the agent exposes one feed for all directories and tags every payload
// with the working directory it belongs to.
type StreamFrame struct {
	Directory string          `json:"directory"`
	Payload   json.RawMessage `json:"payload"`
}

// StreamEvent is the bus payload for a decoded agent event.
type StreamEvent struct {
	Directory string
	Event     AgentEvent
}

// StreamError is the bus payload for a stream connection failure.
type StreamError struct {
	Directory string
	Err       string
}

// AgentEvent is implemented by every decoded agent event variant.
type AgentEvent interface {
	EventKind() string
	Session() string
}

// Tool lifecycle states.
const (
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// ToolStateEvent reports a tool call transition (typically a shell
// command) within a session.
type ToolStateEvent struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
	Status    string `json:"status"`
	Command   string `json:"command"`
	Output    string `json:"output,omitempty"`
}

func (e *ToolStateEvent) EventKind() string { return "tool" }
func (e *ToolStateEvent) Session() string   { return e.SessionID }

// Terminal reports whether the tool call reached a final state.
func (e *ToolStateEvent) Terminal() bool {
	return e.Status == ToolCompleted || e.Status == ToolError
}

// File change kinds.
const (
	FileCreated = "created"
	FileEdited  = "edited"
	FileDeleted = "deleted"
)

// FileChangeEvent is the normalized shape for the differently-structured
// create/edit/delete payloads the agent emits.
type FileChangeEvent struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Diff      string `json:"diff,omitempty"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
}

func (e *FileChangeEvent) EventKind() string { return "file" }
func (e *FileChangeEvent) Session() string   { return e.SessionID }

// TextPartEvent carries a streamed assistant text part.
type TextPartEvent struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

func (e *TextPartEvent) EventKind() string { return "text" }
func (e *TextPartEvent) Session() string   { return e.SessionID }

// ReasoningEvent carries a streamed reasoning part.
type ReasoningEvent struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

func (e *ReasoningEvent) EventKind() string { return "reasoning" }
func (e *ReasoningEvent) Session() string   { return e.SessionID }

// IdleEvent signals that a session went idle.
type IdleEvent struct {
	SessionID string `json:"session_id"`
}

func (e *IdleEvent) EventKind() string { return "idle" }
func (e *IdleEvent) Session() string   { return e.SessionID }

// QuestionEvent is an agent question awaiting an operator answer.
type QuestionEvent struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Options   []string `json:"options"`
}

func (e *QuestionEvent) EventKind() string { return "question" }
func (e *QuestionEvent) Session() string   { return e.SessionID }

// PermissionEvent is a tool-permission prompt awaiting an operator
// decision. Options default to allow/deny when the agent sends none.
type PermissionEvent struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Tool      string   `json:"tool"`
	Title     string   `json:"title"`
	Options   []string `json:"options"`
}

func (e *PermissionEvent) EventKind() string { return "permission" }
func (e *PermissionEvent) Session() string   { return e.SessionID }

// SessionEvent reports session lifecycle transitions and carries the
// usage numbers rendered into reply footers.
type SessionEvent struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	Model          string `json:"model,omitempty"`
	TokensUsed     int    `json:"tokens_used,omitempty"`
	ContextPercent int    `json:"context_percent,omitempty"`
	Effort         string `json:"effort,omitempty"`
	Agent          string `json:"agent,omitempty"`
}

func (e *SessionEvent) EventKind() string { return "session" }
func (e *SessionEvent) Session() string   { return e.SessionID }
