package session

import (
	"errors"
	"time"
)

// State is the controller's lifecycle phase. Exactly one run can be in
// flight per conversation; every phase except StateIdle rejects new
// sends.
type State string

const (
	// StateIdle means no run is in flight.
	StateIdle State = "idle"

	// StateAwaitingRunID means a run was requested but its id has not
	// arrived yet. Events are buffered until the run-start binds it.
	StateAwaitingRunID State = "awaiting-run-id"

	// StateStreaming means the run id is bound and chunks are flowing.
	StateStreaming State = "streaming"

	// StateFinalizing means a terminal signal arrived and the final
	// flush/persist is in progress.
	StateFinalizing State = "finalizing"

	// StateCancelling means the user asked to stop and the controller
	// is waiting for the backend to confirm, bounded by CancelGrace.
	StateCancelling State = "cancelling"
)

const (
	// RunTimeout force-finalizes a run that produced no terminal signal.
	RunTimeout = 60 * time.Second

	// FlushDelay batches incoming deltas so the visible transcript
	// updates about twenty times a second instead of per token.
	FlushDelay = 50 * time.Millisecond

	// CancelGrace bounds how long a cancel waits for the backend's
	// confirmation before forcing the controller back to idle.
	CancelGrace = 2 * time.Second
)

var (
	// ErrRunActive is returned when a send arrives while a run is in
	// flight. Requests are rejected, never queued.
	ErrRunActive = errors.New("a generation run is already active for this conversation")

	// ErrNoModel is returned when a send arrives with no model selected.
	ErrNoModel = errors.New("no model selected")

	// ErrMessageNotFound is returned by EditAndRegenerate for an id
	// that is not in the conversation.
	ErrMessageNotFound = errors.New("message not found")
)

// ToolStatus tracks a tool invocation's visible lifecycle.
type ToolStatus string

const (
	ToolCalling ToolStatus = "calling"
	ToolDone    ToolStatus = "done"
)

// ToolInvocation is the transcript's view of one tool call: announced
// as calling, flipped to done when content resumes after it or at
// finalization.
type ToolInvocation struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Args   map[string]interface{} `json:"args,omitempty"`
	Status ToolStatus             `json:"status"`
}

// Message is one entry of the visible transcript. RecordID links it to
// its persisted row once it has been written; the empty string means
// the message only exists in memory.
type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ToolInvocation `json:"tool_calls,omitempty"`
	Streaming bool             `json:"streaming,omitempty"`
	Error     bool             `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`

	RecordID    string    `json:"-"`
	PersistedAt time.Time `json:"-"`
}

// Conversation is the controller's view of one chat: identity,
// generation settings and the ordered transcript. ID is the persisted
// chat id; it may be empty for a conversation that was never saved.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
}
