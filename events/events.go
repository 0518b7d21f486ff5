package events

// Type names the fixed event vocabulary a run emits. The values match
// the channel names the desktop frontend listens on.
type Type string

const (
	// TypeRunStart establishes the run id for a turn; every later
	// event for the turn carries the same id.
	TypeRunStart Type = "chat:stream-start"
	// TypeChunk carries an incremental text delta. Done flags the
	// last delta of the stream.
	TypeChunk Type = "chat:chunk"
	// TypeToolStart announces that the backend is about to invoke a
	// tool on the model's behalf.
	TypeToolStart Type = "chat:tool-start"
	// TypeComplete is the terminal success signal.
	TypeComplete Type = "chat:complete"
	// TypeError is the terminal failure signal; partial content that
	// already streamed stays valid.
	TypeError Type = "chat:error"
	// TypeCancelled is the terminal cancellation acknowledgment.
	TypeCancelled Type = "chat:cancelled"

	// TypeSystemMetrics carries a monitoring sample; it is not part
	// of any run and has an empty RunID.
	TypeSystemMetrics Type = "monitoring:system-metrics"
)

// Event is one occurrence on the bus. Only the fields relevant to the
// event's Type are populated.
type Event struct {
	Type  Type   `json:"type"`
	RunID string `json:"run_id,omitempty"`

	// MessageID is set on TypeRunStart only: it echoes the caller's
	// correlation token so the listener that issued the request can
	// bind the late-assigned run id to its pending turn.
	MessageID string `json:"message_id,omitempty"`

	// TypeChunk
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`

	// TypeToolStart
	ToolID   string                 `json:"tool_id,omitempty"`
	ToolName string                 `json:"tool,omitempty"`
	ToolArgs map[string]interface{} `json:"args,omitempty"`

	// TypeError
	Err string `json:"error,omitempty"`

	// TypeSystemMetrics and future out-of-band payloads.
	Payload interface{} `json:"payload,omitempty"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeComplete, TypeError, TypeCancelled:
		return true
	case TypeChunk:
		return e.Done
	}
	return false
}
