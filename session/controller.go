package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ollie-app/ollie/events"
	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/stores"
)

// outcome is how a run ended. It decides persistence and whether the
// title synthesizer gets a look.
type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeErrored   outcome = "errored"
	outcomeCancelled outcome = "cancelled"
	outcomeTimedOut  outcome = "timed-out"
)

// runContext is the per-run bookkeeping: the subscription feeding the
// consumer goroutine, the pending-event buffer used before the run id
// binds, the unflushed delta accumulator and the two latches that make
// finalization and persistence happen at most once.
type runContext struct {
	messageID   string // correlation token, also the placeholder's id
	assistantID string // transcript id of the streaming placeholder
	runID       string // empty until the run-start event binds it
	isTitleRun  bool

	sub    *events.Subscription
	cancel func()

	pending []events.Event  // events that arrived before the run id bound
	buf     strings.Builder // deltas accumulated since the last flush
	flush   *time.Timer     // pending flush, nil when nothing is buffered

	finalized bool
	persisted bool
	errText   string
	result    outcome
	done      chan struct{} // closed exactly once, at finalization
}

// Controller owns one conversation's turn lifecycle: it appends user
// messages, launches runs, correlates the bus events back to the
// streaming placeholder, batches deltas into visible updates and
// persists the finished assistant turn exactly once.
//
// All mutation happens under mu. The consumer goroutine started per
// run is the only writer of the delta buffer; Cancel's grace timer and
// the safety timeout may force finalization from other goroutines,
// which the finalized latch makes safe.
type Controller struct {
	Store  stores.ChatStore
	Runner Runner
	Bus    *events.Bus
	Logger *log.Logger

	// ProviderID selects the provider for this conversation's runs.
	// Empty means the active provider.
	ProviderID string

	// Options are the conversation's sampling parameters, applied to
	// every run unless a send overrides them.
	Options *models.ChatOptions

	// TitleModel, when set, picks a faster model for title runs than
	// the one the conversation chats with.
	TitleModel string

	// OnUpdate, when set, is invoked after every visible transcript
	// change. It runs on its own goroutine and must not assume any
	// particular coalescing.
	OnUpdate func()

	mu      sync.Mutex
	conv    Conversation
	state   State
	run     *runContext
	retired map[string]bool // run ids that already finalized
	titled  bool            // a title run already happened
}

// NewController builds a controller for an existing conversation. The
// store may be nil for an unpersisted scratch conversation.
func NewController(conv Conversation, store stores.ChatStore, runner Runner, bus *events.Bus) *Controller {
	label := conv.ID
	if label == "" {
		label = "scratch"
	}
	return &Controller{
		Store:   store,
		Runner:  runner,
		Bus:     bus,
		Logger:  log.New(os.Stdout, fmt.Sprintf("[SESSION %s] ", label), log.LstdFlags),
		conv:    conv,
		state:   StateIdle,
		retired: make(map[string]bool),
		titled:  conv.Title != "",
	}
}

// Load rehydrates the transcript from the store. It replaces any
// in-memory messages and is meant to run before the first send.
func (c *Controller) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Store == nil || c.conv.ID == "" {
		return nil
	}

	records, err := c.Store.ListMessages(c.conv.ID, 0)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	c.conv.Messages = c.conv.Messages[:0]
	for _, rec := range records {
		msg := Message{
			ID:          uuid.New().String(),
			Role:        rec.Role,
			Content:     rec.Content,
			CreatedAt:   rec.CreatedAt,
			RecordID:    rec.ID,
			PersistedAt: rec.CreatedAt,
		}
		decodeMeta(rec.MetaJSON, &msg)
		c.conv.Messages = append(c.conv.Messages, msg)
	}
	return nil
}

// State reports the controller's current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conversation returns a snapshot of the visible transcript.
func (c *Controller) Conversation() Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.conv
	snap.Messages = make([]Message, len(c.conv.Messages))
	copy(snap.Messages, c.conv.Messages)
	return snap
}

// Send appends a user message and starts a generation run for it. It
// rejects the call when a run is already active; concurrent requests
// are never queued.
func (c *Controller) Send(ctx context.Context, content string, images []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return ErrRunActive
	}
	if c.conv.Model == "" {
		return ErrNoModel
	}

	user := Message{
		ID:        uuid.New().String(),
		Role:      "user",
		Content:   content,
		Images:    images,
		CreatedAt: time.Now(),
	}
	c.conv.Messages = append(c.conv.Messages, user)
	c.persistLocked(&c.conv.Messages[len(c.conv.Messages)-1])

	return c.startTurnLocked(ctx)
}

// EditAndRegenerate replaces the content of an earlier message, drops
// everything after it from both the transcript and the store, and
// starts a fresh run from the truncated history. An active run is
// cancelled and awaited first.
func (c *Controller) EditAndRegenerate(ctx context.Context, messageID, newContent string) error {
	c.mu.Lock()
	rc := c.run
	c.mu.Unlock()

	if rc != nil {
		c.Cancel()
		select {
		case <-rc.done:
		case <-time.After(CancelGrace + time.Second):
			c.Logger.Printf("Edit proceeding after cancel grace expired")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return ErrRunActive
	}
	if c.conv.Model == "" {
		return ErrNoModel
	}

	idx := -1
	for i := range c.conv.Messages {
		if c.conv.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrMessageNotFound
	}

	msg := &c.conv.Messages[idx]
	msg.Content = newContent
	c.conv.Messages = c.conv.Messages[:idx+1]

	if c.Store != nil && c.conv.ID != "" {
		if msg.RecordID != "" {
			if err := c.Store.UpdateMessageContent(msg.RecordID, newContent); err != nil {
				c.Logger.Printf("Failed to persist edit: %v", err)
			}
		}
		after := msg.PersistedAt
		if after.IsZero() {
			after = msg.CreatedAt
		}
		if n, err := c.Store.DeleteMessagesAfter(c.conv.ID, after); err != nil {
			c.Logger.Printf("Failed to truncate persisted history: %v", err)
		} else if n > 0 {
			c.Logger.Printf("Dropped %d persisted messages after edit", n)
		}
	}

	return c.startTurnLocked(ctx)
}

// Cancel requests cancellation of the active run. The backend is asked
// to stop, and if no confirmation arrives within CancelGrace the
// controller forces itself back to idle. Content produced so far is
// kept as the final content; cancellation is not an error.
func (c *Controller) Cancel() {
	c.mu.Lock()
	rc := c.run
	if rc == nil || rc.finalized {
		c.mu.Unlock()
		return
	}
	c.state = StateCancelling
	if rc.cancel != nil {
		rc.cancel()
	}
	if rc.runID != "" {
		c.Runner.CancelRun(rc.runID)
	}
	c.mu.Unlock()

	go func() {
		select {
		case <-rc.done:
		case <-time.After(CancelGrace):
			c.Logger.Printf("Cancel grace expired, forcing idle")
			c.mu.Lock()
			c.finalizeLocked(rc, outcomeCancelled, "")
			c.mu.Unlock()
		}
	}()
}

// startTurnLocked is the shared tail of Send and EditAndRegenerate:
// create the streaming placeholder, subscribe before the run can emit,
// start the run and hand the subscription to the consumer goroutine.
// Callers hold mu.
func (c *Controller) startTurnLocked(ctx context.Context) error {
	placeholder := Message{
		ID:        uuid.New().String(),
		Role:      "assistant",
		Streaming: true,
		CreatedAt: time.Now(),
	}
	c.conv.Messages = append(c.conv.Messages, placeholder)

	rc := &runContext{
		messageID:   placeholder.ID,
		assistantID: placeholder.ID,
		sub:         c.Bus.Subscribe(),
		done:        make(chan struct{}),
	}

	cancel, err := c.Runner.StartRun(ctx, RunSpec{
		ProviderID: c.ProviderID,
		Model:      c.conv.Model,
		Messages:   c.historyLocked(placeholder.ID),
		Options:    c.Options,
		MessageID:  placeholder.ID,
	})
	if err != nil {
		rc.sub.Dispose()
		c.conv.Messages = c.conv.Messages[:len(c.conv.Messages)-1]
		c.state = StateIdle
		return err
	}

	rc.cancel = cancel
	c.run = rc
	c.state = StateAwaitingRunID
	c.notifyLocked()

	go c.consume(rc)
	return nil
}

// historyLocked builds the provider-facing history: the system prompt
// followed by every non-empty message before the placeholder. Tool
// transcripts are not replayed; each turn starts from plain history.
func (c *Controller) historyLocked(placeholderID string) []models.ChatMessage {
	var history []models.ChatMessage
	if c.conv.SystemPrompt != "" {
		history = append(history, models.ChatMessage{Role: "system", Content: c.conv.SystemPrompt})
	}
	for _, msg := range c.conv.Messages {
		if msg.ID == placeholderID || msg.Error {
			continue
		}
		if msg.Content == "" && len(msg.Images) == 0 {
			continue
		}
		history = append(history, models.ChatMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Images:  msg.Images,
		})
	}
	return history
}

// consume is the per-run event loop. It owns the flush timer and the
// safety timeout; every handler it calls takes mu, so forced
// finalization from other goroutines interleaves safely.
func (c *Controller) consume(rc *runContext) {
	defer rc.sub.Dispose()

	timeout := time.NewTimer(RunTimeout)
	defer timeout.Stop()

	for {
		c.mu.Lock()
		var flushC <-chan time.Time
		if rc.flush != nil {
			flushC = rc.flush.C
		}
		c.mu.Unlock()

		select {
		case ev := <-rc.sub.C():
			if c.handleEvent(rc, ev) {
				return
			}
		case <-flushC:
			c.mu.Lock()
			rc.flush = nil
			c.flushLocked(rc)
			c.notifyLocked()
			c.mu.Unlock()
		case <-timeout.C:
			c.Logger.Printf("Run exceeded %s safety timeout, forcing finalization", RunTimeout)
			c.mu.Lock()
			c.finalizeLocked(rc, outcomeTimedOut, "")
			c.mu.Unlock()
			return
		case <-rc.done:
			return
		}
	}
}

// handleEvent routes one bus event. Before the run id binds, only the
// run-start carrying our correlation token is accepted; other events
// are buffered against the pending request and replayed once the id is
// known. After binding, events for any other run id are silently
// dropped. Returns true when the run reached a terminal state.
func (c *Controller) handleEvent(rc *runContext, ev events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rc.finalized {
		return true
	}

	if rc.runID == "" {
		if ev.Type == events.TypeRunStart && ev.MessageID == rc.messageID {
			rc.runID = ev.RunID
			if c.state == StateAwaitingRunID {
				c.state = StateStreaming
			}
			if c.state == StateCancelling {
				// Cancel raced the start; forward it now that the
				// backend id is known.
				c.Runner.CancelRun(rc.runID)
			}
			pending := rc.pending
			rc.pending = nil
			for _, p := range pending {
				if p.RunID == rc.runID && c.applyLocked(rc, p) {
					return true
				}
			}
			return false
		}
		if ev.RunID != "" && !c.retired[ev.RunID] {
			rc.pending = append(rc.pending, ev)
		}
		return false
	}

	if ev.RunID != rc.runID {
		return false
	}
	return c.applyLocked(rc, ev)
}

// applyLocked applies one event already known to belong to this run.
// Callers hold mu. Returns true on a terminal event.
func (c *Controller) applyLocked(rc *runContext, ev events.Event) bool {
	switch ev.Type {
	case events.TypeChunk:
		if ev.Delta != "" {
			rc.buf.WriteString(ev.Delta)
			if rc.flush == nil {
				rc.flush = time.NewTimer(FlushDelay)
			}
			// Content resumed, so any announced tool call has finished.
			c.settleToolsLocked(rc)
		}
		if ev.Done {
			c.finalizeLocked(rc, outcomeCompleted, "")
			return true
		}

	case events.TypeToolStart:
		if msg := c.messageLocked(rc.assistantID); msg != nil {
			for _, call := range msg.ToolCalls {
				if call.ID == ev.ToolID {
					return false
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolInvocation{
				ID:     ev.ToolID,
				Name:   ev.ToolName,
				Args:   ev.ToolArgs,
				Status: ToolCalling,
			})
			c.notifyLocked()
		}

	case events.TypeComplete:
		c.finalizeLocked(rc, outcomeCompleted, "")
		return true

	case events.TypeError:
		c.finalizeLocked(rc, outcomeErrored, ev.Err)
		return true

	case events.TypeCancelled:
		c.finalizeLocked(rc, outcomeCancelled, "")
		return true
	}
	return false
}

// flushLocked moves the accumulated deltas onto the placeholder's
// visible content. Callers hold mu.
func (c *Controller) flushLocked(rc *runContext) {
	if rc.buf.Len() == 0 {
		return
	}
	if msg := c.messageLocked(rc.assistantID); msg != nil {
		msg.Content += rc.buf.String()
	}
	rc.buf.Reset()
}

// settleToolsLocked flips every calling invocation to done. Callers
// hold mu.
func (c *Controller) settleToolsLocked(rc *runContext) {
	msg := c.messageLocked(rc.assistantID)
	if msg == nil {
		return
	}
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].Status == ToolCalling {
			msg.ToolCalls[i].Status = ToolDone
			c.notifyLocked()
		}
	}
}

// finalizeLocked ends the run exactly once: final synchronous flush,
// clear the streaming flag, settle tool invocations, annotate or
// persist, retire the run id and return to idle. Callers hold mu. The
// finalized latch makes duplicate terminal signals no-ops.
func (c *Controller) finalizeLocked(rc *runContext, result outcome, errText string) {
	if rc.finalized {
		return
	}
	rc.finalized = true
	rc.result = result
	rc.errText = errText
	c.state = StateFinalizing

	if rc.flush != nil {
		rc.flush.Stop()
		rc.flush = nil
	}
	c.flushLocked(rc)

	if msg := c.messageLocked(rc.assistantID); msg != nil {
		msg.Streaming = false
		for i := range msg.ToolCalls {
			msg.ToolCalls[i].Status = ToolDone
		}

		if result == outcomeErrored && msg.Content == "" {
			text := errText
			if text == "" {
				text = "generation failed"
			}
			msg.Content = "Error: " + text
			msg.Error = true
		}

		// Persist at most once, and only real content. Synthetic
		// error text and empty cancelled placeholders stay in memory.
		if !rc.persisted && !msg.Error && msg.Content != "" {
			rc.persisted = true
			c.persistLocked(msg)
		}
	}

	if rc.runID != "" {
		c.retired[rc.runID] = true
	}
	rc.sub.Dispose()
	if rc.cancel != nil {
		rc.cancel()
	}
	c.run = nil
	c.state = StateIdle
	close(rc.done)
	c.notifyLocked()

	c.Logger.Printf("Run finalized: %s", result)

	if c.shouldTitleLocked(rc) {
		go c.generateTitle(context.Background())
	}
}

// persistLocked appends one message to the store and records the row
// linkage on success. Persistence failures are logged, never fatal;
// the in-memory transcript is the source of truth for the session.
// Callers hold mu.
func (c *Controller) persistLocked(msg *Message) {
	if c.Store == nil || c.conv.ID == "" {
		return
	}
	rec, err := c.Store.AppendMessage(c.conv.ID, msg.Role, msg.Content, encodeMeta(msg))
	if err != nil {
		c.Logger.Printf("Failed to persist %s message: %v", msg.Role, err)
		return
	}
	msg.RecordID = rec.ID
	msg.PersistedAt = rec.CreatedAt
}

// messageLocked finds a transcript message by id. Callers hold mu.
func (c *Controller) messageLocked(id string) *Message {
	for i := range c.conv.Messages {
		if c.conv.Messages[i].ID == id {
			return &c.conv.Messages[i]
		}
	}
	return nil
}

// notifyLocked schedules the update hook. Callers hold mu; the hook
// runs on its own goroutine so it can read the controller freely.
func (c *Controller) notifyLocked() {
	if c.OnUpdate != nil {
		go c.OnUpdate()
	}
}

// encodeMeta serializes the parts of a message that live outside the
// content column. Empty when there is nothing to record.
func encodeMeta(msg *Message) string {
	if len(msg.Images) == 0 && len(msg.ToolCalls) == 0 {
		return ""
	}
	meta := map[string]interface{}{}
	if len(msg.Images) > 0 {
		meta["images"] = msg.Images
	}
	if len(msg.ToolCalls) > 0 {
		meta["tool_calls"] = msg.ToolCalls
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeMeta restores images and tool invocations from a persisted
// meta column. Malformed meta is ignored.
func decodeMeta(raw string, msg *Message) {
	if raw == "" {
		return
	}
	var meta struct {
		Images    []string         `json:"images"`
		ToolCalls []ToolInvocation `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return
	}
	msg.Images = meta.Images
	msg.ToolCalls = meta.ToolCalls
}
