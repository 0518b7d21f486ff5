package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ollie-app/ollie/events"
	"github.com/ollie-app/ollie/stores"
)

// fakeRunner records the specs it was started with and lets tests
// drive the run by publishing events on the bus themselves.
type fakeRunner struct {
	mu        sync.Mutex
	specs     []RunSpec
	cancelled []string
	ctxCancel int
}

func (r *fakeRunner) StartRun(ctx context.Context, spec RunSpec) (func(), error) {
	if spec.Model == "" {
		return nil, errors.New("no model selected")
	}
	if spec.Model == "failing-model" {
		return nil, errors.New("provider not reachable")
	}
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.ctxCancel++
		r.mu.Unlock()
	}, nil
}

func (r *fakeRunner) CancelRun(runID string) {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, runID)
	r.mu.Unlock()
}

// spec blocks until the i-th run has started and returns its spec.
func (r *fakeRunner) spec(t *testing.T, i int) RunSpec {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.specs) > i {
			spec := r.specs[i]
			r.mu.Unlock()
			return spec
		}
		r.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %d never started", i)
	return RunSpec{}
}

func (r *fakeRunner) cancelledRuns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cancelled))
	copy(out, r.cancelled)
	return out
}

// memStore is an in-memory ChatStore that records what the controller
// asked it to persist.
type memStore struct {
	mu           sync.Mutex
	title        string
	messages     []stores.MessageRecord
	deleteCalls  int
	updateCalls  map[string]string
	nextRecordID int
}

func newMemStore() *memStore {
	return &memStore{updateCalls: make(map[string]string)}
}

func (s *memStore) CreateChat(model, systemPrompt, paramsJSON string) (*stores.Chat, error) {
	return &stores.Chat{ID: "chat-1", Model: model}, nil
}

func (s *memStore) GetChat(chatID string) (*stores.Chat, error) {
	return &stores.Chat{ID: chatID}, nil
}

func (s *memStore) ListChats(limit int) ([]stores.ChatInfo, error) { return nil, nil }
func (s *memStore) DeleteChat(chatID string) error                 { return nil }
func (s *memStore) SetChatModel(chatID, model string) error        { return nil }
func (s *memStore) Connect() error                                 { return nil }
func (s *memStore) Close() error                                   { return nil }
func (s *memStore) Ping() error                                    { return nil }

func (s *memStore) SetChatTitle(chatID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
	return nil
}

func (s *memStore) AppendMessage(chatID, role, content, metaJSON string) (*stores.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRecordIDLocked()
	rec := stores.MessageRecord{
		ID:        fmt.Sprintf("rec-%d", s.nextRecordID),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		MetaJSON:  metaJSON,
		CreatedAt: time.Now(),
	}
	s.messages = append(s.messages, rec)
	return &rec, nil
}

func (s *memStore) nextRecordIDLocked() { s.nextRecordID++ }

func (s *memStore) ListMessages(chatID string, limit int) ([]stores.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stores.MessageRecord, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *memStore) UpdateMessageContent(messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls[messageID] = content
	return nil
}

func (s *memStore) DeleteMessagesAfter(chatID string, after time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	var kept []stores.MessageRecord
	var dropped int64
	for _, rec := range s.messages {
		if rec.CreatedAt.After(after) {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	s.messages = kept
	return dropped, nil
}

func (s *memStore) persistedByRole(role string) []stores.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stores.MessageRecord
	for _, rec := range s.messages {
		if rec.Role == role {
			out = append(out, rec)
		}
	}
	return out
}

// newTestController seeds a title so the title synthesizer stays out
// of the way; title behavior has its own tests.
func newTestController(store stores.ChatStore) (*Controller, *fakeRunner, *events.Bus) {
	bus := events.NewBus()
	runner := &fakeRunner{}
	conv := Conversation{ID: "chat-1", Title: "Seeded Title", Model: "llama3.2"}
	if store == nil {
		conv.ID = ""
	}
	c := NewController(conv, store, runner, bus)
	return c, runner, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastMessage(c *Controller) Message {
	conv := c.Conversation()
	return conv.Messages[len(conv.Messages)-1]
}

func TestSend_StreamsAndConcatenates(t *testing.T) {
	store := newMemStore()
	c, runner, bus := newTestController(store)

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)

	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "Hi"})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: " there"})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Done: true})
	bus.Publish(events.Event{Type: events.TypeComplete, RunID: "run-1"})

	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	msg := lastMessage(c)
	if msg.Content != "Hi there" {
		t.Errorf("expected content %q, got %q", "Hi there", msg.Content)
	}
	if msg.Streaming {
		t.Error("expected streaming flag cleared after finalization")
	}
	if msg.Error {
		t.Error("completed run must not be marked as error")
	}

	assistant := store.persistedByRole("assistant")
	if len(assistant) != 1 {
		t.Fatalf("expected exactly 1 persisted assistant message, got %d", len(assistant))
	}
	if assistant[0].Content != "Hi there" {
		t.Errorf("persisted content = %q, want %q", assistant[0].Content, "Hi there")
	}
	if users := store.persistedByRole("user"); len(users) != 1 {
		t.Errorf("expected 1 persisted user message, got %d", len(users))
	}
}

func TestSend_RejectedWhileRunActive(t *testing.T) {
	c, runner, bus := newTestController(nil)

	if err := c.Send(context.Background(), "first", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := c.Send(context.Background(), "second", nil); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	spec := runner.spec(t, 0)
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeComplete, RunID: "run-1"})
	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	if err := c.Send(context.Background(), "third", nil); err != nil {
		t.Fatalf("send after finalization should succeed, got %v", err)
	}
}

func TestSend_NoModelSelected(t *testing.T) {
	bus := events.NewBus()
	c := NewController(Conversation{}, nil, &fakeRunner{}, bus)
	if err := c.Send(context.Background(), "hello", nil); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
	if got := len(c.Conversation().Messages); got != 0 {
		t.Errorf("failed send must not leave messages behind, got %d", got)
	}
}

func TestPreBindEventsReplayedInOrder(t *testing.T) {
	c, runner, bus := newTestController(nil)

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)

	// Chunks race ahead of the run-start; they must be buffered and
	// replayed once the id binds, in arrival order.
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "Hi"})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: " there"})
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeComplete, RunID: "run-1"})

	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	if msg := lastMessage(c); msg.Content != "Hi there" {
		t.Errorf("expected replayed content %q, got %q", "Hi there", msg.Content)
	}
}

func TestForeignAndRetiredRunIDsIgnored(t *testing.T) {
	c, runner, bus := newTestController(nil)

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-other", Delta: "INTRUDER"})
	bus.Publish(events.Event{Type: events.TypeError, RunID: "run-other", Err: "boom"})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "mine"})
	bus.Publish(events.Event{Type: events.TypeComplete, RunID: "run-1"})

	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	msg := lastMessage(c)
	if msg.Content != "mine" {
		t.Errorf("foreign run leaked into transcript: %q", msg.Content)
	}
	if msg.Error {
		t.Error("foreign error must not mark our message")
	}

	// Events for the now-retired id must be no-ops during the next turn.
	if err := c.Send(context.Background(), "again", nil); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	spec2 := runner.spec(t, 1)
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "STALE"})
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-2", MessageID: spec2.MessageID})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "STALE"})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-2", Delta: "fresh"})
	bus.Publish(events.Event{Type: events.TypeComplete, RunID: "run-2"})

	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })
	if msg := lastMessage(c); msg.Content != "fresh" {
		t.Errorf("retired run id leaked into transcript: %q", msg.Content)
	}
}

func TestDuplicateTerminalSignalsFinalizeOnce(t *testing.T) {
	store := newMemStore()
	c, runner, bus := newTestController(store)

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "answer"})
	// End-of-stream chunk, completion and a straggling error all land.
	// First processed wins; the rest are no-ops.
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Done: true})
	bus.Publish(events.Event{Type: events.TypeComplete, RunID: "run-1"})
	bus.Publish(events.Event{Type: events.TypeError, RunID: "run-1", Err: "late failure"})

	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	msg := lastMessage(c)
	if msg.Content != "answer" {
		t.Errorf("content = %q, want %q", msg.Content, "answer")
	}
	if msg.Error {
		t.Error("late error after completion must not mark the message")
	}
	if got := len(store.persistedByRole("assistant")); got != 1 {
		t.Errorf("expected exactly 1 persisted assistant message, got %d", got)
	}
}

func TestErrorWithoutContentAnnotatesPlaceholder(t *testing.T) {
	store := newMemStore()
	c, runner, bus := newTestController(store)

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeError, RunID: "run-1", Err: "connection refused"})

	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	msg := lastMessage(c)
	if !msg.Error {
		t.Error("expected error flag on annotated placeholder")
	}
	if msg.Content != "Error: connection refused" {
		t.Errorf("content = %q", msg.Content)
	}
	if got := len(store.persistedByRole("assistant")); got != 0 {
		t.Errorf("error text must not be persisted, got %d assistant rows", got)
	}
}

func TestErrorAfterPartialContentKeepsContent(t *testing.T) {
	store := newMemStore()
	c, runner, bus := newTestController(store)

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "partial answer"})
	bus.Publish(events.Event{Type: events.TypeError, RunID: "run-1", Err: "stream cut"})

	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	msg := lastMessage(c)
	if msg.Content != "partial answer" {
		t.Errorf("partial content lost: %q", msg.Content)
	}
	if msg.Error {
		t.Error("partial content must not be replaced by error text")
	}
	if got := len(store.persistedByRole("assistant")); got != 1 {
		t.Errorf("partial content should persist once, got %d rows", got)
	}
}

func TestCancelBeforeContent(t *testing.T) {
	store := newMemStore()
	c, runner, bus := newTestController(store)

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	waitFor(t, "streaming state", func() bool { return c.State() == StateStreaming })

	c.Cancel()
	if got := c.State(); got != StateCancelling {
		t.Fatalf("state after Cancel = %s, want %s", got, StateCancelling)
	}
	waitFor(t, "backend cancel request", func() bool {
		for _, id := range runner.cancelledRuns() {
			if id == "run-1" {
				return true
			}
		}
		return false
	})

	bus.Publish(events.Event{Type: events.TypeCancelled, RunID: "run-1"})
	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	msg := lastMessage(c)
	if msg.Content != "" {
		t.Errorf("cancel before content should leave empty content, got %q", msg.Content)
	}
	if msg.Streaming {
		t.Error("streaming flag must be cleared by cancellation")
	}
	if msg.Error {
		t.Error("cancellation is not an error")
	}
	if got := len(store.persistedByRole("assistant")); got != 0 {
		t.Errorf("empty cancelled placeholder must not be persisted, got %d rows", got)
	}
}

func TestCancelGraceForcesIdle(t *testing.T) {
	c, runner, bus := newTestController(nil)

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "so far"})
	waitFor(t, "flushed content", func() bool { return lastMessage(c).Content == "so far" })

	// The backend never confirms; the grace period must force idle.
	c.Cancel()
	waitFor(t, "forced idle after grace", func() bool { return c.State() == StateIdle })

	msg := lastMessage(c)
	if msg.Content != "so far" {
		t.Errorf("content produced before cancel must be kept, got %q", msg.Content)
	}
	if msg.Streaming {
		t.Error("forced finalization must clear the streaming flag")
	}
}

func TestToolInvocationLifecycle(t *testing.T) {
	c, runner, bus := newTestController(nil)

	if err := c.Send(context.Background(), "search something", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	spec := runner.spec(t, 0)
	bus.Publish(events.Event{Type: events.TypeRunStart, RunID: "run-1", MessageID: spec.MessageID})
	bus.Publish(events.Event{Type: events.TypeToolStart, RunID: "run-1", ToolID: "call-1", ToolName: "web_search"})
	// Duplicate announcement for the same id must be ignored.
	bus.Publish(events.Event{Type: events.TypeToolStart, RunID: "run-1", ToolID: "call-1", ToolName: "web_search"})

	waitFor(t, "calling invocation", func() bool {
		calls := lastMessage(c).ToolCalls
		return len(calls) == 1 && calls[0].Status == ToolCalling
	})

	bus.Publish(events.Event{Type: events.TypeChunk, RunID: "run-1", Delta: "Found it."})
	waitFor(t, "settled invocation", func() bool {
		calls := lastMessage(c).ToolCalls
		return len(calls) == 1 && calls[0].Status == ToolDone
	})

	bus.Publish(events.Event{Type: events.TypeToolStart, RunID: "run-1", ToolID: "call-2", ToolName: "fetch_page"})
	bus.Publish(events.Event{Type: events.TypeComplete, RunID: "run-1"})
	waitFor(t, "idle state", func() bool { return c.State() == StateIdle })

	calls := lastMessage(c).ToolCalls
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool invocations, got %d", len(calls))
	}
	for _, call := range calls {
		if call.Status != ToolDone {
			t.Errorf("invocation %s still %s after finalization", call.ID, call.Status)
		}
	}
}

func TestEditAndRegenerateTruncatesHistory(t *testing.T) {
	store := newMemStore()
	c, runner, bus := newTestController(store)

	runTurn := func(i int, content, answer string) {
		t.Helper()
		if err := c.Send(context.Background(), content, nil); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		spec := runner.spec(t, i)
		runID := fmt.Sprintf("run-%d", i)
		bus.Publish(events.Event{Type: events.TypeRunStart, RunID: runID, MessageID: spec.MessageID})
		bus.Publish(events.Event{Type: events.TypeChunk, RunID: runID, Delta: answer})
		bus.Publish(events.Event{Type: events.TypeComplete, RunID: runID})
		waitFor(t, "idle state", func() bool { return c.State() == StateIdle })
	}

	runTurn(0, "first question", "first answer")
	runTurn(1, "second question", "second answer")

	conv := c.Conversation()
	if len(conv.Messages) != 4 {
		t.Fatalf("expected 4 messages before edit, got %d", len(conv.Messages))
	}
	target := conv.Messages[0]

	if err := c.EditAndRegenerate(context.Background(), target.ID, "rephrased question"); err != nil {
		t.Fatalf("EditAndRegenerate failed: %v", err)
	}

	conv = c.Conversation()
	// Exactly the edited message plus the fresh placeholder survive.
	if len(conv.Messages) != 2 {
		t.Fatalf("expected 2 messages after edit, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Content != "rephrased question" {
		t.Errorf("edited content = %q", conv.Messages[0].Content)
	}
	if !conv.Messages[1].Streaming {
		t.Error("expected a fresh streaming placeholder after edit")
	}

	spec := runner.spec(t, 2)
	if len(spec.Messages) != 1 || spec.Messages[0].Content != "rephrased question" {
		t.Errorf("regeneration history = %+v, want only the edited message", spec.Messages)
	}

	store.mu.Lock()
	updated := store.updateCalls[target.RecordID]
	deletes := store.deleteCalls
	store.mu.Unlock()
	if updated != "rephrased question" {
		t.Errorf("persisted edit = %q", updated)
	}
	if deletes != 1 {
		t.Errorf("expected 1 DeleteMessagesAfter call, got %d", deletes)
	}
}

func TestEditAndRegenerate_UnknownMessage(t *testing.T) {
	c, _, _ := newTestController(nil)
	err := c.EditAndRegenerate(context.Background(), "nope", "content")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestStartRunFailureRollsBack(t *testing.T) {
	bus := events.NewBus()
	runner := &fakeRunner{}
	c := NewController(Conversation{Model: "failing-model"}, nil, runner, bus)

	err := c.Send(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected synchronous start failure")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle after failed start", c.State())
	}
	// The user message stays; only the placeholder is rolled back.
	conv := c.Conversation()
	if len(conv.Messages) != 1 || conv.Messages[0].Role != "user" {
		t.Errorf("expected only the user message to remain, got %+v", conv.Messages)
	}
}
