package ollie

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ollie-app/ollie/events"
	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/providers"
	"github.com/ollie-app/ollie/session"
)

const (
	// maxToolLoops bounds how many times a single turn may go back to
	// the provider with tool results.
	maxToolLoops = 10

	// maxToolResultChars truncates oversized tool output so a single
	// call cannot blow the context window.
	maxToolResultChars = 8000
)

// ChatRunner resolves a provider, drives its stream and publishes the
// run's event sequence on the bus. It is the backend half of a turn;
// the session controller consumes the events it emits.
//
// The run id is minted here and reaches callers only through the
// run-start event, never through a return value.
type ChatRunner struct {
	Bus      *events.Bus
	Resolver *providers.Resolver
	Tools    *ToolRegistry
	Logger   *log.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewChatRunner wires a runner over the given bus and resolver. The
// registry may be nil when no local tools are offered.
func NewChatRunner(bus *events.Bus, resolver *providers.Resolver, tools *ToolRegistry) *ChatRunner {
	return &ChatRunner{
		Bus:      bus,
		Resolver: resolver,
		Tools:    tools,
		Logger:   log.New(os.Stdout, "[RUNNER] ", log.LstdFlags),
		active:   make(map[string]context.CancelFunc),
	}
}

// StartRun resolves the provider and launches the run. Resolution
// failures are returned synchronously before anything is emitted; once
// StartRun returns nil the run's outcome arrives via bus events only.
// The returned func cancels the run's context and may be called any
// number of times.
func (r *ChatRunner) StartRun(ctx context.Context, spec session.RunSpec) (func(), error) {
	if spec.Model == "" {
		return nil, fmt.Errorf("no model selected")
	}

	provider, cfg, err := r.Resolver.Resolve(spec.ProviderID)
	if err != nil {
		return nil, err
	}

	r.Logger.Printf("Using provider: %s (%s)", cfg.Name, cfg.Type)

	runID := uuid.New().String()
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.active[runID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.active, runID)
			r.mu.Unlock()
			cancel()
		}()
		r.runConversation(runCtx, provider, cfg, spec, runID)
	}()

	return cancel, nil
}

// CancelRun requests cancellation of a run by id. Fire-and-forget;
// unknown ids are ignored.
func (r *ChatRunner) CancelRun(runID string) {
	r.mu.Lock()
	cancel, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		r.Logger.Printf("Cancelling run %s", runID)
		cancel()
	}
}

// ActiveRuns reports how many runs are currently in flight.
func (r *ChatRunner) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// runConversation is the turn loop: stream from the provider, execute
// any tool calls, feed results back, repeat until the model answers
// with plain content or a bound is hit.
func (r *ChatRunner) runConversation(ctx context.Context, provider providers.Provider, cfg providers.Config, spec session.RunSpec, runID string) {
	messages := models.SanitizeHistory(spec.Messages)

	var toolSpecs []models.ToolSpec
	if r.Tools != nil && !spec.IsTitleRun {
		toolSpecs = r.Tools.Specs()
	}

	r.Bus.Publish(events.Event{Type: events.TypeRunStart, RunID: runID, MessageID: spec.MessageID})

	for loop := 0; loop < maxToolLoops; loop++ {
		if ctx.Err() != nil {
			r.Bus.Publish(events.Event{Type: events.TypeCancelled, RunID: runID})
			return
		}

		eventChan, errChan := provider.StreamChat(ctx, cfg, spec.Model, messages, toolSpecs, spec.Options)

		var fullContent strings.Builder
		var toolCalls []models.ToolCall

		for eventChan != nil || errChan != nil {
			select {
			case ev, ok := <-eventChan:
				if !ok {
					eventChan = nil
					continue
				}
				if ev.Content != "" {
					fullContent.WriteString(ev.Content)
					r.Bus.Publish(events.Event{Type: events.TypeChunk, RunID: runID, Delta: ev.Content})
				}
				if ev.ToolCall != nil {
					toolCalls = append(toolCalls, *ev.ToolCall)
				}

			case err, ok := <-errChan:
				if !ok {
					errChan = nil
					continue
				}
				if err != nil {
					if ctx.Err() != nil {
						r.Bus.Publish(events.Event{Type: events.TypeCancelled, RunID: runID})
					} else {
						r.Logger.Printf("Run %s provider error: %v", runID, err)
						r.Bus.Publish(events.Event{Type: events.TypeError, RunID: runID, Err: err.Error()})
					}
					return
				}
			}
		}

		if ctx.Err() != nil {
			r.Bus.Publish(events.Event{Type: events.TypeCancelled, RunID: runID})
			return
		}

		if len(toolCalls) == 0 {
			// Final chunk carries the end-of-stream flag, then the
			// completion signal. The controller must tolerate both.
			r.Bus.Publish(events.Event{Type: events.TypeChunk, RunID: runID, Done: true})
			r.Bus.Publish(events.Event{Type: events.TypeComplete, RunID: runID})
			return
		}

		messages = append(messages, models.ChatMessage{
			Role:      "assistant",
			Content:   fullContent.String(),
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			messages = append(messages, r.executeToolCall(ctx, runID, call))
		}
	}

	r.Logger.Printf("Run %s reached max tool loops", runID)
	r.Bus.Publish(events.Event{Type: events.TypeChunk, RunID: runID, Done: true})
	r.Bus.Publish(events.Event{Type: events.TypeComplete, RunID: runID})
}

// executeToolCall announces and runs one tool call, returning the tool
// result message to feed back to the provider.
func (r *ChatRunner) executeToolCall(ctx context.Context, runID string, call models.ToolCall) models.ChatMessage {
	callID := call.ID
	if callID == "" {
		callID = uuid.New().String()
	}

	args := map[string]interface{}{}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		r.Logger.Printf("Failed to parse args for tool %s: %v", call.Function.Name, err)
	}

	r.Bus.Publish(events.Event{
		Type:     events.TypeToolStart,
		RunID:    runID,
		ToolID:   callID,
		ToolName: call.Function.Name,
		ToolArgs: args,
	})

	var result string
	if r.Tools == nil {
		result = fmt.Sprintf("Error: no tool registry available for tool %s", call.Function.Name)
	} else {
		out, err := r.Tools.Execute(ctx, call.Function.Name, args)
		if err != nil {
			r.Logger.Printf("Tool execution error for %s: %v", call.Function.Name, err)
		}
		result = out
	}

	return models.ChatMessage{
		Role:       "tool",
		Content:    truncateToolResult(result),
		ToolCallID: callID,
	}
}

// truncateToolResult cuts oversized tool output at the last newline
// before the limit and appends a note the model can act on.
func truncateToolResult(text string) string {
	if len(text) <= maxToolResultChars {
		return text
	}

	cut := strings.LastIndex(text[:maxToolResultChars], "\n")
	if cut <= 0 {
		cut = maxToolResultChars
	}

	return fmt.Sprintf(
		"%s\n\n[... Output truncated. Showing %d/%d characters. Consider using more specific queries or filters to reduce output size.]",
		text[:cut], cut, len(text),
	)
}
