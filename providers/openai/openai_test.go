package openai

import (
	"strings"
	"testing"

	"github.com/ollie-app/ollie/providers"
)

func drainSSE(t *testing.T, body string) ([]providers.StreamEvent, []error) {
	t.Helper()
	eventChan := make(chan providers.StreamEvent)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)
		ParseSSEStream(strings.NewReader(body), eventChan, errChan)
	}()

	var events []providers.StreamEvent
	for ev := range eventChan {
		events = append(events, ev)
	}
	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return events, errs
}

func TestParseSSEStream_TextDeltas(t *testing.T) {
	body := `data: {"choices":[{"delta":{"content":"Hel"}}]}

data: {"choices":[{"delta":{"content":"lo"}}]}

data: [DONE]
`
	events, errs := drainSSE(t, body)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	var content strings.Builder
	for _, ev := range events {
		content.WriteString(ev.Content)
	}
	if content.String() != "Hello" {
		t.Errorf("content = %q", content.String())
	}
}

func TestParseSSEStream_AssemblesToolCallFragments(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"get_weather","arguments":""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Berlin\"}"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]
`
	events, errs := drainSSE(t, body)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	var calls int
	for _, ev := range events {
		if ev.ToolCall == nil {
			continue
		}
		calls++
		if ev.ToolCall.ID != "call_abc" {
			t.Errorf("id = %q", ev.ToolCall.ID)
		}
		if ev.ToolCall.Function.Name != "get_weather" {
			t.Errorf("name = %q", ev.ToolCall.Function.Name)
		}
		if ev.ToolCall.Function.Arguments != `{"city":"Berlin"}` {
			t.Errorf("arguments = %q", ev.ToolCall.Function.Arguments)
		}
	}
	if calls != 1 {
		t.Errorf("tool calls emitted = %d, want 1", calls)
	}
}

func TestParseSSEStream_EmptyArgumentsBecomeObject(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_time","arguments":""}}]}}]}

data: [DONE]
`
	events, _ := drainSSE(t, body)
	for _, ev := range events {
		if ev.ToolCall != nil && ev.ToolCall.Function.Arguments != "{}" {
			t.Errorf("arguments = %q, want {}", ev.ToolCall.Function.Arguments)
		}
	}
}

func TestParseSSEStream_UsageChunk(t *testing.T) {
	body := `data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}

data: [DONE]
`
	events, _ := drainSSE(t, body)
	found := false
	for _, ev := range events {
		if ev.Usage != nil {
			found = true
			if *ev.Usage.PromptTokens != 10 || *ev.Usage.CompletionTokens != 5 {
				t.Errorf("usage = %+v", ev.Usage)
			}
		}
	}
	if !found {
		t.Error("usage chunk not emitted")
	}
}
