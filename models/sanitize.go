package models

import (
	"log"
)

// SanitizeHistory ensures a message history has valid turn structure
// before it is sent to a provider. Truncating a conversation (the
// edit-and-regenerate flow) can cut through a tool cycle and leave the
// history starting with an orphaned "tool" message, or leave an
// assistant tool call with no matching tool result. Providers reject
// both shapes.
//
// The function ensures:
// - History never starts with a "tool" message
// - Every assistant tool call is followed by a matching tool result
// - No tool result appears without a preceding assistant tool call
func SanitizeHistory(msgs []ChatMessage) []ChatMessage {
	if len(msgs) == 0 {
		return msgs
	}

	startIdx := findValidStart(msgs)
	if startIdx == -1 {
		log.Printf("[HISTORY_SANITIZER] No valid starting point found, returning empty history")
		return []ChatMessage{}
	}
	if startIdx > 0 {
		log.Printf("[HISTORY_SANITIZER] Skipping first %d messages to find valid start (was role: %s)", startIdx, msgs[0].Role)
		msgs = msgs[startIdx:]
	}

	sanitized := repairToolCycles(msgs)
	if len(sanitized) != len(msgs) {
		log.Printf("[HISTORY_SANITIZER] Removed %d messages with broken tool cycles", len(msgs)-len(sanitized))
	}
	return sanitized
}

// findValidStart returns the first index whose message may legally
// open a history: a system, user, or plain assistant message.
func findValidStart(msgs []ChatMessage) int {
	for i, m := range msgs {
		switch m.Role {
		case "system", "user":
			return i
		case "assistant":
			// An assistant message that calls tools is only valid if
			// its results follow, which repairToolCycles verifies.
			return i
		}
	}
	return -1
}

// repairToolCycles walks the history and drops assistant tool calls
// whose results were truncated away, and tool results whose calls are
// missing.
func repairToolCycles(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == "tool" {
			// Valid only when the previous kept message is an
			// assistant message whose calls include this result's id.
			if !answersPrevCall(out, m) {
				log.Printf("[HISTORY_SANITIZER] Dropping orphaned tool result (id: %s)", m.ToolCallID)
				continue
			}
			out = append(out, m)
			continue
		}

		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			if !resultsFollow(msgs, i) {
				// Keep the text, drop the dangling calls.
				if m.Content == "" {
					log.Printf("[HISTORY_SANITIZER] Dropping assistant tool call with no results")
					continue
				}
				m.ToolCalls = nil
			}
		}

		out = append(out, m)
	}

	return out
}

func answersPrevCall(kept []ChatMessage, result ChatMessage) bool {
	// Walk back over adjacent tool results to the owning assistant turn.
	for i := len(kept) - 1; i >= 0; i-- {
		switch kept[i].Role {
		case "tool":
			continue
		case "assistant":
			if result.ToolCallID == "" {
				return len(kept[i].ToolCalls) > 0
			}
			for _, tc := range kept[i].ToolCalls {
				if tc.ID == result.ToolCallID {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

func resultsFollow(msgs []ChatMessage, idx int) bool {
	want := make(map[string]bool, len(msgs[idx].ToolCalls))
	anon := 0
	for _, tc := range msgs[idx].ToolCalls {
		if tc.ID == "" {
			anon++
		} else {
			want[tc.ID] = false
		}
	}

	seen := 0
	for j := idx + 1; j < len(msgs) && msgs[j].Role == "tool"; j++ {
		if id := msgs[j].ToolCallID; id != "" {
			if done, ok := want[id]; ok && !done {
				want[id] = true
				seen++
			}
		} else {
			seen++
		}
	}

	return seen >= len(want)+anon
}
