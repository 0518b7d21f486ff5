package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ollie-app/ollie/events"
	"github.com/ollie-app/ollie/models"
)

const (
	// maxTitleMessages is the transcript size above which a chat is
	// considered established and no longer worth auto-titling.
	maxTitleMessages = 5

	// titleMaxChars bounds the synthesized label.
	titleMaxChars = 60

	titlePrompt = "Generate a very short title (3-6 words) summarizing the conversation below. " +
		"Reply with the title only: no quotes, no trailing punctuation, no explanation."
)

// shouldTitleLocked decides whether a finished run earns a title pass:
// the run completed normally, the chat is persisted, the transcript is
// still young, no title exists yet, and the run itself was not a title
// run. Callers hold mu.
func (c *Controller) shouldTitleLocked(rc *runContext) bool {
	if rc.isTitleRun || rc.result != outcomeCompleted {
		return false
	}
	if c.titled || c.conv.Title != "" {
		return false
	}
	if c.conv.ID == "" || c.Store == nil {
		return false
	}
	if len(c.conv.Messages) > maxTitleMessages {
		return false
	}
	c.titled = true
	return true
}

// generateTitle runs the title synthesizer: an independent nested run
// with its own run id, its own subscription and its own timeout. It
// never touches the controller's run state, so a user send can proceed
// while the title streams.
func (c *Controller) generateTitle(ctx context.Context) {
	c.mu.Lock()
	var exchange strings.Builder
	for _, msg := range c.conv.Messages {
		if msg.Error || msg.Content == "" {
			continue
		}
		fmt.Fprintf(&exchange, "%s: %s\n", msg.Role, msg.Content)
	}
	model := c.conv.Model
	chatID := c.conv.ID
	c.mu.Unlock()

	if exchange.Len() == 0 {
		return
	}
	if c.TitleModel != "" {
		model = c.TitleModel
	}

	rc := &runContext{
		messageID:  uuid.New().String(),
		isTitleRun: true,
		sub:        c.Bus.Subscribe(),
	}
	defer rc.sub.Dispose()

	cancel, err := c.Runner.StartRun(ctx, RunSpec{
		ProviderID: c.ProviderID,
		Model:      model,
		Messages:   titleHistory(exchange.String()),
		MessageID:  rc.messageID,
		IsTitleRun: true,
	})
	if err != nil {
		c.Logger.Printf("Title run failed to start: %v", err)
		return
	}
	defer cancel()

	raw, err := collectRun(rc, RunTimeout)
	if err != nil {
		c.Logger.Printf("Title run failed: %v", err)
		return
	}

	title := TruncateTitle(StripReasoning(raw), titleMaxChars)
	if title == "" {
		return
	}

	c.mu.Lock()
	c.conv.Title = title
	c.notifyLocked()
	c.mu.Unlock()

	if err := c.Store.SetChatTitle(chatID, title); err != nil {
		c.Logger.Printf("Failed to persist title: %v", err)
		return
	}
	c.Logger.Printf("Chat titled: %q", title)
}

// collectRun drains one run to completion on a private subscription:
// bind the run-start carrying our token, accumulate that run's deltas,
// return on its terminal signal. Everything else on the bus is ignored
// or, before binding, buffered the same way the live controller does.
func collectRun(rc *runContext, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	apply := func(ev events.Event) (bool, error) {
		switch ev.Type {
		case events.TypeChunk:
			rc.buf.WriteString(ev.Delta)
			if ev.Done {
				return true, nil
			}
		case events.TypeComplete:
			return true, nil
		case events.TypeError:
			return true, fmt.Errorf("run errored: %s", ev.Err)
		case events.TypeCancelled:
			return true, fmt.Errorf("run cancelled")
		}
		return false, nil
	}

	for {
		select {
		case ev := <-rc.sub.C():
			if rc.runID == "" {
				if ev.Type == events.TypeRunStart && ev.MessageID == rc.messageID {
					rc.runID = ev.RunID
					for _, p := range rc.pending {
						if p.RunID != rc.runID {
							continue
						}
						if done, err := apply(p); done {
							return rc.buf.String(), err
						}
					}
					rc.pending = nil
				} else if ev.RunID != "" {
					rc.pending = append(rc.pending, ev)
				}
				continue
			}
			if ev.RunID != rc.runID {
				continue
			}
			if done, err := apply(ev); done {
				return rc.buf.String(), err
			}
		case <-deadline.C:
			return "", fmt.Errorf("run timed out after %s", timeout)
		}
	}
}

// titleHistory wraps the conversation excerpt into the prompt the
// synthesizer sends.
func titleHistory(exchange string) []models.ChatMessage {
	return []models.ChatMessage{
		{Role: "user", Content: titlePrompt + "\n\n" + exchange},
	}
}

// StripReasoning removes <think>/<thinking> blocks some models prepend
// to their answer, including an unterminated trailing block.
func StripReasoning(text string) string {
	for _, tag := range []string{"thinking", "think"} {
		openTag, closeTag := "<"+tag+">", "</"+tag+">"
		for {
			start := strings.Index(text, openTag)
			if start < 0 {
				break
			}
			end := strings.Index(text[start:], closeTag)
			if end < 0 {
				text = text[:start]
				break
			}
			text = text[:start] + text[start+end+len(closeTag):]
		}
	}
	return strings.TrimSpace(text)
}

// TruncateTitle normalizes a model's answer into a short label: strip
// surrounding quotes and newlines, then cut at a word boundary.
func TruncateTitle(text string, maxChars int) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.Trim(strings.TrimSpace(text), `"'`)
	text = strings.TrimRight(text, ".")
	if len(text) <= maxChars {
		return text
	}
	cut := strings.LastIndexByte(text[:maxChars], ' ')
	if cut <= 0 {
		cut = maxChars
	}
	return strings.TrimSpace(text[:cut])
}
