package session

import (
	"context"

	"github.com/ollie-app/ollie/models"
)

// RunSpec describes one generation turn: the history to send, the
// target model and the provider to send it through.
//
// MessageID is the caller's correlation token. The runner echoes it on
// the run-start event so the caller can bind the run id it never saw
// assigned. IsTitleRun marks the title synthesizer's nested runs so
// they never trigger titling themselves.
type RunSpec struct {
	ProviderID string
	Model      string
	Messages   []models.ChatMessage
	Options    *models.ChatOptions
	MessageID  string
	IsTitleRun bool
}

// Runner launches generation runs and reports their progress on the
// shared event bus. StartRun returns synchronously-detectable failures
// (no model, provider resolution) as errors; after a nil return the
// run's outcome arrives via bus events only, and the returned func
// cancels the run's context.
type Runner interface {
	StartRun(ctx context.Context, spec RunSpec) (func(), error)
	CancelRun(runID string)
}
