package ollie

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ollie-app/ollie/models"
)

// ToolFunc executes one tool invocation. The returned string is fed
// back to the model verbatim.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// ToolRegistry holds the local tools offered to models. It is the
// seam the run loop calls through; how tools come to be registered
// (built-ins, plugins) is the caller's business.
type ToolRegistry struct {
	mu    sync.RWMutex
	specs []models.ToolSpec
	fns   map[string]ToolFunc
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{fns: make(map[string]ToolFunc)}
}

// Register adds a tool. Registering the same name twice is an error.
func (t *ToolRegistry) Register(spec models.ToolSpec, fn ToolFunc) error {
	if spec.Function.Name == "" {
		return fmt.Errorf("tool spec must have a function name")
	}
	if fn == nil {
		return fmt.Errorf("tool '%s' must have an executor", spec.Function.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.fns[spec.Function.Name]; exists {
		return fmt.Errorf("tool '%s' is already registered", spec.Function.Name)
	}
	if spec.Type == "" {
		spec.Type = "function"
	}
	t.specs = append(t.specs, spec)
	t.fns[spec.Function.Name] = fn
	return nil
}

// Specs returns the declarations of every registered tool.
func (t *ToolRegistry) Specs() []models.ToolSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.ToolSpec, len(t.specs))
	copy(out, t.specs)
	return out
}

// Execute runs a tool by name and returns its output as a JSON object
// string: {"result": ...} on success, {"error": ...} on any failure,
// so the model always receives well-formed feedback.
func (t *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	t.mu.RLock()
	fn, ok := t.fns[name]
	t.mu.RUnlock()

	var execErr error
	var output string

	if !ok {
		execErr = fmt.Errorf("unknown or unavailable tool: %s", name)
	} else {
		output, execErr = fn(ctx, args)
	}

	if execErr != nil {
		errorBytes, _ := json.Marshal(map[string]string{"error": execErr.Error()})
		return string(errorBytes), execErr
	}

	resultBytes, err := json.Marshal(map[string]string{"result": output})
	if err != nil {
		errorBytes, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(errorBytes), fmt.Errorf("failed to marshal result for '%s': %w", name, err)
	}
	return string(resultBytes), nil
}
