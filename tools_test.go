package ollie

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ollie-app/ollie/models"
)

func specFor(name string) models.ToolSpec {
	return models.ToolSpec{Function: models.FunctionDef{Name: name}}
}

func TestRegister_Validation(t *testing.T) {
	reg := NewToolRegistry()

	if err := reg.Register(models.ToolSpec{}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", nil
	}); err == nil {
		t.Error("nameless spec must be rejected")
	}
	if err := reg.Register(specFor("x"), nil); err == nil {
		t.Error("nil executor must be rejected")
	}

	fn := func(ctx context.Context, args map[string]interface{}) (string, error) { return "ok", nil }
	if err := reg.Register(specFor("x"), fn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(specFor("x"), fn); err == nil {
		t.Error("duplicate name must be rejected")
	}

	specs := reg.Specs()
	if len(specs) != 1 || specs[0].Type != "function" {
		t.Errorf("specs = %+v", specs)
	}
}

func TestExecute_WrapsResultAsJSON(t *testing.T) {
	reg := NewToolRegistry()
	_ = reg.Register(specFor("echo"), func(ctx context.Context, args map[string]interface{}) (string, error) {
		return fmt.Sprintf("%v", args["msg"]), nil
	})

	out, err := reg.Execute(context.Background(), "echo", map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if parsed["result"] != "hi" {
		t.Errorf("result = %v", parsed["result"])
	}
}

func TestExecute_ErrorsBecomeJSON(t *testing.T) {
	reg := NewToolRegistry()
	_ = reg.Register(specFor("boom"), func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", fmt.Errorf("it broke")
	})

	out, err := reg.Execute(context.Background(), "boom", nil)
	if err == nil {
		t.Error("expected execution error to be returned")
	}
	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(out), &parsed); jsonErr != nil {
		t.Fatalf("error output is not JSON: %q", out)
	}
	if parsed["error"] == nil {
		t.Errorf("parsed = %v", parsed)
	}

	out, _ = reg.Execute(context.Background(), "missing", nil)
	if jsonErr := json.Unmarshal([]byte(out), &parsed); jsonErr != nil {
		t.Fatalf("unknown-tool output is not JSON: %q", out)
	}
}
