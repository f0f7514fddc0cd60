package modelstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(Tool{
		Name:        "lookup",
		Description: "looks things up",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			return "result:" + args.Query, nil
		},
	})

	out, err := r.Execute(context.Background(), "lookup", `{"query":"weather"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "result:weather" {
		t.Fatalf("Execute() = %q, want %q", out, "result:weather")
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", `{}`)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("error = %v, want ErrUnknownTool", err)
	}
}

func TestRegistrySpecsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry(
		Tool{Name: "b", InputSchema: map[string]any{}},
		Tool{Name: "a", InputSchema: map[string]any{}},
	)
	specs := r.Specs()
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}
	first := specs[0]["toolSpec"].(map[string]any)
	if first["name"] != "b" {
		t.Fatalf("first spec name = %v, want b", first["name"])
	}
}
