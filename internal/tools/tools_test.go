package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/healthinsight/orchestrator/internal/domain"
)

type stubTool struct {
	name   string
	invoke func(ctx context.Context, input json.RawMessage) (Outcome, error)
}

func (s stubTool) Definition() Definition {
	return Definition{Name: s.name, Description: "stub"}
}

func (s stubTool) Invoke(ctx context.Context, input json.RawMessage) (Outcome, error) {
	return s.invoke(ctx, input)
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	tool := stubTool{name: "echo"}
	r.Register(tool)

	got, ok := r.Get("echo")
	if !ok {
		t.Fatal("expected tool to be registered")
	}
	if got.Definition().Name != "echo" {
		t.Errorf("Name = %q", got.Definition().Name)
	}
}

func TestUnregisterRemovesTool(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{name: "echo"})
	r.Unregister("echo")

	if _, ok := r.Get("echo"); ok {
		t.Fatal("expected tool to be removed")
	}
}

func TestListDefinitionsReturnsAllTools(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{name: "a"})
	r.Register(stubTool{name: "b"})

	defs := r.ListDefinitions()
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
}

func TestInvokeDispatchesToRegisteredTool(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{name: "echo", invoke: func(ctx context.Context, input json.RawMessage) (Outcome, error) {
		return Outcome{OK: true, Value: input}, nil
	}})

	out, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !out.OK || string(out.Value) != `{"x":1}` {
		t.Errorf("out = %+v", out)
	}
}

func TestInvokeUnknownToolFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "missing", nil)
	re, ok := domain.AsRunError(err)
	if !ok || re.Kind != domain.ErrUnknownTool {
		t.Errorf("error = %v, want ErrUnknownTool", err)
	}
}

func TestInvokeRejectsOversizedName(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), strings.Repeat("x", MaxToolNameLength+1), nil)
	re, ok := domain.AsRunError(err)
	if !ok || re.Kind != domain.ErrUnknownTool {
		t.Errorf("error = %v, want ErrUnknownTool for oversized name", err)
	}
}

func TestInvokeWrapsToolError(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{name: "broken", invoke: func(ctx context.Context, input json.RawMessage) (Outcome, error) {
		return Outcome{}, errors.New("boom")
	}})

	_, err := r.Invoke(context.Background(), "broken", nil)
	re, ok := domain.AsRunError(err)
	if !ok || re.Kind != domain.ErrToolFailure {
		t.Errorf("error = %v, want ErrToolFailure", err)
	}
}
