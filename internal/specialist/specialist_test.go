package specialist

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/healthinsight/orchestrator/internal/domain"
	"github.com/healthinsight/orchestrator/internal/eventbus"
	"github.com/healthinsight/orchestrator/internal/healthdata"
	"github.com/healthinsight/orchestrator/internal/llm"
	"github.com/healthinsight/orchestrator/internal/prompts"
	"github.com/healthinsight/orchestrator/internal/tools"
	"github.com/healthinsight/orchestrator/internal/trace"
)

func newFixture(t *testing.T, client llm.Client) (*Runner, *trace.Recorder) {
	t.Helper()
	catalog, err := prompts.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	reg := tools.NewRegistry()
	reg.Register(healthdata.NewTool(healthdata.DefaultStore()))
	tr := trace.New()
	bus := eventbus.New(8)
	go func() {
		for range bus.Events() {
		}
	}()
	return &Runner{
		LLM: client, Tools: reg, Prompts: catalog, Bus: bus, Tracer: tr, Model: "test-model",
	}, tr
}

func baseTask() domain.SpecialistTask {
	return domain.SpecialistTask{
		TaskID: "t1", QueryID: "q1", Specialty: domain.SpecialtyCardiology,
		Objective: "assess risk", Context: "patient history", ExpectedOutput: "risk summary",
		Priority: domain.PriorityHigh, MaxToolCalls: 3,
	}
}

func TestRunCompletesWithoutTools(t *testing.T) {
	reply := `{"findings":["LDL improving"],"recommendations":["continue statin"],"concerns":[],"confidence":0.8}`
	client := llm.NewReplayClient(llm.ScriptedResponse{TextDeltas: []string{reply}, StopReason: llm.StopEndTurn})
	r, tr := newFixture(t, client)

	result := r.Run(context.Background(), baseTask(), SharedContext{CurrentDate: "2026-07-29"}, tr.TraceID())

	if result.Status != domain.StatusComplete {
		t.Fatalf("status = %v, want COMPLETE", result.Status)
	}
	if len(result.Findings) != 1 || result.Findings[0] != "LDL improving" {
		t.Errorf("findings = %v", result.Findings)
	}
	if result.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", result.Confidence)
	}
}

func TestRunInvokesToolThenCompletes(t *testing.T) {
	toolCall := llm.ToolCall{CallID: "c1", ToolName: "health_query", Input: json.RawMessage(`{"query":"cholesterol"}`)}
	final := `{"findings":["LDL trending down"],"recommendations":[],"concerns":[],"confidence":0.7}`
	client := llm.NewReplayClient(
		llm.ScriptedResponse{ToolCalls: []llm.ToolCall{toolCall}, StopReason: llm.StopToolUse},
		llm.ScriptedResponse{TextDeltas: []string{final}, StopReason: llm.StopEndTurn},
	)
	r, tr := newFixture(t, client)

	result := r.Run(context.Background(), baseTask(), SharedContext{CurrentDate: "2026-07-29"}, tr.TraceID())

	if result.Status != domain.StatusComplete {
		t.Fatalf("status = %v, want COMPLETE", result.Status)
	}
	if result.ToolCallsUsed != 1 {
		t.Errorf("ToolCallsUsed = %d, want 1", result.ToolCallsUsed)
	}
	if client.CallCount() != 2 {
		t.Errorf("CallCount = %d, want 2", client.CallCount())
	}
}

func TestRunBudgetExhaustedClampsConfidence(t *testing.T) {
	task := baseTask()
	task.MaxToolCalls = 1
	toolCall := llm.ToolCall{CallID: "c1", ToolName: "health_query", Input: json.RawMessage(`{"query":"hba1c"}`)}
	// Model keeps requesting tools past the budget on every turn.
	client := llm.NewReplayClient(llm.ScriptedResponse{ToolCalls: []llm.ToolCall{toolCall}, StopReason: llm.StopToolUse})
	r, tr := newFixture(t, client)

	result := r.Run(context.Background(), task, SharedContext{CurrentDate: "2026-07-29"}, tr.TraceID())

	if result.Status != domain.StatusBudgetExhausted {
		t.Fatalf("status = %v, want BUDGET_EXHAUSTED", result.Status)
	}
	if result.Confidence > 0.3 {
		t.Errorf("confidence = %v, want <= 0.3", result.Confidence)
	}
	if result.ToolCallsUsed != task.MaxToolCalls {
		t.Errorf("ToolCallsUsed = %d, want %d", result.ToolCallsUsed, task.MaxToolCalls)
	}
}

func TestRunResponseParseErrorAfterReask(t *testing.T) {
	client := llm.NewReplayClient(
		llm.ScriptedResponse{TextDeltas: []string{"not json at all"}, StopReason: llm.StopEndTurn},
		llm.ScriptedResponse{TextDeltas: []string{"still not json"}, StopReason: llm.StopEndTurn},
	)
	r, tr := newFixture(t, client)

	result := r.Run(context.Background(), baseTask(), SharedContext{CurrentDate: "2026-07-29"}, tr.TraceID())

	if result.Status != domain.StatusFailed {
		t.Fatalf("status = %v, want FAILED", result.Status)
	}
	if result.Error == nil || result.Error.Kind != domain.ErrResponseParseError {
		t.Errorf("error = %v, want RESPONSE_PARSE_ERROR", result.Error)
	}
	if client.CallCount() != 2 {
		t.Errorf("CallCount = %d, want 2 (one re-ask)", client.CallCount())
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	client := llm.NewReplayClient(llm.ScriptedResponse{TextDeltas: []string{"{}"}, StopReason: llm.StopEndTurn})
	r, tr := newFixture(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.Run(ctx, baseTask(), SharedContext{CurrentDate: "2026-07-29"}, tr.TraceID())

	if result.Status != domain.StatusCancelled {
		t.Fatalf("status = %v, want CANCELLED", result.Status)
	}
}

func TestRunProviderErrorFails(t *testing.T) {
	client := llm.NewReplayClient(llm.ScriptedResponse{Err: domain.NewRunError(domain.ErrContextOverflow, "q1", nil)})
	r, tr := newFixture(t, client)

	result := r.Run(context.Background(), baseTask(), SharedContext{CurrentDate: "2026-07-29"}, tr.TraceID())

	if result.Status != domain.StatusFailed {
		t.Fatalf("status = %v, want FAILED", result.Status)
	}
	if result.Error == nil || result.Error.Kind != domain.ErrContextOverflow {
		t.Errorf("error = %v, want CONTEXT_OVERFLOW", result.Error)
	}
}

// slowClient blocks until ctx is done (or a cap elapses) before ever
// sending a chunk, simulating a provider call that outlives a per-call
// timeout.
type slowClient struct{}

func (slowClient) Complete(ctx context.Context, req llm.Request) (llm.CompletionStream, error) {
	ch := make(chan llm.Chunk, 1)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
			ch <- llm.Chunk{Err: ctx.Err()}
		case <-time.After(5 * time.Second):
		}
	}()
	return ch, nil
}

func TestRunPerCallTimeoutClassifiesAsTimeout(t *testing.T) {
	r, tr := newFixture(t, slowClient{})
	r.PerCallTimeout = 20 * time.Millisecond

	result := r.Run(context.Background(), baseTask(), SharedContext{CurrentDate: "2026-07-29"}, tr.TraceID())

	if result.Status != domain.StatusFailed {
		t.Fatalf("status = %v, want FAILED", result.Status)
	}
	if result.Error == nil || result.Error.Kind != domain.ErrTimeout {
		t.Errorf("error = %v, want TIMEOUT", result.Error)
	}
}

func TestSpecialistEventsPublished(t *testing.T) {
	reply := `{"findings":[],"recommendations":[],"concerns":[],"confidence":0.5}`
	client := llm.NewReplayClient(llm.ScriptedResponse{TextDeltas: []string{reply}, StopReason: llm.StopEndTurn})
	catalog, _ := prompts.DefaultCatalog()
	reg := tools.NewRegistry()
	tr := trace.New()
	bus := eventbus.New(8)
	r := &Runner{LLM: client, Tools: reg, Prompts: catalog, Bus: bus, Tracer: tr, Model: "test-model"}

	var kinds []domain.LifecycleEventKind
	done := make(chan struct{})
	go func() {
		for ev := range bus.Events() {
			kinds = append(kinds, ev.Kind)
		}
		close(done)
	}()

	r.Run(context.Background(), baseTask(), SharedContext{CurrentDate: "2026-07-29"}, tr.TraceID())
	bus.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out draining bus")
	}

	if len(kinds) != 2 || kinds[0] != domain.EventSpecialistStarted || kinds[1] != domain.EventSpecialistCompleted {
		t.Errorf("kinds = %v, want [specialist_started specialist_completed]", kinds)
	}
}
