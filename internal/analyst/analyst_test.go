package analyst

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/healthinsight/orchestrator/internal/domain"
	"github.com/healthinsight/orchestrator/internal/healthdata"
	"github.com/healthinsight/orchestrator/internal/llm"
	"github.com/healthinsight/orchestrator/internal/prompts"
	"github.com/healthinsight/orchestrator/internal/scheduler"
	"github.com/healthinsight/orchestrator/internal/tools"
)

func newService(t *testing.T, client llm.Client) *Service {
	t.Helper()
	catalog, err := prompts.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	reg := tools.NewRegistry()
	reg.Register(healthdata.NewTool(healthdata.DefaultStore()))
	return &Service{
		LLM: client, Tools: reg, Prompts: catalog, Model: "test-model",
		SchedulerConfig: scheduler.DefaultConfig(),
	}
}

func collect(t *testing.T, events <-chan domain.LifecycleEvent, timeout time.Duration) []domain.LifecycleEvent {
	t.Helper()
	var got []domain.LifecycleEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("timed out collecting events")
		}
	}
}

// TestRunHbA1cLookupScenario exercises the SIMPLE-complexity single-task
// path end to end: Analyze -> Assemble (general_practice only, required
// since no other specialties are present) -> one specialist run against
// the HbA1c fixture data -> Synthesize -> Visualization -> final.
func TestRunHbA1cLookupScenario(t *testing.T) {
	analyzeReply := `{"complexity":["SIMPLE"],"approach_summary":"single lookup","initial_data_points":["HbA1c"],"reasoning":"direct lab question"}`
	assembleReply := `{"tasks":[{"specialty":"general_practice","objective":"report latest HbA1c","context":"patient asked for their latest HbA1c","expected_output":"current value and trend","priority":"HIGH"}]}`
	specialistReply := `{"findings":["HbA1c is 6.1%, improved from 7.2% a year ago"],"recommendations":["continue current regimen"],"concerns":[],"confidence":0.85}`
	synthesizeReply := `{"narrative":"HbA1c has improved steadily.","key_points":["6.1% latest reading"],"unresolved_concerns":[]}`
	vizReply := `<view-component>HbA1c trend chart</view-component>`

	client := llm.NewReplayClient(
		llm.ScriptedResponse{TextDeltas: []string{analyzeReply}, StopReason: llm.StopEndTurn},
		llm.ScriptedResponse{TextDeltas: []string{assembleReply}, StopReason: llm.StopEndTurn},
		llm.ScriptedResponse{TextDeltas: []string{specialistReply}, StopReason: llm.StopEndTurn},
		llm.ScriptedResponse{TextDeltas: []string{synthesizeReply}, StopReason: llm.StopEndTurn},
		llm.ScriptedResponse{TextDeltas: []string{vizReply}, StopReason: llm.StopEndTurn},
	)
	s := newService(t, client)

	query := domain.Query{QueryID: "q-hba1c", Text: "what is my latest HbA1c and has it improved?", ReceivedAt: time.Now()}
	events := collect(t, s.Run(context.Background(), query), 5*time.Second)

	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if last.Kind != domain.EventFinal {
		t.Fatalf("last event kind = %v, want final; payload=%v", last.Kind, last.Payload)
	}
	if last.Payload["trace_id"] == nil || last.Payload["trace_id"] == "" {
		t.Error("final event missing trace_id")
	}
	if last.Payload["synthesis_ref"] == nil {
		t.Error("final event missing synthesis_ref")
	}
	if last.Payload["viz_ref"] == nil {
		t.Error("final event missing viz_ref (visualization succeeded)")
	}

	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("seq not strictly increasing at %d", i)
		}
	}

	wantSeen := map[domain.LifecycleEventKind]bool{
		domain.EventQueryReceived:       false,
		domain.EventCMOAnalysisComplete: false,
		domain.EventTeamAssembled:       false,
		domain.EventSpecialistStarted:   false,
		domain.EventSpecialistCompleted: false,
		domain.EventSynthesisComplete:   false,
		domain.EventVizDone:             false,
	}
	for _, ev := range events {
		if _, ok := wantSeen[ev.Kind]; ok {
			wantSeen[ev.Kind] = true
		}
	}
	for kind, seen := range wantSeen {
		if !seen {
			t.Errorf("expected to see event kind %v", kind)
		}
	}
}

// TestRunNoSpecialistSucceededScenario drives a single specialist to a
// RESPONSE_PARSE_ERROR failure (invalid JSON survives the one re-ask) so
// the query ends with failed{error_kind=NO_SPECIALIST_SUCCEEDED} — the
// only specialist failed, so Synthesize never runs.
func TestRunNoSpecialistSucceededScenario(t *testing.T) {
	analyzeReply := `{"complexity":["SIMPLE"],"approach_summary":"lookup","initial_data_points":[],"reasoning":"r"}`
	assembleReply := `{"tasks":[{"specialty":"general_practice","objective":"o","context":"c","expected_output":"e","priority":"MEDIUM"}]}`

	client := llm.NewReplayClient(
		llm.ScriptedResponse{TextDeltas: []string{analyzeReply}, StopReason: llm.StopEndTurn},
		llm.ScriptedResponse{TextDeltas: []string{assembleReply}, StopReason: llm.StopEndTurn},
		llm.ScriptedResponse{TextDeltas: []string{"not valid json"}, StopReason: llm.StopEndTurn},
		llm.ScriptedResponse{TextDeltas: []string{"still not valid json"}, StopReason: llm.StopEndTurn},
	)
	s := newService(t, client)

	query := domain.Query{QueryID: "q-fail", Text: "anything", ReceivedAt: time.Now()}
	events := collect(t, s.Run(context.Background(), query), 5*time.Second)

	last := events[len(events)-1]
	if last.Kind != domain.EventFailed {
		t.Fatalf("last event kind = %v, want failed", last.Kind)
	}
	if last.Payload["error_kind"] != string(domain.ErrNoSpecialistSucceeded) {
		t.Errorf("error_kind = %v, want %v", last.Payload["error_kind"], domain.ErrNoSpecialistSucceeded)
	}
	message, _ := last.Payload["message"].(string)
	if strings.TrimSpace(message) == "" {
		t.Error("failed event missing a human-readable message")
	}
}
