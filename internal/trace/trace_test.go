package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/healthinsight/orchestrator/internal/domain"
)

func TestRecorderBuildsForest(t *testing.T) {
	r := New()
	cmoID := r.StartEvent(domain.TraceTypeCMOPhase, "analyze", map[string]any{"agent_id": "cmo"}, r.rootID)
	llmID := r.StartEvent(domain.TraceTypeLLMCall, "analyze.complete", nil, cmoID)
	r.Note(llmID, "model", "claude-sonnet-4")
	r.EndEvent(llmID, map[string]any{"tokens": 42}, nil)
	r.EndEvent(cmoID, nil, nil)

	doc := r.Finalize()
	if doc.RootEventID != r.rootID {
		t.Fatalf("RootEventID = %q, want %q", doc.RootEventID, r.rootID)
	}
	if len(doc.Events) != 3 {
		t.Fatalf("len(Events) = %d, want 3", len(doc.Events))
	}
	if doc.Summary.LLMCalls != 1 {
		t.Errorf("Summary.LLMCalls = %d, want 1", doc.Summary.LLMCalls)
	}
	if doc.Summary.ByAgent["cmo"] != 1 {
		t.Errorf("Summary.ByAgent[cmo] = %d, want 1", doc.Summary.ByAgent["cmo"])
	}
	if err := ValidateForest(doc); err != nil {
		t.Errorf("ValidateForest: %v", err)
	}
}

func TestSeqIsMonotonic(t *testing.T) {
	r := New()
	a := r.StartEvent(domain.TraceTypeLLMCall, "a", nil, r.rootID)
	b := r.StartEvent(domain.TraceTypeLLMCall, "b", nil, r.rootID)

	doc := r.Finalize()
	byID := map[string]domain.TraceEvent{}
	for _, e := range doc.Events {
		byID[e.EventID] = e
	}
	if byID[a].Seq >= byID[b].Seq {
		t.Errorf("seq not monotonic: a=%d b=%d", byID[a].Seq, byID[b].Seq)
	}
}

func TestFileTraceStoreRoundTrip(t *testing.T) {
	r := New()
	child := r.StartEvent(domain.TraceTypeSpecialist, "run", map[string]any{"agent_id": "cardiology"}, r.rootID)
	r.EndEvent(child, nil, nil)
	doc := r.Finalize()

	dir := t.TempDir()
	store := NewFileTraceStore(dir)
	if err := store.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, doc.TraceID+".json"))
	if err != nil {
		t.Fatalf("reading saved json: %v", err)
	}
	var reloaded domain.TraceDocument
	if err := json.Unmarshal(data, &reloaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reloaded.TraceID != doc.TraceID || len(reloaded.Events) != len(doc.Events) {
		t.Errorf("round-tripped document does not match original")
	}
	if err := ValidateForest(reloaded); err != nil {
		t.Errorf("ValidateForest(reloaded): %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, doc.TraceID+".html")); err != nil {
		t.Errorf("expected html rendering to exist: %v", err)
	}
}
