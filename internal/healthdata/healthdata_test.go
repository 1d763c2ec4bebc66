package healthdata

import (
	"context"
	"encoding/json"
	"testing"
)

func invoke(t *testing.T, tool *Tool, query string) map[string]any {
	t.Helper()
	input, err := json.Marshal(queryInput{Query: query})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	out, err := tool.Invoke(context.Background(), input)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !out.OK {
		t.Fatalf("Invoke() OK = false, message = %q", out.Message)
	}
	var result map[string]any
	if err := json.Unmarshal(out.Value, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return result
}

func TestInvokeFiltersHbA1c(t *testing.T) {
	tool := NewTool(DefaultStore())
	result := invoke(t, tool, "recent HbA1c")

	labs, ok := result["labs"].([]any)
	if !ok || len(labs) == 0 {
		t.Fatalf("expected labs in result, got %+v", result)
	}
	for _, entry := range labs {
		lab := entry.(map[string]any)
		if lab["name"] != "HbA1c" {
			t.Errorf("expected only HbA1c entries, got %v", lab["name"])
		}
	}
	if _, hasMeds := result["medications"]; hasMeds {
		t.Error("expected medications not to be included for a lab-only query")
	}
}

func TestInvokeFiltersCholesterol(t *testing.T) {
	tool := NewTool(DefaultStore())
	result := invoke(t, tool, "cholesterol trend")

	labs := result["labs"].([]any)
	for _, entry := range labs {
		lab := entry.(map[string]any)
		if lab["name"] != "LDL Cholesterol" {
			t.Errorf("expected only LDL Cholesterol entries, got %v", lab["name"])
		}
	}
}

func TestInvokeMatchesMedications(t *testing.T) {
	tool := NewTool(DefaultStore())
	result := invoke(t, tool, "current medications")

	meds, ok := result["medications"].([]any)
	if !ok || len(meds) != 1 {
		t.Fatalf("expected one medication, got %+v", result["medications"])
	}
}

func TestInvokeMatchesVitals(t *testing.T) {
	tool := NewTool(DefaultStore())
	result := invoke(t, tool, "weight history")

	if _, ok := result["vitals"]; !ok {
		t.Fatalf("expected vitals in result, got %+v", result)
	}
}

func TestInvokeReturnsEverythingOnUnmatchedQuery(t *testing.T) {
	tool := NewTool(DefaultStore())
	result := invoke(t, tool, "anything else entirely")

	for _, key := range []string{"labs", "medications", "vitals"} {
		if _, ok := result[key]; !ok {
			t.Errorf("expected %q in fallback result, got %+v", key, result)
		}
	}
}

func TestInvokeRejectsMalformedInput(t *testing.T) {
	tool := NewTool(DefaultStore())
	out, err := tool.Invoke(context.Background(), json.RawMessage(`not json`))
	if err != nil {
		t.Fatalf("Invoke() error = %v, want nil with OK=false", err)
	}
	if out.OK {
		t.Error("expected OK=false for malformed input")
	}
}

func TestNewToolDefaultsNilStore(t *testing.T) {
	tool := NewTool(nil)
	if tool.store == nil {
		t.Fatal("expected nil store to default to DefaultStore")
	}
}

func TestDefinitionName(t *testing.T) {
	tool := NewTool(DefaultStore())
	if tool.Definition().Name != "health_query" {
		t.Errorf("Definition().Name = %q", tool.Definition().Name)
	}
}
