// Package healthdata provides a small, deterministic in-memory stand-in for
// the real health-record warehouse, wired behind the tools.Tool interface
// as the "health_query" tool. Production deployments register a different
// implementation against the same interface; the orchestration engine never
// imports this package directly.
package healthdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/healthinsight/orchestrator/internal/tools"
)

// LabResult is one entry in the fixture lab-result series.
type LabResult struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Date  string  `json:"date"`
}

// Medication is one entry in the fixture medication list.
type Medication struct {
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	Dosage    string `json:"dosage"`
}

// Vital is one entry in the fixture vitals series.
type Vital struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Date  string  `json:"date"`
}

// Store is a fixed, read-only fixture dataset.
type Store struct {
	Labs        []LabResult
	Medications []Medication
	Vitals      []Vital
}

// DefaultStore returns a small deterministic dataset exercising the seed
// scenarios: an HbA1c series, a cholesterol trend, a metformin start date,
// and a weight series.
func DefaultStore() *Store {
	return &Store{
		Labs: []LabResult{
			{Name: "HbA1c", Value: 7.2, Unit: "%", Date: "2023-10-12"},
			{Name: "HbA1c", Value: 6.8, Unit: "%", Date: "2024-01-09"},
			{Name: "HbA1c", Value: 6.1, Unit: "%", Date: "2024-04-07"},
			{Name: "LDL Cholesterol", Value: 142, Unit: "mg/dL", Date: "2023-08-01"},
			{Name: "LDL Cholesterol", Value: 128, Unit: "mg/dL", Date: "2024-02-01"},
			{Name: "LDL Cholesterol", Value: 110, Unit: "mg/dL", Date: "2024-07-01"},
		},
		Medications: []Medication{
			{Name: "Metformin", StartDate: "2023-09-15", Dosage: "500mg twice daily"},
		},
		Vitals: []Vital{
			{Name: "Weight", Value: 198, Unit: "lb", Date: "2023-09-15"},
			{Name: "Weight", Value: 189, Unit: "lb", Date: "2024-01-09"},
			{Name: "Weight", Value: 181, Unit: "lb", Date: "2024-04-07"},
		},
	}
}

type queryInput struct {
	Query string `json:"query"`
}

// Tool adapts Store to the tools.Tool interface as "health_query".
type Tool struct {
	store *Store
}

// NewTool wraps store as a registry-ready tool. A nil store uses DefaultStore.
func NewTool(store *Store) *Tool {
	if store == nil {
		store = DefaultStore()
	}
	return &Tool{store: store}
}

// Definition implements tools.Tool.
func (t *Tool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "health_query",
		Description: "Look up lab results, medications, and vitals from the patient's health record. Accepts a free-text query describing what to find.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "free-text description of the data to retrieve, e.g. 'recent HbA1c' or 'cholesterol trend'"}
			},
			"required": ["query"]
		}`),
	}
}

// Invoke implements tools.Tool. It matches the free-text query against the
// fixture dataset by simple substring matching over labs/medications/vitals
// section names.
func (t *Tool) Invoke(ctx context.Context, input json.RawMessage) (tools.Outcome, error) {
	var in queryInput
	if err := json.Unmarshal(input, &in); err != nil {
		return tools.Outcome{OK: false, Message: fmt.Sprintf("invalid input: %v", err)}, nil
	}

	q := strings.ToLower(in.Query)
	result := map[string]any{}

	if matchesAny(q, "hba1c", "lab", "cholesterol", "ldl") {
		result["labs"] = t.filterLabs(q)
	}
	if matchesAny(q, "medication", "metformin", "drug", "prescription") {
		result["medications"] = t.store.Medications
	}
	if matchesAny(q, "weight", "vital", "bmi") {
		result["vitals"] = t.store.Vitals
	}
	if len(result) == 0 {
		result["labs"] = t.store.Labs
		result["medications"] = t.store.Medications
		result["vitals"] = t.store.Vitals
	}

	value, err := json.Marshal(result)
	if err != nil {
		return tools.Outcome{}, err
	}
	return tools.Outcome{OK: true, Value: value}, nil
}

func (t *Tool) filterLabs(q string) []LabResult {
	if strings.Contains(q, "cholesterol") || strings.Contains(q, "ldl") {
		return filterLabsByName(t.store.Labs, "LDL Cholesterol")
	}
	if strings.Contains(q, "hba1c") {
		return filterLabsByName(t.store.Labs, "HbA1c")
	}
	return t.store.Labs
}

func filterLabsByName(labs []LabResult, name string) []LabResult {
	out := make([]LabResult, 0, len(labs))
	for _, l := range labs {
		if l.Name == name {
			out = append(out, l)
		}
	}
	return out
}

func matchesAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
