// Package cmo implements the Chief Medical Officer orchestrator loop: three
// sequential LLM-driven phases (analyze, assemble, synthesize) plus a
// deterministic post-validator for team assembly, generalizing the
// teacher's Orchestrator.Process funnel and its ValidateConfig
// error-accumulation idiom to the spec's three-phase state machine.
package cmo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/healthinsight/orchestrator/internal/domain"
	"github.com/healthinsight/orchestrator/internal/eventbus"
	"github.com/healthinsight/orchestrator/internal/llm"
	"github.com/healthinsight/orchestrator/internal/prompts"
	"github.com/healthinsight/orchestrator/internal/tools"
	"github.com/healthinsight/orchestrator/internal/trace"
)

// defaultAnalyzeMaxToolCalls is used when ToolBudget is left unset (zero
// value), matching §4.M2's "small (e.g. ≤3)" suggestion.
const defaultAnalyzeMaxToolCalls = 3

// CMO drives the three-phase orchestrator loop for one query.
type CMO struct {
	LLM     llm.Client
	Tools   *tools.Registry
	Prompts *prompts.Catalog
	Bus     *eventbus.Bus
	Tracer  *trace.Recorder
	Model   string

	// ToolBudget bounds the Analyze phase's own tool-use loop (§6.4
	// cmo_tool_budget). Zero uses defaultAnalyzeMaxToolCalls.
	ToolBudget int

	// PerCallTimeout bounds each individual LLM completion this loop makes
	// (§6.4 per_llm_call_timeout_ms). Zero disables the timeout.
	PerCallTimeout time.Duration
}

func (c *CMO) analyzeMaxToolCalls() int {
	if c.ToolBudget > 0 {
		return c.ToolBudget
	}
	return defaultAnalyzeMaxToolCalls
}

type analyzeResponse struct {
	Complexity        []string `json:"complexity"`
	ApproachSummary   string   `json:"approach_summary"`
	InitialDataPoints []string `json:"initial_data_points"`
	Reasoning         string   `json:"reasoning"`
}

type taskSpec struct {
	Specialty      string `json:"specialty"`
	Objective      string `json:"objective"`
	Context        string `json:"context"`
	ExpectedOutput string `json:"expected_output"`
	Priority       string `json:"priority"`
}

type assembleResponse struct {
	Tasks []taskSpec `json:"tasks"`
}

type synthesizeResponse struct {
	Narrative          string   `json:"narrative"`
	KeyPoints          []string `json:"key_points"`
	UnresolvedConcerns []string `json:"unresolved_concerns"`
}

// Analyze runs Phase A: classify complexity and sketch an approach. It may
// invoke the health-data tool up to analyzeMaxToolCalls times before
// producing its final JSON response.
func (c *CMO) Analyze(ctx context.Context, query domain.Query, parentEventID string) (domain.InitialAnalysis, error) {
	phaseEventID := c.Tracer.StartEvent(domain.TraceTypeCMOPhase, "analyze", map[string]any{"agent_id": "cmo"}, parentEventID)
	c.Bus.Publish(domain.EventCMOAnalysisStarted, map[string]any{"query_id": query.QueryID})

	system, err := c.Prompts.Render("cmo", "analyze", map[string]any{
		"query_text":   query.Text,
		"current_date": query.ReceivedAt.Format("2006-01-02"),
	})
	if err != nil {
		runErr := domain.NewRunError(domain.ErrPromptRenderError, query.QueryID, err)
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return domain.InitialAnalysis{}, runErr
	}

	text, runErr := c.runToolLoop(ctx, query.QueryID, phaseEventID, system,
		[]llm.Message{{Role: "user", Content: query.Text}}, c.analyzeMaxToolCalls())
	if runErr != nil {
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return domain.InitialAnalysis{}, runErr
	}

	var resp analyzeResponse
	if !parseJSONObject(text, &resp) {
		runErr = domain.NewRunError(domain.ErrResponseParseError, query.QueryID, nil)
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return domain.InitialAnalysis{}, runErr
	}

	complexity := resolveComplexity(resp.Complexity)
	analysis := domain.InitialAnalysis{
		Complexity:        complexity,
		ApproachSummary:   resp.ApproachSummary,
		InitialDataPoints: resp.InitialDataPoints,
		CMOReasoning:      resp.Reasoning,
	}

	c.Tracer.EndEvent(phaseEventID, map[string]any{"complexity": complexity.String()}, nil)
	c.Bus.Publish(domain.EventCMOAnalysisComplete, map[string]any{"query_id": query.QueryID, "complexity": complexity.String()})
	return analysis, nil
}

// resolveComplexity applies the tie-break rule: when the model names more
// than one class, the higher wins; an empty or unrecognized set defaults to
// STANDARD via domain.ParseComplexityClass.
func resolveComplexity(names []string) domain.ComplexityClass {
	best := domain.ComplexityUnknown
	for _, n := range names {
		c := domain.ParseComplexityClass(strings.ToUpper(strings.TrimSpace(n)))
		if c > best {
			best = c
		}
	}
	if best == domain.ComplexityUnknown {
		return domain.ComplexityStandard
	}
	return best
}

// Assemble runs Phase B: produce a specialist team satisfying the
// deterministic constraints, repairing once on violation before failing
// with TEAM_ASSEMBLY_INVALID.
func (c *CMO) Assemble(ctx context.Context, query domain.Query, analysis domain.InitialAnalysis, parentEventID string) ([]domain.SpecialistTask, error) {
	phaseEventID := c.Tracer.StartEvent(domain.TraceTypeCMOPhase, "assemble", map[string]any{"agent_id": "cmo"}, parentEventID)

	system, err := c.Prompts.Render("cmo", "assemble", map[string]any{
		"query_text":       query.Text,
		"complexity":       analysis.Complexity.String(),
		"approach_summary": analysis.ApproachSummary,
	})
	if err != nil {
		runErr := domain.NewRunError(domain.ErrPromptRenderError, query.QueryID, err)
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return nil, runErr
	}

	tasks, violations, runErr := c.assembleOnce(ctx, query, analysis, phaseEventID, system)
	if runErr != nil {
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return nil, runErr
	}

	if len(violations) > 0 {
		repairSystem, err := c.Prompts.Render("cmo", "assemble_repair", map[string]any{
			"query_text": query.Text,
			"violations": strings.Join(violations, "; "),
		})
		if err != nil {
			runErr := domain.NewRunError(domain.ErrPromptRenderError, query.QueryID, err)
			c.Tracer.EndEvent(phaseEventID, nil, runErr)
			return nil, runErr
		}
		tasks, violations, runErr = c.assembleOnce(ctx, query, analysis, phaseEventID, repairSystem)
		if runErr != nil {
			c.Tracer.EndEvent(phaseEventID, nil, runErr)
			return nil, runErr
		}
		if len(violations) > 0 {
			runErr = domain.NewRunError(domain.ErrTeamAssemblyInvalid, query.QueryID,
				fmt.Errorf("team assembly still invalid after repair: %s", strings.Join(violations, "; ")))
			c.Tracer.EndEvent(phaseEventID, nil, runErr)
			return nil, runErr
		}
	}

	specialties := make([]string, 0, len(tasks))
	for _, t := range tasks {
		specialties = append(specialties, string(t.Specialty))
	}
	c.Tracer.EndEvent(phaseEventID, map[string]any{"team_size": len(tasks)}, nil)
	c.Bus.Publish(domain.EventTeamAssembled, map[string]any{"query_id": query.QueryID, "specialists": specialties})
	return tasks, nil
}

// assembleOnce performs one LLM call for team assembly and runs the
// deterministic post-validator, returning any constraint violations found
// rather than failing immediately — the caller decides whether to repair.
func (c *CMO) assembleOnce(ctx context.Context, query domain.Query, analysis domain.InitialAnalysis, phaseEventID, system string) ([]domain.SpecialistTask, []string, *domain.RunError) {
	text, runErr := c.runToolLoop(ctx, query.QueryID, phaseEventID, system,
		[]llm.Message{{Role: "user", Content: "Assemble the team now."}}, 0)
	if runErr != nil {
		return nil, nil, runErr
	}

	var resp assembleResponse
	if !parseJSONObject(text, &resp) {
		return nil, nil, domain.NewRunError(domain.ErrResponseParseError, query.QueryID, nil)
	}

	maxToolCalls := analysis.Complexity.MaxToolCalls()
	tasks := make([]domain.SpecialistTask, 0, len(resp.Tasks))
	for _, ts := range resp.Tasks {
		tasks = append(tasks, domain.SpecialistTask{
			TaskID:         uuid.NewString(),
			QueryID:        query.QueryID,
			Specialty:      domain.SpecialtyTag(ts.Specialty),
			Objective:      ts.Objective,
			Context:        ts.Context,
			ExpectedOutput: ts.ExpectedOutput,
			Priority:       parsePriority(ts.Priority),
			MaxToolCalls:   maxToolCalls,
		})
	}

	violations := ValidateTeam(tasks, analysis.Complexity)
	return tasks, violations, nil
}

// ValidateTeam checks the Phase B constraints deterministically and returns
// every violation found (empty slice means the team is valid). Exported so
// it can be exercised directly by tests without driving an LLM call.
func ValidateTeam(tasks []domain.SpecialistTask, complexity domain.ComplexityClass) []string {
	var violations []string

	min, max := complexity.TeamSizeBounds()
	if len(tasks) < min || len(tasks) > max {
		violations = append(violations, fmt.Sprintf("team size %d outside bounds [%d,%d] for %s", len(tasks), min, max, complexity))
	}

	otherSpecialties := 0
	hasGeneralPractice := false
	for _, t := range tasks {
		if !domain.ValidSpecialty(t.Specialty) {
			violations = append(violations, fmt.Sprintf("task %s has unknown specialty %q", t.TaskID, t.Specialty))
			continue
		}
		if t.Specialty == domain.SpecialtyGeneralPractice {
			hasGeneralPractice = true
		} else {
			otherSpecialties++
		}
		if strings.TrimSpace(t.Objective) == "" {
			violations = append(violations, fmt.Sprintf("task %s has empty objective", t.TaskID))
		}
		if strings.TrimSpace(t.ExpectedOutput) == "" {
			violations = append(violations, fmt.Sprintf("task %s has empty expected_output", t.TaskID))
		}
	}
	if !hasGeneralPractice && otherSpecialties < 3 {
		violations = append(violations, "general_practice must be included unless 3 or more other specialties are present")
	}

	return violations
}

func parsePriority(s string) domain.Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return domain.PriorityHigh
	case "LOW":
		return domain.PriorityLow
	default:
		return domain.PriorityMedium
	}
}

// Synthesize runs Phase C: produce a final narrative from the collected
// SpecialistResults. Requires at least one COMPLETE result.
func (c *CMO) Synthesize(ctx context.Context, query domain.Query, results []domain.SpecialistResult, parentEventID string) (domain.Synthesis, error) {
	phaseEventID := c.Tracer.StartEvent(domain.TraceTypeSynthesis, "synthesize", map[string]any{"agent_id": "cmo"}, parentEventID)
	c.Bus.Publish(domain.EventSynthesisStarted, map[string]any{"query_id": query.QueryID})

	hasComplete := false
	for _, r := range results {
		if r.Status == domain.StatusComplete {
			hasComplete = true
			break
		}
	}
	if !hasComplete {
		runErr := domain.NewRunError(domain.ErrNoSpecialistSucceeded, query.QueryID, nil)
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return domain.Synthesis{}, runErr
	}

	system, err := c.Prompts.Render("cmo", "synthesize", map[string]any{
		"query_text":      query.Text,
		"results_summary": summarizeResults(results),
	})
	if err != nil {
		runErr := domain.NewRunError(domain.ErrPromptRenderError, query.QueryID, err)
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return domain.Synthesis{}, runErr
	}

	text, runErr := c.runToolLoop(ctx, query.QueryID, phaseEventID, system,
		[]llm.Message{{Role: "user", Content: "Synthesize the final answer now."}}, 0)
	if runErr != nil {
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return domain.Synthesis{}, runErr
	}

	var resp synthesizeResponse
	if !parseJSONObject(text, &resp) {
		runErr = domain.NewRunError(domain.ErrResponseParseError, query.QueryID, nil)
		c.Tracer.EndEvent(phaseEventID, nil, runErr)
		return domain.Synthesis{}, runErr
	}

	synthesis := domain.Synthesis{
		QueryID:            query.QueryID,
		Narrative:          resp.Narrative,
		KeyPoints:          resp.KeyPoints,
		UnresolvedConcerns: resp.UnresolvedConcerns,
	}
	c.Tracer.EndEvent(phaseEventID, nil, nil)
	c.Bus.Publish(domain.EventSynthesisComplete, map[string]any{"query_id": query.QueryID})
	return synthesis, nil
}

func summarizeResults(results []domain.SpecialistResult) string {
	sorted := make([]domain.SpecialistResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })

	var b strings.Builder
	for _, r := range sorted {
		fmt.Fprintf(&b, "[%s] specialty=%s status=%s confidence=%.2f\n", r.TaskID, r.Specialty, r.Status, r.Confidence)
		if r.Status == domain.StatusComplete {
			fmt.Fprintf(&b, "  findings: %s\n", strings.Join(r.Findings, "; "))
			fmt.Fprintf(&b, "  recommendations: %s\n", strings.Join(r.Recommendations, "; "))
			if len(r.Concerns) > 0 {
				fmt.Fprintf(&b, "  concerns: %s\n", strings.Join(r.Concerns, "; "))
			}
		} else if r.Error != nil {
			fmt.Fprintf(&b, "  error: %s (%s)\n", r.Error.Kind, r.Error.Message)
		}
	}
	return b.String()
}

// runToolLoop drives a bounded LLM completion allowing up to maxToolCalls
// health_query invocations (0 disables tool use entirely) and returns the
// final accumulated assistant text.
func (c *CMO) runToolLoop(ctx context.Context, queryID, phaseEventID, system string, messages []llm.Message, maxToolCalls int) (string, *domain.RunError) {
	var toolDefs []tools.Definition
	if maxToolCalls > 0 && c.Tools != nil {
		toolDefs = c.Tools.ListDefinitions()
	}

	used := 0
	for {
		if ctx.Err() != nil {
			return "", domain.NewRunError(domain.ErrCancelled, queryID, ctx.Err())
		}

		req := llm.Request{Model: c.Model, System: system, Messages: messages, Tools: toolDefs, Budget: llm.Budget{MaxTokens: 4096}}
		llmEventID := c.Tracer.StartEvent(domain.TraceTypeLLMCall, "cmo.turn", map[string]any{"agent_id": "cmo"}, phaseEventID)

		callCtx, cancel := llm.WithCallTimeout(ctx, c.PerCallTimeout)
		stream, err := c.LLM.Complete(callCtx, req)
		if err != nil {
			runErr := classifyCallErr(callCtx, ctx, err, queryID)
			cancel()
			c.Tracer.EndEvent(llmEventID, nil, runErr)
			return "", runErr
		}

		var text strings.Builder
		var toolCalls []llm.ToolCall
		var streamErr *domain.RunError
		for chunk := range stream {
			if chunk.Err != nil {
				streamErr = classifyCallErr(callCtx, ctx, chunk.Err, queryID)
				break
			}
			if chunk.IsTextDelta() {
				text.WriteString(chunk.TextDelta)
			} else if chunk.ToolUse != nil {
				toolCalls = append(toolCalls, *chunk.ToolUse)
			}
		}
		cancel()
		c.Tracer.EndEvent(llmEventID, map[string]any{"tool_calls": len(toolCalls)}, streamErr)
		if streamErr != nil {
			return "", streamErr
		}

		assistantMsg := llm.Message{Role: "assistant", Content: text.String(), ToolCalls: toolCalls}
		messages = append(messages, assistantMsg)

		if len(toolCalls) == 0 || used >= maxToolCalls {
			return text.String(), nil
		}

		results := make([]llm.ToolResult, 0, len(toolCalls))
		for _, tc := range toolCalls {
			if used >= maxToolCalls {
				results = append(results, llm.ToolResult{CallID: tc.CallID, Content: "tool budget exhausted", IsError: true})
				continue
			}
			toolEventID := c.Tracer.StartEvent(domain.TraceTypeToolCall, tc.ToolName, map[string]any{"agent_id": "cmo"}, phaseEventID)
			outcome, err := c.Tools.Invoke(ctx, tc.ToolName, tc.Input)
			used++
			if err != nil {
				runErr, _ := domain.AsRunError(err)
				c.Tracer.EndEvent(toolEventID, nil, runErr)
				results = append(results, llm.ToolResult{CallID: tc.CallID, Content: err.Error(), IsError: true})
				continue
			}
			c.Tracer.EndEvent(toolEventID, map[string]any{"ok": outcome.OK}, nil)
			results = append(results, llm.ToolResult{CallID: tc.CallID, Content: string(outcome.Value)})
		}
		messages = append(messages, llm.Message{Role: "tool", ToolResults: results})
	}
}

// classifyCallErr distinguishes a per-call timeout (callCtx's own deadline,
// derived from PerCallTimeout) from the outer ctx being cancelled, before
// falling back to generic provider-error classification.
func classifyCallErr(callCtx, outerCtx context.Context, err error, queryID string) *domain.RunError {
	if outerCtx.Err() != nil {
		return domain.NewRunError(domain.ErrCancelled, queryID, outerCtx.Err())
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return domain.NewRunError(domain.ErrTimeout, queryID, err)
	}
	if runErr, ok := domain.AsRunError(err); ok {
		return runErr
	}
	return domain.NewRunError(domain.ClassifyProviderError(err), queryID, err)
}

// parseJSONObject extracts the first '{'..last '}' span of text and
// unmarshals it into out, tolerating surrounding commentary or a markdown
// fence. Reports whether parsing succeeded.
func parseJSONObject(text string, out any) bool {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return false
	}
	return json.Unmarshal([]byte(text[start:end+1]), out) == nil
}
