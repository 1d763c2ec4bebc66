// Package specialist implements the bounded tool-use loop that turns one
// SpecialistTask into a SpecialistResult (spec §4.M1). The loop's phase
// structure (stream, execute tools, continue, complete) generalizes the
// teacher's AgenticLoop state machine to a single non-interactive task with
// a hard tool-call budget instead of an open-ended chat session.
package specialist

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/healthinsight/orchestrator/internal/domain"
	"github.com/healthinsight/orchestrator/internal/eventbus"
	"github.com/healthinsight/orchestrator/internal/llm"
	"github.com/healthinsight/orchestrator/internal/prompts"
	"github.com/healthinsight/orchestrator/internal/tools"
	"github.com/healthinsight/orchestrator/internal/trace"
)

// SharedContext carries the read-only state every specialist in a run sees:
// the CMO's InitialAnalysis and the current date used for prompt rendering.
// Specialists never see each other's results (§5: "otherwise independent").
type SharedContext struct {
	QueryText       string
	InitialAnalysis domain.InitialAnalysis
	CurrentDate     string
}

// Runner executes SpecialistTasks against an LLM client and tool registry,
// reporting lifecycle events and trace nodes as it goes.
type Runner struct {
	LLM      llm.Client
	Tools    *tools.Registry
	Prompts  *prompts.Catalog
	Bus      *eventbus.Bus
	Tracer   *trace.Recorder
	Model    string
	MaxTurns int // hard ceiling on stream/tool round-trips, independent of MaxToolCalls

	// PerCallTimeout bounds each individual LLM completion this loop makes
	// (§6.4 per_llm_call_timeout_ms). Zero disables the timeout.
	PerCallTimeout time.Duration
}

const defaultMaxTurns = 25

// parsedResponse is the required JSON response schema from §4.M1 step 5.
type parsedResponse struct {
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
	Concerns        []string `json:"concerns"`
	Confidence      float64  `json:"confidence"`
}

// Run executes task to completion (or to a terminal failure/cancellation
// status) and returns exactly one SpecialistResult, per §3 invariant 1.
// parentEventID anchors this specialist's trace subtree to its caller.
func (r *Runner) Run(ctx context.Context, task domain.SpecialistTask, shared SharedContext, parentEventID string) domain.SpecialistResult {
	start := time.Now()
	maxTurns := r.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	specEventID := r.Tracer.StartEvent(domain.TraceTypeSpecialist, string(task.Specialty),
		map[string]any{"agent_id": task.TaskID, "task_id": task.TaskID, "specialty": string(task.Specialty)}, parentEventID)

	r.Bus.Publish(domain.EventSpecialistStarted, map[string]any{
		"task_id": task.TaskID, "agent_id": task.TaskID, "specialty": string(task.Specialty),
	})

	systemPrompt, err := r.Prompts.Render(string(task.Specialty), "system", map[string]any{
		"current_date": shared.CurrentDate,
	})
	if err != nil {
		return r.fail(task, specEventID, start, domain.NewRunError(domain.ErrPromptRenderError, task.QueryID, err))
	}
	taskPrompt, err := r.Prompts.Render("specialist", "task", map[string]any{
		"objective":       task.Objective,
		"context":         task.Context,
		"expected_output": task.ExpectedOutput,
	})
	if err != nil {
		return r.fail(task, specEventID, start, domain.NewRunError(domain.ErrPromptRenderError, task.QueryID, err))
	}

	messages := []llm.Message{{Role: "user", Content: taskPrompt}}
	toolDefs := r.Tools.ListDefinitions()
	toolCallsUsed := 0
	var lastAssistantText string
	budgetExhausted := false

	for turn := 0; turn < maxTurns; turn++ {
		if ctx.Err() != nil {
			return r.cancelled(task, specEventID, start, toolCallsUsed)
		}

		req := llm.Request{
			Model:    r.Model,
			System:   systemPrompt,
			Messages: messages,
			Tools:    toolDefs,
			Budget:   llm.Budget{MaxTokens: 4096},
		}
		llmEventID := r.Tracer.StartEvent(domain.TraceTypeLLMCall, "specialist.turn", map[string]any{"agent_id": task.TaskID, "turn": turn}, specEventID)

		callCtx, cancel := llm.WithCallTimeout(ctx, r.PerCallTimeout)
		stream, err := r.LLM.Complete(callCtx, req)
		if err != nil {
			runErr := classifyErr(callCtx, ctx, err, task.QueryID)
			cancel()
			r.Tracer.EndEvent(llmEventID, nil, runErr)
			return r.fail(task, specEventID, start, runErr)
		}

		var textBuilder strings.Builder
		var toolCalls []llm.ToolCall
		var streamErr *domain.RunError
		var terminal *llm.Terminal

		for chunk := range stream {
			if chunk.Err != nil {
				streamErr = classifyErr(callCtx, ctx, chunk.Err, task.QueryID)
				break
			}
			if chunk.IsTextDelta() {
				textBuilder.WriteString(chunk.TextDelta)
				continue
			}
			if chunk.ToolUse != nil {
				toolCalls = append(toolCalls, *chunk.ToolUse)
				continue
			}
			if chunk.Terminal != nil {
				t := *chunk.Terminal
				terminal = &t
			}
		}
		cancel()

		r.Tracer.EndEvent(llmEventID, map[string]any{"tool_calls": len(toolCalls)}, streamErr)
		if streamErr != nil {
			if ctx.Err() != nil {
				return r.cancelled(task, specEventID, start, toolCallsUsed)
			}
			return r.fail(task, specEventID, start, streamErr)
		}

		lastAssistantText = textBuilder.String()
		assistantMsg := llm.Message{Role: "assistant", Content: lastAssistantText}
		for _, tc := range toolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, tc)
		}
		messages = append(messages, assistantMsg)

		if len(toolCalls) == 0 {
			break
		}

		if toolCallsUsed >= task.MaxToolCalls {
			budgetExhausted = true
			break
		}

		results := make([]llm.ToolResult, 0, len(toolCalls))
		for _, tc := range toolCalls {
			if toolCallsUsed >= task.MaxToolCalls {
				results = append(results, llm.ToolResult{CallID: tc.CallID, Content: "tool budget exhausted", IsError: true})
				continue
			}
			toolEventID := r.Tracer.StartEvent(domain.TraceTypeToolCall, tc.ToolName, map[string]any{"agent_id": task.TaskID, "call_id": tc.CallID}, specEventID)
			outcome, err := r.Tools.Invoke(ctx, tc.ToolName, tc.Input)
			toolCallsUsed++
			if err != nil {
				runErr, _ := domain.AsRunError(err)
				r.Tracer.EndEvent(toolEventID, nil, runErr)
				results = append(results, llm.ToolResult{CallID: tc.CallID, Content: err.Error(), IsError: true})
				continue
			}
			r.Tracer.EndEvent(toolEventID, map[string]any{"ok": outcome.OK}, nil)
			if !outcome.OK {
				results = append(results, llm.ToolResult{CallID: tc.CallID, Content: outcome.Message, IsError: true})
				continue
			}
			results = append(results, llm.ToolResult{CallID: tc.CallID, Content: string(outcome.Value)})
		}

		resultMsg := llm.Message{Role: "tool", ToolResults: results}
		messages = append(messages, resultMsg)

		if terminal != nil && terminal.StopReason == llm.StopMaxTokens {
			budgetExhausted = true
			break
		}
	}

	if budgetExhausted {
		parsed, _ := tryParse(lastAssistantText)
		confidence := domain.ClampConfidence(parsed.Confidence, domain.StatusBudgetExhausted)
		result := domain.SpecialistResult{
			TaskID: task.TaskID, Specialty: task.Specialty, Status: domain.StatusBudgetExhausted,
			Findings: parsed.Findings, Recommendations: parsed.Recommendations, Concerns: parsed.Concerns,
			Confidence: confidence, ToolCallsUsed: toolCallsUsed, ElapsedMS: time.Since(start).Milliseconds(),
			Error: domain.NewRunError(domain.ErrBudgetExhausted, task.QueryID, nil),
		}
		r.finishEvents(task, specEventID, result)
		return result
	}

	parsed, ok := tryParse(lastAssistantText)
	if !ok {
		reaskMsg := llm.Message{Role: "user", Content: "Your previous reply was not valid JSON matching the required schema. Reply again with only the JSON object."}
		messages = append(messages, reaskMsg)
		req := llm.Request{Model: r.Model, System: systemPrompt, Messages: messages, Budget: llm.Budget{MaxTokens: 2048}}
		if reparsed, ok2 := r.reaskOnce(ctx, req); ok2 {
			parsed, ok = reparsed, true
		}
		if !ok {
			runErr := domain.NewRunError(domain.ErrResponseParseError, task.QueryID, nil)
			return r.fail(task, specEventID, start, runErr)
		}
	}

	confidence := domain.ClampConfidence(parsed.Confidence, domain.StatusComplete)
	result := domain.SpecialistResult{
		TaskID: task.TaskID, Specialty: task.Specialty, Status: domain.StatusComplete,
		Findings: parsed.Findings, Recommendations: parsed.Recommendations, Concerns: parsed.Concerns,
		Confidence: confidence, ToolCallsUsed: toolCallsUsed, ElapsedMS: time.Since(start).Milliseconds(),
	}
	r.finishEvents(task, specEventID, result)
	return result
}

// reaskOnce issues the single best-effort re-ask a malformed response earns
// (§4.M1 step 5), respecting the same per-call timeout as every other
// completion this runner makes.
func (r *Runner) reaskOnce(ctx context.Context, req llm.Request) (parsedResponse, bool) {
	callCtx, cancel := llm.WithCallTimeout(ctx, r.PerCallTimeout)
	defer cancel()

	stream, err := r.LLM.Complete(callCtx, req)
	if err != nil {
		return parsedResponse{}, false
	}
	var b strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			break
		}
		if chunk.IsTextDelta() {
			b.WriteString(chunk.TextDelta)
		}
	}
	return tryParse(b.String())
}

func (r *Runner) finishEvents(task domain.SpecialistTask, specEventID string, result domain.SpecialistResult) {
	r.Tracer.EndEvent(specEventID, map[string]any{"status": string(result.Status), "tool_calls_used": result.ToolCallsUsed}, result.Error)
	r.Bus.Publish(domain.EventSpecialistCompleted, map[string]any{
		"task_id": task.TaskID, "agent_id": task.TaskID, "status": string(result.Status), "confidence": result.Confidence,
	})
}

func (r *Runner) fail(task domain.SpecialistTask, specEventID string, start time.Time, runErr *domain.RunError) domain.SpecialistResult {
	result := domain.SpecialistResult{
		TaskID: task.TaskID, Specialty: task.Specialty, Status: domain.StatusFailed,
		Confidence: 0, ElapsedMS: time.Since(start).Milliseconds(), Error: runErr,
	}
	r.finishEvents(task, specEventID, result)
	return result
}

func (r *Runner) cancelled(task domain.SpecialistTask, specEventID string, start time.Time, toolCallsUsed int) domain.SpecialistResult {
	result := domain.SpecialistResult{
		TaskID: task.TaskID, Specialty: task.Specialty, Status: domain.StatusCancelled,
		ToolCallsUsed: toolCallsUsed, ElapsedMS: time.Since(start).Milliseconds(),
		Error: domain.NewRunError(domain.ErrCancelled, task.QueryID, nil),
	}
	r.finishEvents(task, specEventID, result)
	return result
}

// classifyErr distinguishes a per-call timeout (callCtx's own deadline,
// derived from PerCallTimeout) from the outer ctx being cancelled, before
// falling back to generic provider-error classification.
func classifyErr(callCtx, outerCtx context.Context, err error, queryID string) *domain.RunError {
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

// tryParse extracts the JSON response object from text, tolerating a
// surrounding markdown code fence or leading/trailing commentary by taking
// the first '{'..last '}' span.
func tryParse(text string) (parsedResponse, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return parsedResponse{}, false
	}
	var p parsedResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return parsedResponse{}, false
	}
	return p, true
}
