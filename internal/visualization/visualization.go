// Package visualization implements the self-contained view-artifact
// producer (spec §4.M4): one streamed, tool-free LLM call whose text
// deltas are relayed to the Event Bus as viz_chunk events. Grounded on the
// teacher's streamPhase text-accumulation loop in internal/agent/loop.go,
// stripped of tool-use handling since this call never requests tools.
package visualization

import (
	"context"
	"strings"
	"time"

	"github.com/healthinsight/orchestrator/internal/domain"
	"github.com/healthinsight/orchestrator/internal/eventbus"
	"github.com/healthinsight/orchestrator/internal/llm"
	"github.com/healthinsight/orchestrator/internal/prompts"
	"github.com/healthinsight/orchestrator/internal/trace"
)

// Generator produces one VisualizationArtifact per query. Failures are
// non-fatal to the overall query: Generate always returns a nil error to
// its caller's result path by reporting failure through the bus (viz_failed)
// and returning ok=false instead of propagating an error up the call stack,
// matching §4.M4's "on any error, emit viz_failed and continue."
type Generator struct {
	LLM     llm.Client
	Prompts *prompts.Catalog
	Bus     *eventbus.Bus
	Tracer  *trace.Recorder
	Model   string

	// PerCallTimeout bounds this call (§6.4 per_llm_call_timeout_ms). Zero
	// disables the timeout.
	PerCallTimeout time.Duration
}

// Generate attempts to render a VisualizationArtifact from the synthesis.
// ok reports whether an artifact was produced; callers proceed with the
// query's final response regardless.
func (g *Generator) Generate(ctx context.Context, query domain.Query, synthesis domain.Synthesis, parentEventID string) (artifact domain.VisualizationArtifact, ok bool) {
	vizEventID := g.Tracer.StartEvent(domain.TraceTypeViz, "generate", map[string]any{"agent_id": "visualization"}, parentEventID)

	system, err := g.Prompts.Render("visualization", "system", map[string]any{
		"narrative":  synthesis.Narrative,
		"key_points": strings.Join(synthesis.KeyPoints, "; "),
	})
	if err != nil {
		g.fail(query, vizEventID, domain.NewRunError(domain.ErrPromptRenderError, query.QueryID, err))
		return domain.VisualizationArtifact{}, false
	}

	req := llm.Request{
		Model:    g.Model,
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: "Produce the visualization artifact now."}},
		Budget:   llm.Budget{MaxTokens: 2048},
	}
	callCtx, cancel := llm.WithCallTimeout(ctx, g.PerCallTimeout)
	defer cancel()

	stream, err := g.LLM.Complete(callCtx, req)
	if err != nil {
		g.fail(query, vizEventID, classifyErr(callCtx, ctx, err, query.QueryID))
		return domain.VisualizationArtifact{}, false
	}

	var content strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			g.fail(query, vizEventID, classifyErr(callCtx, ctx, chunk.Err, query.QueryID))
			return domain.VisualizationArtifact{}, false
		}
		if chunk.IsTextDelta() && chunk.TextDelta != "" {
			content.WriteString(chunk.TextDelta)
			g.Bus.Publish(domain.EventVizChunk, map[string]any{"query_id": query.QueryID, "delta": chunk.TextDelta})
		}
	}

	if content.Len() == 0 {
		g.fail(query, vizEventID, domain.NewRunError(domain.ErrVizFailed, query.QueryID, nil))
		return domain.VisualizationArtifact{}, false
	}

	artifact = domain.VisualizationArtifact{MediaType: "view-component/v1", Content: content.String()}
	g.Tracer.EndEvent(vizEventID, map[string]any{"bytes": content.Len()}, nil)
	g.Bus.Publish(domain.EventVizDone, map[string]any{"query_id": query.QueryID})
	return artifact, true
}

func (g *Generator) fail(query domain.Query, vizEventID string, runErr *domain.RunError) {
	g.Tracer.EndEvent(vizEventID, nil, runErr)
	g.Bus.Publish(domain.EventVizFailed, map[string]any{"query_id": query.QueryID, "error_kind": string(runErr.Kind)})
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
