// Package analyst implements the top-level coordinator (spec §4.T1): the
// Analyst Service drives CMO.analyze → CMO.assemble → Scheduler.RunAll →
// CMO.synthesize → Visualization.Generate → trace close-out, acting as the
// single funnel/producer for the query's Event Bus. Grounded on the
// teacher's Orchestrator.Process goroutine-producing-a-channel shape.
package analyst

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/healthinsight/orchestrator/internal/cmo"
	"github.com/healthinsight/orchestrator/internal/domain"
	"github.com/healthinsight/orchestrator/internal/eventbus"
	"github.com/healthinsight/orchestrator/internal/llm"
	"github.com/healthinsight/orchestrator/internal/prompts"
	"github.com/healthinsight/orchestrator/internal/scheduler"
	"github.com/healthinsight/orchestrator/internal/specialist"
	"github.com/healthinsight/orchestrator/internal/tools"
	"github.com/healthinsight/orchestrator/internal/trace"
	"github.com/healthinsight/orchestrator/internal/visualization"
)

// Service wires every component together and exposes the single Run entry
// point. Logger defaults to slog.Default() when nil.
type Service struct {
	LLM             llm.Client
	Tools           *tools.Registry
	Prompts         *prompts.Catalog
	TraceStore      trace.Store
	Model           string
	SchedulerConfig scheduler.Config

	// CMOToolBudget bounds the CMO's Analyze phase tool-use loop (§6.4
	// cmo_tool_budget). Zero uses the CMO package's own default.
	CMOToolBudget int

	// PerLLMCallTimeout bounds every individual LLM completion call made by
	// the CMO, Specialist Runner, and Visualization Generator (§6.4
	// per_llm_call_timeout_ms). Zero disables the timeout.
	PerLLMCallTimeout time.Duration

	// DisableTrace gates trace persistence (§6.4 trace_enabled, inverted so
	// the zero value keeps tracing on). The trace tree is always built in
	// memory to drive specialist/CMO bookkeeping; this only controls
	// whether Finalize's document is handed to TraceStore.
	DisableTrace bool

	// DisableVisualization gates the Visualization Generator (§6.4
	// visualization_enabled, inverted so the zero value keeps it on). When
	// set, Run skips straight to the final event with no viz_ref.
	DisableVisualization bool

	Logger *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run drives query to completion, returning a channel of LifecycleEvents.
// Exactly one terminal event (final or failed) is emitted before the
// channel closes, per §4.T1 and §3 invariant 5.
func (s *Service) Run(ctx context.Context, query domain.Query) <-chan domain.LifecycleEvent {
	bus := eventbus.New(eventbus.DefaultCapacity)
	tracer := trace.New()

	go s.drive(ctx, query, bus, tracer)

	return bus.Events()
}

func (s *Service) drive(ctx context.Context, query domain.Query, bus *eventbus.Bus, tracer *trace.Recorder) {
	defer bus.Close()
	defer s.finalizeTrace(tracer)

	root := tracer.RootEventID()
	bus.Publish(domain.EventQueryReceived, map[string]any{"query_id": query.QueryID})

	cmoAgent := &cmo.CMO{
		LLM: s.LLM, Tools: s.Tools, Prompts: s.Prompts, Bus: bus, Tracer: tracer, Model: s.Model,
		ToolBudget: s.CMOToolBudget, PerCallTimeout: s.PerLLMCallTimeout,
	}

	analysis, err := cmoAgent.Analyze(ctx, query, root)
	if err != nil {
		s.fail(bus, err)
		return
	}

	tasks, err := cmoAgent.Assemble(ctx, query, analysis, root)
	if err != nil {
		s.fail(bus, err)
		return
	}

	runner := &specialist.Runner{
		LLM: s.LLM, Tools: s.Tools, Prompts: s.Prompts, Bus: bus, Tracer: tracer, Model: s.Model,
		PerCallTimeout: s.PerLLMCallTimeout,
	}
	sched := &scheduler.Scheduler{Runner: runner, Bus: bus, Config: s.SchedulerConfig}
	shared := specialist.SharedContext{QueryText: query.Text, InitialAnalysis: analysis, CurrentDate: query.ReceivedAt.Format("2006-01-02")}

	results := sched.RunAll(ctx, tasks, shared, root)

	synthesis, err := cmoAgent.Synthesize(ctx, query, results, root)
	if err != nil {
		s.fail(bus, err)
		return
	}

	var vizOK bool
	if !s.DisableVisualization {
		viz := &visualization.Generator{
			LLM: s.LLM, Prompts: s.Prompts, Bus: bus, Tracer: tracer, Model: s.Model,
			PerCallTimeout: s.PerLLMCallTimeout,
		}
		_, vizOK = viz.Generate(ctx, query, synthesis, root)
	}

	payload := map[string]any{
		"trace_id":      tracer.TraceID(),
		"synthesis_ref": query.QueryID + ":synthesis",
	}
	if vizOK {
		payload["viz_ref"] = query.QueryID + ":viz"
	}
	bus.Publish(domain.EventFinal, payload)
}

func (s *Service) fail(bus *eventbus.Bus, err error) {
	runErr, ok := domain.AsRunError(err)
	kind := domain.ErrProviderError
	message := kind.DefaultMessage()
	if ok {
		kind = runErr.Kind
		message = runErr.UserMessage()
	}
	bus.Publish(domain.EventFailed, map[string]any{"error_kind": string(kind), "message": message})
}

func (s *Service) finalizeTrace(tracer *trace.Recorder) {
	doc := tracer.Finalize()
	if s.DisableTrace || s.TraceStore == nil {
		return
	}
	if err := s.TraceStore.Save(doc); err != nil {
		s.logger().Warn("trace persist failed",
			"error_kind", string(domain.ErrTracePersistFailed),
			"trace_id", doc.TraceID,
			"error", err)
	}
}

// NewQuery constructs a Query with a fresh opaque id and the current time,
// for callers that don't already have a query_id (e.g. the CLI entry
// point).
func NewQuery(text string) domain.Query {
	return domain.Query{QueryID: uuid.NewString(), Text: text, ReceivedAt: time.Now()}
}
