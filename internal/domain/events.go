package domain

import "time"

// LifecycleEventKind is the closed set of event kinds the Analyst Service
// publishes to the Event Bus (spec §6.2).
type LifecycleEventKind string

const (
	EventQueryReceived       LifecycleEventKind = "query_received"
	EventCMOAnalysisStarted  LifecycleEventKind = "cmo_analysis_started"
	EventCMOAnalysisComplete LifecycleEventKind = "cmo_analysis_complete"
	EventTeamAssembled       LifecycleEventKind = "team_assembled"
	EventSpecialistStarted   LifecycleEventKind = "specialist_started"
	EventProgressUpdate      LifecycleEventKind = "progress_update"
	EventSpecialistCompleted LifecycleEventKind = "specialist_completed"
	EventSynthesisStarted    LifecycleEventKind = "synthesis_started"
	EventSynthesisComplete   LifecycleEventKind = "synthesis_complete"
	EventVizChunk            LifecycleEventKind = "viz_chunk"
	EventVizDone             LifecycleEventKind = "viz_done"
	EventVizFailed           LifecycleEventKind = "viz_failed"
	EventFinal               LifecycleEventKind = "final"
	EventFailed              LifecycleEventKind = "failed"
)

// IsTerminal reports whether this kind is one of the two terminal events a
// run may emit exactly once.
func (k LifecycleEventKind) IsTerminal() bool {
	return k == EventFinal || k == EventFailed
}

// Coalesces reports whether successive events of this kind for the same
// agent_id may be collapsed under backpressure.
func (k LifecycleEventKind) Coalesces() bool {
	return k == EventProgressUpdate
}

// LifecycleEvent is one entry in the ordered stream the Analyst Service
// publishes for a single query.
type LifecycleEvent struct {
	Seq     uint64
	Kind    LifecycleEventKind
	TS      time.Time
	Payload map[string]any
}

// AgentID extracts the agent_id/task_id payload key used for progress-
// update coalescing, returning "" if absent.
func (e LifecycleEvent) AgentID() string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload["agent_id"].(string); ok {
		return v
	}
	if v, ok := e.Payload["task_id"].(string); ok {
		return v
	}
	return ""
}

// TraceEventType distinguishes the kind of work a trace node records.
type TraceEventType string

const (
	TraceTypeQuery      TraceEventType = "query"
	TraceTypeCMOPhase   TraceEventType = "cmo_phase"
	TraceTypeSpecialist TraceEventType = "specialist"
	TraceTypeLLMCall    TraceEventType = "llm_call"
	TraceTypeToolCall   TraceEventType = "tool_call"
	TraceTypeSynthesis  TraceEventType = "synthesis"
	TraceTypeViz        TraceEventType = "visualization"
)

// TraceEvent is one node in the causal forest the Trace Recorder builds
// for a query.
type TraceEvent struct {
	EventID       string         `json:"event_id"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	TraceID       string         `json:"trace_id"`
	Type          TraceEventType `json:"type"`
	Stage         string         `json:"stage"`
	AgentID       string         `json:"agent_id,omitempty"`
	StartTS       time.Time      `json:"start_ts"`
	EndTS         *time.Time     `json:"end_ts,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Error         *RunError      `json:"error,omitempty"`
	Seq           uint64         `json:"seq"`
}

// TraceSummary aggregates counters across all events in a finalized trace.
type TraceSummary struct {
	LLMCalls  int            `json:"llm_calls"`
	ToolCalls int            `json:"tool_calls"`
	TotalMS   int64          `json:"total_ms"`
	ByAgent   map[string]int `json:"by_agent"`
}

// TraceDocument is the JSON-serializable, round-trippable shape finalize()
// produces (spec §6.3).
type TraceDocument struct {
	TraceID      string       `json:"trace_id"`
	RootEventID  string       `json:"root_event_id"`
	Events       []TraceEvent `json:"events"`
	CreatedAt    time.Time    `json:"created_at"`
	FinalizedAt  time.Time    `json:"finalized_at"`
	Summary      TraceSummary `json:"summary"`
}
