// Package trace implements the hierarchical, append-only execution trace:
// a causal forest of events rooted at one node per query, safe for
// concurrent specialists to write into.
package trace

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/healthinsight/orchestrator/internal/domain"
)

// Recorder assigns event_ids, maintains parent/child pointers, and
// finalizes a TraceDocument for one query. The implementation is safe to
// call from concurrent specialists (§5): the event map and its insertion
// order are mutated under a single mutex, matching the teacher's
// single-lock TracePlugin, and the per-event seq counter is atomic.
type Recorder struct {
	traceID string
	rootID  string

	mu     sync.Mutex
	events map[string]*domain.TraceEvent
	order  []string // event_id insertion order, for deterministic iteration
	seq    atomic.Uint64
}

// New creates a Recorder for a fresh trace, rooted at a TraceTypeQuery
// event.
func New() *Recorder {
	r := &Recorder{
		traceID: uuid.NewString(),
		events:  make(map[string]*domain.TraceEvent),
	}
	r.rootID = r.StartEvent(domain.TraceTypeQuery, "query", nil, "")
	return r
}

// TraceID returns the id of the trace this Recorder is building.
func (r *Recorder) TraceID() string { return r.traceID }

// RootEventID returns the trace's root event, the parent every top-level
// phase (CMO, Scheduler, Visualization) attaches itself to.
func (r *Recorder) RootEventID() string { return r.rootID }

// StartEvent allocates a new event, recording its parent if given, and
// returns its event_id. parent == "" means "root" (only valid for the
// Recorder's own root event).
func (r *Recorder) StartEvent(typ domain.TraceEventType, stage string, attrs map[string]any, parent string) string {
	id := uuid.NewString()
	ev := &domain.TraceEvent{
		EventID:       id,
		ParentEventID: parent,
		TraceID:       r.traceID,
		Type:          typ,
		Stage:         stage,
		StartTS:       time.Now(),
		Attributes:    attrs,
		Seq:           r.seq.Add(1),
	}
	if agentID, ok := attrs["agent_id"].(string); ok {
		ev.AgentID = agentID
	}

	r.mu.Lock()
	r.events[id] = ev
	r.order = append(r.order, id)
	r.mu.Unlock()
	return id
}

// EndEvent closes the named event, optionally merging additional
// attributes and recording an error.
func (r *Recorder) EndEvent(eventID string, attrs map[string]any, runErr *domain.RunError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	if !ok {
		return
	}
	now := time.Now()
	ev.EndTS = &now
	if attrs != nil {
		if ev.Attributes == nil {
			ev.Attributes = make(map[string]any, len(attrs))
		}
		for k, v := range attrs {
			ev.Attributes[k] = v
		}
	}
	ev.Error = runErr
}

// Note records a single mid-flight annotation on an in-progress event.
func (r *Recorder) Note(eventID, key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	if !ok {
		return
	}
	if ev.Attributes == nil {
		ev.Attributes = make(map[string]any)
	}
	ev.Attributes[key] = value
}

// Finalize closes the root event (if still open), assembles the
// TraceDocument, and returns it. Finalize does not persist the document;
// callers pass it to a Store.
func (r *Recorder) Finalize() domain.TraceDocument {
	r.EndEvent(r.rootID, nil, nil)

	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]domain.TraceEvent, 0, len(r.order))
	summary := domain.TraceSummary{ByAgent: make(map[string]int)}
	var earliestStart, latestEnd time.Time

	for _, id := range r.order {
		ev := *r.events[id]
		events = append(events, ev)

		switch ev.Type {
		case domain.TraceTypeLLMCall:
			summary.LLMCalls++
		case domain.TraceTypeToolCall:
			summary.ToolCalls++
		}
		if ev.AgentID != "" {
			summary.ByAgent[ev.AgentID]++
		}
		if earliestStart.IsZero() || ev.StartTS.Before(earliestStart) {
			earliestStart = ev.StartTS
		}
		if ev.EndTS != nil && ev.EndTS.After(latestEnd) {
			latestEnd = *ev.EndTS
		}
	}
	if !latestEnd.IsZero() && !earliestStart.IsZero() {
		summary.TotalMS = latestEnd.Sub(earliestStart).Milliseconds()
	}

	finalizedAt := time.Now()
	return domain.TraceDocument{
		TraceID:     r.traceID,
		RootEventID: r.rootID,
		Events:      events,
		CreatedAt:   earliestStart,
		FinalizedAt: finalizedAt,
		Summary:     summary,
	}
}

// ValidateForest checks the structural invariants a round-tripped
// TraceDocument must satisfy: every parent_event_id resolves to an event
// present in the document, with an earlier (or equal) start and a
// superset lifetime.
func ValidateForest(doc domain.TraceDocument) error {
	byID := make(map[string]domain.TraceEvent, len(doc.Events))
	for _, ev := range doc.Events {
		byID[ev.EventID] = ev
	}
	for _, ev := range doc.Events {
		if ev.ParentEventID == "" {
			continue
		}
		parent, ok := byID[ev.ParentEventID]
		if !ok {
			return fmt.Errorf("trace: event %s references missing parent %s", ev.EventID, ev.ParentEventID)
		}
		if parent.StartTS.After(ev.StartTS) {
			return fmt.Errorf("trace: event %s starts before parent %s", ev.EventID, ev.ParentEventID)
		}
		if parent.EndTS != nil && ev.EndTS != nil && ev.EndTS.After(*parent.EndTS) {
			return fmt.Errorf("trace: event %s ends after parent %s", ev.EventID, ev.ParentEventID)
		}
	}
	return nil
}
