// Package scheduler implements concurrent execution of specialist tasks
// with a priority queue, a bounded worker pool, per-task and global
// deadlines, and failure isolation (spec §4.M3). The semaphore-bounded
// worker pool and deterministic result sort are grounded on the teacher's
// Swarm.Execute; since specialist tasks carry no inter-task dependencies
// (unlike the teacher's DependencyGraph stages), task ordering is a flat
// container/heap priority queue instead of dependency stages.
package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/healthinsight/orchestrator/internal/domain"
	"github.com/healthinsight/orchestrator/internal/eventbus"
	"github.com/healthinsight/orchestrator/internal/specialist"
)

// Config bounds concurrency and wall-clock time for one Scheduler.RunAll
// call.
type Config struct {
	// MaxParallel caps tasks in flight simultaneously. Default 5.
	MaxParallel int
	// PerTaskDeadline bounds one specialist's run. Default 120s.
	PerTaskDeadline time.Duration
	// GlobalDeadline bounds the whole RunAll call. Default 10 minutes.
	GlobalDeadline time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{MaxParallel: 5, PerTaskDeadline: 120 * time.Second, GlobalDeadline: 10 * time.Minute}
}

func sanitize(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = d.MaxParallel
	}
	if cfg.PerTaskDeadline <= 0 {
		cfg.PerTaskDeadline = d.PerTaskDeadline
	}
	if cfg.GlobalDeadline <= 0 {
		cfg.GlobalDeadline = d.GlobalDeadline
	}
	return cfg
}

// maxRetries bounds the N=1 retry-on-transient-failure policy (§4.M3).
const maxRetries = 1

// SpecialistRunner is the capability the Scheduler dispatches tasks to.
// *specialist.Runner satisfies it; tests substitute a fake to control
// per-task outcomes without driving a real tool-use loop.
type SpecialistRunner interface {
	Run(ctx context.Context, task domain.SpecialistTask, shared specialist.SharedContext, parentEventID string) domain.SpecialistResult
}

// Scheduler dispatches SpecialistTasks to a Runner with bounded
// concurrency, priority ordering, and deadline enforcement.
type Scheduler struct {
	Runner SpecialistRunner
	Bus    *eventbus.Bus
	Config Config
}

// taskQueue is a container/heap priority queue ordering by Priority
// (HIGH > MEDIUM > LOW) then FIFO on task_id, per §4.M3.
type taskQueue []domain.SpecialistTask

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].TaskID < q[j].TaskID
}
func (q taskQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)         { *q = append(*q, x.(domain.SpecialistTask)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// RunAll executes every task in tasks, respecting MaxParallel, per-task and
// global deadlines, and failure isolation: one task's failure never aborts
// its siblings. Results are returned sorted by task_id (§5 ordering
// guarantee); progress_update events are emitted in completion order.
func (s *Scheduler) RunAll(ctx context.Context, tasks []domain.SpecialistTask, shared specialist.SharedContext, traceParentID string) []domain.SpecialistResult {
	cfg := sanitize(s.Config)
	if len(tasks) == 0 {
		return nil
	}

	globalCtx, cancel := context.WithTimeout(ctx, cfg.GlobalDeadline)
	defer cancel()

	q := &taskQueue{}
	heap.Init(q)
	for _, t := range tasks {
		heap.Push(q, t)
	}

	ordered := make([]domain.SpecialistTask, 0, len(tasks))
	for q.Len() > 0 {
		ordered = append(ordered, heap.Pop(q).(domain.SpecialistTask))
	}

	sem := make(chan struct{}, cfg.MaxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]domain.SpecialistResult, 0, len(ordered))
	completed := 0
	total := len(ordered)

	for _, task := range ordered {
		task := task

		select {
		case sem <- struct{}{}:
		case <-globalCtx.Done():
			mu.Lock()
			results = append(results, cancelledResult(task))
			completed++
			mu.Unlock()
			s.emitProgress(task, domain.StatusCancelled, completed, total)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			result := s.runWithRetry(globalCtx, task, shared, traceParentID, cfg.PerTaskDeadline)

			mu.Lock()
			results = append(results, result)
			completed++
			n := completed
			mu.Unlock()
			s.emitProgress(task, result.Status, n, total)
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	return results
}

// runWithRetry runs task once, retrying up to maxRetries times on a
// transient RATE_LIMITED/PROVIDER_ERROR failure with exponential backoff,
// per §4.M3 ("no retries by default" for other failure kinds).
func (s *Scheduler) runWithRetry(ctx context.Context, task domain.SpecialistTask, shared specialist.SharedContext, traceParentID string, perTaskDeadline time.Duration) domain.SpecialistResult {
	var result domain.SpecialistResult
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		taskCtx, cancel := context.WithTimeout(ctx, perTaskDeadline)
		result = s.Runner.Run(taskCtx, task, shared, traceParentID)
		cancel()

		if taskCtx.Err() != nil && result.Status != domain.StatusComplete {
			if ctx.Err() != nil {
				result.Status = domain.StatusCancelled
				result.Error = domain.NewRunError(domain.ErrCancelled, task.QueryID, ctx.Err())
			} else {
				result.Status = domain.StatusTimeout
				result.Error = domain.NewRunError(domain.ErrTimeout, task.QueryID, taskCtx.Err())
			}
			return result
		}
		if result.Status != domain.StatusFailed || result.Error == nil || !result.Error.Kind.IsRetryable() {
			return result
		}
		if attempt == maxRetries {
			return result
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return result
		}
		backoff *= 2
	}
	return result
}

func (s *Scheduler) emitProgress(task domain.SpecialistTask, status domain.SpecialistStatus, completed, total int) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(domain.EventProgressUpdate, map[string]any{
		"agent_id":        task.TaskID,
		"task_id":         task.TaskID,
		"status":          string(status),
		"overall_fraction": float64(completed) / float64(total),
	})
}

func cancelledResult(task domain.SpecialistTask) domain.SpecialistResult {
	return domain.SpecialistResult{
		TaskID: task.TaskID, Specialty: task.Specialty, Status: domain.StatusCancelled,
		Error: domain.NewRunError(domain.ErrCancelled, task.QueryID, nil),
	}
}
