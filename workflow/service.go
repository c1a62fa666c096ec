package workflow

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/types"
)

// WorkflowService is the application-facing facade over the orchestrator and
// the event store: submission, async submission, resume, cancellation, and
// read-side queries derived purely from the event log.
type WorkflowService struct {
	orchestrator *Orchestrator
	store        event.Store
	logger       *zap.Logger
}

// NewWorkflowService wraps an orchestrator and its store.
func NewWorkflowService(orchestrator *Orchestrator, store event.Store, logger *zap.Logger) *WorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowService{
		orchestrator: orchestrator,
		store:        store,
		logger:       logger.With(zap.String("component", "workflow_service")),
	}
}

// Start runs a workflow definition synchronously to a terminal state.
func (s *WorkflowService) Start(ctx context.Context, def WorkflowDefinition) (*RunResult, error) {
	return s.orchestrator.Execute(ctx, def)
}

// StartAsync begins a run on its own goroutine and returns the workflow id
// immediately. The run's outcome lands in the event stream; done (optional)
// receives the result when the run reaches a terminal state.
func (s *WorkflowService) StartAsync(ctx context.Context, def WorkflowDefinition, done chan<- *RunResult) (string, error) {
	rs, err := s.orchestrator.prepareRun(ctx, def)
	if err != nil {
		return "", err
	}

	startPayload := map[string]any{
		"tasks":               encodeTasks(rs.graph.Tasks()),
		"max_duration_ns":     int64(def.MaxDuration),
		"enable_compensation": def.EnableCompensation,
	}
	if def.Retry != nil {
		startPayload["retry"] = encodeRetry(def.Retry)
	}
	if err := s.orchestrator.emit(ctx, rs.workflowID, "", event.TypeWorkflowStarted, startPayload); err != nil {
		s.orchestrator.unregister(rs.workflowID)
		return "", err
	}

	go func() {
		defer s.orchestrator.unregister(rs.workflowID)
		result, err := s.orchestrator.runLoop(ctx, rs)
		if err != nil {
			s.logger.Warn("async workflow failed",
				zap.String("workflow_id", rs.workflowID),
				zap.Error(err))
			result = &RunResult{WorkflowID: rs.workflowID, Status: StatusFailed}
		}
		if done != nil {
			done <- result
		}
	}()
	return rs.workflowID, nil
}

// Resume rebuilds an interrupted run from its event stream and drives it to
// a terminal state.
func (s *WorkflowService) Resume(ctx context.Context, workflowID string) (*RunResult, error) {
	return s.orchestrator.Resume(ctx, workflowID)
}

// Cancel requests cooperative cancellation of an active run. Returns false
// when no run with that id is active in this process.
func (s *WorkflowService) Cancel(workflowID, reason string) bool {
	return s.orchestrator.Cancel(workflowID, reason)
}

// WorkflowSummary is the read-side view of one stream, derived from events
// alone.
type WorkflowSummary struct {
	WorkflowID     string    `json:"workflow_id"`
	Status         string    `json:"status"`
	TasksTotal     int       `json:"tasks_total"`
	TasksCompleted int       `json:"tasks_completed"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	EventCount     int       `json:"event_count"`
}

// Summary folds one workflow's stream into a summary.
func (s *WorkflowService) Summary(ctx context.Context, workflowID string) (*WorkflowSummary, error) {
	events, err := s.store.Replay(ctx, workflowID)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreFailure,
			"replay stream %s", workflowID).WithCause(err)
	}
	if len(events) == 0 {
		return nil, types.Errorf(types.ErrWorkflowNotFound,
			"no event stream for workflow %q", workflowID)
	}
	return summarize(workflowID, events), nil
}

// List summarizes every persisted stream, sorted by workflow id.
func (s *WorkflowService) List(ctx context.Context) ([]*WorkflowSummary, error) {
	streams, err := s.store.QueryAll(ctx)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreFailure, "query streams").WithCause(err)
	}
	summaries := make([]*WorkflowSummary, 0, len(streams))
	for id, events := range streams {
		if len(events) == 0 {
			continue
		}
		summaries = append(summaries, summarize(id, events))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].WorkflowID < summaries[j].WorkflowID
	})
	return summaries, nil
}

// summarize derives the stream's status from its last lifecycle event; a
// stream with none is still running (or was interrupted mid-flight).
func summarize(workflowID string, events []event.Event) *WorkflowSummary {
	summary := &WorkflowSummary{
		WorkflowID: workflowID,
		Status:     "running",
		EventCount: len(events),
	}
	completed := make(map[string]bool)
	for _, ev := range events {
		switch ev.EventType {
		case event.TypeWorkflowStarted:
			summary.StartedAt = time.Unix(0, ev.TimestampNS)
			if tasks, ok := ev.Payload["tasks"].([]any); ok {
				summary.TasksTotal = len(tasks)
			}
		case event.TypeTaskCompleted:
			if taskID, ok := ev.Payload["task_id"].(string); ok {
				completed[taskID] = true
			}
		case event.TypeWorkflowCompleted:
			summary.Status = string(StatusCompleted)
			summary.FinishedAt = time.Unix(0, ev.TimestampNS)
		case event.TypeWorkflowFailed:
			summary.Status = string(StatusFailed)
			summary.FinishedAt = time.Unix(0, ev.TimestampNS)
		case event.TypeWorkflowCancelled:
			summary.Status = string(StatusCancelled)
			summary.FinishedAt = time.Unix(0, ev.TimestampNS)
		case event.TypeWorkflowTimedOut:
			summary.Status = string(StatusTimedOut)
			summary.FinishedAt = time.Unix(0, ev.TimestampNS)
		}
	}
	summary.TasksCompleted = len(completed)
	return summary
}
