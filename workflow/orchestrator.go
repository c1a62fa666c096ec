package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/types"
)

// Status is the terminal state of a workflow run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// RunResult is the outcome of one workflow run. Cancellation and timeout
// are non-exceptional: Execute returns a RunResult with the matching status
// and a nil error.
type RunResult struct {
	WorkflowID     string
	Status         Status
	Results        map[string]map[string]any
	CompletedOrder []string
}

// Options tunes an Orchestrator. The zero value gives an unbounded,
// guard-free engine with default retry and circuit settings.
type Options struct {
	// MaxParallelism bounds concurrently executing tasks across the whole
	// orchestrator. Zero means unbounded.
	MaxParallelism int64
	// PerAgentParallelism bounds concurrently executing tasks per agent.
	// Zero means unbounded.
	PerAgentParallelism int64
	// AgentDispatchInterval is the minimum spacing between dispatches to
	// one agent. Zero disables rate limiting.
	AgentDispatchInterval time.Duration
	// CircuitThreshold is the consecutive-failure count that opens an
	// agent's circuit for CircuitReset.
	CircuitThreshold int
	// CircuitReset is the fixed cooldown of an opened agent circuit.
	CircuitReset time.Duration

	// Default backoff policy; overridable per workflow and per task.
	BackoffBase time.Duration
	Jitter      *float64
	MaxBackoff  time.Duration

	// Optional collaborators. Absence is explicit: a nil field skips the
	// corresponding gate.
	Security SecurityContext
	Schemas  TaskSchemaRegistry
	Policy   PolicyGuard

	// MetricsRegisterer enables prometheus metrics when non-nil.
	MetricsRegisterer prometheus.Registerer
	// TracerProvider overrides the global otel provider.
	TracerProvider trace.TracerProvider
}

// Orchestrator drives workflow runs: it owns the scheduling loop and the
// process-wide per-agent failure, circuit, and rate-limit state.
type Orchestrator struct {
	store  event.Store
	bus    event.Bus
	agents *AgentRegistry
	opts   Options

	defaults  retryPolicy
	globalSem *semaphore.Weighted
	tracer    trace.Tracer
	collector *metrics.Collector
	logger    *zap.Logger

	// runMu guards the set of active runs in this process.
	runMu  sync.Mutex
	active map[string]*runState

	// agentMu guards the process-wide per-agent health map. Agents may be
	// shared across concurrently running workflows.
	agentMu sync.Mutex
	health  map[string]*agentHealth
}

// agentHealth is the orchestrator's simplified per-agent circuit and rate
// state: consecutive failures, a fixed reset window, no half-open probe.
type agentHealth struct {
	failures  int
	openUntil time.Time
	limiter   *rate.Limiter
	sem       *semaphore.Weighted
}

// NewOrchestrator creates an engine over the given store, bus, and agent
// registry. bus may be nil to disable live notification.
func NewOrchestrator(store event.Store, bus event.Bus, agents *AgentRegistry, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CircuitThreshold <= 0 {
		opts.CircuitThreshold = 5
	}
	if opts.CircuitReset <= 0 {
		opts.CircuitReset = 30 * time.Second
	}

	defaults := defaultRetryPolicy()
	if opts.BackoffBase > 0 {
		defaults.backoffBase = opts.BackoffBase
	}
	if opts.Jitter != nil {
		defaults.jitter = *opts.Jitter
	}
	if opts.MaxBackoff > 0 {
		defaults.maxBackoff = opts.MaxBackoff
	}

	o := &Orchestrator{
		store:    store,
		bus:      bus,
		agents:   agents,
		opts:     opts,
		defaults: defaults,
		logger:   logger.With(zap.String("component", "orchestrator")),
		active:   make(map[string]*runState),
		health:   make(map[string]*agentHealth),
	}
	if opts.MaxParallelism > 0 {
		o.globalSem = semaphore.NewWeighted(opts.MaxParallelism)
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	o.tracer = tp.Tracer("github.com/taskmesh/taskmesh/workflow")
	if opts.MetricsRegisterer != nil {
		o.collector = metrics.NewCollector("taskmesh", opts.MetricsRegisterer)
	}
	return o
}

// runState is the mutable state of one workflow run, owned by its
// coordinating loop. Shared fields are mutated only after the round barrier.
type runState struct {
	workflowID    string
	graph         *TaskGraph
	maxDuration   time.Duration
	compensation  bool
	workflowRetry *RetryOverrides
	startedAt     time.Time

	completed map[string]bool
	order     []string
	results   map[string]map[string]any
	attempts  map[string]int

	// completedEmitted is the idempotent completion marker: at most one
	// task_completed per task id, even under concurrent completion paths.
	completedEmitted sync.Map

	mu           sync.Mutex
	cancelled    bool
	cancelReason string
}

func newRunState(workflowID string, def WorkflowDefinition) *runState {
	return &runState{
		workflowID:    workflowID,
		graph:         NewTaskGraph(),
		maxDuration:   def.MaxDuration,
		compensation:  def.EnableCompensation,
		workflowRetry: def.Retry,
		startedAt:     time.Now(),
		completed:     make(map[string]bool),
		results:       make(map[string]map[string]any),
		attempts:      make(map[string]int),
	}
}

func (rs *runState) requestCancel(reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.cancelled {
		rs.cancelled = true
		rs.cancelReason = reason
	}
}

func (rs *runState) cancellation() (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelReason, rs.cancelled
}

// Execute runs a workflow definition to a terminal state. Task failures are
// retried internally while attempts remain; only a terminal failure (or a
// non-retryable denial) is returned as an error.
func (o *Orchestrator) Execute(ctx context.Context, def WorkflowDefinition) (*RunResult, error) {
	rs, err := o.prepareRun(ctx, def)
	if err != nil {
		return nil, err
	}
	defer o.unregister(rs.workflowID)

	startPayload := map[string]any{
		"tasks":               encodeTasks(rs.graph.Tasks()),
		"max_duration_ns":     int64(def.MaxDuration),
		"enable_compensation": def.EnableCompensation,
	}
	if def.Retry != nil {
		startPayload["retry"] = encodeRetry(def.Retry)
	}
	if err := o.emit(ctx, rs.workflowID, "", event.TypeWorkflowStarted, startPayload); err != nil {
		return nil, err
	}

	return o.runLoop(ctx, rs)
}

// Cancel requests cooperative cancellation of an active run. The flag is
// polled once per scheduling round; in-flight agent calls are only
// interrupted by their own hard timeout.
func (o *Orchestrator) Cancel(workflowID, reason string) bool {
	o.runMu.Lock()
	rs, ok := o.active[workflowID]
	o.runMu.Unlock()
	if !ok {
		return false
	}
	rs.requestCancel(reason)
	return true
}

// ActiveWorkflows returns the ids of runs currently coordinated by this
// process.
func (o *Orchestrator) ActiveWorkflows() []string {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) prepareRun(ctx context.Context, def WorkflowDefinition) (*runState, error) {
	if len(def.Tasks) == 0 {
		return nil, types.NewError(types.ErrInvalidDefinition, "workflow has no tasks")
	}

	workflowID := def.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	} else {
		// A caller-supplied id must not collide with a pre-existing
		// persisted stream, even one written by another process.
		exists, err := event.HasStream(ctx, o.store, workflowID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, types.Errorf(types.ErrWorkflowConflict,
				"workflow id %q already has a persisted stream", workflowID)
		}
	}

	rs := newRunState(workflowID, def)
	for _, task := range def.Tasks {
		if rs.graph.Add(task) {
			o.logger.Warn("duplicate task id overwrites prior definition",
				zap.String("workflow_id", workflowID),
				zap.String("task_id", task.ID))
		}
	}

	if err := o.register(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func (o *Orchestrator) register(rs *runState) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if _, active := o.active[rs.workflowID]; active {
		return types.Errorf(types.ErrWorkflowConflict,
			"workflow id %q is already active in this process", rs.workflowID)
	}
	o.active[rs.workflowID] = rs
	return nil
}

func (o *Orchestrator) unregister(workflowID string) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	delete(o.active, workflowID)
}

// runLoop is the scheduling loop shared by Execute and Resume.
func (o *Orchestrator) runLoop(ctx context.Context, rs *runState) (*RunResult, error) {
	log := o.logger.With(zap.String("workflow_id", rs.workflowID))

	for {
		remaining := rs.graph.Remaining(rs.completed)
		if remaining == 0 {
			if err := o.emit(ctx, rs.workflowID, "", event.TypeWorkflowCompleted, map[string]any{
				"tasks_completed": len(rs.order),
			}); err != nil {
				return nil, err
			}
			o.collector.RecordWorkflow(string(StatusCompleted), time.Since(rs.startedAt))
			log.Info("workflow completed", zap.Int("tasks", len(rs.order)))
			return o.result(rs, StatusCompleted), nil
		}

		ready := rs.graph.Ready(rs.completed)
		if len(ready) == 0 {
			err := types.Errorf(types.ErrDeadlock,
				"no ready task with %d unfinished: deadlock or missing dependency", remaining)
			o.failWorkflow(ctx, rs, "", err)
			return nil, err
		}

		// Cancellation and run timeout are polled once per round.
		if reason, cancelled := rs.cancellation(); cancelled {
			o.emitBestEffort(ctx, rs.workflowID, event.TypeWorkflowCancelled, map[string]any{
				"reason": reason,
			})
			if rs.compensation {
				o.compensate(ctx, rs)
			}
			o.collector.RecordWorkflow(string(StatusCancelled), time.Since(rs.startedAt))
			log.Info("workflow cancelled", zap.String("reason", reason))
			return o.result(rs, StatusCancelled), nil
		}
		if rs.maxDuration > 0 && time.Since(rs.startedAt) > rs.maxDuration {
			o.emitBestEffort(ctx, rs.workflowID, event.TypeWorkflowTimedOut, map[string]any{
				"max_duration_ns": int64(rs.maxDuration),
			})
			if rs.compensation {
				o.compensate(ctx, rs)
			}
			o.collector.RecordWorkflow(string(StatusTimedOut), time.Since(rs.startedAt))
			log.Warn("workflow timed out", zap.Duration("max_duration", rs.maxDuration))
			return o.result(rs, StatusTimedOut), nil
		}

		outcomes := o.dispatchRound(ctx, rs, ready)

		// Single-writer merge: run state is mutated only here, after every
		// dispatch of the round has resolved.
		var fatal *taskOutcome
		for i := range outcomes {
			oc := &outcomes[i]
			switch oc.kind {
			case outcomeSuccess:
				if !rs.completed[oc.task.ID] {
					rs.completed[oc.task.ID] = true
					rs.order = append(rs.order, oc.task.ID)
					rs.results[oc.task.ID] = oc.result
				}
			case outcomeRetry:
				rs.attempts[oc.task.ID]++
			case outcomeFatal:
				if fatal == nil {
					fatal = oc
				}
			}
		}
		if fatal != nil {
			o.failWorkflow(ctx, rs, fatal.task.ID, fatal.err)
			return nil, fatal.err
		}
	}
}

func (o *Orchestrator) result(rs *runState, status Status) *RunResult {
	results := make(map[string]map[string]any, len(rs.results))
	for id, res := range rs.results {
		results[id] = res
	}
	order := make([]string, len(rs.order))
	copy(order, rs.order)
	return &RunResult{
		WorkflowID:     rs.workflowID,
		Status:         status,
		Results:        results,
		CompletedOrder: order,
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetry
	outcomeFatal
)

type taskOutcome struct {
	task    *TaskNode
	attempt int
	kind    outcomeKind
	result  map[string]any
	err     error
}

// dispatchRound executes every ready task concurrently and gathers the
// outcomes at a barrier.
func (o *Orchestrator) dispatchRound(ctx context.Context, rs *runState, ready []*TaskNode) []taskOutcome {
	outcomes := make([]taskOutcome, len(ready))
	var wg sync.WaitGroup
	for i, task := range ready {
		attempt := rs.attempts[task.ID]
		wg.Add(1)
		go func(i int, task *TaskNode, attempt int) {
			defer wg.Done()
			outcomes[i] = o.runTask(ctx, rs, task, attempt)
		}(i, task, attempt)
	}
	wg.Wait()
	return outcomes
}

// runTask executes one task attempt: authorization, circuit and rate gates,
// validation, policy, dispatch with a hard timeout, and the retry decision.
func (o *Orchestrator) runTask(ctx context.Context, rs *runState, task *TaskNode, attempt int) taskOutcome {
	out := taskOutcome{task: task, attempt: attempt}
	fatal := func(err error) taskOutcome {
		out.kind = outcomeFatal
		out.err = err
		return out
	}

	if o.globalSem != nil {
		if err := o.globalSem.Acquire(ctx, 1); err != nil {
			return fatal(types.Errorf(types.ErrTaskFailed, "task %s: %v", task.ID, err))
		}
		defer o.globalSem.Release(1)
	}
	health := o.agentHealthFor(task.AgentID)
	if health.sem != nil {
		if err := health.sem.Acquire(ctx, 1); err != nil {
			return fatal(types.Errorf(types.ErrTaskFailed, "task %s: %v", task.ID, err))
		}
		defer health.sem.Release(1)
	}

	correlationID := fmt.Sprintf("%s:%s:%d", rs.workflowID, task.ID, attempt)

	if o.opts.Security != nil {
		if err := o.opts.Security.Authorize("execute_task", task.ID); err != nil {
			o.emitBestEffort(ctx, rs.workflowID, event.TypeTaskAuthDenied, taskPayload(task, attempt, correlationID, map[string]any{
				"error": err.Error(),
			}))
			return fatal(types.Errorf(types.ErrSecurityDenied,
				"task %s not authorized for agent %s", task.ID, task.AgentID).WithCause(err))
		}
		o.emitBestEffort(ctx, rs.workflowID, event.TypeTaskAuthorized, taskPayload(task, attempt, correlationID, nil))
	}

	blocked, until, reopened := o.checkCircuit(task.AgentID)
	if blocked {
		o.emitBestEffort(ctx, rs.workflowID, event.TypeTaskCircuitBlock, taskPayload(task, attempt, correlationID, map[string]any{
			"open_until_ns": until.UnixNano(),
		}))
		return fatal(types.Errorf(types.ErrCircuitOpen,
			"agent %s circuit open until %s", task.AgentID, until.Format(time.RFC3339)))
	}
	if reopened {
		o.emitBestEffort(ctx, rs.workflowID, event.TypeCircuitClosed, map[string]any{
			"agent_id": task.AgentID,
		})
	}

	if health.limiter != nil {
		reservation := health.limiter.Reserve()
		if delay := reservation.Delay(); delay > 0 {
			o.collector.RecordThrottled(task.AgentID)
			o.emitBestEffort(ctx, rs.workflowID, event.TypeAgentThrottled, taskPayload(task, attempt, correlationID, map[string]any{
				"delay_ns": int64(delay),
			}))
			select {
			case <-ctx.Done():
				reservation.Cancel()
				return fatal(types.Errorf(types.ErrTaskFailed, "task %s: %v", task.ID, ctx.Err()))
			case <-time.After(delay):
			}
		}
	}

	if o.opts.Schemas != nil {
		if err := o.opts.Schemas.Validate(task.AgentID, task.Type, task.Params); err != nil {
			o.emitBestEffort(ctx, rs.workflowID, event.TypeTaskValidationErr, taskPayload(task, attempt, correlationID, map[string]any{
				"error": err.Error(),
			}))
			return fatal(coerceCode(err, types.ErrValidationFailed))
		}
	}
	if o.opts.Policy != nil {
		if err := o.opts.Policy.Check(task.AgentID, task.Type, task.Params); err != nil {
			o.emitBestEffort(ctx, rs.workflowID, event.TypeTaskPolicyDenied, taskPayload(task, attempt, correlationID, map[string]any{
				"error": err.Error(),
			}))
			return fatal(coerceCode(err, types.ErrPolicyDenied))
		}
	}

	agent, err := o.agents.Get(task.AgentID)
	if err != nil {
		return fatal(err)
	}

	spanCtx, span := o.tracer.Start(ctx, "workflow.task",
		trace.WithAttributes(
			attribute.String("workflow.id", rs.workflowID),
			attribute.String("task.id", task.ID),
			attribute.String("agent.id", task.AgentID),
			attribute.Int("task.attempt", attempt),
		))
	defer span.End()
	var spanID string
	if sc := span.SpanContext(); sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}

	if err := o.emit(ctx, rs.workflowID, spanID, event.TypeTaskAssigned, taskPayload(task, attempt, correlationID, nil)); err != nil {
		return fatal(err)
	}

	// Progress-callback failures must never affect the task outcome;
	// emitBestEffort only logs append errors.
	progress := func(percent float64, message string) {
		o.emitSpanBestEffort(ctx, rs.workflowID, spanID, event.TypeTaskProgress, taskPayload(task, attempt, correlationID, map[string]any{
			"percent": percent,
			"message": message,
		}))
	}

	callCtx := withProgress(spanCtx, progress)
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, task.Timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := o.invokeAgent(callCtx, agent, task)
	duration := time.Since(started)

	if err == nil {
		span.SetStatus(codes.Ok, "")
		o.recordAgentSuccess(task.AgentID)
		o.collector.RecordTask(task.AgentID, "completed", duration)

		// Idempotent completion marker: only the first completion path
		// for a task id emits task_completed.
		if _, already := rs.completedEmitted.LoadOrStore(task.ID, struct{}{}); !already {
			o.emitSpanBestEffort(ctx, rs.workflowID, spanID, event.TypeTaskCompleted, taskPayload(task, attempt, correlationID, map[string]any{
				"result":      result,
				"duration_ns": int64(duration),
			}))
		}
		out.kind = outcomeSuccess
		out.result = result
		return out
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.collector.RecordTask(task.AgentID, "failed", duration)

	if opened, failures := o.recordAgentFailure(task.AgentID); opened {
		o.collector.RecordCircuitOpen(task.AgentID)
		o.emitBestEffort(ctx, rs.workflowID, event.TypeCircuitOpen, map[string]any{
			"agent_id": task.AgentID,
			"failures": failures,
			"reset_ns": int64(o.opts.CircuitReset),
		})
	}

	willRetry := attempt < task.Retries
	o.emitSpanBestEffort(ctx, rs.workflowID, spanID, event.TypeTaskFailed, taskPayload(task, attempt, correlationID, map[string]any{
		"error":      err.Error(),
		"will_retry": willRetry,
	}))

	if !willRetry {
		return fatal(types.Errorf(types.ErrTaskFailed,
			"task %s failed after %d attempt(s)", task.ID, attempt+1).WithCause(err))
	}

	policy := resolveRetryPolicy(o.defaults, rs.workflowRetry, task.Retry)
	delay := policy.backoffDelay(attempt)
	o.collector.RecordRetry(task.AgentID)
	o.logger.Debug("task retry scheduled",
		zap.String("workflow_id", rs.workflowID),
		zap.String("task_id", task.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err))

	select {
	case <-ctx.Done():
		return fatal(types.Errorf(types.ErrTaskFailed, "task %s: %v", task.ID, ctx.Err()))
	case <-time.After(delay):
	}
	out.kind = outcomeRetry
	return out
}

// invokeAgent runs the agent call on its own goroutine so the per-task
// timeout holds even for agents that ignore context cancellation.
func (o *Orchestrator) invokeAgent(ctx context.Context, agent Agent, task *TaskNode) (map[string]any, error) {
	type agentResult struct {
		result map[string]any
		err    error
	}
	resultCh := make(chan agentResult, 1)
	go func() {
		result, err := agent.PerformTask(ctx, task.Type, task.Params)
		resultCh <- agentResult{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, types.Errorf(types.ErrTaskTimeout,
			"task %s aborted", task.ID).WithCause(ctx.Err())
	case res := <-resultCh:
		return res.result, res.err
	}
}

// failWorkflow emits the terminal failure event and runs compensation when
// enabled. Event append errors here are logged, not propagated: the caller
// already holds the failure to surface.
func (o *Orchestrator) failWorkflow(ctx context.Context, rs *runState, taskID string, cause error) {
	payload := map[string]any{"error": cause.Error()}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	o.emitBestEffort(ctx, rs.workflowID, event.TypeWorkflowFailed, payload)
	if rs.compensation {
		o.compensate(ctx, rs)
	}
	o.collector.RecordWorkflow(string(StatusFailed), time.Since(rs.startedAt))
	o.logger.Warn("workflow failed",
		zap.String("workflow_id", rs.workflowID),
		zap.String("task_id", taskID),
		zap.Error(cause))
}

// compensate walks the completed-order list in reverse and calls the
// compensation hook of every compensable task. Hook errors are swallowed:
// rollback is best-effort by design of the saga.
func (o *Orchestrator) compensate(ctx context.Context, rs *runState) {
	for i := len(rs.order) - 1; i >= 0; i-- {
		taskID := rs.order[i]
		task, ok := rs.graph.Get(taskID)
		if !ok || !task.EnableCompensation {
			continue
		}
		agent, err := o.agents.Get(task.AgentID)
		if err != nil {
			o.logger.Warn("compensation skipped: agent missing",
				zap.String("workflow_id", rs.workflowID),
				zap.String("task_id", taskID),
				zap.Error(err))
			continue
		}
		params := task.CompensationParams
		if params == nil {
			params = task.Params
		}
		if err := agent.CompensateTask(ctx, task.Type, params, rs.results[taskID]); err != nil {
			o.logger.Warn("compensation hook failed",
				zap.String("workflow_id", rs.workflowID),
				zap.String("task_id", taskID),
				zap.Error(err))
			continue
		}
		o.emitBestEffort(ctx, rs.workflowID, event.TypeTaskCompensated, map[string]any{
			"task_id":  taskID,
			"agent_id": task.AgentID,
		})
	}
}

// agentHealthFor returns (creating on first use) the process-wide health
// record of an agent.
func (o *Orchestrator) agentHealthFor(agentID string) *agentHealth {
	o.agentMu.Lock()
	defer o.agentMu.Unlock()

	health, ok := o.health[agentID]
	if !ok {
		health = &agentHealth{}
		if o.opts.PerAgentParallelism > 0 {
			health.sem = semaphore.NewWeighted(o.opts.PerAgentParallelism)
		}
		if o.opts.AgentDispatchInterval > 0 {
			health.limiter = rate.NewLimiter(rate.Every(o.opts.AgentDispatchInterval), 1)
		}
		o.health[agentID] = health
	}
	return health
}

// checkCircuit reports whether an agent's circuit currently blocks dispatch.
// When the reset window has elapsed it closes the circuit and reports
// reopened=true so the caller can emit circuit_closed.
func (o *Orchestrator) checkCircuit(agentID string) (blocked bool, until time.Time, reopened bool) {
	o.agentMu.Lock()
	defer o.agentMu.Unlock()

	health, ok := o.health[agentID]
	if !ok || health.openUntil.IsZero() {
		return false, time.Time{}, false
	}
	if time.Now().Before(health.openUntil) {
		return true, health.openUntil, false
	}
	health.openUntil = time.Time{}
	health.failures = 0
	return false, time.Time{}, true
}

func (o *Orchestrator) recordAgentSuccess(agentID string) {
	o.agentMu.Lock()
	defer o.agentMu.Unlock()
	if health, ok := o.health[agentID]; ok {
		health.failures = 0
	}
}

// recordAgentFailure increments the consecutive-failure count and opens the
// agent's circuit for the fixed cooldown when the threshold is crossed.
func (o *Orchestrator) recordAgentFailure(agentID string) (opened bool, failures int) {
	o.agentMu.Lock()
	defer o.agentMu.Unlock()

	health, ok := o.health[agentID]
	if !ok {
		health = &agentHealth{}
		o.health[agentID] = health
	}
	health.failures++
	if health.failures >= o.opts.CircuitThreshold && health.openUntil.IsZero() {
		health.openUntil = time.Now().Add(o.opts.CircuitReset)
		o.logger.Warn("agent circuit opened",
			zap.String("agent_id", agentID),
			zap.Int("failures", health.failures),
			zap.Duration("reset", o.opts.CircuitReset))
		return true, health.failures
	}
	return false, health.failures
}

// emit persists the event, then publishes it. Persistence failures are
// returned; publication cannot fail.
func (o *Orchestrator) emit(ctx context.Context, workflowID, spanID string, eventType event.Type, payload map[string]any) error {
	ev := event.New(eventType, payload, workflowID)
	if spanID != "" {
		ev = ev.WithSpan(spanID)
	}
	if err := o.store.Append(ctx, workflowID, ev); err != nil {
		return types.Errorf(types.ErrStoreFailure,
			"append %s to %s", eventType, workflowID).WithCause(err)
	}
	o.collector.RecordEvent(string(eventType))
	if o.bus != nil {
		o.bus.Publish(ev)
	}
	return nil
}

func (o *Orchestrator) emitBestEffort(ctx context.Context, workflowID string, eventType event.Type, payload map[string]any) {
	o.emitSpanBestEffort(ctx, workflowID, "", eventType, payload)
}

func (o *Orchestrator) emitSpanBestEffort(ctx context.Context, workflowID, spanID string, eventType event.Type, payload map[string]any) {
	if err := o.emit(ctx, workflowID, spanID, eventType, payload); err != nil {
		o.logger.Error("event append failed",
			zap.String("workflow_id", workflowID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func taskPayload(task *TaskNode, attempt int, correlationID string, extra map[string]any) map[string]any {
	payload := map[string]any{
		"task_id":        task.ID,
		"agent_id":       task.AgentID,
		"task_type":      task.Type,
		"attempt":        attempt,
		"correlation_id": correlationID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// coerceCode keeps an already-coded engine error as is, otherwise wraps the
// error under the given code.
func coerceCode(err error, code types.ErrorCode) error {
	if types.GetErrorCode(err) != "" {
		return err
	}
	return types.NewError(code, err.Error()).WithCause(err)
}
