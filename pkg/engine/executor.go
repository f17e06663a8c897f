package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loom-iac/loom/pkg/stores"
	"github.com/loom-iac/loom/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Store persists resource state incrementally as actions complete.
	Store stores.Store

	// Providers resolves the provider for each resource type.
	Providers ProviderRegistry

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	// Tracer is optional; spans are skipped when nil.
	Tracer *telemetry.Tracer

	// MaxParallel caps concurrent actions. Zero means no cap beyond the
	// width of each dependency level.
	MaxParallel int

	// MaxRetries is the retry budget for transient provider errors.
	MaxRetries int

	// ActionTimeout bounds each provider call attempt. Zero disables it.
	ActionTimeout time.Duration

	// RetryBaseDelay is the first retry backoff. Defaults to 500ms.
	RetryBaseDelay time.Duration
}

// Executor applies plans: it runs actions level by level through providers,
// writing each completed action's state before moving on. A failed action
// aborts everything downstream of it but leaves independent actions running.
type Executor struct {
	store     stores.Store
	providers ProviderRegistry
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer

	maxParallel    int
	maxRetries     int
	actionTimeout  time.Duration
	retryBaseDelay time.Duration

	// mu protects the fields below during a run.
	mu sync.Mutex

	// actionStatus tracks each action's current status by ID.
	actionStatus map[string]ActionStatus

	// known maps resource addresses to attribute values available for
	// late resolution. It grows as producer actions complete.
	known map[string]map[string]interface{}

	// results collects terminal results by action ID.
	results map[string]*ActionResult

	// nextCreationSerial numbers newly created resources.
	nextCreationSerial uint64

	// managed tracks the recorded resource count for the gauge.
	managed int

	// storeErr holds the first state write failure. Once set, no further
	// action may start: an apply that cannot confirm its writes are
	// durable must not keep producing side effects.
	storeErr error
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}

	return &Executor{
		store:          cfg.Store,
		providers:      cfg.Providers,
		logger:         cfg.Logger.NewComponentLogger("executor"),
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		maxParallel:    cfg.MaxParallel,
		maxRetries:     cfg.MaxRetries,
		actionTimeout:  cfg.ActionTimeout,
		retryBaseDelay: cfg.RetryBaseDelay,
	}
}

// Apply executes plan against graph. It takes the exclusive state lock for
// the duration of the run and refuses plans computed against a state serial
// that has since moved.
func (e *Executor) Apply(ctx context.Context, plan *Plan, graph *Graph) (*ApplyResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}

	if err := e.store.Lock(ctx); err != nil {
		if errors.Is(err, stores.ErrLocked) {
			return nil, NewConflictError("state is locked", err).WithCode(ErrCodeStateLocked)
		}
		return nil, NewPermanentError("failed to lock state", err).WithCode(ErrCodeStateStore)
	}
	defer func() {
		if err := e.store.Unlock(context.Background()); err != nil {
			e.logger.WithError(err).Warn("failed to release state lock")
		}
	}()

	snapshot, err := e.store.Load(ctx)
	if err != nil {
		return nil, NewPermanentError("failed to load state", err).WithCode(ErrCodeStateStore)
	}

	if snapshot.Serial != plan.StateSerial {
		return nil, NewConflictError(
			fmt.Sprintf("plan was computed against state serial %d but state is at serial %d; re-plan before applying",
				plan.StateSerial, snapshot.Serial),
			nil,
		).WithCode(ErrCodePlanConflict)
	}

	result := &ApplyResult{
		ApplyID:   uuid.New().String(),
		PlanID:    plan.ID,
		StartedAt: time.Now().UTC(),
	}

	logger := e.logger.WithApplyID(result.ApplyID)
	logger.Infof("applying plan %s: %s", plan.ID, plan.Summary)
	e.metrics.ApplyStarted()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartApplySpan(ctx, result.ApplyID)
		defer span.End()
	}

	e.initRun(plan, snapshot)

	levels, err := e.actionLevels(plan)
	if err != nil {
		return nil, err
	}

	e.executeLevels(ctx, logger, plan, graph, snapshot, levels)

	e.finishRun(plan, result)
	result.FinishedAt = time.Now().UTC()
	if err := e.storeFailure(); err != nil {
		result.StateError = err.Error()
	}

	outcome := "success"
	if !result.Succeeded() {
		outcome = "partial"
	}
	e.metrics.ApplyCompleted(outcome, result.FinishedAt.Sub(result.StartedAt))

	logger.Infof("apply finished: %d succeeded, %d failed, %d aborted, %d unchanged",
		result.Summary.Succeeded, result.Summary.Failed, result.Summary.Aborted, result.Summary.Skipped)

	return result, nil
}

// initRun seeds per-run tracking state.
func (e *Executor) initRun(plan *Plan, snapshot *stores.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.actionStatus = make(map[string]ActionStatus, len(plan.Actions))
	e.results = make(map[string]*ActionResult, len(plan.Actions))
	e.known = make(map[string]map[string]interface{})
	e.nextCreationSerial = snapshot.NextCreationSerial()
	e.managed = len(snapshot.Resources)
	e.storeErr = nil

	for _, action := range plan.Actions {
		if action.Type == ActionNoOp {
			// Unchanged resources need no provider call; their recorded
			// attributes are immediately available to consumers.
			e.actionStatus[action.ID] = StatusSkipped
			e.results[action.ID] = &ActionResult{
				ActionID: action.ID,
				Address:  action.Address,
				Type:     action.Type,
				Status:   StatusSkipped,
			}
			if entry := snapshot.Resource(action.Address); entry != nil {
				e.known[action.Address] = entry.Attributes
			}
			continue
		}
		e.actionStatus[action.ID] = StatusPending
	}
}

// actionLevels orders the plan's non-noop actions into dependency levels.
func (e *Executor) actionLevels(plan *Plan) ([][]*Action, error) {
	pending := make([]*Action, 0, len(plan.Actions))
	inDegree := make(map[string]int)
	dependents := make(map[string][]*Action)
	byID := make(map[string]*Action)

	for _, action := range plan.Actions {
		if action.Type == ActionNoOp {
			continue
		}
		pending = append(pending, action)
		byID[action.ID] = action
		inDegree[action.ID] = 0
	}

	for _, action := range pending {
		for _, depID := range action.DependsOn {
			if _, ok := byID[depID]; !ok {
				return nil, NewPermanentError(
					fmt.Sprintf("action %s depends on unknown action %s", action.ID, depID), nil,
				).WithCode(ErrCodeInternal)
			}
			dependents[depID] = append(dependents[depID], action)
			inDegree[action.ID]++
		}
	}

	var levels [][]*Action
	current := make([]*Action, 0)
	for _, action := range pending {
		if inDegree[action.ID] == 0 {
			current = append(current, action)
		}
	}

	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]*Action, 0)
		for _, action := range current {
			for _, dependent := range dependents[action.ID] {
				inDegree[dependent.ID]--
				if inDegree[dependent.ID] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(pending) {
		return nil, NewPermanentError("plan actions contain a dependency cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return levels, nil
}

// executeLevels runs each level through a worker pool, stopping new work
// once the context is cancelled.
func (e *Executor) executeLevels(
	ctx context.Context,
	logger *telemetry.Logger,
	plan *Plan,
	graph *Graph,
	snapshot *stores.Snapshot,
	levels [][]*Action,
) {
	for _, level := range levels {
		select {
		case <-ctx.Done():
			e.abortRemaining(plan, "apply cancelled")
			return
		default:
		}
		if e.storeFailure() != nil {
			e.abortRemaining(plan, "state store failed; apply halted")
			return
		}

		workerCount := len(level)
		if e.maxParallel > 0 && workerCount > e.maxParallel {
			workerCount = e.maxParallel
		}

		workQueue := make(chan *Action, len(level))
		for _, action := range level {
			workQueue <- action
		}
		close(workQueue)

		var wg sync.WaitGroup
		for i := 0; i < workerCount; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for action := range workQueue {
					select {
					case <-ctx.Done():
						e.recordResult(action, StatusAborted, nil, 0, 0, "apply cancelled")
						continue
					default:
					}

					if e.storeFailure() != nil {
						e.recordResult(action, StatusAborted, nil, 0, 0, "state store failed; apply halted")
						continue
					}

					if failedDep := e.failedDependency(action); failedDep != "" {
						e.recordResult(action, StatusAborted, nil, 0, 0,
							fmt.Sprintf("dependency %s did not succeed", failedDep))
						continue
					}

					e.executeAction(ctx, logger, action, graph, snapshot)
				}
			}()
		}
		wg.Wait()
	}
}

// failedDependency returns the address of a dependency that did not succeed,
// or empty when all dependencies are satisfied.
func (e *Executor) failedDependency(action *Action) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, depID := range action.DependsOn {
		if e.actionStatus[depID] != StatusSucceeded {
			if result, ok := e.results[depID]; ok {
				return result.Address
			}
			return depID
		}
	}
	return ""
}

// executeAction runs one action through its provider with retries and
// persists the state change before returning.
func (e *Executor) executeAction(
	ctx context.Context,
	logger *telemetry.Logger,
	action *Action,
	graph *Graph,
	snapshot *stores.Snapshot,
) {
	e.setStatus(action.ID, StatusRunning)

	actionLogger := logger.WithResource(action.Address).WithAction(action.ID, string(action.Type))
	actionLogger.Info("action started")

	// Providers pull the action logger back out with telemetry.FromContext.
	ctx = actionLogger.WithContext(ctx)

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartActionSpan(ctx, action.ID, action.Address, string(action.Type))
		defer span.End()
	}

	started := time.Now()

	args, err := e.finalArgs(action)
	if err == nil {
		var prior map[string]interface{}
		if entry := snapshot.Resource(action.Address); entry != nil {
			prior = entry.Attributes
		}
		err = e.callProviderWithRetry(ctx, actionLogger, action, args, prior)
	}

	attempts := 1
	if result := e.peekResult(action.ID); result != nil {
		attempts = result.Attempts
	}

	if err != nil {
		e.recordResult(action, StatusFailed, err, attempts, time.Since(started), "")
		if span != nil {
			telemetry.RecordError(span, err)
		}
		actionLogger.WithError(err).Error("action failed")
		e.metrics.ActionExecuted(string(action.Type), string(StatusFailed), time.Since(started))
		return
	}

	if err := e.persist(ctx, action, graph, snapshot); err != nil {
		// A provider failure only poisons this action's dependents; a
		// state write failure poisons the whole run.
		e.setStoreFailure(err)
		e.recordResult(action, StatusFailed, err, attempts, time.Since(started), "")
		if span != nil {
			telemetry.RecordError(span, err)
		}
		actionLogger.WithError(err).Error("failed to persist state; halting apply")
		e.metrics.ActionExecuted(string(action.Type), string(StatusFailed), time.Since(started))
		return
	}

	e.recordResult(action, StatusSucceeded, nil, attempts, time.Since(started), "")
	if span != nil {
		telemetry.RecordSuccess(span)
	}
	actionLogger.Infof("action succeeded in %s", time.Since(started).Round(time.Millisecond))
	e.metrics.ActionExecuted(string(action.Type), string(StatusSucceeded), time.Since(started))
}

// finalArgs re-resolves arguments that were unknown at plan time, now that
// every producer this action depends on has completed.
func (e *Executor) finalArgs(action *Action) (map[string]interface{}, error) {
	if action.Type == ActionDestroy || len(action.Unresolved) == 0 {
		return action.Args, nil
	}

	e.mu.Lock()
	known := make(map[string]map[string]interface{}, len(e.known))
	for addr, attrs := range e.known {
		known[addr] = attrs
	}
	e.mu.Unlock()

	resolution, err := ResolveArgs(action.Resource, known)
	if err != nil {
		return nil, err
	}
	if len(resolution.Unresolved) > 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("arguments %v of %s are still unresolved after dependencies completed",
				resolution.Unresolved, action.Address),
			nil,
		).WithCode(ErrCodeInternal).WithResource(action.Address)
	}

	action.Args = resolution.Args
	return resolution.Args, nil
}

// callProviderWithRetry invokes the provider, retrying transient failures
// with exponential backoff.
func (e *Executor) callProviderWithRetry(
	ctx context.Context,
	logger *telemetry.Logger,
	action *Action,
	args map[string]interface{},
	prior map[string]interface{},
) error {
	resType := resourceType(action)

	p, err := e.providers.ProviderFor(resType)
	if err != nil {
		return err
	}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		attempts++

		callCtx := ctx
		var cancel context.CancelFunc
		if e.actionTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.actionTimeout)
		}

		logger.WithField("attempt", attempts).Trace("calling provider")

		callStart := time.Now()
		var attrs map[string]interface{}
		var callErr error

		switch action.Type {
		case ActionCreate:
			var resp *CreateResponse
			resp, callErr = p.Create(callCtx, CreateRequest{
				Address: action.Address,
				Type:    resType,
				Args:    args,
			})
			if resp != nil {
				attrs = resp.Attributes
			}
		case ActionUpdate:
			var resp *UpdateResponse
			resp, callErr = p.Update(callCtx, UpdateRequest{
				Address: action.Address,
				Type:    resType,
				Prior:   prior,
				Args:    args,
			})
			if resp != nil {
				attrs = resp.Attributes
			}
		case ActionDestroy:
			callErr = p.Destroy(callCtx, DestroyRequest{
				Address:    action.Address,
				Type:       resType,
				Attributes: action.Prior,
			})
		default:
			callErr = NewPermanentError(
				fmt.Sprintf("unexpected action type %s", action.Type), nil,
			).WithCode(ErrCodeInternal)
		}

		if cancel != nil {
			cancel()
		}

		e.metrics.ProviderCall(p.Name(), string(action.Type), time.Since(callStart), callErr)

		if callErr == nil {
			if attrs != nil {
				e.setKnown(action.Address, attrs)
			}
			e.setAttempts(action, attempts)
			return nil
		}

		lastErr = callErr

		if !IsRetryable(callErr) || attempt >= e.maxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		backoff := calculateBackoff(attempt, callErr, e.retryBaseDelay)
		logger.WithError(callErr).Warnf("retrying after failure (attempt %d/%d, backoff %s)",
			attempt+1, e.maxRetries+1, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			e.setAttempts(action, attempts)
			return NewTransientError("apply cancelled during backoff", ctx.Err()).
				WithCode(ErrCodeTimeout).WithResource(action.Address)
		}
	}

	e.setAttempts(action, attempts)
	return lastErr
}

// persist writes the action's outcome to the state store.
func (e *Executor) persist(ctx context.Context, action *Action, graph *Graph, snapshot *stores.Snapshot) error {
	now := time.Now().UTC()
	delta := 0

	switch action.Type {
	case ActionDestroy:
		if err := e.store.DeleteResource(ctx, action.Address); err != nil {
			return NewPermanentError("failed to delete resource from state", err).
				WithCode(ErrCodeStateStore).WithResource(action.Address)
		}
		delta = -1

	case ActionCreate, ActionUpdate:
		resType, resName, _ := splitAddr(action.Address)
		entry := &stores.ResourceEntry{
			Address:      action.Address,
			Type:         resType,
			Name:         resName,
			Args:         action.Args,
			Attributes:   e.knownFor(action.Address),
			Dependencies: graph.Dependencies(action.Address),
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if prior := snapshot.Resource(action.Address); prior != nil {
			entry.CreationSerial = prior.CreationSerial
			entry.CreatedAt = prior.CreatedAt
		} else {
			entry.CreationSerial = e.takeCreationSerial()
			delta = 1
		}

		if err := e.store.UpsertResource(ctx, entry); err != nil {
			return NewPermanentError("failed to record resource in state", err).
				WithCode(ErrCodeStateStore).WithResource(action.Address)
		}
	}

	e.metrics.StateWritten(e.adjustManaged(delta))
	return nil
}

// finishRun fills in results for actions that never ran and computes the
// summary.
func (e *Executor) finishRun(plan *Plan, result *ApplyResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, action := range plan.Actions {
		if _, ok := e.results[action.ID]; !ok {
			e.actionStatus[action.ID] = StatusAborted
			e.results[action.ID] = &ActionResult{
				ActionID: action.ID,
				Address:  action.Address,
				Type:     action.Type,
				Status:   StatusAborted,
				Error:    "apply stopped before this action ran",
			}
		}
	}

	result.Results = make([]ActionResult, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		r := e.results[action.ID]
		result.Results = append(result.Results, *r)

		switch r.Status {
		case StatusSucceeded:
			result.Summary.Succeeded++
		case StatusFailed:
			result.Summary.Failed++
		case StatusAborted:
			result.Summary.Aborted++
		case StatusSkipped:
			result.Summary.Skipped++
		}
	}
}

// abortRemaining marks every pending action aborted with the given reason.
func (e *Executor) abortRemaining(plan *Plan, reason string) {
	for _, action := range plan.Actions {
		e.mu.Lock()
		pending := e.actionStatus[action.ID] == StatusPending
		e.mu.Unlock()
		if pending {
			e.recordResult(action, StatusAborted, nil, 0, 0, reason)
		}
	}
}

func (e *Executor) setStatus(actionID string, status ActionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actionStatus[actionID] = status
}

func (e *Executor) setKnown(addr string, attrs map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.known[addr] = attrs
}

func (e *Executor) knownFor(addr string) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.known[addr]
}

func (e *Executor) takeCreationSerial() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	serial := e.nextCreationSerial
	e.nextCreationSerial++
	return serial
}

func (e *Executor) setAttempts(action *Action, attempts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if result, ok := e.results[action.ID]; ok {
		result.Attempts = attempts
		return
	}
	e.results[action.ID] = &ActionResult{
		ActionID: action.ID,
		Address:  action.Address,
		Type:     action.Type,
		Status:   StatusRunning,
		Attempts: attempts,
	}
}

func (e *Executor) peekResult(actionID string) *ActionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.results[actionID]
}

// recordResult stores the terminal result for an action.
func (e *Executor) recordResult(
	action *Action,
	status ActionStatus,
	err error,
	attempts int,
	duration time.Duration,
	message string,
) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := e.results[action.ID]
	if result == nil {
		result = &ActionResult{
			ActionID: action.ID,
			Address:  action.Address,
			Type:     action.Type,
		}
		e.results[action.ID] = result
	}

	result.Status = status
	result.Duration = duration
	if attempts > 0 {
		result.Attempts = attempts
	}
	if err != nil {
		result.Error = err.Error()
	} else if message != "" {
		result.Error = message
	}

	e.actionStatus[action.ID] = status
}

// adjustManaged applies a resource count change and returns the new count.
func (e *Executor) adjustManaged(delta int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.managed += delta
	return e.managed
}

// setStoreFailure records the first state write failure.
func (e *Executor) setStoreFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.storeErr == nil {
		e.storeErr = err
	}
}

// storeFailure returns the state write failure that halted the run, if any.
func (e *Executor) storeFailure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storeErr
}

// resourceType extracts the type from an action's address.
func resourceType(action *Action) string {
	resType, _, _ := splitAddr(action.Address)
	return resType
}

// calculateBackoff computes exponential backoff for a retry attempt, with a
// longer base delay for throttled errors.
func calculateBackoff(attempt int, err error, baseDelay time.Duration) time.Duration {
	if IsThrottled(err) {
		baseDelay *= 4
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
