package engine

import (
	"fmt"
	"time"

	"github.com/loom-iac/loom/pkg/config"
)

// ActionType represents the kind of change an action performs.
type ActionType string

const (
	// ActionCreate provisions a resource that has no recorded state.
	ActionCreate ActionType = "create"

	// ActionUpdate reconciles a resource whose desired arguments differ
	// from its recorded state.
	ActionUpdate ActionType = "update"

	// ActionDestroy removes a resource that is recorded in state but no
	// longer declared.
	ActionDestroy ActionType = "destroy"

	// ActionNoOp marks a resource whose recorded state already matches
	// its declaration. No provider call is made.
	ActionNoOp ActionType = "noop"
)

// Validate checks if the action type is valid.
func (t ActionType) Validate() error {
	switch t {
	case ActionCreate, ActionUpdate, ActionDestroy, ActionNoOp:
		return nil
	default:
		return NewPermanentError(fmt.Sprintf("invalid action type: %s", t), nil).
			WithCode(ErrCodeValidation)
	}
}

// Symbol returns the single-character diff marker for plan output.
func (t ActionType) Symbol() string {
	switch t {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionDestroy:
		return "-"
	default:
		return " "
	}
}

// ActionStatus represents the execution state of a planned action.
type ActionStatus string

const (
	// StatusPending indicates the action has not started.
	StatusPending ActionStatus = "pending"

	// StatusRunning indicates the action is executing.
	StatusRunning ActionStatus = "running"

	// StatusSucceeded indicates the action completed and state was recorded.
	StatusSucceeded ActionStatus = "succeeded"

	// StatusFailed indicates the provider call failed after all retries.
	StatusFailed ActionStatus = "failed"

	// StatusAborted indicates the action was never attempted because a
	// dependency failed or the run was cancelled.
	StatusAborted ActionStatus = "aborted"

	// StatusSkipped indicates a no-op action that required no provider call.
	StatusSkipped ActionStatus = "skipped"
)

// IsTerminal returns true if the status is a final state.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusSkipped:
		return true
	default:
		return false
	}
}

// Action is a single planned change to one resource.
type Action struct {
	// ID uniquely identifies this action within its plan.
	ID string `json:"id"`

	// Address is the resource address, "<type>.<name>".
	Address string `json:"address"`

	// Type is the change kind.
	Type ActionType `json:"type"`

	// Args holds argument values resolved at plan time. Arguments that
	// depend on outputs not yet known are absent and listed in Unresolved.
	Args map[string]interface{} `json:"args,omitempty"`

	// Unresolved names arguments whose values are known only after the
	// producing resources have been applied.
	Unresolved []string `json:"unresolved,omitempty"`

	// Prior holds recorded values for diff display: argument values for
	// updates, attribute values for destroys.
	Prior map[string]interface{} `json:"prior,omitempty"`

	// DependsOn lists action IDs that must succeed before this action runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Resource is the declaration backing create and update actions.
	// Destroy actions have no declaration and leave it nil.
	Resource *config.Resource `json:"-"`
}

// PlanSummary counts planned actions by type.
type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Destroy int `json:"destroy"`
	NoOp    int `json:"noop"`
}

// String formats the summary in the style of plan output footers.
func (s PlanSummary) String() string {
	return fmt.Sprintf("%d to create, %d to update, %d to destroy, %d unchanged",
		s.Create, s.Update, s.Destroy, s.NoOp)
}

// Plan is an ordered set of actions that reconciles recorded state with the
// declared resource graph.
type Plan struct {
	// ID uniquely identifies the plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// StateSerial is the state serial the plan was computed against.
	// Apply refuses the plan if state has moved past it.
	StateSerial uint64 `json:"state_serial"`

	// Actions holds all planned actions in execution order. Destroys come
	// first, then creates and updates in topological order.
	Actions []*Action `json:"actions"`

	// Summary counts actions by type.
	Summary PlanSummary `json:"summary"`
}

// HasChanges returns true if the plan contains any non-noop action.
func (p *Plan) HasChanges() bool {
	return p.Summary.Create > 0 || p.Summary.Update > 0 || p.Summary.Destroy > 0
}

// ActionResult records the outcome of one executed action.
type ActionResult struct {
	// ActionID is the ID of the executed action.
	ActionID string `json:"action_id"`

	// Address is the resource address.
	Address string `json:"address"`

	// Type is the action type.
	Type ActionType `json:"type"`

	// Status is the terminal status of the action.
	Status ActionStatus `json:"status"`

	// Error describes the failure for failed actions.
	Error string `json:"error,omitempty"`

	// Attempts counts provider calls including retries.
	Attempts int `json:"attempts,omitempty"`

	// Duration is the wall time spent executing the action.
	Duration time.Duration `json:"duration,omitempty"`
}

// ApplySummary counts executed actions by terminal status.
type ApplySummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Aborted   int `json:"aborted"`
	Skipped   int `json:"skipped"`
}

// ApplyResult records the outcome of executing a plan.
type ApplyResult struct {
	// ApplyID uniquely identifies this apply run.
	ApplyID string `json:"apply_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// StateError reports the state write failure that halted the apply.
	// Empty when every completed action was recorded durably.
	StateError string `json:"state_error,omitempty"`

	// Results holds one entry per planned action, including skipped noops.
	Results []ActionResult `json:"results"`

	// Summary counts results by status.
	Summary ApplySummary `json:"summary"`
}

// Succeeded returns true if no action failed or was aborted.
func (r *ApplyResult) Succeeded() bool {
	return r.Summary.Failed == 0 && r.Summary.Aborted == 0
}
