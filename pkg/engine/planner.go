package engine

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/loom-iac/loom/pkg/stores"
	"github.com/loom-iac/loom/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Planner diffs the declared resource graph against recorded state and
// produces an ordered plan of actions.
type Planner struct {
	logger *telemetry.Logger
	tracer *telemetry.Tracer
}

// NewPlanner creates a planner. The tracer is optional; spans are skipped
// when it is nil.
func NewPlanner(logger *telemetry.Logger, tracer *telemetry.Tracer) *Planner {
	return &Planner{
		logger: logger.NewComponentLogger("planner"),
		tracer: tracer,
	}
}

// Plan computes the actions needed to reconcile snapshot with graph.
// Destroy actions come first, ordered by reverse creation serial so
// consumers are removed before their producers. Create and update actions
// follow in topological order.
func (p *Planner) Plan(ctx context.Context, graph *Graph, snapshot *stores.Snapshot) (*Plan, error) {
	planID := uuid.New().String()

	var span trace.Span
	if p.tracer != nil {
		_, span = p.tracer.StartPlanSpan(ctx, planID)
		defer span.End()
	}

	order, err := NewDAGBuilder(graph).Order()
	if err != nil {
		if span != nil {
			telemetry.RecordError(span, err)
		}
		return nil, err
	}

	plan := &Plan{
		ID:          planID,
		CreatedAt:   time.Now().UTC(),
		StateSerial: snapshot.Serial,
	}

	destroyActions, err := p.planDestroys(graph, snapshot, plan)
	if err != nil {
		if span != nil {
			telemetry.RecordError(span, err)
		}
		return nil, err
	}
	plan.Actions = append(plan.Actions, destroyActions...)

	if err := p.planChanges(graph, snapshot, order, plan); err != nil {
		if span != nil {
			telemetry.RecordError(span, err)
		}
		return nil, err
	}

	if span != nil {
		telemetry.RecordSuccess(span)
	}
	p.logger.WithField("plan_id", plan.ID).
		Debugf("plan computed: %s", plan.Summary)

	return plan, nil
}

// planDestroys builds destroy actions for state entries no longer declared.
func (p *Planner) planDestroys(graph *Graph, snapshot *stores.Snapshot, plan *Plan) ([]*Action, error) {
	var orphaned []*stores.ResourceEntry
	for addr, entry := range snapshot.Resources {
		if graph.Resource(addr) == nil {
			orphaned = append(orphaned, entry)
		}
	}

	// Reverse creation order: the most recently created resource is
	// removed first, so recorded consumers go before their producers.
	sort.Slice(orphaned, func(i, j int) bool {
		return orphaned[i].CreationSerial > orphaned[j].CreationSerial
	})

	destroySet := make(map[string]*Action, len(orphaned))
	actions := make([]*Action, 0, len(orphaned))
	for _, entry := range orphaned {
		action := &Action{
			ID:      uuid.New().String(),
			Address: entry.Address,
			Type:    ActionDestroy,
			Prior:   entry.Attributes,
		}
		destroySet[entry.Address] = action
		actions = append(actions, action)
	}

	// A producer's destroy waits for the destroys of every orphaned
	// consumer that recorded a dependency on it.
	for _, entry := range orphaned {
		consumer := destroySet[entry.Address]
		for _, producerAddr := range entry.Dependencies {
			if producer, ok := destroySet[producerAddr]; ok {
				producer.DependsOn = append(producer.DependsOn, consumer.ID)
			}
		}
	}

	plan.Summary.Destroy = len(actions)
	return actions, nil
}

// planChanges walks declared resources in topological order, deciding
// create, update or noop for each.
func (p *Planner) planChanges(graph *Graph, snapshot *stores.Snapshot, order []string, plan *Plan) error {
	// knownStable holds attribute values that cannot change during this
	// apply: the attributes of resources planned as noop. References to
	// resources being created or updated stay unresolved until apply.
	knownStable := make(map[string]map[string]interface{})

	// pending maps a resource address to its non-noop action, so
	// consumers can depend on it.
	pending := make(map[string]*Action)

	for _, addr := range order {
		res := graph.Resource(addr)
		entry := snapshot.Resource(addr)

		resolution, err := ResolveArgs(res, knownStable)
		if err != nil {
			return err
		}

		action := &Action{
			ID:         uuid.New().String(),
			Address:    addr,
			Args:       resolution.Args,
			Unresolved: resolution.Unresolved,
			Resource:   res,
		}

		switch {
		case entry == nil:
			action.Type = ActionCreate
			plan.Summary.Create++

		case len(resolution.Unresolved) == 0 && argsEqual(resolution.Args, entry.Args):
			action.Type = ActionNoOp
			plan.Summary.NoOp++
			knownStable[addr] = entry.Attributes

		default:
			action.Type = ActionUpdate
			action.Prior = entry.Args
			plan.Summary.Update++
		}

		if action.Type != ActionNoOp {
			for _, producerAddr := range graph.Dependencies(addr) {
				if producer, ok := pending[producerAddr]; ok {
					action.DependsOn = append(action.DependsOn, producer.ID)
				}
			}
			pending[addr] = action
		}

		plan.Actions = append(plan.Actions, action)
	}

	return nil
}

// argsEqual compares two resolved argument maps. Both sides have passed
// through JSON-compatible normalization, so deep equality is sufficient.
func argsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
