package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loom-iac/loom/pkg/stores"
)

// fakeProvider is a deterministic in-memory provider for executor tests.
type fakeProvider struct {
	mu sync.Mutex

	// transientFailures maps addresses to a count of injected transient
	// failures before success.
	transientFailures map[string]int

	// permanentFail marks addresses whose operations always fail.
	permanentFail map[string]bool

	// destroyed records destroy calls in order.
	destroyed []string

	// created records successful create calls in order.
	created []string

	// onCreate, when set, runs after each successful create.
	onCreate func(addr string)

	nextID int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		transientFailures: make(map[string]int),
		permanentFail:     make(map[string]bool),
	}
}

func (p *fakeProvider) Name() string { return "sim" }

func (p *fakeProvider) fail(addr, operation string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.permanentFail[addr] {
		return NewPermanentError("injected failure", nil).
			WithCode(ErrCodeProviderFailed).WithResource(addr).WithOperation(operation)
	}
	if p.transientFailures[addr] > 0 {
		p.transientFailures[addr]--
		return NewTransientError("injected transient failure", nil).
			WithCode(ErrCodeProviderFailed).WithResource(addr).WithOperation(operation)
	}
	return nil
}

func (p *fakeProvider) Create(_ context.Context, req CreateRequest) (*CreateResponse, error) {
	if err := p.fail(req.Address, "create"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("id-%d", p.nextID)
	p.created = append(p.created, req.Address)
	hook := p.onCreate
	p.mu.Unlock()

	if hook != nil {
		defer hook(req.Address)
	}

	attrs := make(map[string]interface{}, len(req.Args)+2)
	for name, value := range req.Args {
		attrs[name] = value
	}
	attrs["id"] = id
	attrs["arn"] = fmt.Sprintf("fake:%s:%s", req.Type, id)
	return &CreateResponse{Attributes: attrs}, nil
}

func (p *fakeProvider) Update(_ context.Context, req UpdateRequest) (*UpdateResponse, error) {
	if err := p.fail(req.Address, "update"); err != nil {
		return nil, err
	}

	attrs := make(map[string]interface{}, len(req.Args)+2)
	for name, value := range req.Args {
		attrs[name] = value
	}
	attrs["id"] = req.Prior["id"]
	attrs["arn"] = req.Prior["arn"]
	return &UpdateResponse{Attributes: attrs}, nil
}

func (p *fakeProvider) Destroy(_ context.Context, req DestroyRequest) error {
	if err := p.fail(req.Address, "destroy"); err != nil {
		return err
	}

	p.mu.Lock()
	p.destroyed = append(p.destroyed, req.Address)
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) destroyOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.destroyed...)
}

func (p *fakeProvider) createOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created...)
}

// singleRegistry routes every resource type to one provider.
type singleRegistry struct {
	provider Provider
}

func (r singleRegistry) ProviderFor(string) (Provider, error) {
	return r.provider, nil
}

// newTestExecutor wires an executor over a fresh file store.
func newTestExecutor(t *testing.T, p Provider) (*Executor, stores.Store) {
	t.Helper()

	store, err := stores.Open(context.Background(), filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	executor := NewExecutor(ExecutorConfig{
		Store:          store,
		Providers:      singleRegistry{provider: p},
		Logger:         testLogger(t),
		Metrics:        testMetrics(t),
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})
	return executor, store
}

// planFor computes a fresh plan against the store's current state.
func planFor(t *testing.T, graph *Graph, store stores.Store) *Plan {
	t.Helper()

	snapshot, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	plan, err := NewPlanner(testLogger(t), nil).Plan(context.Background(), graph, snapshot)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

func TestApplyCreatesChain(t *testing.T) {
	graph := buildGraph(t, chainConfig)
	executor, store := newTestExecutor(t, newFakeProvider())

	result, err := executor.Apply(context.Background(), planFor(t, graph, store), graph)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result.Summary)
	}
	if result.Summary.Succeeded != 3 {
		t.Fatalf("expected 3 succeeded actions, got %+v", result.Summary)
	}

	snapshot, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snapshot.Resources) != 3 {
		t.Fatalf("expected 3 resources in state, got %d", len(snapshot.Resources))
	}

	// The function's reference resolved to the table's computed arn.
	table := snapshot.Resource("sim_table.contacts")
	fn := snapshot.Resource("sim_function.submit")
	if fn.Args["table_arn"] != table.Attributes["arn"] {
		t.Errorf("expected table_arn %v, got %v", table.Attributes["arn"], fn.Args["table_arn"])
	}
	if len(fn.Dependencies) != 1 || fn.Dependencies[0] != "sim_table.contacts" {
		t.Errorf("expected recorded dependency on table, got %v", fn.Dependencies)
	}

	// Creation serials follow dependency order along the chain.
	api := snapshot.Resource("sim_api_gateway.api")
	if !(table.CreationSerial < fn.CreationSerial && fn.CreationSerial < api.CreationSerial) {
		t.Errorf("expected increasing creation serials, got %d, %d, %d",
			table.CreationSerial, fn.CreationSerial, api.CreationSerial)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	graph := buildGraph(t, chainConfig)
	executor, store := newTestExecutor(t, newFakeProvider())

	if _, err := executor.Apply(context.Background(), planFor(t, graph, store), graph); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}

	before, _ := store.Load(context.Background())

	secondPlan := planFor(t, graph, store)
	if secondPlan.HasChanges() {
		t.Fatalf("expected empty second plan, got %+v", secondPlan.Summary)
	}

	result, err := executor.Apply(context.Background(), secondPlan, graph)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if result.Summary.Skipped != 3 {
		t.Errorf("expected 3 skipped noops, got %+v", result.Summary)
	}

	after, _ := store.Load(context.Background())
	if after.Serial != before.Serial {
		t.Errorf("expected state serial unchanged by noop apply, got %d -> %d",
			before.Serial, after.Serial)
	}
}

func TestApplyPartialFailure(t *testing.T) {
	graph := buildGraph(t, chainConfig)
	fake := newFakeProvider()
	fake.permanentFail["sim_function.submit"] = true
	executor, store := newTestExecutor(t, fake)

	result, err := executor.Apply(context.Background(), planFor(t, graph, store), graph)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if result.Succeeded() {
		t.Fatal("expected partial failure")
	}
	if result.Summary.Succeeded != 1 || result.Summary.Failed != 1 || result.Summary.Aborted != 1 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}

	statuses := make(map[string]ActionStatus)
	for _, r := range result.Results {
		statuses[r.Address] = r.Status
	}
	if statuses["sim_table.contacts"] != StatusSucceeded {
		t.Errorf("expected table succeeded, got %s", statuses["sim_table.contacts"])
	}
	if statuses["sim_function.submit"] != StatusFailed {
		t.Errorf("expected function failed, got %s", statuses["sim_function.submit"])
	}
	if statuses["sim_api_gateway.api"] != StatusAborted {
		t.Errorf("expected gateway aborted, got %s", statuses["sim_api_gateway.api"])
	}

	// The completed action is in state; the failed and aborted ones are not.
	snapshot, _ := store.Load(context.Background())
	if snapshot.Resource("sim_table.contacts") == nil {
		t.Error("expected table recorded in state")
	}
	if snapshot.Resource("sim_function.submit") != nil {
		t.Error("expected failed function absent from state")
	}

	// A fresh plan picks up where the failed run stopped.
	retry := planFor(t, graph, store)
	if retry.Summary.Create != 2 || retry.Summary.NoOp != 1 {
		t.Errorf("expected retry plan to create 2 and keep 1, got %+v", retry.Summary)
	}
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	graph := buildGraph(t, `
resource "sim_table" "contacts" {
  name = "contacts"
}
`)
	fake := newFakeProvider()
	fake.transientFailures["sim_table.contacts"] = 2
	executor, store := newTestExecutor(t, fake)

	result, err := executor.Apply(context.Background(), planFor(t, graph, store), graph)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if !result.Succeeded() {
		t.Fatalf("expected success after retries, got %+v", result.Summary)
	}
	if result.Results[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Results[0].Attempts)
	}
}

func TestApplyRetriesExhausted(t *testing.T) {
	graph := buildGraph(t, `
resource "sim_table" "contacts" {
  name = "contacts"
}
`)
	fake := newFakeProvider()
	fake.transientFailures["sim_table.contacts"] = 10
	executor, store := newTestExecutor(t, fake)

	result, err := executor.Apply(context.Background(), planFor(t, graph, store), graph)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if result.Summary.Failed != 1 {
		t.Fatalf("expected failure after retry budget, got %+v", result.Summary)
	}
	if result.Results[0].Attempts != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", result.Results[0].Attempts)
	}
}

func TestApplyUpdatePreservesIdentity(t *testing.T) {
	executor, store := newTestExecutor(t, newFakeProvider())

	v1 := buildGraph(t, `
resource "sim_table" "contacts" {
  name = "contacts"
}
`)
	if _, err := executor.Apply(context.Background(), planFor(t, v1, store), v1); err != nil {
		t.Fatalf("Apply v1 failed: %v", err)
	}
	before, _ := store.Load(context.Background())
	priorID := before.Resource("sim_table.contacts").Attributes["id"]

	v2 := buildGraph(t, `
resource "sim_table" "contacts" {
  name = "contacts-v2"
}
`)
	plan := planFor(t, v2, store)
	if plan.Summary.Update != 1 {
		t.Fatalf("expected 1 update, got %+v", plan.Summary)
	}

	result, err := executor.Apply(context.Background(), plan, v2)
	if err != nil {
		t.Fatalf("Apply v2 failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result.Summary)
	}

	after, _ := store.Load(context.Background())
	entry := after.Resource("sim_table.contacts")
	if entry.Args["name"] != "contacts-v2" {
		t.Errorf("expected updated args, got %v", entry.Args["name"])
	}
	if entry.Attributes["id"] != priorID {
		t.Errorf("expected id preserved across update, got %v", entry.Attributes["id"])
	}
	if entry.CreationSerial != before.Resource("sim_table.contacts").CreationSerial {
		t.Error("expected creation serial preserved across update")
	}
}

func TestApplyDestroysInReverseOrder(t *testing.T) {
	fake := newFakeProvider()
	executor, store := newTestExecutor(t, fake)

	graph := buildGraph(t, chainConfig)
	if _, err := executor.Apply(context.Background(), planFor(t, graph, store), graph); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	empty, err := BuildGraph(nil)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	result, err := executor.Apply(context.Background(), planFor(t, empty, store), empty)
	if err != nil {
		t.Fatalf("destroy Apply failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result.Summary)
	}

	want := []string{"sim_api_gateway.api", "sim_function.submit", "sim_table.contacts"}
	got := fake.destroyOrder()
	if len(got) != len(want) {
		t.Fatalf("expected %d destroys, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected destroy order %v, got %v", want, got)
		}
	}

	snapshot, _ := store.Load(context.Background())
	if len(snapshot.Resources) != 0 {
		t.Errorf("expected empty state after destroy, got %d resources", len(snapshot.Resources))
	}
}

func TestApplyRejectsStalePlan(t *testing.T) {
	graph := buildGraph(t, `
resource "sim_table" "contacts" {
  name = "contacts"
}
`)
	executor, store := newTestExecutor(t, newFakeProvider())

	stalePlan := planFor(t, graph, store)

	// State moves after the plan is computed.
	other := entryAt("sim_other.thing", 1,
		map[string]interface{}{}, map[string]interface{}{})
	if err := store.UpsertResource(context.Background(), other); err != nil {
		t.Fatalf("UpsertResource failed: %v", err)
	}

	_, err := executor.Apply(context.Background(), stalePlan, graph)
	if err == nil {
		t.Fatal("expected stale plan to be rejected")
	}

	var engineErr *EngineError
	if !asEngineError(err, &engineErr) || engineErr.Code != ErrCodePlanConflict {
		t.Errorf("expected %s error, got %v", ErrCodePlanConflict, err)
	}
}

func TestApplyFailsWhenLocked(t *testing.T) {
	graph := buildGraph(t, `
resource "sim_table" "contacts" {
  name = "contacts"
}
`)
	executor, store := newTestExecutor(t, newFakeProvider())

	if err := store.Lock(context.Background()); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer store.Unlock(context.Background())

	_, err := executor.Apply(context.Background(), planFor(t, graph, store), graph)
	if err == nil {
		t.Fatal("expected apply to fail while state is locked")
	}
	if !IsConflict(err) {
		t.Errorf("expected conflict error, got %v", err)
	}
}

func TestApplyCancelledBeforeStart(t *testing.T) {
	graph := buildGraph(t, chainConfig)
	executor, store := newTestExecutor(t, newFakeProvider())
	plan := planFor(t, graph, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := executor.Apply(ctx, plan, graph)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if result.Summary.Aborted != 3 {
		t.Errorf("expected all actions aborted, got %+v", result.Summary)
	}

	snapshot, _ := store.Load(context.Background())
	if len(snapshot.Resources) != 0 {
		t.Errorf("expected no state changes after cancelled apply, got %d", len(snapshot.Resources))
	}
}

const independentConfig = `
resource "sim_table" "a" {
  name = "a"
}

resource "sim_table" "b" {
  name = "b"
}
`

// failingStore fails upserts for one address, simulating a backend that can
// no longer confirm its writes.
type failingStore struct {
	stores.Store
	failAddr string
}

func (s *failingStore) UpsertResource(ctx context.Context, entry *stores.ResourceEntry) error {
	if entry.Address == s.failAddr {
		return fmt.Errorf("write failed: disk full")
	}
	return s.Store.UpsertResource(ctx, entry)
}

func TestApplyHaltsOnStateWriteFailure(t *testing.T) {
	graph := buildGraph(t, independentConfig)

	base, err := stores.Open(context.Background(), filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = base.Close() })
	store := &failingStore{Store: base, failAddr: "sim_table.a"}

	provider := newFakeProvider()
	executor := NewExecutor(ExecutorConfig{
		Store:          store,
		Providers:      singleRegistry{provider: provider},
		Logger:         testLogger(t),
		Metrics:        testMetrics(t),
		MaxParallel:    1,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
	plan := planFor(t, graph, store)

	result, err := executor.Apply(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Losing a state write halts the run: the independent resource must
	// not see another provider call.
	if got := provider.createOrder(); len(got) != 1 || got[0] != "sim_table.a" {
		t.Errorf("expected a single create for sim_table.a, got %v", got)
	}
	if result.Summary.Failed != 1 || result.Summary.Aborted != 1 || result.Summary.Succeeded != 0 {
		t.Errorf("expected 1 failed and 1 aborted, got %+v", result.Summary)
	}
	if result.StateError == "" {
		t.Error("expected the state write failure to be reported on the result")
	}

	for _, r := range result.Results {
		if r.Address == "sim_table.b" && r.Status != StatusAborted {
			t.Errorf("expected sim_table.b aborted, got %s", r.Status)
		}
	}

	snapshot, err := base.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snapshot.Resources) != 0 {
		t.Errorf("expected no recorded resources, got %d", len(snapshot.Resources))
	}
}

func TestApplyCancelledMidRun(t *testing.T) {
	graph := buildGraph(t, chainConfig)
	provider := newFakeProvider()
	executor, store := newTestExecutor(t, provider)
	plan := planFor(t, graph, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider.onCreate = func(addr string) {
		if addr == "sim_table.contacts" {
			cancel()
		}
	}

	result, err := executor.Apply(ctx, plan, graph)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// The in-flight action finishes and stays recorded. Everything after
	// the cancellation is aborted without rolling anything back.
	if result.Summary.Succeeded != 1 || result.Summary.Aborted != 2 {
		t.Errorf("expected 1 succeeded and 2 aborted, got %+v", result.Summary)
	}

	statuses := make(map[string]ActionStatus, len(result.Results))
	for _, r := range result.Results {
		statuses[r.Address] = r.Status
	}
	if statuses["sim_table.contacts"] != StatusSucceeded {
		t.Errorf("expected table succeeded, got %s", statuses["sim_table.contacts"])
	}
	if statuses["sim_function.submit"] != StatusAborted {
		t.Errorf("expected function aborted, got %s", statuses["sim_function.submit"])
	}
	if statuses["sim_api_gateway.api"] != StatusAborted {
		t.Errorf("expected gateway aborted, got %s", statuses["sim_api_gateway.api"])
	}

	snapshot, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snapshot.Resources) != 1 {
		t.Fatalf("expected exactly the completed resource in state, got %d", len(snapshot.Resources))
	}
	if snapshot.Resource("sim_table.contacts") == nil {
		t.Error("expected sim_table.contacts to stay recorded")
	}
}
