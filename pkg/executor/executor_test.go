package executor

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/stores"
)

// fakeRunner fails any command containing a registered fragment.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]string // fragment -> output
	block    time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{failures: make(map[string]string)}
}

func (r *fakeRunner) failOn(fragment, output string) *fakeRunner {
	r.failures[fragment] = output
	return r
}

func (r *fakeRunner) Run(ctx context.Context, command string) (string, int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, command)
	block := r.block
	r.mu.Unlock()

	if block > 0 {
		// Ignores ctx on purpose: the executor cannot interrupt a step.
		time.Sleep(block)
	}
	for fragment, output := range r.failures {
		if strings.Contains(command, fragment) {
			return output, 1, nil
		}
	}
	return "ok: " + command, 0, nil
}

func (r *fakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeQuerier serves resources by key and counts queries.
type fakeQuerier struct {
	mu        sync.Mutex
	resources map[string]*engine.Resource
	queries   int
}

func (q *fakeQuerier) Query(ctx context.Context, resourceType, name, group string) (*engine.Resource, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries++
	key := engine.ResourceRef{Type: resourceType, Name: name, Group: group}.Key()
	if r, ok := q.resources[key]; ok {
		c := *r
		return &c, nil
	}
	return nil, engine.NotFoundf("resource %s not found", key)
}

func (q *fakeQuerier) add(r *engine.Resource) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.resources == nil {
		q.resources = make(map[string]*engine.Resource)
	}
	q.resources[r.Ref().Key()] = r
}

func setupStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func setupExecutor(t *testing.T, store engine.ResourceStore, runner engine.StepRunner, mutate func(*Options)) *Executor {
	t.Helper()
	opts := Options{Store: store, Runner: runner}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func networkDescriptor() *engine.Descriptor {
	return &engine.Descriptor{
		ID:         "create-network",
		Name:       "Create network",
		Capability: "networking",
		Kind:       engine.KindCreate,
		Target:     &engine.ResourceRef{Type: "Microsoft.Network/virtualNetworks", Name: "{{vnet}}", Group: "{{group}}"},
		Required:   []engine.Parameter{{Name: "vnet"}, {Name: "group"}},
		Steps: []engine.Step{
			{Name: "create-vnet", Command: "az network vnet create -n {{vnet}} -g {{group}}"},
			{Name: "create-subnet", Command: "az network vnet subnet create --vnet-name {{ vnet }} -n app"},
		},
		Rollback: []engine.Step{
			{Name: "delete-subnet", Command: "az network vnet subnet delete --vnet-name {{vnet}} -n app"},
			{Name: "delete-vnet", Command: "az network vnet delete -n {{vnet}} -g {{group}}"},
		},
	}
}

var networkVars = map[string]string{"vnet": "vnet-prod", "group": "rg-prod"}

func outcomeNames(outcomes []StepOutcome) []string {
	var names []string
	for _, o := range outcomes {
		names = append(names, o.Name+":"+string(o.Status))
	}
	return names
}

func TestExecuteCompleted(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runner := newFakeRunner()
	querier := &fakeQuerier{}
	querier.add(&engine.Resource{
		ID:    "/subscriptions/s/resourceGroups/rg-prod/providers/Microsoft.Network/virtualNetworks/vnet-prod",
		Type:  "Microsoft.Network/virtualNetworks",
		Name:  "vnet-prod",
		Group: "rg-prod",
		State: engine.StateSucceeded,
	})
	e := setupExecutor(t, store, runner, func(o *Options) { o.Querier = querier })

	res, err := e.Execute(ctx, networkDescriptor(), networkVars, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != engine.OperationStatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if ExitCode(res, err) != ExitCompleted {
		t.Errorf("unexpected exit code %d", ExitCode(res, err))
	}

	wantCalls := []string{
		"az network vnet create -n vnet-prod -g rg-prod",
		"az network vnet subnet create --vnet-name vnet-prod -n app",
	}
	if diff := cmp.Diff(wantCalls, runner.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	op, err := store.GetOperation(ctx, res.OperationID)
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if op.Status != engine.OperationStatusCompleted || op.CurrentStep != 2 || op.TotalSteps != 2 {
		t.Errorf("unexpected operation record: %+v", op)
	}
	if op.TargetResourceID == "" {
		t.Error("expected target resource to be linked")
	}

	target, err := store.GetByID(ctx, op.TargetResourceID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !target.CreatedByEngine || !target.ManagedByEngine {
		t.Errorf("expected lineage flags on created target: %+v", target)
	}

	steps, _ := store.ListSteps(ctx, res.OperationID)
	if len(steps) != 2 || steps[0].Status != engine.StepSucceeded {
		t.Errorf("unexpected step records: %+v", steps)
	}
	logs, _ := store.ListLogs(ctx, res.OperationID)
	if len(logs) == 0 {
		t.Error("expected operation logs")
	}
}

func TestExecuteRollsBackAttemptedSteps(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runner := newFakeRunner().failOn("subnet create", "SubnetConflict")
	e := setupExecutor(t, store, runner, nil)

	res, err := e.Execute(ctx, networkDescriptor(), networkVars, ExecOptions{})
	if !errors.Is(err, engine.ErrStepFailed) {
		t.Fatalf("expected STEP_FAILED, got %v", err)
	}
	if res.Status != engine.OperationStatusRolledBack {
		t.Fatalf("expected rolled back, got %s", res.Status)
	}
	if ExitCode(res, err) != ExitRolledBack {
		t.Errorf("unexpected exit code %d", ExitCode(res, err))
	}

	if diff := cmp.Diff([]string{"create-vnet:succeeded", "create-subnet:failed"}, outcomeNames(res.Steps)); diff != "" {
		t.Errorf("forward outcomes mismatch (-want +got):\n%s", diff)
	}
	// The subnet was never created, so its rollback is skipped.
	if diff := cmp.Diff([]string{"delete-subnet:skipped", "delete-vnet:succeeded"}, outcomeNames(res.Rollback)); diff != "" {
		t.Errorf("rollback outcomes mismatch (-want +got):\n%s", diff)
	}
	calls := runner.Calls()
	if calls[len(calls)-1] != "az network vnet delete -n vnet-prod -g rg-prod" {
		t.Errorf("expected vnet deletion last, got %v", calls)
	}
	for _, c := range calls {
		if strings.Contains(c, "subnet delete") {
			t.Errorf("skipped rollback step was dispatched: %s", c)
		}
	}

	op, _ := store.GetOperation(ctx, res.OperationID)
	if op.Status != engine.OperationStatusRolledBack || op.Error == "" || op.Warning != "" {
		t.Errorf("unexpected operation record: %+v", op)
	}
	records, _ := store.ListSteps(ctx, res.OperationID)
	var history []string
	for _, r := range records {
		history = append(history, string(r.Phase)+"/"+r.Name+":"+string(r.Status))
	}
	want := []string{
		"forward/create-vnet:succeeded",
		"forward/create-subnet:failed",
		"rollback/delete-subnet:skipped",
		"rollback/delete-vnet:succeeded",
	}
	if diff := cmp.Diff(want, history); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestRollbackNeverTouchesUnattemptedSteps(t *testing.T) {
	d := &engine.Descriptor{
		ID:   "three-steps",
		Kind: engine.KindConfigure,
		Steps: []engine.Step{
			{Name: "one", Command: "do one"},
			{Name: "two", Command: "do two"},
			{Name: "three", Command: "do three"},
		},
		Rollback: []engine.Step{
			{Name: "undo-three", Command: "revert three", Undoes: "three"},
			{Name: "undo-two", Command: "revert two", Undoes: "two"},
			{Name: "undo-one", Command: "revert one", Undoes: "one"},
		},
	}
	runner := newFakeRunner().failOn("do two", "boom")
	e := setupExecutor(t, setupStore(t), runner, func(o *Options) { o.RollbackFailedSteps = true })

	res, err := e.Execute(context.Background(), d, nil, ExecOptions{})
	if err == nil || res.Status != engine.OperationStatusRolledBack {
		t.Fatalf("expected rolled back, got %v / %v", res.Status, err)
	}
	want := []string{"do one", "do two", "revert two", "revert one"}
	if diff := cmp.Diff(want, runner.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRollbackPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	d := &engine.Descriptor{
		ID:   "three-steps",
		Kind: engine.KindConfigure,
		Steps: []engine.Step{
			{Name: "one", Command: "do one"},
			{Name: "two", Command: "do two"},
			{Name: "three", Command: "do three"},
		},
		Rollback: []engine.Step{
			{Name: "undo-two", Command: "undo two", Undoes: "two"},
			{Name: "undo-one", Command: "undo one", Undoes: "one"},
		},
	}
	runner := newFakeRunner().
		failOn("do three", "denied").
		failOn("undo two", "still in use")
	e := setupExecutor(t, store, runner, nil)

	res, err := e.Execute(ctx, d, nil, ExecOptions{})
	if !errors.Is(err, engine.ErrStepFailed) {
		t.Fatalf("expected step failure, got %v", err)
	}
	if res.Status != engine.OperationStatusRolledBack {
		t.Fatalf("expected rolled back, got %s", res.Status)
	}
	want := []string{"undo-two:failed", "undo-one:succeeded"}
	if diff := cmp.Diff(want, outcomeNames(res.Rollback)); diff != "" {
		t.Errorf("rollback outcomes mismatch (-want +got):\n%s", diff)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], engine.ErrCodeRollbackPartialFailure) {
		t.Errorf("expected partial rollback warning, got %v", res.Warnings)
	}
	op, _ := store.GetOperation(ctx, res.OperationID)
	if op.Status != engine.OperationStatusRolledBack || op.Warning == "" {
		t.Errorf("expected warning persisted on the rolled back operation: %+v", op)
	}
}

func TestPairRollback(t *testing.T) {
	tests := []struct {
		name     string
		steps    []string
		rollback []engine.Step
		want     []int
	}{
		{
			name:     "reverse index",
			steps:    []string{"a", "b"},
			rollback: []engine.Step{{Name: "undo-b"}, {Name: "undo-a"}},
			want:     []int{1, 0},
		},
		{
			name:     "explicit undoes",
			steps:    []string{"a", "b", "c"},
			rollback: []engine.Step{{Name: "undo-a", Undoes: "a"}, {Name: "undo-c", Undoes: "c"}},
			want:     []int{0, 2},
		},
		{
			name:     "extra steps are cleanup",
			steps:    []string{"a"},
			rollback: []engine.Step{{Name: "undo-a"}, {Name: "notify"}},
			want:     []int{0, -1},
		},
		{
			name:     "trailing forward steps unpaired",
			steps:    []string{"create-rg", "create-vnet", "verify"},
			rollback: []engine.Step{{Name: "delete-vnet"}, {Name: "delete-rg"}},
			want:     []int{1, 0},
		},
		{
			name:     "positional around undoes",
			steps:    []string{"a", "b", "c"},
			rollback: []engine.Step{{Name: "undo-b"}, {Name: "undo-c", Undoes: "c"}, {Name: "undo-a"}},
			want:     []int{1, 2, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &engine.Descriptor{Rollback: tt.rollback}
			for _, name := range tt.steps {
				d.Steps = append(d.Steps, engine.Step{Name: name})
			}
			if diff := cmp.Diff(tt.want, PairRollback(d)); diff != "" {
				t.Errorf("PairRollback mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRollbackWithFewerRollbackSteps(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	d := &engine.Descriptor{
		ID:   "create-vnet",
		Kind: engine.KindConfigure,
		Steps: []engine.Step{
			{Name: "create-rg", Command: "az group create -n rg"},
			{Name: "create-vnet", Command: "az network vnet create -n v"},
			{Name: "verify", Command: "az network vnet show -n v"},
		},
		Rollback: []engine.Step{
			{Name: "delete-vnet", Command: "az network vnet delete -n v"},
			{Name: "delete-rg", Command: "az group delete -n rg"},
		},
	}
	runner := newFakeRunner().failOn("vnet create", "QuotaExceeded")
	e := setupExecutor(t, store, runner, nil)

	res, err := e.Execute(ctx, d, nil, ExecOptions{})
	if !errors.Is(err, engine.ErrStepFailed) || res.Status != engine.OperationStatusRolledBack {
		t.Fatalf("expected rolled back step failure, got %s / %v", res.Status, err)
	}
	if diff := cmp.Diff([]string{"delete-vnet:skipped", "delete-rg:succeeded"}, outcomeNames(res.Rollback)); diff != "" {
		t.Errorf("rollback outcomes mismatch (-want +got):\n%s", diff)
	}
	want := []string{"az group create -n rg", "az network vnet create -n v", "az group delete -n rg"}
	if diff := cmp.Diff(want, runner.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("every completed step was compensated, got warnings %v", res.Warnings)
	}
}

func TestRollbackWarnsAboutUncompensatedSteps(t *testing.T) {
	d := &engine.Descriptor{
		ID:   "tag-and-lock",
		Kind: engine.KindConfigure,
		Steps: []engine.Step{
			{Name: "tag", Command: "az tag create"},
			{Name: "lock", Command: "az lock create"},
			{Name: "audit", Command: "az audit"},
		},
		Rollback: []engine.Step{{Name: "unlock", Command: "az lock delete", Undoes: "lock"}},
	}
	runner := newFakeRunner().failOn("az audit", "denied")
	e := setupExecutor(t, setupStore(t), runner, nil)

	res, _ := e.Execute(context.Background(), d, nil, ExecOptions{})
	if res.Status != engine.OperationStatusRolledBack {
		t.Fatalf("expected rolled back, got %s", res.Status)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "tag") {
		t.Errorf("expected a warning naming the tag step, got %v", res.Warnings)
	}
	if diff := cmp.Diff([]string{"tag"}, Uncompensated(d, res.Steps)); diff != "" {
		t.Errorf("Uncompensated mismatch (-want +got):\n%s", diff)
	}
}

func TestContinueOnError(t *testing.T) {
	d := &engine.Descriptor{
		ID:   "tolerant",
		Kind: engine.KindConfigure,
		Steps: []engine.Step{
			{Name: "optional-check", Command: "check", ContinueOnError: true},
			{Name: "apply", Command: "apply"},
		},
		Rollback: []engine.Step{{Name: "revert", Command: "revert", Undoes: "apply"}},
	}
	runner := newFakeRunner().failOn("check", "not ready")
	e := setupExecutor(t, setupStore(t), runner, nil)

	res, err := e.Execute(context.Background(), d, nil, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != engine.OperationStatusCompleted || len(res.Warnings) != 1 {
		t.Errorf("expected completed with one warning, got %s %v", res.Status, res.Warnings)
	}
	if diff := cmp.Diff([]string{"check", "apply"}, runner.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestPrerequisites(t *testing.T) {
	ctx := context.Background()
	vnet := &engine.Resource{
		ID:    "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Network/virtualNetworks/hub",
		Type:  "Microsoft.Network/virtualNetworks",
		Name:  "hub",
		Group: "rg",
		State: engine.StateSucceeded,
	}
	d := &engine.Descriptor{
		ID:            "create-peering",
		Kind:          engine.KindCreate,
		Prerequisites: []engine.ResourceRef{{Type: vnet.Type, Name: "hub", Group: "rg"}},
		Steps:         []engine.Step{{Name: "peer", Command: "az network vnet peering create"}},
	}

	t.Run("missing", func(t *testing.T) {
		store := setupStore(t)
		runner := newFakeRunner()
		querier := &fakeQuerier{}
		e := setupExecutor(t, store, runner, func(o *Options) { o.Querier = querier })

		res, err := e.Execute(ctx, d, nil, ExecOptions{})
		if !errors.Is(err, engine.ErrPrerequisiteMissing) {
			t.Fatalf("expected PREREQUISITE_MISSING, got %v", err)
		}
		if len(runner.Calls()) != 0 {
			t.Errorf("no step may run, got %v", runner.Calls())
		}
		if res.Status != engine.OperationStatusFailed || ExitCode(res, err) != ExitPrerequisiteMissing {
			t.Errorf("unexpected status %s / exit %d", res.Status, ExitCode(res, err))
		}
	})

	t.Run("force skips validation", func(t *testing.T) {
		runner := newFakeRunner()
		querier := &fakeQuerier{}
		e := setupExecutor(t, setupStore(t), runner, func(o *Options) { o.Querier = querier })

		res, err := e.Execute(ctx, d, nil, ExecOptions{Force: true})
		if err != nil || res.Status != engine.OperationStatusCompleted {
			t.Fatalf("expected completed, got %v / %v", res.Status, err)
		}
		if querier.queries != 0 {
			t.Errorf("force must not query the provider, got %d queries", querier.queries)
		}
	})

	t.Run("provider on cache miss", func(t *testing.T) {
		store := setupStore(t)
		querier := &fakeQuerier{}
		querier.add(vnet)
		e := setupExecutor(t, store, newFakeRunner(), func(o *Options) { o.Querier = querier })

		if err := e.ValidatePrerequisites(ctx, d, false); err != nil {
			t.Fatalf("ValidatePrerequisites failed: %v", err)
		}
		if err := e.ValidatePrerequisites(ctx, d, false); err != nil {
			t.Fatalf("second ValidatePrerequisites failed: %v", err)
		}
		if querier.queries != 1 {
			t.Errorf("expected a single provider query, got %d", querier.queries)
		}
		_, found, fresh, _ := store.Get(ctx, vnet.Type, "hub", "rg")
		if !found || !fresh {
			t.Error("provider answer should be cached")
		}
	})

	t.Run("soft-deleted cache entry", func(t *testing.T) {
		store := setupStore(t)
		if err := store.Upsert(ctx, vnet); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if err := store.SoftDelete(ctx, vnet.ID); err != nil {
			t.Fatalf("SoftDelete failed: %v", err)
		}
		e := setupExecutor(t, store, newFakeRunner(), nil)
		if err := e.ValidatePrerequisites(ctx, d, false); !errors.Is(err, engine.ErrPrerequisiteMissing) {
			t.Errorf("expected PREREQUISITE_MISSING, got %v", err)
		}
	})
}

func TestStepTimeout(t *testing.T) {
	d := &engine.Descriptor{
		ID:       "slow",
		Kind:     engine.KindConfigure,
		Steps:    []engine.Step{{Name: "wait", Command: "sleep", Timeout: 20 * time.Millisecond}},
		Rollback: []engine.Step{{Name: "cleanup", Command: "cleanup", Timeout: time.Second}},
	}
	runner := newFakeRunner()
	runner.block = 200 * time.Millisecond
	e := setupExecutor(t, setupStore(t), runner, nil)

	start := time.Now()
	res, err := e.Execute(context.Background(), d, nil, ExecOptions{})
	if !errors.Is(err, engine.ErrStepTimeout) {
		t.Fatalf("expected STEP_TIMEOUT, got %v", err)
	}
	if res.Steps[0].Status != engine.StepTimedOut {
		t.Errorf("expected timed_out step, got %s", res.Steps[0].Status)
	}
	if res.Rollback[0].Status != engine.StepSkipped {
		t.Errorf("rollback of a timed-out step should be skipped, got %s", res.Rollback[0].Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout did not bound the step: %s", elapsed)
	}
	if res.Status != engine.OperationStatusRolledBack {
		t.Errorf("expected rolled back, got %s", res.Status)
	}
}

func TestSelfHealing(t *testing.T) {
	ctx := context.Background()
	quota := Fix{
		Name:         "smaller-sku",
		IssuePattern: regexp.MustCompile(`QuotaExceeded`),
		Patch: func(command, output string) (string, error) {
			return strings.Replace(command, "--size Standard_D8s_v3", "--size Standard_D2s_v3", 1), nil
		},
	}
	d := &engine.Descriptor{
		ID:     "create-vm",
		Kind:   engine.KindCreate,
		Target: &engine.ResourceRef{Type: "Microsoft.Compute/virtualMachines", Name: "vm-app", Group: "rg"},
		Steps:  []engine.Step{{Name: "create", Command: "az vm create -n vm-app --size Standard_D8s_v3"}},
	}

	t.Run("healed", func(t *testing.T) {
		store := setupStore(t)
		runner := newFakeRunner().failOn("Standard_D8s_v3", "ERROR: QuotaExceeded for family")
		e := setupExecutor(t, store, runner, func(o *Options) { o.Healer = NewHealer([]Fix{quota}) })

		res, err := e.Execute(ctx, d, nil, ExecOptions{})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		step := res.Steps[0]
		if step.Attempts != 2 || step.FixApplied != "smaller-sku" || !strings.Contains(step.Command, "D2s") {
			t.Errorf("unexpected outcome: %+v", step)
		}
		failures, _ := store.ListFailures(ctx, "create-vm", "create")
		if len(failures) != 1 || !failures[0].Resolved || failures[0].FixName != "smaller-sku" {
			t.Errorf("expected one resolved failure record, got %+v", failures)
		}
	})

	t.Run("max retries", func(t *testing.T) {
		runner := newFakeRunner().failOn("az vm create", "QuotaExceeded again")
		e := setupExecutor(t, setupStore(t), runner, func(o *Options) { o.Healer = NewHealer([]Fix{quota}) })

		res, err := e.Execute(ctx, d, nil, ExecOptions{})
		if !errors.Is(err, engine.ErrMaxRetriesExceeded) {
			t.Fatalf("expected MAX_RETRIES_EXCEEDED, got %v", err)
		}
		if len(runner.Calls()) != DefaultMaxAttempts || res.Steps[0].Attempts != DefaultMaxAttempts {
			t.Errorf("expected %d attempts, got %v", DefaultMaxAttempts, runner.Calls())
		}
		if res.Status != engine.OperationStatusFailed {
			t.Errorf("no rollback declared, expected failed, got %s", res.Status)
		}
	})

	t.Run("destructive retry blocked", func(t *testing.T) {
		recreate := Fix{
			Name:         "recreate",
			IssuePattern: regexp.MustCompile(`Conflict`),
			Patch: func(command, output string) (string, error) {
				return "az vm delete -n vm-app --yes && " + command, nil
			},
		}
		blocked := d.Clone()
		blocked.Rollback = []engine.Step{{Name: "cleanup", Command: "az vm deallocate -n vm-app"}}
		runner := newFakeRunner().failOn("az vm create", "Conflict: resource busy")
		e := setupExecutor(t, setupStore(t), runner, func(o *Options) {
			o.Healer = NewHealer([]Fix{recreate})
		})

		res, err := e.Execute(ctx, blocked, nil, ExecOptions{})
		if !errors.Is(err, engine.ErrDestructiveRetryBlocked) {
			t.Fatalf("expected DESTRUCTIVE_RETRY_BLOCKED, got %v", err)
		}
		if len(runner.Calls()) != 1 {
			t.Errorf("retry must not be dispatched, got %v", runner.Calls())
		}
		if res.Status != engine.OperationStatusFailed || ExitCode(res, err) != ExitFailed {
			t.Errorf("expected failed, got %s", res.Status)
		}
	})

	t.Run("blocked after a completed step", func(t *testing.T) {
		recreate := Fix{
			Name:         "recreate",
			IssuePattern: regexp.MustCompile(`Conflict`),
			Patch: func(command, output string) (string, error) {
				return "az vm delete -n vm-app --yes && " + command, nil
			},
		}
		two := d.Clone()
		two.Steps = []engine.Step{
			{Name: "create-nic", Command: "az network nic create -n nic-app"},
			{Name: "create", Command: "az vm create -n vm-app --nics nic-app"},
		}
		two.Rollback = []engine.Step{
			{Name: "delete-nic", Command: "az network nic delete -n nic-app", Undoes: "create-nic"},
		}
		store := setupStore(t)
		runner := newFakeRunner().failOn("az vm create", "Conflict: resource busy")
		e := setupExecutor(t, store, runner, func(o *Options) {
			o.Healer = NewHealer([]Fix{recreate})
		})

		res, err := e.Execute(ctx, two, nil, ExecOptions{})
		if !errors.Is(err, engine.ErrDestructiveRetryBlocked) {
			t.Fatalf("expected DESTRUCTIVE_RETRY_BLOCKED, got %v", err)
		}
		if res.Status != engine.OperationStatusFailed {
			t.Fatalf("expected failed, got %s", res.Status)
		}
		// The operator decides what to do with the NIC; nothing is undone.
		want := []string{"az network nic create -n nic-app", "az vm create -n vm-app --nics nic-app"}
		if diff := cmp.Diff(want, runner.Calls()); diff != "" {
			t.Errorf("calls mismatch (-want +got):\n%s", diff)
		}
		if len(res.Rollback) != 0 {
			t.Errorf("expected no rollback outcomes, got %v", outcomeNames(res.Rollback))
		}
		if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "rollback not attempted") {
			t.Errorf("expected rollback warning, got %v", res.Warnings)
		}
		op, _ := store.GetOperation(ctx, res.OperationID)
		if op.Status != engine.OperationStatusFailed {
			t.Errorf("expected failed operation record, got %s", op.Status)
		}
	})
}

func TestHealerReusesRecordedFix(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	rec := &engine.FailureRecord{DescriptorID: "create-vm", StepName: "create", OperationID: "op-1", Output: "old"}
	if err := store.RecordFailure(ctx, rec); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if err := store.ResolveFailure(ctx, rec.ID, "retry-plain"); err != nil {
		t.Fatalf("ResolveFailure failed: %v", err)
	}

	h := NewHealer([]Fix{
		{Name: "quota", IssuePattern: regexp.MustCompile(`Quota`)},
		{Name: "retry-plain", IssuePattern: regexp.MustCompile(`never-matches`)},
	})

	fix, err := h.Select(ctx, store, "create-vm", "create", "unrecognised failure")
	if err != nil || fix == nil || fix.Name != "retry-plain" {
		t.Errorf("expected recorded fix to be reused, got %v, %v", fix, err)
	}
	fix, _ = h.Select(ctx, store, "create-vm", "create", "QuotaExceeded")
	if fix == nil || fix.Name != "quota" {
		t.Errorf("expected matching fix to win, got %v", fix)
	}
	fix, _ = h.Select(ctx, store, "other", "create", "unrecognised failure")
	if fix != nil {
		t.Errorf("expected no fix for another descriptor, got %v", fix)
	}
}

func TestDryRun(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runner := newFakeRunner()
	e := setupExecutor(t, store, runner, nil)

	plan, err := e.DryRun(ctx, networkDescriptor(), networkVars)
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("dry run dispatched commands: %v", runner.Calls())
	}
	ops, _ := store.ListOperations(ctx, engine.OperationFilter{})
	if len(ops) != 0 {
		t.Errorf("dry run wrote %d operations", len(ops))
	}

	if plan.Steps[0].Command != "az network vnet create -n vnet-prod -g rg-prod" {
		t.Errorf("unexpected substituted command: %s", plan.Steps[0].Command)
	}
	if plan.Steps[0].Timeout != DefaultStepTimeout {
		t.Errorf("unexpected timeout %s", plan.Steps[0].Timeout)
	}
	if plan.Rollback[0].Pairs != 1 || plan.Rollback[1].Pairs != 0 {
		t.Errorf("unexpected rollback pairing: %+v", plan.Rollback)
	}
	if plan.Target.Name != "vnet-prod" {
		t.Errorf("target not substituted: %+v", plan.Target)
	}

	var out strings.Builder
	if err := plan.Render(&out); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out.String(), "undoes create-subnet") {
		t.Errorf("rendered plan lacks pairing:\n%s", out.String())
	}
}

func TestExecuteRejectsInvalidDescriptor(t *testing.T) {
	store := setupStore(t)
	e := setupExecutor(t, store, newFakeRunner(), nil)

	_, err := e.Execute(context.Background(), networkDescriptor(), map[string]string{"vnet": "x"}, ExecOptions{})
	if !errors.Is(err, engine.ErrInvalidDescriptor) {
		t.Fatalf("expected INVALID_DESCRIPTOR, got %v", err)
	}
	if ExitCode(nil, err) != ExitInvalid {
		t.Errorf("unexpected exit code %d", ExitCode(nil, err))
	}
	ops, _ := store.ListOperations(context.Background(), engine.OperationFilter{})
	if len(ops) != 0 {
		t.Error("no operation may be recorded for an invalid descriptor")
	}
}
