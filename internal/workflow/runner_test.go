package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	instances map[string]Instance
	steps     map[string]StepRecord
	putErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		instances: make(map[string]Instance),
		steps:     make(map[string]StepRecord),
	}
}

func (m *mockStore) CreateInstance(_ context.Context, inst *Instance) (*Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.instances[inst.ID]; ok {
		return &existing, false, nil
	}
	m.instances[inst.ID] = *inst
	cp := *inst
	return &cp, true, nil
}

func (m *mockStore) GetInstance(_ context.Context, id string) (*Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, false, nil
	}
	return &inst, true, nil
}

func (m *mockStore) UpdateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = *inst
	return nil
}

func (m *mockStore) ListInstances(_ context.Context, status Status, limit int) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Instance
	for _, inst := range m.instances {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) GetStep(_ context.Context, instanceID, name string) (*StepRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.steps[instanceID+"/"+name]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (m *mockStore) PutStep(_ context.Context, rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.steps[rec.InstanceID+"/"+rec.Name] = *rec
	return nil
}

func (m *mockStore) ListSteps(_ context.Context, instanceID string) ([]StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StepRecord
	for _, rec := range m.steps {
		if rec.InstanceID == instanceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) step(t *testing.T, instanceID, name string) StepRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.steps[instanceID+"/"+name]
	if !ok {
		t.Fatalf("no checkpoint for %s/%s", instanceID, name)
	}
	return rec
}

// counter counts step invocations.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) inc(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[name]++
	return c.calls[name]
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// noSleep records requested delays without waiting.
type noSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.mu.Lock()
	n.delays = append(n.delays, d)
	n.mu.Unlock()
	return ctx.Err()
}

type params struct {
	N int `json:"n"`
}

func addDefinition(c *counter) Definition {
	return Definition{
		Type: "add",
		Steps: []Step{
			{Name: "double", Retries: 3, Delay: 2 * time.Second, Run: func(_ context.Context, r *Run) (any, error) {
				c.inc("double")
				var p params
				if err := r.Params(&p); err != nil {
					return nil, err
				}
				return p.N * 2, nil
			}},
			{Name: "increment", Retries: 3, Delay: 2 * time.Second, Run: func(_ context.Context, r *Run) (any, error) {
				c.inc("increment")
				var doubled int
				if err := r.Output("double", &doubled); err != nil {
					return nil, err
				}
				return doubled + 1, nil
			}},
		},
		Finish: func(r *Run) (any, error) {
			var v int
			if err := r.Output("increment", &v); err != nil {
				return nil, err
			}
			return map[string]int{"result": v}, nil
		},
	}
}

func newTestRunner(t *testing.T, store Store, opts ...Option) *Runner {
	t.Helper()
	r := NewRunner(store, log.Nop(), opts...)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func seedInstance(t *testing.T, store *mockStore, typ, id string, p any) {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if _, _, err := store.CreateInstance(context.Background(), &Instance{ID: id, Type: typ, Params: raw, Status: StatusPending}); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
}

func waitTerminal(t *testing.T, r *Runner, id string) *Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, ok, err := r.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && inst.Status.Terminal() {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s did not finish", id)
	return nil
}

func TestExecute_RunsStepsInOrder(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	var c counter
	r := newTestRunner(t, store)
	r.Register(addDefinition(&c))
	seedInstance(t, store, "add", "add-1", params{N: 4})

	inst, err := r.Execute(context.Background(), "add-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", inst.Status, StatusCompleted)
	}
	if string(inst.Output) != `{"result":9}` {
		t.Errorf("output = %s, want %s", inst.Output, `{"result":9}`)
	}
	if inst.CurrentStep != "" {
		t.Errorf("current step = %q, want empty", inst.CurrentStep)
	}

	rec := store.step(t, "add-1", "double")
	if rec.Status != StepCompleted || string(rec.Output) != "8" || rec.Attempts != 1 {
		t.Errorf("double checkpoint = %+v", rec)
	}
}

func TestExecute_RetriesWithFixedDelay(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	ns := &noSleep{}
	var c counter
	r := newTestRunner(t, store, WithSleep(ns.sleep))
	r.Register(Definition{
		Type: "flaky",
		Steps: []Step{{
			Name: "sometimes", Retries: 3, Delay: 2 * time.Second,
			Run: func(context.Context, *Run) (any, error) {
				if c.inc("sometimes") < 3 {
					return nil, errors.New("transient")
				}
				return "ok", nil
			},
		}},
	})
	seedInstance(t, store, "flaky", "flaky-1", nil)

	inst, err := r.Execute(context.Background(), "flaky-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", inst.Status, StatusCompleted)
	}
	if got := store.step(t, "flaky-1", "sometimes").Attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if len(ns.delays) != 2 {
		t.Fatalf("delays = %v, want two waits", ns.delays)
	}
	for _, d := range ns.delays {
		if d != 2*time.Second {
			t.Errorf("delay = %v, want 2s", d)
		}
	}
}

func TestExecute_ExhaustedRetriesFailTerminally(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	ns := &noSleep{}
	var c counter
	r := newTestRunner(t, store, WithSleep(ns.sleep))
	r.Register(Definition{
		Type: "broken",
		Steps: []Step{
			{Name: "first", Retries: 2, Delay: time.Second, Run: func(context.Context, *Run) (any, error) {
				c.inc("first")
				return nil, errors.New("always")
			}},
			{Name: "second", Run: func(context.Context, *Run) (any, error) {
				c.inc("second")
				return nil, nil
			}},
		},
	})
	seedInstance(t, store, "broken", "broken-1", nil)

	inst, err := r.Execute(context.Background(), "broken-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", inst.Status, StatusFailed)
	}
	if inst.CurrentStep != "first" {
		t.Errorf("current step = %q, want %q", inst.CurrentStep, "first")
	}
	if c.get("first") != 3 {
		t.Errorf("first calls = %d, want 3", c.get("first"))
	}
	if c.get("second") != 0 {
		t.Errorf("second calls = %d, want 0", c.get("second"))
	}
	if rec := store.step(t, "broken-1", "first"); rec.Status != StepFailed || rec.Attempts != 3 {
		t.Errorf("first checkpoint = %+v", rec)
	}

	// failed is terminal: executing again runs nothing
	again, err := r.Execute(context.Background(), "broken-1")
	if err != nil {
		t.Fatalf("Execute again: %v", err)
	}
	if again.Status != StatusFailed {
		t.Errorf("status = %q, want %q", again.Status, StatusFailed)
	}
	if c.get("first") != 3 {
		t.Errorf("first calls after re-execute = %d, want 3", c.get("first"))
	}
}

func TestExecute_ResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	var c counter
	r := newTestRunner(t, store)
	r.Register(addDefinition(&c))
	seedInstance(t, store, "add", "add-resume", params{N: 1})

	// simulate a crash after the first step was checkpointed
	if err := store.PutStep(context.Background(), &StepRecord{
		InstanceID: "add-resume", Name: "double", Status: StepCompleted, Attempts: 1, Output: json.RawMessage("40"),
	}); err != nil {
		t.Fatalf("PutStep: %v", err)
	}

	inst, err := r.Execute(context.Background(), "add-resume")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if c.get("double") != 0 {
		t.Errorf("double calls = %d, want 0 (checkpointed)", c.get("double"))
	}
	if string(inst.Output) != `{"result":41}` {
		t.Errorf("output = %s, want %s", inst.Output, `{"result":41}`)
	}
}

func TestCreate_DuplicateKeyReturnsExisting(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	var c counter
	r := newTestRunner(t, store)
	r.Register(addDefinition(&c))

	first, created, err := r.Create(context.Background(), "add", "add-dup", params{N: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("first Create returned created=false")
	}
	waitTerminal(t, r, "add-dup")

	second, created, err := r.Create(context.Background(), "add", "add-dup", params{N: 99})
	if err != nil {
		t.Fatalf("Create duplicate: %v", err)
	}
	if created {
		t.Error("duplicate Create returned created=true")
	}
	if second.ID != first.ID {
		t.Errorf("id = %q, want %q", second.ID, first.ID)
	}
	if second.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", second.Status, StatusCompleted)
	}
	if string(second.Output) != `{"result":5}` {
		t.Errorf("output = %s, want original result", second.Output)
	}
	if c.get("double") != 1 {
		t.Errorf("double calls = %d, want 1", c.get("double"))
	}
}

func TestCreate_DuplicateResumesUnfinished(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	var c counter
	r := newTestRunner(t, store)
	r.Register(addDefinition(&c))

	// left running by an earlier process, first step already done
	seedInstance(t, store, "add", "add-left", params{N: 3})
	_ = store.UpdateInstance(context.Background(), &Instance{ID: "add-left", Type: "add", Params: json.RawMessage(`{"n":3}`), Status: StatusRunning, CurrentStep: "increment"})
	_ = store.PutStep(context.Background(), &StepRecord{InstanceID: "add-left", Name: "double", Status: StepCompleted, Output: json.RawMessage("6")})

	_, created, err := r.Create(context.Background(), "add", "add-left", params{N: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Error("Create returned created=true for existing key")
	}

	inst := waitTerminal(t, r, "add-left")
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", inst.Status, StatusCompleted)
	}
	if c.get("double") != 0 {
		t.Errorf("double calls = %d, want 0", c.get("double"))
	}
	if c.get("increment") != 1 {
		t.Errorf("increment calls = %d, want 1", c.get("increment"))
	}
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, newMockStore())
	r.Register(addDefinition(&counter{}))

	if _, _, err := r.Create(context.Background(), "add", "", nil); err == nil {
		t.Error("expected error for empty id")
	}
	if _, _, err := r.Create(context.Background(), "nope", "x", nil); !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

type requestKey struct{}

func TestCreate_DetachDropsRequestValues(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sawRequest, sawTrace bool
	r := newTestRunner(t, newMockStore(), WithDetach(func(ctx context.Context) context.Context {
		return context.WithValue(ctx, requestKey{}, nil)
	}))
	r.Register(Definition{
		Type: "ctx-check",
		Steps: []Step{{Name: "look", Run: func(ctx context.Context, _ *Run) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			sawRequest = ctx.Value(requestKey{}) != nil
			sawTrace = ctx.Value(traceKey{}) != nil
			return nil, nil
		}}},
	})

	ctx := context.WithValue(context.Background(), requestKey{}, "stats")
	ctx = context.WithValue(ctx, traceKey{}, "span")
	if _, _, err := r.Create(ctx, "ctx-check", "ctx-1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst := waitTerminal(t, r, "ctx-1"); inst.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", inst.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if sawRequest {
		t.Error("step saw a value the detach function dropped")
	}
	if !sawTrace {
		t.Error("step lost a value the detach function kept")
	}
}

type traceKey struct{}

func TestExecute_NotFound(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, newMockStore())
	if _, err := r.Execute(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestExecute_CancelledLeavesInstanceResumable(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	entered := make(chan struct{})
	r := newTestRunner(t, store)
	r.Register(Definition{
		Type: "slow",
		Steps: []Step{{Name: "wait", Retries: 3, Run: func(ctx context.Context, _ *Run) (any, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}}},
	})
	seedInstance(t, store, "slow", "slow-1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, "slow-1")
		done <- err
	}()
	<-entered
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	inst, _, _ := store.GetInstance(context.Background(), "slow-1")
	if inst.Status != StatusRunning {
		t.Errorf("status = %q, want %q", inst.Status, StatusRunning)
	}
	if _, ok, _ := store.GetStep(context.Background(), "slow-1", "wait"); ok {
		t.Error("cancelled step must not be checkpointed")
	}
}

func TestExecute_Busy(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	r := newTestRunner(t, store)
	r.Register(Definition{
		Type: "hold",
		Steps: []Step{{Name: "hold", Run: func(context.Context, *Run) (any, error) {
			close(entered)
			<-release
			return nil, nil
		}}},
	})
	seedInstance(t, store, "hold", "hold-1", nil)

	go func() { _, _ = r.Execute(context.Background(), "hold-1") }()
	<-entered

	if _, err := r.Execute(context.Background(), "hold-1"); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	close(release)
}

func TestResume_StartsUnfinished(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	var c counter
	r := newTestRunner(t, store)
	r.Register(addDefinition(&c))
	seedInstance(t, store, "add", "add-a", params{N: 1})
	seedInstance(t, store, "add", "add-b", params{N: 2})

	n, err := r.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 2 {
		t.Errorf("resumed = %d, want 2", n)
	}
	waitTerminal(t, r, "add-a")
	waitTerminal(t, r, "add-b")
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	r := NewRunner(store, log.Nop())
	r.Register(addDefinition(&counter{}))
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	seedInstance(t, store, "add", "late", params{N: 1})
	if _, err := r.Execute(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestHooks(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []string
		statuses []Status
	)
	hooks := Hooks{
		OnStep: func(_, step, outcome string, _ int, _ float64) {
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, step+":"+outcome)
		},
		OnComplete: func(_ string, st Status, _ float64) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, st)
		},
	}

	store := newMockStore()
	var c counter
	r := newTestRunner(t, store, WithHooks(hooks), WithSleep((&noSleep{}).sleep))
	r.Register(Definition{
		Type: "hooked",
		Steps: []Step{{Name: "s", Retries: 1, Run: func(context.Context, *Run) (any, error) {
			if c.inc("s") == 1 {
				return nil, errors.New("once")
			}
			return nil, nil
		}}},
	})
	seedInstance(t, store, "hooked", "hooked-1", nil)

	if _, err := r.Execute(context.Background(), "hooked-1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 || outcomes[0] != "s:error" || outcomes[1] != "s:success" {
		t.Errorf("outcomes = %v, want [s:error s:success]", outcomes)
	}
	if len(statuses) != 1 || statuses[0] != StatusCompleted {
		t.Errorf("statuses = %v, want [completed]", statuses)
	}
}

func TestRegister_Panics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		defs []Definition
	}{
		{"empty type", []Definition{{}}},
		{"duplicate type", []Definition{{Type: "a"}, {Type: "a"}}},
		{"duplicate step", []Definition{{Type: "b", Steps: []Step{
			{Name: "x", Run: func(context.Context, *Run) (any, error) { return nil, nil }},
			{Name: "x", Run: func(context.Context, *Run) (any, error) { return nil, nil }},
		}}}},
		{"missing func", []Definition{{Type: "c", Steps: []Step{{Name: "x"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRunner(newMockStore(), nil)
			defer func() {
				if recover() == nil {
					t.Fatal("Register did not panic")
				}
			}()
			for _, d := range tt.defs {
				r.Register(d)
			}
		})
	}
}

func TestNewRunner_NilStorePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("NewRunner(nil) did not panic")
		}
	}()
	NewRunner(nil, nil)
}
