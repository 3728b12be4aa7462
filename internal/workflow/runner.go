package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const tracerName = "github.com/linnemanlabs/sift/internal/workflow"

var (
	// ErrNotFound is returned when no instance exists for an id.
	ErrNotFound = errors.New("workflow instance not found")
	// ErrUnknownType is returned when no Definition is registered for a type.
	ErrUnknownType = errors.New("unknown workflow type")
	// ErrBusy is returned by Execute when the instance is already executing
	// in this process.
	ErrBusy = errors.New("workflow instance already executing")
	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("workflow runner is shut down")
	// ErrNoOutput is returned by Run.Output for a step with no checkpoint.
	ErrNoOutput = errors.New("no output recorded for step")
)

// resumeBatch bounds how many instances Resume picks up per status.
const resumeBatch = 1000

// Step is one checkpointed unit of work. Retries is the number of extra
// attempts after the first; Delay is the fixed wait between attempts.
type Step struct {
	Name    string
	Retries int
	Delay   time.Duration
	Run     func(ctx context.Context, r *Run) (any, error)
}

// Definition is a named, ordered sequence of steps. Finish builds the
// instance output from the step outputs; when nil the last step's output
// is used.
type Definition struct {
	Type   string
	Steps  []Step
	Finish func(r *Run) (any, error)
}

// Run is a step's view of its instance: the parameters it was created with
// and the checkpointed outputs of the steps before it.
type Run struct {
	instance Instance
	outputs  map[string]json.RawMessage
}

// ID returns the instance id.
func (r *Run) ID() string { return r.instance.ID }

// Params decodes the instance parameters into v.
func (r *Run) Params(v any) error {
	if len(r.instance.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.instance.Params, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// Output decodes the recorded output of an earlier step into v.
func (r *Run) Output(step string, v any) error {
	raw, ok := r.outputs[step]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoOutput, step)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode output of %s: %w", step, err)
	}
	return nil
}

// Hooks receives execution events, typically to record metrics. Nil
// callbacks are skipped.
type Hooks struct {
	OnStep     func(workflowType, step, outcome string, attempt int, duration float64)
	OnComplete func(workflowType string, status Status, duration float64)
}

// Option configures a Runner.
type Option func(*Runner)

// WithHooks installs execution hooks.
func WithHooks(h Hooks) Option {
	return func(r *Runner) { r.hooks = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSleep overrides how the runner waits between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// WithTracerProvider sets the provider spans are created from. Without it
// the global provider is looked up on every execution.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runner) { r.tp = tp }
}

// WithDetach installs a function applied to the submitting context before
// an instance runs in the background, to drop request-scoped values that
// must not outlive the request.
func WithDetach(fn func(context.Context) context.Context) Option {
	return func(r *Runner) { r.detach = fn }
}

// Runner executes workflow instances. At most one goroutine executes a
// given instance id at a time; distinct instances run concurrently and
// share nothing but the Store.
//
// Exclusivity is tracked in process memory. Runners in separate processes
// sharing one Store do not see each other's active set, so a key resumed
// by Create or Resume in one process can execute alongside the same key in
// another. Deploy one Runner per Store.
type Runner struct {
	store  Store
	logger log.Logger
	hooks  Hooks
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	tp     trace.TracerProvider
	detach func(context.Context) context.Context
	defs   map[string]*Definition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
	closed bool
}

// NewRunner creates a Runner backed by store.
func NewRunner(store Store, logger log.Logger, opts ...Option) *Runner {
	if store == nil {
		panic(xerrors.New("workflow store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:  store,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
		defs:   make(map[string]*Definition),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a Definition. It panics on an empty or duplicate type, or
// on duplicate step names, since both are programming errors.
func (r *Runner) Register(def Definition) {
	if def.Type == "" {
		panic(xerrors.New("workflow type is required"))
	}
	if _, dup := r.defs[def.Type]; dup {
		panic(xerrors.New("workflow type registered twice: " + def.Type))
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" || s.Run == nil {
			panic(xerrors.New("workflow step needs a name and a func: " + def.Type))
		}
		if seen[s.Name] {
			panic(xerrors.New("duplicate step " + s.Name + " in " + def.Type))
		}
		seen[s.Name] = true
	}
	d := def
	r.defs[def.Type] = &d
}

// Create submits an instance of the given type under a business key. A
// duplicate key is not an error: the existing instance is returned with
// created=false, and if it has not reached a terminal state and is not
// executing in this process it is resumed.
func (r *Runner) Create(ctx context.Context, typ, id string, params any) (*Instance, bool, error) {
	if id == "" {
		return nil, false, errors.New("workflow id is required")
	}
	if _, ok := r.defs[typ]; !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, false, fmt.Errorf("encode params: %w", err)
		}
		raw = b
	}

	now := r.now()
	stored, created, err := r.store.CreateInstance(ctx, &Instance{
		ID:        id,
		Type:      typ,
		Params:    raw,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create instance %s: %w", id, err)
	}

	if !stored.Status.Terminal() {
		r.start(ctx, stored.ID)
	}
	if !created {
		r.logger.Info(ctx, "workflow instance already exists", "instance_id", id, "status", stored.Status)
	}
	return stored, created, nil
}

// Get returns an instance by id.
func (r *Runner) Get(ctx context.Context, id string) (*Instance, bool, error) {
	return r.store.GetInstance(ctx, id)
}

// Steps returns the checkpoints recorded for an instance.
func (r *Runner) Steps(ctx context.Context, id string) ([]StepRecord, error) {
	return r.store.ListSteps(ctx, id)
}

// Resume starts every pending or running instance found in the store. It
// is meant to be called once at startup.
func (r *Runner) Resume(ctx context.Context) (int, error) {
	started := 0
	for _, st := range []Status{StatusPending, StatusRunning} {
		insts, err := r.store.ListInstances(ctx, st, resumeBatch)
		if err != nil {
			return started, fmt.Errorf("list %s instances: %w", st, err)
		}
		for i := range insts {
			if r.start(ctx, insts[i].ID) {
				started++
			}
		}
	}
	if started > 0 {
		r.logger.Info(ctx, "resumed workflow instances", "count", started)
	}
	return started, nil
}

// Execute runs an instance to completion, failure, or cancellation on the
// calling goroutine. A failed instance is returned with a nil error.
func (r *Runner) Execute(ctx context.Context, id string) (*Instance, error) {
	if err := r.claim(id); err != nil {
		return nil, err
	}
	defer r.release(id)
	return r.execute(ctx, id)
}

// Shutdown stops accepting work, cancels executing instances, and waits
// for them to return. Cancelled instances stay running in the store and
// are picked up by the next Resume.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start launches asynchronous execution unless the id is already active.
// The caller's context values (logger, trace) are kept, minus whatever the
// detach option drops, but its cancellation is not; the runner's own
// lifetime cancels the execution.
func (r *Runner) start(ctx context.Context, id string) bool {
	if err := r.claim(id); err != nil {
		return false
	}
	if r.detach != nil {
		ctx = r.detach(ctx)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(r.ctx, cancel)

	go func() {
		defer r.release(id)
		defer cancel()
		defer stop()

		if _, err := r.execute(runCtx, id); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error(runCtx, err, "workflow execution stopped", "instance_id", id)
		}
	}()
	return true
}

// claim reserves id for one executor; wg is incremented under the same
// lock so Shutdown cannot miss it.
func (r *Runner) claim(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, busy := r.active[id]; busy {
		return ErrBusy
	}
	r.active[id] = struct{}{}
	r.wg.Add(1)
	return nil
}

func (r *Runner) tracer() trace.Tracer {
	if r.tp != nil {
		return r.tp.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
	r.wg.Done()
}

func (r *Runner) execute(ctx context.Context, id string) (*Instance, error) {
	inst, ok, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if inst.Status.Terminal() {
		return inst, nil
	}
	def, ok := r.defs[inst.Type]
	if !ok {
		return inst, fmt.Errorf("%w: %s", ErrUnknownType, inst.Type)
	}

	ctx, span := r.tracer().Start(ctx, "workflow.Execute", trace.WithAttributes(
		attribute.String("sift.workflow.id", inst.ID),
		attribute.String("sift.workflow.type", inst.Type),
	))
	defer span.End()

	L := r.logger.With("instance_id", inst.ID, "workflow", inst.Type)
	started := r.now()

	inst.Status = StatusRunning
	if err := r.save(ctx, inst); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return inst, err
	}

	run := &Run{instance: *inst, outputs: make(map[string]json.RawMessage, len(def.Steps))}

	for _, step := range def.Steps {
		rec, ok, err := r.store.GetStep(ctx, inst.ID, step.Name)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return inst, fmt.Errorf("load checkpoint %s/%s: %w", inst.ID, step.Name, err)
		}
		if ok && rec.Status == StepCompleted {
			run.outputs[step.Name] = rec.Output
			continue
		}

		inst.CurrentStep = step.Name
		if err := r.save(ctx, inst); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return inst, err
		}

		out, attempts, stepErr := r.runStep(ctx, L, inst.Type, step, run)
		if stepErr != nil {
			if ctx.Err() != nil {
				L.Warn(ctx, "workflow execution interrupted", "step", step.Name, "attempts", attempts)
				return inst, ctx.Err()
			}
			if err := r.store.PutStep(ctx, &StepRecord{
				InstanceID: inst.ID,
				Name:       step.Name,
				Status:     StepFailed,
				Attempts:   attempts,
				Error:      stepErr.Error(),
				UpdatedAt:  r.now(),
			}); err != nil {
				return inst, fmt.Errorf("checkpoint %s/%s: %w", inst.ID, step.Name, err)
			}
			return r.fail(ctx, L, span, inst, started, fmt.Errorf("step %s: %w", step.Name, stepErr))
		}

		if err := r.store.PutStep(ctx, &StepRecord{
			InstanceID: inst.ID,
			Name:       step.Name,
			Status:     StepCompleted,
			Attempts:   attempts,
			Output:     out,
			UpdatedAt:  r.now(),
		}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return inst, fmt.Errorf("checkpoint %s/%s: %w", inst.ID, step.Name, err)
		}
		run.outputs[step.Name] = out
	}

	output, err := r.finish(def, run)
	if err != nil {
		return r.fail(ctx, L, span, inst, started, err)
	}

	inst.Status = StatusCompleted
	inst.CurrentStep = ""
	inst.Output = output
	if err := r.save(ctx, inst); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return inst, err
	}

	dur := r.now().Sub(started).Seconds()
	if r.hooks.OnComplete != nil {
		r.hooks.OnComplete(inst.Type, inst.Status, dur)
	}
	L.Info(ctx, "workflow completed", "duration", dur)
	return inst, nil
}

func (r *Runner) runStep(ctx context.Context, L log.Logger, typ string, step Step, run *Run) (json.RawMessage, int, error) {
	ctx, span := r.tracer().Start(ctx, "workflow.Step", trace.WithAttributes(
		attribute.String("sift.workflow.step", step.Name),
	))
	defer span.End()

	maxAttempts := step.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		began := r.now()
		out, err := invoke(ctx, step, run)
		dur := r.now().Sub(began).Seconds()

		if err == nil {
			r.stepHook(typ, step.Name, "success", attempt, dur)
			span.SetAttributes(attribute.Int("sift.workflow.attempts", attempt))
			return out, attempt, nil
		}

		lastErr = err
		r.stepHook(typ, step.Name, "error", attempt, dur)
		span.RecordError(err)

		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if attempt < maxAttempts {
			L.Warn(ctx, "workflow step failed, retrying",
				"step", step.Name,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"delay", step.Delay.String(),
				"error", err.Error(),
			)
			if err := r.sleep(ctx, step.Delay); err != nil {
				return nil, attempt, err
			}
		}
	}

	span.SetStatus(codes.Error, lastErr.Error())
	return nil, maxAttempts, lastErr
}

func invoke(ctx context.Context, step Step, run *Run) (json.RawMessage, error) {
	v, err := step.Run(ctx, run)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return out, nil
}

func (r *Runner) finish(def *Definition, run *Run) (json.RawMessage, error) {
	if def.Finish == nil {
		if len(def.Steps) == 0 {
			return nil, nil
		}
		return run.outputs[def.Steps[len(def.Steps)-1].Name], nil
	}
	v, err := def.Finish(run)
	if err != nil {
		return nil, fmt.Errorf("finish: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}

func (r *Runner) fail(ctx context.Context, L log.Logger, span trace.Span, inst *Instance, started time.Time, cause error) (*Instance, error) {
	inst.Status = StatusFailed
	inst.Error = cause.Error()
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	if err := r.save(ctx, inst); err != nil {
		return inst, err
	}

	dur := r.now().Sub(started).Seconds()
	if r.hooks.OnComplete != nil {
		r.hooks.OnComplete(inst.Type, inst.Status, dur)
	}
	L.Error(ctx, cause, "workflow failed", "step", inst.CurrentStep)
	return inst, nil
}

func (r *Runner) save(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = r.now()
	if err := r.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	return nil
}

func (r *Runner) stepHook(typ, step, outcome string, attempt int, dur float64) {
	if r.hooks.OnStep != nil {
		r.hooks.OnStep(typ, step, outcome, attempt, dur)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
