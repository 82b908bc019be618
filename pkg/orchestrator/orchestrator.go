package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/graph"
	"peertech.de/converge/pkg/logging"
	"peertech.de/converge/pkg/reconcile"
	"peertech.de/converge/pkg/report"
	"peertech.de/converge/pkg/resource"
)

var (
	tracer = otel.Tracer("converge.orchestrator")
	meter  = otel.Meter("converge.orchestrator")
)

// Task wraps a resource with the ids of the tasks that must finish first.
type Task struct {
	ID           string
	Resource     resource.Resource
	Dependencies []string

	// Timeout bounds the task's action. Zero falls back to the orchestrator
	// default.
	Timeout time.Duration
}

// Reconciler is the action run for every task.
type Reconciler interface {
	Reconcile(ctx context.Context, r resource.Resource) reconcile.Outcome
	Plan(ctx context.Context, r resource.Resource) (bool, string, error)
	Revert(ctx context.Context, r resource.Resource, out reconcile.Outcome) error
}

func NewOrchestrator(rec Reconciler, options ...Option) *Orchestrator {
	opts := Options{
		Reporter: report.NilReporter{},
		Logger:   logging.GetLogger("orchestrator"),
		RunID:    uuid.NewString,
	}

	for _, option := range options {
		option(&opts)
	}

	return &Orchestrator{
		options:    opts,
		reconciler: rec,
		tasks:      make(map[string]Task),
	}
}

// Orchestrator runs tasks in dependency waves. Independent tasks of a wave
// run concurrently; a failure never aborts siblings, only the tasks that
// depend on it.
type Orchestrator struct {
	options    Options
	reconciler Reconciler

	mu    sync.RWMutex    // protects tasks and order
	tasks map[string]Task // tasks tracked by id
	order []string

	metricsOnce sync.Once
	taskCounter metric.Int64Counter
	taskLatency metric.Float64Histogram
}

// Add registers a task. Returns a CONFIG error if the id is empty or already
// taken, or if the resource is malformed.
func (o *Orchestrator) Add(t Task) error {
	if t.ID == "" {
		return cerrors.New(cerrors.ErrConfig, "task ID cannot be empty")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.tasks[t.ID]; exists {
		return cerrors.Newf(cerrors.ErrConfig, "duplicate task id: %q", t.ID)
	}
	if err := t.Resource.Validate(); err != nil {
		return cerrors.Wrapf(err, cerrors.ErrConfig, "task %q", t.ID)
	}

	o.tasks[t.ID] = t
	o.order = append(o.order, t.ID)
	return nil
}

// Tasks returns the registered tasks in registration order.
func (o *Orchestrator) Tasks() []Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Task, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.tasks[id])
	}
	return out
}

// Graph builds the dependency graph and checks it: unknown dependencies,
// cycles and unordered tasks sharing a file are CONFIG errors.
func (o *Orchestrator) Graph() (*graph.Graph, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	g := graph.New()
	for _, id := range o.order {
		g.AddNode(graph.NewNode(id))
	}
	for _, id := range o.order {
		for _, dep := range o.tasks[id].Dependencies {
			if _, exists := o.tasks[dep]; !exists {
				return nil, cerrors.Newf(cerrors.ErrConfig, "task %q depends on unknown task %q", id, dep)
			}
			if err := g.AddEdgeByName(dep, id); err != nil {
				return nil, cerrors.Wrapf(err, cerrors.ErrConfig, "failed wiring dependency from %q to %q", dep, id)
			}
		}
	}

	if _, err := g.Waves(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrConfig, "dependency resolution failed")
	}
	if err := o.checkTargets(g); err != nil {
		return nil, err
	}
	return g, nil
}

// checkTargets rejects two tasks writing the same file unless one depends,
// directly or transitively, on the other.
func (o *Orchestrator) checkTargets(g *graph.Graph) error {
	owners := make(map[string][]string)
	for _, id := range o.order {
		if target := o.tasks[id].Resource.Target(); target != "" {
			owners[target] = append(owners[target], id)
		}
	}
	for _, id := range o.order {
		target := o.tasks[id].Resource.Target()
		for _, other := range owners[target] {
			if other <= id {
				continue
			}
			if !g.Reachable(id, other) && !g.Reachable(other, id) {
				return cerrors.Newf(cerrors.ErrConfig,
					"tasks %q and %q both manage %s but neither depends on the other", id, other, target)
			}
		}
	}
	return nil
}

// run carries the mutable state of one Run call.
type run struct {
	report   *report.RunReport
	graph    *graph.Graph
	planOnly bool

	mu      sync.Mutex
	applied []string // ids in completion order
	results map[string]reconcile.Outcome

	cancelled atomic.Bool
}

// Run executes all registered tasks and returns the report. It never returns
// nil. A CONFIG or PRECONDITION error aborts the run before any task starts
// and is recorded in the report.
func (o *Orchestrator) Run(ctx context.Context, planOnly bool) *report.RunReport {
	o.initMetrics()

	rep := report.NewRunReport(o.options.RunID(), planOnly)
	ctx, span := tracer.Start(ctx, "converge.Run",
		trace.WithAttributes(
			attribute.String("run.id", rep.RunID),
			attribute.Bool("run.plan_only", planOnly),
		),
	)
	defer span.End()

	logger := o.options.Logger.With().Str("run", rep.RunID).Logger()
	done := logging.Operation(logger, "run")
	defer done()

	g, err := o.Graph()
	if err != nil {
		return o.abort(span, rep, err)
	}
	waves, _ := g.Waves()

	for i, wave := range waves {
		for _, node := range wave {
			t := o.tasks[node.Name]
			rep.Track(&report.Attempt{
				ID:   t.ID,
				Name: t.Resource.Name(),
				Kind: string(t.Resource.Kind),
				Wave: i,
			})
		}
	}

	if !planOnly {
		if err := o.elevate(ctx); err != nil {
			return o.abort(span, rep, err)
		}
	}

	r := &run{report: rep, graph: g, planOnly: planOnly, results: make(map[string]reconcile.Outcome)}
	for i, wave := range waves {
		if ctx.Err() != nil {
			o.cancelRemaining(r, waves[i:])
			break
		}

		var runnable []Task
		for _, node := range wave {
			t := o.tasks[node.Name]
			if o.blocked(r, t) {
				r.report.Update(t.ID, func(a *report.Attempt) {
					a.State, a.Reason = report.StateSkipped, reconcile.ReasonDependencyFailed
				})
				o.options.Reporter.Skipped(t.ID, t.Resource.Name(), reconcile.ReasonDependencyFailed)
				continue
			}
			runnable = append(runnable, t)
		}
		if len(runnable) == 0 {
			continue
		}

		ids := make([]string, len(runnable))
		for j, t := range runnable {
			ids[j] = t.ID
		}
		o.options.Reporter.Wave(i+1, ids)
		logger.Debug().Int("wave", i+1).Strs("tasks", ids).Msg("Starting wave")

		var eg errgroup.Group
		limit := o.options.Concurrency
		if limit <= 0 {
			limit = len(runnable)
		}
		eg.SetLimit(limit)
		for _, t := range runnable {
			eg.Go(func() error {
				// Queued behind the concurrency limit while the run was
				// cancelled: never started.
				if ctx.Err() != nil {
					o.skipCancelled(r, t)
					return nil
				}
				o.runTask(ctx, r, t)
				return nil
			})
		}
		_ = eg.Wait()
	}
	if ctx.Err() != nil || r.cancelled.Load() {
		rep.Cancelled = true
	}

	if !planOnly && o.options.RollbackOnFailure && o.anyFailed(r) {
		o.rollback(ctx, r)
	}

	rep.Finalize()
	o.record(rep)

	if !rep.Success() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d tasks failed", len(rep.Failed)))
	}
	logger.Info().
		Int("applied", len(rep.Applied)).
		Int("unchanged", len(rep.Unchanged)).
		Int("skipped", len(rep.Skipped)).
		Int("failed", len(rep.Failed)).
		Msg("Run finished")
	return rep
}

func (o *Orchestrator) abort(span trace.Span, rep *report.RunReport, err error) *report.RunReport {
	o.options.Reporter.Error(err.Error())
	o.options.Logger.Error().Err(err).Str("run", rep.RunID).Msg("Run aborted")
	span.RecordError(err)
	span.SetStatus(codes.Error, "aborted")
	rep.Abort(err)
	rep.Finalize()
	o.record(rep)
	return rep
}

// elevate acquires the privilege handle once if any task needs it.
func (o *Orchestrator) elevate(ctx context.Context) error {
	if o.options.Elevate == nil {
		return nil
	}
	needed := false
	for _, t := range o.Tasks() {
		if t.Resource.NeedsElevation() {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	if err := o.options.Elevate(ctx); err != nil {
		if cerrors.IsErrorCode(err, cerrors.ErrPrecondition) {
			return err
		}
		return cerrors.Wrap(err, cerrors.ErrPrecondition, "privilege elevation failed")
	}
	return nil
}

// blocked reports whether a prerequisite of t did not succeed.
func (o *Orchestrator) blocked(r *run, t Task) bool {
	for _, dep := range t.Dependencies {
		a, _ := r.report.Get(dep)
		if a.State != report.StateSucceeded {
			return true
		}
	}
	return false
}

func (o *Orchestrator) cancelRemaining(r *run, waves [][]*graph.Node) {
	o.options.Reporter.Warn("Run cancelled, remaining tasks are skipped")
	for _, wave := range waves {
		for _, node := range wave {
			o.skipCancelled(r, o.tasks[node.Name])
		}
	}
}

func (o *Orchestrator) skipCancelled(r *run, t Task) {
	r.cancelled.Store(true)
	r.report.Update(t.ID, func(a *report.Attempt) {
		a.State, a.Reason = report.StateSkipped, reconcile.ReasonCancelled
	})
	o.options.Reporter.Skipped(t.ID, t.Resource.Name(), reconcile.ReasonCancelled)
}

// runTask reconciles one task. The task context is detached from run
// cancellation: a started task always runs to completion, bounded only by
// its timeout.
func (o *Orchestrator) runTask(ctx context.Context, r *run, t Task) {
	name := t.Resource.Name()
	ctx, span := tracer.Start(ctx, "converge.Task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("resource.kind", string(t.Resource.Kind)),
			attribute.String("resource.name", name),
		),
	)
	defer span.End()

	taskCtx := context.WithoutCancel(ctx)
	if timeout := o.timeout(t); timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, timeout)
		defer cancel()
	}

	start := time.Now()
	r.report.Update(t.ID, func(a *report.Attempt) {
		a.State, a.StartedAt = report.StateRunning, start
	})
	o.options.Reporter.Evaluate(t.ID, name)

	if r.planOnly {
		o.planTask(taskCtx, r, t, start)
		return
	}

	out := o.reconciler.Reconcile(taskCtx, t.Resource)
	duration := time.Since(start)
	o.observe(taskCtx, t, out.Status, duration)

	r.mu.Lock()
	r.results[t.ID] = out
	if out.Status == reconcile.StatusApplied {
		r.applied = append(r.applied, t.ID)
	}
	r.mu.Unlock()

	r.report.Update(t.ID, func(a *report.Attempt) {
		a.Outcome, a.Reason, a.Snapshot, a.Created, a.Duration = out.Status, out.Reason, out.Snapshot, out.Created, duration
		switch {
		case out.Status == reconcile.StatusFailed:
			a.State, a.Err = report.StateFailed, out.Err
			a.Blocks = r.graph.Descendants(t.ID)
			if out.Err != nil {
				a.Error = out.Err.Error()
			}
		case out.Status == reconcile.StatusSkipped && out.Reason == reconcile.ReasonCancelled:
			a.State = report.StateSkipped
		default:
			a.State = report.StateSucceeded
		}
	})

	switch out.Status {
	case reconcile.StatusApplied:
		if out.Snapshot != nil {
			o.options.Reporter.Backuped(t.ID, name, out.Snapshot.Path)
			if o.options.Metrics != nil {
				o.options.Metrics.ObserveSnapshot()
			}
		}
		o.options.Reporter.Success(t.ID, name)
	case reconcile.StatusSkipped:
		if out.Reason == reconcile.ReasonSatisfied {
			o.options.Reporter.NoChanges(t.ID, name)
		} else {
			o.options.Reporter.Skipped(t.ID, name, out.Reason)
		}
	case reconcile.StatusFailed:
		err := out.Err
		if err == nil {
			err = errors.New(out.Reason)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, out.Reason)
		o.options.Reporter.Fail(t.ID, name, err)
	}
}

func (o *Orchestrator) planTask(ctx context.Context, r *run, t Task, start time.Time) {
	name := t.Resource.Name()
	needsApply, diff, err := o.reconciler.Plan(ctx, t.Resource)
	duration := time.Since(start)

	r.report.Update(t.ID, func(a *report.Attempt) {
		a.Duration = duration
		if err != nil {
			a.State, a.Err, a.Error = report.StateFailed, err, err.Error()
			a.Blocks = r.graph.Descendants(t.ID)
			if errors.Is(err, context.DeadlineExceeded) || cerrors.IsErrorCode(err, cerrors.ErrTimeout) {
				a.Reason = reconcile.ReasonTimeout
			} else {
				a.Reason = fmt.Sprintf("check failed: %v", err)
			}
			return
		}
		a.State, a.Changes = report.StateSucceeded, diff
	})

	switch {
	case err != nil:
		o.options.Reporter.Fail(t.ID, name, err)
	case needsApply:
		o.options.Reporter.Diff(t.ID, name, diff)
	default:
		o.options.Reporter.NoChanges(t.ID, name)
	}
}

func (o *Orchestrator) timeout(t Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return o.options.Timeout
}

func (o *Orchestrator) anyFailed(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, out := range r.results {
		if out.Status == reconcile.StatusFailed {
			return true
		}
	}
	return false
}

// rollback reverts applied file resources in reverse completion order. Every
// revert is attempted even if an earlier one fails.
func (o *Orchestrator) rollback(ctx context.Context, r *run) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	applied := append([]string(nil), r.applied...)
	r.mu.Unlock()

	o.options.Reporter.Info("Starting rollback...")
	for i := len(applied) - 1; i >= 0; i-- {
		id := applied[i]
		t := o.tasks[id]
		if !t.Resource.NeedsSnapshot() {
			continue
		}

		o.options.Reporter.Rollback(id, t.Resource.Name())
		err := o.reconciler.Revert(ctx, t.Resource, r.results[id])
		r.report.Update(id, func(a *report.Attempt) {
			if err != nil {
				a.RollbackError = err.Error()
				return
			}
			a.RolledBack = true
		})
		if err != nil {
			o.options.Reporter.Fail(id, t.Resource.Name(), fmt.Errorf("rollback failed: %w", err))
		}
	}
	o.options.Reporter.Info("Rollback finished.")
}

// initMetrics lazily creates the OpenTelemetry instruments. Failures only
// disable the instrument.
func (o *Orchestrator) initMetrics() {
	o.metricsOnce.Do(func() {
		var err error
		o.taskCounter, err = meter.Int64Counter("converge.tasks",
			metric.WithDescription("Tasks by terminal outcome"),
		)
		if err != nil {
			o.options.Logger.Warn().Err(err).Msg("Creating task counter failed")
		}
		o.taskLatency, err = meter.Float64Histogram("converge.task.duration",
			metric.WithDescription("Time spent reconciling one task"),
			metric.WithUnit("s"),
		)
		if err != nil {
			o.options.Logger.Warn().Err(err).Msg("Creating task histogram failed")
		}
	})
}

func (o *Orchestrator) observe(ctx context.Context, t Task, status reconcile.Status, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(t.Resource.Kind)),
		attribute.String("outcome", string(status)),
	)
	if o.taskCounter != nil {
		o.taskCounter.Add(ctx, 1, attrs)
	}
	if o.taskLatency != nil {
		o.taskLatency.Record(ctx, d.Seconds(), attrs)
	}
}

// record feeds the Prometheus registry once the report is final.
func (o *Orchestrator) record(rep *report.RunReport) {
	m := o.options.Metrics
	if m == nil {
		return
	}
	for _, a := range rep.Sorted() {
		outcome := string(a.State)
		switch {
		case a.Outcome == reconcile.StatusApplied:
			outcome = "applied"
		case a.State == report.StateSucceeded:
			outcome = "unchanged"
		}
		m.ObserveTask(a.Kind, outcome, a.Duration)
	}
	m.ObserveRun(rep.Success(), rep.Duration(), rep.FinishedAt)
}
