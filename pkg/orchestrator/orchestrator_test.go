package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peertech.de/converge/pkg/backup"
	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/metrics"
	"peertech.de/converge/pkg/oracle"
	"peertech.de/converge/pkg/reconcile"
	"peertech.de/converge/pkg/report"
	"peertech.de/converge/pkg/resource"
	memfs "peertech.de/converge/pkg/testutil"
)

type env struct {
	fs       *memfs.MemoryFS
	packages *memfs.FakePackages
	services *memfs.FakeServices
	rec      *reconcile.Reconciler
}

func newEnv(mfs *memfs.MemoryFS) *env {
	e := &env{fs: mfs, packages: memfs.NewFakePackages(), services: memfs.NewFakeServices()}
	e.packages.FS = mfs
	o := &oracle.Oracle{FS: mfs, Packages: e.packages, AUR: memfs.NewFakePackages(), Services: e.services}
	e.rec = reconcile.New(o, backup.NewStore(mfs), zerolog.Nop())
	return e
}

func pkg(id string, deps ...string) Task {
	return Task{
		ID:           id,
		Resource:     resource.Resource{Kind: resource.KindInstalledPackage, Packages: []string{id}},
		Dependencies: deps,
	}
}

func file(id, path, content string, deps ...string) Task {
	return Task{
		ID:           id,
		Resource:     resource.Resource{Kind: resource.KindFileContent, Path: path, Content: content},
		Dependencies: deps,
	}
}

func newOrchestrator(t *testing.T, rec Reconciler, tasks []Task, options ...Option) *Orchestrator {
	t.Helper()
	options = append([]Option{WithLogger(zerolog.Nop())}, options...)
	o := NewOrchestrator(rec, options...)
	for _, task := range tasks {
		require.NoError(t, o.Add(task))
	}
	return o
}

func state(t *testing.T, rep *report.RunReport, id string) report.Attempt {
	t.Helper()
	a, ok := rep.Get(id)
	require.True(t, ok, "no attempt for %q", id)
	return a
}

func TestAddRejectsInvalidTasks(t *testing.T) {
	o := NewOrchestrator(newEnv(memfs.NewMemoryFS()).rec)

	require.NoError(t, o.Add(pkg("git")))
	assert.True(t, cerrors.IsErrorCode(o.Add(pkg("git")), cerrors.ErrConfig))
	assert.True(t, cerrors.IsErrorCode(o.Add(Task{Resource: pkg("x").Resource}), cerrors.ErrConfig))
	assert.True(t, cerrors.IsErrorCode(o.Add(Task{ID: "bad", Resource: resource.Resource{Kind: resource.KindFileContent, Path: "rel"}}), cerrors.ErrConfig))
}

func TestCycleRunsZeroTasks(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	o := newOrchestrator(t, e.rec, []Task{pkg("A", "B"), pkg("B", "A"), pkg("C")})

	rep := o.Run(context.Background(), false)

	require.Error(t, rep.Err)
	assert.True(t, cerrors.IsErrorCode(rep.Err, cerrors.ErrConfig))
	assert.Contains(t, rep.Error, "A -> B -> A")
	assert.Empty(t, e.packages.Installs)
	assert.Empty(t, rep.Attempts)
	assert.False(t, rep.Success())
}

func TestUnknownDependency(t *testing.T) {
	o := newOrchestrator(t, newEnv(memfs.NewMemoryFS()).rec, []Task{pkg("gopls", "go")})

	rep := o.Run(context.Background(), false)
	assert.True(t, cerrors.IsErrorCode(rep.Err, cerrors.ErrConfig))
	assert.Contains(t, rep.Error, `unknown task "go"`)
}

func TestDependencyFailedIsSkipped(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	e.packages.Fail["install-runtime"] = errors.New("target not found")
	o := newOrchestrator(t, e.rec, []Task{
		pkg("install-tool", "install-runtime"),
		pkg("install-runtime"),
		pkg("unrelated"),
	})

	rep := o.Run(context.Background(), false)

	assert.Equal(t, report.StateFailed, state(t, rep, "install-runtime").State)
	tool := state(t, rep, "install-tool")
	assert.Equal(t, report.StateSkipped, tool.State)
	assert.Equal(t, reconcile.ReasonDependencyFailed, tool.Reason)
	assert.Equal(t, report.StateSucceeded, state(t, rep, "unrelated").State)

	for _, call := range e.packages.Installs {
		assert.NotContains(t, call, "install-tool", "dependent must never be attempted")
	}
	assert.Equal(t, []string{"install-runtime"}, rep.Failed)
	assert.Equal(t, []string{"install-tool"}, rep.Skipped)
	assert.Equal(t, []string{"install-tool"}, state(t, rep, "install-runtime").Blocks)
	assert.Empty(t, state(t, rep, "unrelated").Blocks)
	assert.False(t, rep.Success())
}

func TestSkipPropagatesTransitively(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	e.packages.Fail["a"] = errors.New("boom")
	o := newOrchestrator(t, e.rec, []Task{pkg("a"), pkg("b", "a"), pkg("c", "b")})

	rep := o.Run(context.Background(), false)
	assert.Equal(t, reconcile.ReasonDependencyFailed, state(t, rep, "c").Reason)
	assert.Equal(t, 2, state(t, rep, "c").Wave)
	assert.Equal(t, []string{"b", "c"}, state(t, rep, "a").Blocks)
}

// barrier blocks every Reconcile call until n calls are in flight at once.
type barrier struct {
	n       int32
	started atomic.Int32
	release chan struct{}
	once    sync.Once
}

func (b *barrier) Reconcile(ctx context.Context, r resource.Resource) reconcile.Outcome {
	if b.started.Add(1) == b.n {
		b.once.Do(func() { close(b.release) })
	}
	select {
	case <-b.release:
		return reconcile.Outcome{Status: reconcile.StatusApplied}
	case <-time.After(2 * time.Second):
		return reconcile.Outcome{Status: reconcile.StatusFailed, Reason: "not concurrent"}
	}
}

func (b *barrier) Plan(context.Context, resource.Resource) (bool, string, error) {
	return false, "", nil
}

func (b *barrier) Revert(context.Context, resource.Resource, reconcile.Outcome) error {
	return nil
}

func TestIndependentTasksRunConcurrently(t *testing.T) {
	b := &barrier{n: 2, release: make(chan struct{})}
	o := newOrchestrator(t, b, []Task{pkg("A"), pkg("B")})

	rep := o.Run(context.Background(), false)

	require.True(t, rep.Success(), rep.Failed)
	assert.ElementsMatch(t, []string{"A", "B"}, rep.Applied)
	assert.Equal(t, 0, state(t, rep, "A").Wave)
	assert.Equal(t, 0, state(t, rep, "B").Wave)
}

func TestConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	rec := recFunc(func(ctx context.Context, r resource.Resource) reconcile.Outcome {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return reconcile.Outcome{Status: reconcile.StatusApplied}
	})

	o := newOrchestrator(t, rec, []Task{pkg("a"), pkg("b"), pkg("c"), pkg("d")}, WithConcurrency(1))
	rep := o.Run(context.Background(), false)

	assert.Len(t, rep.Applied, 4)
	assert.Equal(t, int32(1), peak.Load())
}

type recFunc func(ctx context.Context, r resource.Resource) reconcile.Outcome

func (f recFunc) Reconcile(ctx context.Context, r resource.Resource) reconcile.Outcome {
	return f(ctx, r)
}

func (f recFunc) Plan(context.Context, resource.Resource) (bool, string, error) {
	return false, "", nil
}

func (f recFunc) Revert(context.Context, resource.Resource, reconcile.Outcome) error {
	return nil
}

func TestTimeout(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	e.packages.Delay = time.Second

	slow := pkg("texlive-full")
	slow.Timeout = 10 * time.Millisecond
	o := newOrchestrator(t, e.rec, []Task{slow, pkg("biber", "texlive-full")}, WithTimeout(time.Minute))

	rep := o.Run(context.Background(), false)

	a := state(t, rep, "texlive-full")
	assert.Equal(t, report.StateFailed, a.State)
	assert.Equal(t, reconcile.ReasonTimeout, a.Reason)
	assert.Equal(t, reconcile.ReasonDependencyFailed, state(t, rep, "biber").Reason)
}

func TestCancelledBeforeRun(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	o := newOrchestrator(t, e.rec, []Task{pkg("a"), pkg("b", "a")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := o.Run(ctx, false)

	assert.True(t, rep.Cancelled)
	assert.Equal(t, reconcile.ReasonCancelled, state(t, rep, "a").Reason)
	assert.Equal(t, reconcile.ReasonCancelled, state(t, rep, "b").Reason)
	assert.Empty(t, e.packages.Installs)
}

func TestCancelDuringWaveLetsInFlightTaskFinish(t *testing.T) {
	mfs := memfs.NewMemoryFS().WithFile("/home/u/.bashrc", "old\n", 0o644)
	e := newEnv(mfs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := recFunc(func(taskCtx context.Context, r resource.Resource) reconcile.Outcome {
		cancel()
		// the task context must survive run cancellation
		if taskCtx.Err() != nil {
			return reconcile.Outcome{Status: reconcile.StatusFailed, Reason: "task context cancelled"}
		}
		return e.rec.Reconcile(taskCtx, r)
	})

	o := newOrchestrator(t, rec, []Task{
		file("bashrc", "/home/u/.bashrc", "new\n"),
		pkg("after", "bashrc"),
	})
	rep := o.Run(ctx, false)

	assert.Equal(t, []string{"bashrc"}, rep.Applied)
	got, _ := mfs.Content("/home/u/.bashrc")
	assert.Equal(t, "new\n", got)
	assert.Equal(t, reconcile.ReasonCancelled, state(t, rep, "after").Reason)
	assert.True(t, rep.Cancelled)
}

func TestCancelSkipsTasksQueuedBehindConcurrencyLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	rec := recFunc(func(context.Context, resource.Resource) reconcile.Outcome {
		calls.Add(1)
		cancel()
		return reconcile.Outcome{Status: reconcile.StatusApplied}
	})

	o := newOrchestrator(t, rec, []Task{pkg("a"), pkg("b"), pkg("c"), pkg("d")}, WithConcurrency(1))
	rep := o.Run(ctx, false)

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, rep.Applied, 1)
	assert.Len(t, rep.Skipped, 3)
	for _, id := range rep.Skipped {
		assert.Equal(t, reconcile.ReasonCancelled, state(t, rep, id).Reason)
	}
	assert.True(t, rep.Cancelled)
}

func TestCancelInLastWaveMarksRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := recFunc(func(context.Context, resource.Resource) reconcile.Outcome {
		cancel()
		return reconcile.Outcome{Status: reconcile.StatusApplied}
	})

	rep := newOrchestrator(t, rec, []Task{pkg("only")}).Run(ctx, false)

	assert.Equal(t, []string{"only"}, rep.Applied)
	assert.True(t, rep.Cancelled)
}

func TestElevationAcquiredOnce(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	var calls atomic.Int32
	elevate := func(context.Context) error {
		calls.Add(1)
		return nil
	}

	o := newOrchestrator(t, e.rec, []Task{pkg("a"), pkg("b"), pkg("c", "a")}, WithElevation(elevate))
	rep := o.Run(context.Background(), false)

	require.True(t, rep.Success())
	assert.Equal(t, int32(1), calls.Load())
}

func TestElevationNotNeeded(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	elevate := func(context.Context) error { return errors.New("must not be called") }

	o := newOrchestrator(t, e.rec, []Task{file("widget", "/home/u/.config/widget/config", "mode=dark\n")}, WithElevation(elevate))
	rep := o.Run(context.Background(), false)
	assert.True(t, rep.Success())
}

func TestPreconditionFailureRunsZeroTasks(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	elevate := func(context.Context) error { return errors.New("sudo: a password is required") }

	o := newOrchestrator(t, e.rec, []Task{file("widget", "/home/u/.config/widget/config", "x\n"), pkg("git")}, WithElevation(elevate))
	rep := o.Run(context.Background(), false)

	assert.True(t, cerrors.IsErrorCode(rep.Err, cerrors.ErrPrecondition))
	assert.Empty(t, e.packages.Installs)
	assert.Empty(t, e.fs.Paths())
	assert.Equal(t, report.StatePending, state(t, rep, "git").State)
}

func TestSharedTargetNeedsOrdering(t *testing.T) {
	e := newEnv(memfs.NewMemoryFS())
	color := Task{ID: "color", Resource: resource.Resource{Kind: resource.KindLineInFile, Path: "/etc/pacman.conf", Line: "Color"}}
	parallel := Task{ID: "parallel", Resource: resource.Resource{Kind: resource.KindLineInFile, Path: "/etc/pacman.conf", Line: "ParallelDownloads = 5"}}

	rep := newOrchestrator(t, e.rec, []Task{color, parallel}).Run(context.Background(), false)
	assert.True(t, cerrors.IsErrorCode(rep.Err, cerrors.ErrConfig))
	assert.Contains(t, rep.Error, "/etc/pacman.conf")

	parallel.Dependencies = []string{"color"}
	mfs := memfs.NewMemoryFS().WithFile("/etc/pacman.conf", "[options]\n", 0o644)
	e = newEnv(mfs)
	rep = newOrchestrator(t, e.rec, []Task{color, parallel}).Run(context.Background(), false)
	require.True(t, rep.Success(), rep.Error)
	got, _ := mfs.Content("/etc/pacman.conf")
	assert.Equal(t, "[options]\nColor\nParallelDownloads = 5\n", got)
}

func TestPlanMakesNoChanges(t *testing.T) {
	mfs := memfs.NewMemoryFS().WithFile("/home/u/.config/widget/config", "mode=light\n", 0o644)
	e := newEnv(mfs)
	elevate := func(context.Context) error { return errors.New("not in plan mode") }

	o := newOrchestrator(t, e.rec, []Task{
		file("widget", "/home/u/.config/widget/config", "mode=dark\n"),
		pkg("git"),
	}, WithElevation(elevate))
	rep := o.Run(context.Background(), true)

	require.True(t, rep.Success(), rep.Error)
	assert.True(t, rep.DryRun)
	assert.Contains(t, state(t, rep, "widget").Changes, "+ mode=dark")
	assert.Contains(t, state(t, rep, "git").Changes, "+ install git")

	_, writes := mfs.Stats()
	assert.Zero(t, writes)
	assert.Empty(t, e.packages.Installs)
}

func TestRollbackOnFailure(t *testing.T) {
	mfs := memfs.NewMemoryFS().WithFile("/home/u/.xinitrc", "exec dwm\n", 0o644)
	e := newEnv(mfs)
	e.packages.Fail["i3-wm"] = errors.New("conflicting files")

	o := newOrchestrator(t, e.rec, []Task{
		file("xinitrc", "/home/u/.xinitrc", "exec i3\n"),
		file("widget", "/home/u/.config/widget/config", "mode=dark\n"),
		pkg("i3-wm", "xinitrc", "widget"),
	}, WithRollbackOnFailure())
	rep := o.Run(context.Background(), false)

	assert.Equal(t, []string{"i3-wm"}, rep.Failed)
	got, _ := mfs.Content("/home/u/.xinitrc")
	assert.Equal(t, "exec dwm\n", got)
	_, exists := mfs.Content("/home/u/.config/widget/config")
	assert.False(t, exists)
	assert.True(t, state(t, rep, "xinitrc").RolledBack)
	assert.True(t, state(t, rep, "widget").RolledBack)
	require.Len(t, rep.Snapshots, 1)
}

func TestMetrics(t *testing.T) {
	mfs := memfs.NewMemoryFS().WithFile("/home/u/.xinitrc", "exec dwm\n", 0o644)
	e := newEnv(mfs)
	m := metrics.New()

	o := newOrchestrator(t, e.rec, []Task{
		file("xinitrc", "/home/u/.xinitrc", "exec i3\n"),
		pkg("i3-wm", "xinitrc"),
	}, WithMetrics(m))
	rep := o.Run(context.Background(), false)
	require.True(t, rep.Success(), rep.Error)

	assert.Equal(t, 2, testutil.CollectAndCount(m.Registry(), "converge_tasks_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Registry(), "converge_snapshots_total"))
}

func TestRunIDIsInjected(t *testing.T) {
	o := newOrchestrator(t, newEnv(memfs.NewMemoryFS()).rec, nil, WithRunID(func() string { return "fixed" }))
	rep := o.Run(context.Background(), false)
	assert.Equal(t, "fixed", rep.RunID)
	assert.True(t, rep.Success())
}
