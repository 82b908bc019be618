package reconcile

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peertech.de/converge/pkg/backup"
	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/oracle"
	"peertech.de/converge/pkg/pointer"
	"peertech.de/converge/pkg/resource"
	"peertech.de/converge/pkg/system"
	"peertech.de/converge/pkg/testutil"
)

const widgetConfig = "/home/u/.config/widget/config"

type fixture struct {
	fs       *testutil.MemoryFS
	store    *backup.Store
	packages *testutil.FakePackages
	services *testutil.FakeServices
	r        *Reconciler
}

func newFixture(mfs *testutil.MemoryFS) *fixture {
	f := &fixture{
		fs:       mfs,
		store:    backup.NewStore(mfs),
		packages: testutil.NewFakePackages(),
		services: testutil.NewFakeServices(),
	}
	f.packages.FS = mfs
	o := &oracle.Oracle{FS: mfs, Packages: f.packages, AUR: testutil.NewFakePackages(), Services: f.services}
	f.r = New(o, f.store, zerolog.Nop())
	return f
}

func TestWidgetConfigScenario(t *testing.T) {
	f := newFixture(testutil.NewMemoryFS())
	res := resource.Resource{Kind: resource.KindFileContent, Path: widgetConfig, Content: "mode=dark\n"}
	ctx := context.Background()

	first := f.r.Reconcile(ctx, res)
	require.Equal(t, StatusApplied, first.Status, first.Reason)
	assert.Nil(t, first.Snapshot)
	assert.True(t, first.Created)

	got, ok := f.fs.Content(widgetConfig)
	require.True(t, ok)
	assert.Equal(t, "mode=dark\n", got)

	fi, err := f.fs.Stat(widgetConfig)
	require.NoError(t, err)
	assert.Equal(t, resource.DefaultFileMode, fi.Mode().Perm())

	second := f.r.Reconcile(ctx, res)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, ReasonSatisfied, second.Reason)
	assert.Nil(t, second.Snapshot)
	assert.Empty(t, f.store.Created())
}

func TestExtraRepoLineScenario(t *testing.T) {
	conf := "[options]\nHoldPkg = pacman glibc\n[extra-repo]\nArchitecture = auto\nCheckSpace\n" +
		"SigLevel = Required\nLocalFileSigLevel = Optional\n[core]\nInclude = /etc/pacman.d/mirrorlist\nColor\n"
	f := newFixture(testutil.NewMemoryFS().WithFile("/etc/pacman.conf", conf, 0o644))

	out := f.r.Reconcile(context.Background(), resource.Resource{
		Kind: resource.KindLineInFile, Path: "/etc/pacman.conf", Line: "[extra-repo]",
	})
	assert.Equal(t, StatusSkipped, out.Status)

	_, writes := f.fs.Stats()
	assert.Zero(t, writes)
}

func TestIdempotenceLaw(t *testing.T) {
	mfs := testutil.NewMemoryFS().
		WithFile("/home/u/.bashrc", "set -o vi\n# >>> go >>>\nexport PATH=$PATH:~/go/bin\n# <<< go <<<\n", 0o644).
		WithFile("/home/u/.tmux.conf", "set -g mouse on\n", 0o600).
		WithFile("/etc/pacman.conf", "[options]\n\n[chaotic-aur]\nInclude = /etc/pacman.d/chaotic-mirrorlist\n", 0o644)
	f := newFixture(mfs)
	f.packages = testutil.NewFakePackages("git")
	f.r.Oracle.Packages = f.packages
	require.NoError(t, f.services.Enable(context.Background(), "sshd.service", false, false))

	satisfied := []resource.Resource{
		{Kind: resource.KindFileContent, Path: "/home/u/.bashrc", Marker: "go", Content: "export PATH=$PATH:~/go/bin\n"},
		{Kind: resource.KindFileContent, Path: "/home/u/.tmux.conf", Content: "set -g mouse on\n", Mode: pointer.To("0600")},
		{Kind: resource.KindLineInFile, Path: "/home/u/.tmux.conf", Line: "set -g mouse on"},
		{Kind: resource.KindRepositoryEntry, Repository: system.Repository{Name: "chaotic-aur", Include: "/etc/pacman.d/chaotic-mirrorlist"}},
		{Kind: resource.KindInstalledPackage, Packages: []string{"git"}},
		{Kind: resource.KindEnabledService, Unit: "sshd.service"},
	}

	for _, res := range satisfied {
		out := f.r.Reconcile(context.Background(), res)
		assert.Equal(t, StatusSkipped, out.Status, res.Name())
	}

	_, writes := mfs.Stats()
	assert.Zero(t, writes)
	assert.Empty(t, f.store.Created())
	assert.Empty(t, f.packages.Installs)
}

func TestConvergenceDoesNotDuplicateBlocks(t *testing.T) {
	mfs := testutil.NewMemoryFS().WithFile("/home/u/.bashrc", "alias ll='ls -l'\n", 0o644)
	f := newFixture(mfs)
	ctx := context.Background()

	v1 := resource.Resource{Kind: resource.KindFileContent, Path: "/home/u/.bashrc", Marker: "env", Content: "export EDITOR=vim\n"}
	v2 := v1
	v2.Content = "export EDITOR=nvim\n"

	require.Equal(t, StatusApplied, f.r.Reconcile(ctx, v1).Status)
	afterFirst, _ := mfs.Content("/home/u/.bashrc")

	assert.Equal(t, StatusSkipped, f.r.Reconcile(ctx, v1).Status)
	afterSecond, _ := mfs.Content("/home/u/.bashrc")
	assert.Equal(t, afterFirst, afterSecond)

	require.Equal(t, StatusApplied, f.r.Reconcile(ctx, v2).Status)
	final, _ := mfs.Content("/home/u/.bashrc")
	assert.Equal(t, 1, strings.Count(final, "# >>> env >>>"))
	assert.NotContains(t, final, "EDITOR=vim")
	assert.True(t, strings.HasPrefix(final, "alias ll='ls -l'\n"))
}

func TestIndentedMarkerInBodyIsRejected(t *testing.T) {
	res := resource.Resource{
		Kind: resource.KindFileContent, Path: "/home/u/.bashrc", Marker: "m",
		Content: "export A=1\n  # >>> m >>>\n",
	}
	require.True(t, cerrors.IsErrorCode(res.Validate(), cerrors.ErrConfig))

	res.Content = "export A=1\n"
	require.NoError(t, res.Validate())

	f := newFixture(testutil.NewMemoryFS().WithFile("/home/u/.bashrc", "set -o vi\n", 0o644))
	first := f.r.Reconcile(context.Background(), res)
	require.Equal(t, StatusApplied, first.Status, first.Reason)
	second := f.r.Reconcile(context.Background(), res)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Len(t, f.store.Created(), 1)
}

func TestPostconditionLaw(t *testing.T) {
	mfs := testutil.NewMemoryFS().
		WithFile("/etc/pacman.conf", "[options]\n#Color\n", 0o644).
		WithFile("/home/u/.gitconfig", "[user]\n", 0o644)
	f := newFixture(mfs)
	ctx := context.Background()

	resources := []resource.Resource{
		{Kind: resource.KindFileContent, Path: "/home/u/.gitconfig", Content: "[user]\n\tname = u\n", Mode: pointer.To("0600")},
		{Kind: resource.KindLineInFile, Path: "/etc/pacman.conf", Line: "Color", Match: "^#Color$"},
		{Kind: resource.KindRepositoryEntry, Repository: system.Repository{Name: "chaotic-aur", Include: "/etc/pacman.d/chaotic-mirrorlist"}},
		{Kind: resource.KindInstalledPackage, Packages: []string{"i3-wm", "tmux"}},
		{Kind: resource.KindEnabledService, Unit: "redshift.service", UserScope: true, Now: true},
	}

	for _, res := range resources {
		out := f.r.Reconcile(ctx, res)
		require.Equal(t, StatusApplied, out.Status, "%s: %s", res.Name(), out.Reason)

		ok, err := f.r.Oracle.IsSatisfied(ctx, res)
		require.NoError(t, err)
		assert.True(t, ok, res.Name())
	}

	conf, _ := mfs.Content("/etc/pacman.conf")
	assert.Equal(t, "[options]\nColor\n\n[chaotic-aur]\nInclude = /etc/pacman.d/chaotic-mirrorlist\n", conf)
	assert.Len(t, f.store.Created(), 3)
	assert.Equal(t, []string{"chaotic-aur"}, f.packages.Repositories())
}

func TestPostconditionNotMet(t *testing.T) {
	f := newFixture(testutil.NewMemoryFS())
	f.services.Sticky["bluetooth.service"] = true

	out := f.r.Reconcile(context.Background(), resource.Resource{Kind: resource.KindEnabledService, Unit: "bluetooth.service"})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ReasonPostcondition, out.Reason)
	assert.True(t, cerrors.IsErrorCode(out.Err, cerrors.ErrPostcondition))
}

func TestAtomicityLawOnBackupFailure(t *testing.T) {
	denied := &fs.PathError{Op: "open", Path: "/etc/pacman.conf", Err: fs.ErrPermission}
	mfs := testutil.NewMemoryFS().
		WithFile("/etc/pacman.conf", "[options]\n#Color\n", 0o644).
		WithError("copy", "/etc/pacman.conf", denied)
	f := newFixture(mfs)

	out := f.r.Reconcile(context.Background(), resource.Resource{
		Kind: resource.KindLineInFile, Path: "/etc/pacman.conf", Line: "Color",
	})
	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, cerrors.IsErrorCode(out.Err, cerrors.ErrBackup))
	assert.Contains(t, out.Reason, "backup failed")

	got, _ := mfs.Content("/etc/pacman.conf")
	assert.Equal(t, "[options]\n#Color\n", got)
}

func TestApplyFailure(t *testing.T) {
	f := newFixture(testutil.NewMemoryFS())
	f.packages.Fail["go"] = errors.New("target not found: go")

	out := f.r.Reconcile(context.Background(), resource.Resource{Kind: resource.KindInstalledPackage, Packages: []string{"go"}})
	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, cerrors.IsErrorCode(out.Err, cerrors.ErrApply))
	assert.Contains(t, out.Reason, "target not found")
}

func TestTimeout(t *testing.T) {
	f := newFixture(testutil.NewMemoryFS())
	f.packages.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	out := f.r.Reconcile(ctx, resource.Resource{Kind: resource.KindInstalledPackage, Packages: []string{"texlive"}})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.True(t, cerrors.IsErrorCode(out.Err, cerrors.ErrTimeout))
}

func TestCancelledBeforeStart(t *testing.T) {
	f := newFixture(testutil.NewMemoryFS())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.r.Reconcile(ctx, resource.Resource{Kind: resource.KindFileContent, Path: widgetConfig, Content: "x\n"})
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.Empty(t, f.fs.Paths())
}

func TestWriteFailureKeepsSnapshot(t *testing.T) {
	mfs := testutil.NewMemoryFS().
		WithFile("/home/u/.xinitrc", "exec dwm\n", 0o644).
		WithError("write", "/home/u/.xinitrc", fs.ErrPermission)
	f := newFixture(mfs)

	out := f.r.Reconcile(context.Background(), resource.Resource{
		Kind: resource.KindFileContent, Path: "/home/u/.xinitrc", Content: "exec i3\n",
	})
	assert.Equal(t, StatusFailed, out.Status)
	require.NotNil(t, out.Snapshot)
	assert.Equal(t, "/home/u/.xinitrc", out.Snapshot.Source)
}

func TestRepositoryTimeoutKeepsSnapshot(t *testing.T) {
	f := newFixture(testutil.NewMemoryFS().WithFile("/etc/pacman.conf", "[options]\n", 0o644))
	f.packages.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := f.r.Reconcile(ctx, resource.Resource{
		Kind:       resource.KindRepositoryEntry,
		Path:       "/etc/pacman.conf",
		Repository: system.Repository{Name: "chaotic-aur", Include: "/etc/pacman.d/chaotic-mirrorlist"},
	})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ReasonTimeout, out.Reason)
	require.NotNil(t, out.Snapshot)
	assert.Equal(t, "/etc/pacman.conf", out.Snapshot.Source)
	assert.Len(t, f.store.Created(), 1)
}

func TestPlan(t *testing.T) {
	f := newFixture(testutil.NewMemoryFS().WithFile(widgetConfig, "mode=light\n", 0o644))

	needs, diff, err := f.r.Plan(context.Background(), resource.Resource{
		Kind: resource.KindFileContent, Path: widgetConfig, Content: "mode=dark\n",
	})
	require.NoError(t, err)
	assert.True(t, needs)
	assert.Contains(t, diff, "+ mode=dark")

	_, writes := f.fs.Stats()
	assert.Zero(t, writes)
}

func TestRevert(t *testing.T) {
	mfs := testutil.NewMemoryFS().WithFile("/home/u/.tmux.conf", "old\n", 0o644)
	f := newFixture(mfs)
	ctx := context.Background()

	existing := resource.Resource{Kind: resource.KindFileContent, Path: "/home/u/.tmux.conf", Content: "new\n"}
	out := f.r.Reconcile(ctx, existing)
	require.Equal(t, StatusApplied, out.Status)
	require.NoError(t, f.r.Revert(ctx, existing, out))
	got, _ := mfs.Content("/home/u/.tmux.conf")
	assert.Equal(t, "old\n", got)

	fresh := resource.Resource{Kind: resource.KindFileContent, Path: widgetConfig, Content: "mode=dark\n"}
	out = f.r.Reconcile(ctx, fresh)
	require.Equal(t, StatusApplied, out.Status)
	require.NoError(t, f.r.Revert(ctx, fresh, out))
	_, ok := mfs.Content(widgetConfig)
	assert.False(t, ok)

	pkg := resource.Resource{Kind: resource.KindInstalledPackage, Packages: []string{"htop"}}
	out = f.r.Reconcile(ctx, pkg)
	require.Equal(t, StatusApplied, out.Status)
	assert.True(t, cerrors.IsErrorCode(f.r.Revert(ctx, pkg, out), cerrors.ErrNotFound))
}
