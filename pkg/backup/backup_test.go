package backup_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peertech.de/converge/pkg/backup"
	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/fsys"
	"peertech.de/converge/pkg/testutil"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var noon = time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local)

func TestSnapshotMissingPathNeedsNone(t *testing.T) {
	mfs := testutil.NewMemoryFS()
	store := backup.NewStore(mfs)

	snap, err := store.Snapshot(context.Background(), "/home/u/.config/widget/config")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Empty(t, store.Created())

	_, writes := mfs.Stats()
	assert.Zero(t, writes)
}

func TestSnapshotCopiesContentAndMode(t *testing.T) {
	mfs := testutil.NewMemoryFS().WithFile("/home/u/.bashrc", "set -o vi\n", 0o600)
	store := backup.NewStore(mfs, backup.WithClock(fixedClock(noon)))

	snap, err := store.Snapshot(context.Background(), "/home/u/.bashrc")
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, "/home/u/.bashrc.bak.20261019-120000", snap.Path)
	assert.Equal(t, "/home/u/.bashrc", snap.Source)
	assert.Equal(t, fs.FileMode(0o600), snap.Mode)
	assert.NotEmpty(t, snap.Checksum)

	got, ok := mfs.Content(snap.Path)
	require.True(t, ok)
	assert.Equal(t, "set -o vi\n", got)

	fi, err := mfs.Stat(snap.Path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), fi.Mode().Perm())
}

func TestSnapshotSameSecondUsesCounter(t *testing.T) {
	mfs := testutil.NewMemoryFS().WithFile("/etc/pacman.conf", "[options]\n", 0o644)
	store := backup.NewStore(mfs, backup.WithClock(fixedClock(noon)))

	var paths []string
	for range 3 {
		snap, err := store.Snapshot(context.Background(), "/etc/pacman.conf")
		require.NoError(t, err)
		paths = append(paths, snap.Path)
	}

	assert.Equal(t, []string{
		"/etc/pacman.conf.bak.20261019-120000",
		"/etc/pacman.conf.bak.20261019-120000.1",
		"/etc/pacman.conf.bak.20261019-120000.2",
	}, paths)

	listed, err := store.List("/etc/pacman.conf")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, snap := range listed {
		assert.Equal(t, paths[i], snap.Path)
	}
}

func TestSnapshotCopyFailureLeavesSourceUntouched(t *testing.T) {
	denied := &fs.PathError{Op: "open", Path: "/etc/pacman.conf", Err: fs.ErrPermission}
	mfs := testutil.NewMemoryFS().
		WithFile("/etc/pacman.conf", "[options]\n", 0o644).
		WithError("copy", "/etc/pacman.conf", denied)
	store := backup.NewStore(mfs)

	snap, err := store.Snapshot(context.Background(), "/etc/pacman.conf")
	assert.Nil(t, snap)
	assert.True(t, cerrors.IsErrorCode(err, cerrors.ErrBackup))
	assert.ErrorIs(t, err, fs.ErrPermission)

	got, _ := mfs.Content("/etc/pacman.conf")
	assert.Equal(t, "[options]\n", got)
	assert.Equal(t, []string{"/etc/pacman.conf"}, mfs.Paths())
}

func TestDisabledStore(t *testing.T) {
	mfs := testutil.NewMemoryFS().WithFile("/home/u/.tmux.conf", "set -g mouse on\n", 0o644)
	store := backup.NewStore(mfs, backup.WithDisabled(true))

	snap, err := store.Snapshot(context.Background(), "/home/u/.tmux.conf")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.False(t, store.Enabled())
}

func TestRestore(t *testing.T) {
	mfs := testutil.NewMemoryFS().WithFile("/home/u/.tmux.conf", "old\n", 0o644)
	store := backup.NewStore(mfs, backup.WithClock(fixedClock(noon)))
	ctx := context.Background()

	snap, err := store.Snapshot(ctx, "/home/u/.tmux.conf")
	require.NoError(t, err)
	require.NoError(t, mfs.WriteFile("/home/u/.tmux.conf", []byte("new\n"), 0o644))

	require.NoError(t, store.Restore(ctx, *snap))
	got, _ := mfs.Content("/home/u/.tmux.conf")
	assert.Equal(t, "old\n", got)

	resolved, err := store.Resolve(snap.Path)
	require.NoError(t, err)
	assert.Equal(t, snap.Source, resolved.Source)

	_, err = store.Resolve("/home/u/.tmux.conf")
	assert.True(t, cerrors.IsErrorCode(err, cerrors.ErrNotFound))
}

func TestKeepPrunesOldest(t *testing.T) {
	mfs := testutil.NewMemoryFS().WithFile("/home/u/.xinitrc", "exec i3\n", 0o644)
	clock := noon
	store := backup.NewStore(mfs,
		backup.WithKeep(2),
		backup.WithClock(func() time.Time { clock = clock.Add(time.Second); return clock }),
	)

	for range 4 {
		_, err := store.Snapshot(context.Background(), "/home/u/.xinitrc")
		require.NoError(t, err)
	}

	listed, err := store.List("/home/u/.xinitrc")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "/home/u/.xinitrc.bak.20261019-120003", listed[0].Path)
	assert.Equal(t, "/home/u/.xinitrc.bak.20261019-120004", listed[1].Path)
	assert.Len(t, store.Created(), 4)
}

func TestSnapshotOnDisk(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(target, []byte("mode=dark\n"), 0o640))

	store := backup.NewStore(fsys.NewOS(nil, zerolog.Nop()))
	snap, err := store.Snapshot(context.Background(), target)
	require.NoError(t, err)

	data, err := os.ReadFile(snap.Path)
	require.NoError(t, err)
	assert.Equal(t, "mode=dark\n", string(data))

	fi, err := os.Stat(snap.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
}

func TestSnapshotCancelled(t *testing.T) {
	mfs := testutil.NewMemoryFS().WithFile("/home/u/.bashrc", "x\n", 0o644)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := backup.NewStore(mfs).Snapshot(ctx, "/home/u/.bashrc")
	assert.True(t, errors.Is(err, context.Canceled))
}
