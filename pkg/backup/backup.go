// Package backup preserves the prior content of files before they are
// overwritten. Snapshots are sibling files named <path>.bak.<timestamp>, with
// a counter appended when several snapshots of one path fall into the same
// second.
package backup

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/fsys"
)

const (
	infix           = ".bak."
	timestampLayout = "20060102-150405"
)

// Snapshot is an immutable copy of a file's content and permissions taken
// before the file was overwritten.
type Snapshot struct {
	ID        string      `json:"id"`
	Source    string      `json:"source"`
	Path      string      `json:"path"`
	CreatedAt time.Time   `json:"created_at"`
	Mode      fs.FileMode `json:"mode"`
	Size      int64       `json:"size"`
	Checksum  string      `json:"checksum,omitempty"`
}

type Option = func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithDisabled turns every Snapshot call into a no-op, for callers that want
// plain overwrites.
func WithDisabled(disabled bool) Option {
	return func(s *Store) {
		s.disabled = disabled
	}
}

// WithKeep prunes snapshots of a path beyond the newest n after each new
// snapshot. Zero keeps everything.
func WithKeep(n int) Option {
	return func(s *Store) {
		s.keep = n
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Store creates, lists, restores and prunes snapshots. It is safe for
// concurrent use.
type Store struct {
	fs       fsys.FS
	now      func() time.Time
	disabled bool
	keep     int
	logger   zerolog.Logger

	mu      sync.Mutex // serializes name allocation and protects created
	created []Snapshot
}

func NewStore(filesystem fsys.FS, options ...Option) *Store {
	s := &Store{
		fs:     filesystem,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Enabled reports whether Snapshot copies anything.
func (s *Store) Enabled() bool {
	return !s.disabled
}

// Snapshot copies path to a new snapshot file. It returns nil without error
// when there is nothing to preserve: the path does not exist or the store is
// disabled. Any failure carries the BACKUP code and leaves path untouched.
func (s *Store) Snapshot(ctx context.Context, path string) (*Snapshot, error) {
	if s.disabled {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrBackup, "snapshot aborted")
	}

	fi, err := s.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.ErrBackup, "stat %s", path)
	}
	if fi.IsDir() {
		return nil, cerrors.Newf(cerrors.ErrBackup, "%s is a directory", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now()
	dst, err := s.allocate(path, createdAt)
	if err != nil {
		return nil, err
	}

	if err := s.fs.CopyFile(path, dst); err != nil {
		return nil, cerrors.Wrapf(err, cerrors.ErrBackup, "copy %s to %s", path, dst)
	}
	sum, err := fsys.Checksum(s.fs, dst)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.ErrBackup, "verify %s", dst)
	}

	snap := Snapshot{
		ID:        filepath.Base(dst),
		Source:    path,
		Path:      dst,
		CreatedAt: createdAt,
		Mode:      fi.Mode().Perm(),
		Size:      fi.Size(),
		Checksum:  sum,
	}
	s.created = append(s.created, snap)

	s.logger.Info().
		Str("source", path).
		Str("snapshot", dst).
		Msg("Snapshot created")

	if s.keep > 0 {
		if _, err := s.prune(path, s.keep); err != nil {
			s.logger.Warn().Err(err).Str("source", path).Msg("Pruning snapshots failed")
		}
	}

	return &snap, nil
}

// allocate returns the first unused snapshot name for path at t.
func (s *Store) allocate(path string, t time.Time) (string, error) {
	base := path + infix + t.Format(timestampLayout)
	candidate := base
	for n := 1; ; n++ {
		exists, err := fsys.Exists(s.fs, candidate)
		if err != nil {
			return "", cerrors.Wrapf(err, cerrors.ErrBackup, "stat %s", candidate)
		}
		if !exists {
			return candidate, nil
		}
		candidate = base + "." + strconv.Itoa(n)
	}
}

// Created returns the snapshots taken by this store, in creation order.
func (s *Store) Created() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.created...)
}

// List returns the snapshots of path found on disk, oldest first.
func (s *Store) List(path string) ([]Snapshot, error) {
	dir, base := filepath.Dir(path), filepath.Base(path)
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type entry struct {
		snap Snapshot
		seq  int
	}
	var found []entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, base+infix) {
			continue
		}
		createdAt, seq, ok := parseSuffix(strings.TrimPrefix(name, base+infix))
		if !ok {
			continue
		}
		snap := Snapshot{
			ID:        name,
			Source:    path,
			Path:      filepath.Join(dir, name),
			CreatedAt: createdAt,
		}
		if fi, err := e.Info(); err == nil {
			snap.Mode = fi.Mode().Perm()
			snap.Size = fi.Size()
		}
		found = append(found, entry{snap: snap, seq: seq})
	}

	sort.Slice(found, func(i, j int) bool {
		if !found[i].snap.CreatedAt.Equal(found[j].snap.CreatedAt) {
			return found[i].snap.CreatedAt.Before(found[j].snap.CreatedAt)
		}
		return found[i].seq < found[j].seq
	})

	out := make([]Snapshot, len(found))
	for i, e := range found {
		out[i] = e.snap
	}
	return out, nil
}

// Resolve finds a snapshot by its path on disk.
func (s *Store) Resolve(snapshotPath string) (Snapshot, error) {
	name := filepath.Base(snapshotPath)
	i := strings.LastIndex(name, infix)
	if i <= 0 {
		return Snapshot{}, cerrors.Newf(cerrors.ErrNotFound, "%s is not a snapshot", snapshotPath)
	}
	if _, _, ok := parseSuffix(name[i+len(infix):]); !ok {
		return Snapshot{}, cerrors.Newf(cerrors.ErrNotFound, "%s is not a snapshot", snapshotPath)
	}
	source := filepath.Join(filepath.Dir(snapshotPath), name[:i])

	snaps, err := s.List(source)
	if err != nil {
		return Snapshot{}, err
	}
	for _, snap := range snaps {
		if snap.Path == filepath.Clean(snapshotPath) {
			return snap, nil
		}
	}
	return Snapshot{}, cerrors.Newf(cerrors.ErrNotFound, "snapshot %s not found", snapshotPath)
}

// Restore atomically copies a snapshot back over its source. If the snapshot
// records a checksum, the restored content is verified against it.
func (s *Store) Restore(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.CopyFile(snap.Path, snap.Source); err != nil {
		return cerrors.Wrapf(err, cerrors.ErrApply, "restore %s from %s", snap.Source, snap.Path)
	}
	if snap.Checksum != "" {
		sum, err := fsys.Checksum(s.fs, snap.Source)
		if err != nil {
			return cerrors.Wrapf(err, cerrors.ErrApply, "verify %s", snap.Source)
		}
		if sum != snap.Checksum {
			return cerrors.Newf(cerrors.ErrApply, "restored %s does not match snapshot %s", snap.Source, snap.ID)
		}
	}
	s.logger.Info().Str("source", snap.Source).Str("snapshot", snap.Path).Msg("Snapshot restored")
	return nil
}

// Prune removes all but the newest keep snapshots of path and returns the
// removed ones.
func (s *Store) Prune(path string, keep int) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prune(path, keep)
}

func (s *Store) prune(path string, keep int) ([]Snapshot, error) {
	snaps, err := s.List(path)
	if err != nil || keep < 0 || len(snaps) <= keep {
		return nil, err
	}

	stale := snaps[:len(snaps)-keep]
	var errs []error
	for _, snap := range stale {
		if err := s.fs.Remove(snap.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return stale, errors.Join(errs...)
}

// parseSuffix parses "<timestamp>" or "<timestamp>.<n>".
func parseSuffix(suffix string) (time.Time, int, bool) {
	ts, seqStr, hasSeq := strings.Cut(suffix, ".")
	t, err := time.ParseInLocation(timestampLayout, ts, time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	if !hasSeq {
		return t, 0, true
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq < 1 {
		return time.Time{}, 0, false
	}
	return t, seq, true
}
