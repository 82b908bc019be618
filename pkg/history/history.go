// Package history persists run reports as JSON documents, one file per run,
// so past runs can be listed and inspected after the process exits.
package history

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/fsys"
	"peertech.de/converge/pkg/logging"
	"peertech.de/converge/pkg/report"
)

const (
	suffix     = ".json"
	timeLayout = "20060102-150405"
)

type Store struct {
	fs     fsys.FS
	dir    string
	logger zerolog.Logger
}

func New(filesystem fsys.FS, dir string) *Store {
	return &Store{
		fs:     filesystem,
		dir:    dir,
		logger: logging.GetLogger("history"),
	}
}

func (s *Store) Dir() string {
	return s.dir
}

// Save writes r and returns the file it was written to. File names sort by
// start time.
func (s *Store) Save(r *report.RunReport) (string, error) {
	if r.RunID == "" {
		return "", cerrors.New(cerrors.ErrInternal, "run report has no id")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", cerrors.Wrap(err, cerrors.ErrInternal, "encode run report")
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create history directory: %w", err)
	}
	name := filepath.Join(s.dir, r.StartedAt.UTC().Format(timeLayout)+"-"+r.RunID+suffix)
	if err := s.fs.WriteFile(name, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write run report: %w", err)
	}

	s.logger.Debug().Str("run_id", r.RunID).Str("path", name).Msg("Run report saved")
	return name, nil
}

// List returns all stored runs, newest first. Unreadable entries are logged
// and skipped.
func (s *Store) List() ([]*report.RunReport, error) {
	names, err := s.files()
	if err != nil {
		return nil, err
	}

	runs := make([]*report.RunReport, 0, len(names))
	for _, name := range names {
		r, err := s.read(name)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", name).Msg("Skipping unreadable run report")
			continue
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// Load returns the run with the given id. A unique prefix of the id is
// accepted.
func (s *Store) Load(id string) (*report.RunReport, error) {
	if id == "" {
		return nil, cerrors.New(cerrors.ErrNotFound, "empty run id")
	}
	names, err := s.files()
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, name := range names {
		if strings.HasPrefix(runID(name), id) {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 0:
		return nil, cerrors.Newf(cerrors.ErrNotFound, "no run %q", id)
	case 1:
		return s.read(matches[0])
	default:
		return nil, cerrors.Newf(cerrors.ErrConfig, "run id %q is ambiguous (%d matches)", id, len(matches))
	}
}

// Latest returns the most recent run, or a NOT_FOUND error if none exists.
func (s *Store) Latest() (*report.RunReport, error) {
	names, err := s.files()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, cerrors.New(cerrors.ErrNotFound, "no runs recorded")
	}
	return s.read(names[0])
}

// Prune deletes all but the newest keep runs. keep <= 0 deletes nothing.
func (s *Store) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	names, err := s.files()
	if err != nil || len(names) <= keep {
		return 0, err
	}
	removed := 0
	for _, name := range names[keep:] {
		if err := s.fs.Remove(name); err != nil {
			return removed, fmt.Errorf("remove run report: %w", err)
		}
		removed++
	}
	return removed, nil
}

// files lists report files newest first.
func (s *Store) files() ([]string, error) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if ok, _ := fsys.Exists(s.fs, s.dir); !ok {
			return nil, nil
		}
		return nil, fmt.Errorf("read history directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, filepath.Join(s.dir, e.Name()))
	}
	slices.Sort(names)
	slices.Reverse(names)
	return names, nil
}

func (s *Store) read(name string) (*report.RunReport, error) {
	data, err := s.fs.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read run report: %w", err)
	}
	var r report.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, cerrors.Wrapf(err, cerrors.ErrInternal, "decode run report %s", filepath.Base(name))
	}
	return &r, nil
}

// runID extracts the id from "<timestamp>-<id>.json".
func runID(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), suffix)
	if len(base) <= len(timeLayout)+1 {
		return ""
	}
	return base[len(timeLayout)+1:]
}
