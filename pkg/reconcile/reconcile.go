// Package reconcile brings a single resource from its actual to its desired
// state: check, snapshot, apply, check again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"

	"peertech.de/converge/pkg/backup"
	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/oracle"
	"peertech.de/converge/pkg/resource"
)

type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Reasons recorded for non-applied outcomes.
const (
	ReasonSatisfied        = "already satisfied"
	ReasonPostcondition    = "postcondition not met"
	ReasonTimeout          = "timeout"
	ReasonCancelled        = "cancelled"
	ReasonDependencyFailed = "dependency failed"
)

// Outcome is the result of reconciling one resource.
type Outcome struct {
	Status Status
	Reason string
	Err    error

	// Snapshot is the copy of the target taken before it was overwritten,
	// nil if nothing was preserved.
	Snapshot *backup.Snapshot

	// Created is set when the target file did not exist before the apply.
	Created bool
}

func applied(snap *backup.Snapshot, created bool) Outcome {
	return Outcome{Status: StatusApplied, Snapshot: snap, Created: created}
}

func skipped(reason string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

func failed(reason string, err error) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, Err: err}
}

// Reconciler is the single check, snapshot, apply and recheck pipeline shared
// by every resource kind.
type Reconciler struct {
	Oracle *oracle.Oracle
	Store  *backup.Store
	Logger zerolog.Logger
}

func New(o *oracle.Oracle, store *backup.Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{Oracle: o, Store: store, Logger: logger}
}

// Reconcile never returns a Go error: every failure is part of the Outcome.
func (r *Reconciler) Reconcile(ctx context.Context, res resource.Resource) Outcome {
	logger := r.Logger.With().Str("resource", res.Name()).Logger()

	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}

	ok, err := r.Oracle.IsSatisfied(ctx, res)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx.Err())
		}
		return failed(fmt.Sprintf("check failed: %v", err),
			cerrors.Wrapf(err, cerrors.ErrApply, "check %s", res.Name()))
	}
	if ok {
		logger.Debug().Msg("Already satisfied")
		return skipped(ReasonSatisfied)
	}

	var (
		snap    *backup.Snapshot
		created bool
	)
	if res.NeedsSnapshot() {
		snap, created, err = r.applyFile(ctx, res)
	} else {
		err = r.applyCommand(ctx, res)
	}
	if err != nil {
		var out Outcome
		switch {
		case errors.Is(err, context.DeadlineExceeded) || cerrors.IsErrorCode(err, cerrors.ErrTimeout):
			out = failed(ReasonTimeout, cerrors.Wrapf(err, cerrors.ErrTimeout, "apply %s", res.Name()))
		case errors.Is(err, context.Canceled) || cerrors.IsErrorCode(err, cerrors.ErrCancelled):
			out = failed(ReasonCancelled, err)
		case cerrors.IsErrorCode(err, cerrors.ErrBackup):
			out = failed(fmt.Sprintf("backup failed: %v", err), err)
		default:
			out = failed(fmt.Sprintf("apply failed: %v", err), err)
		}
		// A snapshot taken before the failing step is still reported.
		out.Snapshot = snap
		return out
	}

	// The recheck runs detached so a cancelled run still verifies what it
	// wrote.
	ok, err = r.Oracle.IsSatisfied(context.WithoutCancel(ctx), res)
	if err != nil || !ok {
		perr := cerrors.Newf(cerrors.ErrPostcondition, "%s still differs after apply", res.Name())
		if err != nil {
			perr = cerrors.Wrapf(err, cerrors.ErrPostcondition, "recheck %s", res.Name())
		}
		out := failed(ReasonPostcondition, perr)
		out.Snapshot = snap
		return out
	}

	logger.Info().Bool("snapshot", snap != nil).Msg("Applied")
	return applied(snap, created)
}

func interrupted(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return failed(ReasonTimeout, cerrors.Wrap(err, cerrors.ErrTimeout, "deadline exceeded"))
	}
	return skipped(ReasonCancelled)
}

// applyFile runs the snapshot and the write as one step that run
// cancellation cannot split. A failed snapshot leaves the target untouched.
func (r *Reconciler) applyFile(ctx context.Context, res resource.Resource) (*backup.Snapshot, bool, error) {
	step := context.WithoutCancel(ctx)
	target := res.Target()
	filesystem := r.Oracle.FS

	fi, err := filesystem.Stat(target)
	created := errors.Is(err, fs.ErrNotExist)
	if err != nil && !created {
		return nil, false, cerrors.Wrapf(err, cerrors.ErrApply, "stat %s", target)
	}

	var snap *backup.Snapshot
	if !created && r.Store != nil {
		snap, err = r.Store.Snapshot(step, target)
		if err != nil {
			return nil, false, err
		}
	}

	if res.Kind == resource.KindRepositoryEntry {
		pm, err := r.Oracle.PackageManagerFor(res)
		if err != nil {
			return snap, created, cerrors.Wrap(err, cerrors.ErrApply, "add repository")
		}
		// The database refresh is an external command and honours the
		// task deadline.
		if err := pm.AddRepository(ctx, target, res.Repository); err != nil {
			return snap, created, cerrors.Wrapf(err, cerrors.ErrApply, "add repository %s", res.Repository.Name)
		}
		return snap, created, nil
	}

	current := ""
	if !created {
		data, err := filesystem.ReadFile(target)
		if err != nil {
			return snap, false, cerrors.Wrapf(err, cerrors.ErrApply, "read %s", target)
		}
		current = string(data)
	}

	desired, err := oracle.Desired(current, res)
	if err != nil {
		return snap, created, cerrors.Wrap(err, cerrors.ErrApply, "render content")
	}

	perm := resource.DefaultFileMode
	if fi != nil {
		perm = fi.Mode().Perm()
	}
	if mode, ok, _ := res.FileMode(); ok {
		perm = mode
	}

	if created {
		if err := filesystem.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, created, cerrors.Wrapf(err, cerrors.ErrApply, "create parent of %s", target)
		}
	}
	if err := filesystem.WriteFile(target, []byte(desired), perm); err != nil {
		return snap, created, cerrors.Wrapf(err, cerrors.ErrApply, "write %s", target)
	}
	return snap, created, nil
}

func (r *Reconciler) applyCommand(ctx context.Context, res resource.Resource) error {
	switch res.Kind {
	case resource.KindInstalledPackage:
		pm, err := r.Oracle.PackageManagerFor(res)
		if err != nil {
			return cerrors.Wrap(err, cerrors.ErrApply, "install")
		}
		missing, err := r.Oracle.MissingPackages(ctx, res)
		if err != nil {
			return cerrors.Wrap(err, cerrors.ErrApply, "query packages")
		}
		if err := pm.Install(ctx, missing); err != nil {
			return cerrors.Wrapf(err, cerrors.ErrApply, "install %v", missing)
		}
		return nil
	case resource.KindEnabledService:
		if r.Oracle.Services == nil {
			return cerrors.New(cerrors.ErrApply, "no service manager configured")
		}
		if err := r.Oracle.Services.Enable(ctx, res.Unit, res.UserScope, res.Now); err != nil {
			return cerrors.Wrapf(err, cerrors.ErrApply, "enable %s", res.Unit)
		}
		return nil
	default:
		return cerrors.Newf(cerrors.ErrInternal, "no action for kind %q", res.Kind)
	}
}

// Plan evaluates res without changing anything and returns the pending diff.
func (r *Reconciler) Plan(ctx context.Context, res resource.Resource) (bool, string, error) {
	ok, err := r.Oracle.IsSatisfied(ctx, res)
	if err != nil || ok {
		return false, "", err
	}
	diff, err := r.Oracle.Diff(ctx, res)
	if err != nil {
		return true, "[diff unavailable: " + err.Error() + "]", nil
	}
	return true, diff, nil
}

// Revert undoes an applied outcome: the snapshot is restored, or a file the
// apply created is removed. Package and service resources cannot be reverted.
func (r *Reconciler) Revert(ctx context.Context, res resource.Resource, out Outcome) error {
	if out.Status != StatusApplied || !res.NeedsSnapshot() {
		return cerrors.Newf(cerrors.ErrNotFound, "%s has nothing to revert", res.Name())
	}
	step := context.WithoutCancel(ctx)
	switch {
	case out.Snapshot != nil:
		return r.Store.Restore(step, *out.Snapshot)
	case out.Created:
		if err := r.Oracle.FS.Remove(res.Target()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cerrors.Wrapf(err, cerrors.ErrApply, "remove %s", res.Target())
		}
		return nil
	default:
		return cerrors.Newf(cerrors.ErrNotFound, "no snapshot of %s to restore", res.Target())
	}
}
