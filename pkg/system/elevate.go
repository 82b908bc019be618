package system

import (
	"context"
	"fmt"
	"os"
	"sync"

	cerrors "peertech.de/converge/pkg/errors"
)

// Elevator runs commands with root privileges.
type Elevator interface {
	RunElevated(ctx context.Context, argv ...string) (*Result, error)
}

// ElevationOptions controls how Acquire obtains privileges.
type ElevationOptions struct {
	// Command is prefixed to every elevated command, e.g. "sudo" or "doas".
	Command string

	// Interactive allows a password prompt on the controlling terminal when
	// no cached credentials exist.
	Interactive bool

	// Euid reports the effective user id. Defaults to os.Geteuid.
	Euid func() int
}

// Elevation is the privilege handle of a run. It is acquired once with
// Acquire and never changes afterwards, so it can be shared by all tasks.
type Elevation struct {
	runner Runner
	prefix []string
	root   bool
}

// Acquire verifies that elevated commands can be run and returns the handle
// for the rest of the run. A failure is a precondition error.
func Acquire(ctx context.Context, runner Runner, opts ElevationOptions) (*Elevation, error) {
	euid := opts.Euid
	if euid == nil {
		euid = os.Geteuid
	}
	if euid() == 0 {
		return &Elevation{runner: runner, root: true}, nil
	}

	command := opts.Command
	if command == "" {
		command = "sudo"
	}
	prefix, err := Split(command)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrPrecondition, "invalid elevation command")
	}

	nonInteractive := append(append([]string{}, prefix...), "-n", "true")
	res, err := runner.Run(ctx, nonInteractive...)
	if err == nil && res.ExitCode == 0 {
		return &Elevation{runner: runner, prefix: prefix}, nil
	}

	if opts.Interactive {
		validate := append(append([]string{}, prefix...), "-v")
		res, err = runner.Run(ctx, validate...)
		if err == nil && res.ExitCode == 0 {
			return &Elevation{runner: runner, prefix: prefix}, nil
		}
	}

	if err == nil {
		err = Check(nonInteractive, res)
	}
	return nil, cerrors.Wrapf(err, cerrors.ErrPrecondition,
		"privilege elevation via %q unavailable", command)
}

// IsRoot reports whether the process already runs as root.
func (e *Elevation) IsRoot() bool {
	return e.root
}

func (e *Elevation) RunElevated(ctx context.Context, argv ...string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	full := append(append([]string{}, e.prefix...), argv...)
	res, err := e.runner.Run(ctx, full...)
	if err != nil {
		return nil, err
	}
	return res, Check(full, res)
}

// Deferred is an Elevator usable before privileges are acquired. Acquire
// obtains the handle once; commands run before that fail with a precondition
// error.
type Deferred struct {
	Runner  Runner
	Options ElevationOptions

	mu     sync.Mutex
	handle *Elevation
}

// Acquire obtains the handle on the first call and is a no-op afterwards. A
// failed attempt may be retried.
func (d *Deferred) Acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		return nil
	}
	h, err := Acquire(ctx, d.Runner, d.Options)
	if err != nil {
		return err
	}
	d.handle = h
	return nil
}

func (d *Deferred) RunElevated(ctx context.Context, argv ...string) (*Result, error) {
	d.mu.Lock()
	h := d.handle
	d.mu.Unlock()
	if h == nil {
		return nil, cerrors.New(cerrors.ErrPrecondition, "privileges have not been acquired")
	}
	return h.RunElevated(ctx, argv...)
}
