package system

import (
	"context"
	"fmt"
	"strings"
)

// ServiceManager reports and changes whether service units start at boot.
type ServiceManager interface {
	IsEnabled(ctx context.Context, unit string, user bool) (bool, error)
	Enable(ctx context.Context, unit string, user, now bool) error
}

// Systemctl drives systemctl. System units are enabled through the elevator,
// user units (--user) run as the invoking user.
type Systemctl struct {
	Runner   Runner
	Elevator Elevator
}

// IsEnabled reports whether unit is enabled to start at boot. Only the
// "enabled" state counts; is-enabled also exits 0 for static, indirect,
// generated and alias units, and enabled-runtime does not survive a reboot.
func (s *Systemctl) IsEnabled(ctx context.Context, unit string, user bool) (bool, error) {
	argv := systemctl(user, "is-enabled", unit)
	res, err := s.Runner.Run(ctx, argv...)
	if err != nil {
		return false, err
	}
	state, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	return strings.TrimSpace(state) == "enabled", nil
}

func (s *Systemctl) Enable(ctx context.Context, unit string, user, now bool) error {
	args := []string{"enable"}
	if now {
		args = append(args, "--now")
	}
	argv := systemctl(user, append(args, unit)...)

	if user {
		res, err := s.Runner.Run(ctx, argv...)
		if err != nil {
			return err
		}
		return Check(argv, res)
	}

	if s.Elevator == nil {
		return fmt.Errorf("enabling system unit %q requires privilege elevation", unit)
	}
	_, err := s.Elevator.RunElevated(ctx, argv...)
	return err
}

func systemctl(user bool, args ...string) []string {
	argv := []string{"systemctl"}
	if user {
		argv = append(argv, "--user")
	}
	return append(argv, args...)
}
