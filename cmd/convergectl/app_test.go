package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	cerrors "peertech.de/converge/pkg/errors"
)

func TestWithin(t *testing.T) {
	tests := []struct {
		dir, path string
		want      bool
	}{
		{"/home/u", "/home/u/.xinitrc", true},
		{"/home/u", "/home/u/.config/widget/config", true},
		{"/home/u", "/home/user2/.xinitrc", false},
		{"/home/u", "/etc/pacman.conf", false},
		{"/home/u", "/home/u/../u2/file", false},
		{"", "/home/u/.xinitrc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, within(tt.dir, tt.path), tt.path)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitFailure, exitCode(&reportedError{err: errTasksFailed}))
	assert.Equal(t, exitConfig, exitCode(cerrors.New(cerrors.ErrConfig, "cycle")))
	assert.Equal(t, exitConfig, exitCode(&reportedError{err: cerrors.New(cerrors.ErrPrecondition, "no sudo")}))
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("load: %w", cerrors.New(cerrors.ErrConfig, "bad manifest"))))
}

func TestPrettifyError(t *testing.T) {
	root := errors.New("permission denied")
	err := cerrors.Wrap(fmt.Errorf("open /etc/pacman.conf: %w", root), cerrors.ErrApply, "apply failed")

	assert.Equal(t,
		"[APPLY] apply failed: open /etc/pacman.conf: permission denied\n- permission denied",
		prettifyError(err))
	assert.Equal(t, "boom", prettifyError(errors.New("boom")))
}
