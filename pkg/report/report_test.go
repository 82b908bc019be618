package report

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peertech.de/converge/pkg/backup"
	"peertech.de/converge/pkg/reconcile"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer

	r, err := New("auto", &buf)
	require.NoError(t, err)
	assert.IsType(t, &PlainReporter{}, r, "a buffer is not a terminal")

	r, err = New("emoji", &buf)
	require.NoError(t, err)
	assert.IsType(t, &EmojiReporter{}, r)

	r, err = New("none", &buf)
	require.NoError(t, err)
	assert.IsType(t, NilReporter{}, r)

	_, err = New("json", &buf)
	assert.Error(t, err)
}

func TestPlainReporterLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainReporter(&buf)

	r.Skipped("install-tool", "installed-package:gopls", "dependency failed")
	r.Fail("install-runtime", "installed-package:go", errors.New("exit status 1"))

	out := buf.String()
	assert.Contains(t, out, "Skipped (dependency failed): installed-package:gopls (install-tool)")
	assert.Contains(t, out, "Failed: installed-package:go (install-runtime): exit status 1")
}

func TestReporterConcurrentLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewEmojiReporter(&buf)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Diff("t", "file-content:/x", strings.Repeat("+ line\n", i%3+1))
		}()
	}
	wg.Wait()

	// every message starts with a timestamp, continuation lines with "+"
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.True(t, strings.HasPrefix(line, "+ ") || strings.Contains(line, "Diff for"), line)
	}
}

func newReport() *RunReport {
	r := NewRunReport("2b1e4a9c-0000-4000-8000-000000000001", false)
	snap := &backup.Snapshot{Source: "/home/u/.bashrc", Path: "/home/u/.bashrc.bak.20261019-120000"}

	r.Track(&Attempt{ID: "bashrc", Name: "file-content:/home/u/.bashrc"})
	r.Track(&Attempt{ID: "widget", Name: "file-content:/home/u/.config/widget/config"})
	r.Track(&Attempt{ID: "install-runtime", Name: "installed-package:go"})
	r.Track(&Attempt{ID: "install-tool", Name: "installed-package:gopls"})

	r.Update("bashrc", func(a *Attempt) {
		a.State, a.Outcome, a.Snapshot = StateSucceeded, reconcile.StatusApplied, snap
	})
	r.Update("widget", func(a *Attempt) {
		a.State, a.Outcome, a.Reason = StateSucceeded, reconcile.StatusSkipped, reconcile.ReasonSatisfied
	})
	r.Update("install-runtime", func(a *Attempt) {
		a.State, a.Outcome, a.Reason = StateFailed, reconcile.StatusFailed, "apply failed: exit status 1"
		a.Blocks = []string{"install-tool"}
	})
	r.Update("install-tool", func(a *Attempt) {
		a.State, a.Reason, a.Wave = StateSkipped, reconcile.ReasonDependencyFailed, 1
	})
	r.Finalize()
	return r
}

func TestFinalize(t *testing.T) {
	r := newReport()

	assert.Equal(t, []string{"bashrc"}, r.Applied)
	assert.Equal(t, []string{"widget"}, r.Unchanged)
	assert.Equal(t, []string{"install-tool"}, r.Skipped)
	assert.Equal(t, []string{"install-runtime"}, r.Failed)
	require.Len(t, r.Snapshots, 1)
	assert.False(t, r.Success())

	a, ok := r.Get("install-tool")
	require.True(t, ok)
	assert.True(t, a.State.Terminal())
}

func TestAbort(t *testing.T) {
	r := NewRunReport("id", false)
	r.Abort(errors.New("[CONFIG] circular dependency found: a -> b -> a"))
	r.Finalize()

	assert.False(t, r.Success())

	var buf bytes.Buffer
	Summarize(&buf, r, false)
	assert.Contains(t, buf.String(), "aborted: [CONFIG] circular dependency found")
}

func TestSummarize(t *testing.T) {
	var buf bytes.Buffer
	Summarize(&buf, newReport(), false)
	out := buf.String()

	assert.Contains(t, out, "1 applied  1 unchanged  1 skipped  1 failed")
	assert.Contains(t, out, "skipped installed-package:gopls (install-tool): dependency failed")
	assert.Contains(t, out, "failed  installed-package:go (install-runtime): apply failed")
	assert.Contains(t, out, "(blocks install-tool)")
	assert.Contains(t, out, "/home/u/.bashrc.bak.20261019-120000 <- /home/u/.bashrc")
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	Table(&buf, []*RunReport{newReport()})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "failed")
	assert.Contains(t, lines[1], "1 applied, 1 failed, 1 skipped")
}

func TestTabulate(t *testing.T) {
	var buf bytes.Buffer
	Tabulate(&buf, []string{"SNAPSHOT", "SIZE"}, [][]string{
		{"/home/u/.bashrc.bak.20251019-101500", "42"},
		{"/home/u/.bashrc.bak.20251019-101500.1", "7"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "SNAPSHOT")
	assert.Contains(t, lines[2], ".bak.20251019-101500.1")
	assert.Equal(t, strings.Index(lines[1], "42"), strings.Index(lines[2], "7"))
}
