package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Reporter receives live progress of a run. Tasks run concurrently, so
// implementations must be safe for concurrent use.
type Reporter interface {
	// Info logs general informational messages to the user
	Info(msg string)

	// Warn logs warnings about misconfiguration or recoverable issues.
	Warn(msg string)

	// Error logs non-fatal errors
	Error(msg string)

	// Wave reports the start of a wave of concurrently runnable tasks
	Wave(n int, ids []string)

	// Evaluate reports the start of resource evaluation
	Evaluate(id, name string)

	// NoChanges reports a resource that doesn't need changes after evaluation
	NoChanges(id, name string)

	// Skipped reports a task that was never attempted
	Skipped(id, name, reason string)

	// Diff reports that a resource has differences
	Diff(id, name, diff string)

	// Apply reports the start of a resource apply
	Apply(id, name string)

	// Backuped reports the snapshot taken before a resource was overwritten
	Backuped(id, name, snapshot string)

	// Rollback reports the start of a rollback for a resource
	Rollback(id, name string)

	// Success reports successful application
	Success(id, name string)

	// Fail reports a failure
	Fail(id, name string, err error)
}

// New returns the reporter named by kind ("emoji", "plain", "none" or "auto")
// writing to w. auto picks emoji on a terminal and plain otherwise.
func New(kind string, w io.Writer) (Reporter, error) {
	switch kind {
	case "", "auto":
		if IsTerminal(w) {
			return NewEmojiReporter(w), nil
		}
		return NewPlainReporter(w), nil
	case "emoji":
		return NewEmojiReporter(w), nil
	case "plain":
		return NewPlainReporter(w), nil
	case "none":
		return NilReporter{}, nil
	default:
		return nil, fmt.Errorf("unknown reporter %q", kind)
	}
}

// IsTerminal reports whether w is an interactive terminal without NO_COLOR.
func IsTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func timestamp() string {
	return time.Now().Format(time.TimeOnly)
}

func display(id, name string) string {
	if id != "" && id != name {
		return fmt.Sprintf("%s (%s)", name, id)
	}
	return name
}

// printer serializes whole lines so output of concurrent tasks never
// interleaves.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s "+format+"\n", append([]any{timestamp()}, args...)...)
}

type EmojiReporter struct {
	p *printer
}

func NewEmojiReporter(w io.Writer) *EmojiReporter {
	return &EmojiReporter{p: &printer{w: w}}
}

func (r *EmojiReporter) Info(msg string) {
	r.p.printf("📢 %s", msg)
}

func (r *EmojiReporter) Warn(msg string) {
	r.p.printf("⚠️  %s", msg)
}

func (r *EmojiReporter) Error(msg string) {
	r.p.printf("❌ %s", msg)
}

func (r *EmojiReporter) Wave(n int, ids []string) {
	r.p.printf("🌊 Wave %d: %s", n, strings.Join(ids, ", "))
}

func (r *EmojiReporter) Evaluate(id, name string) {
	r.p.printf("🔍 Evaluating: %s", display(id, name))
}

func (r *EmojiReporter) NoChanges(id, name string) {
	r.p.printf("✨ No changes needed: %s", display(id, name))
}

func (r *EmojiReporter) Skipped(id, name, reason string) {
	r.p.printf("⏭️ Skipped (%s): %s", reason, display(id, name))
}

func (r *EmojiReporter) Diff(id, name, diff string) {
	r.p.printf("📄 Diff for %s:\n%s", display(id, name), strings.TrimRight(diff, "\n"))
}

func (r *EmojiReporter) Apply(id, name string) {
	r.p.printf("🔧 Applying: %s", display(id, name))
}

func (r *EmojiReporter) Backuped(id, name, snapshot string) {
	r.p.printf("💾 Backed up: %s to %s", display(id, name), snapshot)
}

func (r *EmojiReporter) Rollback(id, name string) {
	r.p.printf("↩️ Rolling back: %s", display(id, name))
}

func (r *EmojiReporter) Success(id, name string) {
	r.p.printf("✅ Success: %s", display(id, name))
}

func (r *EmojiReporter) Fail(id, name string, err error) {
	r.p.printf("❌ Failed: %s: %v", display(id, name), err)
}

type PlainReporter struct {
	p *printer
}

func NewPlainReporter(w io.Writer) *PlainReporter {
	return &PlainReporter{p: &printer{w: w}}
}

func (r *PlainReporter) Info(msg string) {
	r.p.printf("Info: %s", msg)
}

func (r *PlainReporter) Warn(msg string) {
	r.p.printf("Warning: %s", msg)
}

func (r *PlainReporter) Error(msg string) {
	r.p.printf("Error: %s", msg)
}

func (r *PlainReporter) Wave(n int, ids []string) {
	r.p.printf("Wave %d: %s", n, strings.Join(ids, ", "))
}

func (r *PlainReporter) Evaluate(id, name string) {
	r.p.printf("Evaluating: %s", display(id, name))
}

func (r *PlainReporter) NoChanges(id, name string) {
	r.p.printf("No changes needed: %s", display(id, name))
}

func (r *PlainReporter) Skipped(id, name, reason string) {
	r.p.printf("Skipped (%s): %s", reason, display(id, name))
}

func (r *PlainReporter) Diff(id, name, diff string) {
	r.p.printf("Diff for %s:\n%s", display(id, name), strings.TrimRight(diff, "\n"))
}

func (r *PlainReporter) Apply(id, name string) {
	r.p.printf("Applying: %s", display(id, name))
}

func (r *PlainReporter) Backuped(id, name, snapshot string) {
	r.p.printf("Backed up: %s to %s", display(id, name), snapshot)
}

func (r *PlainReporter) Rollback(id, name string) {
	r.p.printf("Rolling back: %s", display(id, name))
}

func (r *PlainReporter) Success(id, name string) {
	r.p.printf("Success: %s", display(id, name))
}

func (r *PlainReporter) Fail(id, name string, err error) {
	r.p.printf("Failed: %s: %v", display(id, name), err)
}

type NilReporter struct{}

func (r NilReporter) Info(msg string)                    {}
func (r NilReporter) Warn(msg string)                    {}
func (r NilReporter) Error(msg string)                   {}
func (r NilReporter) Wave(n int, ids []string)           {}
func (r NilReporter) Evaluate(id, name string)           {}
func (r NilReporter) NoChanges(id, name string)          {}
func (r NilReporter) Skipped(id, name, reason string)    {}
func (r NilReporter) Diff(id, name, diff string)         {}
func (r NilReporter) Apply(id, name string)              {}
func (r NilReporter) Backuped(id, name, snapshot string) {}
func (r NilReporter) Rollback(id, name string)           {}
func (r NilReporter) Success(id, name string)            {}
func (r NilReporter) Fail(id, name string, err error)    {}
