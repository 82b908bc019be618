package report

import (
	"slices"
	"sync"
	"time"

	"peertech.de/converge/pkg/backup"
	"peertech.de/converge/pkg/reconcile"
)

// State is the lifecycle position of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// Attempt stores the outcome of processing a single task.
type Attempt struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Kind     string           `json:"kind"`
	Wave     int              `json:"wave"`
	State    State            `json:"state"`
	Outcome  reconcile.Status `json:"outcome,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Error    string           `json:"error,omitempty"`
	Changes  string           `json:"changes,omitempty"`
	Snapshot *backup.Snapshot `json:"snapshot,omitempty"`
	Created  bool             `json:"created,omitempty"`

	// Blocks lists the tasks that depend, directly or not, on a failed task.
	Blocks []string `json:"blocks,omitempty"`

	RolledBack    bool   `json:"rolled_back,omitempty"`
	RollbackError string `json:"rollback_error,omitempty"`

	StartedAt time.Time     `json:"started_at,omitzero"`
	Duration  time.Duration `json:"duration"`

	Err error `json:"-"`
}

// RunReport aggregates the attempts of one run. It is created when the run
// starts and finalized when it ends. Attempts may be updated concurrently
// through Update.
type RunReport struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`
	Cancelled  bool      `json:"cancelled"`

	// Error is set when the run aborted before any task ran.
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`

	Order    []string            `json:"order"`
	Attempts map[string]*Attempt `json:"attempts"`

	Applied   []string          `json:"applied"`
	Unchanged []string          `json:"unchanged"`
	Skipped   []string          `json:"skipped"`
	Failed    []string          `json:"failed"`
	Snapshots []backup.Snapshot `json:"snapshots"`

	mu sync.Mutex
}

func NewRunReport(runID string, dryRun bool) *RunReport {
	return &RunReport{
		RunID:     runID,
		StartedAt: time.Now(),
		DryRun:    dryRun,
		Attempts:  make(map[string]*Attempt),
	}
}

// Track registers a pending attempt. Order follows registration.
func (r *RunReport) Track(a *Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.State = StatePending
	r.Order = append(r.Order, a.ID)
	r.Attempts[a.ID] = a
}

// Update applies fn to the attempt with the given id under the report lock.
func (r *RunReport) Update(id string, fn func(a *Attempt)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.Attempts[id]; ok {
		fn(a)
	}
}

// Get returns a copy of an attempt.
func (r *RunReport) Get(id string) (Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.Attempts[id]
	if !ok {
		return Attempt{}, false
	}
	return *a, true
}

// Abort records a fatal error that stopped the run before any task ran.
func (r *RunReport) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
	r.Error = err.Error()
}

// Finalize fills the summary lists and the finish time.
func (r *RunReport) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.FinishedAt = time.Now()
	r.Applied, r.Unchanged, r.Skipped, r.Failed, r.Snapshots = nil, nil, nil, nil, nil
	for _, id := range r.Order {
		a := r.Attempts[id]
		switch {
		case a.State == StateFailed:
			r.Failed = append(r.Failed, id)
		case a.State == StateSkipped:
			r.Skipped = append(r.Skipped, id)
		case a.Outcome == reconcile.StatusApplied:
			r.Applied = append(r.Applied, id)
		case a.State == StateSucceeded:
			r.Unchanged = append(r.Unchanged, id)
		}
		if a.Snapshot != nil {
			r.Snapshots = append(r.Snapshots, *a.Snapshot)
		}
	}
}

// Success reports whether the run completed without a fatal error and
// without failed tasks.
func (r *RunReport) Success() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil || r.Error != "" {
		return false
	}
	for _, a := range r.Attempts {
		if a.State == StateFailed {
			return false
		}
	}
	return true
}

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Sorted returns copies of the attempts in registration order.
func (r *RunReport) Sorted() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Attempt, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, *r.Attempts[id])
	}
	slices.SortStableFunc(out, func(a, b Attempt) int {
		return a.Wave - b.Wave
	})
	return out
}
