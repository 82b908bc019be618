package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"peertech.de/converge/pkg/metrics"
	"peertech.de/converge/pkg/report"
)

type Option = func(*Options)

type Options struct {
	Reporter    report.Reporter
	Logger      zerolog.Logger
	Concurrency int
	Timeout     time.Duration

	// Elevate acquires the privilege handle. It is called at most once per
	// run, before any task starts, and only if some task needs elevation.
	Elevate func(ctx context.Context) error

	RollbackOnFailure bool
	Metrics           *metrics.Metrics
	RunID             func() string
}

func WithReporter(r report.Reporter) Option {
	return func(o *Options) {
		o.Reporter = r
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithConcurrency caps the number of tasks running at once. Zero or less
// lets every task of a wave run at once.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		o.Concurrency = n
	}
}

// WithTimeout sets the timeout of tasks that do not carry their own.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

func WithElevation(acquire func(ctx context.Context) error) Option {
	return func(o *Options) {
		o.Elevate = acquire
	}
}

// WithRollbackOnFailure restores the snapshots of applied file resources in
// reverse order when any task fails.
func WithRollbackOnFailure() Option {
	return func(o *Options) {
		o.RollbackOnFailure = true
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

func WithRunID(fn func() string) Option {
	return func(o *Options) {
		o.RunID = fn
	}
}
