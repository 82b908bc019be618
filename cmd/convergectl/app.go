package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"peertech.de/converge/pkg/backup"
	"peertech.de/converge/pkg/config"
	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/fsys"
	"peertech.de/converge/pkg/history"
	"peertech.de/converge/pkg/logging"
	"peertech.de/converge/pkg/manifest"
	"peertech.de/converge/pkg/metrics"
	"peertech.de/converge/pkg/oracle"
	"peertech.de/converge/pkg/orchestrator"
	"peertech.de/converge/pkg/reconcile"
	"peertech.de/converge/pkg/report"
	"peertech.de/converge/pkg/resource"
	"peertech.de/converge/pkg/runenv"
	"peertech.de/converge/pkg/system"
)

// app holds the command-line state shared by all subcommands. setup fills
// the runtime fields once flags are parsed.
type app struct {
	configFile  string
	verbosity   int
	logFile     string
	concurrency int
	reporter    string

	cfg      *config.Config
	env      runenv.Env
	runner   *system.ExecRunner
	elevator *system.Deferred
	fs       *fsys.OS
	logger   zerolog.Logger
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	logging.Setup(a.verbosity, a.logFile)
	a.logger = logging.GetLogger("convergectl")

	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Concurrency = a.concurrency
	}
	if flags.Changed("reporter") {
		cfg.Reporter = a.reporter
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	env, err := runenv.Current()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrPrecondition, "cannot determine the invoking user")
	}
	if cfg.Home != "" {
		env.Home = cfg.Home
	}
	if cfg.User != "" {
		env.User = cfg.User
	}
	if cfg.EnvFile != "" {
		if err := env.LoadFile(env.Expand(cfg.EnvFile)); err != nil {
			return cerrors.Wrap(err, cerrors.ErrConfig, "env_file")
		}
	}
	a.env = env

	a.runner = &system.ExecRunner{
		Env:    env.ChildEnv(),
		Logger: logging.GetLogger("exec"),
	}
	a.elevator = &system.Deferred{
		Runner: a.runner,
		Options: system.ElevationOptions{
			Command:     cfg.Elevation.Command,
			Interactive: cfg.Elevation.Interactive,
		},
	}
	a.fs = fsys.NewOS(a.elevator, logging.GetLogger("fsys"))

	a.logger.Debug().
		Str("home", env.Home).
		Str("user", env.User).
		Int("concurrency", cfg.Concurrency).
		Dur("timeout", cfg.Timeout).
		Bool("backup", cfg.Backup.Enabled).
		Msg("Configuration loaded")
	return nil
}

func (a *app) store() *backup.Store {
	return backup.NewStore(a.fs,
		backup.WithDisabled(!a.cfg.Backup.Enabled),
		backup.WithKeep(a.cfg.Backup.Keep),
		backup.WithLogger(logging.GetLogger("backup")),
	)
}

func (a *app) historyStore() *history.Store {
	return history.New(a.fs, a.cfg.HistoryDir())
}

// reconciler wires the capabilities the oracle and reconciler act through.
func (a *app) reconciler() (*reconcile.Reconciler, error) {
	pkgs := &system.Pacman{Runner: a.runner, Elevator: a.elevator, FS: a.fs}

	var aur system.PackageManager
	if a.cfg.Packages.AURHelper != "" {
		argv, err := system.Split(a.cfg.Packages.AURHelper)
		if err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrConfig, "packages.aur_helper")
		}
		aur = &system.AURHelper{Runner: a.runner, Command: argv, Query: pkgs}
	}

	o := &oracle.Oracle{
		FS:       a.fs,
		Packages: pkgs,
		AUR:      aur,
		Services: &system.Systemctl{Runner: a.runner, Elevator: a.elevator},
	}
	return reconcile.New(o, a.store(), logging.GetLogger("reconcile")), nil
}

// newOrchestrator loads the manifest into a new orchestrator.
func (a *app) newOrchestrator(ctx context.Context, manifestFile string, options ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	rec, err := a.reconciler()
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithConcurrency(a.cfg.Concurrency),
		orchestrator.WithTimeout(a.cfg.Timeout),
		orchestrator.WithElevation(a.elevator.Acquire),
	}
	if a.cfg.RollbackOnFailure {
		opts = append(opts, orchestrator.WithRollbackOnFailure())
	}
	o := orchestrator.NewOrchestrator(rec, append(opts, options...)...)

	tasks, err := manifest.Load(ctx, a.env, manifestFile)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Resource.Kind == resource.KindRepositoryEntry && t.Resource.Path == "" {
			t.Resource.Path = a.cfg.Packages.Config
		}
		// Files outside the invoking user's home are assumed root owned.
		if target := t.Resource.Target(); target != "" && !within(a.env.Home, target) {
			t.Resource.Elevated = true
		}
		if err := o.Add(t); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// run executes the manifest once, prints the summary and records the run.
func (a *app) run(ctx context.Context, manifestFile string, planOnly bool) (*report.RunReport, error) {
	reporter, err := report.New(a.cfg.Reporter, os.Stdout)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrConfig, "reporter")
	}
	m := metrics.New()

	o, err := a.newOrchestrator(ctx, manifestFile,
		orchestrator.WithReporter(reporter),
		orchestrator.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	result := o.Run(ctx, planOnly)
	report.Summarize(os.Stdout, result, summaryColor())
	a.persist(result, m)

	switch {
	case result.Err != nil:
		return result, &reportedError{err: result.Err}
	case len(result.Failed) > 0:
		return result, &reportedError{err: errTasksFailed}
	}
	return result, nil
}

// persist saves the run report and the metrics textfile. Failures are
// logged; they never change the outcome of the run.
func (a *app) persist(result *report.RunReport, m *metrics.Metrics) {
	if err := config.ValidateStateDir(a.cfg.StateDir); err != nil {
		a.logger.Warn().Err(err).Msg("Run history not saved")
	} else if path, err := a.historyStore().Save(result); err != nil {
		a.logger.Warn().Err(err).Msg("Run history not saved")
	} else {
		a.logger.Info().Str("path", path).Msg("Run report saved")
	}

	if a.cfg.MetricsFile == "" {
		return
	}
	if err := m.WriteTextfile(a.env.Expand(a.cfg.MetricsFile)); err != nil {
		a.logger.Warn().Err(err).Str("path", a.cfg.MetricsFile).Msg("Metrics not written")
	}
}

func within(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}
