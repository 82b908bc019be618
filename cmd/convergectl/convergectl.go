package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/report"
)

var errTasksFailed = errors.New("one or more tasks failed")

// reportedError wraps an error the run summary has already shown, so main
// only sets the exit status.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:               "convergectl",
		Short:             "Idempotent provisioning for Arch Linux workstations",
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "",
		"Path to the configuration file (default $XDG_CONFIG_HOME/converge/config.yaml)")
	flags.CountVarP(&a.verbosity, "verbose", "v",
		"Increase log verbosity (-v info, -vv debug, -vvv trace)")
	flags.StringVar(&a.logFile, "log-file", "",
		"Append logs to this file (default $XDG_STATE_HOME/converge/converge.log)")
	flags.IntVar(&a.concurrency, "concurrency", 0,
		"Maximum number of tasks running at once (0: all tasks of a wave)")
	flags.StringVar(&a.reporter, "reporter", "",
		"Progress output: auto, emoji, plain or none")

	rootCmd.AddCommand(cmdPlan(a))
	rootCmd.AddCommand(cmdApply(a))
	rootCmd.AddCommand(cmdGraph(a))
	rootCmd.AddCommand(cmdSnapshots(a))
	rootCmd.AddCommand(cmdRestore(a))
	rootCmd.AddCommand(cmdHistory(a))
	rootCmd.AddCommand(cmdVersion())

	if err := rootCmd.Execute(); err != nil {
		a.printUnreported(err)
		os.Exit(exitCode(err))
	}
}

func cmdPlan(a *app) *cobra.Command {
	var manifestFile string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview configuration changes without applying them",
		Long: `Plan evaluates the manifest against the current system state and shows
what changes would be made without actually applying them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			_, err := a.run(ctx, manifestFile, true)
			return err
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "manifest", "m", "",
		"Path to the manifest (.yaml, .yml or .star) containing resource definitions (required)")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func cmdApply(a *app) *cobra.Command {
	var (
		manifestFile string
		noBackup     bool
		rollback     bool
		watch        bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the configuration to the target system",
		Long: `Apply evaluates the manifest and makes the necessary changes to bring
the system to the desired state defined in the manifest.

Every file is snapshotted next to itself (<file>.bak.<timestamp>) before it
is overwritten. Tasks whose dependencies failed are skipped.

WARNING: This command makes actual changes to your system.
Always run 'plan' first to review changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if noBackup {
				a.cfg.Backup.Enabled = false
			}
			if rollback {
				a.cfg.RollbackOnFailure = true
			}

			_, err := a.run(ctx, manifestFile, false)
			if !watch {
				return err
			}
			a.printUnreported(err)
			return a.watch(ctx, manifestFile)
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "manifest", "m", "",
		"Path to the manifest (.yaml, .yml or .star) containing resource definitions (required)")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false,
		"Overwrite files without taking a snapshot first")
	cmd.Flags().BoolVar(&rollback, "rollback-on-failure", false,
		"Restore the snapshots of this run, newest first, if any task fails")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false,
		"Keep running and apply again whenever the manifest changes")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

// signalContext is cancelled on the first SIGINT or SIGTERM. The first
// signal lets in-flight tasks finish; a second one terminates the process.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}

const (
	exitFailure = 1
	exitConfig  = 2
)

// exitCode maps an error to the process exit status: 2 for configuration
// and precondition errors that stopped the run before any change, 1 for
// everything else.
func exitCode(err error) int {
	if cerrors.IsErrorCode(err, cerrors.ErrConfig) || cerrors.IsErrorCode(err, cerrors.ErrPrecondition) {
		return exitConfig
	}
	return exitFailure
}

// printUnreported writes err to stderr unless the run summary showed it.
func (a *app) printUnreported(err error) {
	var reported *reportedError
	if err == nil || errors.As(err, &reported) {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", prettifyError(err))
}

func prettifyError(err error) string {
	// Traverse wrapped errors and build a list
	type unwrapper interface {
		Unwrap() error
	}

	var parts []string
	current := err
	for current != nil {
		parts = append(parts, current.Error())

		if u, ok := current.(unwrapper); ok {
			current = u.Unwrap()
		} else {
			break
		}
	}

	// Return the top-level message + root cause
	if len(parts) == 1 {
		return parts[0]
	}

	return fmt.Sprintf("%s\n- %s", parts[0], parts[len(parts)-1])
}

// summaryColor reports whether the summary on stdout is styled.
func summaryColor() bool {
	return report.IsTerminal(os.Stdout)
}
