package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"peertech.de/converge/pkg/report"
)

func cmdHistory(a *app) *cobra.Command {
	var (
		asJSON bool
		keep   int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or show one run in detail",
		Long: `History lists the recorded runs, newest first. Given a run id, or a unique
prefix of one, it prints that run's summary. "latest" selects the most
recent run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.historyStore()

			if keep > 0 {
				removed, err := store.Prune(keep)
				if err != nil {
					return err
				}
				a.logger.Info().Int("removed", removed).Msg("Run history pruned")
			}

			if len(args) == 0 {
				runs, err := store.List()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(runs)
				}
				report.Table(os.Stdout, runs)
				return nil
			}

			var (
				run *report.RunReport
				err error
			)
			if args[0] == "latest" {
				run, err = store.Latest()
			} else {
				run, err = store.Load(args[0])
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(run)
			}
			report.Summarize(os.Stdout, run, summaryColor())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the stored reports as JSON")
	cmd.Flags().IntVar(&keep, "keep", 0, "Delete all but the newest N runs first")

	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
