package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"peertech.de/converge/pkg/backup"
	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/report"
)

func cmdSnapshots(a *app) *cobra.Command {
	var prune int

	cmd := &cobra.Command{
		Use:   "snapshots <path>",
		Short: "List the snapshots of a file, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.env.Expand(args[0])
			store := a.store()

			if prune > 0 {
				removed, err := store.Prune(path, prune)
				for _, snap := range removed {
					fmt.Fprintf(os.Stdout, "removed %s\n", snap.Path)
				}
				if err != nil {
					return err
				}
			}

			snaps, err := store.List(path)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Fprintf(os.Stdout, "no snapshots of %s\n", path)
				return nil
			}

			rows := make([][]string, 0, len(snaps))
			for _, snap := range snaps {
				rows = append(rows, []string{
					snap.Path, snap.CreatedAt.Format(time.DateTime),
					snap.Mode.Perm().String(), strconv.FormatInt(snap.Size, 10),
				})
			}
			report.Tabulate(os.Stdout, []string{"SNAPSHOT", "CREATED", "MODE", "SIZE"}, rows)
			return nil
		},
	}

	cmd.Flags().IntVar(&prune, "prune", 0,
		"Delete all but the newest N snapshots before listing")

	return cmd
}

func cmdRestore(a *app) *cobra.Command {
	var latest bool

	cmd := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Copy a snapshot back over the file it was taken from",
		Long: `Restore atomically replaces a file with one of its snapshots. The argument
is a snapshot path as printed by 'convergectl snapshots', or with --latest the
file itself, in which case its newest snapshot is used.

The current content is snapshotted first, so a restore can be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store := a.store()
			path := a.env.Expand(args[0])

			var snap backup.Snapshot
			if latest {
				snaps, err := store.List(path)
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					return cerrors.Newf(cerrors.ErrNotFound, "no snapshots of %s", path)
				}
				snap = snaps[len(snaps)-1]
			} else {
				var err error
				if snap, err = store.Resolve(path); err != nil {
					return err
				}
			}

			// Files outside the user's reach need privileges; they are
			// only acquired when a plain attempt is refused.
			restore := func() error {
				if _, err := store.Snapshot(ctx, snap.Source); err != nil {
					return err
				}
				return store.Restore(ctx, snap)
			}
			err := restore()
			if cerrors.IsErrorCode(err, cerrors.ErrPrecondition) {
				if err := a.elevator.Acquire(ctx); err != nil {
					return err
				}
				err = restore()
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "restored %s from %s\n", snap.Source, snap.Path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&latest, "latest", false,
		"Treat the argument as the original file and restore its newest snapshot")

	return cmd
}
