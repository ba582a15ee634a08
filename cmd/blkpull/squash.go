// cmd/blkpull/squash.go

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blkpull/blkpull/squash"
	"github.com/blkpull/blkpull/store"
)

type squashOptions struct {
	DB       string
	StartLSN int64
	EndLSN   int64
	DataLoss bool
	Vacuum   bool
}

func newSquashCommand() *cobra.Command {
	opts := &squashOptions{}

	cmd := &cobra.Command{
		Use:   "squash",
		Short: "collapse history between two consistent points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSquash(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the backup database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().Int64Var(&opts.StartLSN, "start-lsn", 0, "surviving start consistent point (required)")
	_ = cmd.MarkFlagRequired("start-lsn")
	cmd.Flags().Int64Var(&opts.EndLSN, "end-lsn", 0, "surviving end consistent point (required)")
	_ = cmd.MarkFlagRequired("end-lsn")
	cmd.Flags().BoolVar(&opts.DataLoss, "data-loss", false, "confirm permanent loss of intermediate consistent points")
	cmd.Flags().BoolVar(&opts.Vacuum, "vacuum", false, "run VACUUM after the CAS sweep")

	return cmd
}

func runSquash(cmd *cobra.Command, opts *squashOptions) error {
	s, err := store.Open(opts.DB, false, "")
	if err != nil {
		return wrapExitError(ExitCommandError, "open store", err)
	}
	defer s.Close()

	result, err := squash.Run(s, squash.Options{
		StartLSN:  opts.StartLSN,
		EndLSN:    opts.EndLSN,
		Confirmed: opts.DataLoss,
		Vacuum:    opts.Vacuum,
	})
	if err != nil {
		return wrapExitError(ExitCommandError, "squash", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "rewrote %d redo row(s), deleted %d cas row(s)\n", result.RedoRowsRewritten, result.CASRowsDeleted)
	return nil
}
