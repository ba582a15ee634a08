// cmd/blkpull/pull.go

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blkpull/blkpull/bkconfig"
	"github.com/blkpull/blkpull/pull"
	"github.com/blkpull/blkpull/store"
)

type pullOptions struct {
	ConfigPath string
}

func newPullCommand() *cobra.Command {
	opts := &pullOptions{}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "run one pull against the remote image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config.yaml (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runPull(cmd *cobra.Command, opts *pullOptions) error {
	cfg, err := bkconfig.Load(opts.ConfigPath)
	if err != nil {
		return wrapExitError(ExitCommandError, "load config", err)
	}

	result, err := pull.Run(cmd.Context(), pull.Options{
		Config:              cfg,
		TransmitterBinaries: transmitterBinaries(),
	})
	if err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			return wrapExitError(ExitCommandError, "pull", err)
		}
		return wrapExitError(ExitFailure, "pull", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "published lsn=%d size=%d\n", result.LSN, result.Size)
	return nil
}
