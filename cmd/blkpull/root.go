// cmd/blkpull/root.go

package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blkpull/blkpull/util"
)

// rootOptions holds flags shared across every subcommand, the same shape
// as roach88-nysm's RootOptions.
type rootOptions struct {
	Verbose bool
	Debug   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "blkpull",
		Short:         "incremental, pull-style backup of a remote block device",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			l := logrus.New()
			l.SetOutput(os.Stderr)
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if opts.Debug {
				l.SetLevel(logrus.DebugLevel)
			} else if opts.Verbose {
				l.SetLevel(logrus.InfoLevel)
			} else {
				l.SetLevel(logrus.WarnLevel)
			}
			util.SetLogger(l)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "info-level logging")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debug-level logging")

	cmd.AddCommand(newPullCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newReplayCommand())
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSquashCommand())

	return cmd
}
