// cmd/blkpull/list.go

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blkpull/blkpull/store"
)

type listOptions struct {
	DB   string
	JSON bool
}

type consistentPointJSON struct {
	LSN       int64  `json:"lsn"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"created_at"`
}

func newListCommand() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "print every consistent point in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the backup database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print as a JSON array")

	return cmd
}

func runList(cmd *cobra.Command, opts *listOptions) error {
	s, err := store.Open(opts.DB, false, "")
	if err != nil {
		return wrapExitError(ExitCommandError, "open store", err)
	}
	defer s.Close()

	points, err := s.ListConsistentPoints()
	if err != nil {
		return wrapExitError(ExitFailure, "list consistent points", err)
	}

	if opts.JSON {
		out := make([]consistentPointJSON, len(points))
		for i, p := range points {
			out[i] = consistentPointJSON{LSN: p.LSN, Size: p.Size, CreatedAt: p.CreatedAt.Format("2006-01-02T15:04:05Z07:00")}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := cmd.OutOrStdout()
	for _, p := range points {
		fmt.Fprintf(w, "lsn=%d size=%d created_at=%s\n", p.LSN, p.Size, p.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
