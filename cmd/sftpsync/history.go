package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Ning0612/sftpsync/internal/state"
)

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}

func newHistoryCmd() *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history [alias]",
		Short: "Show recent sync runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, _, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}

			alias := ""
			if len(args) == 1 {
				alias = args[0]
			}

			history, err := state.NewManager(cfg.Settings.DataDir)
			if err != nil {
				return err
			}
			defer history.Close()

			records, err := history.History(cmd.Context(), alias, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), records)
		},
	}

	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return historyCmd
}

func printHistory(out io.Writer, records []state.RunRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No runs recorded")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSERVER\tDIRECTION\tSTATUS\tDOWN\tUP\tDEL\tFAILED\tBYTES\tDURATION\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			humanize.Time(r.StartTime), r.Server, r.Direction, r.Status,
			r.Downloaded, r.Uploaded, r.Deleted, r.Failed,
			humanize.IBytes(uint64(r.Bytes)), r.Duration().Round(time.Second), r.Error)
	}
	return w.Flush()
}
