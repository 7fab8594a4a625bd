package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/job"
	"github.com/Ning0612/sftpsync/internal/logger"
	"github.com/Ning0612/sftpsync/internal/scheduler"
	"github.com/Ning0612/sftpsync/internal/service"
	"github.com/Ning0612/sftpsync/internal/state"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	var noHistory bool

	runCmd := &cobra.Command{
		Use:   "run [alias...]",
		Short: "Sync servers once and exit (every server when none is named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, _, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if err := initLogger(cmd, cfg.Settings.Log, false); err != nil {
				return err
			}

			servers := cfg.Servers
			if len(args) > 0 {
				servers = nil
				for _, alias := range args {
					s, err := cfg.GetServer(alias)
					if err != nil {
						return err
					}
					servers = append(servers, *s)
				}
			}
			if len(servers) == 0 {
				return fmt.Errorf("no servers configured")
			}

			var recorder scheduler.Recorder
			if !noHistory {
				history, err := state.NewManager(cfg.Settings.DataDir)
				if err != nil {
					return err
				}
				defer history.Close()
				recorder = history
			}

			svc := service.NewSyncService(nil, service.JobOptions(cfg.Settings), nil)
			return runServers(cmd.Context(), cmd.OutOrStdout(), svc, servers, recorder)
		},
	}

	runCmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the runs in the history database")
	return runCmd
}

// runServers syncs each server in turn, stopping early only on interrupt
func runServers(ctx context.Context, out io.Writer, runner scheduler.SyncRunner, servers []domain.ServerConfig, recorder scheduler.Recorder) error {
	var errs []error
	for _, server := range servers {
		started := time.Now()
		result, err := runner.RunSync(ctx, server)
		printResult(out, server, result, err)

		if recorder != nil {
			rec := scheduler.NewRunRecord(server, started, time.Now(), result, err)
			if _, rerr := recorder.SaveRun(context.WithoutCancel(ctx), rec); rerr != nil {
				logger.Get().Warn("Failed to record run", "server", server.Alias, "error", rerr)
			}
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server.Alias, err))
			if domain.IsCancelled(err) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func printResult(out io.Writer, server domain.ServerConfig, r job.Result, err error) {
	status := "ok"
	if err != nil {
		status = "failed: " + err.Error()
	}
	fmt.Fprintf(out, "%s (%s) %s\n", server.Alias, server.Direction, status)
	fmt.Fprintf(out, "  downloaded %d, uploaded %d, deleted %d, skipped %d, failed %d, %s in %s\n",
		r.Downloaded, r.Uploaded, r.Deleted, r.Skipped, r.Failed,
		humanize.IBytes(uint64(r.Bytes)), r.Finished.Sub(r.Started).Round(time.Millisecond))
}
