package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/sftpsync/internal/config"
	"github.com/Ning0612/sftpsync/internal/daemon"
)

func init() {
	recheck := newSignalCmd(actionRecheck, "Make the running daemon reload its config and recheck every server now")
	recheck.Aliases = []string{"reload"}

	rootCmd.AddCommand(
		newPauseCmd(),
		newSignalCmd(actionResume, "Resume the running daemon"),
		recheck,
		newStopCmd(),
	)
}

func newSignalCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, _, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			return signalDaemon(cmd, cfg, action)
		},
	}
}

func newPauseCmd() *cobra.Command {
	var dur time.Duration

	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause every server of the running daemon",
		Long: `Interrupt active runs and hold off new ones until "resume", or for the
given duration when --for is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if dur < 0 {
				return fmt.Errorf("--for cannot be negative, got %s", dur)
			}
			cfg, _, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}

			pid := daemon.NewPIDFile(cfg.PidFile())
			running, err := pid.IsRunning()
			if err != nil {
				return err
			}
			if !running {
				return daemon.ErrNotRunning
			}
			if err := daemon.NewPauseRequest(pid.Path()).Write(dur); err != nil {
				return err
			}
			return signalDaemon(cmd, cfg, actionPause)
		},
	}

	cmd.Flags().DurationVar(&dur, "for", 0, "resume automatically after this long (e.g. 30m, 2h)")
	return cmd
}

func signalDaemon(cmd *cobra.Command, cfg *config.Config, action string) error {
	sig, err := signalFor(action)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if err := daemon.NewPIDFile(cfg.PidFile()).Signal(sig); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to the daemon\n", action)
	return nil
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Shut down the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, _, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			if err := daemon.NewPIDFile(cfg.PidFile()).Kill(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon is shutting down")
			return nil
		},
	}
}
