package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/Ning0612/sftpsync/internal/config"
	"github.com/Ning0612/sftpsync/internal/daemon"
	"github.com/Ning0612/sftpsync/internal/logger"
	"github.com/Ning0612/sftpsync/internal/service"
	"github.com/Ning0612/sftpsync/internal/state"
	"github.com/Ning0612/sftpsync/internal/version"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon in the foreground",
		Long: `Run one scheduler per configured server until interrupted.

Signals: SIGHUP reloads the config file and forces a recheck of every
server, SIGUSR1 pauses (for the duration left by "pause --for", if any),
SIGUSR2 resumes, SIGINT and SIGTERM shut down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, path, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if err := initLogger(cmd, cfg.Settings.Log, true); err != nil {
				return err
			}
			log := logger.Get()
			log.Info("sftpsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
			log.Info("daemon using config", "path", path, "servers", len(cfg.Servers))

			pid := daemon.NewPIDFile(cfg.PidFile())
			if err := pid.Acquire(); err != nil {
				return err
			}
			defer pid.Release()

			history, err := state.NewManager(cfg.Settings.DataDir)
			if err != nil {
				return err
			}
			defer history.Close()
			pruneHistory(cmd.Context(), history, cfg.Settings.HistoryRetention)

			svc, err := service.NewDaemonService(cfg, service.Options{Recorder: history})
			if err != nil {
				return err
			}
			ctl := &controller{
				svc:        svc,
				configPath: path,
				pause:      daemon.NewPauseRequest(pid.Path()),
			}
			return runDaemon(cmd.Context(), ctl, cfg.Settings, clockwork.NewRealClock())
		},
	}
}

// runDaemon starts the daemon and serves control signals until ctx ends
func runDaemon(ctx context.Context, ctl *controller, settings config.Settings, clock clockwork.Clock) error {
	log := logger.Get()
	svc := ctl.svc

	if err := svc.Start(ctx); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	if control := controlSignals(); len(control) > 0 {
		signal.Notify(signals, control...)
		defer signal.Stop(signals)
	}

	var statusC <-chan time.Time
	if settings.StatusInterval > 0 {
		ticker := clock.NewTicker(settings.StatusInterval)
		defer ticker.Stop()
		statusC = ticker.Chan()
	}

	log.Info("Daemon started", "pid", os.Getpid())
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			if err := svc.Stop(); err != nil {
				return err
			}
			log.Info("Bye!")
			return nil
		case sig := <-signals:
			ctl.handle(controlAction(sig))
		case <-statusC:
			logStatus(svc)
		}
	}
}

// controller applies control actions to a running daemon
type controller struct {
	svc *service.DaemonService
	// configPath is reread on recheck; empty skips the reload
	configPath string
	pause      *daemon.PauseRequest
}

func (c *controller) handle(action string) {
	log := logger.Get()
	switch action {
	case actionRecheck:
		c.reload()
		log.Info("Forcing recheck of every server")
		c.svc.ForceRecheck()
	case actionPause:
		var dur time.Duration
		if c.pause != nil {
			d, err := c.pause.Take()
			if err != nil {
				log.Warn("Ignoring pause duration", "error", err)
			}
			dur = d
		}
		log.Info("Pausing every server")
		c.svc.Pause(dur)
	case actionResume:
		log.Info("Resuming every server")
		c.svc.Resume()
	}
}

// reload applies the config file's server list. A config that fails to
// load leaves the running servers as they are.
func (c *controller) reload() {
	if c.configPath == "" {
		return
	}
	log := logger.Get()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		log.Error("Failed to reload config, keeping the current servers", "path", c.configPath, "error", err)
		return
	}
	if err := c.svc.Reload(cfg); err != nil {
		log.Error("Config reload was incomplete", "path", c.configPath, "error", err)
	}
}

func logStatus(svc *service.DaemonService) {
	log := logger.Get()
	status := svc.Status()
	for _, s := range status.Servers {
		log.Info("Server status",
			"server", s.Alias,
			"state", s.State.String(),
			"runs", s.TotalRuns,
			"failed", s.FailedRuns,
			"next_run", s.NextRunTime.Format(time.DateTime))
	}
	if len(status.Lines) > 0 {
		log.Info("Active:\n" + strings.Join(status.Lines, "\n"))
	}
}

func pruneHistory(ctx context.Context, history *state.Manager, retention time.Duration) {
	if retention <= 0 {
		return
	}
	n, err := history.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Get().Warn("Failed to prune run history", "error", err)
		return
	}
	if n > 0 {
		logger.Get().Info("Pruned run history", "removed", n)
	}
}

const (
	actionRecheck = "recheck"
	actionPause   = "pause"
	actionResume  = "resume"
)

// errUnsupported is returned by control commands on platforms without
// user signals
var errUnsupported = errors.New("not supported on this platform")
