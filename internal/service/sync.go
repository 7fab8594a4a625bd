package service

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Ning0612/sftpsync/internal/config"
	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/job"
	"github.com/Ning0612/sftpsync/internal/logger"
	"github.com/Ning0612/sftpsync/internal/progress"
	"github.com/Ning0612/sftpsync/internal/remote"
)

// DialerFactory builds the session dialer of a server
type DialerFactory func(cfg domain.ServerConfig) remote.DialFunc

// SSHDialer dials real SSH/SFTP sessions
func SSHDialer(cfg domain.ServerConfig) remote.DialFunc {
	return func(ctx context.Context) (remote.Session, error) {
		s, err := remote.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// SyncService runs sync jobs, never more than one per server at a time
type SyncService struct {
	dialer   DialerFactory
	registry *progress.Registry
	options  job.Options
	active   mapset.Set[string]
}

// NewSyncService creates a new sync service. dialer defaults to SSHDialer.
func NewSyncService(registry *progress.Registry, options job.Options, dialer DialerFactory) *SyncService {
	if dialer == nil {
		dialer = SSHDialer
	}
	if registry == nil {
		registry = progress.NewRegistry(nil)
	}
	return &SyncService{
		dialer:   dialer,
		registry: registry,
		options:  options,
		active:   mapset.NewSet[string](),
	}
}

// JobOptions maps daemon settings onto run options
func JobOptions(s config.Settings) job.Options {
	retry := remote.DefaultRetryConfig()
	if s.ConnectRetryDelay > 0 {
		retry.InitialDelay = s.ConnectRetryDelay
	}
	if s.ConnectRetryMaxDelay > 0 {
		retry.MaxDelay = s.ConnectRetryMaxDelay
	}
	return job.Options{
		Workers:            s.Workers,
		ShutdownGrace:      s.ShutdownGrace,
		StallChecks:        s.StallChecks,
		StallCheckInterval: s.StallCheckInterval,
		Retry:              retry,
	}
}

// RunSync executes one run for cfg. It fails with ErrSyncInProgress when
// the server already has an active run.
func (s *SyncService) RunSync(ctx context.Context, cfg domain.ServerConfig) (job.Result, error) {
	if !s.active.Add(cfg.Alias) {
		return job.Result{}, fmt.Errorf("%w: %s", domain.ErrSyncInProgress, cfg.Alias)
	}
	defer s.active.Remove(cfg.Alias)

	logger.Get().Debug("starting sync job", "server", cfg.Alias)
	return job.New(cfg, s.dialer(cfg), s.registry, s.options).Run(ctx)
}

// IsRunning reports whether alias has an active run
func (s *SyncService) IsRunning(alias string) bool {
	return s.active.Contains(alias)
}

// Registry returns the status lines of every active run
func (s *SyncService) Registry() *progress.Registry {
	return s.registry
}
