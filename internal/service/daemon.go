package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Ning0612/sftpsync/internal/config"
	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/logger"
	"github.com/Ning0612/sftpsync/internal/progress"
	"github.com/Ning0612/sftpsync/internal/scheduler"
	"github.com/Ning0612/sftpsync/internal/state"
)

// Options wires the daemon's collaborators. Zero values pick defaults.
type Options struct {
	Dialer   DialerFactory
	Registry *progress.Registry
	// Recorder persists finished runs; nil disables history
	Recorder scheduler.Recorder
	Clock    clockwork.Clock
}

// DaemonService owns one scheduler per configured server and the
// control surface acting on them
type DaemonService struct {
	mu         sync.RWMutex
	ctx        context.Context
	schedulers map[string]*scheduler.ServerScheduler
	syncSvc    *SyncService
	schedCfg   scheduler.Config
	recorder   scheduler.Recorder
	clock      clockwork.Clock
	settings   config.Settings
	started    bool

	// paused applies to servers added while the daemon is paused
	paused      bool
	pausedUntil time.Time
}

// DaemonStatus represents the current daemon status
type DaemonStatus struct {
	Running bool
	Servers []scheduler.Status
	// Lines are the status lines of active traversals and transfers
	Lines         []string
	LastExecution *state.RunRecord
}

// NewDaemonService creates a daemon for every server in cfg
func NewDaemonService(cfg *config.Config, opts Options) (*DaemonService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	d := &DaemonService{
		schedulers: make(map[string]*scheduler.ServerScheduler),
		syncSvc:    NewSyncService(opts.Registry, JobOptions(cfg.Settings), opts.Dialer),
		schedCfg: scheduler.Config{
			PollInterval: cfg.Settings.PollInterval,
			Clock:        opts.Clock,
		},
		recorder: opts.Recorder,
		clock:    opts.Clock,
		settings: cfg.Settings,
	}

	for _, server := range cfg.Servers {
		if err := d.AddServer(server); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Start starts every server scheduler; servers added later start on add
func (d *DaemonService) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("daemon is already running")
	}
	d.ctx = ctx
	d.started = true

	for alias, s := range d.schedulers {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler for %s: %w", alias, err)
		}
	}
	logger.Get().Info("Daemon started", "servers", len(d.schedulers))
	return nil
}

// AddServer registers a new server and, on a running daemon, starts it
func (d *DaemonService) AddServer(server domain.ServerConfig) error {
	s, err := scheduler.NewServerScheduler(server, d.schedCfg, d.syncSvc, d.recorder)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.schedulers[server.Alias]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateServer, server.Alias)
	}
	return d.install(s)
}

// install registers s, inheriting a daemon-wide pause. Caller holds d.mu.
func (d *DaemonService) install(s *scheduler.ServerScheduler) error {
	if d.paused {
		if d.pausedUntil.IsZero() {
			s.Pause(0)
		} else if remaining := d.pausedUntil.Sub(d.clock.Now()); remaining > 0 {
			s.Pause(remaining)
		}
	}
	if d.started {
		if err := s.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start scheduler for %s: %w", s.Server().Alias, err)
		}
	}
	d.schedulers[s.Server().Alias] = s
	return nil
}

// RemoveServer stops and forgets a server. An active run is interrupted
// and winds down through its usual shutdown path.
func (d *DaemonService) RemoveServer(alias string) error {
	d.mu.Lock()
	s, ok := d.schedulers[alias]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, alias)
	}
	delete(d.schedulers, alias)
	started := d.started
	d.mu.Unlock()

	if started {
		if err := s.Stop(); err != nil {
			return fmt.Errorf("failed to stop scheduler for %s: %w", alias, err)
		}
	}
	logger.Get().Info("Server removed", "server", alias)
	return nil
}

// UpdateServer replaces the configuration of an existing server. The old
// scheduler is stopped before the new one starts, so runs never overlap.
func (d *DaemonService) UpdateServer(server domain.ServerConfig) error {
	s, err := scheduler.NewServerScheduler(server, d.schedCfg, d.syncSvc, d.recorder)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	old, ok := d.schedulers[server.Alias]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, server.Alias)
	}
	if d.started {
		if err := old.Stop(); err != nil {
			return fmt.Errorf("failed to stop scheduler for %s: %w", server.Alias, err)
		}
	}
	delete(d.schedulers, server.Alias)

	if err := d.install(s); err != nil {
		return err
	}
	logger.Get().Info("Server updated", "server", server.Alias)
	return nil
}

// Reload brings the server set in line with cfg, matching servers by
// alias: missing ones are removed, new ones added and changed ones
// updated. Unchanged servers keep running untouched. Settings are only
// read at startup.
func (d *DaemonService) Reload(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.Get()

	current := make(map[string]domain.ServerConfig)
	for _, s := range d.Servers() {
		current[s.Alias] = s
	}
	next := make(map[string]domain.ServerConfig, len(cfg.Servers))
	for _, s := range cfg.Servers {
		next[s.Alias] = s.WithDefaults()
	}

	before := mapset.NewThreadUnsafeSetFromMapKeys(current)
	after := mapset.NewThreadUnsafeSetFromMapKeys(next)

	var errs []error
	removed := sortedAliases(before.Difference(after))
	for _, alias := range removed {
		errs = append(errs, d.RemoveServer(alias))
	}

	var updated []string
	for _, alias := range sortedAliases(before.Intersect(after)) {
		if current[alias] == next[alias] {
			continue
		}
		updated = append(updated, alias)
		errs = append(errs, d.UpdateServer(next[alias]))
	}

	added := sortedAliases(after.Difference(before))
	for _, alias := range added {
		errs = append(errs, d.AddServer(next[alias]))
	}

	if cfg.Settings != d.settings {
		log.Warn("Changed settings take effect after a restart")
	}
	log.Info("Config reloaded", "added", added, "updated", updated, "removed", removed)
	return errors.Join(errs...)
}

func sortedAliases(set mapset.Set[string]) []string {
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

// Servers returns the configured servers sorted by alias
func (d *DaemonService) Servers() []domain.ServerConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.ServerConfig, 0, len(d.schedulers))
	for _, s := range d.schedulers {
		out = append(out, s.Server())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Pause interrupts every active run and holds off new ones for dur, or
// until Resume when dur <= 0
func (d *DaemonService) Pause(dur time.Duration) {
	d.mu.Lock()
	d.paused = true
	d.pausedUntil = time.Time{}
	if dur > 0 {
		d.pausedUntil = d.clock.Now().Add(dur)
	}
	all := d.all()
	d.mu.Unlock()

	for _, s := range all {
		s.Pause(dur)
	}
	if dur > 0 {
		logger.Get().Info("Sync paused", "duration", dur)
	} else {
		logger.Get().Info("Sync paused until resumed")
	}
}

// Resume ends a pause on every server
func (d *DaemonService) Resume() {
	d.mu.Lock()
	d.paused = false
	d.pausedUntil = time.Time{}
	all := d.all()
	d.mu.Unlock()

	for _, s := range all {
		s.Resume()
	}
	logger.Get().Info("Sync resumed")
}

// ForceRecheck makes every server due for a run now
func (d *DaemonService) ForceRecheck() {
	d.mu.RLock()
	all := d.all()
	d.mu.RUnlock()

	for _, s := range all {
		s.ForceRecheck()
	}
	logger.Get().Info("Recheck requested", "servers", len(all))
}

// ForceRecheckServer makes one server due for a run now
func (d *DaemonService) ForceRecheckServer(alias string) error {
	d.mu.RLock()
	s, ok := d.schedulers[alias]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, alias)
	}
	s.ForceRecheck()
	return nil
}

func (d *DaemonService) all() []*scheduler.ServerScheduler {
	out := make([]*scheduler.ServerScheduler, 0, len(d.schedulers))
	for _, s := range d.schedulers {
		out = append(out, s)
	}
	return out
}

// Status returns the current daemon status
func (d *DaemonService) Status() *DaemonStatus {
	d.mu.RLock()
	status := &DaemonStatus{Running: d.started}
	for _, s := range d.schedulers {
		status.Servers = append(status.Servers, *s.Status())
	}
	d.mu.RUnlock()

	sort.Slice(status.Servers, func(i, j int) bool {
		return status.Servers[i].Alias < status.Servers[j].Alias
	})
	status.Lines = d.syncSvc.Registry().Lines()

	if h, ok := d.recorder.(interface {
		History(ctx context.Context, server string, limit int) ([]state.RunRecord, error)
	}); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if history, err := h.History(ctx, "", 1); err == nil && len(history) > 0 {
			status.LastExecution = &history[0]
		}
	}
	return status
}

// Stop stops every scheduler in parallel, waiting for active runs to wind down
func (d *DaemonService) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.started = false
	all := d.all()
	d.mu.Unlock()

	var g errgroup.Group
	for _, s := range all {
		g.Go(s.Stop)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	logger.Get().Info("Daemon stopped")
	return nil
}
