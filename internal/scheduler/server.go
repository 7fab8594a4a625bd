package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/job"
	"github.com/Ning0612/sftpsync/internal/logger"
	"github.com/Ning0612/sftpsync/internal/state"
)

// ServerScheduler runs one server's jobs: at most one at a time, no
// sooner than the cooldown after the previous one, never while paused.
type ServerScheduler struct {
	server   domain.ServerConfig
	config   Config
	runner   SyncRunner
	recorder Recorder
	clock    clockwork.Clock
	log      logger.Logger

	mu           sync.Mutex
	state        State
	nextEligible time.Time
	pausedUntil  time.Time
	forced       bool
	runCancel    context.CancelFunc
	started      bool
	stopped      bool

	wake        chan struct{}
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}

	stats struct {
		lastRunTime    time.Time
		totalRuns      int
		successfulRuns int
		failedRuns     int
		cancelledRuns  int
		lastError      string
		lastResult     job.Result
	}
}

// NewServerScheduler creates a scheduler for server. recorder may be nil.
func NewServerScheduler(server domain.ServerConfig, config Config, runner SyncRunner, recorder Recorder) (*ServerScheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("sync runner cannot be nil")
	}
	server = server.WithDefaults()
	if err := server.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	return &ServerScheduler{
		server:      server,
		config:      config,
		runner:      runner,
		recorder:    recorder,
		clock:       config.Clock,
		log:         logger.With("server", server.Alias),
		wake:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}, nil
}

// Server returns the configuration the scheduler runs
func (s *ServerScheduler) Server() domain.ServerConfig {
	return s.server
}

// Start begins the scheduling loop. The first run is due immediately.
func (s *ServerScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler is already running")
	}
	if s.stopped {
		return fmt.Errorf("scheduler cannot be restarted after stop")
	}

	s.started = true
	s.nextEligible = s.clock.Now()
	go s.loop(ctx)
	return nil
}

func (s *ServerScheduler) loop(ctx context.Context) {
	defer close(s.stoppedChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		s.tick(ctx)

		d := s.sleepDuration()
		if d <= 0 {
			continue
		}
		timer := s.clock.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopChan:
			timer.Stop()
			return
		case <-s.wake:
		case <-timer.Chan():
		}
		timer.Stop()
	}
}

// sleepDuration waits until the next run or pause expiry, capped by
// the poll interval.
func (s *ServerScheduler) sleepDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	due := s.nextEligible
	if s.state == StatePaused {
		if s.pausedUntil.IsZero() {
			return s.config.PollInterval
		}
		due = s.pausedUntil
	}

	d := due.Sub(now)
	if d > s.config.PollInterval {
		d = s.config.PollInterval
	}
	if d < 0 {
		d = 0
	}
	return d
}

// tick starts a run when one is due and blocks until it finished
func (s *ServerScheduler) tick(ctx context.Context) {
	s.mu.Lock()
	now := s.clock.Now()
	if s.state == StatePaused {
		if s.pausedUntil.IsZero() || now.Before(s.pausedUntil) {
			s.mu.Unlock()
			return
		}
		s.state = StateIdle
		s.pausedUntil = time.Time{}
		s.log.Info("Pause expired")
	}
	if s.state != StateIdle || now.Before(s.nextEligible) {
		s.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.state = StateRunning
	s.runCancel = cancel
	s.forced = false
	s.stats.lastRunTime = now
	s.stats.totalRuns++
	s.mu.Unlock()

	result, err := s.execute(runCtx)
	cancel()

	s.finish(now, result, err)
}

// execute shields the loop from a panicking runner
func (s *ServerScheduler) execute(ctx context.Context) (result job.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync run panicked: %v", r)
		}
	}()
	return s.runner.RunSync(ctx, s.server)
}

func (s *ServerScheduler) finish(started time.Time, result job.Result, err error) {
	cancelled := err != nil && domain.IsCancelled(err)

	s.mu.Lock()
	finished := s.clock.Now()
	s.runCancel = nil
	if s.state == StateRunning {
		s.state = StateIdle
	}

	switch {
	case s.forced || cancelled:
		// An interrupted run, or one overtaken by a recheck request, is due again at once
		s.nextEligible = finished
	default:
		s.nextEligible = finished.Add(time.Duration(s.server.RecheckMinutes) * time.Minute)
	}
	s.forced = false

	s.stats.lastResult = result
	switch {
	case err == nil:
		s.stats.successfulRuns++
		s.stats.lastError = ""
	case cancelled:
		s.stats.cancelledRuns++
	default:
		s.stats.failedRuns++
		s.stats.lastError = err.Error()
	}
	next := s.nextEligible
	s.mu.Unlock()

	switch {
	case err == nil:
		s.log.Info("Run completed", "next_run", next.Format(time.RFC3339))
	case cancelled:
		s.log.Info("Run interrupted")
	default:
		s.log.Error("Run failed", "error", err, "next_run", next.Format(time.RFC3339))
	}

	s.record(started, finished, result, err)
}

func (s *ServerScheduler) record(started, finished time.Time, result job.Result, err error) {
	if s.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.recorder.SaveRun(ctx, NewRunRecord(s.server, started, finished, result, err)); err != nil {
		s.log.Warn("Failed to record run", "error", err)
	}
}

// NewRunRecord builds the history entry of one finished run
func NewRunRecord(server domain.ServerConfig, started, finished time.Time, result job.Result, err error) state.RunRecord {
	rec := state.RunRecord{
		Server:     server.Alias,
		Direction:  server.Direction.String(),
		StartTime:  started,
		EndTime:    finished,
		Status:     state.StatusSuccess,
		Downloaded: result.Downloaded,
		Uploaded:   result.Uploaded,
		Deleted:    result.Deleted,
		Failed:     result.Failed,
		Bytes:      result.Bytes,
	}
	if err != nil {
		rec.Error = err.Error()
		rec.Status = state.StatusFailed
		if domain.IsCancelled(err) {
			rec.Status = state.StatusCancelled
		}
	}
	return rec
}

// Pause interrupts an active run and holds off new ones for d, or until
// Resume when d <= 0.
func (s *ServerScheduler) Pause(d time.Duration) {
	s.mu.Lock()
	s.state = StatePaused
	if d > 0 {
		s.pausedUntil = s.clock.Now().Add(d)
	} else {
		s.pausedUntil = time.Time{}
	}
	cancel := s.runCancel
	s.mu.Unlock()

	if cancel != nil {
		s.log.Info("Pausing, interrupting active run")
		cancel()
	}
	s.signal()
}

// Resume ends a pause
func (s *ServerScheduler) Resume() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.pausedUntil = time.Time{}
	s.mu.Unlock()

	s.signal()
}

// ForceRecheck makes the next run due now. During a run the request is
// remembered and the server is checked again right after it finished.
// A paused scheduler stays paused.
func (s *ServerScheduler) ForceRecheck() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.forced = true
	} else {
		s.nextEligible = s.clock.Now()
	}
	s.mu.Unlock()

	s.signal()
}

func (s *ServerScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop ends the loop, interrupting an active run, and waits for it
func (s *ServerScheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.stopped = true
	cancel := s.runCancel
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	if cancel != nil {
		cancel()
	}

	<-s.stoppedChan
	return nil
}

// Done is closed once the loop exited
func (s *ServerScheduler) Done() <-chan struct{} {
	return s.stoppedChan
}

// Status returns the current scheduler status
func (s *ServerScheduler) Status() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &Status{
		Alias:          s.server.Alias,
		State:          s.state,
		LastRunTime:    s.stats.lastRunTime,
		NextRunTime:    s.nextEligible,
		PausedUntil:    s.pausedUntil,
		TotalRuns:      s.stats.totalRuns,
		SuccessfulRuns: s.stats.successfulRuns,
		FailedRuns:     s.stats.failedRuns,
		CancelledRuns:  s.stats.cancelledRuns,
		LastError:      s.stats.lastError,
		LastResult:     s.stats.lastResult,
	}
}
