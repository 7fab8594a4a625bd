// Package scheduler decides when each server gets a sync run.
package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/job"
	"github.com/Ning0612/sftpsync/internal/state"
)

// DefaultPollInterval is how often an idle scheduler re-evaluates
const DefaultPollInterval = 60 * time.Second

// State of a server scheduler
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Status represents the current state of a scheduler
type Status struct {
	Alias       string
	State       State
	LastRunTime time.Time
	NextRunTime time.Time
	// PausedUntil is zero while paused indefinitely
	PausedUntil    time.Time
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	CancelledRuns  int
	LastError      string
	LastResult     job.Result
}

// Config contains scheduler configuration
type Config struct {
	// PollInterval bounds how long the loop sleeps between checks
	PollInterval time.Duration

	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// SyncRunner executes one run for a server
type SyncRunner interface {
	RunSync(ctx context.Context, cfg domain.ServerConfig) (job.Result, error)
}

// SyncRunnerFunc adapts a function to SyncRunner
type SyncRunnerFunc func(ctx context.Context, cfg domain.ServerConfig) (job.Result, error)

func (f SyncRunnerFunc) RunSync(ctx context.Context, cfg domain.ServerConfig) (job.Result, error) {
	return f(ctx, cfg)
}

// Recorder persists finished runs
type Recorder interface {
	SaveRun(ctx context.Context, record state.RunRecord) (int64, error)
}
