package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/job"
	"github.com/Ning0612/sftpsync/internal/state"
)

// mockRunner counts runs; when block is set a run lasts until released
// or cancelled
type mockRunner struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   bool
	started chan struct{}
	release chan struct{}
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		started: make(chan struct{}, 16),
		release: make(chan struct{}, 16),
	}
}

func (m *mockRunner) RunSync(ctx context.Context, cfg domain.ServerConfig) (job.Result, error) {
	m.mu.Lock()
	m.calls++
	block, err := m.block, m.err
	m.mu.Unlock()

	m.started <- struct{}{}
	if block {
		select {
		case <-ctx.Done():
			return job.Result{}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		case <-m.release:
		}
	}
	return job.Result{Downloaded: 2, Bytes: 42}, err
}

func (m *mockRunner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockRecorder collects saved runs
type mockRecorder struct {
	mu   sync.Mutex
	runs []state.RunRecord
}

func (m *mockRecorder) SaveRun(ctx context.Context, record state.RunRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, record)
	return int64(len(m.runs)), nil
}

func (m *mockRecorder) Runs() []state.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]state.RunRecord(nil), m.runs...)
}

func testServer() domain.ServerConfig {
	return domain.ServerConfig{
		Alias:          "nas",
		Host:           "nas.local",
		Username:       "sync",
		RemoteDir:      "/data",
		LocalDir:       "/tmp/nas",
		RecheckMinutes: 15,
	}
}

func startScheduler(t *testing.T, runner SyncRunner, recorder Recorder) (*ServerScheduler, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	s, err := NewServerScheduler(testServer(), Config{PollInterval: time.Minute, Clock: clock}, runner, recorder)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start scheduler: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, clock
}

func waitStarted(t *testing.T, m *mockRunner) {
	t.Helper()
	select {
	case <-m.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a run to start")
	}
}

// sleeping waits until the loop sits on its timer
func sleeping(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("Scheduler loop never went to sleep: %v", err)
	}
}

func advanceMinutes(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		sleeping(t, clock)
		clock.Advance(time.Minute)
	}
}

func TestNewServerScheduler_NilRunner(t *testing.T) {
	_, err := NewServerScheduler(testServer(), Config{}, nil, nil)
	if err == nil {
		t.Error("Expected error for nil runner, got nil")
	}
}

func TestNewServerScheduler_InvalidServer(t *testing.T) {
	server := testServer()
	server.Host = ""

	_, err := NewServerScheduler(server, Config{}, newMockRunner(), nil)
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("Expected ErrConfigInvalid, got %v", err)
	}
}

func TestServerScheduler_RunsImmediatelyThenAfterCooldown(t *testing.T) {
	runner := newMockRunner()
	s, clock := startScheduler(t, runner, nil)

	waitStarted(t, runner)

	advanceMinutes(t, clock, 14)
	sleeping(t, clock)
	if calls := runner.Calls(); calls != 1 {
		t.Fatalf("Expected 1 run before cooldown elapsed, got %d", calls)
	}

	advanceMinutes(t, clock, 1)
	waitStarted(t, runner)

	sleeping(t, clock)
	status := s.Status()
	if status.TotalRuns != 2 || status.SuccessfulRuns != 2 {
		t.Errorf("Expected 2 successful runs, got %+v", status)
	}
	if status.State != StateIdle {
		t.Errorf("Expected idle state, got %s", status.State)
	}
	if want := clock.Now().Add(15 * time.Minute); !status.NextRunTime.Equal(want) {
		t.Errorf("Expected next run at %v, got %v", want, status.NextRunTime)
	}
}

func TestServerScheduler_ForceRecheckWhileIdle(t *testing.T) {
	runner := newMockRunner()
	s, clock := startScheduler(t, runner, nil)

	waitStarted(t, runner)
	sleeping(t, clock)

	s.ForceRecheck()
	waitStarted(t, runner)

	if calls := runner.Calls(); calls != 2 {
		t.Errorf("Expected 2 runs, got %d", calls)
	}
}

func TestServerScheduler_ForceRecheckDuringRunRerunsImmediately(t *testing.T) {
	runner := newMockRunner()
	runner.block = true
	s, _ := startScheduler(t, runner, nil)

	waitStarted(t, runner)
	if st := s.Status().State; st != StateRunning {
		t.Fatalf("Expected running state, got %s", st)
	}

	s.ForceRecheck()
	runner.release <- struct{}{}

	waitStarted(t, runner)
	runner.release <- struct{}{}

	if calls := runner.Calls(); calls != 2 {
		t.Errorf("Expected 2 runs, got %d", calls)
	}
}

func TestServerScheduler_PauseInterruptsRun(t *testing.T) {
	runner := newMockRunner()
	runner.block = true
	recorder := &mockRecorder{}
	s, clock := startScheduler(t, runner, recorder)

	waitStarted(t, runner)
	s.Pause(0)

	sleeping(t, clock)
	status := s.Status()
	if status.State != StatePaused {
		t.Fatalf("Expected paused state, got %s", status.State)
	}
	if status.CancelledRuns != 1 || status.FailedRuns != 0 {
		t.Errorf("Expected one cancelled run and no failures, got %+v", status)
	}
	if !status.PausedUntil.IsZero() {
		t.Errorf("Expected indefinite pause, got %v", status.PausedUntil)
	}

	runs := recorder.Runs()
	if len(runs) != 1 || runs[0].Status != state.StatusCancelled {
		t.Fatalf("Expected one cancelled record, got %+v", runs)
	}

	// Paused schedulers ignore both time and recheck requests
	s.ForceRecheck()
	advanceMinutes(t, clock, 30)
	sleeping(t, clock)
	if calls := runner.Calls(); calls != 1 {
		t.Fatalf("Expected no run while paused, got %d calls", calls)
	}

	runner.mu.Lock()
	runner.block = false
	runner.mu.Unlock()
	s.Resume()
	waitStarted(t, runner)
}

func TestServerScheduler_PauseWindowExpires(t *testing.T) {
	runner := newMockRunner()
	s, clock := startScheduler(t, runner, nil)

	waitStarted(t, runner)
	sleeping(t, clock)

	s.Pause(5 * time.Minute)
	s.ForceRecheck()

	advanceMinutes(t, clock, 4)
	sleeping(t, clock)
	if calls := runner.Calls(); calls != 1 {
		t.Fatalf("Expected no run inside the pause window, got %d calls", calls)
	}

	advanceMinutes(t, clock, 1)
	waitStarted(t, runner)
	sleeping(t, clock)

	if st := s.Status().State; st != StateIdle {
		t.Errorf("Expected idle state after pause expiry, got %s", st)
	}
}

func TestServerScheduler_FailedRunStillCoolsDown(t *testing.T) {
	runner := newMockRunner()
	runner.err = errors.New("listing failed")
	recorder := &mockRecorder{}
	s, clock := startScheduler(t, runner, recorder)

	waitStarted(t, runner)
	sleeping(t, clock)

	status := s.Status()
	if status.FailedRuns != 1 {
		t.Errorf("Expected 1 failed run, got %d", status.FailedRuns)
	}
	if status.LastError != "listing failed" {
		t.Errorf("Unexpected last error %q", status.LastError)
	}
	if want := clock.Now().Add(15 * time.Minute); !status.NextRunTime.Equal(want) {
		t.Errorf("Expected next run at %v, got %v", want, status.NextRunTime)
	}

	runs := recorder.Runs()
	if len(runs) != 1 || runs[0].Status != state.StatusFailed || runs[0].Error != "listing failed" {
		t.Errorf("Unexpected records %+v", runs)
	}

	advanceMinutes(t, clock, 15)
	waitStarted(t, runner)
}

func TestServerScheduler_RecordsSuccessfulRun(t *testing.T) {
	runner := newMockRunner()
	recorder := &mockRecorder{}
	_, clock := startScheduler(t, runner, recorder)

	waitStarted(t, runner)
	sleeping(t, clock)

	runs := recorder.Runs()
	if len(runs) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(runs))
	}
	rec := runs[0]
	if rec.Server != "nas" || rec.Direction != "clone" || rec.Status != state.StatusSuccess {
		t.Errorf("Unexpected record %+v", rec)
	}
	if rec.Downloaded != 2 || rec.Bytes != 42 {
		t.Errorf("Expected result counters in record, got %+v", rec)
	}
}

func TestServerScheduler_PanickingRunnerIsContained(t *testing.T) {
	calls := make(chan struct{}, 4)
	runner := SyncRunnerFunc(func(ctx context.Context, cfg domain.ServerConfig) (job.Result, error) {
		calls <- struct{}{}
		panic("boom")
	})
	s, clock := startScheduler(t, runner, nil)

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a run")
	}
	sleeping(t, clock)

	if status := s.Status(); status.FailedRuns != 1 {
		t.Errorf("Expected the panic to count as a failed run, got %+v", status)
	}
}

func TestServerScheduler_StopInterruptsRun(t *testing.T) {
	runner := newMockRunner()
	runner.block = true
	s, _ := startScheduler(t, runner, nil)

	waitStarted(t, runner)

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Stop")
	}

	if err := s.Start(context.Background()); err == nil {
		t.Error("Expected error restarting a stopped scheduler")
	}
}

func TestServerScheduler_StopNotStarted(t *testing.T) {
	s, err := NewServerScheduler(testServer(), Config{}, newMockRunner(), nil)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := s.Stop(); err == nil {
		t.Error("Expected error stopping a scheduler that never started")
	}
}

func TestServerScheduler_StartTwice(t *testing.T) {
	runner := newMockRunner()
	s, _ := startScheduler(t, runner, nil)

	if err := s.Start(context.Background()); err == nil {
		t.Error("Expected error starting twice")
	}
}

func TestServerScheduler_ContextCancelStopsLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, err := NewServerScheduler(testServer(), Config{Clock: clock}, newMockRunner(), nil)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Failed to start scheduler: %v", err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Loop did not exit on context cancel")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateRunning, "running"},
		{StatePaused, "paused"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewRunRecord(t *testing.T) {
	server := domain.ServerConfig{Alias: "srv", Direction: domain.DirectionMirror}
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	result := job.Result{Downloaded: 2, Deleted: 1, Bytes: 100}

	tests := []struct {
		name   string
		err    error
		status state.RunStatus
	}{
		{"success", nil, state.StatusSuccess},
		{"failed", errors.New("boom"), state.StatusFailed},
		{"cancelled", fmt.Errorf("run: %w", domain.ErrCancelled), state.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRunRecord(server, start, end, result, tt.err)
			if rec.Status != tt.status {
				t.Errorf("Status = %s, want %s", rec.Status, tt.status)
			}
			if rec.Server != "srv" || rec.Direction != "mirror" {
				t.Errorf("unexpected identity %s/%s", rec.Server, rec.Direction)
			}
			if rec.Downloaded != 2 || rec.Deleted != 1 || rec.Bytes != 100 {
				t.Errorf("counters not copied: %+v", rec)
			}
			if rec.Duration() != time.Minute {
				t.Errorf("Duration = %v", rec.Duration())
			}
			if (tt.err == nil) != (rec.Error == "") {
				t.Errorf("Error = %q for err %v", rec.Error, tt.err)
			}
		})
	}
}
