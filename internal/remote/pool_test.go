package remote

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/sftpsync/internal/domain"
)

type fakeSession struct {
	id       int
	probeErr error
	closed   atomic.Bool
}

func (f *fakeSession) Root() string { return "/srv" }
func (f *fakeSession) List(context.Context, string) ([]*Entry, error) {
	return nil, nil
}
func (f *fakeSession) Entry(context.Context, string) (*Entry, error) { return nil, nil }
func (f *fakeSession) Mkdir(context.Context, string) error           { return nil }
func (f *fakeSession) Remove(context.Context, string) error          { return nil }
func (f *fakeSession) Rename(context.Context, string, string) error  { return nil }
func (f *fakeSession) Open(context.Context, *Entry) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeSession) Upload(context.Context, string, io.Reader, int64) *Transfer { return nil }
func (f *fakeSession) Digest(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeSession) Probe(context.Context) error {
	if f.closed.Load() {
		return errors.New("closed")
	}
	return f.probeErr
}
func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	refuse   int
	err      error
	sessions []*fakeSession
}

func (d *fakeDialer) dial(ctx context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	if d.refuse > 0 {
		d.refuse--
		return nil, &domain.ConnectivityError{Addr: "nas:22", Err: syscall.ECONNREFUSED}
	}
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSession{id: len(d.sessions) + 1}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: -1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestPool_ReusesReleasedSession(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, fastRetry(), nil, nil)
	ctx := context.Background()

	s1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(s1)

	s2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, d.attempts)

	st := pool.Stats()
	assert.Equal(t, 1, st.Dialed)
	assert.Equal(t, 1, st.Reused)
	assert.Equal(t, 1, st.InUse)
	assert.Equal(t, 0, st.Idle)
}

func TestPool_ConcurrentAcquireDialsSeparateSessions(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, fastRetry(), nil, nil)
	ctx := context.Background()

	s1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	s2, err := pool.Acquire(ctx)
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, pool.Stats().InUse)
}

func TestPool_DiscardsDeadIdleSession(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, fastRetry(), nil, nil)
	ctx := context.Background()

	s1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(s1)
	s1.(*fakeSession).probeErr = errors.New("connection lost")

	s2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.True(t, s1.(*fakeSession).closed.Load(), "dead session should be closed")
	assert.Equal(t, 1, pool.Stats().Discarded)
	assert.Equal(t, 2, d.attempts)
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, fastRetry(), nil, nil)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Release(s)
	pool.Release(s)

	st := pool.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 0, st.InUse)
}

func TestPool_Discard(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, fastRetry(), nil, nil)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Discard(s)
	pool.Release(s)

	assert.True(t, s.(*fakeSession).closed.Load())
	st := pool.Stats()
	assert.Equal(t, 0, st.Idle)
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 1, st.Discarded)
}

func TestPool_ClearClosesEverything(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, fastRetry(), nil, nil)
	ctx := context.Background()

	idle, err := pool.Acquire(ctx)
	require.NoError(t, err)
	busy, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(idle)

	pool.Clear()

	assert.True(t, idle.(*fakeSession).closed.Load())
	assert.True(t, busy.(*fakeSession).closed.Load())

	pool.Release(busy)
	assert.Equal(t, 0, pool.Stats().Idle, "release after clear must not resurrect a session")

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, domain.ErrPoolClosed)
}

func TestPool_RetriesRefusedConnections(t *testing.T) {
	d := &fakeDialer{refuse: 10}
	pool := NewPool(d.dial, fastRetry(), nil, nil)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 11, d.attempts)
}

func TestPool_RetryStopsOnCancel(t *testing.T) {
	d := &fakeDialer{refuse: 1 << 30}
	pool := NewPool(d.dial, fastRetry(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := pool.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsCancelled(err) || errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Greater(t, d.attempts, 1)
}

func TestPool_AuthFailureIsNotRetried(t *testing.T) {
	d := &fakeDialer{err: errors.New("ssh: handshake failed: ssh: unable to authenticate")}
	pool := NewPool(d.dial, fastRetry(), nil, nil)

	_, err := pool.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, d.attempts)
	assert.False(t, domain.IsConnectivity(err))
}

func TestPool_RedialBackoffUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &fakeDialer{refuse: 1}
	cfg := RetryConfig{MaxRetries: -1, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	pool := NewPool(d.dial, cfg, clock, nil)
	defer pool.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Session, 1)
	go func() {
		s, err := pool.Acquire(ctx)
		assert.NoError(t, err)
		got <- s
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Hour)

	select {
	case s := <-got:
		require.NotNil(t, s)
	case <-ctx.Done():
		t.Fatal("acquire did not return after the backoff elapsed")
	}
	assert.Equal(t, 2, d.attempts)
	assert.Equal(t, 1, pool.Stats().Dialed)
}
