package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/logger"
)

// DialFunc opens a new session to one server
type DialFunc func(ctx context.Context) (Session, error)

// Pool caches sessions to one server for the duration of a run.
//
// Every session handed out is either idle, in use, or discarded. Acquire
// probes idle sessions before reuse and redials unreachable servers with
// backoff until the context is cancelled.
type Pool struct {
	dial  DialFunc
	retry RetryConfig
	clock clockwork.Clock
	log   logger.Logger

	mu      sync.Mutex
	idle    []Session
	inUse   map[Session]struct{}
	cleared bool
	stats   PoolStats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Idle      int
	InUse     int
	Dialed    int
	Reused    int
	Discarded int
}

// NewPool creates an empty pool. A nil clock means the real one.
func NewPool(dial DialFunc, retry RetryConfig, clock clockwork.Clock, log logger.Logger) *Pool {
	if log == nil {
		log = logger.Get()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pool{
		dial:  dial,
		retry: retry,
		clock: clock,
		log:   log,
		inUse: make(map[Session]struct{}),
	}
}

// Acquire returns a live session, reusing an idle one when it still
// answers. Connectivity failures while dialing are retried; other dial
// errors are returned as they are.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	for {
		s, err := p.popIdle()
		if err != nil {
			return nil, err
		}
		if s == nil {
			break
		}

		if err := s.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				s.Close()
				return nil, ctx.Err()
			}
			p.log.Debug("Dropping dead pooled session", "error", err)
			s.Close()
			p.mu.Lock()
			p.stats.Discarded++
			p.mu.Unlock()
			continue
		}

		if err := p.checkout(s, true); err != nil {
			return nil, err
		}
		return s, nil
	}

	var s Session
	attempts, err := Retry(ctx, p.clock, p.retry, domain.IsConnectivity, func() error {
		var derr error
		s, derr = p.dial(ctx)
		if derr != nil && domain.IsConnectivity(derr) {
			p.log.Debug("Connection attempt failed", "error", derr)
		}
		return derr
	})
	if err != nil {
		return nil, err
	}
	if attempts > 1 {
		p.log.Info(fmt.Sprintf("Took %d attempts to connect", attempts))
	}

	p.mu.Lock()
	p.stats.Dialed++
	p.mu.Unlock()

	if err := p.checkout(s, false); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Pool) popIdle() (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cleared {
		return nil, domain.ErrPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	s := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return s, nil
}

func (p *Pool) checkout(s Session, reused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cleared {
		s.Close()
		return domain.ErrPoolClosed
	}
	p.inUse[s] = struct{}{}
	if reused {
		p.stats.Reused++
	}
	return nil
}

// Release hands s back for reuse. Releasing a session twice, or one the
// pool no longer tracks, does nothing.
func (p *Pool) Release(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[s]; !ok {
		return
	}
	delete(p.inUse, s)
	p.idle = append(p.idle, s)
}

// Discard closes a session that failed and forgets it
func (p *Pool) Discard(s Session) {
	p.mu.Lock()
	_, tracked := p.inUse[s]
	delete(p.inUse, s)
	if tracked {
		p.stats.Discarded++
	}
	p.mu.Unlock()

	if tracked {
		s.Close()
	}
}

// Clear closes every idle and in-use session. The pool refuses new
// acquisitions afterwards; in-flight operations on cleared sessions fail.
func (p *Pool) Clear() {
	p.mu.Lock()
	all := make([]Session, 0, len(p.idle)+len(p.inUse))
	all = append(all, p.idle...)
	for s := range p.inUse {
		all = append(all, s)
	}
	p.idle = nil
	p.inUse = make(map[Session]struct{})
	p.cleared = true
	p.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stats
	st.Idle = len(p.idle)
	st.InUse = len(p.inUse)
	return st
}
