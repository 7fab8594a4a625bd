// Package job runs one synchronization pass of one server: a tree of
// traversal and transfer tasks fanned out over a bounded worker pool.
package job

import (
	"context"
	"fmt"
	"path"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Ning0612/sftpsync/internal/core/checksum"
	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/lock"
	"github.com/Ning0612/sftpsync/internal/logger"
	"github.com/Ning0612/sftpsync/internal/progress"
	"github.com/Ning0612/sftpsync/internal/remote"
)

// Default tuning values
const (
	DefaultShutdownGrace      = 10 * time.Second
	DefaultStallChecks        = 6
	DefaultStallCheckInterval = 10 * time.Second
	UploadWorkers             = 2
)

// Options tunes a run. Zero values select the defaults.
type Options struct {
	// Workers bounds concurrently running tasks; 0 picks by direction
	Workers int

	// ShutdownGrace bounds how long teardown waits for running tasks
	ShutdownGrace time.Duration

	// StallChecks consecutive checks without upload progress abort the upload
	StallChecks        int
	StallCheckInterval time.Duration

	Retry remote.RetryConfig

	// Fs is the local filesystem; defaults to the OS filesystem
	Fs    afero.Fs
	Clock clockwork.Clock
}

func (o Options) withDefaults(dir domain.SyncDirection) Options {
	if o.Workers <= 0 {
		if dir == domain.DirectionUpload {
			o.Workers = UploadWorkers
		} else {
			o.Workers = runtime.GOMAXPROCS(0)
		}
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.StallChecks <= 0 {
		o.StallChecks = DefaultStallChecks
	}
	if o.StallCheckInterval <= 0 {
		o.StallCheckInterval = DefaultStallCheckInterval
	}
	if o.Retry == (remote.RetryConfig{}) {
		o.Retry = remote.DefaultRetryConfig()
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Result summarizes a run
type Result struct {
	Downloaded int
	Uploaded   int
	Deleted    int
	Skipped    int
	Failed     int
	Bytes      int64
	Started    time.Time
	Finished   time.Time
	Pool       remote.PoolStats
}

// Transfers is the number of files moved in either direction
func (r Result) Transfers() int {
	return r.Downloaded + r.Uploaded
}

// Job is a single run. It is not reusable.
type Job struct {
	cfg      domain.ServerConfig
	opts     Options
	fs       afero.Fs
	clock    clockwork.Clock
	pool     *remote.Pool
	locks    *lock.PathSet
	registry *progress.Registry
	calc     *checksum.Calculator
	log      logger.Logger

	queue   *taskQueue
	workers errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	active  *activeCounter

	rootErr   atomic.Pointer[error]
	started   time.Time
	finalized sync.Once

	downloaded, uploaded, deleted, skipped, failed atomic.Int64
	bytes                                          atomic.Int64
}

// New prepares a run of cfg. registry may be nil.
func New(cfg domain.ServerConfig, dial remote.DialFunc, registry *progress.Registry, opts Options) *Job {
	cfg = cfg.WithDefaults()
	opts = opts.withDefaults(cfg.Direction)
	if registry == nil {
		registry = progress.NewRegistry(nil)
	}

	log := logger.With("server", cfg.Alias, "direction", cfg.Direction.String())
	return &Job{
		cfg:      cfg,
		opts:     opts,
		fs:       opts.Fs,
		clock:    opts.Clock,
		pool:     remote.NewPool(dial, opts.Retry, opts.Clock, log),
		locks:    lock.NewPathSet(),
		registry: registry,
		calc:     checksum.NewDefaultCalculator(),
		log:      log,
		queue:    newTaskQueue(),
		active:   newActiveCounter(),
	}
}

// Run walks the whole tree and returns when every task finished or ctx
// is cancelled. A cancelled run returns an error wrapping
// domain.ErrCancelled. Failures of single tasks are logged and counted in
// the Result; only a failure of the root directory fails the run.
func (j *Job) Run(ctx context.Context) (Result, error) {
	j.start(ctx)
	j.log.Info("Sync started", "local", j.cfg.LocalDir, "remote", j.cfg.RemoteDir, "workers", j.opts.Workers)

	j.submit(j.rootTask())
	return j.wait(ctx)
}

func (j *Job) start(ctx context.Context) {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.started = j.clock.Now()
	for i := 0; i < j.opts.Workers; i++ {
		j.workers.Go(j.work)
	}
}

func (j *Job) rootTask() task {
	kind := kindTraverseClone
	if j.cfg.Direction == domain.DirectionUpload {
		kind = kindTraverseUpload
	}
	return task{kind: kind, localPath: j.cfg.LocalDir, remotePath: path.Clean(j.cfg.RemoteDir), root: true}
}

// wait blocks until the task tree drained or ctx is done, then tears
// the run down.
func (j *Job) wait(ctx context.Context) (Result, error) {
	select {
	case <-j.active.drained():
	case <-ctx.Done():
		j.log.Info("Sync interrupted, shutting down tasks")
	}
	j.shutdown()

	res := j.result()
	if ctx.Err() != nil {
		return res, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}
	if errp := j.rootErr.Load(); errp != nil {
		return res, *errp
	}

	j.log.Info("Sync finished",
		"downloaded", res.Downloaded, "uploaded", res.Uploaded, "deleted", res.Deleted,
		"failed", res.Failed, "transferred", progress.FormatBytes(res.Bytes),
		"duration", res.Finished.Sub(res.Started).Round(time.Millisecond))
	return res, nil
}

// shutdown stops the worker pool: queued tasks are dropped, running
// tasks see their context cancelled and their sessions closed. It waits
// at most ShutdownGrace.
func (j *Job) shutdown() {
	j.finalized.Do(func() {
		j.cancel()
		j.queue.close()
		j.pool.Clear()

		done := make(chan struct{})
		go func() {
			j.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-j.clock.After(j.opts.ShutdownGrace):
			j.log.Warn("Tasks still running after shutdown grace period",
				"grace", j.opts.ShutdownGrace, "active", j.active.count())
		}
	})
}

func (j *Job) result() Result {
	return Result{
		Downloaded: int(j.downloaded.Load()),
		Uploaded:   int(j.uploaded.Load()),
		Deleted:    int(j.deleted.Load()),
		Skipped:    int(j.skipped.Load()),
		Failed:     int(j.failed.Load()),
		Bytes:      j.bytes.Load(),
		Started:    j.started,
		Finished:   j.clock.Now(),
		Pool:       j.pool.Stats(),
	}
}

// submit queues t. It never blocks, so a parent can enqueue any number
// of children from inside a worker.
func (j *Job) submit(t task) {
	j.active.inc()
	if !j.queue.push(t) {
		j.active.dec()
	}
}

// work runs queued tasks until the queue is closed
func (j *Job) work() error {
	for {
		t, ok := j.queue.pop()
		if !ok {
			return nil
		}
		if j.ctx.Err() == nil {
			j.dispatch(t)
		}
		j.active.dec()
	}
}

// withSession runs fn on a pooled session. A session that fails its
// probe after an error is discarded instead of being reused.
func (j *Job) withSession(fn func(s remote.Session) error) error {
	s, err := j.pool.Acquire(j.ctx)
	if err != nil {
		return err
	}

	err = fn(s)
	if err != nil && j.ctx.Err() == nil && s.Probe(j.ctx) != nil {
		j.pool.Discard(s)
	} else {
		j.pool.Release(s)
	}
	return err
}

// taskQueue is the unbounded FIFO feeding the workers
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []task
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends t; it reports false once the queue is closed
func (q *taskQueue) push(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, t)
	q.cond.Signal()
	return true
}

// pop blocks until a task is available or the queue is closed
func (q *taskQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return task{}, false
	}
	t := q.items[0]
	q.items[0] = task{}
	q.items = q.items[1:]
	return t, true
}

// close wakes every worker and drops pending tasks
func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

// activeCounter counts queued and running tasks. drained is closed the
// first time the count returns to zero.
type activeCounter struct {
	mu     sync.Mutex
	n      int
	done   chan struct{}
	closed bool
}

func newActiveCounter() *activeCounter {
	return &activeCounter{done: make(chan struct{})}
}

func (c *activeCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *activeCounter) dec() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.n--
	if c.n < 0 {
		panic("job: active task counter below zero")
	}
	if c.n == 0 && !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *activeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *activeCounter) drained() <-chan struct{} {
	return c.done
}
