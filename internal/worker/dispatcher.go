package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDispatcherBusy   = errors.New("dispatcher queue is full")
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher runs jobs on an elastic worker pool. Pending jobs are bounded by QueueSize and
// handed out one user at a time so a single user cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	logger   *zap.Logger

	queueSize int64
	pending   atomic.Int64

	mu        sync.Mutex
	queues    map[string]*userQueue // job queue for each user
	ready     *list.List            // LRU queue storing user IDs
	positions map[string]*list.Element

	closeMu sync.RWMutex
	closed  bool
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func NewDispatcher(opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobQueue:  make(chan Job, opts.QueueSize),
		logger:    logger,
		queueSize: int64(opts.QueueSize),
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.pool = newJobChannelPool(opts.MinWorkers, opts.MaxWorkers, opts.IdleTimeout, d.execute, logger)

	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking. It fails with ErrDispatcherBusy when QueueSize jobs
// are already waiting for a worker.
func (d *Dispatcher) Submit(job Job) error {
	if job.Task == nil {
		return fmt.Errorf("submit %s job: nil task", job.Type)
	}
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.pending.Add(1) > d.queueSize {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
}

// Pending reports jobs accepted but not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Workers reports the running and idle worker counts.
func (d *Dispatcher) Workers() (running, idle int) {
	return d.pool.size()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.drain()
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case <-d.quit:
			return
		default:
		}
	}
}

// drain moves everything already submitted into the per-user queues.
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne hands the next job of the least recently served user to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan, workerID := d.pool.acquire()
	if workerChan == nil {
		d.pending.Add(-1)
		d.abort(job, ErrDispatcherClosed)
		return false
	}
	d.logger.Debug("assign job",
		zap.String("type", string(job.Type)),
		zap.String("user_id", userID),
		zap.Int("worker", workerID),
	)
	d.running.Add(1)
	select {
	case workerChan <- job:
	case <-d.quit:
		d.running.Done()
		d.abort(job, ErrDispatcherClosed)
	}
	d.pending.Add(-1)
	return true
}

// execute runs one job on the calling worker goroutine.
func (d *Dispatcher) execute(workerID int, job Job) {
	defer d.running.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked",
				zap.String("type", string(job.Type)),
				zap.String("user_id", job.UserID),
				zap.Int("worker", workerID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	job.Task.Run(d.ctx)
}

// abort tells a dropped job's task that it will never run.
func (d *Dispatcher) abort(job Job, cause error) {
	d.logger.Warn("job dropped",
		zap.String("type", string(job.Type)),
		zap.String("user_id", job.UserID),
		zap.Error(cause),
	)
	aborter, ok := job.Task.(Aborter)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job abort panicked", zap.String("type", string(job.Type)), zap.Any("panic", r))
		}
	}()
	aborter.Abort(cause)
}

// dropQueued aborts every job still waiting once the run loop has exited.
func (d *Dispatcher) dropQueued(cause error) int {
	d.drain()
	d.mu.Lock()
	var dropped []Job
	for elem := d.ready.Front(); elem != nil; elem = elem.Next() {
		dropped = append(dropped, d.queues[elem.Value.(string)].jobs...)
	}
	d.queues = make(map[string]*userQueue)
	d.positions = make(map[string]*list.Element)
	d.ready.Init()
	d.mu.Unlock()

	for _, job := range dropped {
		d.pending.Add(-1)
		d.abort(job, cause)
	}
	return len(dropped)
}

// Shutdown stops accepting jobs, aborts the ones still queued and waits for running jobs.
// When ctx expires first, the context passed to running tasks is cancelled and ctx.Err is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeMu.Unlock()

	close(d.quit)
	d.pool.close()
	<-d.done

	if dropped := d.dropQueued(ErrDispatcherClosed); dropped > 0 {
		d.logger.Warn("dropped queued jobs on shutdown", zap.Int("count", dropped))
	}

	finished := make(chan struct{})
	go func() {
		d.running.Wait()
		close(finished)
	}()
	defer d.cancel()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
