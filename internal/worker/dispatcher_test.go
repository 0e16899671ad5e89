package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	d := NewDispatcher(opts, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

// blockingJob returns a job that signals started and then waits for release.
func blockingJob(userID string, started chan<- struct{}, release <-chan struct{}) Job {
	return Job{Type: JobGenerate, UserID: userID, Task: TaskFunc(func(ctx context.Context) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestDispatcherRunsJobs(t *testing.T) {
	d := newTestDispatcher(t, Options{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16})

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		user := []string{"alice", "bob"}[i%2]
		err := d.Submit(Job{Type: JobTitle, UserID: user, Task: TaskFunc(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			seen[user]++
			mu.Unlock()
		})})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	waitFor(t, done, "jobs")

	if seen["alice"] != 5 || seen["bob"] != 5 {
		t.Fatalf("unexpected job counts: %v", seen)
	}
	if running, _ := d.Workers(); running < 1 || running > 4 {
		t.Fatalf("worker count out of bounds: %d", running)
	}
}

func TestDispatcherBusy(t *testing.T) {
	d := newTestDispatcher(t, Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	if err := d.Submit(blockingJob("u1", started, release)); err != nil {
		t.Fatalf("submit blocking job: %v", err)
	}
	waitFor(t, started, "blocking job")

	noop := Job{Type: JobGenerate, UserID: "u2", Task: TaskFunc(func(context.Context) {})}
	if err := d.Submit(noop); err != nil {
		t.Fatalf("queued submit should succeed: %v", err)
	}
	if err := d.Submit(noop); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
	close(release)
}

func TestDispatcherFairness(t *testing.T) {
	d := newTestDispatcher(t, Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 16})

	started := make(chan struct{})
	release := make(chan struct{})
	if err := d.Submit(blockingJob("blocker", started, release)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, started, "blocker")

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	record := func(name string) Task {
		wg.Add(1)
		return TaskFunc(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	for _, name := range []string{"a1", "a2", "a3"} {
		if err := d.Submit(Job{Type: JobGenerate, UserID: "a", Task: record(name)}); err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
	}
	if err := d.Submit(Job{Type: JobGenerate, UserID: "b", Task: record("b1")}); err != nil {
		t.Fatalf("submit b1: %v", err)
	}
	close(release)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	waitFor(t, done, "queued jobs")

	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	if len(order) != 4 {
		t.Fatalf("unexpected order %v", order)
	}
	if pos["a1"] > pos["a2"] || pos["a2"] > pos["a3"] {
		t.Fatalf("per-user order not preserved: %v", order)
	}
	if pos["b1"] > pos["a3"] {
		t.Fatalf("user b starved behind user a: %v", order)
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := newTestDispatcher(t, Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})

	if err := d.Submit(Job{Type: JobGenerate, UserID: "u", Task: TaskFunc(func(context.Context) {
		panic("boom")
	})}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ran := make(chan struct{})
	if err := d.Submit(Job{Type: JobGenerate, UserID: "u", Task: TaskFunc(func(context.Context) {
		close(ran)
	})}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, ran, "job after panic")
}

type abortRecorder struct {
	ran     chan struct{}
	aborted chan error
}

func (a *abortRecorder) Run(context.Context) { close(a.ran) }

func (a *abortRecorder) Abort(err error) { a.aborted <- err }

func TestDispatcherShutdownAbortsQueuedJobs(t *testing.T) {
	d := NewDispatcher(Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8}, nil)

	started := make(chan struct{})
	if err := d.Submit(Job{Type: JobGenerate, UserID: "u", Task: TaskFunc(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, started, "blocking job")

	queued := make([]*abortRecorder, 3)
	for i := range queued {
		queued[i] = &abortRecorder{ran: make(chan struct{}), aborted: make(chan error, 1)}
		if err := d.Submit(Job{Type: JobGenerate, UserID: fmt.Sprintf("user-%d", i), Task: queued[i]}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	// plain tasks are dropped without a callback
	if err := d.Submit(Job{Type: JobTitle, UserID: "u", Task: TaskFunc(func(context.Context) {})}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	for i, rec := range queued {
		select {
		case err := <-rec.aborted:
			if !errors.Is(err, ErrDispatcherClosed) {
				t.Fatalf("job %d aborted with %v", i, err)
			}
		default:
			t.Fatalf("job %d was dropped without abort", i)
		}
		select {
		case <-rec.ran:
			t.Fatalf("aborted job %d also ran", i)
		default:
		}
	}
	if pending := d.Pending(); pending != 0 {
		t.Fatalf("expected no pending jobs after shutdown, got %d", pending)
	}
}

func TestDispatcherShutdown(t *testing.T) {
	d := NewDispatcher(Options{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4}, nil)

	finished := make(chan struct{})
	if err := d.Submit(Job{Type: JobGenerate, UserID: "u", Task: TaskFunc(func(context.Context) {
		time.Sleep(50 * time.Millisecond)
		close(finished)
	})}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// let the job reach a worker
	deadline := time.Now().Add(time.Second)
	for d.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatalf("shutdown returned before running job finished")
	}
	if err := d.Submit(Job{Type: JobTitle, UserID: "u", Task: TaskFunc(func(context.Context) {})}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherShutdownDeadlineCancelsTasks(t *testing.T) {
	d := NewDispatcher(Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, nil)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	if err := d.Submit(Job{Type: JobGenerate, UserID: "u", Task: TaskFunc(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, started, "task start")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	waitFor(t, cancelled, "task cancellation")
}


