package worker

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
}

func newWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

// Start runs jobs until a stop job arrives or Stop is called. After every job the
// worker hands its channel back to the pool.
func (w *Worker) Start() {
	go func() {
		for {
			select {
			case job := <-w.jobChannel:
				if job.Type == jobStop {
					w.pool.retire(w.jobChannel)
					return
				}
				w.pool.exec(w.id, job)
				w.pool.Release(w.jobChannel)
			case <-w.quit:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.quit)
}
