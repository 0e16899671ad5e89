package worker

import "context"

type JobType string

const (
	JobGenerate JobType = "generate"
	JobTitle    JobType = "title"
	jobStop     JobType = "stop"
)

// Task is the work carried by a Job. ctx is cancelled when the dispatcher is shut down.
type Task interface {
	Run(ctx context.Context)
}

// Aborter is implemented by tasks that must observe being dropped without running,
// e.g. when the dispatcher shuts down with the job still queued.
type Aborter interface {
	Abort(err error)
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Run(ctx context.Context) { f(ctx) }

// Job is one unit of work owned by a user. Jobs of different users are dispatched round-robin.
type Job struct {
	Type   JobType
	UserID string
	Task   Task
}
