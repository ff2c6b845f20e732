package worker

import (
	"fmt"
	"runtime/debug"
)

type JobType int

const (
	Run JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("job(%d)", int(t))
	}
}

// Job is one unit of work bound to a session. Task runs on a pool worker;
// Drop is called instead when the job is cancelled before it starts.
type Job struct {
	Type      JobType
	SessionID string
	Task      func()
	Drop      func()

	finish func()
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			// announce idle, then wait for work
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				debugLog(w.pool.logger, "worker stopped", "worker", w.id)
				return
			case Run:
				w.run(job)
			}
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		if p := recover(); p != nil {
			w.pool.logger.Error("worker job panicked", "worker", w.id, "session_id", job.SessionID,
				"panic", p, "stack", string(debug.Stack()))
		}
		if job.finish != nil {
			job.finish()
		}
	}()
	if job.Task != nil {
		job.Task()
	}
}
