package worker

import (
	"container/list"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDispatcherBusy rejects a job when the intake is full.
var ErrDispatcherBusy = errors.New("dispatcher busy, retry later")

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

type sessionQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool // a job of this session is on a worker
}

// Dispatcher runs jobs on a worker pool. Sessions are served round-robin and
// at most one job per session runs at a time, so turns of one session never
// interleave.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	limit   int64
	pending atomic.Int64
	wake    chan struct{}
	quit    chan struct{}
	once    sync.Once
	logger  *slog.Logger

	mu        sync.Mutex
	queues    map[string]*sessionQueue // job queue for each session
	ready     *list.List               // round-robin queue of session ids
	positions map[string]*list.Element
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, logger)

	d := &Dispatcher{
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		limit:     int64(queueSize),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		logger:    logger,
	}

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking. Jobs queued or running count
// against the queue size.
func (d *Dispatcher) Submit(job Job) error {
	if job.Type != Run {
		return errors.New("only run jobs can be submitted")
	}
	if d.pending.Add(1) > d.limit {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	select {
	case d.JobQueue <- job:
		return nil
	case <-d.quit:
		d.pending.Add(-1)
		return errors.New("dispatcher stopped")
	default:
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
}

// Pending reports jobs queued or running.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the session in the front of the ready list
		if d.dispatchOne() {
			// pick up a new job if one is waiting
			select {
			case job := <-d.JobQueue: // non-congestion
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

// CancelSession drops the queued jobs of a session. A running job is left to finish.
func (d *Dispatcher) CancelSession(sessionID string) {
	d.mu.Lock()
	q := d.queues[sessionID]
	var dropped []Job
	if q != nil {
		dropped = q.jobs
		q.jobs = nil
		if !q.running {
			delete(d.queues, sessionID)
		}
	}
	if elem, ok := d.positions[sessionID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
	}
	if q != nil {
		q.enqueued = false
	}
	d.mu.Unlock()

	for _, job := range dropped {
		d.pending.Add(-1)
		if job.Drop != nil {
			job.Drop()
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.SessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[job.SessionID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		// already scheduled, or rescheduled when its running job completes
		return
	}
	q.enqueued = true
	d.positions[job.SessionID] = d.ready.PushBack(job.SessionID)
}

// dispatchOne hands the next job of the first ready session to a worker
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	sessionID := elem.Value.(string)
	q := d.queues[sessionID]
	d.ready.Remove(elem)
	delete(d.positions, sessionID)
	q.enqueued = false
	if len(q.jobs) == 0 {
		d.mu.Unlock()
		return true
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = true
	d.mu.Unlock()

	job.finish = func() { d.complete(sessionID) }
	workerChan := d.pool.acquire()
	debugLog(d.logger, "dispatcher assigned job", "type", job.Type.String(), "session_id", sessionID,
		"worker", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// complete marks the running job of a session finished and requeues the
// session behind the others when it has more work.
func (d *Dispatcher) complete(sessionID string) {
	d.pending.Add(-1)
	d.mu.Lock()
	if q := d.queues[sessionID]; q != nil {
		q.running = false
		if len(q.jobs) > 0 {
			if !q.enqueued {
				q.enqueued = true
				d.positions[sessionID] = d.ready.PushBack(sessionID)
			}
		} else if !q.enqueued {
			delete(d.queues, sessionID)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop halts dispatching and lets idle workers exit. Queued jobs are dropped.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.quit)
		d.pool.Close()

		var dropped []Job
		d.mu.Lock()
		for _, q := range d.queues {
			dropped = append(dropped, q.jobs...)
			q.jobs = nil
		}
		d.ready.Init()
		clear(d.positions)
	drain:
		for {
			select {
			case job := <-d.JobQueue:
				dropped = append(dropped, job)
			default:
				break drain
			}
		}
		d.mu.Unlock()

		for _, job := range dropped {
			d.pending.Add(-1)
			if job.Drop != nil {
				job.Drop()
			}
		}
	})
}
