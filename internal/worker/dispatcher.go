package worker

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config sizes the dispatcher and its worker pool.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to a pool of workers, one user at a time in
// round-robin order so a single busy user cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	logger   *slog.Logger

	mu        sync.Mutex
	queues    map[int64]*userQueue    // pending jobs per user
	ready     *list.List              // LRU ring of user IDs with pending jobs
	positions map[int64]*list.Element // user ID -> element in ready
	pending   int                     // accepted but not yet dispatched
	limit     int
	closed    bool

	quit    chan struct{}
	runDone chan struct{}
}

func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, logger)

	d := &Dispatcher{
		pool:      pool,
		jobQueue:  make(chan Job, queueSize),
		logger:    logger,
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		limit:     queueSize,
		quit:      make(chan struct{}),
		runDone:   make(chan struct{}),
	}

	for i := 0; i < pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues fn for userID and returns a channel receiving its result.
// It fails fast with ErrDispatcherBusy when the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, userID int64, kind Kind, fn func(ctx context.Context) error) (<-chan error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	job := Job{UserID: userID, Kind: kind, Run: fn, ctx: ctx, done: done}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	if d.pending >= d.limit {
		d.mu.Unlock()
		return nil, ErrDispatcherBusy
	}
	d.pending++
	// pending never exceeds the channel capacity, so this cannot block
	d.jobQueue <- job
	d.mu.Unlock()
	return done, nil
}

// Do submits fn and waits for it to finish or ctx to end.
func (d *Dispatcher) Do(ctx context.Context, userID int64, kind Kind, fn func(ctx context.Context) error) error {
	done, err := d.Submit(ctx, userID, kind, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelUser drops the user's queued session jobs. Each receives
// context.Canceled. Ingest jobs stay queued, and jobs already handed to a
// worker are not interrupted.
func (d *Dispatcher) CancelUser(userID int64) {
	d.drainIncoming()
	d.mu.Lock()
	var dropped []Job
	if q, ok := d.queues[userID]; ok {
		kept := q.jobs[:0:0]
		for _, job := range q.jobs {
			if job.Kind.sessionBound() {
				dropped = append(dropped, job)
			} else {
				kept = append(kept, job)
			}
		}
		q.jobs = kept
		if len(kept) == 0 {
			delete(d.queues, userID)
			if elem, ok := d.positions[userID]; ok {
				d.ready.Remove(elem)
				delete(d.positions, userID)
			}
		}
	}
	d.pending -= len(dropped)
	d.mu.Unlock()

	for _, job := range dropped {
		job.finish(context.Canceled)
	}
	if len(dropped) > 0 {
		debugLog(d.logger, "dispatcher dropped user jobs", "user_id", userID, "count", len(dropped))
	}
}

// Close rejects new work, fails queued jobs with ErrDispatcherClosed and
// waits for running jobs to finish or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.quit)
	d.pool.close()
	<-d.runDone
	return d.pool.wait(ctx)
}

// Stats reports pool and queue sizes.
type Stats struct {
	Running int `json:"running"`
	Idle    int `json:"idle"`
	Pending int `json:"pending"`
}

func (d *Dispatcher) Stats() Stats {
	running, idle := d.pool.stats()
	d.mu.Lock()
	pending := d.pending
	d.mu.Unlock()
	return Stats{Running: running, Idle: idle, Pending: pending}
}

func (d *Dispatcher) run() {
	defer close(d.runDone)
	for {
		d.drainIncoming()
		select {
		case <-d.quit:
			d.dropAll()
			return
		default:
		}
		if d.dispatchOne() {
			continue
		}
		// nothing ready, block for new work
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			d.dropAll()
			return
		}
	}
}

// drainIncoming moves every submitted job into its user queue so the ring
// sees all waiting users before the next dispatch.
func (d *Dispatcher) drainIncoming() {
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
	userID := job.UserID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// dispatchOne takes the first user in the ring and dispatches one of its jobs.
// The job counts as pending until a worker takes it.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
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

	defer func() {
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
	}()

	if err := job.ctx.Err(); err != nil {
		job.finish(err)
		return true
	}

	workerChan := d.pool.acquire()
	if workerChan == nil {
		job.finish(ErrDispatcherClosed)
		return true
	}
	debugLog(d.logger, "dispatcher assigned job", "kind", job.Kind, "user_id", userID)
	select {
	case workerChan <- job:
	case <-d.quit:
		job.finish(ErrDispatcherClosed)
	}
	return true
}

func (d *Dispatcher) dropAll() {
	d.drainIncoming()
	d.mu.Lock()
	var dropped []Job
	for userID, q := range d.queues {
		dropped = append(dropped, q.jobs...)
		delete(d.queues, userID)
	}
	d.ready.Init()
	d.positions = make(map[int64]*list.Element)
	d.pending -= len(dropped)
	d.mu.Unlock()

	for _, job := range dropped {
		job.finish(ErrDispatcherClosed)
	}
}
