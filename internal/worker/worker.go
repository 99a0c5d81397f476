package worker

import (
	"fmt"
	"log/slog"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
	logger     *slog.Logger
}

func NewWorker(id int, pool *jobChannelPool, logger *slog.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
		logger:     logger,
	}
}

func (w *Worker) Start() {
	w.pool.wg.Add(1)
	go func() {
		defer w.pool.wg.Done()
		for {
			w.pool.Release(w.jobChannel)
			select {
			case job := <-w.jobChannel:
				if job.stop {
					w.pool.retire(w.jobChannel)
					debugLog(w.logger, "worker retired", "worker", w.id)
					return
				}
				w.process(job)
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

func (w *Worker) process(job Job) {
	if err := job.ctx.Err(); err != nil {
		job.finish(err)
		return
	}
	debugLog(w.logger, "worker running job", "worker", w.id, "user_id", job.UserID, "kind", job.Kind)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", job.Kind, r)
				w.logger.Error("worker job panic", "worker", w.id, "user_id", job.UserID, "kind", job.Kind, "panic", r)
			}
		}()
		return job.Run(job.ctx)
	}()
	job.finish(err)
}
