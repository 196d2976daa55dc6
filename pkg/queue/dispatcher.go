package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dverbeek/synthd/pkg/admission"
	"github.com/dverbeek/synthd/pkg/events"
	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/metrics"
	"github.com/dverbeek/synthd/pkg/models"
	"github.com/dverbeek/synthd/pkg/monitor"
	"github.com/dverbeek/synthd/pkg/store"
)

// Runner executes one claimed job end to end: compile the graph, drive the
// engine, persist results. It reports cancellation and timeouts through the
// monitor's error kinds.
type Runner interface {
	Run(ctx context.Context, job *models.Job) error
}

// Dispatcher pulls queued jobs and drives them through a pool of workers.
// Exactly one worker executes a given job; the store's claim guard wins any
// race with a concurrent dispatcher.
type Dispatcher struct {
	queue       Queue
	store       store.Store
	admission   admission.Controller
	runner      Runner
	broadcaster *events.Broadcaster
	logger      *logging.Logger
	workers     int

	wg sync.WaitGroup
}

func NewDispatcher(q Queue, st store.Store, adm admission.Controller, runner Runner,
	b *events.Broadcaster, logger *logging.Logger, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		queue:       q,
		store:       st,
		admission:   adm,
		runner:      runner,
		broadcaster: b,
		logger:      logger,
		workers:     workers,
	}
}

// Start launches the worker pool. It returns immediately; use Wait after
// canceling ctx to drain.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher starting", map[string]interface{}{"workers": d.workers})

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(n int) {
			defer d.wg.Done()
			d.workerLoop(ctx, n)
		}(i)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reportDepth(ctx)
	}()
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, n int) {
	log := d.logger.WithField("worker", n)

	for {
		if ctx.Err() != nil {
			return
		}

		jobID, err := d.queue.Dequeue(ctx)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", map[string]interface{}{"error": err.Error()})
			time.Sleep(500 * time.Millisecond)
			continue
		}

		d.process(ctx, jobID, log)
	}
}

func (d *Dispatcher) process(ctx context.Context, jobID string, log *logging.Logger) {
	job, err := d.store.GetJob(jobID)
	if err != nil {
		log.Error("dequeued unknown job", map[string]interface{}{
			"job_id": jobID, "error": err.Error(),
		})
		return
	}

	// The slot is held from submission to terminal state, so release rides
	// every exit path. Release is idempotent.
	defer func() {
		if err := d.admission.Release(context.Background(), job.UserID, job.ID); err != nil {
			log.Warn("admission release failed", map[string]interface{}{
				"job_id": job.ID, "error": err.Error(),
			})
		}
	}()

	if err := d.store.ClaimRunning(jobID); err != nil {
		// Lost the race, or the job was canceled between enqueue and here.
		log.Info("job no longer claimable", map[string]interface{}{
			"job_id": jobID, "error": err.Error(),
		})
		return
	}
	d.broadcaster.Record(jobID, models.EventState, map[string]string{"state": string(models.JobStateRunning)})

	log.Info("job started", map[string]interface{}{"job_id": jobID, "user_id": job.UserID})
	started := time.Now()

	runErr := d.runner.Run(ctx, job)
	d.finalize(jobID, runErr, log)
	metrics.JobDuration.Observe(time.Since(started).Seconds())
}

func (d *Dispatcher) finalize(jobID string, runErr error, log *logging.Logger) {
	switch {
	case runErr == nil:
		if err := d.store.MarkCompleted(jobID); err != nil {
			log.Error("failed to mark completed", map[string]interface{}{
				"job_id": jobID, "error": err.Error(),
			})
			return
		}
		d.broadcaster.Record(jobID, models.EventState, map[string]string{"state": string(models.JobStateCompleted)})
		metrics.JobsFinished.WithLabelValues("completed").Inc()
		log.Info("job completed", map[string]interface{}{"job_id": jobID})

	case errors.Is(runErr, monitor.ErrCanceled):
		if err := d.store.MarkCanceled(jobID, runErr.Error()); err != nil {
			log.Error("failed to mark canceled", map[string]interface{}{
				"job_id": jobID, "error": err.Error(),
			})
			return
		}
		d.broadcaster.Record(jobID, models.EventState, map[string]string{"state": string(models.JobStateCanceled)})
		metrics.JobsFinished.WithLabelValues("canceled").Inc()
		log.Info("job canceled", map[string]interface{}{"job_id": jobID})

	default:
		if err := d.store.MarkFailed(jobID, runErr.Error()); err != nil {
			log.Error("failed to mark failed", map[string]interface{}{
				"job_id": jobID, "error": err.Error(),
			})
			return
		}
		d.broadcaster.Record(jobID, models.EventError, map[string]string{"error": runErr.Error()})
		d.broadcaster.Record(jobID, models.EventState, map[string]string{"state": string(models.JobStateFailed)})
		metrics.JobsFinished.WithLabelValues("failed").Inc()
		log.Error("job failed", map[string]interface{}{"job_id": jobID, "error": runErr.Error()})
	}
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.queue.Len(ctx); err == nil {
				metrics.QueueDepth.Set(float64(n))
			}
		}
	}
}
