// Package dispatcher runs the worker main loop: poll the queue under
// admission control, verify or validate each task, and execute it on the
// account's pooled browser instance. One dispatch loop drives N concurrently
// in-flight executions; the loop itself never blocks on a browser action.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/api/schemas"
	"github.com/MangaiYashobeam/FMD/internal/pool"
	"github.com/MangaiYashobeam/FMD/internal/registry"
	"github.com/MangaiYashobeam/FMD/internal/security"
	"github.com/MangaiYashobeam/FMD/internal/taskcodec"
)

const (
	heartbeatInterval = 30 * time.Second
	errorBackoff      = 5 * time.Second
	retryBackoffStep  = 30 * time.Second
)

// TaskQueue is the durable queue surface the dispatcher consumes.
type TaskQueue interface {
	Dequeue(ctx context.Context, workerID string) (*schemas.SignedTask, error)
	Complete(ctx context.Context, taskID string, result map[string]any) error
	Fail(ctx context.Context, taskID, taskErr string, retry bool, delay time.Duration) (bool, error)
}

// Verifier checks signed-task envelopes.
type Verifier interface {
	Verify(st *schemas.SignedTask) (*schemas.Task, error)
}

// InstancePool provides scoped access to per-account browser instances.
type InstancePool interface {
	UseInstance(ctx context.Context, accountID string, fn func(*pool.Instance) error) error
	BusyCount() int
	GetStats() pool.Stats
	Shutdown(ctx context.Context)
}

// Handler executes one verified task on a browser instance. Returning an
// error wrapped with Retryable requeues the task; any other error is
// terminal.
type Handler interface {
	Handle(ctx context.Context, task *schemas.Task, inst *pool.Instance) (map[string]any, error)
}

// Archiver records terminal outcomes durably. Optional.
type Archiver interface {
	ArchiveResult(ctx context.Context, result *schemas.TaskResult) error
}

// FleetRegistry publishes worker membership. Optional.
type FleetRegistry interface {
	RegisterWorker(ctx context.Context, info registry.WorkerInfo) error
	Heartbeat(ctx context.Context, workerID string) error
	UnregisterWorker(ctx context.Context, workerID string) error
}

// Options configures a Dispatcher.
type Options struct {
	WorkerID         string
	QueueName        string
	MaxConcurrent    int
	PollInterval     time.Duration
	TaskTimeout      time.Duration
	ShutdownGrace    time.Duration
	RequireSignature bool
}

// Dispatcher owns the worker main loop and task lifecycle.
type Dispatcher struct {
	opts      Options
	queue     TaskQueue
	verifier  Verifier
	pool      InstancePool
	handler   Handler
	validator *security.Validator
	limiter   *security.RateLimiter
	monitor   *security.Monitor
	archiver  Archiver
	fleet     FleetRegistry
	logger    *zap.Logger

	inflight  sync.WaitGroup
	sem       chan struct{}
	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	startedAt time.Time

	// taskCancel force-cancels in-flight executions when the shutdown grace
	// window expires.
	taskCtx    context.Context
	taskCancel context.CancelFunc
}

func New(
	opts Options,
	q TaskQueue,
	verifier Verifier,
	p InstancePool,
	handler Handler,
	validator *security.Validator,
	limiter *security.RateLimiter,
	monitor *security.Monitor,
	archiver Archiver,
	fleet FleetRegistry,
	logger *zap.Logger,
) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 2 * time.Minute
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	return &Dispatcher{
		opts:      opts,
		queue:     q,
		verifier:  verifier,
		pool:      p,
		handler:   handler,
		validator: validator,
		limiter:   limiter,
		monitor:   monitor,
		archiver:  archiver,
		fleet:     fleet,
		logger:    logger.Named("dispatcher").With(zap.String("worker_id", opts.WorkerID)),
		sem:       make(chan struct{}, opts.MaxConcurrent),
	}
}

// Run drives the main loop until ctx is cancelled, then executes the
// shutdown sequence: stop dequeuing, drain in-flight work within the grace
// window, persist pool sessions, and unregister from the fleet.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.startedAt = time.Now()
	// In-flight tasks outlive loop cancellation by up to the grace window.
	d.taskCtx, d.taskCancel = context.WithCancel(context.WithoutCancel(ctx))

	if d.fleet != nil {
		hostname, _ := os.Hostname()
		if err := d.fleet.RegisterWorker(ctx, registry.WorkerInfo{
			WorkerID:    d.opts.WorkerID,
			Hostname:    hostname,
			QueueName:   d.opts.QueueName,
			MaxBrowsers: d.opts.MaxConcurrent,
			StartedAt:   d.startedAt.UTC(),
		}); err != nil {
			return fmt.Errorf("failed to register worker: %w", err)
		}
	}

	d.logger.Info("Dispatcher started",
		zap.String("queue", d.opts.QueueName),
		zap.Int("max_concurrent", d.opts.MaxConcurrent))

	lastHeartbeat := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		if time.Since(lastHeartbeat) >= heartbeatInterval {
			d.heartbeat(ctx)
			lastHeartbeat = time.Now()
		}

		// Admission control: do not pull work the pool cannot serve.
		if d.pool.BusyCount() >= d.opts.MaxConcurrent {
			d.sleep(ctx, d.opts.PollInterval)
			continue
		}

		st, err := d.queue.Dequeue(ctx, d.opts.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				break loop
			}
			d.logger.Error("Dequeue failed", zap.Error(err))
			d.sleep(ctx, errorBackoff)
			continue
		}
		if st == nil {
			d.sleep(ctx, d.opts.PollInterval)
			continue
		}

		task, admitErr := d.admit(st)
		if admitErr != nil {
			d.reject(ctx, st, admitErr)
			continue
		}

		d.sem <- struct{}{}
		d.inflight.Add(1)
		go func() {
			defer func() {
				<-d.sem
				d.inflight.Done()
			}()
			d.runTask(task)
		}()
	}

	d.shutdown(ctx)
	return nil
}

// admit verifies a signed envelope, or runs field-level validation on the
// trust-reduced unsigned path. It returns the plaintext task, or an error
// naming the rejection reason.
func (d *Dispatcher) admit(st *schemas.SignedTask) (*schemas.Task, error) {
	if st.Signature != "" {
		if d.verifier == nil {
			return nil, errors.New("signed task rejected: no signing secret configured")
		}
		task, err := d.verifier.Verify(st)
		if err != nil {
			return nil, err
		}
		return d.admitCommon(task)
	}

	if d.opts.RequireSignature {
		return nil, errors.New("unsigned task rejected: signatures required")
	}

	task := &schemas.Task{
		ID:         st.TaskID,
		Type:       st.Type,
		AccountID:  st.AccountID,
		Data:       st.Data,
		Priority:   st.Priority,
		CreatedAt:  st.CreatedAt,
		RetryCount: st.RetryCount,
	}
	if err := d.validator.ValidateTask(task); err != nil {
		return nil, err
	}
	return d.admitCommon(task)
}

func (d *Dispatcher) admitCommon(task *schemas.Task) (*schemas.Task, error) {
	if d.limiter != nil && !d.limiter.Allow(task.AccountID) {
		if d.monitor != nil {
			d.monitor.Record(security.EventRateLimitExceeded, task.AccountID, "medium", nil)
		}
		return nil, errors.New("rate limit exceeded for account")
	}
	if _, err := schemas.DecodePayload(task.Type, task.Data); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return task, nil
}

// reject drops a task that failed admission. Rejected tasks are never
// retried: a forged task retried is still forged.
func (d *Dispatcher) reject(ctx context.Context, st *schemas.SignedTask, admitErr error) {
	d.rejected.Add(1)

	severity := "medium"
	event := security.EventInvalidInput
	switch {
	case taskcodec.IsKind(admitErr, taskcodec.KindReplayDetected):
		event = security.EventReplayDetected
		severity = "high"
	case st.Signature != "":
		event = security.EventAuthFailure
		severity = "high"
	}
	if d.monitor != nil {
		d.monitor.Record(event, st.AccountID, severity, map[string]any{
			"task_id": st.TaskID,
			"reason":  admitErr.Error(),
		})
	}

	d.logger.Error("Task rejected",
		zap.String("task_id", st.TaskID),
		zap.String("account_id", st.AccountID),
		zap.String("reason", admitErr.Error()))

	if _, err := d.queue.Fail(ctx, st.TaskID, "rejected: "+admitErr.Error(), false, 0); err != nil {
		d.logger.Warn("Failed to park rejected task", zap.String("task_id", st.TaskID), zap.Error(err))
	}
}

// runTask executes one admitted task with a hard timeout and settles its
// queue state from the outcome.
func (d *Dispatcher) runTask(task *schemas.Task) {
	started := time.Now()
	execCtx, cancel := context.WithTimeout(d.taskCtx, d.opts.TaskTimeout)
	defer cancel()

	logger := d.logger.With(
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("account_id", task.AccountID))
	logger.Info("Processing task", zap.Int("retry_count", task.RetryCount))

	var result map[string]any
	err := d.pool.UseInstance(execCtx, task.AccountID, func(inst *pool.Instance) error {
		r, handleErr := d.handler.Handle(execCtx, task, inst)
		if execCtx.Err() != nil {
			// A timed-out browser context may hold corrupted state. Never
			// reuse it.
			inst.MarkUnhealthy()
		}
		result = r
		return handleErr
	})

	// Settle against the queue on a fresh context: the execution context may
	// already be expired or force-cancelled.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(d.taskCtx), 15*time.Second)
	defer settleCancel()

	switch {
	case err == nil:
		d.processed.Add(1)
		if completeErr := d.queue.Complete(settleCtx, task.ID, result); completeErr != nil {
			logger.Error("Failed to mark task completed", zap.Error(completeErr))
		}
		d.archive(settleCtx, task, schemas.StatusCompleted, "", result, started)
		logger.Info("Task completed", zap.Duration("duration", time.Since(started)))

	case IsRetryable(err) || errors.Is(err, context.DeadlineExceeded):
		delay := retryBackoffStep * time.Duration(task.RetryCount+1)
		requeued, failErr := d.queue.Fail(settleCtx, task.ID, err.Error(), true, delay)
		if failErr != nil {
			logger.Error("Failed to requeue task", zap.Error(failErr))
			break
		}
		if requeued {
			logger.Warn("Task requeued after transient failure",
				zap.Error(err), zap.Duration("delay", delay))
		} else {
			d.failed.Add(1)
			d.archive(settleCtx, task, schemas.StatusFailed, err.Error(), result, started)
			logger.Error("Task exhausted retries", zap.Error(err))
		}

	default:
		d.failed.Add(1)
		if _, failErr := d.queue.Fail(settleCtx, task.ID, err.Error(), false, 0); failErr != nil {
			logger.Error("Failed to mark task failed", zap.Error(failErr))
		}
		d.archive(settleCtx, task, schemas.StatusFailed, err.Error(), result, started)
		logger.Error("Task failed", zap.Error(err))
	}
}

func (d *Dispatcher) archive(ctx context.Context, task *schemas.Task, status schemas.TaskStatus, taskErr string, result map[string]any, started time.Time) {
	if d.archiver == nil {
		return
	}
	record := &schemas.TaskResult{
		TaskID:      task.ID,
		Type:        task.Type,
		AccountID:   task.AccountID,
		Status:      status,
		WorkerID:    d.opts.WorkerID,
		StartedAt:   started.UTC(),
		CompletedAt: time.Now().UTC(),
		Error:       taskErr,
		Data:        result,
	}
	if err := d.archiver.ArchiveResult(ctx, record); err != nil {
		d.logger.Warn("Failed to archive task result",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context) {
	if d.fleet == nil {
		return
	}
	if err := d.fleet.Heartbeat(ctx, d.opts.WorkerID); err != nil {
		d.logger.Warn("Heartbeat failed", zap.Error(err))
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}

func (d *Dispatcher) shutdown(ctx context.Context) {
	d.logger.Info("Dispatcher shutting down",
		zap.Int64("processed", d.processed.Load()),
		zap.Int64("failed", d.failed.Load()),
		zap.Int64("rejected", d.rejected.Load()))

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.opts.ShutdownGrace):
		d.logger.Warn("Shutdown grace expired, cancelling in-flight tasks")
		d.taskCancel()
		<-done
	}
	d.taskCancel()

	// Sessions persist through the pool's save-then-destroy path.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.ShutdownGrace)
	defer cancel()
	d.pool.Shutdown(shutdownCtx)

	if d.fleet != nil {
		if err := d.fleet.UnregisterWorker(shutdownCtx, d.opts.WorkerID); err != nil {
			d.logger.Warn("Failed to unregister worker", zap.Error(err))
		}
	}

	d.logger.Info("Dispatcher stopped")
}

// WorkerStats is a point-in-time view of this worker.
type WorkerStats struct {
	WorkerID      string     `json:"worker_id"`
	QueueName     string     `json:"queue_name"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	Processed     int64      `json:"tasks_processed"`
	Failed        int64      `json:"tasks_failed"`
	Rejected      int64      `json:"tasks_rejected"`
	Pool          pool.Stats `json:"pool"`
}

// GetStats reports loop counters and pool occupancy.
func (d *Dispatcher) GetStats() WorkerStats {
	return WorkerStats{
		WorkerID:      d.opts.WorkerID,
		QueueName:     d.opts.QueueName,
		UptimeSeconds: time.Since(d.startedAt).Seconds(),
		Processed:     d.processed.Load(),
		Failed:        d.failed.Load(),
		Rejected:      d.rejected.Load(),
		Pool:          d.pool.GetStats(),
	}
}
