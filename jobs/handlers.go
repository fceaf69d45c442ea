package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"app-hivepay/queue"
	"app-hivepay/services"
)

// Handlers binds the queue's job kinds to the orchestrator services. The
// in-process lock deduplicates concurrent runs within one worker process;
// the database unique indexes carry correctness across processes.
type Handlers struct {
	locks          *queue.LockManager
	cycleProcessor *services.CycleProcessorService
	retryProcessor *services.RetryProcessorService
	scheduler      *services.SchedulerService
}

// NewHandlers creates the job handler set
func NewHandlers(
	locks *queue.LockManager,
	cycleProcessor *services.CycleProcessorService,
	retryProcessor *services.RetryProcessorService,
	scheduler *services.SchedulerService,
) *Handlers {
	return &Handlers{
		locks:          locks,
		cycleProcessor: cycleProcessor,
		retryProcessor: retryProcessor,
		scheduler:      scheduler,
	}
}

// Register wires all handlers into the queue
func (h *Handlers) Register(q *queue.Queue) {
	q.RegisterHandler(queue.JobKindCycleTick, h.handleCycleTick)
	q.RegisterHandler(queue.JobKindRetryPayment, h.handleRetryPayment)
	q.RegisterHandler(queue.JobKindGroupPause, h.handleGroupPause)
}

func (h *Handlers) handleCycleTick(ctx context.Context, job *queue.Job) error {
	var payload CycleTickPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode cycle-tick payload: %w", err)
	}

	if !h.locks.TryAcquire(payload.GroupID, queue.JobKindCycleTick) {
		return queue.ErrDuplicateJob
	}
	defer h.locks.Release(payload.GroupID, queue.JobKindCycleTick)

	return h.cycleProcessor.RunCycle(ctx, payload.GroupID)
}

func (h *Handlers) handleRetryPayment(ctx context.Context, job *queue.Job) error {
	var payload RetryPaymentPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode retry-payment payload: %w", err)
	}

	if !h.locks.TryAcquire(payload.PaymentID, queue.JobKindRetryPayment) {
		return queue.ErrDuplicateJob
	}
	defer h.locks.Release(payload.PaymentID, queue.JobKindRetryPayment)

	return h.retryProcessor.RetryPayment(ctx, payload.PaymentID)
}

func (h *Handlers) handleGroupPause(ctx context.Context, job *queue.Job) error {
	var payload GroupPausePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode group-pause payload: %w", err)
	}
	return h.scheduler.Pause(ctx, payload.GroupID, payload.Reason)
}
