package jobs

import (
	"context"
	"encoding/json"
	"time"

	"app-hivepay/queue"
)

// Dispatch attempts before a job is dead-lettered
const defaultJobMaxRetries = 3

// Enqueuer schedules orchestrator jobs on the durable queue. Job ids are
// client-chosen (<kind>-<primaryKey>-<epochMillis>) so distinct occurrences
// never collapse.
type Enqueuer struct {
	q *queue.Queue

	// now is a hook for tests
	now func() time.Time
}

// NewEnqueuer creates an enqueuer over the queue
func NewEnqueuer(q *queue.Queue) *Enqueuer {
	return &Enqueuer{q: q, now: time.Now}
}

// EnqueueCycleTick schedules a cycle tick for the group after delay
func (e *Enqueuer) EnqueueCycleTick(ctx context.Context, groupID uint, delay time.Duration) error {
	payload, err := json.Marshal(CycleTickPayload{GroupID: groupID})
	if err != nil {
		return err
	}
	return e.q.EnqueueIn(ctx, &queue.Job{
		ID:         queue.JobID(queue.JobKindCycleTick, groupID, e.now()),
		Kind:       queue.JobKindCycleTick,
		Payload:    payload,
		MaxRetries: defaultJobMaxRetries,
	}, delay)
}

// EnqueueRetryPayment schedules a payment retry after delay
func (e *Enqueuer) EnqueueRetryPayment(ctx context.Context, paymentID uint, delay time.Duration) error {
	payload, err := json.Marshal(RetryPaymentPayload{PaymentID: paymentID})
	if err != nil {
		return err
	}
	return e.q.EnqueueIn(ctx, &queue.Job{
		ID:         queue.JobID(queue.JobKindRetryPayment, paymentID, e.now()),
		Kind:       queue.JobKindRetryPayment,
		Payload:    payload,
		MaxRetries: defaultJobMaxRetries,
	}, delay)
}

// EnqueueGroupPause schedules an asynchronous group pause
func (e *Enqueuer) EnqueueGroupPause(ctx context.Context, groupID uint, reason string) error {
	payload, err := json.Marshal(GroupPausePayload{GroupID: groupID, Reason: reason})
	if err != nil {
		return err
	}
	return e.q.Enqueue(ctx, &queue.Job{
		ID:         queue.JobID(queue.JobKindGroupPause, groupID, e.now()),
		Kind:       queue.JobKindGroupPause,
		Payload:    payload,
		MaxRetries: defaultJobMaxRetries,
	})
}
