package services

import (
	"context"
	"time"
)

// JobEnqueuer schedules orchestrator jobs. Implemented by the jobs package
// over the durable queue; services depend on this interface so the
// dependency points outward.
type JobEnqueuer interface {
	EnqueueCycleTick(ctx context.Context, groupID uint, delay time.Duration) error
	EnqueueRetryPayment(ctx context.Context, paymentID uint, delay time.Duration) error
	EnqueueGroupPause(ctx context.Context, groupID uint, reason string) error
}
