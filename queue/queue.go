package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Job kinds processed by the orchestrator
const (
	JobKindCycleTick    = "cycle-tick"
	JobKindRetryPayment = "retry-payment"
	JobKindGroupPause   = "group-pause"
)

// Redis key layout
const (
	keyDelayed    = "hivepay:queue:delayed"    // ZSET jobID -> ready-at (unix ms)
	keyReady      = "hivepay:queue:ready"      // LIST of jobIDs
	keyProcessing = "hivepay:queue:processing" // ZSET jobID -> stall deadline (unix ms)
	keyCompleted  = "hivepay:queue:completed"  // ZSET jobID -> completed-at (unix ms)
	keyDead       = "hivepay:queue:dead"       // ZSET jobID -> failed-at (unix ms)
	keyJobPrefix  = "hivepay:queue:job:"       // job envelope JSON
)

// Retention windows for audit
const (
	completedRetention = 24 * time.Hour
	failedRetention    = 7 * 24 * time.Hour
)

const maxReconnectBackoff = 10 * time.Second

// ErrDuplicateJob is returned by handlers that detected a concurrent run of
// the same logical job. The queue treats it as a successful no-op.
var ErrDuplicateJob = errors.New("duplicate job")

// Job is the durable envelope stored in redis. IDs are client-chosen
// (<kind>-<primaryKey>-<epochMillis>) so two distinct occurrences of the
// same logical work never collapse into one.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries int             `json:"max_retries"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ReadyAt    time.Time       `json:"ready_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// JobID builds the client-chosen id for one occurrence of a job
func JobID(kind string, primaryKey uint, at time.Time) string {
	return fmt.Sprintf("%s-%d-%d", kind, primaryKey, at.UnixMilli())
}

// Handler processes one job. Returning ErrDuplicateJob marks the job done
// without noise; any other error triggers redelivery with backoff.
type Handler func(ctx context.Context, job *Job) error

// Queue is a durable delayed job queue over redis with at-least-once
// dispatch, stall detection and a dead-letter set.
type Queue struct {
	client     *redis.Client
	handlers   map[string]Handler
	jobTimeout time.Duration
	log        *logrus.Entry

	// now is a hook for tests
	now func() time.Time
}

// NewQueue creates a queue over an existing redis client
func NewQueue(client *redis.Client, jobTimeout time.Duration) *Queue {
	return &Queue{
		client:     client,
		handlers:   make(map[string]Handler),
		jobTimeout: jobTimeout,
		log:        logrus.WithField("component", "queue"),
		now:        time.Now,
	}
}

// RegisterHandler binds a handler to a job kind. Must be called before Run.
func (q *Queue) RegisterHandler(kind string, handler Handler) {
	q.handlers[kind] = handler
}

// Enqueue makes the job ready immediately
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	return q.EnqueueIn(ctx, job, 0)
}

// EnqueueIn makes the job ready after delay. The envelope is written first
// so a crash between the two writes leaves an orphan envelope, never a
// dangling queue entry.
func (q *Queue) EnqueueIn(ctx context.Context, job *Job, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	now := q.now().UTC()
	job.EnqueuedAt = now
	job.ReadyAt = now.Add(delay)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	return q.withReconnect(ctx, func() error {
		if err := q.client.Set(ctx, keyJobPrefix+job.ID, data, 0).Err(); err != nil {
			return err
		}
		if delay == 0 {
			return q.client.LPush(ctx, keyReady, job.ID).Err()
		}
		return q.client.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	})
}

// Run starts the worker pool and the maintenance loops, blocking until ctx
// is cancelled.
func (q *Queue) Run(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		go q.workerLoop(ctx, i)
	}
	go q.promoteLoop(ctx)
	go q.reapLoop(ctx)
	go q.retentionLoop(ctx)
	<-ctx.Done()
}

// workerLoop pops ready jobs and dispatches them
func (q *Queue) workerLoop(ctx context.Context, id int) {
	log := q.log.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := q.client.BRPop(ctx, 2*time.Second, keyReady).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.WithError(err).Warn("Queue pop failed, backing off")
			q.sleep(ctx, time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}
		q.dispatch(ctx, res[1], log)
	}
}

// dispatch runs one job to completion under the per-job timeout
func (q *Queue) dispatch(ctx context.Context, jobID string, log *logrus.Entry) {
	// Stall deadline is twice the job timeout so a reaped job was really dead
	deadline := q.now().Add(2 * q.jobTimeout)
	if err := q.client.ZAdd(ctx, keyProcessing, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: jobID,
	}).Err(); err != nil {
		log.WithError(err).WithField("job_id", jobID).Error("Failed to mark job processing")
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		log.WithError(err).WithField("job_id", jobID).Error("Failed to load job envelope")
		q.client.ZRem(ctx, keyProcessing, jobID)
		return
	}

	handler, ok := q.handlers[job.Kind]
	if !ok {
		log.WithField("kind", job.Kind).Error("No handler registered for job kind")
		q.moveToDead(ctx, job, "no handler registered")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.jobTimeout)
	err = handler(jobCtx, job)
	cancel()

	switch {
	case err == nil:
		q.complete(ctx, job)
	case errors.Is(err, ErrDuplicateJob):
		log.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind}).Info("Duplicate job, no-op")
		q.complete(ctx, job)
	default:
		q.fail(ctx, job, err, log)
	}
}

func (q *Queue) complete(ctx context.Context, job *Job) {
	q.client.ZRem(ctx, keyProcessing, job.ID)
	q.client.ZAdd(ctx, keyCompleted, redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: job.ID,
	})
}

// fail redelivers with linear backoff until MaxRetries, then dead-letters
func (q *Queue) fail(ctx context.Context, job *Job, jobErr error, log *logrus.Entry) {
	q.client.ZRem(ctx, keyProcessing, job.ID)
	job.Attempts++
	job.LastError = jobErr.Error()

	log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"attempt": job.Attempts,
	}).WithError(jobErr).Error("Job failed")

	if job.MaxRetries > 0 && job.Attempts >= job.MaxRetries {
		q.moveToDead(ctx, job, jobErr.Error())
		return
	}

	backoff := time.Duration(job.Attempts) * 30 * time.Second
	if err := q.EnqueueIn(ctx, job, backoff); err != nil {
		log.WithError(err).WithField("job_id", job.ID).Error("Failed to re-enqueue job")
	}
}

func (q *Queue) moveToDead(ctx context.Context, job *Job, reason string) {
	job.LastError = reason
	if data, err := json.Marshal(job); err == nil {
		q.client.Set(ctx, keyJobPrefix+job.ID, data, 0)
	}
	q.client.ZRem(ctx, keyProcessing, job.ID)
	q.client.ZAdd(ctx, keyDead, redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: job.ID,
	})
}

// promoteLoop moves due delayed jobs into the ready list
func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) {
	nowMs := fmt.Sprintf("%d", q.now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: nowMs, Count: 100,
	}).Result()
	if err != nil {
		q.log.WithError(err).Warn("Failed to scan delayed jobs")
		return
	}
	for _, id := range ids {
		// Remove-then-push: only the remover promotes, so two schedulers
		// cannot double-deliver the same entry
		removed, err := q.client.ZRem(ctx, keyDelayed, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, keyReady, id).Err(); err != nil {
			q.log.WithError(err).WithField("job_id", id).Error("Failed to promote delayed job")
		}
	}
}

// reapLoop returns stalled jobs to the ready list
func (q *Queue) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reapStalled(ctx)
		}
	}
}

func (q *Queue) reapStalled(ctx context.Context) {
	nowMs := fmt.Sprintf("%d", q.now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, keyProcessing, &redis.ZRangeBy{
		Min: "-inf", Max: nowMs, Count: 100,
	}).Result()
	if err != nil {
		q.log.WithError(err).Warn("Failed to scan processing jobs")
		return
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, keyProcessing, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		q.log.WithField("job_id", id).Warn("Reaping stalled job")
		if err := q.client.LPush(ctx, keyReady, id).Err(); err != nil {
			q.log.WithError(err).WithField("job_id", id).Error("Failed to requeue stalled job")
		}
	}
}

// retentionLoop trims completed (24h) and dead (7d) jobs with their
// envelopes
func (q *Queue) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.trim(ctx, keyCompleted, completedRetention)
			q.trim(ctx, keyDead, failedRetention)
		}
	}
}

func (q *Queue) trim(ctx context.Context, key string, retention time.Duration) {
	cutoff := fmt.Sprintf("%d", q.now().Add(-retention).UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil {
		return
	}
	for _, id := range ids {
		q.client.Del(ctx, keyJobPrefix+id)
	}
	q.client.ZRemRangeByScore(ctx, key, "-inf", cutoff)
}

func (q *Queue) loadJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, keyJobPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// withReconnect retries a redis operation with exponential backoff capped
// at 10s, so enqueues survive a connection blip.
func (q *Queue) withReconnect(ctx context.Context, op func() error) error {
	backoff := 250 * time.Millisecond
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		q.log.WithError(err).Warn("Redis operation failed, retrying")
		q.sleep(ctx, backoff)
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
	return err
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
