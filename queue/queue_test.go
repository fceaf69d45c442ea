package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDEncodesKindKeyAndOccurrence(t *testing.T) {
	at := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

	id := JobID(JobKindCycleTick, 42, at)
	assert.Equal(t, "cycle-tick-42-1736154000000", id)

	// Two occurrences of the same logical job never collapse
	later := JobID(JobKindCycleTick, 42, at.Add(time.Millisecond))
	assert.NotEqual(t, id, later)

	// Distinct keys never collide
	assert.NotEqual(t, id, JobID(JobKindCycleTick, 43, at))
	assert.NotEqual(t, id, JobID(JobKindRetryPayment, 42, at))
}

func TestJobEnvelopeRoundTrip(t *testing.T) {
	job := &Job{
		ID:         "retry-payment-7-1736154000000",
		Kind:       JobKindRetryPayment,
		Payload:    json.RawMessage(`{"payment_id":7}`),
		MaxRetries: 3,
		Attempts:   1,
		EnqueuedAt: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
		ReadyAt:    time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC),
		LastError:  "gateway error",
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.Kind, decoded.Kind)
	assert.JSONEq(t, string(job.Payload), string(decoded.Payload))
	assert.Equal(t, job.Attempts, decoded.Attempts)
	assert.True(t, job.ReadyAt.Equal(decoded.ReadyAt))
}
