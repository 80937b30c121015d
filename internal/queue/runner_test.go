package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbilhub/docpipe/internal/resilience"
)

func fastBackoff() resilience.BackoffPolicy {
	return resilience.BackoffPolicy{
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2,
		JitterFraction: 0,
	}
}

func TestRunner_AckFinishesDelivery(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	var deliveries atomic.Int32
	done := make(chan struct{})

	r := NewRunner(q, WithWorkers(1), WithBackoff(fastBackoff()))
	r.Register(TypeProcessDocument, func(ctx context.Context, job Job) Disposition {
		deliveries.Add(1)
		close(done)
		return Ack
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, q.Enqueue(ctx, TypeProcessDocument, ProcessDocument{DocumentID: 1}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	// Give a misbehaving runner a chance to redeliver.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), deliveries.Load(), "ack must not redeliver")
}

func TestRunner_RetryRedeliversSameJob(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	var ids []string
	done := make(chan struct{})

	r := NewRunner(q, WithWorkers(1), WithBackoff(fastBackoff()))
	r.Register(TypeSchemaExtraction, func(ctx context.Context, job Job) Disposition {
		ids = append(ids, job.ID)
		if len(ids) < 3 {
			return Retry
		}
		close(done)
		return Ack
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, q.Enqueue(ctx, TypeSchemaExtraction, SchemaExtraction{DocumentID: 7}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not redelivered")
	}

	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[1], "redelivery must carry the same job id")
	assert.Equal(t, ids[1], ids[2])
}

func TestRunner_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	var deliveries atomic.Int32

	r := NewRunner(q, WithWorkers(1), WithBackoff(fastBackoff()), WithMaxDeliveries(3))
	r.Register(TypeSchemaExtraction, func(ctx context.Context, job Job) Disposition {
		deliveries.Add(1)
		return Retry
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, q.Enqueue(ctx, TypeSchemaExtraction, SchemaExtraction{DocumentID: 7}))

	assert.Eventually(t, func() bool {
		return deliveries.Load() == 3
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), deliveries.Load(), "redelivery stops at the budget")
}

func TestRunner_DropDiscardsJob(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	var deliveries atomic.Int32
	done := make(chan struct{})

	r := NewRunner(q, WithWorkers(1), WithBackoff(fastBackoff()))
	r.Register(TypeProcessDocument, func(ctx context.Context, job Job) Disposition {
		deliveries.Add(1)
		close(done)
		return Drop
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, q.Enqueue(ctx, TypeProcessDocument, ProcessDocument{DocumentID: 404}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), deliveries.Load())
}

func TestRunner_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	r := NewRunner(q, WithWorkers(2))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
