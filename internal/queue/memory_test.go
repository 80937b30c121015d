package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_EnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	err := q.Enqueue(context.Background(), TypeProcessDocument, ProcessDocument{DocumentID: 42})
	require.NoError(t, err)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeProcessDocument, job.Type)
	assert.Equal(t, 0, job.Deliveries)
	assert.NotEmpty(t, job.ID)

	var payload ProcessDocument
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, int64(42), payload.DocumentID)
}

func TestMemory_DequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_RequeueAdvancesDeliveries(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), TypeSchemaExtraction, SchemaExtraction{DocumentID: 1}))
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.Requeue(context.Background(), job, 0))

	redelivered, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, redelivered.ID, "redelivery must carry the same job")
	assert.Equal(t, 1, redelivered.Deliveries)
}

func TestMemory_RequeueDelaysRedelivery(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), TypeSchemaExtraction, SchemaExtraction{DocumentID: 1}))
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, q.Requeue(context.Background(), job, 50*time.Millisecond))

	redelivered, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, redelivered.ID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemory_CloseStopsOperations(t *testing.T) {
	t.Parallel()

	q := NewMemory(8)
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), TypeProcessDocument, ProcessDocument{DocumentID: 1})
	require.ErrorIs(t, err, ErrClosed)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, q.Close(), "double close is safe")
}

func TestMemory_CloseReleasesBlockedEnqueue(t *testing.T) {
	t.Parallel()

	q := NewMemory(1)
	require.NoError(t, q.Enqueue(context.Background(), TypeProcessDocument, ProcessDocument{DocumentID: 1}))

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(context.Background(), TypeProcessDocument, ProcessDocument{DocumentID: 2})
	}()

	// Give the goroutine time to park in the full buffer's send.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-blocked:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("enqueue still blocked after close")
	}
}
