package queue

import (
	"context"
	"testing"
	"time"

	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(id string) domain.Request {
	return domain.Request{RequestID: id, RequestedBy: "test", RequestedAt: time.Now().UTC()}
}

func TestEnqueueSingleSlot(t *testing.T) {
	q := New()

	require.NoError(t, q.Enqueue(request("a")))
	assert.ErrorIs(t, q.Enqueue(request("b")), ErrAlreadyRunning)
}

func TestDequeueMarksCurrentUntilFinish(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(request("a")))

	req, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", req.RequestID)
	assert.True(t, q.IsRunning())
	require.NotNil(t, q.Current())
	assert.Equal(t, "a", q.Current().RequestID)

	// The slot stays taken while the run is current.
	assert.ErrorIs(t, q.Enqueue(request("b")), ErrAlreadyRunning)

	q.Finish()
	assert.False(t, q.IsRunning())
	assert.Nil(t, q.Current())
	require.NoError(t, q.Enqueue(request("b")))
}

func TestDequeueHonorsContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	done := make(chan domain.Request, 1)
	go func() {
		req, ok := q.Dequeue(context.Background())
		if ok {
			done <- req
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(request("late")))

	select {
	case req := <-done:
		assert.Equal(t, "late", req.RequestID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe the enqueued request")
	}
}
