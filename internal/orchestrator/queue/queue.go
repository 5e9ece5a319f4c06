// Package queue serializes orchestration runs: at most one request is queued
// or running process-wide.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"go.uber.org/fx"
)

// ErrAlreadyRunning rejects a request while another is queued or running.
var ErrAlreadyRunning = errors.New("orchestration already queued or running")

// Queue is a single-slot run queue.
type Queue struct {
	mu      sync.Mutex
	pending chan domain.Request
	current *domain.Request
}

func New() *Queue {
	return &Queue{pending: make(chan domain.Request, 1)}
}

var Module = fx.Module("orchestrator.queue",
	fx.Provide(New),
)

// Enqueue accepts the request unless another run holds the slot.
func (q *Queue) Enqueue(req domain.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil {
		return ErrAlreadyRunning
	}
	select {
	case q.pending <- req:
		return nil
	default:
		return ErrAlreadyRunning
	}
}

// Dequeue blocks until a request is available or ctx is done. The returned
// request is current until Finish is called.
func (q *Queue) Dequeue(ctx context.Context) (domain.Request, bool) {
	select {
	case req := <-q.pending:
		q.mu.Lock()
		q.current = &req
		q.mu.Unlock()
		return req, true
	case <-ctx.Done():
		return domain.Request{}, false
	}
}

// Finish releases the slot.
func (q *Queue) Finish() {
	q.mu.Lock()
	q.current = nil
	q.mu.Unlock()
}

// Current returns a copy of the running request, if any.
func (q *Queue) Current() *domain.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	current := *q.current
	return &current
}

// IsRunning reports whether a run currently holds the slot.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}
