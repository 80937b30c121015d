package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Memory is an in-process Queue for single-node deployments and tests.
// Redelivery delays are driven by timers; pending timers are released on
// Close.
type Memory struct {
	jobs chan Job
	done chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// ErrClosed is returned for operations on a closed queue.
var ErrClosed = eris.New("queue: closed")

// NewMemory creates an in-process queue with the given buffer size.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	return &Memory{
		jobs:   make(chan Job, buffer),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

func (m *Memory) Enqueue(ctx context.Context, jobType JobType, payload any) error {
	job, err := NewJob(jobType, payload)
	if err != nil {
		return err
	}
	return m.push(ctx, job)
}

func (m *Memory) Dequeue(ctx context.Context) (Job, error) {
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-m.done:
		return Job{}, ErrClosed
	case job := <-m.jobs:
		return job, nil
	}
}

func (m *Memory) Requeue(_ context.Context, job Job, delay time.Duration) error {
	job.Deliveries++

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if delay <= 0 {
		select {
		case m.jobs <- job:
		default:
			return eris.Errorf("queue: buffer full, dropping redelivery of %s", job.ID)
		}
		return nil
	}

	m.timers[job.ID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, job.ID)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		select {
		case m.jobs <- job:
		default:
		}
	})
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	// The jobs channel is never closed: producers blocked in push must be
	// released by the done signal, not by a panic on a closed channel.
	close(m.done)
	return nil
}

func (m *Memory) push(ctx context.Context, job Job) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	case m.jobs <- job:
		return nil
	}
}
