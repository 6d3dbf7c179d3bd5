package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Memory is an in-process delayed queue used when no REDIS_URL is set.
type Memory struct {
	mu       sync.Mutex
	ready    jobHeap
	queued   map[string]bool
	inFlight map[string]bool
	wake     chan struct{}
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		queued:   map[string]bool{},
		inFlight: map[string]bool{},
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (m *Memory) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	m.mu.Lock()
	if m.queued[job.ID] || m.inFlight[job.ID] {
		m.mu.Unlock()
		return ErrDuplicate
	}
	job.RunAt = m.now().Add(delay)
	heap.Push(&m.ready, job)
	m.queued[job.ID] = true
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (Job, error) {
	for {
		m.mu.Lock()
		wait := time.Duration(-1)
		if len(m.ready) > 0 {
			top := m.ready[0]
			if d := top.RunAt.Sub(m.now()); d > 0 {
				wait = d
			} else {
				job := heap.Pop(&m.ready).(Job)
				delete(m.queued, job.ID)
				m.inFlight[job.ID] = true
				more := len(m.ready) > 0
				m.mu.Unlock()
				if more {
					// hand the wakeup on to another idle consumer
					m.signal()
				}
				return job, nil
			}
		}
		m.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Job{}, ctx.Err()
		case <-m.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (m *Memory) Ack(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inFlight[job.ID] {
		return ErrNotHeld
	}
	delete(m.inFlight, job.ID)
	return nil
}

func (m *Memory) Nack(ctx context.Context, job Job, delay time.Duration) error {
	m.mu.Lock()
	if !m.inFlight[job.ID] {
		m.mu.Unlock()
		return ErrNotHeld
	}
	delete(m.inFlight, job.ID)
	job.RunAt = m.now().Add(delay)
	heap.Push(&m.ready, job)
	m.queued[job.ID] = true
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) + len(m.inFlight), nil
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// jobHeap orders jobs by RunAt.
type jobHeap []Job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].RunAt.Before(h[j].RunAt) }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
