package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"payhooks/internal/metrics"
)

// Outcome tells the pool what to do with a job after its handler ran.
type Outcome struct {
	Retry bool
	Delay time.Duration
}

// Done acknowledges the job.
func Done() Outcome { return Outcome{} }

// RetryAfter releases the job back to the queue after d.
func RetryAfter(d time.Duration) Outcome { return Outcome{Retry: true, Delay: d} }

type Handler interface {
	Handle(ctx context.Context, job Job) Outcome
}

type HandlerFunc func(ctx context.Context, job Job) Outcome

func (f HandlerFunc) Handle(ctx context.Context, job Job) Outcome { return f(ctx, job) }

// Pool runs Workers goroutines pulling from Queue and dispatching by job kind.
type Pool struct {
	Queue   Queue
	Workers int
	Log     logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
}

func NewPool(q Queue, workers int, log logrus.FieldLogger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{Queue: q, Workers: workers, Log: log, handlers: map[string]Handler{}}
}

func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until the in-flight jobs are finished.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.loop(ctx, p.Log.WithField("worker", n))
		}(i)
	}
}

func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) loop(ctx context.Context, log logrus.FieldLogger) {
	for {
		job, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// a started job finishes even when shutdown begins
		p.Run(context.WithoutCancel(ctx), job)
	}
}

// Run executes one job and settles it on the queue.
func (p *Pool) Run(ctx context.Context, job Job) {
	log := p.Log.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind, "attempt": job.Attempt})
	p.mu.RLock()
	h, ok := p.handlers[job.Kind]
	p.mu.RUnlock()
	if !ok {
		log.Error("no handler for job kind; dropping")
		metrics.QueueJobs.WithLabelValues(job.Kind, "dropped").Inc()
		_ = p.Queue.Ack(ctx, job)
		return
	}
	out := h.Handle(ctx, job)
	if out.Retry {
		job.Attempt++
		if err := p.Queue.Nack(ctx, job, out.Delay); err != nil && !errors.Is(err, ErrNotHeld) {
			log.WithError(err).Error("release job failed")
		}
		metrics.QueueJobs.WithLabelValues(job.Kind, "retry").Inc()
		return
	}
	if err := p.Queue.Ack(ctx, job); err != nil && !errors.Is(err, ErrNotHeld) {
		log.WithError(err).Error("ack job failed")
	}
	metrics.QueueJobs.WithLabelValues(job.Kind, "ack").Inc()
}
