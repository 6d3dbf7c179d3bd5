// Package queue moves jobs between producers and the worker pool. A job is
// identified by its ID: at most one job per ID is queued or in flight at any
// time, and a job released with Nack becomes visible again after its delay.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job kinds handled by the service.
const (
	KindDeliver = "webhook.deliver"
	KindInbound = "inbound.process"
)

type Job struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Attempt int             `json:"attempt"` // completed runs before this one
	Payload json.RawMessage `json:"payload,omitempty"`
	RunAt   time.Time       `json:"runAt"`
}

type Queue interface {
	// Enqueue makes job visible after delay. ErrDuplicate is returned when a
	// job with the same ID is already queued or in flight.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks until a job is due or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	// Ack removes a finished job.
	Ack(ctx context.Context, job Job) error
	// Nack releases an in-flight job back to the queue after delay.
	Nack(ctx context.Context, job Job, delay time.Duration) error
	// Len reports queued plus in-flight jobs.
	Len(ctx context.Context) (int, error)
}

var (
	ErrDuplicate = errors.New("queue: job already queued")
	ErrNotHeld   = errors.New("queue: job not in flight")
)
