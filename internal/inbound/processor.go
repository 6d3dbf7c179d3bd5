package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"payhooks/internal/events"
	"payhooks/internal/metrics"
	"payhooks/internal/queue"
	"payhooks/internal/store"
)

const (
	// DefaultLease is how long a claim protects a record from a second processor.
	DefaultLease = 5 * time.Minute
	// storeRetry is the delay before a job whose store call failed runs again.
	storeRetry = 30 * time.Second
)

// Processor applies accepted inbound records. A collaborator failure is
// recorded on the record and not retried; Reprocess is the operator's way back.
type Processor struct {
	Store   store.InboundStore
	Kinds   *Registry
	Service PaymentService
	// Queue receives inbound.process jobs. Nil, or Sync set, processes inline.
	Queue  queue.Queue
	Sync   bool
	Lease  time.Duration
	Broker events.Broker
	Log    logrus.FieldLogger
}

func NewProcessor(s store.InboundStore, kinds *Registry, svc PaymentService, q queue.Queue, log logrus.FieldLogger) *Processor {
	return &Processor{Store: s, Kinds: kinds, Service: svc, Queue: q, Lease: DefaultLease, Log: log}
}

// Result reports what happened to one record.
type Result struct {
	RecordID string `json:"recordId"`
	Queued   bool   `json:"queued,omitempty"`
	Applied  bool   `json:"applied,omitempty"`
	Skipped  string `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Schedule processes the record inline or queues it, depending on the mode.
func (p *Processor) Schedule(ctx context.Context, id string) (Result, error) {
	if p.Sync || p.Queue == nil {
		return p.Process(ctx, id)
	}
	err := p.Queue.Enqueue(ctx, queue.Job{ID: id, Kind: queue.KindInbound}, 0)
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		return Result{RecordID: id}, fmt.Errorf("enqueue inbound %s: %w", id, err)
	}
	return Result{RecordID: id, Queued: true}, nil
}

// Process applies record id once. Processed and invalid records are skipped,
// as are records currently claimed by another processor.
func (p *Processor) Process(ctx context.Context, id string) (Result, error) {
	res := Result{RecordID: id}
	rec, err := p.Store.GetInbound(ctx, id)
	if err != nil {
		return res, fmt.Errorf("get inbound %s: %w", id, err)
	}
	switch {
	case rec.Processed():
		res.Skipped = "already processed"
	case !rec.Valid():
		res.Skipped = "invalid"
	}
	if res.Skipped != "" {
		metrics.InboundProcessed.WithLabelValues(rec.Kind, "skipped").Inc()
		return res, nil
	}
	lease := p.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	rec, ok, err := p.Store.ClaimInbound(ctx, id, lease)
	if err != nil {
		return res, fmt.Errorf("claim inbound %s: %w", id, err)
	}
	if !ok {
		res.Skipped = "claimed"
		metrics.InboundProcessed.WithLabelValues(rec.Kind, "skipped").Inc()
		return res, nil
	}

	log := p.Log.WithFields(logrus.Fields{"record_id": id, "kind": rec.Kind, "dedupe_key": rec.DedupeKey})
	var msg string
	if err := p.apply(ctx, rec.Kind, id, rec.RawPayload); err != nil {
		msg = err.Error()
	}
	if err := p.Store.CompleteInbound(ctx, id, msg); err != nil {
		return res, fmt.Errorf("complete inbound %s: %w", id, err)
	}
	res.Applied = true
	res.Error = msg

	outcome := "ok"
	if msg != "" {
		outcome = "error"
		log.WithField("error", msg).Error("inbound processing failed")
	} else {
		log.Info("inbound processed")
	}
	metrics.InboundProcessed.WithLabelValues(rec.Kind, outcome).Inc()
	if p.Broker != nil {
		data := map[string]any{"recordId": id, "kind": rec.Kind, "eventType": rec.EventType}
		if msg != "" {
			data["error"] = msg
		}
		p.Broker.Publish(events.TopicInbound, events.Event{Type: "inbound.processed", Data: data})
	}
	return res, nil
}

func (p *Processor) apply(ctx context.Context, kindName, id string, raw json.RawMessage) error {
	kind, ok := p.Kinds.Get(kindName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kindName)
	}
	var params Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return kind.Apply(ctx, p.Service, id, params)
}

// Reprocess clears the processed state of a record and schedules it again.
func (p *Processor) Reprocess(ctx context.Context, id string) (Result, error) {
	if _, err := p.Store.ResetInbound(ctx, id); err != nil {
		return Result{RecordID: id}, err
	}
	p.Log.WithField("record_id", id).Info("inbound record reset for reprocessing")
	return p.Schedule(ctx, id)
}

// Handle runs inbound.process jobs for the worker pool. Only store failures
// are retried; a failed collaborator call is already recorded.
func (p *Processor) Handle(ctx context.Context, job queue.Job) queue.Outcome {
	_, err := p.Process(ctx, job.ID)
	switch {
	case err == nil:
		return queue.Done()
	case errors.Is(err, store.ErrNotFound):
		p.Log.WithField("record_id", job.ID).Warn("inbound record vanished, dropping job")
		return queue.Done()
	default:
		p.Log.WithError(err).WithField("record_id", job.ID).Warn("inbound processing interrupted")
		return queue.RetryAfter(storeRetry)
	}
}
