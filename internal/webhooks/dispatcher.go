package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"payhooks/internal/model"
	"payhooks/internal/queue"
	"payhooks/internal/store"
)

// Dispatcher turns built requests into records and hands them to the worker,
// either through the queue or inline.
type Dispatcher struct {
	Store    store.DeliveryStore
	Queue    queue.Queue
	Worker   *Worker
	Defaults Defaults
	Log      logrus.FieldLogger
}

func NewDispatcher(s store.DeliveryStore, q queue.Queue, w *Worker, d Defaults, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{Store: s, Queue: q, Worker: w, Defaults: d, Log: log}
}

// SyncResult is the outcome of an inline dispatch.
type SyncResult struct {
	Record  model.DeliveryRecord
	Attempt *Attempt // nil when the record was already terminal
}

func (d *Dispatcher) create(ctx context.Context, b *RequestBuilder) (model.DeliveryRecord, bool, error) {
	req, err := b.BuildWith(d.Defaults)
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	snap, err := json.Marshal(req.Payload)
	if err != nil {
		return model.DeliveryRecord{}, false, &ConfigurationError{Field: "payload", Reason: "is not JSON encodable"}
	}
	rec := model.DeliveryRecord{
		ID:              req.ID,
		EventName:       req.EventName,
		URL:             req.TargetURL,
		PayloadSnapshot: snap,
		MaxAttempts:     req.MaxAttempts,
		Headers:         req.ExtraHeaders,
		SigningSecret:   req.SigningSecret,
		Timeout:         req.Timeout,
		VerifyTLS:       req.VerifyTLS,
	}
	out, created, err := d.Store.CreateDelivery(ctx, rec)
	if err != nil {
		return out, false, fmt.Errorf("create delivery %s: %w", rec.ID, err)
	}
	return out, created, nil
}

// Dispatch stores the delivery as pending and queues its first attempt. It
// returns without waiting for the endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, b *RequestBuilder) (model.DeliveryRecord, error) {
	rec, created, err := d.create(ctx, b)
	if err != nil {
		return rec, err
	}
	if !created && rec.Terminal() {
		return rec, nil
	}
	if err := d.enqueue(ctx, rec); err != nil {
		return rec, err
	}
	d.Log.WithFields(logrus.Fields{"delivery_id": rec.ID, "event": rec.EventName, "created": created}).Debug("delivery queued")
	return rec, nil
}

// DispatchSync stores the delivery and performs exactly one attempt inline.
// No retry is scheduled: a failed attempt below the ceiling leaves the record
// pending without a next attempt time.
func (d *Dispatcher) DispatchSync(ctx context.Context, b *RequestBuilder) (SyncResult, error) {
	rec, _, err := d.create(ctx, b)
	if err != nil {
		return SyncResult{Record: rec}, err
	}
	if rec.Terminal() {
		return SyncResult{Record: rec}, nil
	}
	updated, a, _, err := d.Worker.Deliver(ctx, rec, false)
	return SyncResult{Record: updated, Attempt: &a}, err
}

// Retry gives a failed delivery a fresh attempt budget and queues it.
func (d *Dispatcher) Retry(ctx context.Context, id string) (model.DeliveryRecord, error) {
	rec, err := d.Store.RetryDelivery(ctx, id)
	if err != nil {
		return rec, err
	}
	return rec, d.enqueue(ctx, rec)
}

func (d *Dispatcher) enqueue(ctx context.Context, rec model.DeliveryRecord) error {
	err := d.Queue.Enqueue(ctx, queue.Job{ID: rec.ID, Kind: queue.KindDeliver}, 0)
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		return fmt.Errorf("enqueue delivery %s: %w", rec.ID, err)
	}
	return nil
}
