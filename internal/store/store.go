package store

import (
	"context"
	"errors"
	"time"

	"payhooks/internal/model"
)

// DeliveryStore persists outbound DeliveryRecords. It holds no business logic:
// the worker is the only writer of a given record.
type DeliveryStore interface {
	// CreateDelivery inserts rec in pending state unless a record with the same
	// id exists. created is false when the existing record was returned.
	CreateDelivery(ctx context.Context, rec model.DeliveryRecord) (out model.DeliveryRecord, created bool, err error)
	GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error)
	// RecordAttempt counts one physical attempt and moves the record to sent,
	// failed (attempt ceiling reached) or keeps it pending. Terminal records
	// are left untouched and ErrTerminal is returned.
	RecordAttempt(ctx context.Context, id string, res model.AttemptResult) (model.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]model.DeliveryRecord, string, error)
	CountDeliveries(ctx context.Context) (map[string]int, error)
	// RetryDelivery resets a failed record to pending with a fresh attempt budget.
	RetryDelivery(ctx context.Context, id string) (model.DeliveryRecord, error)
}

// InboundStore persists InboundWebhookRecords keyed by their dedupe key.
type InboundStore interface {
	// UpsertInbound inserts rec or, when its dedupe key is known, refreshes
	// received_at on the existing row and returns it with created=false.
	UpsertInbound(ctx context.Context, rec model.InboundWebhookRecord) (out model.InboundWebhookRecord, created bool, err error)
	GetInbound(ctx context.Context, id string) (model.InboundWebhookRecord, error)
	// ClaimInbound takes the processing lease on a valid, unprocessed record.
	// A claim older than lease is considered abandoned and can be taken again.
	ClaimInbound(ctx context.Context, id string, lease time.Duration) (model.InboundWebhookRecord, bool, error)
	// CompleteInbound sets processed_at and the processing error (empty for success).
	CompleteInbound(ctx context.Context, id string, processingErr string) error
	ListInbound(ctx context.Context, f model.InboundFilter) ([]model.InboundWebhookRecord, string, error)
	// ResetInbound clears processed state so the record can be processed again.
	ResetInbound(ctx context.Context, id string) (model.InboundWebhookRecord, error)
}

// OrderStore exposes the one order attribute the inbound path needs.
type OrderStore interface {
	OrderSecurityKey(ctx context.Context, orderID string) (string, error)
}

// Store is the persistence interface used by the server and the workers.
type Store interface {
	DeliveryStore
	InboundStore
	OrderStore
	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	ErrTerminal = errors.New("delivery already in terminal state")
)

// nextStatus applies the delivery lifecycle to one attempt.
func nextStatus(success bool, attemptsMade, maxAttempts int) string {
	switch {
	case success:
		return model.DeliverySent
	case attemptsMade >= maxAttempts:
		return model.DeliveryFailed
	default:
		return model.DeliveryPending
	}
}

const maxResponseSnapshot = 1024

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
