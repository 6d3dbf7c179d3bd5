package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"payhooks/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	deliveries  map[string]*model.DeliveryRecord
	deliveryIDs []string // insertion order
	inbound     map[string]*model.InboundWebhookRecord
	byKey       map[string]string // dedupe key -> id
	inboundIDs  []string
	orders      map[string]string // order id -> security key
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		deliveries: map[string]*model.DeliveryRecord{},
		inbound:    map[string]*model.InboundWebhookRecord{},
		byKey:      map[string]string{},
		orders:     map[string]string{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Deliveries

func (m *Memory) CreateDelivery(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[rec.ID]; ok {
		return *d, false, nil
	}
	now := m.now()
	rec.Status = model.DeliveryPending
	rec.AttemptsMade = 0
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	d := rec
	m.deliveries[rec.ID] = &d
	m.deliveryIDs = append(m.deliveryIDs, rec.ID)
	return d, true, nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) RecordAttempt(ctx context.Context, id string, res model.AttemptResult) (model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	if d.Terminal() {
		return *d, ErrTerminal
	}
	at := res.At
	if at.IsZero() {
		at = m.now()
	}
	d.AttemptsMade++
	d.Status = nextStatus(res.Success, d.AttemptsMade, d.MaxAttempts)
	d.LastHTTPStatus = res.StatusCode
	d.LastError = res.Error
	d.LastResponseBody = truncate(res.ResponseBody, maxResponseSnapshot)
	d.UpdatedAt = at
	d.NextAttemptAt = nil
	switch d.Status {
	case model.DeliverySent:
		sent := at
		d.SentAt = &sent
	case model.DeliveryPending:
		if res.NextAttemptAt != nil {
			next := *res.NextAttemptAt
			d.NextAttemptAt = &next
		}
	}
	return *d, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]model.DeliveryRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	out := []model.DeliveryRecord{}
	past := cursor == ""
	for _, id := range m.deliveryIDs {
		if !past {
			past = id == cursor
			continue
		}
		d := m.deliveries[id]
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, *d)
		if len(out) == limit {
			return out, id, nil
		}
	}
	return out, "", nil
}

func (m *Memory) CountDeliveries(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{model.DeliveryPending: 0, model.DeliverySent: 0, model.DeliveryFailed: 0}
	for _, d := range m.deliveries {
		counts[d.Status]++
	}
	return counts, nil
}

func (m *Memory) RetryDelivery(ctx context.Context, id string) (model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	if d.Status != model.DeliveryFailed {
		return *d, ErrTerminal
	}
	d.Status = model.DeliveryPending
	d.AttemptsMade = 0
	d.NextAttemptAt = nil
	d.UpdatedAt = m.now()
	return *d, nil
}

// Inbound webhooks

func (m *Memory) UpsertInbound(ctx context.Context, rec model.InboundWebhookRecord) (model.InboundWebhookRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = m.now()
	}
	if id, ok := m.byKey[rec.DedupeKey]; ok {
		cur := m.inbound[id]
		cur.ReceivedAt = rec.ReceivedAt
		// a valid receipt supersedes an earlier rejected one
		if !cur.Valid() && rec.Valid() {
			cur.RawPayload = rec.RawPayload
			cur.SignatureValid = rec.SignatureValid
			cur.ValidationError = nil
			cur.EventType = rec.EventType
		}
		return *cur, false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r := rec
	m.inbound[r.ID] = &r
	m.byKey[r.DedupeKey] = r.ID
	m.inboundIDs = append(m.inboundIDs, r.ID)
	return r, true, nil
}

func (m *Memory) GetInbound(ctx context.Context, id string) (model.InboundWebhookRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inbound[id]
	if !ok {
		return model.InboundWebhookRecord{}, ErrNotFound
	}
	return *r, nil
}

func (m *Memory) ClaimInbound(ctx context.Context, id string, lease time.Duration) (model.InboundWebhookRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inbound[id]
	if !ok {
		return model.InboundWebhookRecord{}, false, ErrNotFound
	}
	now := m.now()
	if r.Processed() || !r.Valid() {
		return *r, false, nil
	}
	if r.ClaimedAt != nil && r.ClaimedAt.After(now.Add(-lease)) {
		return *r, false, nil
	}
	r.ClaimedAt = &now
	return *r, true, nil
}

func (m *Memory) CompleteInbound(ctx context.Context, id string, processingErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inbound[id]
	if !ok {
		return ErrNotFound
	}
	if r.Processed() {
		return nil
	}
	now := m.now()
	r.ProcessedAt = &now
	r.ClaimedAt = nil
	r.ProcessingError = nil
	if processingErr != "" {
		e := processingErr
		r.ProcessingError = &e
	}
	return nil
}

func (m *Memory) ListInbound(ctx context.Context, f model.InboundFilter) ([]model.InboundWebhookRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := clampLimit(f.Limit)
	out := []model.InboundWebhookRecord{}
	past := f.Cursor == ""
	for _, id := range m.inboundIDs {
		if !past {
			past = id == f.Cursor
			continue
		}
		r := m.inbound[id]
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if f.Unprocessed && r.Processed() {
			continue
		}
		if f.Failed && r.ProcessingError == nil && r.ValidationError == nil {
			continue
		}
		out = append(out, *r)
		if len(out) == limit {
			return out, id, nil
		}
	}
	return out, "", nil
}

func (m *Memory) ResetInbound(ctx context.Context, id string) (model.InboundWebhookRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inbound[id]
	if !ok {
		return model.InboundWebhookRecord{}, ErrNotFound
	}
	r.ProcessedAt = nil
	r.ProcessingError = nil
	r.ClaimedAt = nil
	return *r, nil
}

// Orders

// SetOrderSecurityKey registers the security key of a local order. The memory
// store has no order table of its own; callers seed the keys they need.
func (m *Memory) SetOrderSecurityKey(ctx context.Context, orderID, key string) error {
	m.mu.Lock()
	m.orders[orderID] = key
	m.mu.Unlock()
	return nil
}

func (m *Memory) OrderSecurityKey(ctx context.Context, orderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.orders[orderID]
	if !ok {
		return "", ErrNotFound
	}
	return k, nil
}
