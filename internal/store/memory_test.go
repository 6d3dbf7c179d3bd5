package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"payhooks/internal/model"
)

func newDelivery(id string, max int) model.DeliveryRecord {
	return model.DeliveryRecord{ID: id, EventName: "invoice.paid", URL: "https://example.test/hook", MaxAttempts: max}
}

func TestCreateDeliveryIsCreateIfAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	d, created, err := m.CreateDelivery(ctx, newDelivery("d1", 3))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if d.Status != model.DeliveryPending || d.AttemptsMade != 0 {
		t.Fatalf("unexpected initial state: %+v", d)
	}
	again := newDelivery("d1", 9)
	d2, created, err := m.CreateDelivery(ctx, again)
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	if d2.MaxAttempts != 3 {
		t.Fatalf("existing record should be returned unchanged, got max=%d", d2.MaxAttempts)
	}
}

func TestRecordAttemptLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, _, _ = m.CreateDelivery(ctx, newDelivery("d1", 2))

	next := time.Now().Add(10 * time.Second)
	d, err := m.RecordAttempt(ctx, "d1", model.AttemptResult{StatusCode: 500, ResponseBody: "boom", NextAttemptAt: &next})
	if err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if d.Status != model.DeliveryPending || d.AttemptsMade != 1 || d.NextAttemptAt == nil {
		t.Fatalf("after attempt 1: %+v", d)
	}
	d, err = m.RecordAttempt(ctx, "d1", model.AttemptResult{StatusCode: 502, NextAttemptAt: &next})
	if err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	if d.Status != model.DeliveryFailed || d.AttemptsMade != 2 || d.NextAttemptAt != nil {
		t.Fatalf("after attempt 2: %+v", d)
	}
	if _, err := m.RecordAttempt(ctx, "d1", model.AttemptResult{Success: true, StatusCode: 200}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("want ErrTerminal, got %v", err)
	}
	if _, err := m.RecordAttempt(ctx, "missing", model.AttemptResult{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRecordAttemptSuccessTruncatesBody(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, _, _ = m.CreateDelivery(ctx, newDelivery("d1", 3))
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	d, err := m.RecordAttempt(ctx, "d1", model.AttemptResult{Success: true, StatusCode: 204, ResponseBody: string(long)})
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != model.DeliverySent || d.SentAt == nil {
		t.Fatalf("want sent with SentAt, got %+v", d)
	}
	if len(d.LastResponseBody) != maxResponseSnapshot {
		t.Fatalf("body not truncated: %d", len(d.LastResponseBody))
	}
}

func TestRetryDeliveryOnlyFromFailed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, _, _ = m.CreateDelivery(ctx, newDelivery("d1", 1))
	if _, err := m.RetryDelivery(ctx, "d1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("pending record should not be retryable: %v", err)
	}
	_, _ = m.RecordAttempt(ctx, "d1", model.AttemptResult{Error: "dial tcp: refused"})
	d, err := m.RetryDelivery(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != model.DeliveryPending || d.AttemptsMade != 0 {
		t.Fatalf("retry did not reset: %+v", d)
	}
	counts, _ := m.CountDeliveries(ctx)
	if counts[model.DeliveryPending] != 1 || counts[model.DeliveryFailed] != 0 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestListDeliveriesPaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, _, _ = m.CreateDelivery(ctx, newDelivery(id, 3))
	}
	page, next, err := m.ListDeliveries(ctx, "", "", 2)
	if err != nil || len(page) != 2 || next != "b" {
		t.Fatalf("page1: %d next=%q err=%v", len(page), next, err)
	}
	page, next, _ = m.ListDeliveries(ctx, "", next, 2)
	if len(page) != 1 || page[0].ID != "c" || next != "" {
		t.Fatalf("page2: %+v next=%q", page, next)
	}
	page, _, _ = m.ListDeliveries(ctx, model.DeliverySent, "", 10)
	if len(page) != 0 {
		t.Fatalf("status filter: %d", len(page))
	}
}

func TestUpsertInboundDedupes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first, created, err := m.UpsertInbound(ctx, model.InboundWebhookRecord{DedupeKey: "k1", Kind: "transaction", ReceivedAt: t0})
	if err != nil || !created || first.ID == "" {
		t.Fatalf("first upsert: %+v created=%v err=%v", first, created, err)
	}
	second, created, err := m.UpsertInbound(ctx, model.InboundWebhookRecord{DedupeKey: "k1", Kind: "transaction", ReceivedAt: t0.Add(time.Minute)})
	if err != nil || created {
		t.Fatalf("second upsert created=%v err=%v", created, err)
	}
	if second.ID != first.ID || !second.ReceivedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("second upsert should refresh received_at on the same row: %+v", second)
	}
	list, _, _ := m.ListInbound(ctx, model.InboundFilter{})
	if len(list) != 1 {
		t.Fatalf("want one row, got %d", len(list))
	}
}

func TestUpsertInboundValidReplacesRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	msg := "missing field: status"
	_, _, _ = m.UpsertInbound(ctx, model.InboundWebhookRecord{DedupeKey: "k1", Kind: "transaction", ValidationError: &msg})
	r, _, _ := m.UpsertInbound(ctx, model.InboundWebhookRecord{DedupeKey: "k1", Kind: "transaction", RawPayload: []byte(`{"status":"ok"}`)})
	if !r.Valid() || string(r.RawPayload) != `{"status":"ok"}` {
		t.Fatalf("valid receipt should supersede: %+v", r)
	}
}

func TestClaimAndCompleteInbound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r, _, _ := m.UpsertInbound(ctx, model.InboundWebhookRecord{DedupeKey: "k1", Kind: "transaction"})

	if _, ok, err := m.ClaimInbound(ctx, r.ID, time.Minute); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.ClaimInbound(ctx, r.ID, time.Minute); ok {
		t.Fatalf("second claim within lease should fail")
	}
	// an expired lease can be taken over
	if _, ok, _ := m.ClaimInbound(ctx, r.ID, 0); !ok {
		t.Fatalf("claim with expired lease should succeed")
	}
	if err := m.CompleteInbound(ctx, r.ID, "gateway down"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetInbound(ctx, r.ID)
	if !got.Processed() || got.ProcessingError == nil || *got.ProcessingError != "gateway down" {
		t.Fatalf("complete: %+v", got)
	}
	if _, ok, _ := m.ClaimInbound(ctx, r.ID, 0); ok {
		t.Fatalf("processed record must not be claimable")
	}
	failed, _, _ := m.ListInbound(ctx, model.InboundFilter{Failed: true})
	if len(failed) != 1 {
		t.Fatalf("failed filter: %d", len(failed))
	}
	got, _ = m.ResetInbound(ctx, r.ID)
	if got.Processed() || got.ProcessingError != nil {
		t.Fatalf("reset: %+v", got)
	}
}

func TestOrderSecurityKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.OrderSecurityKey(ctx, "o1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	_ = m.SetOrderSecurityKey(ctx, "o1", "sk")
	if k, err := m.OrderSecurityKey(ctx, "o1"); err != nil || k != "sk" {
		t.Fatalf("got %q %v", k, err)
	}
}

func TestNextStatus(t *testing.T) {
	cases := []struct {
		success   bool
		made, max int
		want      string
	}{
		{true, 1, 3, model.DeliverySent},
		{true, 3, 3, model.DeliverySent},
		{false, 1, 3, model.DeliveryPending},
		{false, 3, 3, model.DeliveryFailed},
	}
	for _, c := range cases {
		if got := nextStatus(c.success, c.made, c.max); got != c.want {
			t.Fatalf("nextStatus(%v,%d,%d)=%s want %s", c.success, c.made, c.max, got, c.want)
		}
	}
}
