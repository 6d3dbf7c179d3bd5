//go:build postgres_integration

package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"payhooks/internal/model"
)

func newIntegrationStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return p
}

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	p := newIntegrationStore(t)
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	// second run is a no-op
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate twice: %v", err)
	}
}

func TestPostgresDeliveryLifecycle(t *testing.T) {
	p := newIntegrationStore(t)
	ctx := t.Context()
	id := uuid.NewString()
	d, created, err := p.CreateDelivery(ctx, model.DeliveryRecord{ID: id, EventName: "invoice.paid", URL: "https://example.test", PayloadSnapshot: []byte(`{"a":1}`), MaxAttempts: 2})
	if err != nil || !created || d.Status != model.DeliveryPending {
		t.Fatalf("create: %+v created=%v err=%v", d, created, err)
	}
	if _, created, _ := p.CreateDelivery(ctx, model.DeliveryRecord{ID: id, EventName: "x", URL: "y", MaxAttempts: 5}); created {
		t.Fatalf("duplicate id must not create")
	}
	next := time.Now().Add(time.Minute)
	d, err = p.RecordAttempt(ctx, id, model.AttemptResult{StatusCode: 500, ResponseBody: "err", NextAttemptAt: &next})
	if err != nil || d.AttemptsMade != 1 || d.Status != model.DeliveryPending || d.NextAttemptAt == nil {
		t.Fatalf("attempt 1: %+v %v", d, err)
	}
	d, err = p.RecordAttempt(ctx, id, model.AttemptResult{Error: "timeout"})
	if err != nil || d.AttemptsMade != 2 || d.Status != model.DeliveryFailed {
		t.Fatalf("attempt 2: %+v %v", d, err)
	}
	if _, err := p.RecordAttempt(ctx, id, model.AttemptResult{Success: true}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("want ErrTerminal, got %v", err)
	}
	d, err = p.RetryDelivery(ctx, id)
	if err != nil || d.Status != model.DeliveryPending || d.AttemptsMade != 0 {
		t.Fatalf("retry: %+v %v", d, err)
	}
}

func TestPostgresInboundUpsertAndClaim(t *testing.T) {
	p := newIntegrationStore(t)
	ctx := t.Context()
	key := "txn:" + uuid.NewString()
	r1, created, err := p.UpsertInbound(ctx, model.InboundWebhookRecord{DedupeKey: key, Kind: "transaction", EventType: "transaction.completed", RawPayload: []byte(`{}`)})
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	r2, created, err := p.UpsertInbound(ctx, model.InboundWebhookRecord{DedupeKey: key, Kind: "transaction", EventType: "transaction.completed", RawPayload: []byte(`{}`)})
	if err != nil || created || r2.ID != r1.ID {
		t.Fatalf("second upsert: %+v created=%v err=%v", r2, created, err)
	}
	if _, ok, err := p.ClaimInbound(ctx, r1.ID, time.Minute); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := p.ClaimInbound(ctx, r1.ID, time.Minute); ok {
		t.Fatalf("second claim should fail")
	}
	if err := p.CompleteInbound(ctx, r1.ID, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := p.GetInbound(ctx, r1.ID)
	if err != nil || !got.Processed() || got.ProcessingError != nil {
		t.Fatalf("get: %+v %v", got, err)
	}
}

func TestPostgresOrderSecurityKey(t *testing.T) {
	p := newIntegrationStore(t)
	ctx := t.Context()
	oid := uuid.NewString()
	if _, err := p.OrderSecurityKey(ctx, oid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := p.SetOrderSecurityKey(ctx, oid, "sk"); err != nil {
		t.Fatal(err)
	}
	if k, err := p.OrderSecurityKey(ctx, oid); err != nil || k != "sk" {
		t.Fatalf("got %q %v", k, err)
	}
}
