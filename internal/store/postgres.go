package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"payhooks/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in file name order. Applied versions
// are tracked in schema_migrations so reruns are no-ops.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version text PRIMARY KEY,
		applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		var seen int
		if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version=$1`, version).Scan(&seen); err != nil {
			return err
		}
		if seen > 0 {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Deliveries

const deliveryCols = `id, event_name, url, payload, status, attempts_made, max_attempts,
	COALESCE(last_http_status,0), COALESCE(last_error,''), COALESCE(last_response_body,''),
	next_attempt_at, created_at, updated_at, sent_at,
	headers, COALESCE(secret,''), timeout_ms, verify_tls`

func scanDelivery(row rowScanner) (model.DeliveryRecord, error) {
	var d model.DeliveryRecord
	var payload []byte
	var nextAt, sentAt sql.NullTime
	var headers []byte
	var timeoutMS int64
	if err := row.Scan(&d.ID, &d.EventName, &d.URL, &payload, &d.Status, &d.AttemptsMade, &d.MaxAttempts,
		&d.LastHTTPStatus, &d.LastError, &d.LastResponseBody, &nextAt, &d.CreatedAt, &d.UpdatedAt, &sentAt,
		&headers, &d.SigningSecret, &timeoutMS, &d.VerifyTLS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, ErrNotFound
		}
		return d, err
	}
	d.PayloadSnapshot = payload
	d.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &d.Headers); err != nil {
			return d, fmt.Errorf("decode headers of %s: %w", d.ID, err)
		}
	}
	if nextAt.Valid {
		t := nextAt.Time.UTC()
		d.NextAttemptAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		d.SentAt = &t
	}
	return d, nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	now := p.now()
	payload := []byte(rec.PayloadSnapshot)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO delivery_records
		(id, event_name, url, payload, status, attempts_made, max_attempts, created_at, updated_at, headers, secret, timeout_ms, verify_tls)
		VALUES ($1,$2,$3,$4,'pending',0,$5,$6,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+deliveryCols,
		rec.ID, rec.EventName, rec.URL, payload, rec.MaxAttempts, now,
		headers, nullIfEmpty(rec.SigningSecret), rec.Timeout.Milliseconds(), rec.VerifyTLS)
	d, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		// conflict: the record already exists
		existing, err := p.GetDelivery(ctx, rec.ID)
		return existing, false, err
	}
	if err != nil {
		return d, false, err
	}
	return d, true, nil
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error) {
	return scanDelivery(p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM delivery_records WHERE id=$1`, id))
}

// RecordAttempt is a single conditional UPDATE so concurrent writers cannot
// double count an attempt or move a terminal record.
func (p *Postgres) RecordAttempt(ctx context.Context, id string, res model.AttemptResult) (model.DeliveryRecord, error) {
	at := res.At
	if at.IsZero() {
		at = p.now()
	}
	var next any
	if res.NextAttemptAt != nil {
		next = *res.NextAttemptAt
	}
	row := p.db.QueryRowContext(ctx, `UPDATE delivery_records SET
		attempts_made = attempts_made + 1,
		status = CASE WHEN $2::boolean THEN 'sent'
			WHEN attempts_made + 1 >= max_attempts THEN 'failed'
			ELSE 'pending' END,
		last_http_status = $3,
		last_error = $4,
		last_response_body = $5,
		next_attempt_at = CASE WHEN NOT $2::boolean AND attempts_made + 1 < max_attempts THEN $6::timestamptz ELSE NULL END,
		sent_at = CASE WHEN $2::boolean THEN $7::timestamptz ELSE sent_at END,
		updated_at = $7
		WHERE id=$1 AND status='pending'
		RETURNING `+deliveryCols,
		id, res.Success, nullIfZero(res.StatusCode), nullIfEmpty(res.Error),
		nullIfEmpty(truncate(res.ResponseBody, maxResponseSnapshot)), next, at)
	d, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		cur, gerr := p.GetDelivery(ctx, id)
		if gerr != nil {
			return cur, gerr
		}
		return cur, ErrTerminal
	}
	return d, err
}

func (p *Postgres) ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]model.DeliveryRecord, string, error) {
	limit = clampLimit(limit)
	q := `SELECT ` + deliveryCols + ` FROM delivery_records WHERE 1=1`
	args := []any{}
	idx := 1
	if status != "" {
		q += ` AND status=$` + fmt.Sprint(idx)
		args = append(args, status)
		idx++
	}
	if cursor != "" {
		q += ` AND id > $` + fmt.Sprint(idx)
		args = append(args, cursor)
		idx++
	}
	q += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.DeliveryRecord{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) CountDeliveries(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{model.DeliveryPending: 0, model.DeliverySent: 0, model.DeliveryFailed: 0}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) RetryDelivery(ctx context.Context, id string) (model.DeliveryRecord, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE delivery_records SET status='pending', attempts_made=0, next_attempt_at=NULL, updated_at=$2
		WHERE id=$1 AND status='failed' RETURNING `+deliveryCols, id, p.now())
	d, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		cur, gerr := p.GetDelivery(ctx, id)
		if gerr != nil {
			return cur, gerr
		}
		return cur, ErrTerminal
	}
	return d, err
}

// Inbound webhooks

const inboundCols = `id, dedupe_key, kind, event_type, raw_payload, signature_valid, validation_error,
	received_at, claimed_at, processed_at, processing_error`

func scanInbound(row rowScanner, extra ...any) (model.InboundWebhookRecord, error) {
	var r model.InboundWebhookRecord
	var raw []byte
	var sig sql.NullBool
	var verr, perr sql.NullString
	var claimed, processed sql.NullTime
	dest := []any{&r.ID, &r.DedupeKey, &r.Kind, &r.EventType, &raw, &sig, &verr, &r.ReceivedAt, &claimed, &processed, &perr}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	r.RawPayload = raw
	r.ReceivedAt = r.ReceivedAt.UTC()
	if sig.Valid {
		b := sig.Bool
		r.SignatureValid = &b
	}
	if verr.Valid {
		s := verr.String
		r.ValidationError = &s
	}
	if perr.Valid {
		s := perr.String
		r.ProcessingError = &s
	}
	if claimed.Valid {
		t := claimed.Time.UTC()
		r.ClaimedAt = &t
	}
	if processed.Valid {
		t := processed.Time.UTC()
		r.ProcessedAt = &t
	}
	return r, nil
}

func (p *Postgres) UpsertInbound(ctx context.Context, rec model.InboundWebhookRecord) (model.InboundWebhookRecord, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = p.now()
	}
	raw := []byte(rec.RawPayload)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var sig any
	if rec.SignatureValid != nil {
		sig = *rec.SignatureValid
	}
	var verr any
	if rec.ValidationError != nil {
		verr = *rec.ValidationError
	}
	// a valid receipt supersedes an earlier rejected one, otherwise only received_at moves
	row := p.db.QueryRowContext(ctx, `INSERT INTO inbound_webhook_records AS r
		(id, dedupe_key, kind, event_type, raw_payload, signature_valid, validation_error, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			received_at = EXCLUDED.received_at,
			raw_payload = CASE WHEN r.validation_error IS NOT NULL AND EXCLUDED.validation_error IS NULL THEN EXCLUDED.raw_payload ELSE r.raw_payload END,
			signature_valid = CASE WHEN r.validation_error IS NOT NULL AND EXCLUDED.validation_error IS NULL THEN EXCLUDED.signature_valid ELSE r.signature_valid END,
			event_type = CASE WHEN r.validation_error IS NOT NULL AND EXCLUDED.validation_error IS NULL THEN EXCLUDED.event_type ELSE r.event_type END,
			validation_error = CASE WHEN r.validation_error IS NOT NULL AND EXCLUDED.validation_error IS NULL THEN NULL ELSE r.validation_error END
		RETURNING `+inboundCols+`, (xmax = 0) AS inserted`,
		rec.ID, rec.DedupeKey, rec.Kind, rec.EventType, raw, sig, verr, rec.ReceivedAt)
	var inserted bool
	out, err := scanInbound(row, &inserted)
	if err != nil {
		return out, false, err
	}
	return out, inserted, nil
}

func (p *Postgres) GetInbound(ctx context.Context, id string) (model.InboundWebhookRecord, error) {
	return scanInbound(p.db.QueryRowContext(ctx, `SELECT `+inboundCols+` FROM inbound_webhook_records WHERE id=$1`, id))
}

func (p *Postgres) ClaimInbound(ctx context.Context, id string, lease time.Duration) (model.InboundWebhookRecord, bool, error) {
	now := p.now()
	row := p.db.QueryRowContext(ctx, `UPDATE inbound_webhook_records SET claimed_at=$2
		WHERE id=$1 AND processed_at IS NULL AND validation_error IS NULL
		AND (claimed_at IS NULL OR claimed_at < $3)
		RETURNING `+inboundCols, id, now, now.Add(-lease))
	r, err := scanInbound(row)
	if errors.Is(err, ErrNotFound) {
		cur, gerr := p.GetInbound(ctx, id)
		return cur, false, gerr
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

func (p *Postgres) CompleteInbound(ctx context.Context, id string, processingErr string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE inbound_webhook_records SET processed_at=$2, processing_error=$3, claimed_at=NULL
		WHERE id=$1 AND processed_at IS NULL`, id, p.now(), nullIfEmpty(processingErr))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := p.GetInbound(ctx, id)
		return err
	}
	return nil
}

func (p *Postgres) ListInbound(ctx context.Context, f model.InboundFilter) ([]model.InboundWebhookRecord, string, error) {
	limit := clampLimit(f.Limit)
	q := `SELECT ` + inboundCols + ` FROM inbound_webhook_records WHERE 1=1`
	args := []any{}
	idx := 1
	if f.Kind != "" {
		q += ` AND kind=$` + fmt.Sprint(idx)
		args = append(args, f.Kind)
		idx++
	}
	if f.Unprocessed {
		q += ` AND processed_at IS NULL`
	}
	if f.Failed {
		q += ` AND (processing_error IS NOT NULL OR validation_error IS NOT NULL)`
	}
	if f.Cursor != "" {
		q += ` AND id > $` + fmt.Sprint(idx)
		args = append(args, f.Cursor)
		idx++
	}
	q += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.InboundWebhookRecord{}
	for rows.Next() {
		r, err := scanInbound(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) ResetInbound(ctx context.Context, id string) (model.InboundWebhookRecord, error) {
	return scanInbound(p.db.QueryRowContext(ctx, `UPDATE inbound_webhook_records
		SET processed_at=NULL, processing_error=NULL, claimed_at=NULL
		WHERE id=$1 RETURNING `+inboundCols, id))
}

// Orders

func (p *Postgres) OrderSecurityKey(ctx context.Context, orderID string) (string, error) {
	var key string
	err := p.db.QueryRowContext(ctx, `SELECT security_key FROM payment_orders WHERE id=$1`, orderID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return key, err
}

// SetOrderSecurityKey upserts the security key of an order. Used by seeding
// and integration tests; the order lifecycle itself lives elsewhere.
func (p *Postgres) SetOrderSecurityKey(ctx context.Context, orderID, key string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payment_orders (id, security_key) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET security_key=EXCLUDED.security_key`, orderID, key)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
