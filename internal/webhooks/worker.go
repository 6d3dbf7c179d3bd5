package webhooks

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"payhooks/internal/buildinfo"
	"payhooks/internal/metrics"
	"payhooks/internal/model"
	"payhooks/internal/queue"
	"payhooks/internal/store"
)

// Outbound headers.
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderUUID      = "X-Webhook-UUID"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// MaxBodySnapshot bounds the response body kept in records and notifications.
const MaxBodySnapshot = 1024

// Attempt is what one physical POST produced.
type Attempt struct {
	StatusCode int
	Body       string
	Err        error // *TransientDeliveryError when the attempt failed
	Latency    time.Duration
}

func (a Attempt) Success() bool { return a.Err == nil }

// Worker performs delivery attempts and settles their outcome on the record.
// It is the only writer of a delivery record once the record exists.
type Worker struct {
	Store    store.DeliveryStore
	Backoff  Strategy
	Notifier Notifier
	Log      logrus.FieldLogger
	// HTTP is used for requests that verify TLS, Insecure for the others.
	HTTP     *http.Client
	Insecure *http.Client

	UserAgent string
	now       func() time.Time
}

func NewWorker(s store.DeliveryStore, backoff Strategy, n Notifier, log logrus.FieldLogger) *Worker {
	if backoff == nil {
		backoff = DefaultStrategy()
	}
	insecure := http.DefaultTransport.(*http.Transport).Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per delivery
	return &Worker{
		Store:     s,
		Backoff:   backoff,
		Notifier:  n,
		Log:       log,
		HTTP:      &http.Client{},
		Insecure:  &http.Client{Transport: insecure},
		UserAgent: buildinfo.UserAgent(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Attempt sends one signed POST for rec. It never retries.
func (w *Worker) Attempt(ctx context.Context, rec model.DeliveryRecord) Attempt {
	ts := w.now()
	var payload map[string]any
	if len(rec.PayloadSnapshot) > 0 {
		// numbers stay json.Number so large integers reach the endpoint unchanged
		dec := json.NewDecoder(bytes.NewReader(rec.PayloadSnapshot))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return Attempt{Err: &TransientDeliveryError{Err: fmt.Errorf("decode payload snapshot: %w", err)}}
		}
	}
	body, err := BuildBody(rec.EventName, payload, ts)
	if err != nil {
		return Attempt{Err: &TransientDeliveryError{Err: err}}
	}

	timeout := rec.Timeout
	if timeout <= 0 {
		timeout = StandardDefaults.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.URL, bytes.NewReader(body))
	if err != nil {
		return Attempt{Err: &TransientDeliveryError{Err: err}}
	}
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.UserAgent)
	req.Header.Set(HeaderEvent, rec.EventName)
	req.Header.Set(HeaderUUID, rec.ID)
	req.Header.Set(HeaderTimestamp, ts.Format(TimestampFormat))
	if rec.SigningSecret != "" {
		req.Header.Set(HeaderSignature, SignHMAC(rec.SigningSecret, body))
	}

	client := w.HTTP
	if !rec.VerifyTLS {
		client = w.Insecure
	}
	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Attempt{Latency: latency, Err: &TransientDeliveryError{Err: err}}
	}
	defer resp.Body.Close()
	snap, _ := io.ReadAll(io.LimitReader(resp.Body, MaxBodySnapshot))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	out := Attempt{StatusCode: resp.StatusCode, Body: string(snap), Latency: latency}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Err = &TransientDeliveryError{StatusCode: resp.StatusCode, Body: out.Body}
	}
	return out
}

// Deliver runs one attempt for rec and records it. With schedule set, a
// failed attempt below the ceiling gets a next attempt time and the returned
// wait is the backoff before it; otherwise wait is zero.
func (w *Worker) Deliver(ctx context.Context, rec model.DeliveryRecord, schedule bool) (model.DeliveryRecord, Attempt, time.Duration, error) {
	a := w.Attempt(ctx, rec)
	at := w.now()
	res := model.AttemptResult{Success: a.Success(), StatusCode: a.StatusCode, ResponseBody: a.Body, At: at}
	if a.Err != nil {
		res.Error = a.Err.Error()
	}
	made := rec.AttemptsMade + 1
	var wait time.Duration
	if !a.Success() && schedule && made < rec.MaxAttempts {
		wait = w.Backoff.Wait(made)
		next := at.Add(wait)
		res.NextAttemptAt = &next
	}

	outcome := "success"
	switch {
	case a.StatusCode == 0 && a.Err != nil:
		outcome = "transport_error"
	case a.Err != nil:
		outcome = "http_error"
	}
	metrics.DeliveryAttempts.WithLabelValues(rec.EventName, outcome).Inc()
	metrics.DeliveryLatency.WithLabelValues(rec.EventName, outcome).Observe(float64(a.Latency.Milliseconds()))

	updated, err := w.Store.RecordAttempt(ctx, rec.ID, res)
	if err != nil {
		return updated, a, 0, err
	}
	w.notify(ctx, updated, a)
	if updated.Status != model.DeliveryPending || !schedule {
		wait = 0
	}
	return updated, a, wait, nil
}

func (w *Worker) notify(ctx context.Context, rec model.DeliveryRecord, a Attempt) {
	if w.Notifier == nil {
		return
	}
	n := Notification{
		DeliveryID:    rec.ID,
		Event:         rec.EventName,
		URL:           rec.URL,
		Attempt:       rec.AttemptsMade,
		MaxAttempts:   rec.MaxAttempts,
		StatusCode:    a.StatusCode,
		ResponseBody:  a.Body,
		NextAttemptAt: rec.NextAttemptAt,
		At:            rec.UpdatedAt,
	}
	if a.Err != nil {
		n.Error = a.Err.Error()
	}
	if rec.Status == model.DeliverySent {
		n.Kind = DeliverySucceeded
		metrics.DeliveriesFinal.WithLabelValues(rec.EventName, model.DeliverySent).Inc()
		w.Notifier.Notify(ctx, n)
		return
	}
	n.Kind = DeliveryAttemptFailed
	w.Notifier.Notify(ctx, n)
	if rec.Status == model.DeliveryFailed {
		// the store moves a record to failed once, so this fires once
		fail := &PermanentDeliveryFailure{DeliveryID: rec.ID, Attempts: rec.AttemptsMade, Last: a.Err}
		n.Kind = DeliveryFinallyFailed
		n.Error = fail.Error()
		metrics.DeliveriesFinal.WithLabelValues(rec.EventName, model.DeliveryFailed).Inc()
		w.Notifier.Notify(ctx, n)
	}
}

// Handle is the queue handler for webhook.deliver jobs. The job carries only
// the delivery id; everything else is read from the record.
func (w *Worker) Handle(ctx context.Context, job queue.Job) queue.Outcome {
	log := w.Log.WithFields(logrus.Fields{"delivery_id": job.ID, "attempt": job.Attempt})
	rec, err := w.Store.GetDelivery(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("delivery record missing; dropping job")
		return queue.Done()
	}
	if err != nil {
		log.WithError(err).Error("load delivery failed")
		return queue.RetryAfter(w.Backoff.Wait(rec.AttemptsMade + 1))
	}
	if rec.Terminal() {
		return queue.Done()
	}
	log = log.WithField("event", rec.EventName)
	updated, a, wait, err := w.Deliver(ctx, rec, true)
	if errors.Is(err, store.ErrTerminal) {
		log.Info("delivery settled concurrently")
		return queue.Done()
	}
	if err != nil {
		// the POST happened but its outcome was not stored; try again later
		log.WithError(err).Error("record attempt failed")
		return queue.RetryAfter(w.Backoff.Wait(rec.AttemptsMade + 1))
	}
	if updated.Status == model.DeliveryPending {
		log.WithFields(logrus.Fields{"status_code": a.StatusCode, "retry_in": wait.String()}).Debug("delivery attempt failed; retry scheduled")
		return queue.RetryAfter(wait)
	}
	return queue.Done()
}
