package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"payhooks/internal/auth"
	"payhooks/internal/config"
	"payhooks/internal/events"
	"payhooks/internal/inbound"
	"payhooks/internal/metrics"
	"payhooks/internal/model"
	"payhooks/internal/queue"
	"payhooks/internal/store"
	"payhooks/internal/webhooks"
)

type countingService struct {
	mu sync.Mutex
	n  int
}

func (c *countingService) inc() error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func (c *countingService) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *countingService) PaymentMethodCreated(context.Context, inbound.PaymentMethodEvent) error {
	return c.inc()
}

func (c *countingService) TransactionCompleted(context.Context, inbound.TransactionEvent) error {
	return c.inc()
}

func (c *countingService) PaymentReturned(context.Context, inbound.PaymentReturnEvent) error {
	return c.inc()
}

type testEnv struct {
	srv   *Server
	h     http.Handler
	store *store.Memory
	queue *queue.Memory
	svc   *countingService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	st := store.NewMemory()
	if err := st.SetOrderSecurityKey(context.Background(), "ord-1", "key-1"); err != nil {
		t.Fatal(err)
	}
	q := queue.NewMemory()
	broker := events.NewMemory()
	worker := webhooks.NewWorker(st, webhooks.Fixed{Delay: time.Millisecond}, webhooks.BrokerNotifier{Broker: broker}, log)
	disp := webhooks.NewDispatcher(st, q, worker, webhooks.StandardDefaults, log)
	kinds := inbound.DefaultRegistry()
	svc := &countingService{}
	proc := inbound.NewProcessor(st, kinds, svc, nil, log)
	proc.Broker = broker
	recv := inbound.NewReceiver(st, kinds, proc, "", log)
	recv.Broker = broker
	v, err := auth.New("dev", "")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Rate.RPS = 0
	s := &Server{Config: cfg, Store: st, Queue: q, Dispatcher: disp, Receiver: recv, Processor: proc, Auth: v, Broker: broker, Log: log}
	return &testEnv{srv: s, h: s.Routes(), store: st, queue: q, svc: svc}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

var admin = map[string]string{"Authorization": "Bearer ops:admin", "Content-Type": "application/json"}

func form(v url.Values) (io.Reader, map[string]string) {
	return strings.NewReader(v.Encode()), map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthReady(t *testing.T) {
	e := newTestEnv(t)
	if rr := e.do(t, http.MethodGet, "/healthz", nil, nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr := e.do(t, http.MethodGet, "/readyz", nil, nil)
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatal("request id header missing")
	}
}

func TestProviderWebhookIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	vals := url.Values{"order_id": {"ord-1"}, "security_key": {"key-1"}, "document_id": {"doc-1"}, "customer_id": {"cus-1"}}
	var ids []string
	for i := 0; i < 2; i++ {
		body, hdr := form(vals)
		rr := e.do(t, http.MethodPost, "/v1/provider/webhooks/payment_method", body, hdr)
		if rr.Code != 200 {
			t.Fatalf("call %d: status %d", i, rr.Code)
		}
		resp := decode[inbound.Response](t, rr)
		if !resp.Success || resp.Deduped != (i == 1) {
			t.Fatalf("call %d: %+v", i, resp)
		}
		ids = append(ids, resp.RecordID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("record ids differ %v", ids)
	}
	if e.svc.count() != 1 {
		t.Fatalf("side effects %d", e.svc.count())
	}
}

func TestProviderWebhookMissingFieldAnswers200(t *testing.T) {
	e := newTestEnv(t)
	body, hdr := form(url.Values{"order_id": {"ord-1"}, "security_key": {"key-1"}, "status": {"paid"}})
	rr := e.do(t, http.MethodPost, "/v1/provider/webhooks/transaction", body, hdr)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	resp := decode[inbound.Response](t, rr)
	if resp.Success || !strings.Contains(resp.Message, "transaction_id") {
		t.Fatalf("resp %+v", resp)
	}
	rec, err := e.store.GetInbound(context.Background(), resp.RecordID)
	if err != nil || rec.ValidationError == nil {
		t.Fatalf("record %+v %v", rec, err)
	}
}

func TestProviderReturn(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/v1/provider/return?order_id=ord-1&security_key=wrong", nil, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("mismatch: status %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type %q", ct)
	}
	rr = e.do(t, http.MethodGet, "/v1/provider/return?order_id=ord-1", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing key: status %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/v1/provider/return?order_id=ord-1&security_key=key-1&status=ok", nil, nil)
	if rr.Code != 200 || !decode[inbound.Response](t, rr).Success {
		t.Fatalf("accepted: status %d %s", rr.Code, rr.Body.String())
	}
	if e.svc.count() != 1 {
		t.Fatalf("side effects %d", e.svc.count())
	}
}

func TestProviderUnknownKind(t *testing.T) {
	e := newTestEnv(t)
	if rr := e.do(t, http.MethodPost, "/v1/provider/webhooks/refund", nil, nil); rr.Code != 404 {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestAdminRequiresAdminRole(t *testing.T) {
	e := newTestEnv(t)
	if rr := e.do(t, http.MethodGet, "/v1/admin/deliveries", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/admin/deliveries", nil, map[string]string{"Authorization": "Bearer ops:viewer"}); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/admin/deliveries", nil, admin); rr.Code != 200 {
		t.Fatalf("admin: %d", rr.Code)
	}
}

func TestCreateDeliverySync(t *testing.T) {
	e := newTestEnv(t)
	var got http.Header
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	body := `{"event":"invoice.paid","url":"` + target.URL + `","payload":{"invoice":42},"secret":"s","sync":true}`
	rr := e.do(t, http.MethodPost, "/v1/deliveries", strings.NewReader(body), admin)
	if rr.Code != 200 {
		t.Fatalf("status %d %s", rr.Code, rr.Body.String())
	}
	out := decode[struct {
		Delivery model.DeliveryRecord `json:"delivery"`
		Attempt  attemptView          `json:"attempt"`
	}](t, rr)
	if out.Delivery.Status != model.DeliverySent || out.Attempt.StatusCode != http.StatusNoContent {
		t.Fatalf("out %+v", out)
	}
	if got.Get(webhooks.HeaderEvent) != "invoice.paid" || got.Get(webhooks.HeaderSignature) == "" {
		t.Fatalf("headers %v", got)
	}
}

func TestCreateDeliveryAsyncThenRetry(t *testing.T) {
	e := newTestEnv(t)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()
	ctx := context.Background()

	body := `{"event":"invoice.paid","url":"` + target.URL + `","maxAttempts":1}`
	rr := e.do(t, http.MethodPost, "/v1/deliveries", strings.NewReader(body), admin)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status %d %s", rr.Code, rr.Body.String())
	}
	id := decode[struct {
		Delivery model.DeliveryRecord `json:"delivery"`
	}](t, rr).Delivery.ID

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := e.queue.Dequeue(dctx)
	if err != nil {
		t.Fatal(err)
	}
	if out := e.srv.Dispatcher.Worker.Handle(ctx, job); out.Retry {
		t.Fatal("single attempt delivery should not retry")
	}
	if err := e.queue.Ack(ctx, job); err != nil {
		t.Fatal(err)
	}

	rr = e.do(t, http.MethodGet, "/v1/admin/deliveries/"+id, nil, admin)
	if rec := decode[model.DeliveryRecord](t, rr); rec.Status != model.DeliveryFailed || rec.LastHTTPStatus != 500 {
		t.Fatalf("record %+v", rec)
	}
	rr = e.do(t, http.MethodGet, "/v1/admin/deliveries/counts", nil, admin)
	if counts := decode[map[string]int](t, rr); counts[model.DeliveryFailed] != 1 {
		t.Fatalf("counts %v", counts)
	}
	rr = e.do(t, http.MethodGet, "/v1/admin/deliveries?status=failed", nil, admin)
	if list := decode[struct {
		Items []model.DeliveryRecord `json:"items"`
	}](t, rr); len(list.Items) != 1 {
		t.Fatalf("list %s", rr.Body.String())
	}

	rr = e.do(t, http.MethodPost, "/v1/admin/deliveries/"+id+"/retry", nil, admin)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("retry: %d %s", rr.Code, rr.Body.String())
	}
	if n, _ := e.queue.Len(ctx); n != 1 {
		t.Fatalf("queue len %d", n)
	}
	if rr := e.do(t, http.MethodPost, "/v1/admin/deliveries/"+id+"/retry", nil, admin); rr.Code != http.StatusConflict {
		t.Fatalf("retry of pending: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/admin/deliveries/nope", nil, admin); rr.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rr.Code)
	}
}

func TestCreateDeliveryRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)
	cases := map[string]string{
		"no url":        `{"event":"a"}`,
		"relative url":  `{"event":"a","url":"/hooks"}`,
		"unknown field": `{"event":"a","url":"https://x.example","bogus":1}`,
		"bad id":        `{"id":"42","event":"a","url":"https://x.example"}`,
		"zero attempts": `{"event":"a","url":"https://x.example","maxAttempts":0}`,
		"empty":         ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/v1/deliveries", strings.NewReader(body), admin)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status %d %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestInboundAdmin(t *testing.T) {
	e := newTestEnv(t)
	body, hdr := form(url.Values{"order_id": {"ord-1"}})
	e.do(t, http.MethodPost, "/v1/provider/webhooks/payment_method", body, hdr)
	body, hdr = form(url.Values{"order_id": {"ord-1"}, "security_key": {"key-1"}, "document_id": {"d"}, "customer_id": {"c"}})
	rr := e.do(t, http.MethodPost, "/v1/provider/webhooks/payment_method", body, hdr)
	okID := decode[inbound.Response](t, rr).RecordID

	rr = e.do(t, http.MethodGet, "/v1/admin/inbound?state=failed", nil, admin)
	list := decode[struct {
		Items []model.InboundWebhookRecord `json:"items"`
	}](t, rr)
	if len(list.Items) != 1 || list.Items[0].ID == okID {
		t.Fatalf("failed list %s", rr.Body.String())
	}
	if rr := e.do(t, http.MethodGet, "/v1/admin/inbound?state=weird", nil, admin); rr.Code != 400 {
		t.Fatalf("bad state: %d", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/admin/inbound/"+okID+"/reprocess", nil, admin)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("reprocess: %d %s", rr.Code, rr.Body.String())
	}
	if res := decode[inbound.Result](t, rr); !res.Applied {
		t.Fatalf("result %+v", res)
	}
	if e.svc.count() != 2 {
		t.Fatalf("side effects %d", e.svc.count())
	}
	if rr := e.do(t, http.MethodPost, "/v1/admin/inbound/missing/reprocess", nil, admin); rr.Code != 404 {
		t.Fatalf("missing: %d", rr.Code)
	}
}

func TestEventsWebSocket(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/admin/events/ws?topics=deliveries"
	c, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {"Bearer ops:admin"}})
	if err != nil {
		t.Fatalf("dial: %v (%v)", err, resp)
	}
	defer func() { _ = c.Close() }()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))

	var m wsMessage
	if err := c.ReadJSON(&m); err != nil || m.Type != "connection_ack" {
		t.Fatalf("ack: %+v %v", m, err)
	}
	e.srv.Broker.Publish(events.TopicDeliveries, events.Event{Type: webhooks.DeliverySucceeded, Data: map[string]any{"deliveryId": "d1"}})
	if err := c.ReadJSON(&m); err != nil {
		t.Fatal(err)
	}
	if m.Type != "event" || m.Topic != events.TopicDeliveries || m.Event == nil || m.Event.Type != webhooks.DeliverySucceeded {
		t.Fatalf("event %+v", m)
	}

	if _, _, err := websocket.DefaultDialer.Dial(u, nil); err == nil {
		t.Fatal("unauthenticated dial succeeded")
	}
}

func TestRateLimitExemptsProvider(t *testing.T) {
	e := newTestEnv(t)
	e.srv.Config.Rate.RPS = 0.001
	e.srv.Config.Rate.Burst = 1
	h := e.srv.Routes()
	call := func(target string) int {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		return rr.Code
	}
	if c := call("/healthz"); c != 200 {
		t.Fatalf("first: %d", c)
	}
	if c := call("/healthz"); c != http.StatusTooManyRequests {
		t.Fatalf("second: %d", c)
	}
	if c := call("/v1/provider/webhooks/payment_method"); c != 200 {
		t.Fatalf("provider throttled: %d", c)
	}
}

func TestMetricsAndDebug(t *testing.T) {
	metrics.RegisterDefault()
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/healthz", nil, nil)
	rr := e.do(t, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != 200 || !bytes.Contains(rr.Body.Bytes(), []byte("http_requests_total")) {
		t.Fatalf("metrics: %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/debug/info", nil, nil)
	info := decode[map[string]any](t, rr)
	if _, ok := info["build"]; !ok {
		t.Fatalf("debug %v", info)
	}
}
