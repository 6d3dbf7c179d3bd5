// Package api implements the HTTP surface of the payhooks service: provider
// webhook endpoints, internal dispatch and the operator endpoints.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"payhooks/internal/auth"
	"payhooks/internal/config"
	"payhooks/internal/events"
	"payhooks/internal/inbound"
	"payhooks/internal/metrics"
	"payhooks/internal/queue"
	"payhooks/internal/store"
	"payhooks/internal/webhooks"
)

type Server struct {
	Config     config.Config
	Store      store.Store
	Queue      queue.Queue
	Dispatcher *webhooks.Dispatcher
	Receiver   *inbound.Receiver
	Processor  *inbound.Processor
	Auth       *auth.Verifier
	Broker     events.Broker
	Log        logrus.FieldLogger
}

// Routes registers every endpoint and wraps the mux with the middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Provider
	mux.HandleFunc("GET /v1/provider/webhooks/{kind}", s.ProviderWebhookHandler)
	mux.HandleFunc("POST /v1/provider/webhooks/{kind}", s.ProviderWebhookHandler)
	mux.HandleFunc("GET /v1/provider/return", s.ProviderReturnHandler)
	mux.HandleFunc("POST /v1/provider/return", s.ProviderReturnHandler)

	// Internal dispatch
	mux.Handle("POST /v1/deliveries", s.requireAdmin(s.CreateDeliveryHandler))

	// Admin
	mux.Handle("GET /v1/admin/deliveries", s.requireAdmin(s.ListDeliveriesHandler))
	mux.Handle("GET /v1/admin/deliveries/counts", s.requireAdmin(s.DeliveryCountsHandler))
	mux.Handle("GET /v1/admin/deliveries/{id}", s.requireAdmin(s.GetDeliveryHandler))
	mux.Handle("POST /v1/admin/deliveries/{id}/retry", s.requireAdmin(s.RetryDeliveryHandler))
	mux.Handle("GET /v1/admin/inbound", s.requireAdmin(s.ListInboundHandler))
	mux.Handle("GET /v1/admin/inbound/{id}", s.requireAdmin(s.GetInboundHandler))
	mux.Handle("POST /v1/admin/inbound/{id}/reprocess", s.requireAdmin(s.ReprocessInboundHandler))
	mux.Handle("GET /v1/admin/events/ws", s.requireAdmin(s.EventsWSHandler))

	// Health
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/info", s.DebugJSON)

	var h http.Handler = mux
	h = instrument(h)
	if s.Config.Rate.RPS > 0 {
		h = rateLimit(rate.NewLimiter(rate.Limit(s.Config.Rate.RPS), max(s.Config.Rate.Burst, 1)), h)
	}
	h = accessLog(s.Log, h)
	h = requestID(h)
	return h
}
