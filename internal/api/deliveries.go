package api

import (
	"errors"
	"net/http"
	"time"

	"payhooks/internal/model"
	"payhooks/internal/store"
	"payhooks/internal/webhooks"
)

type createDeliveryRequest struct {
	ID          string            `json:"id" validate:"omitempty,uuid"`
	Event       string            `json:"event" validate:"required,max=200"`
	URL         string            `json:"url" validate:"required,url"`
	Payload     map[string]any    `json:"payload"`
	Headers     map[string]string `json:"headers"`
	Secret      *string           `json:"secret"`
	MaxAttempts *int              `json:"maxAttempts" validate:"omitempty,min=1,max=50"`
	TimeoutMs   *int              `json:"timeoutMs" validate:"omitempty,min=1,max=120000"`
	VerifyTLS   *bool             `json:"verifyTls"`
	Sync        bool              `json:"sync"`
}

func (req createDeliveryRequest) builder() *webhooks.RequestBuilder {
	b := webhooks.NewRequest().Event(req.Event).URL(req.URL).Payload(req.Payload)
	if req.ID != "" {
		b.ID(req.ID)
	}
	for k, v := range req.Headers {
		b.Header(k, v)
	}
	if req.Secret != nil {
		b.SigningSecret(*req.Secret)
	}
	if req.MaxAttempts != nil {
		b.MaxAttempts(*req.MaxAttempts)
	}
	if req.TimeoutMs != nil {
		b.Timeout(time.Duration(*req.TimeoutMs) * time.Millisecond)
	}
	if req.VerifyTLS != nil {
		b.VerifyTLS(*req.VerifyTLS)
	}
	return b
}

type attemptView struct {
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
	LatencyMs  int64  `json:"latencyMs"`
}

// CreateDeliveryHandler queues an outbound webhook, or sends it once inline
// when the request asks for sync.
func (s *Server) CreateDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	var req createDeliveryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid delivery", validationDetail(err), r.URL.Path)
		return
	}
	var cfgErr *webhooks.ConfigurationError
	if req.Sync {
		res, err := s.Dispatcher.DispatchSync(r.Context(), req.builder())
		if errors.As(err, &cfgErr) {
			writeProblem(w, http.StatusBadRequest, "Invalid delivery", err.Error(), r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Dispatch failed", err.Error(), r.URL.Path)
			return
		}
		out := map[string]any{"delivery": res.Record}
		if res.Attempt != nil {
			a := attemptView{StatusCode: res.Attempt.StatusCode, LatencyMs: res.Attempt.Latency.Milliseconds()}
			if res.Attempt.Err != nil {
				a.Error = res.Attempt.Err.Error()
			}
			out["attempt"] = a
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	rec, err := s.Dispatcher.Dispatch(r.Context(), req.builder())
	if errors.As(err, &cfgErr) {
		writeProblem(w, http.StatusBadRequest, "Invalid delivery", err.Error(), r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Dispatch failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivery": rec})
}

func (s *Server) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", model.DeliveryPending, model.DeliverySent, model.DeliveryFailed:
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid status", "status must be pending, sent or failed", r.URL.Path)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Store.ListDeliveries(r.Context(), status, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) GetDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetDelivery(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get delivery failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) DeliveryCountsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Store.CountDeliveries(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Count deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) RetryDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.Dispatcher.Retry(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	case errors.Is(err, store.ErrTerminal):
		writeProblem(w, http.StatusConflict, "Not retryable", "only failed deliveries can be retried", r.URL.Path)
		return
	case err != nil:
		writeProblem(w, http.StatusInternalServerError, "Retry delivery failed", err.Error(), r.URL.Path)
		return
	}
	s.Log.WithField("delivery_id", id).WithField("by", principal(r).Subject).Info("delivery retried by operator")
	writeJSON(w, http.StatusAccepted, map[string]any{"delivery": rec})
}
