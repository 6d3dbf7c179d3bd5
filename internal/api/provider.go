package api

import (
	"errors"
	"net/http"

	"payhooks/internal/inbound"
	"payhooks/internal/model"
	"payhooks/internal/store"
)

const returnKind = "payment_return"

// ProviderWebhookHandler receives /v1/provider/webhooks/{kind}.
func (s *Server) ProviderWebhookHandler(w http.ResponseWriter, r *http.Request) {
	s.receive(w, r, r.PathValue("kind"))
}

// ProviderReturnHandler receives the customer's browser coming back from the provider.
func (s *Server) ProviderReturnHandler(w http.ResponseWriter, r *http.Request) {
	s.receive(w, r, returnKind)
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request, kindName string) {
	kind, known := s.Receiver.Kinds.Get(kindName)
	if !known {
		writeProblem(w, http.StatusNotFound, "Unknown webhook kind", kindName, r.URL.Path)
		return
	}
	in, err := inbound.FromRequest(r)
	if err != nil {
		s.Log.WithError(err).WithField("kind", kindName).Warn("unreadable provider request")
		if kind.Flow == inbound.Redirect {
			writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, inbound.Response{Message: "unreadable request"})
		return
	}
	resp, err := s.Receiver.Receive(r.Context(), kindName, in)
	var authErr *inbound.AuthorizationError
	var invalid *inbound.InboundValidationFailure
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &authErr):
		writeProblem(w, http.StatusForbidden, "Forbidden", err.Error(), r.URL.Path)
	case errors.As(err, &invalid):
		writeProblem(w, http.StatusBadRequest, "Invalid parameters", err.Error(), r.URL.Path)
	case errors.Is(err, inbound.ErrUnknownKind):
		writeProblem(w, http.StatusNotFound, "Unknown webhook kind", kindName, r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal error", "", r.URL.Path)
	}
}

func (s *Server) ListInboundHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	f := model.InboundFilter{Kind: q.Get("kind"), Cursor: q.Get("cursor"), Limit: limit}
	switch q.Get("state") {
	case "":
	case "unprocessed":
		f.Unprocessed = true
	case "failed":
		f.Failed = true
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid state", "state must be unprocessed or failed", r.URL.Path)
		return
	}
	items, next, err := s.Store.ListInbound(r.Context(), f)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List inbound failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) GetInboundHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetInbound(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get inbound failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) ReprocessInboundHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.Processor.Reprocess(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Reprocess failed", err.Error(), r.URL.Path)
		return
	}
	s.Log.WithField("record_id", id).WithField("by", principal(r).Subject).Info("inbound record reprocessed by operator")
	writeJSON(w, http.StatusAccepted, res)
}
