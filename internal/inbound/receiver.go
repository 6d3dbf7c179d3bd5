package inbound

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"payhooks/internal/events"
	"payhooks/internal/metrics"
	"payhooks/internal/model"
	"payhooks/internal/store"
	"payhooks/internal/webhooks"
)

// Response is the JSON body answered to the provider.
type Response struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	RecordID string `json:"recordId,omitempty"`
	Deduped  bool   `json:"deduped"`
}

// Receiver validates, records and schedules provider calls.
type Receiver struct {
	Store     store.InboundStore
	Orders    store.OrderStore
	Kinds     *Registry
	Processor *Processor
	// Secret is the provider signing secret. Empty disables signature checks.
	Secret string
	Broker events.Broker
	Log    logrus.FieldLogger
}

func NewReceiver(s store.Store, kinds *Registry, p *Processor, secret string, log logrus.FieldLogger) *Receiver {
	return &Receiver{Store: s, Orders: s, Kinds: kinds, Processor: p, Secret: secret, Log: log}
}

// Receive handles one call for kind. For server-to-server kinds the error is
// always nil unless the kind is unknown: failures are reported in the
// Response. Redirect kinds return *InboundValidationFailure for bad
// parameters and *AuthorizationError for a security key problem.
func (r *Receiver) Receive(ctx context.Context, kindName string, in Incoming) (Response, error) {
	kind, ok := r.Kinds.Get(kindName)
	if !ok {
		return Response{Message: "unknown webhook kind"}, fmt.Errorf("%w: %s", ErrUnknownKind, kindName)
	}
	log := r.Log.WithFields(logrus.Fields{"kind": kind.Name, "flow": kind.Flow.String()})

	var sigValid *bool
	var failure error
	if r.Secret != "" && kind.Flow == ServerToServer {
		ok := in.Signature != "" && webhooks.VerifyHMAC(r.Secret, in.Raw, in.Signature)
		sigValid = &ok
		if !ok {
			failure = &InboundValidationFailure{Kind: kind.Name, Reason: "invalid signature"}
		}
	}
	if failure == nil {
		if bad := kind.Validate(in.Params); len(bad) > 0 {
			failure = &InboundValidationFailure{Kind: kind.Name, Missing: bad}
		}
	}
	if failure == nil && kind.CheckSecurityKey {
		authErr, err := r.checkSecurityKey(ctx, in.Params)
		if err != nil {
			return r.internal(kind, log, err)
		}
		if authErr != nil {
			failure = authErr
		}
	}

	key := ""
	if kind.DedupeKey != nil {
		key = kind.DedupeKey(in.Params)
	}
	if key == "" {
		sum := sha256.Sum256(in.Raw)
		key = "invalid:" + kind.Name + ":" + hex.EncodeToString(sum[:16])
	}
	rec := model.InboundWebhookRecord{
		DedupeKey:      key,
		Kind:           kind.Name,
		EventType:      kind.EventType,
		RawPayload:     redacted(in.Params),
		SignatureValid: sigValid,
	}
	if failure != nil {
		msg := failure.Error()
		rec.ValidationError = &msg
	}
	rec, created, err := r.Store.UpsertInbound(ctx, rec)
	if err != nil {
		return r.internal(kind, log, fmt.Errorf("record inbound: %w", err))
	}
	log = log.WithFields(logrus.Fields{"record_id": rec.ID, "dedupe_key": rec.DedupeKey})
	resp := Response{RecordID: rec.ID, Deduped: !created}

	if failure != nil {
		log.WithField("reason", failure.Error()).Warn("inbound webhook rejected")
		metrics.InboundReceived.WithLabelValues(kind.Name, "rejected").Inc()
		r.publish("inbound.rejected", rec, map[string]any{"reason": failure.Error()})
		resp.Message = failure.Error()
		if kind.Flow == Redirect {
			return resp, failure
		}
		return resp, nil
	}

	resp.Success = true
	if rec.Processed() {
		metrics.InboundReceived.WithLabelValues(kind.Name, "deduped").Inc()
		log.Debug("inbound webhook already processed")
		resp.Message = "already processed"
		return resp, nil
	}
	result := "accepted"
	if !created {
		result = "deduped"
	}
	metrics.InboundReceived.WithLabelValues(kind.Name, result).Inc()
	r.publish("inbound.received", rec, map[string]any{"deduped": !created})

	res, err := r.Processor.Schedule(ctx, rec.ID)
	switch {
	case err != nil:
		// the record is stored unprocessed; an operator can reprocess it
		log.WithError(err).Error("inbound scheduling failed")
		resp.Message = "accepted"
	case res.Queued:
		resp.Message = "queued"
	case res.Error != "":
		resp.Message = "processing failed"
	case res.Applied:
		resp.Message = "processed"
	default:
		resp.Message = res.Skipped
	}
	return resp, nil
}

func (r *Receiver) checkSecurityKey(ctx context.Context, p Params) (*AuthorizationError, error) {
	orderID := p[FieldOrderID]
	want, err := r.Orders.OrderSecurityKey(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return &AuthorizationError{OrderID: orderID, Reason: "unknown order"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup order %s: %w", orderID, err)
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(p[FieldSecurityKey])) != 1 {
		return &AuthorizationError{OrderID: orderID, Reason: "security key mismatch"}, nil
	}
	return nil, nil
}

// internal answers an infrastructure failure. Server-to-server calls still
// get a 200 body.
func (r *Receiver) internal(kind Kind, log logrus.FieldLogger, err error) (Response, error) {
	log.WithError(err).Error("inbound webhook not recorded")
	metrics.InboundReceived.WithLabelValues(kind.Name, "error").Inc()
	resp := Response{Message: "internal error"}
	if kind.Flow == Redirect {
		return resp, err
	}
	return resp, nil
}

func (r *Receiver) publish(typ string, rec model.InboundWebhookRecord, extra map[string]any) {
	if r.Broker == nil {
		return
	}
	data := map[string]any{"recordId": rec.ID, "kind": rec.Kind, "dedupeKey": rec.DedupeKey}
	for k, v := range extra {
		data[k] = v
	}
	r.Broker.Publish(events.TopicInbound, events.Event{Type: typ, Data: data})
}

// redacted encodes the parameters for storage without the order security key.
func redacted(p Params) json.RawMessage {
	out := make(Params, len(p))
	for k, v := range p {
		if k == FieldSecurityKey && v != "" {
			v = "***"
		}
		out[k] = v
	}
	b, _ := json.Marshal(out)
	return b
}
