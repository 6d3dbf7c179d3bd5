package inbound

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payhooks/internal/model"
	"payhooks/internal/webhooks"
)

// PaymentService receives the business effect of each accepted inbound
// webhook. The processor calls it at most once per record unless an operator
// asks for a reprocess.
type PaymentService interface {
	PaymentMethodCreated(ctx context.Context, ev PaymentMethodEvent) error
	TransactionCompleted(ctx context.Context, ev TransactionEvent) error
	PaymentReturned(ctx context.Context, ev PaymentReturnEvent) error
}

type PaymentMethodEvent struct {
	RecordID   string `json:"recordId"`
	OrderID    string `json:"orderId"`
	DocumentID string `json:"documentId"`
	CustomerID string `json:"customerId"`
}

type TransactionEvent struct {
	RecordID      string           `json:"recordId"`
	OrderID       string           `json:"orderId"`
	TransactionID string           `json:"transactionId"`
	Status        string           `json:"status"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	EventID       string           `json:"eventId,omitempty"`
}

type PaymentReturnEvent struct {
	RecordID string `json:"recordId"`
	OrderID  string `json:"orderId"`
	Status   string `json:"status,omitempty"`
}

// LoggingPaymentService only logs. It is the default when nothing else is wired.
type LoggingPaymentService struct {
	Log logrus.FieldLogger
}

func (s LoggingPaymentService) PaymentMethodCreated(ctx context.Context, ev PaymentMethodEvent) error {
	s.Log.WithFields(logrus.Fields{"record_id": ev.RecordID, "order_id": ev.OrderID, "document_id": ev.DocumentID}).Info("payment method created")
	return nil
}

func (s LoggingPaymentService) TransactionCompleted(ctx context.Context, ev TransactionEvent) error {
	f := logrus.Fields{"record_id": ev.RecordID, "order_id": ev.OrderID, "transaction_id": ev.TransactionID, "status": ev.Status}
	if ev.Amount != nil {
		f["amount"] = ev.Amount.StringFixed(2)
		f["currency"] = ev.Currency
	}
	s.Log.WithFields(f).Info("transaction completed")
	return nil
}

func (s LoggingPaymentService) PaymentReturned(ctx context.Context, ev PaymentReturnEvent) error {
	s.Log.WithFields(logrus.Fields{"record_id": ev.RecordID, "order_id": ev.OrderID, "status": ev.Status}).Info("payment returned")
	return nil
}

// Dispatch is the part of webhooks.Dispatcher the forwarder needs.
type Dispatch interface {
	Dispatch(ctx context.Context, b *webhooks.RequestBuilder) (model.DeliveryRecord, error)
}

// Outbound event names emitted by ForwardingPaymentService.
const (
	EventPaymentMethodCreated = "payment.method_created"
	EventTransactionCompleted = "payment.transaction_completed"
	EventPaymentReturned      = "payment.returned"
)

// ForwardingPaymentService calls Next and then re-publishes the event as an
// outbound webhook to URL. The delivery id is derived from the inbound record
// so a reprocessed record does not produce a second delivery.
type ForwardingPaymentService struct {
	Next       PaymentService
	Dispatcher Dispatch
	URL        string
}

func (s ForwardingPaymentService) PaymentMethodCreated(ctx context.Context, ev PaymentMethodEvent) error {
	if err := s.Next.PaymentMethodCreated(ctx, ev); err != nil {
		return err
	}
	return s.forward(ctx, EventPaymentMethodCreated, ev.RecordID, map[string]any{
		"orderId": ev.OrderID, "documentId": ev.DocumentID, "customerId": ev.CustomerID,
	})
}

func (s ForwardingPaymentService) TransactionCompleted(ctx context.Context, ev TransactionEvent) error {
	if err := s.Next.TransactionCompleted(ctx, ev); err != nil {
		return err
	}
	p := map[string]any{"orderId": ev.OrderID, "transactionId": ev.TransactionID, "status": ev.Status}
	if ev.Amount != nil {
		p["amount"] = ev.Amount.String()
		p["currency"] = ev.Currency
	}
	return s.forward(ctx, EventTransactionCompleted, ev.RecordID, p)
}

func (s ForwardingPaymentService) PaymentReturned(ctx context.Context, ev PaymentReturnEvent) error {
	if err := s.Next.PaymentReturned(ctx, ev); err != nil {
		return err
	}
	return s.forward(ctx, EventPaymentReturned, ev.RecordID, map[string]any{"orderId": ev.OrderID, "status": ev.Status})
}

func (s ForwardingPaymentService) forward(ctx context.Context, event, recordID string, payload map[string]any) error {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("payhooks:inbound:"+recordID+":"+event)).String()
	_, err := s.Dispatcher.Dispatch(ctx, webhooks.NewRequest().ID(id).Event(event).URL(s.URL).Payload(payload))
	return err
}
