package model

import (
	"encoding/json"
	"time"
)

// Delivery statuses. sent and failed are terminal.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// DeliveryRequest is one logical outbound notification. ID stays the same
// across every retry of the delivery.
type DeliveryRequest struct {
	ID            string            `json:"id"`
	EventName     string            `json:"event"`
	TargetURL     string            `json:"url"`
	Payload       map[string]any    `json:"payload"`
	ExtraHeaders  map[string]string `json:"headers,omitempty"`
	SigningSecret string            `json:"secret,omitempty"`
	MaxAttempts   int               `json:"maxAttempts"`
	Timeout       time.Duration     `json:"timeout"`
	VerifyTLS     bool              `json:"verifyTls"`
}

// DeliveryRecord is the persisted state of a DeliveryRequest.
type DeliveryRecord struct {
	ID               string          `json:"id"`
	EventName        string          `json:"event"`
	URL              string          `json:"url"`
	PayloadSnapshot  json.RawMessage `json:"payload"`
	Status           string          `json:"status"`
	AttemptsMade     int             `json:"attempts"`
	MaxAttempts      int             `json:"maxAttempts"`
	LastHTTPStatus   int             `json:"lastStatusCode,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	LastResponseBody string          `json:"lastResponseBody,omitempty"`
	NextAttemptAt    *time.Time      `json:"nextAttemptAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	SentAt           *time.Time      `json:"sentAt,omitempty"`

	// request options replayed on every attempt
	Headers       map[string]string `json:"headers,omitempty"`
	SigningSecret string            `json:"-"`
	Timeout       time.Duration     `json:"timeout"`
	VerifyTLS     bool              `json:"verifyTls"`
}

// Terminal reports whether the record can no longer change state.
func (r DeliveryRecord) Terminal() bool {
	return r.Status == DeliverySent || r.Status == DeliveryFailed
}

// AttemptResult is what the worker learned from one physical attempt. The
// store derives the next status from it: sent on success, failed once the
// attempt ceiling is reached, pending otherwise.
type AttemptResult struct {
	Success       bool
	StatusCode    int
	Error         string
	ResponseBody  string
	NextAttemptAt *time.Time // kept only while the record stays pending
	At            time.Time
}

// InboundWebhookRecord is one external event received from the payment provider.
type InboundWebhookRecord struct {
	ID              string          `json:"id"`
	DedupeKey       string          `json:"dedupeKey"`
	Kind            string          `json:"kind"`
	EventType       string          `json:"eventType"`
	RawPayload      json.RawMessage `json:"payload"`
	SignatureValid  *bool           `json:"signatureValid,omitempty"`
	ValidationError *string         `json:"validationError,omitempty"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	ClaimedAt       *time.Time      `json:"claimedAt,omitempty"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	ProcessingError *string         `json:"processingError,omitempty"`
}

// Valid reports whether the receiver accepted the record for processing.
func (r InboundWebhookRecord) Valid() bool { return r.ValidationError == nil }

// Processed reports whether the processor already applied the event.
func (r InboundWebhookRecord) Processed() bool { return r.ProcessedAt != nil }

// InboundFilter narrows operator listings of inbound records.
type InboundFilter struct {
	Kind        string
	Unprocessed bool // processed_at IS NULL
	Failed      bool // processing_error or validation_error set
	Cursor      string
	Limit       int
}
