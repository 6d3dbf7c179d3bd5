package webhooks

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"payhooks/internal/model"
)

// Defaults fill the request fields a caller did not set.
type Defaults struct {
	MaxAttempts   int
	Timeout       time.Duration
	SigningSecret string
	VerifyTLS     bool
}

// StandardDefaults are used when the service configuration does not override them.
var StandardDefaults = Defaults{MaxAttempts: 3, Timeout: 3 * time.Second, VerifyTLS: true}

// RequestBuilder assembles a DeliveryRequest:
//
//	req, err := webhooks.NewRequest().
//		Event("invoice.paid").
//		URL("https://partner.example/hooks").
//		Payload(map[string]any{"invoice_id": 42}).
//		Build()
type RequestBuilder struct {
	req       model.DeliveryRequest
	maxSet    bool
	timeout   bool
	secretSet bool
	tlsSet    bool
}

func NewRequest() *RequestBuilder {
	return &RequestBuilder{req: model.DeliveryRequest{Payload: map[string]any{}, ExtraHeaders: map[string]string{}}}
}

func (b *RequestBuilder) ID(id string) *RequestBuilder       { b.req.ID = id; return b }
func (b *RequestBuilder) Event(name string) *RequestBuilder  { b.req.EventName = name; return b }
func (b *RequestBuilder) URL(target string) *RequestBuilder  { b.req.TargetURL = target; return b }
func (b *RequestBuilder) Header(k, v string) *RequestBuilder { b.req.ExtraHeaders[k] = v; return b }

// Payload merges p into the payload built so far.
func (b *RequestBuilder) Payload(p map[string]any) *RequestBuilder {
	for k, v := range p {
		b.req.Payload[k] = v
	}
	return b
}

func (b *RequestBuilder) Set(key string, value any) *RequestBuilder {
	b.req.Payload[key] = value
	return b
}

func (b *RequestBuilder) SigningSecret(s string) *RequestBuilder {
	b.req.SigningSecret = s
	b.secretSet = true
	return b
}

func (b *RequestBuilder) MaxAttempts(n int) *RequestBuilder {
	b.req.MaxAttempts = n
	b.maxSet = true
	return b
}

func (b *RequestBuilder) Timeout(d time.Duration) *RequestBuilder {
	b.req.Timeout = d
	b.timeout = true
	return b
}

func (b *RequestBuilder) VerifyTLS(on bool) *RequestBuilder {
	b.req.VerifyTLS = on
	b.tlsSet = true
	return b
}

// Build validates the request against StandardDefaults.
func (b *RequestBuilder) Build() (model.DeliveryRequest, error) {
	return b.BuildWith(StandardDefaults)
}

// BuildWith validates the request, filling unset fields from d.
func (b *RequestBuilder) BuildWith(d Defaults) (model.DeliveryRequest, error) {
	req := b.req
	req.Payload = make(map[string]any, len(b.req.Payload))
	for k, v := range b.req.Payload {
		req.Payload[k] = v
	}
	req.ExtraHeaders = make(map[string]string, len(b.req.ExtraHeaders))
	for k, v := range b.req.ExtraHeaders {
		req.ExtraHeaders[k] = v
	}
	req.EventName = strings.TrimSpace(req.EventName)
	if req.EventName == "" {
		return req, &ConfigurationError{Field: "event", Reason: "is required"}
	}
	if strings.TrimSpace(req.TargetURL) == "" {
		return req, &ConfigurationError{Field: "url", Reason: "is required"}
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return req, &ConfigurationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if !b.maxSet {
		req.MaxAttempts = d.MaxAttempts
	}
	if req.MaxAttempts < 1 {
		return req, &ConfigurationError{Field: "maxAttempts", Reason: "must be at least 1"}
	}
	if !b.timeout {
		req.Timeout = d.Timeout
	}
	if req.Timeout <= 0 {
		return req, &ConfigurationError{Field: "timeout", Reason: "must be positive"}
	}
	if !b.secretSet {
		req.SigningSecret = d.SigningSecret
	}
	if !b.tlsSet {
		req.VerifyTLS = d.VerifyTLS
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, err := uuid.Parse(req.ID); err != nil {
		return req, &ConfigurationError{Field: "id", Reason: "must be a UUID"}
	}
	return req, nil
}
