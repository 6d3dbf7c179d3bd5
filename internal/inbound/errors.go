package inbound

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind is returned for a webhook kind that is not registered.
var ErrUnknownKind = errors.New("unknown webhook kind")

// InboundValidationFailure describes why a received webhook was rejected.
// Server-to-server kinds record it and still answer 200.
type InboundValidationFailure struct {
	Kind    string
	Missing []string
	Reason  string
}

func (e *InboundValidationFailure) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing or invalid %s", e.Kind, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// AuthorizationError is a security key mismatch on a redirect flow.
type AuthorizationError struct {
	OrderID string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("order %s: %s", e.OrderID, e.Reason)
}
