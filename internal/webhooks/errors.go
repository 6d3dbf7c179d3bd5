package webhooks

import "fmt"

// ConfigurationError rejects a delivery request before anything is stored or sent.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("webhook configuration: %s %s", e.Field, e.Reason)
}

// TransientDeliveryError is one failed attempt: a non-2xx answer or a
// transport failure. StatusCode is 0 for transport failures.
type TransientDeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("endpoint answered %d", e.StatusCode)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryFailure is raised once a delivery exhausted its attempts.
type PermanentDeliveryFailure struct {
	DeliveryID string
	Attempts   int
	Last       error
}

func (e *PermanentDeliveryFailure) Error() string {
	return fmt.Sprintf("delivery %s failed after %d attempts: %v", e.DeliveryID, e.Attempts, e.Last)
}

func (e *PermanentDeliveryFailure) Unwrap() error { return e.Last }
