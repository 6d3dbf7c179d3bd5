package webhooks

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"payhooks/internal/events"
)

// Notification kinds raised by the worker.
const (
	DeliverySucceeded     = "delivery.succeeded"
	DeliveryAttemptFailed = "delivery.attempt_failed"
	DeliveryFinallyFailed = "delivery.finally_failed"
)

type Notification struct {
	Kind          string     `json:"kind"`
	DeliveryID    string     `json:"deliveryId"`
	Event         string     `json:"event"`
	URL           string     `json:"url"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"maxAttempts"`
	StatusCode    int        `json:"statusCode,omitempty"`
	ResponseBody  string     `json:"responseBody,omitempty"`
	Error         string     `json:"error,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	At            time.Time  `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Notifiers fans a notification out to each element.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, n Notification) {
	for _, x := range ns {
		if x != nil {
			x.Notify(ctx, n)
		}
	}
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	entry := l.Log.WithFields(logrus.Fields{
		"delivery_id": n.DeliveryID,
		"event":       n.Event,
		"attempt":     n.Attempt,
		"status_code": n.StatusCode,
	})
	switch n.Kind {
	case DeliverySucceeded:
		entry.Info("webhook delivered")
	case DeliveryAttemptFailed:
		entry.WithField("error", n.Error).Warn("webhook attempt failed")
	case DeliveryFinallyFailed:
		entry.WithField("error", n.Error).Error("webhook delivery failed permanently")
	}
}

// BrokerNotifier publishes notifications on the deliveries topic.
type BrokerNotifier struct {
	Broker events.Broker
}

func (b BrokerNotifier) Notify(ctx context.Context, n Notification) {
	data := map[string]any{
		"deliveryId":  n.DeliveryID,
		"event":       n.Event,
		"url":         n.URL,
		"attempt":     n.Attempt,
		"maxAttempts": n.MaxAttempts,
	}
	if n.StatusCode != 0 {
		data["statusCode"] = n.StatusCode
	}
	if n.Error != "" {
		data["error"] = n.Error
	}
	if n.NextAttemptAt != nil {
		data["nextAttemptAt"] = n.NextAttemptAt.Format(time.RFC3339)
	}
	b.Broker.Publish(events.TopicDeliveries, events.Event{Type: n.Kind, Data: data, TS: n.At})
}
