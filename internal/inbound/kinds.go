// Package inbound receives payment provider webhooks, records them once per
// dedupe key and applies each accepted event exactly once.
package inbound

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Flow says how the provider reaches us.
type Flow int

const (
	// ServerToServer calls are always answered 200 so the provider does not
	// retry on our internal failures.
	ServerToServer Flow = iota
	// Redirect is a customer browser sent back by the provider. Errors are
	// surfaced as 4xx.
	Redirect
)

func (f Flow) String() string {
	if f == Redirect {
		return "redirect"
	}
	return "server_to_server"
}

// Params are the flat provider parameters of one call.
type Params map[string]string

// Kind describes one provider webhook.
type Kind struct {
	Name      string
	Flow      Flow
	EventType string
	// Rules are validator tags per field.
	Rules            map[string]string
	CheckSecurityKey bool
	// DedupeKey derives the idempotency key; "" when its fields are missing.
	DedupeKey func(p Params) string
	// Apply performs the business effect of an accepted record.
	Apply func(ctx context.Context, svc PaymentService, recordID string, p Params) error
}

var validate = validator.New()

// Validate returns the fields of p that break the kind's rules, sorted.
func (k Kind) Validate(p Params) []string {
	data := make(map[string]any, len(k.Rules))
	rules := make(map[string]any, len(k.Rules))
	for field, tag := range k.Rules {
		data[field] = p[field]
		rules[field] = tag
	}
	errs := validate.ValidateMap(data, rules)
	bad := make([]string, 0, len(errs))
	for field := range errs {
		bad = append(bad, field)
	}
	sort.Strings(bad)
	return bad
}

// Registry holds the known kinds by name.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: map[string]Kind{}}
	for _, k := range kinds {
		r.Register(k)
	}
	return r
}

// DefaultRegistry returns the built-in payment provider kinds.
func DefaultRegistry() *Registry {
	return NewRegistry(PaymentMethodKind(), TransactionKind(), PaymentReturnKind())
}

func (r *Registry) Register(k Kind) {
	r.mu.Lock()
	r.kinds[k.Name] = k
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Field names used by the provider.
const (
	FieldOrderID       = "order_id"
	FieldSecurityKey   = "security_key"
	FieldDocumentID    = "document_id"
	FieldCustomerID    = "customer_id"
	FieldTransactionID = "transaction_id"
	FieldStatus        = "status"
	FieldAmount        = "amount"
	FieldCurrency      = "currency"
	FieldEventID       = "event_id"
)

func joinKey(prefix string, parts ...string) string {
	for _, p := range parts {
		if p == "" {
			return ""
		}
	}
	return prefix + ":" + strings.Join(parts, ":")
}

func PaymentMethodKind() Kind {
	return Kind{
		Name:      "payment_method",
		Flow:      ServerToServer,
		EventType: "payment_method.created",
		Rules: map[string]string{
			FieldOrderID:     "required,max=64",
			FieldSecurityKey: "required,max=128",
			FieldDocumentID:  "required,max=128",
			FieldCustomerID:  "required,max=128",
		},
		CheckSecurityKey: true,
		DedupeKey: func(p Params) string {
			return joinKey("pm", p[FieldOrderID], p[FieldDocumentID], p[FieldCustomerID])
		},
		Apply: func(ctx context.Context, svc PaymentService, id string, p Params) error {
			return svc.PaymentMethodCreated(ctx, PaymentMethodEvent{
				RecordID:   id,
				OrderID:    p[FieldOrderID],
				DocumentID: p[FieldDocumentID],
				CustomerID: p[FieldCustomerID],
			})
		},
	}
}

func TransactionKind() Kind {
	return Kind{
		Name:      "transaction",
		Flow:      ServerToServer,
		EventType: "transaction.completed",
		Rules: map[string]string{
			FieldOrderID:       "required,max=64",
			FieldSecurityKey:   "required,max=128",
			FieldTransactionID: "required,max=128",
			FieldStatus:        "required,max=32",
			FieldAmount:        "omitempty,numeric",
			FieldCurrency:      "omitempty,len=3,alpha",
			FieldEventID:       "omitempty,max=128",
		},
		CheckSecurityKey: true,
		DedupeKey: func(p Params) string {
			// the provider's event id wins when it sends one
			if id := p[FieldEventID]; id != "" {
				return "evt:" + id
			}
			return joinKey("txn", p[FieldOrderID], p[FieldTransactionID], p[FieldStatus])
		},
		Apply: func(ctx context.Context, svc PaymentService, id string, p Params) error {
			ev := TransactionEvent{
				RecordID:      id,
				OrderID:       p[FieldOrderID],
				TransactionID: p[FieldTransactionID],
				Status:        p[FieldStatus],
				Currency:      strings.ToUpper(p[FieldCurrency]),
				EventID:       p[FieldEventID],
			}
			if s := p[FieldAmount]; s != "" {
				amount, err := decimal.NewFromString(s)
				if err != nil {
					return fmt.Errorf("amount %q: %w", s, err)
				}
				ev.Amount = &amount
			}
			return svc.TransactionCompleted(ctx, ev)
		},
	}
}

func PaymentReturnKind() Kind {
	return Kind{
		Name:      "payment_return",
		Flow:      Redirect,
		EventType: "payment.returned",
		Rules: map[string]string{
			FieldOrderID:     "required,max=64",
			FieldSecurityKey: "required,max=128",
			FieldStatus:      "omitempty,max=32",
		},
		CheckSecurityKey: true,
		DedupeKey: func(p Params) string {
			if p[FieldOrderID] == "" {
				return ""
			}
			return "ret:" + p[FieldOrderID] + ":" + p[FieldStatus]
		},
		Apply: func(ctx context.Context, svc PaymentService, id string, p Params) error {
			return svc.PaymentReturned(ctx, PaymentReturnEvent{RecordID: id, OrderID: p[FieldOrderID], Status: p[FieldStatus]})
		},
	}
}
