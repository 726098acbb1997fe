// Package webhook authenticates payment provider notifications and turns each
// one into idempotent, time-bounded side effects.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
)

// Kind is the provider-neutral category of an event.
type Kind string

const (
	KindCheckoutCompleted   Kind = "checkout.completed"
	KindCheckoutExpired     Kind = "checkout.expired"
	KindPaymentFailed       Kind = "payment.failed"
	KindSubscriptionCreated Kind = "subscription.created"
	KindSubscriptionUpdated Kind = "subscription.updated"
	KindSubscriptionDeleted Kind = "subscription.deleted"
	KindUnrecognized        Kind = "unrecognized"
)

var kindsByType = map[string]Kind{
	"checkout.completed":                       KindCheckoutCompleted,
	"checkout.session.completed":               KindCheckoutCompleted,
	"checkout.session.async_payment_succeeded": KindCheckoutCompleted,
	"checkout.expired":                         KindCheckoutExpired,
	"checkout.session.expired":                 KindCheckoutExpired,
	"payment.failed":                           KindPaymentFailed,
	"payment_intent.payment_failed":            KindPaymentFailed,
	"invoice.payment_failed":                   KindPaymentFailed,
	"checkout.session.async_payment_failed":    KindPaymentFailed,
	"subscription.created":                     KindSubscriptionCreated,
	"customer.subscription.created":            KindSubscriptionCreated,
	"subscription.updated":                     KindSubscriptionUpdated,
	"customer.subscription.updated":            KindSubscriptionUpdated,
	"subscription.deleted":                     KindSubscriptionDeleted,
	"customer.subscription.deleted":            KindSubscriptionDeleted,
}

// KindOf maps a provider event type to its Kind.
func KindOf(eventType string) Kind {
	if k, ok := kindsByType[strings.ToLower(strings.TrimSpace(eventType))]; ok {
		return k
	}
	return KindUnrecognized
}

// Event is an authenticated provider notification. It is immutable after Parse.
type Event struct {
	ID         string
	Type       string
	Kind       Kind
	Created    time.Time
	Livemode   bool
	ReceivedAt time.Time
	Payload    Payload
}

// Payload is one of CheckoutCompleted, CheckoutExpired, PaymentFailed,
// SubscriptionChanged or Unrecognized.
type Payload interface {
	// DomainIDs names the records the event refers to.
	DomainIDs() map[string]string
	payload()
}

// CheckoutCompleted reports a paid checkout.
type CheckoutCompleted struct {
	OrderID          string `validate:"required"`
	SessionID        string
	PaymentReference string
	Email            string `validate:"omitempty,email"`
	Name             string
	AmountCents      int64 `validate:"gte=0"`
	Currency         string
	ReferralCode     string
}

// CheckoutExpired reports a checkout that was never paid.
type CheckoutExpired struct {
	OrderID   string `validate:"required"`
	SessionID string
}

// PaymentFailed reports a failed charge against an order or a subscription.
type PaymentFailed struct {
	OrderID        string `validate:"required_without=SubscriptionID"`
	SubscriptionID string
	Reason         string
}

// SubscriptionChanged reports a subscription lifecycle change.
type SubscriptionChanged struct {
	Action           string `validate:"oneof=created updated deleted"`
	SubscriptionID   string `validate:"required"`
	CustomerID       string `validate:"required"`
	Email            string
	PlanID           string
	Status           string `validate:"required"`
	CurrentPeriodEnd *time.Time
	CanceledAt       *time.Time
}

// Unrecognized carries events no handler is registered for.
type Unrecognized struct {
	ObjectType string
	ObjectID   string
}

func (CheckoutCompleted) payload()   {}
func (CheckoutExpired) payload()     {}
func (PaymentFailed) payload()       {}
func (SubscriptionChanged) payload() {}
func (Unrecognized) payload()        {}

func (p CheckoutCompleted) DomainIDs() map[string]string {
	return compactIDs("order_id", p.OrderID, "session_id", p.SessionID)
}

func (p CheckoutExpired) DomainIDs() map[string]string {
	return compactIDs("order_id", p.OrderID, "session_id", p.SessionID)
}

func (p PaymentFailed) DomainIDs() map[string]string {
	return compactIDs("order_id", p.OrderID, "subscription_id", p.SubscriptionID)
}

func (p SubscriptionChanged) DomainIDs() map[string]string {
	return compactIDs("subscription_id", p.SubscriptionID, "customer_id", p.CustomerID)
}

func (p Unrecognized) DomainIDs() map[string]string {
	return compactIDs("object_id", p.ObjectID)
}

func compactIDs(pairs ...string) map[string]string {
	out := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			out[pairs[i]] = pairs[i+1]
		}
	}
	return out
}

var validate = validator.New()

type envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type rawObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	AmountTotal      int64           `json:"amount_total"`
	Currency         string          `json:"currency"`
	PaymentIntent    json.RawMessage `json:"payment_intent"`
	Customer         json.RawMessage `json:"customer"`
	Subscription     json.RawMessage `json:"subscription"`
	Status           string          `json:"status"`
	CurrentPeriodEnd int64           `json:"current_period_end"`
	CanceledAt       int64           `json:"canceled_at"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// Parse decodes an authenticated body into an Event. Domain identifiers are
// extracted here once so handlers never inspect the raw payload.
func Parse(body []byte, receivedAt time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, &MalformedEventError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	env.ID = strings.TrimSpace(env.ID)
	env.Type = strings.TrimSpace(env.Type)
	if env.ID == "" || env.Type == "" {
		return Event{}, &MalformedEventError{Err: errors.New("event id and type are required")}
	}
	ev := Event{
		ID:         env.ID,
		Type:       env.Type,
		Kind:       KindOf(env.Type),
		Livemode:   env.Livemode,
		ReceivedAt: receivedAt.UTC(),
	}
	if env.Created > 0 {
		ev.Created = time.Unix(env.Created, 0).UTC()
	}

	var obj rawObject
	if len(env.Data.Object) > 0 && string(env.Data.Object) != "null" {
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return Event{}, &MalformedEventError{EventID: ev.ID, Err: fmt.Errorf("decode data.object: %w", err)}
		}
	}

	payload, err := buildPayload(ev.Kind, obj)
	if err != nil {
		return Event{}, &MalformedEventError{EventID: ev.ID, Err: err}
	}
	ev.Payload = payload
	return ev, nil
}

func buildPayload(kind Kind, obj rawObject) (Payload, error) {
	var p Payload
	switch kind {
	case KindCheckoutCompleted:
		email, name := obj.CustomerEmail, ""
		if obj.CustomerDetails != nil {
			if obj.CustomerDetails.Email != "" {
				email = obj.CustomerDetails.Email
			}
			name = obj.CustomerDetails.Name
		}
		p = CheckoutCompleted{
			OrderID:          orderIDOf(obj),
			SessionID:        obj.ID,
			PaymentReference: refID(obj.PaymentIntent),
			Email:            strings.TrimSpace(email),
			Name:             strings.TrimSpace(name),
			AmountCents:      obj.AmountTotal,
			Currency:         strings.ToLower(obj.Currency),
			ReferralCode:     strings.TrimSpace(obj.Metadata["referral_code"]),
		}
	case KindCheckoutExpired:
		p = CheckoutExpired{OrderID: orderIDOf(obj), SessionID: obj.ID}
	case KindPaymentFailed:
		failed := PaymentFailed{OrderID: orderIDOf(obj), SubscriptionID: refID(obj.Subscription)}
		if obj.LastPaymentError != nil {
			failed.Reason = obj.LastPaymentError.Message
		}
		p = failed
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted:
		changed := SubscriptionChanged{
			Action:           strings.TrimPrefix(string(kind), "subscription."),
			SubscriptionID:   obj.ID,
			CustomerID:       refID(obj.Customer),
			Email:            obj.Metadata["email"],
			Status:           obj.Status,
			CurrentPeriodEnd: unixPtr(obj.CurrentPeriodEnd),
			CanceledAt:       unixPtr(obj.CanceledAt),
		}
		if len(obj.Items.Data) > 0 {
			changed.PlanID = obj.Items.Data[0].Price.ID
		}
		if kind == KindSubscriptionDeleted && changed.Status == "" {
			changed.Status = "canceled"
		}
		p = changed
	default:
		return Unrecognized{ObjectType: obj.Object, ObjectID: obj.ID}, nil
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return p, nil
}

func orderIDOf(obj rawObject) string {
	if id := strings.TrimSpace(obj.Metadata["order_id"]); id != "" {
		return id
	}
	return strings.TrimSpace(obj.ClientReferenceID)
}

// refID reads a provider reference that is either an ID string or an expanded
// object carrying an id.
func refID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
