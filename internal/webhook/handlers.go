package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/toko-webhooks/internal/collab"
	"github.com/noah-isme/toko-webhooks/internal/obs"
	"github.com/noah-isme/toko-webhooks/internal/order"
	"github.com/noah-isme/toko-webhooks/internal/proclog"
	"github.com/noah-isme/toko-webhooks/internal/resilience"
	"github.com/noah-isme/toko-webhooks/internal/subscription"
)

// Step outcomes recorded in log detail and reported to the Monitor.
const (
	StepOK      = "ok"
	StepTimeout = "timeout"
	StepFailed  = "error"
	StepSkipped = "skipped"
)

// Budgets bound each external call made by the handlers.
type Budgets struct {
	Fetch     time.Duration
	Mutation  time.Duration
	Account   time.Duration
	Marketing time.Duration
	Commerce  time.Duration
	Referral  time.Duration
}

// Handlers implements the side effects of every handled event kind.
type Handlers struct {
	Orders        order.Store
	Subscriptions subscription.Store
	Collab        collab.Set
	Budgets       Budgets
	Now           func() time.Time
}

// Register wires every handler into r. Missing collaborators are replaced by
// collab.Disabled.
func (h *Handlers) Register(r *Router) {
	if h.Collab.Accounts == nil {
		h.Collab.Accounts = collab.Disabled{}
	}
	if h.Collab.Marketing == nil {
		h.Collab.Marketing = collab.Disabled{}
	}
	if h.Collab.Commerce == nil {
		h.Collab.Commerce = collab.Disabled{}
	}
	if h.Collab.Referrals == nil {
		h.Collab.Referrals = collab.Disabled{}
	}
	r.Handle(KindCheckoutCompleted, h.CheckoutCompleted)
	r.Handle(KindCheckoutExpired, h.CheckoutExpired)
	r.Handle(KindPaymentFailed, h.PaymentFailed)
	r.Handle(KindSubscriptionCreated, h.SubscriptionChanged)
	r.Handle(KindSubscriptionUpdated, h.SubscriptionChanged)
	r.Handle(KindSubscriptionDeleted, h.SubscriptionChanged)
}

// CheckoutCompleted resolves the order, completes it, links the buyer account
// and then fans out the secondary notifications.
func (h *Handlers) CheckoutCompleted(ctx context.Context, ev Event) (proclog.Detail, error) {
	p, ok := ev.Payload.(CheckoutCompleted)
	if !ok {
		return nil, payloadMismatch(ev)
	}
	detail := proclog.Detail{"order_id": p.OrderID}

	o, err := h.fetchOrder(ctx, p.OrderID)
	if err != nil {
		return detail, err
	}
	if o.Status.Terminal() {
		return h.alreadyTerminal(ctx, detail, o.Status), nil
	}

	applied, err := resilience.WithTimeout(ctx, "order.mark_completed", h.Budgets.Mutation, func(ctx context.Context) (bool, error) {
		return h.Orders.MarkCompleted(ctx, o.ID, p.PaymentReference, h.now())
	})
	if err != nil {
		return detail, &StepError{Step: "order_mark_completed", Err: err}
	}
	if !applied {
		return h.alreadyTerminal(ctx, detail, "terminal"), nil
	}
	detail["order"] = "completed"
	obs.MonitorFrom(ctx).Step("order", StepOK)

	email := p.Email
	if email == "" {
		email = o.Email
	}
	name := p.Name
	if name == "" {
		name = o.CustomerName
	}
	userID := o.UserID
	if email == "" {
		h.record(ctx, detail, "account", collab.ErrDisabled)
	} else {
		account, err := resilience.WithTimeout(ctx, "collab.accounts", h.Budgets.Account, func(ctx context.Context) (collab.Account, error) {
			return h.Collab.Accounts.LinkAccount(collab.WithIdempotencyKey(ctx, ev.ID+":account"), collab.LinkAccountRequest{
				Email:   email,
				Name:    name,
				OrderID: o.ID,
			})
		})
		h.record(ctx, detail, "account", err)
		if err == nil && account.UserID != "" && account.UserID != o.UserID {
			err = resilience.Run(ctx, "order.attach_user", h.Budgets.Mutation, func(ctx context.Context) error {
				return h.Orders.AttachUser(ctx, o.ID, account.UserID)
			})
			h.record(ctx, detail, "attach_user", err)
			if err == nil {
				userID = account.UserID
				detail["user_id"] = userID
			}
		}
	}

	amount := p.AmountCents
	if amount == 0 {
		amount = o.AmountCents
	}
	currency := p.Currency
	if currency == "" {
		currency = o.Currency
	}
	referral := p.ReferralCode
	if referral == "" {
		referral = o.ReferralCode
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	set := func(key string, value any) {
		mu.Lock()
		defer mu.Unlock()
		detail[key] = value
	}
	recordLocked := func(step string, err error) {
		mu.Lock()
		defer mu.Unlock()
		h.record(ctx, detail, step, err)
	}
	g.Go(func() error {
		err := resilience.Run(ctx, "collab.marketing", h.Budgets.Marketing, func(ctx context.Context) error {
			return h.Collab.Marketing.SendEvent(collab.WithIdempotencyKey(ctx, ev.ID+":marketing"), "checkout_completed", map[string]any{
				"order_id":     o.ID,
				"email":        email,
				"amount_cents": amount,
				"currency":     currency,
			})
		})
		recordLocked("marketing", err)
		return nil
	})
	g.Go(func() error {
		remoteID, err := resilience.WithTimeout(ctx, "collab.commerce", h.Budgets.Commerce, func(ctx context.Context) (string, error) {
			return h.Collab.Commerce.CreateOrder(collab.WithIdempotencyKey(ctx, ev.ID+":commerce"), collab.CommerceOrder{
				OrderID:     o.ID,
				Email:       email,
				AmountCents: amount,
				Currency:    currency,
				UserID:      userID,
			})
		})
		recordLocked("commerce", err)
		if err == nil && remoteID != "" {
			set("commerce_order_id", remoteID)
		}
		return nil
	})
	g.Go(func() error {
		if referral == "" {
			recordLocked("referral", collab.ErrDisabled)
			return nil
		}
		reward, err := resilience.WithTimeout(ctx, "collab.referrals", h.Budgets.Referral, func(ctx context.Context) (collab.Reward, error) {
			return h.Collab.Referrals.ComputeReward(collab.WithIdempotencyKey(ctx, ev.ID+":referral"), referral, amount)
		})
		recordLocked("referral", err)
		if err == nil {
			set("referral_reward_cents", reward.AmountCents)
		}
		return nil
	})
	_ = g.Wait()
	return detail, nil
}

// CheckoutExpired expires a still open order.
func (h *Handlers) CheckoutExpired(ctx context.Context, ev Event) (proclog.Detail, error) {
	p, ok := ev.Payload.(CheckoutExpired)
	if !ok {
		return nil, payloadMismatch(ev)
	}
	detail := proclog.Detail{"order_id": p.OrderID}
	o, err := h.fetchOrder(ctx, p.OrderID)
	if err != nil {
		return detail, err
	}
	if o.Status.Terminal() {
		return h.alreadyTerminal(ctx, detail, o.Status), nil
	}
	applied, err := resilience.WithTimeout(ctx, "order.mark_expired", h.Budgets.Mutation, func(ctx context.Context) (bool, error) {
		return h.Orders.MarkExpired(ctx, o.ID, h.now())
	})
	if err != nil {
		return detail, &StepError{Step: "order_mark_expired", Err: err}
	}
	if !applied {
		return h.alreadyTerminal(ctx, detail, "terminal"), nil
	}
	detail["order"] = "expired"
	obs.MonitorFrom(ctx).Step("order", StepOK)

	err = resilience.Run(ctx, "collab.marketing", h.Budgets.Marketing, func(ctx context.Context) error {
		return h.Collab.Marketing.SendEvent(collab.WithIdempotencyKey(ctx, ev.ID+":marketing"), "checkout_expired", map[string]any{
			"order_id": o.ID,
			"email":    o.Email,
		})
	})
	h.record(ctx, detail, "marketing", err)
	return detail, nil
}

// PaymentFailed flags the order or subscription the failed charge belongs to.
func (h *Handlers) PaymentFailed(ctx context.Context, ev Event) (proclog.Detail, error) {
	p, ok := ev.Payload.(PaymentFailed)
	if !ok {
		return nil, payloadMismatch(ev)
	}
	detail := proclog.Detail{}
	props := map[string]any{"reason": p.Reason}

	switch {
	case p.OrderID != "":
		detail["order_id"] = p.OrderID
		props["order_id"] = p.OrderID
		o, err := h.fetchOrder(ctx, p.OrderID)
		if err != nil {
			return detail, err
		}
		if o.Status.Terminal() {
			return h.alreadyTerminal(ctx, detail, o.Status), nil
		}
		applied, err := resilience.WithTimeout(ctx, "order.mark_payment_failed", h.Budgets.Mutation, func(ctx context.Context) (bool, error) {
			return h.Orders.MarkPaymentFailed(ctx, o.ID, p.Reason, h.now())
		})
		if err != nil {
			return detail, &StepError{Step: "order_mark_payment_failed", Err: err}
		}
		if !applied {
			return h.alreadyTerminal(ctx, detail, "terminal"), nil
		}
		detail["order"] = string(order.StatusPaymentFailed)
		props["email"] = o.Email
	default:
		detail["subscription_id"] = p.SubscriptionID
		props["subscription_id"] = p.SubscriptionID
		applied, err := resilience.WithTimeout(ctx, "subscription.mark_past_due", h.Budgets.Mutation, func(ctx context.Context) (bool, error) {
			return h.Subscriptions.MarkPastDue(ctx, p.SubscriptionID, h.eventTime(ev))
		})
		if err != nil {
			return detail, &StepError{Step: "subscription_mark_past_due", Err: err}
		}
		if applied {
			detail["subscription"] = string(subscription.StatusPastDue)
		} else {
			detail["subscription"] = "unchanged"
		}
	}

	err := resilience.Run(ctx, "collab.marketing", h.Budgets.Marketing, func(ctx context.Context) error {
		return h.Collab.Marketing.SendEvent(collab.WithIdempotencyKey(ctx, ev.ID+":marketing"), "payment_failed", props)
	})
	h.record(ctx, detail, "marketing", err)
	return detail, nil
}

// SubscriptionChanged mirrors a lifecycle change. Events older than the stored
// state and changes to canceled subscriptions are ignored.
func (h *Handlers) SubscriptionChanged(ctx context.Context, ev Event) (proclog.Detail, error) {
	p, ok := ev.Payload.(SubscriptionChanged)
	if !ok {
		return nil, payloadMismatch(ev)
	}
	detail := proclog.Detail{"subscription_id": p.SubscriptionID, "action": p.Action}
	sub := subscription.Subscription{
		ID:               p.SubscriptionID,
		CustomerID:       p.CustomerID,
		Email:            p.Email,
		PlanID:           p.PlanID,
		Status:           subscription.Status(p.Status),
		CurrentPeriodEnd: p.CurrentPeriodEnd,
		CanceledAt:       p.CanceledAt,
		LastEventAt:      h.eventTime(ev),
	}
	applied, err := resilience.WithTimeout(ctx, "subscription.upsert", h.Budgets.Mutation, func(ctx context.Context) (bool, error) {
		return h.Subscriptions.Upsert(ctx, sub)
	})
	if err != nil {
		return detail, &StepError{Step: "subscription_upsert", Err: err}
	}
	if !applied {
		detail["subscription"] = "stale"
		detail["marketing"] = StepSkipped
		obs.MonitorFrom(ctx).Step("subscription", "stale")
		return detail, nil
	}
	detail["subscription"] = p.Status
	obs.MonitorFrom(ctx).Step("subscription", StepOK)

	err = resilience.Run(ctx, "collab.marketing", h.Budgets.Marketing, func(ctx context.Context) error {
		return h.Collab.Marketing.SendEvent(collab.WithIdempotencyKey(ctx, ev.ID+":marketing"), "subscription_"+p.Action, map[string]any{
			"subscription_id": p.SubscriptionID,
			"customer_id":     p.CustomerID,
			"plan_id":         p.PlanID,
			"status":          p.Status,
		})
	})
	h.record(ctx, detail, "marketing", err)
	return detail, nil
}

func (h *Handlers) fetchOrder(ctx context.Context, id string) (order.Order, error) {
	o, err := resilience.WithTimeout(ctx, "order.fetch", h.Budgets.Fetch, func(ctx context.Context) (order.Order, error) {
		return h.Orders.Get(ctx, id)
	})
	if errors.Is(err, order.ErrNotFound) {
		return order.Order{}, resilience.Permanent(&DomainNotFoundError{Kind: "order", ID: id})
	}
	if err != nil {
		return order.Order{}, &StepError{Step: "order_fetch", Err: err}
	}
	return o, nil
}

func (h *Handlers) alreadyTerminal(ctx context.Context, detail proclog.Detail, status order.Status) proclog.Detail {
	detail["order"] = "already_" + string(status)
	obs.MonitorFrom(ctx).Step("order", "already_terminal")
	zerolog.Ctx(ctx).Info().Str("order_status", string(status)).Msg("webhook_order_already_terminal")
	return detail
}

// record stores the outcome of a non-critical step in detail.
func (h *Handlers) record(ctx context.Context, detail proclog.Detail, step string, err error) {
	outcome := stepOutcome(err)
	detail[step] = outcome
	if outcome == StepFailed || outcome == StepTimeout {
		detail[step+"_error"] = err.Error()
		zerolog.Ctx(ctx).Warn().Err(err).Str("step", step).Str("outcome", outcome).Msg("webhook_step_failed")
	}
	obs.MonitorFrom(ctx).Step(step, outcome)
}

func stepOutcome(err error) string {
	switch {
	case err == nil:
		return StepOK
	case errors.Is(err, collab.ErrDisabled):
		return StepSkipped
	case resilience.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return StepTimeout
	default:
		return StepFailed
	}
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handlers) eventTime(ev Event) time.Time {
	if !ev.Created.IsZero() {
		return ev.Created
	}
	if !ev.ReceivedAt.IsZero() {
		return ev.ReceivedAt
	}
	return h.now()
}

func payloadMismatch(ev Event) error {
	return fmt.Errorf("webhook: payload %T does not match kind %s", ev.Payload, ev.Kind)
}
