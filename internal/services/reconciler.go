package services

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"mealplan/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
)

// statusMap is the fixed translation from the provider's status
// vocabulary to the internal enum.
var statusMap = map[string]string{
	"active":             models.SubscriptionActive,
	"trialing":           models.SubscriptionTrialing,
	"past_due":           models.SubscriptionPastDue,
	"canceled":           models.SubscriptionCancelled,
	"incomplete_expired": models.SubscriptionCancelled,
	"unpaid":             models.SubscriptionPastDue,
	"incomplete":         models.SubscriptionIncomplete,
}

// CustomerLookup resolves the owning user from the provider's customer
// record when the event itself carries no user metadata.
type CustomerLookup interface {
	UserIDForCustomer(ctx context.Context, customerID string) (int64, bool, error)
}

// StripeCustomerLookup reads user_id out of the Stripe customer's
// metadata.
type StripeCustomerLookup struct{}

func (StripeCustomerLookup) UserIDForCustomer(ctx context.Context, customerID string) (int64, bool, error) {
	cust, err := customer.Get(customerID, nil)
	if err != nil {
		return 0, false, err
	}
	raw, ok := cust.Metadata["user_id"]
	if !ok {
		return 0, false, nil
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return userID, true, nil
}

// Reconciler consumes verified billing events and upserts the local
// subscription record. It never talks to the provider except through the
// injected CustomerLookup.
type Reconciler struct {
	subs      SubscriptionStore
	customers CustomerLookup
	log       *logrus.Logger
}

func NewReconciler(subs SubscriptionStore, customers CustomerLookup, log *logrus.Logger) *Reconciler {
	return &Reconciler{subs: subs, customers: customers, log: log}
}

// Apply processes one already-signature-verified event. A nil return
// means the provider should be acked (applied, stale, irrelevant, or
// permanently unresolvable); a non-nil return is a transient failure the
// provider should retry.
func (r *Reconciler) Apply(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return r.applySubscriptionEvent(ctx, event, false)
	case "customer.subscription.deleted":
		return r.applySubscriptionEvent(ctx, event, true)
	default:
		r.log.WithField("type", event.Type).Debug("ignoring billing event")
		return nil
	}
}

func (r *Reconciler) applySubscriptionEvent(ctx context.Context, event stripe.Event, deleted bool) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		// Malformed payload can never succeed on retry; ack and diagnose.
		r.log.WithError(err).WithField("event_id", event.ID).Warn("unparseable subscription event")
		return nil
	}

	userID, ok, err := r.resolveUser(ctx, sub)
	if err != nil {
		return err
	}
	if !ok {
		// Permanently unresolvable. Acknowledge so the provider stops
		// retrying, but leave a diagnostic trail.
		r.log.WithFields(logrus.Fields{
			"event_id":        event.ID,
			"subscription_id": sub.ID,
		}).Warn("billing event has no resolvable user, dropping")
		return nil
	}

	rec := recordFromSubscription(userID, sub, deleted)
	eventAt := time.Unix(event.Created, 0).UTC()

	applied, err := r.subs.UpsertFromEvent(ctx, rec, eventAt)
	if err != nil {
		return err
	}
	if !applied {
		r.log.WithFields(logrus.Fields{
			"event_id": event.ID,
			"user_id":  userID,
		}).Info("stale billing event skipped")
		return nil
	}
	r.log.WithFields(logrus.Fields{
		"event_id": event.ID,
		"user_id":  userID,
		"plan":     rec.Plan,
		"status":   rec.Status,
	}).Info("subscription record reconciled")
	return nil
}

func (r *Reconciler) resolveUser(ctx context.Context, sub stripe.Subscription) (int64, bool, error) {
	if raw, ok := sub.Metadata["user_id"]; ok {
		if userID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return userID, true, nil
		}
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return 0, false, nil
	}
	return r.customers.UserIDForCustomer(ctx, sub.Customer.ID)
}

// recordFromSubscription maps a provider subscription onto the local
// record. Cancellation forces free/cancelled regardless of anything else
// the payload says.
func recordFromSubscription(userID int64, sub stripe.Subscription, deleted bool) models.SubscriptionRecord {
	rec := models.SubscriptionRecord{
		UserID:             userID,
		Source:             models.SourceBillingProvider,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		id := sub.Customer.ID
		rec.ExternalCustomerID = &id
	}
	if sub.ID != "" {
		id := sub.ID
		rec.ExternalSubscriptionID = &id
	}
	if sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
		rec.TrialEnd = &trialEnd
	}

	if deleted {
		rec.Plan = models.PlanFree
		rec.Status = models.SubscriptionCancelled
		rec.CancelAtPeriodEnd = true
		return rec
	}

	status, ok := statusMap[string(sub.Status)]
	if !ok {
		status = models.SubscriptionIncomplete
	}
	rec.Status = status
	if models.PremiumStatus(status) {
		rec.Plan = models.PlanPremium
	} else {
		rec.Plan = models.PlanFree
	}
	return rec
}
