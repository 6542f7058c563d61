package services

import (
	"context"
	"errors"
	"time"

	"mealplan/internal/models"
	"mealplan/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"
)

// BillingClient is the minimal remote surface the admin overrides need.
type BillingClient interface {
	CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string) error
}

// StripeBillingClient delegates cancellation to Stripe. The actual plan
// downgrade happens later through the provider's own cancellation
// webhook.
type StripeBillingClient struct{}

func (StripeBillingClient) CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string) error {
	_, err := subscription.Update(externalSubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	return err
}

type AdminService struct {
	subs      SubscriptionStore
	usage     UsageStore
	referrals ReferralStore
	billing   BillingClient
	log       *logrus.Logger
	now       func() time.Time
}

func NewAdminService(subs SubscriptionStore, usage UsageStore, referrals ReferralStore, billing BillingClient, log *logrus.Logger) *AdminService {
	return &AdminService{
		subs:      subs,
		usage:     usage,
		referrals: referrals,
		billing:   billing,
		log:       log,
		now:       time.Now,
	}
}

// GrantPremium force-upserts the record to premium/active with a
// synthetic one-month window and no external subscription. The write is
// tagged source=manual and does not advance the event clock, so any later
// webhook for the same user wins.
func (s *AdminService) GrantPremium(ctx context.Context, userID int64) error {
	now := s.now().UTC()
	err := s.subs.UpsertManual(ctx, models.SubscriptionRecord{
		UserID:             userID,
		Plan:               models.PlanPremium,
		Status:             models.SubscriptionActive,
		Source:             models.SourceManual,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	})
	if err != nil {
		return err
	}
	s.log.WithField("user_id", userID).Info("premium granted manually")
	return nil
}

// RevokePremium downgrades without contacting the billing provider. Meant
// for users who were never billed.
func (s *AdminService) RevokePremium(ctx context.Context, userID int64) error {
	rec, err := s.subs.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	rec.Plan = models.PlanFree
	rec.Status = models.SubscriptionCancelled
	rec.Source = models.SourceManual
	if err := s.subs.UpsertManual(ctx, rec); err != nil {
		return err
	}
	s.log.WithField("user_id", userID).Info("premium revoked manually")
	return nil
}

// CancelBilling asks the provider to cancel at period end and flags the
// record locally. The plan stays unchanged until the cancellation webhook
// arrives.
func (s *AdminService) CancelBilling(ctx context.Context, userID int64) error {
	rec, err := s.subs.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if rec.ExternalSubscriptionID == nil || *rec.ExternalSubscriptionID == "" {
		return ErrNoBillingSubscription
	}
	if err := s.billing.CancelAtPeriodEnd(ctx, *rec.ExternalSubscriptionID); err != nil {
		return err
	}
	return s.subs.MarkCancelAtPeriodEnd(ctx, userID)
}

// ResetUsage clears the current period's counters only; historical
// periods are never deleted.
func (s *AdminService) ResetUsage(ctx context.Context, userID int64) error {
	return s.usage.Reset(ctx, userID, models.PeriodStart(s.now()))
}

// GrantCredit hands out an admin credit of the given length.
func (s *AdminService) GrantCredit(ctx context.Context, userID int64, days int) (models.ReferralCredit, error) {
	if days <= 0 {
		return models.ReferralCredit{}, ErrInvalidRequest
	}
	expiresAt := s.now().UTC().Add(time.Duration(days) * 24 * time.Hour)
	credit := models.ReferralCredit{
		ID:         uuid.New(),
		UserID:     userID,
		DaysAmount: days,
		Source:     models.CreditSourceAdmin,
		ExpiresAt:  &expiresAt,
	}
	if err := s.referrals.InsertCredit(ctx, credit); err != nil {
		return models.ReferralCredit{}, err
	}
	return credit, nil
}
