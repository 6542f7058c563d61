package services

import (
	"context"
	"errors"
	"time"

	"mealplan/internal/models"
	"mealplan/internal/store"

	"github.com/google/uuid"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrUnknownAction         = errors.New("unknown action")
	ErrPromoInvalid          = errors.New("invalid or expired promo code")
	ErrPromoNotRedeemable    = errors.New("promo code is not redeemable for free days")
	ErrPromoAlreadyRedeemed  = errors.New("promo code already redeemed")
	ErrPromoFullyRedeemed    = errors.New("promo code already fully redeemed")
	ErrSelfReferral          = errors.New("cannot refer yourself")
	ErrAlreadyReferred       = errors.New("user already attributed to a referral")
	ErrNoBillingSubscription = errors.New("no billing subscription on record")
	ErrStripeNotConfigured   = errors.New("stripe not configured")
)

// Store interfaces are declared on the consumer side so services can be
// exercised against in-memory doubles; the pgx implementations live in
// internal/store.

type SubscriptionStore interface {
	Get(ctx context.Context, userID int64) (models.SubscriptionRecord, error)
	GetByExternalCustomerID(ctx context.Context, customerID string) (models.SubscriptionRecord, error)
	UpsertFromEvent(ctx context.Context, rec models.SubscriptionRecord, eventAt time.Time) (bool, error)
	UpsertManual(ctx context.Context, rec models.SubscriptionRecord) error
	EnsureRecord(ctx context.Context, userID int64) error
	MarkCancelAtPeriodEnd(ctx context.Context, userID int64) error
}

type UsageStore interface {
	Counters(ctx context.Context, userID int64, periodStart time.Time) (map[string]int, error)
	IncrementBelow(ctx context.Context, userID int64, periodStart time.Time, action string, limit int) (int, error)
	Reset(ctx context.Context, userID int64, periodStart time.Time) error
}

type PromoStore interface {
	Create(ctx context.Context, p models.PromoCode) (models.PromoCode, error)
	GetByCode(ctx context.Context, code string) (models.PromoCode, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	List(ctx context.Context) ([]models.PromoCode, error)
	Update(ctx context.Context, p models.PromoCode) error
	Delete(ctx context.Context, id uuid.UUID) error
	HasRedemption(ctx context.Context, promoID uuid.UUID, userID int64) (bool, error)
	Redeem(ctx context.Context, promoID uuid.UUID, userID int64, credit models.ReferralCredit) error
	Stats(ctx context.Context) (store.PromoStats, error)
}

type ReferralStore interface {
	CreateCode(ctx context.Context, userID int64, code string) (string, error)
	GetCode(ctx context.Context, userID int64) (string, error)
	CodeOwner(ctx context.Context, code string) (int64, error)
	CreateReferral(ctx context.Context, referrerID, referredUserID int64) (models.Referral, error)
	Complete(ctx context.Context, referredUserID int64, days int, expiresAt *time.Time) (models.Referral, error)
	ActiveCredits(ctx context.Context, userID int64) ([]models.ReferralCredit, error)
	InsertCredit(ctx context.Context, credit models.ReferralCredit) error
	Stats(ctx context.Context, userID int64) (store.ReferralStats, error)
}
