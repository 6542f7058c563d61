package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionRecord is the local mirror of a user's billing state.
// One row per user; created lazily on first checkout or first webhook,
// never deleted. LastEventAt holds the Created timestamp of the last
// billing event applied to the row and is left untouched by manual writes.
type SubscriptionRecord struct {
	UserID                 int64      `json:"user_id"`
	Plan                   string     `json:"plan"`
	Status                 string     `json:"status"`
	Source                 string     `json:"source"`
	ExternalCustomerID     *string    `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID *string    `json:"external_subscription_id,omitempty"`
	CurrentPeriodStart     time.Time  `json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	LastEventAt            *time.Time `json:"-"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// UsageCounter counts one rate-limited action for one user within one
// calendar-month period. A missing row means zero.
type UsageCounter struct {
	UserID      int64     `json:"user_id"`
	PeriodStart time.Time `json:"period_start"`
	Action      string    `json:"action"`
	Count       int       `json:"count"`
}

type PromoCode struct {
	ID              uuid.UUID  `json:"id"`
	Code            string     `json:"code"`
	DiscountType    string     `json:"discount_type"`
	Value           int        `json:"value"`
	MaxRedemptions  *int       `json:"max_redemptions,omitempty"`
	RedemptionCount int        `json:"redemption_count"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PromoRedemption records one user redeeming one code. The
// (promo_code_id, user_id) unique constraint is the mechanism that
// prevents concurrent double-redemption.
type PromoRedemption struct {
	ID          uuid.UUID `json:"id"`
	PromoCodeID uuid.UUID `json:"promo_code_id"`
	UserID      int64     `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReferralCredit is a time-bounded grant of premium-equivalent access.
// Credits never mutate the subscription record's period fields; billing
// truth and credit truth stay separate.
type ReferralCredit struct {
	ID         uuid.UUID  `json:"id"`
	UserID     int64      `json:"user_id"`
	DaysAmount int        `json:"days_amount"`
	Source     string     `json:"source"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Consumed   bool       `json:"consumed"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Referral struct {
	ID             uuid.UUID  `json:"id"`
	ReferrerID     int64      `json:"referrer_id"`
	ReferredUserID int64      `json:"referred_user_id"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const (
	PlanFree    = "free"
	PlanPremium = "premium"
)

const (
	SubscriptionActive     = "active"
	SubscriptionTrialing   = "trialing"
	SubscriptionPastDue    = "past_due"
	SubscriptionCancelled  = "cancelled"
	SubscriptionIncomplete = "incomplete"
)

const (
	SourceBillingProvider = "billing_provider"
	SourceManual          = "manual"
)

const (
	DiscountPercentage  = "percentage"
	DiscountFixedAmount = "fixed_amount"
	DiscountFreeDays    = "free_days"
)

const (
	CreditSourceReferral = "referral"
	CreditSourcePromo    = "promo"
	CreditSourceAdmin    = "admin"
)

const (
	ReferralPending   = "pending"
	ReferralCompleted = "completed"
)

// Counted actions tracked by usage counters.
const (
	ActionCreateMealPlan   = "create_meal_plan"
	ActionRegenerateRecipe = "regenerate_recipe"
	ActionAddFavorite      = "add_favorite"
)

// Boolean premium-gated features.
const (
	FeatureImportFromURL     = "import_from_url"
	FeaturePantryTracking    = "pantry_tracking"
	FeatureLeftoversToRecipe = "leftovers_to_recipe"
)

// ActiveAt reports whether the credit grants access at the given instant.
func (c ReferralCredit) ActiveAt(now time.Time) bool {
	if c.Consumed {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// PremiumStatus reports whether a premium plan in this status still
// grants access. plan=premium implies status in this set.
func PremiumStatus(status string) bool {
	switch status {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue:
		return true
	}
	return false
}

// PeriodStart normalizes t to the first of its calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
