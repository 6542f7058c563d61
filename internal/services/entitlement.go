package services

import (
	"context"
	"errors"
	"time"

	"mealplan/internal/config"
	"mealplan/internal/models"
	"mealplan/internal/store"

	"github.com/sirupsen/logrus"
)

// UpgradePath is the fixed hint returned with every premium-gated denial.
const UpgradePath = "/settings/billing/upgrade"

const (
	reasonPremiumRequired = "premium plan required"
	reasonLimitReached    = "monthly limit reached"
)

// Decision is the structured answer to "may this user do this right now".
// Business-rule refusals come back as Allowed=false with a reason, never
// as an error.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	UpgradePath string `json:"upgrade_path,omitempty"`
	Count       int    `json:"count,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// Entitlement is the resolved view of a user's access at a point in time.
// Billing-period fields come verbatim from the subscription record; the
// effective plan additionally folds in active credits.
type Entitlement struct {
	Plan               string                  `json:"plan"`
	EffectivePlan      string                  `json:"effective_plan"`
	Status             string                  `json:"status"`
	CurrentPeriodStart *time.Time              `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time              `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	TrialEnd           *time.Time              `json:"trial_end,omitempty"`
	Usage              map[string]int          `json:"usage"`
	Remaining          map[string]int          `json:"remaining"`
	ActiveCredits      []models.ReferralCredit `json:"active_credits"`
}

// EntitlementResolver is the single decision point every caller goes
// through. No other component reinterprets what "effectively premium"
// means.
type EntitlementResolver struct {
	subs      SubscriptionStore
	usage     UsageStore
	referrals ReferralStore
	cfg       config.Config
	log       *logrus.Logger
	now       func() time.Time
}

func NewEntitlementResolver(subs SubscriptionStore, usage UsageStore, referrals ReferralStore, cfg config.Config, log *logrus.Logger) *EntitlementResolver {
	return &EntitlementResolver{
		subs:      subs,
		usage:     usage,
		referrals: referrals,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

var countedActions = map[string]bool{
	models.ActionCreateMealPlan:   true,
	models.ActionRegenerateRecipe: true,
	models.ActionAddFavorite:      true,
}

var premiumFeatures = map[string]bool{
	models.FeatureImportFromURL:     true,
	models.FeaturePantryTracking:    true,
	models.FeatureLeftoversToRecipe: true,
}

// limit returns the per-period cap for a counted action under a plan.
// -1 means unlimited.
func (r *EntitlementResolver) limit(plan, action string) int {
	premium := plan == models.PlanPremium
	switch action {
	case models.ActionCreateMealPlan:
		if premium {
			return r.cfg.PremiumMealPlanLimit
		}
		return r.cfg.FreeMealPlanLimit
	case models.ActionRegenerateRecipe:
		if premium {
			return r.cfg.PremiumRecipeRegenLimit
		}
		return r.cfg.FreeRecipeRegenLimit
	case models.ActionAddFavorite:
		if premium {
			return r.cfg.PremiumFavoriteLimit
		}
		return r.cfg.FreeFavoriteLimit
	}
	return 0
}

// record loads the user's subscription record, treating an absent row as
// an untouched free plan.
func (r *EntitlementResolver) record(ctx context.Context, userID int64) (models.SubscriptionRecord, bool, error) {
	rec, err := r.subs.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.SubscriptionRecord{
			UserID: userID,
			Plan:   models.PlanFree,
			Status: models.SubscriptionCancelled,
		}, false, nil
	}
	if err != nil {
		return models.SubscriptionRecord{}, false, err
	}
	return rec, true, nil
}

func (r *EntitlementResolver) effectivePlan(rec models.SubscriptionRecord, credits []models.ReferralCredit) string {
	if rec.Plan == models.PlanPremium && models.PremiumStatus(rec.Status) {
		return models.PlanPremium
	}
	now := r.now()
	for _, c := range credits {
		if c.ActiveAt(now) {
			return models.PlanPremium
		}
	}
	return models.PlanFree
}

func (r *EntitlementResolver) GetEntitlement(ctx context.Context, userID int64) (Entitlement, error) {
	rec, exists, err := r.record(ctx, userID)
	if err != nil {
		return Entitlement{}, err
	}
	credits, err := r.referrals.ActiveCredits(ctx, userID)
	if err != nil {
		return Entitlement{}, err
	}
	usage, err := r.usage.Counters(ctx, userID, models.PeriodStart(r.now()))
	if err != nil {
		return Entitlement{}, err
	}
	if usage == nil {
		usage = map[string]int{}
	}

	effective := r.effectivePlan(rec, credits)
	remaining := make(map[string]int, len(countedActions))
	for action := range countedActions {
		limit := r.limit(effective, action)
		if limit < 0 {
			remaining[action] = -1
			continue
		}
		left := limit - usage[action]
		if left < 0 {
			left = 0
		}
		remaining[action] = left
	}

	ent := Entitlement{
		Plan:              rec.Plan,
		EffectivePlan:     effective,
		Status:            rec.Status,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		TrialEnd:          rec.TrialEnd,
		Usage:             usage,
		Remaining:         remaining,
		ActiveCredits:     credits,
	}
	if exists {
		start, end := rec.CurrentPeriodStart, rec.CurrentPeriodEnd
		ent.CurrentPeriodStart = &start
		ent.CurrentPeriodEnd = &end
	}
	return ent, nil
}

// CanPerformAction answers without side effects. For counted actions this
// is only advisory: the authoritative gate is the conditional increment in
// IncrementUsage.
func (r *EntitlementResolver) CanPerformAction(ctx context.Context, userID int64, action string) (Decision, error) {
	effective, err := r.currentEffectivePlan(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	if premiumFeatures[action] {
		if effective == models.PlanPremium {
			return Decision{Allowed: true}, nil
		}
		return Decision{Allowed: false, Reason: reasonPremiumRequired, UpgradePath: UpgradePath}, nil
	}

	if !countedActions[action] {
		return Decision{}, ErrUnknownAction
	}

	limit := r.limit(effective, action)
	if limit < 0 {
		return Decision{Allowed: true, Limit: limit}, nil
	}
	usage, err := r.usage.Counters(ctx, userID, models.PeriodStart(r.now()))
	if err != nil {
		return Decision{}, err
	}
	if usage[action] < limit {
		return Decision{Allowed: true, Count: usage[action], Limit: limit}, nil
	}
	d := Decision{Allowed: false, Reason: reasonLimitReached, Count: usage[action], Limit: limit}
	if effective != models.PlanPremium {
		d.UpgradePath = UpgradePath
	}
	return d, nil
}

// IncrementUsage performs the atomic conditional increment for a counted
// action. The check and the bump are one datastore statement, so N+1
// concurrent callers against a limit of N can never overshoot.
func (r *EntitlementResolver) IncrementUsage(ctx context.Context, userID int64, action string) (Decision, error) {
	if !countedActions[action] {
		return Decision{}, ErrUnknownAction
	}
	effective, err := r.currentEffectivePlan(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	limit := r.limit(effective, action)
	count, err := r.usage.IncrementBelow(ctx, userID, models.PeriodStart(r.now()), action, limit)
	if errors.Is(err, store.ErrLimitReached) {
		d := Decision{Allowed: false, Reason: reasonLimitReached, Limit: limit}
		if effective != models.PlanPremium {
			d.UpgradePath = UpgradePath
		}
		return d, nil
	}
	if err != nil {
		return Decision{}, err
	}
	r.log.WithFields(logrus.Fields{
		"user_id": userID,
		"action":  action,
		"count":   count,
	}).Debug("usage incremented")
	return Decision{Allowed: true, Count: count, Limit: limit}, nil
}

func (r *EntitlementResolver) currentEffectivePlan(ctx context.Context, userID int64) (string, error) {
	rec, _, err := r.record(ctx, userID)
	if err != nil {
		return "", err
	}
	credits, err := r.referrals.ActiveCredits(ctx, userID)
	if err != nil {
		return "", err
	}
	return r.effectivePlan(rec, credits), nil
}
