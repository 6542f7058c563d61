package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"mealplan/internal/models"
	"mealplan/internal/testutil"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGetEntitlementDefaultsToFree(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)

	ent, err := resolver.GetEntitlement(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, models.PlanFree, ent.Plan)
	require.Equal(t, models.PlanFree, ent.EffectivePlan)
	require.Equal(t, models.SubscriptionCancelled, ent.Status)
	require.Nil(t, ent.CurrentPeriodStart)
	require.Empty(t, ent.Usage)
	require.Equal(t, 3, ent.Remaining[models.ActionCreateMealPlan])
	require.Equal(t, 10, ent.Remaining[models.ActionAddFavorite])
}

func TestGetEntitlementCreditMakesEffectivePremium(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	err := ms.Referrals.InsertCredit(ctx, models.ReferralCredit{
		UserID:     1,
		DaysAmount: 14,
		Source:     models.CreditSourceReferral,
		ExpiresAt:  daysFromNow(14),
	})
	require.NoError(t, err)

	ent, err := resolver.GetEntitlement(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.PlanFree, ent.Plan)
	require.Equal(t, models.PlanPremium, ent.EffectivePlan)
	require.Len(t, ent.ActiveCredits, 1)
	require.Equal(t, 30, ent.Remaining[models.ActionCreateMealPlan])
	require.Equal(t, -1, ent.Remaining[models.ActionAddFavorite])
}

func TestExpiredCreditDoesNotGrantPremium(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	expired := time.Now().UTC().Add(-time.Hour)
	err := ms.Referrals.InsertCredit(ctx, models.ReferralCredit{
		UserID:     1,
		DaysAmount: 14,
		Source:     models.CreditSourceReferral,
		ExpiresAt:  &expired,
	})
	require.NoError(t, err)

	ent, err := resolver.GetEntitlement(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.PlanFree, ent.EffectivePlan)
	require.Empty(t, ent.ActiveCredits)
}

func TestIncrementUsageNeverOvershootsLimit(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	const workers = 10
	const limit = 3 // free meal plan limit

	var mu sync.Mutex
	allowed := 0

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			d, err := resolver.IncrementUsage(ctx, 1, models.ActionCreateMealPlan)
			if err != nil {
				return err
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, limit, allowed)

	counters, err := ms.Usage.Counters(ctx, 1, models.PeriodStart(time.Now()))
	require.NoError(t, err)
	require.Equal(t, limit, counters[models.ActionCreateMealPlan])
}

func TestIncrementUsageDenialCarriesUpgradePath(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := resolver.IncrementUsage(ctx, 1, models.ActionCreateMealPlan)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := resolver.IncrementUsage(ctx, 1, models.ActionCreateMealPlan)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, reasonLimitReached, d.Reason)
	require.Equal(t, UpgradePath, d.UpgradePath)
	require.Equal(t, 3, d.Limit)
}

func TestIncrementUsageAfterUpgradeAllowsAgain(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := resolver.IncrementUsage(ctx, 1, models.ActionCreateMealPlan)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := resolver.IncrementUsage(ctx, 1, models.ActionCreateMealPlan)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	now := time.Now().UTC()
	err = ms.Subs.UpsertManual(ctx, models.SubscriptionRecord{
		UserID:             1,
		Plan:               models.PlanPremium,
		Status:             models.SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	// Prior usage is kept; the fourth create now fits under the premium cap.
	d, err = resolver.IncrementUsage(ctx, 1, models.ActionCreateMealPlan)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 4, d.Count)
	require.Equal(t, 30, d.Limit)
}

func TestIncrementUsageUnlimitedAction(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	now := time.Now().UTC()
	err := ms.Subs.UpsertManual(ctx, models.SubscriptionRecord{
		UserID:             1,
		Plan:               models.PlanPremium,
		Status:             models.SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		d, err := resolver.IncrementUsage(ctx, 1, models.ActionAddFavorite)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestIncrementUsageUnknownAction(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)

	_, err := resolver.IncrementUsage(context.Background(), 1, "export_pdf")
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestCanPerformActionPremiumFeature(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	d, err := resolver.CanPerformAction(ctx, 1, models.FeatureImportFromURL)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, reasonPremiumRequired, d.Reason)
	require.Equal(t, UpgradePath, d.UpgradePath)

	err = ms.Referrals.InsertCredit(ctx, models.ReferralCredit{
		UserID:     1,
		DaysAmount: 14,
		Source:     models.CreditSourceAdmin,
		ExpiresAt:  daysFromNow(14),
	})
	require.NoError(t, err)

	d, err = resolver.CanPerformAction(ctx, 1, models.FeatureImportFromURL)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestCanPerformActionIsAdvisoryOnly(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	d, err := resolver.CanPerformAction(ctx, 1, models.ActionCreateMealPlan)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// The check must not consume quota.
	counters, err := ms.Usage.Counters(ctx, 1, models.PeriodStart(time.Now()))
	require.NoError(t, err)
	require.Zero(t, counters[models.ActionCreateMealPlan])
}

func TestPastDueStillCountsAsPremium(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	now := time.Now().UTC()
	err := ms.Subs.UpsertManual(ctx, models.SubscriptionRecord{
		UserID:             1,
		Plan:               models.PlanPremium,
		Status:             models.SubscriptionPastDue,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	ent, err := resolver.GetEntitlement(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.PlanPremium, ent.EffectivePlan)
}

func TestCancelledPremiumRecordIsFree(t *testing.T) {
	ms := testutil.NewMemStore()
	resolver := newTestResolver(ms)
	ctx := context.Background()

	now := time.Now().UTC()
	err := ms.Subs.UpsertManual(ctx, models.SubscriptionRecord{
		UserID:             1,
		Plan:               models.PlanPremium,
		Status:             models.SubscriptionCancelled,
		CurrentPeriodStart: now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   now,
	})
	require.NoError(t, err)

	ent, err := resolver.GetEntitlement(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.PlanFree, ent.EffectivePlan)
}
