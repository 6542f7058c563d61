package services

import (
	"context"
	"testing"
	"time"

	"mealplan/internal/models"
	"mealplan/internal/testutil"

	"github.com/stretchr/testify/require"
)

func newReferralService(ms *testutil.MemStore) *ReferralService {
	return NewReferralService(ms.Referrals, testConfig(), testLogger())
}

func TestGetOrCreateCodeIsStable(t *testing.T) {
	svc := newReferralService(testutil.NewMemStore())
	ctx := context.Background()

	first, err := svc.GetOrCreateCode(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, codeLength)

	second, err := svc.GetOrCreateCode(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := svc.GetOrCreateCode(ctx, 2)
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestAttributeCreatesPendingReferral(t *testing.T) {
	svc := newReferralService(testutil.NewMemStore())
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	require.NoError(t, err)

	ref, err := svc.Attribute(ctx, code, 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), ref.ReferrerID)
	require.Equal(t, int64(2), ref.ReferredUserID)
	require.Equal(t, models.ReferralPending, ref.Status)
}

func TestAttributeRejectsSelfReferral(t *testing.T) {
	svc := newReferralService(testutil.NewMemStore())
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	require.NoError(t, err)

	_, err = svc.Attribute(ctx, code, 1)
	require.ErrorIs(t, err, ErrSelfReferral)
}

func TestAttributeRejectsUnknownCode(t *testing.T) {
	svc := newReferralService(testutil.NewMemStore())

	_, err := svc.Attribute(context.Background(), "NOSUCHONE", 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttributeRejectsSecondReferrer(t *testing.T) {
	svc := newReferralService(testutil.NewMemStore())
	ctx := context.Background()

	codeA, err := svc.GetOrCreateCode(ctx, 1)
	require.NoError(t, err)
	codeB, err := svc.GetOrCreateCode(ctx, 2)
	require.NoError(t, err)

	_, err = svc.Attribute(ctx, codeA, 3)
	require.NoError(t, err)
	_, err = svc.Attribute(ctx, codeB, 3)
	require.ErrorIs(t, err, ErrAlreadyReferred)
}

func TestCompleteGrantsCreditOnce(t *testing.T) {
	ms := testutil.NewMemStore()
	svc := newReferralService(ms)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Attribute(ctx, code, 2)
	require.NoError(t, err)

	require.NoError(t, svc.Complete(ctx, 2))

	credits, err := ms.Referrals.ActiveCredits(ctx, 1)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	require.Equal(t, 14, credits[0].DaysAmount)
	require.Equal(t, models.CreditSourceReferral, credits[0].Source)
	require.NotNil(t, credits[0].ExpiresAt)
	require.WithinDuration(t, time.Now().UTC().Add(14*24*time.Hour), *credits[0].ExpiresAt, time.Minute)

	// Repeat triggers are silent no-ops and must not stack credits.
	require.NoError(t, svc.Complete(ctx, 2))
	credits, err = ms.Referrals.ActiveCredits(ctx, 1)
	require.NoError(t, err)
	require.Len(t, credits, 1)
}

func TestCompleteWithoutReferralIsNoOp(t *testing.T) {
	ms := testutil.NewMemStore()
	svc := newReferralService(ms)
	ctx := context.Background()

	require.NoError(t, svc.Complete(ctx, 99))
	credits, err := ms.Referrals.ActiveCredits(ctx, 99)
	require.NoError(t, err)
	require.Empty(t, credits)
}

func TestCompletedReferralMakesReferrerEffectivePremium(t *testing.T) {
	ms := testutil.NewMemStore()
	svc := newReferralService(ms)
	resolver := newTestResolver(ms)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Attribute(ctx, code, 2)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, 2))

	ent, err := resolver.GetEntitlement(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.PlanPremium, ent.EffectivePlan)

	// The referred user gets nothing.
	ent, err = resolver.GetEntitlement(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, models.PlanFree, ent.EffectivePlan)
}

func TestGetStatsAggregates(t *testing.T) {
	ms := testutil.NewMemStore()
	svc := newReferralService(ms)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Attribute(ctx, code, 2)
	require.NoError(t, err)
	_, err = svc.Attribute(ctx, code, 3)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, 2))

	stats, err := svc.GetStats(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, code, stats.Code)
	require.Equal(t, "https://app.example.com/signup?ref="+code, stats.ShareURL)
	require.Equal(t, 2, stats.Invited)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 14, stats.CreditedDays)
	require.Len(t, stats.ActiveCredits, 1)
}
