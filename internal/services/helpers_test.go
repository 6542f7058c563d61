package services

import (
	"io"
	"time"

	"mealplan/internal/config"
	"mealplan/internal/testutil"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() config.Config {
	return config.Config{
		FreeMealPlanLimit:       3,
		FreeRecipeRegenLimit:    5,
		FreeFavoriteLimit:       10,
		PremiumMealPlanLimit:    30,
		PremiumRecipeRegenLimit: 100,
		PremiumFavoriteLimit:    -1,
		ReferralRewardDays:      14,
		ReferralShareBaseURL:    "https://app.example.com/signup?ref=",
	}
}

func newTestResolver(ms *testutil.MemStore) *EntitlementResolver {
	return NewEntitlementResolver(ms.Subs, ms.Usage, ms.Referrals, testConfig(), testLogger())
}

func daysFromNow(days int) *time.Time {
	t := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
	return &t
}
