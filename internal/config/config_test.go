package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, ":8080", cfg.ServerAddr)
	require.Equal(t, 3, cfg.FreeMealPlanLimit)
	require.Equal(t, -1, cfg.PremiumFavoriteLimit)
	require.Equal(t, 14, cfg.ReferralRewardDays)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("FREE_MEAL_PLAN_LIMIT", "5")
	t.Setenv("PREMIUM_FAVORITE_LIMIT", "nonsense")

	cfg := Load()
	require.Equal(t, ":9090", cfg.ServerAddr)
	require.Equal(t, 5, cfg.FreeMealPlanLimit)
	// Unparseable values fall back to the default.
	require.Equal(t, -1, cfg.PremiumFavoriteLimit)
}
