package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at startup. The unique constraints here
// are load-bearing: promo_redemptions (promo_code_id, user_id) stops
// double redemption, referrals.referred_user_id stops double attribution,
// and the usage_counters primary key backs the conditional increment.
const schema = `
CREATE TABLE IF NOT EXISTS subscription_records (
	user_id BIGINT PRIMARY KEY,
	plan TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'billing_provider',
	external_customer_id TEXT,
	external_subscription_id TEXT,
	current_period_start TIMESTAMPTZ NOT NULL,
	current_period_end TIMESTAMPTZ NOT NULL,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT false,
	trial_end TIMESTAMPTZ,
	last_event_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_subscription_records_customer
	ON subscription_records (external_customer_id);

CREATE TABLE IF NOT EXISTS usage_counters (
	user_id BIGINT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	action TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, period_start, action)
);

CREATE TABLE IF NOT EXISTS promo_codes (
	id UUID PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	discount_type TEXT NOT NULL,
	value INTEGER NOT NULL,
	max_redemptions INTEGER,
	redemption_count INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS promo_redemptions (
	id UUID PRIMARY KEY,
	promo_code_id UUID NOT NULL REFERENCES promo_codes (id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (promo_code_id, user_id)
);

CREATE TABLE IF NOT EXISTS referral_codes (
	user_id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS referrals (
	id UUID PRIMARY KEY,
	referrer_id BIGINT NOT NULL,
	referred_user_id BIGINT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals (referrer_id);

CREATE TABLE IF NOT EXISTS referral_credits (
	id UUID PRIMARY KEY,
	user_id BIGINT NOT NULL,
	days_amount INTEGER NOT NULL,
	source TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	consumed BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_referral_credits_user ON referral_credits (user_id);
`

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
