package store

import (
	"context"
	"errors"
	"time"

	"mealplan/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SubscriptionStore struct {
	pool *pgxpool.Pool
}

func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionColumns = `user_id, plan, status, source, external_customer_id, external_subscription_id,
		current_period_start, current_period_end, cancel_at_period_end, trial_end, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	err := row.Scan(&rec.UserID, &rec.Plan, &rec.Status, &rec.Source, &rec.ExternalCustomerID,
		&rec.ExternalSubscriptionID, &rec.CurrentPeriodStart, &rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd, &rec.TrialEnd, &rec.LastEventAt, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (s *SubscriptionStore) Get(ctx context.Context, userID int64) (models.SubscriptionRecord, error) {
	rec, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscription_records WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SubscriptionRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SubscriptionStore) GetByExternalCustomerID(ctx context.Context, customerID string) (models.SubscriptionRecord, error) {
	rec, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscription_records WHERE external_customer_id = $1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SubscriptionRecord{}, ErrNotFound
	}
	return rec, err
}

// UpsertFromEvent applies a webhook-derived record under an event-recency
// precondition: a row already stamped with a newer event is left alone.
// Returns false when the event was stale. Manual rows (last_event_at null)
// always lose to a real webhook.
func (s *SubscriptionStore) UpsertFromEvent(ctx context.Context, rec models.SubscriptionRecord, eventAt time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_records
			(user_id, plan, status, source, external_customer_id, external_subscription_id,
			 current_period_start, current_period_end, cancel_at_period_end, trial_end, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			external_customer_id = EXCLUDED.external_customer_id,
			external_subscription_id = EXCLUDED.external_subscription_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			trial_end = EXCLUDED.trial_end,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
		WHERE subscription_records.last_event_at IS NULL
			OR subscription_records.last_event_at <= EXCLUDED.last_event_at`,
		rec.UserID, rec.Plan, rec.Status, models.SourceBillingProvider,
		rec.ExternalCustomerID, rec.ExternalSubscriptionID,
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd, rec.CancelAtPeriodEnd, rec.TrialEnd, eventAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// UpsertManual writes an admin override. last_event_at is left untouched
// (null on insert) so that any later webhook passes the recency guard.
func (s *SubscriptionStore) UpsertManual(ctx context.Context, rec models.SubscriptionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_records
			(user_id, plan, status, source, external_customer_id, external_subscription_id,
			 current_period_start, current_period_end, cancel_at_period_end, trial_end, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)
		ON CONFLICT (user_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			external_customer_id = EXCLUDED.external_customer_id,
			external_subscription_id = EXCLUDED.external_subscription_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			trial_end = EXCLUDED.trial_end,
			updated_at = NOW()`,
		rec.UserID, rec.Plan, rec.Status, models.SourceManual,
		rec.ExternalCustomerID, rec.ExternalSubscriptionID,
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd, rec.CancelAtPeriodEnd, rec.TrialEnd)
	return err
}

// EnsureRecord lazily creates the user's row on first checkout, before
// any webhook has arrived. An existing row is left untouched.
func (s *SubscriptionStore) EnsureRecord(ctx context.Context, userID int64) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_records
			(user_id, plan, status, source, current_period_start, current_period_end, cancel_at_period_end, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NULL)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, models.PlanFree, models.SubscriptionIncomplete, models.SourceBillingProvider,
		now, now)
	return err
}

// MarkCancelAtPeriodEnd flags a pending remote cancellation locally. The
// actual downgrade happens when the provider's cancellation webhook lands.
func (s *SubscriptionStore) MarkCancelAtPeriodEnd(ctx context.Context, userID int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscription_records
		SET cancel_at_period_end = true, updated_at = NOW()
		WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
