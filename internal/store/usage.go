package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UsageStore struct {
	pool *pgxpool.Pool
}

func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

// Counters returns the current period's counts keyed by action. Absent
// rows are simply absent from the map; callers treat missing as zero.
func (s *UsageStore) Counters(ctx context.Context, userID int64, periodStart time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT action, count
		FROM usage_counters
		WHERE user_id = $1 AND period_start = $2`, userID, periodStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counters := make(map[string]int)
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		counters[action] = count
	}
	return counters, rows.Err()
}

// IncrementBelow is the single atomic conditional increment the whole
// subsystem leans on: one statement that inserts the period row on first
// use and bumps it only while still below limit. Two concurrent callers
// serialize inside the datastore; there is no check-then-increment window.
// limit < 0 means unlimited.
func (s *UsageStore) IncrementBelow(ctx context.Context, userID int64, periodStart time.Time, action string, limit int) (int, error) {
	if limit == 0 {
		return 0, ErrLimitReached
	}
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO usage_counters (user_id, period_start, action, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id, period_start, action) DO UPDATE
		SET count = usage_counters.count + 1, updated_at = NOW()
		WHERE $4 < 0 OR usage_counters.count < $4
		RETURNING count`,
		userID, periodStart, action, limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrLimitReached
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Reset deletes the given period's rows for one user. Historical periods
// are never touched.
func (s *UsageStore) Reset(ctx context.Context, userID int64, periodStart time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM usage_counters
		WHERE user_id = $1 AND period_start = $2`, userID, periodStart)
	return err
}
