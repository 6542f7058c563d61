package store

import (
	"context"
	"errors"
	"time"

	"mealplan/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReferralStore struct {
	pool *pgxpool.Pool
}

func NewReferralStore(pool *pgxpool.Pool) *ReferralStore {
	return &ReferralStore{pool: pool}
}

// CreateCode claims a stable referral code for the user. If the user
// already has one the existing code is returned unchanged; a collision on
// the code itself surfaces as ErrCodeTaken so the caller can retry with a
// fresh candidate.
func (s *ReferralStore) CreateCode(ctx context.Context, userID int64, code string) (string, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referral_codes (user_id, code)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, code)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrCodeTaken
		}
		return "", err
	}
	var existing string
	err = s.pool.QueryRow(ctx, `
		SELECT code FROM referral_codes WHERE user_id = $1`, userID).Scan(&existing)
	return existing, err
}

func (s *ReferralStore) GetCode(ctx context.Context, userID int64) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx, `
		SELECT code FROM referral_codes WHERE user_id = $1`, userID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return code, err
}

func (s *ReferralStore) CodeOwner(ctx context.Context, code string) (int64, error) {
	var userID int64
	err := s.pool.QueryRow(ctx, `
		SELECT user_id FROM referral_codes WHERE code = UPPER($1)`, code).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return userID, err
}

// CreateReferral records a pending referral. The unique constraint on
// referred_user_id means a user can only ever be attributed once.
func (s *ReferralStore) CreateReferral(ctx context.Context, referrerID, referredUserID int64) (models.Referral, error) {
	var ref models.Referral
	err := s.pool.QueryRow(ctx, `
		INSERT INTO referrals (id, referrer_id, referred_user_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, referrer_id, referred_user_id, status, created_at, completed_at`,
		uuid.New(), referrerID, referredUserID, models.ReferralPending,
	).Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredUserID, &ref.Status, &ref.CreatedAt, &ref.CompletedAt)
	if isUniqueViolation(err) {
		return models.Referral{}, ErrDuplicateReferral
	}
	return ref, err
}

// Complete flips a pending referral to completed and grants the referrer's
// credit in the same transaction. The WHERE status = 'pending' guard makes
// the transition one-way: a second qualifying-action trigger updates zero
// rows and grants nothing.
func (s *ReferralStore) Complete(ctx context.Context, referredUserID int64, days int, expiresAt *time.Time) (models.Referral, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Referral{}, err
	}
	defer tx.Rollback(ctx)

	var ref models.Referral
	err = tx.QueryRow(ctx, `
		UPDATE referrals
		SET status = $2, completed_at = NOW()
		WHERE referred_user_id = $1 AND status = $3
		RETURNING id, referrer_id, referred_user_id, status, created_at, completed_at`,
		referredUserID, models.ReferralCompleted, models.ReferralPending,
	).Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredUserID, &ref.Status, &ref.CreatedAt, &ref.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Referral{}, ErrAlreadyCompleted
	}
	if err != nil {
		return models.Referral{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO referral_credits (id, user_id, days_amount, source, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), ref.ReferrerID, days, models.CreditSourceReferral, expiresAt)
	if err != nil {
		return models.Referral{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Referral{}, err
	}
	return ref, nil
}

// ActiveCredits returns unexpired, unconsumed credits for the user.
func (s *ReferralStore) ActiveCredits(ctx context.Context, userID int64) ([]models.ReferralCredit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, days_amount, source, expires_at, consumed, created_at
		FROM referral_credits
		WHERE user_id = $1
			AND consumed = false
			AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var credits []models.ReferralCredit
	for rows.Next() {
		var c models.ReferralCredit
		if err := rows.Scan(&c.ID, &c.UserID, &c.DaysAmount, &c.Source, &c.ExpiresAt, &c.Consumed, &c.CreatedAt); err != nil {
			return nil, err
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func (s *ReferralStore) InsertCredit(ctx context.Context, credit models.ReferralCredit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referral_credits (id, user_id, days_amount, source, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		credit.ID, credit.UserID, credit.DaysAmount, credit.Source, credit.ExpiresAt)
	return err
}

type ReferralStats struct {
	InvitedCount      int `json:"invited_count"`
	CompletedCount    int `json:"completed_count"`
	TotalCreditedDays int `json:"total_credited_days"`
}

func (s *ReferralStore) Stats(ctx context.Context, userID int64) (ReferralStats, error) {
	var stats ReferralStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $2)
		FROM referrals WHERE referrer_id = $1`,
		userID, models.ReferralCompleted).Scan(&stats.InvitedCount, &stats.CompletedCount)
	if err != nil {
		return ReferralStats{}, err
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(days_amount), 0)
		FROM referral_credits WHERE user_id = $1`, userID).Scan(&stats.TotalCreditedDays)
	return stats, err
}
