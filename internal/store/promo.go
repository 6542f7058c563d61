package store

import (
	"context"
	"errors"

	"mealplan/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PromoStore struct {
	pool *pgxpool.Pool
}

func NewPromoStore(pool *pgxpool.Pool) *PromoStore {
	return &PromoStore{pool: pool}
}

const promoColumns = `id, code, discount_type, value, max_redemptions, redemption_count, expires_at, active, created_at`

func scanPromo(row pgx.Row) (models.PromoCode, error) {
	var p models.PromoCode
	err := row.Scan(&p.ID, &p.Code, &p.DiscountType, &p.Value, &p.MaxRedemptions,
		&p.RedemptionCount, &p.ExpiresAt, &p.Active, &p.CreatedAt)
	return p, err
}

func (s *PromoStore) Create(ctx context.Context, p models.PromoCode) (models.PromoCode, error) {
	created, err := scanPromo(s.pool.QueryRow(ctx, `
		INSERT INTO promo_codes (id, code, discount_type, value, max_redemptions, expires_at, active)
		VALUES ($1, UPPER($2), $3, $4, $5, $6, $7)
		RETURNING `+promoColumns,
		p.ID, p.Code, p.DiscountType, p.Value, p.MaxRedemptions, p.ExpiresAt, p.Active))
	if isUniqueViolation(err) {
		return models.PromoCode{}, ErrCodeTaken
	}
	return created, err
}

func (s *PromoStore) GetByCode(ctx context.Context, code string) (models.PromoCode, error) {
	p, err := scanPromo(s.pool.QueryRow(ctx, `
		SELECT `+promoColumns+`
		FROM promo_codes WHERE code = UPPER($1)`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PromoCode{}, ErrNotFound
	}
	return p, err
}

func (s *PromoStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM promo_codes WHERE code = UPPER($1))`, code).Scan(&exists)
	return exists, err
}

func (s *PromoStore) List(ctx context.Context) ([]models.PromoCode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+promoColumns+`
		FROM promo_codes ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []models.PromoCode
	for rows.Next() {
		p, err := scanPromo(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, p)
	}
	return codes, rows.Err()
}

func (s *PromoStore) Update(ctx context.Context, p models.PromoCode) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE promo_codes
		SET discount_type = $2, value = $3, max_redemptions = $4, expires_at = $5, active = $6
		WHERE id = $1`,
		p.ID, p.DiscountType, p.Value, p.MaxRedemptions, p.ExpiresAt, p.Active)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PromoStore) Delete(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM promo_codes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PromoStore) HasRedemption(ctx context.Context, promoID uuid.UUID, userID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM promo_redemptions WHERE promo_code_id = $1 AND user_id = $2)`,
		promoID, userID).Scan(&exists)
	return exists, err
}

// Redeem executes the free-days redemption as one transaction: record the
// redemption, bump the redemption count while still under cap, grant the
// credit. The (promo_code_id, user_id) unique constraint, not a pre-check,
// is what stops two concurrent redemptions by the same user; the
// conditional count bump is what stops two different users racing past
// max_redemptions. Any failure rolls the whole thing back.
func (s *PromoStore) Redeem(ctx context.Context, promoID uuid.UUID, userID int64, credit models.ReferralCredit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO promo_redemptions (id, promo_code_id, user_id)
		VALUES ($1, $2, $3)`, uuid.New(), promoID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyRedeemed
		}
		return err
	}

	ct, err := tx.Exec(ctx, `
		UPDATE promo_codes
		SET redemption_count = redemption_count + 1
		WHERE id = $1
			AND (max_redemptions IS NULL OR redemption_count < max_redemptions)`, promoID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrFullyRedeemed
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO referral_credits (id, user_id, days_amount, source, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		credit.ID, credit.UserID, credit.DaysAmount, credit.Source, credit.ExpiresAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type PromoStats struct {
	TotalCodes       int `json:"total_codes"`
	ActiveCodes      int `json:"active_codes"`
	TotalRedemptions int `json:"total_redemptions"`
	FreeDaysGranted  int `json:"free_days_granted"`
}

func (s *PromoStore) Stats(ctx context.Context) (PromoStats, error) {
	var stats PromoStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE active),
			COALESCE(SUM(redemption_count), 0),
			COALESCE(SUM(CASE WHEN discount_type = 'free_days' THEN redemption_count * value ELSE 0 END), 0)
		FROM promo_codes`).Scan(&stats.TotalCodes, &stats.ActiveCodes, &stats.TotalRedemptions, &stats.FreeDaysGranted)
	return stats, err
}
