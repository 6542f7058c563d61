package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrLimitReached      = errors.New("usage limit reached")
	ErrAlreadyRedeemed   = errors.New("promo code already redeemed")
	ErrFullyRedeemed     = errors.New("promo code already fully redeemed")
	ErrDuplicateReferral = errors.New("referral already attributed")
	ErrAlreadyCompleted  = errors.New("referral already completed")
	ErrCodeTaken         = errors.New("code already taken")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
