package services

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"mealplan/internal/models"
	"mealplan/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// codeAlphabet avoids visually ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 8

const maxCodeAttempts = 5

type PromoService struct {
	promos PromoStore
	log    *logrus.Logger
	now    func() time.Time
}

func NewPromoService(promos PromoStore, log *logrus.Logger) *PromoService {
	return &PromoService{promos: promos, log: log, now: time.Now}
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}

// GenerateCode produces a fresh code, collision-checked against existing
// ones before use.
func (s *PromoService) GenerateCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := randomCode(codeLength)
		if err != nil {
			return "", err
		}
		exists, err := s.promos.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("could not generate a unique promo code")
}

// Validity is the structured result of a promo check. Invalid codes are
// reported, not errored.
type Validity struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	Code         string `json:"code,omitempty"`
	DiscountType string `json:"discount_type,omitempty"`
	Value        int    `json:"value,omitempty"`
}

// Validate checks a code for a given user without mutating anything.
func (s *PromoService) Validate(ctx context.Context, code string, userID int64) (Validity, error) {
	promo, err := s.promos.GetByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return Validity{Valid: false, Reason: "unknown code"}, nil
	}
	if err != nil {
		return Validity{}, err
	}
	if !promo.Active {
		return Validity{Valid: false, Reason: "code is no longer active"}, nil
	}
	if promo.ExpiresAt != nil && !promo.ExpiresAt.After(s.now()) {
		return Validity{Valid: false, Reason: "code has expired"}, nil
	}
	if promo.MaxRedemptions != nil && promo.RedemptionCount >= *promo.MaxRedemptions {
		return Validity{Valid: false, Reason: "code already fully redeemed"}, nil
	}
	redeemed, err := s.promos.HasRedemption(ctx, promo.ID, userID)
	if err != nil {
		return Validity{}, err
	}
	if redeemed {
		return Validity{Valid: false, Reason: "code already redeemed"}, nil
	}
	return Validity{
		Valid:        true,
		Code:         promo.Code,
		DiscountType: promo.DiscountType,
		Value:        promo.Value,
	}, nil
}

// Redeem applies a free_days code for a user. The store executes the
// redemption as one atomic unit; a partial application cannot occur.
// percentage and fixed_amount codes are forwarded to the billing
// provider's coupon mechanism at checkout and are rejected here.
func (s *PromoService) Redeem(ctx context.Context, code string, userID int64) (models.ReferralCredit, error) {
	promo, err := s.promos.GetByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return models.ReferralCredit{}, ErrPromoInvalid
	}
	if err != nil {
		return models.ReferralCredit{}, err
	}
	if promo.DiscountType != models.DiscountFreeDays {
		return models.ReferralCredit{}, ErrPromoNotRedeemable
	}
	if !promo.Active {
		return models.ReferralCredit{}, ErrPromoInvalid
	}
	if promo.ExpiresAt != nil && !promo.ExpiresAt.After(s.now()) {
		return models.ReferralCredit{}, ErrPromoInvalid
	}

	expiresAt := s.now().UTC().Add(time.Duration(promo.Value) * 24 * time.Hour)
	credit := models.ReferralCredit{
		ID:         uuid.New(),
		UserID:     userID,
		DaysAmount: promo.Value,
		Source:     models.CreditSourcePromo,
		ExpiresAt:  &expiresAt,
	}

	err = s.promos.Redeem(ctx, promo.ID, userID, credit)
	switch {
	case errors.Is(err, store.ErrAlreadyRedeemed):
		return models.ReferralCredit{}, ErrPromoAlreadyRedeemed
	case errors.Is(err, store.ErrFullyRedeemed):
		return models.ReferralCredit{}, ErrPromoFullyRedeemed
	case err != nil:
		return models.ReferralCredit{}, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"code":    promo.Code,
		"days":    promo.Value,
	}).Info("promo code redeemed")
	return credit, nil
}

// CreateParams carries admin-supplied promo fields. An empty Code asks
// the service to generate one.
type CreateParams struct {
	Code           string     `json:"code"`
	DiscountType   string     `json:"discount_type"`
	Value          int        `json:"value"`
	MaxRedemptions *int       `json:"max_redemptions"`
	ExpiresAt      *time.Time `json:"expires_at"`
	Active         *bool      `json:"active"`
}

func validDiscountType(t string) bool {
	switch t {
	case models.DiscountPercentage, models.DiscountFixedAmount, models.DiscountFreeDays:
		return true
	}
	return false
}

func (s *PromoService) Create(ctx context.Context, params CreateParams) (models.PromoCode, error) {
	if !validDiscountType(params.DiscountType) || params.Value <= 0 {
		return models.PromoCode{}, ErrInvalidRequest
	}
	if params.DiscountType == models.DiscountPercentage && params.Value > 100 {
		return models.PromoCode{}, ErrInvalidRequest
	}
	code := params.Code
	if code == "" {
		generated, err := s.GenerateCode(ctx)
		if err != nil {
			return models.PromoCode{}, err
		}
		code = generated
	}
	active := true
	if params.Active != nil {
		active = *params.Active
	}
	promo, err := s.promos.Create(ctx, models.PromoCode{
		ID:             uuid.New(),
		Code:           code,
		DiscountType:   params.DiscountType,
		Value:          params.Value,
		MaxRedemptions: params.MaxRedemptions,
		ExpiresAt:      params.ExpiresAt,
		Active:         active,
	})
	if errors.Is(err, store.ErrCodeTaken) {
		return models.PromoCode{}, ErrInvalidRequest
	}
	return promo, err
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) Update(ctx context.Context, id uuid.UUID, params CreateParams) (models.PromoCode, error) {
	if !validDiscountType(params.DiscountType) || params.Value <= 0 {
		return models.PromoCode{}, ErrInvalidRequest
	}
	active := true
	if params.Active != nil {
		active = *params.Active
	}
	promo := models.PromoCode{
		ID:             id,
		DiscountType:   params.DiscountType,
		Value:          params.Value,
		MaxRedemptions: params.MaxRedemptions,
		ExpiresAt:      params.ExpiresAt,
		Active:         active,
	}
	err := s.promos.Update(ctx, promo)
	if errors.Is(err, store.ErrNotFound) {
		return models.PromoCode{}, ErrNotFound
	}
	return promo, err
}

func (s *PromoService) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.promos.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *PromoService) Stats(ctx context.Context) (store.PromoStats, error) {
	return s.promos.Stats(ctx)
}
