package services

import (
	"context"
	"errors"
	"time"

	"mealplan/internal/config"
	"mealplan/internal/models"
	"mealplan/internal/store"

	"github.com/sirupsen/logrus"
)

type ReferralService struct {
	referrals ReferralStore
	cfg       config.Config
	log       *logrus.Logger
	now       func() time.Time
}

func NewReferralService(referrals ReferralStore, cfg config.Config, log *logrus.Logger) *ReferralService {
	return &ReferralService{referrals: referrals, cfg: cfg, log: log, now: time.Now}
}

// GetOrCreateCode returns the user's stable referral code, creating it on
// first call. Repeat calls return the same code.
func (s *ReferralService) GetOrCreateCode(ctx context.Context, userID int64) (string, error) {
	code, err := s.referrals.GetCode(ctx, userID)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	for i := 0; i < maxCodeAttempts; i++ {
		candidate, err := randomCode(codeLength)
		if err != nil {
			return "", err
		}
		code, err := s.referrals.CreateCode(ctx, userID, candidate)
		if errors.Is(err, store.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return "", err
		}
		return code, nil
	}
	return "", errors.New("could not generate a unique referral code")
}

// Attribute records that a new user signed up through a referral code.
// The referral starts out pending.
func (s *ReferralService) Attribute(ctx context.Context, code string, referredUserID int64) (models.Referral, error) {
	referrerID, err := s.referrals.CodeOwner(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return models.Referral{}, ErrNotFound
	}
	if err != nil {
		return models.Referral{}, err
	}
	if referrerID == referredUserID {
		return models.Referral{}, ErrSelfReferral
	}
	ref, err := s.referrals.CreateReferral(ctx, referrerID, referredUserID)
	if errors.Is(err, store.ErrDuplicateReferral) {
		return models.Referral{}, ErrAlreadyReferred
	}
	return ref, err
}

// Complete marks the referred user's referral completed after their first
// qualifying action and grants the referrer's credit. The transition is
// one-way and grants at most once; a repeat trigger is a silent no-op.
func (s *ReferralService) Complete(ctx context.Context, referredUserID int64) error {
	expiresAt := s.now().UTC().Add(time.Duration(s.cfg.ReferralRewardDays) * 24 * time.Hour)
	ref, err := s.referrals.Complete(ctx, referredUserID, s.cfg.ReferralRewardDays, &expiresAt)
	if errors.Is(err, store.ErrAlreadyCompleted) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"referrer_id":      ref.ReferrerID,
		"referred_user_id": referredUserID,
		"days":             s.cfg.ReferralRewardDays,
	}).Info("referral completed, credit granted")
	return nil
}

// StatsResult aggregates the referral view for one user. Read-only.
type StatsResult struct {
	Code          string                  `json:"code"`
	ShareURL      string                  `json:"share_url"`
	Invited       int                     `json:"invited"`
	Completed     int                     `json:"completed"`
	CreditedDays  int                     `json:"credited_days"`
	ActiveCredits []models.ReferralCredit `json:"active_credits"`
}

func (s *ReferralService) GetStats(ctx context.Context, userID int64) (StatsResult, error) {
	code, err := s.GetOrCreateCode(ctx, userID)
	if err != nil {
		return StatsResult{}, err
	}
	stats, err := s.referrals.Stats(ctx, userID)
	if err != nil {
		return StatsResult{}, err
	}
	credits, err := s.referrals.ActiveCredits(ctx, userID)
	if err != nil {
		return StatsResult{}, err
	}
	return StatsResult{
		Code:          code,
		ShareURL:      s.cfg.ReferralShareBaseURL + code,
		Invited:       stats.InvitedCount,
		Completed:     stats.CompletedCount,
		CreditedDays:  stats.TotalCreditedDays,
		ActiveCredits: credits,
	}, nil
}
