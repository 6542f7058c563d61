// Package testutil provides an in-memory implementation of the store
// interfaces so services and handlers can be exercised without a
// database. It mirrors the datastore's guarantees: the conditional
// increment, the redemption uniqueness constraint, and the event-recency
// guard all behave as their SQL counterparts do, under one mutex.
package testutil

import (
	"context"
	"sync"
	"time"

	"mealplan/internal/models"
	"mealplan/internal/store"

	"github.com/google/uuid"
)

type usageKey struct {
	UserID      int64
	PeriodStart time.Time
	Action      string
}

type redemptionKey struct {
	PromoID uuid.UUID
	UserID  int64
}

type memData struct {
	mu sync.Mutex

	subs        map[int64]models.SubscriptionRecord
	usage       map[usageKey]int
	promos      map[uuid.UUID]models.PromoCode
	redemptions map[redemptionKey]time.Time
	refCodes    map[int64]string
	codeOwners  map[string]int64
	referrals   map[int64]models.Referral
	credits     []models.ReferralCredit
}

// MemStore bundles the four store views over one shared dataset, the
// way the real stores share one database.
type MemStore struct {
	Subs      *MemSubscriptionStore
	Usage     *MemUsageStore
	Promos    *MemPromoStore
	Referrals *MemReferralStore
}

func NewMemStore() *MemStore {
	d := &memData{
		subs:        make(map[int64]models.SubscriptionRecord),
		usage:       make(map[usageKey]int),
		promos:      make(map[uuid.UUID]models.PromoCode),
		redemptions: make(map[redemptionKey]time.Time),
		refCodes:    make(map[int64]string),
		codeOwners:  make(map[string]int64),
		referrals:   make(map[int64]models.Referral),
	}
	return &MemStore{
		Subs:      &MemSubscriptionStore{d: d},
		Usage:     &MemUsageStore{d: d},
		Promos:    &MemPromoStore{d: d},
		Referrals: &MemReferralStore{d: d},
	}
}

// ========== subscription records ==========

type MemSubscriptionStore struct {
	d *memData
}

func (m *MemSubscriptionStore) Get(ctx context.Context, userID int64) (models.SubscriptionRecord, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	rec, ok := m.d.subs[userID]
	if !ok {
		return models.SubscriptionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *MemSubscriptionStore) GetByExternalCustomerID(ctx context.Context, customerID string) (models.SubscriptionRecord, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, rec := range m.d.subs {
		if rec.ExternalCustomerID != nil && *rec.ExternalCustomerID == customerID {
			return rec, nil
		}
	}
	return models.SubscriptionRecord{}, store.ErrNotFound
}

func (m *MemSubscriptionStore) UpsertFromEvent(ctx context.Context, rec models.SubscriptionRecord, eventAt time.Time) (bool, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	existing, ok := m.d.subs[rec.UserID]
	if ok && existing.LastEventAt != nil && existing.LastEventAt.After(eventAt) {
		return false, nil
	}
	rec.Source = models.SourceBillingProvider
	rec.LastEventAt = &eventAt
	m.d.subs[rec.UserID] = rec
	return true, nil
}

func (m *MemSubscriptionStore) UpsertManual(ctx context.Context, rec models.SubscriptionRecord) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	rec.Source = models.SourceManual
	if existing, ok := m.d.subs[rec.UserID]; ok {
		rec.LastEventAt = existing.LastEventAt
	} else {
		rec.LastEventAt = nil
	}
	m.d.subs[rec.UserID] = rec
	return nil
}

func (m *MemSubscriptionStore) EnsureRecord(ctx context.Context, userID int64) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.subs[userID]; ok {
		return nil
	}
	now := time.Now().UTC()
	m.d.subs[userID] = models.SubscriptionRecord{
		UserID:             userID,
		Plan:               models.PlanFree,
		Status:             models.SubscriptionIncomplete,
		Source:             models.SourceBillingProvider,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now,
	}
	return nil
}

func (m *MemSubscriptionStore) MarkCancelAtPeriodEnd(ctx context.Context, userID int64) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	rec, ok := m.d.subs[userID]
	if !ok {
		return store.ErrNotFound
	}
	rec.CancelAtPeriodEnd = true
	m.d.subs[userID] = rec
	return nil
}

// ========== usage counters ==========

type MemUsageStore struct {
	d *memData
}

func (m *MemUsageStore) Counters(ctx context.Context, userID int64, periodStart time.Time) (map[string]int, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	counters := make(map[string]int)
	for key, count := range m.d.usage {
		if key.UserID == userID && key.PeriodStart.Equal(periodStart) {
			counters[key.Action] = count
		}
	}
	return counters, nil
}

func (m *MemUsageStore) IncrementBelow(ctx context.Context, userID int64, periodStart time.Time, action string, limit int) (int, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if limit == 0 {
		return 0, store.ErrLimitReached
	}
	key := usageKey{UserID: userID, PeriodStart: periodStart, Action: action}
	count := m.d.usage[key]
	if limit >= 0 && count >= limit {
		return 0, store.ErrLimitReached
	}
	count++
	m.d.usage[key] = count
	return count, nil
}

func (m *MemUsageStore) Reset(ctx context.Context, userID int64, periodStart time.Time) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for key := range m.d.usage {
		if key.UserID == userID && key.PeriodStart.Equal(periodStart) {
			delete(m.d.usage, key)
		}
	}
	return nil
}

// ========== promo codes ==========

type MemPromoStore struct {
	d *memData
}

func (m *MemPromoStore) Create(ctx context.Context, p models.PromoCode) (models.PromoCode, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	upper := upperCode(p.Code)
	for _, existing := range m.d.promos {
		if upperCode(existing.Code) == upper {
			return models.PromoCode{}, store.ErrCodeTaken
		}
	}
	p.Code = upper
	p.CreatedAt = time.Now().UTC()
	m.d.promos[p.ID] = p
	return p, nil
}

func (m *MemPromoStore) GetByCode(ctx context.Context, code string) (models.PromoCode, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	upper := upperCode(code)
	for _, p := range m.d.promos {
		if upperCode(p.Code) == upper {
			return p, nil
		}
	}
	return models.PromoCode{}, store.ErrNotFound
}

func (m *MemPromoStore) CodeExists(ctx context.Context, code string) (bool, error) {
	_, err := m.GetByCode(ctx, code)
	if err == nil {
		return true, nil
	}
	return false, nil
}

func (m *MemPromoStore) List(ctx context.Context) ([]models.PromoCode, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var codes []models.PromoCode
	for _, p := range m.d.promos {
		codes = append(codes, p)
	}
	return codes, nil
}

func (m *MemPromoStore) Update(ctx context.Context, p models.PromoCode) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	existing, ok := m.d.promos[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	p.Code = existing.Code
	p.RedemptionCount = existing.RedemptionCount
	p.CreatedAt = existing.CreatedAt
	m.d.promos[p.ID] = p
	return nil
}

func (m *MemPromoStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.promos[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.d.promos, id)
	return nil
}

func (m *MemPromoStore) HasRedemption(ctx context.Context, promoID uuid.UUID, userID int64) (bool, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	_, ok := m.d.redemptions[redemptionKey{PromoID: promoID, UserID: userID}]
	return ok, nil
}

func (m *MemPromoStore) Redeem(ctx context.Context, promoID uuid.UUID, userID int64, credit models.ReferralCredit) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	key := redemptionKey{PromoID: promoID, UserID: userID}
	if _, ok := m.d.redemptions[key]; ok {
		return store.ErrAlreadyRedeemed
	}
	p, ok := m.d.promos[promoID]
	if !ok {
		return store.ErrNotFound
	}
	if p.MaxRedemptions != nil && p.RedemptionCount >= *p.MaxRedemptions {
		return store.ErrFullyRedeemed
	}
	m.d.redemptions[key] = time.Now().UTC()
	p.RedemptionCount++
	m.d.promos[promoID] = p
	credit.CreatedAt = time.Now().UTC()
	m.d.credits = append(m.d.credits, credit)
	return nil
}

func (m *MemPromoStore) Stats(ctx context.Context) (store.PromoStats, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var stats store.PromoStats
	for _, p := range m.d.promos {
		stats.TotalCodes++
		if p.Active {
			stats.ActiveCodes++
		}
		stats.TotalRedemptions += p.RedemptionCount
		if p.DiscountType == models.DiscountFreeDays {
			stats.FreeDaysGranted += p.RedemptionCount * p.Value
		}
	}
	return stats, nil
}

// ========== referrals ==========

type MemReferralStore struct {
	d *memData
}

func (m *MemReferralStore) CreateCode(ctx context.Context, userID int64, code string) (string, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if existing, ok := m.d.refCodes[userID]; ok {
		return existing, nil
	}
	upper := upperCode(code)
	if _, taken := m.d.codeOwners[upper]; taken {
		return "", store.ErrCodeTaken
	}
	m.d.refCodes[userID] = upper
	m.d.codeOwners[upper] = userID
	return upper, nil
}

func (m *MemReferralStore) GetCode(ctx context.Context, userID int64) (string, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	code, ok := m.d.refCodes[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return code, nil
}

func (m *MemReferralStore) CodeOwner(ctx context.Context, code string) (int64, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	owner, ok := m.d.codeOwners[upperCode(code)]
	if !ok {
		return 0, store.ErrNotFound
	}
	return owner, nil
}

func (m *MemReferralStore) CreateReferral(ctx context.Context, referrerID, referredUserID int64) (models.Referral, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.referrals[referredUserID]; ok {
		return models.Referral{}, store.ErrDuplicateReferral
	}
	ref := models.Referral{
		ID:             uuid.New(),
		ReferrerID:     referrerID,
		ReferredUserID: referredUserID,
		Status:         models.ReferralPending,
		CreatedAt:      time.Now().UTC(),
	}
	m.d.referrals[referredUserID] = ref
	return ref, nil
}

func (m *MemReferralStore) Complete(ctx context.Context, referredUserID int64, days int, expiresAt *time.Time) (models.Referral, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	ref, ok := m.d.referrals[referredUserID]
	if !ok || ref.Status != models.ReferralPending {
		return models.Referral{}, store.ErrAlreadyCompleted
	}
	now := time.Now().UTC()
	ref.Status = models.ReferralCompleted
	ref.CompletedAt = &now
	m.d.referrals[referredUserID] = ref
	m.d.credits = append(m.d.credits, models.ReferralCredit{
		ID:         uuid.New(),
		UserID:     ref.ReferrerID,
		DaysAmount: days,
		Source:     models.CreditSourceReferral,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
	})
	return ref, nil
}

func (m *MemReferralStore) ActiveCredits(ctx context.Context, userID int64) ([]models.ReferralCredit, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	now := time.Now()
	var active []models.ReferralCredit
	for _, c := range m.d.credits {
		if c.UserID == userID && c.ActiveAt(now) {
			active = append(active, c)
		}
	}
	return active, nil
}

func (m *MemReferralStore) InsertCredit(ctx context.Context, credit models.ReferralCredit) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	credit.CreatedAt = time.Now().UTC()
	m.d.credits = append(m.d.credits, credit)
	return nil
}

func (m *MemReferralStore) Stats(ctx context.Context, userID int64) (store.ReferralStats, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var stats store.ReferralStats
	for _, ref := range m.d.referrals {
		if ref.ReferrerID != userID {
			continue
		}
		stats.InvitedCount++
		if ref.Status == models.ReferralCompleted {
			stats.CompletedCount++
		}
	}
	for _, c := range m.d.credits {
		if c.UserID == userID {
			stats.TotalCreditedDays += c.DaysAmount
		}
	}
	return stats, nil
}

func upperCode(code string) string {
	buf := []byte(code)
	for i := range buf {
		if buf[i] >= 'a' && buf[i] <= 'z' {
			buf[i] -= 'a' - 'A'
		}
	}
	return string(buf)
}
