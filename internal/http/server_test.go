package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mealplan/internal/config"
	"mealplan/internal/models"
	"mealplan/internal/services"
	"mealplan/internal/testutil"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

const (
	testJWTSecret      = "test-jwt-secret"
	testInternalAPIKey = "test-internal-key"
	testWebhookSecret  = "whsec_test_secret"
)

type stubCustomerLookup struct{}

func (stubCustomerLookup) UserIDForCustomer(ctx context.Context, customerID string) (int64, bool, error) {
	return 0, false, nil
}

type stubBillingClient struct{}

func (stubBillingClient) CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string) error {
	return nil
}

func testServerConfig() config.Config {
	return config.Config{
		StripeWebhookSecret:     testWebhookSecret,
		JWTSecretKey:            testJWTSecret,
		InternalAPIKey:          testInternalAPIKey,
		FreeMealPlanLimit:       3,
		FreeRecipeRegenLimit:    5,
		FreeFavoriteLimit:       10,
		PremiumMealPlanLimit:    30,
		PremiumRecipeRegenLimit: 100,
		PremiumFavoriteLimit:    -1,
		ReferralRewardDays:      14,
		ReferralShareBaseURL:    "https://app.example.com/signup?ref=",
	}
}

func newTestServer(t *testing.T, cfg config.Config) (http.Handler, *testutil.MemStore) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	ms := testutil.NewMemStore()
	resolver := services.NewEntitlementResolver(ms.Subs, ms.Usage, ms.Referrals, cfg, log)
	reconciler := services.NewReconciler(ms.Subs, stubCustomerLookup{}, log)
	promos := services.NewPromoService(ms.Promos, log)
	referrals := services.NewReferralService(ms.Referrals, cfg, log)
	admin := services.NewAdminService(ms.Subs, ms.Usage, ms.Referrals, stubBillingClient{}, log)

	srv := NewServer(resolver, reconciler, promos, referrals, admin, ms.Subs, cfg, log)
	return srv.Routes(), ms
}

func mintToken(t *testing.T, userID int64, role string) string {
	t.Helper()
	claims := JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func stripeSignature(payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func subscriptionEventBody(t *testing.T, eventType, status, userID string, created time.Time) []byte {
	t.Helper()
	now := time.Now().UTC()
	body, err := json.Marshal(map[string]any{
		"id":          "evt_test_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     created.Unix(),
		"type":        eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":                   "sub_test_1",
				"customer":             "cus_test_1",
				"status":               status,
				"current_period_start": now.Unix(),
				"current_period_end":   now.AddDate(0, 1, 0).Unix(),
				"cancel_at_period_end": false,
				"metadata":             map[string]string{"user_id": userID},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	body := subscriptionEventBody(t, "customer.subscription.updated", "active", "42", time.Now())
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookUnavailableWithoutSecret(t *testing.T) {
	cfg := testServerConfig()
	cfg.StripeWebhookSecret = ""
	handler, _ := newTestServer(t, cfg)

	rec := doJSON(t, handler, http.MethodPost, "/api/webhooks/billing", map[string]string{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookAppliesSignedEvent(t *testing.T) {
	handler, ms := newTestServer(t, testServerConfig())

	body := subscriptionEventBody(t, "customer.subscription.updated", "active", "42", time.Now())
	now := time.Now()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", stripeSignature(body, now))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	got, err := ms.Subs.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, models.PlanPremium, got.Plan)
	require.Equal(t, models.SubscriptionActive, got.Status)
}

func TestWebhookAcksUnresolvableEvent(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	// No user metadata and the customer lookup fails to resolve; the
	// provider still gets a 200 so it stops retrying.
	body := subscriptionEventBody(t, "customer.subscription.updated", "active", "", time.Now())
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", stripeSignature(body, time.Now()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSubscriptionRequiresAuth(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	rec := doJSON(t, handler, http.MethodGet, "/api/subscription", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/subscription", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetSubscriptionReturnsEntitlement(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	rec := doJSON(t, handler, http.MethodGet, "/api/subscription", nil, map[string]string{
		"Authorization": "Bearer " + mintToken(t, 42, "user"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var ent services.Entitlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ent))
	require.Equal(t, models.PlanFree, ent.Plan)
	require.Equal(t, models.PlanFree, ent.EffectivePlan)
	require.Equal(t, 3, ent.Remaining[models.ActionCreateMealPlan])
}

func TestCheckoutUnavailableWithoutStripe(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	rec := doJSON(t, handler, http.MethodPost, "/api/checkout", map[string]string{"interval": "monthly"}, map[string]string{
		"Authorization": "Bearer " + mintToken(t, 42, "user"),
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInternalEndpointsRequireAPIKey(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	body := map[string]any{"user_id": 42, "action": models.ActionCreateMealPlan}

	rec := doJSON(t, handler, http.MethodPost, "/api/internal/usage", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/internal/usage", body, map[string]string{
		"X-API-Key": "wrong-key",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalUsageIncrementAndDenial(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	header := map[string]string{"X-API-Key": testInternalAPIKey}
	body := map[string]any{"user_id": 42, "action": models.ActionCreateMealPlan}

	for i := 1; i <= 3; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/internal/usage", body, header)
		require.Equal(t, http.StatusOK, rec.Code)

		var d services.Decision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
		require.True(t, d.Allowed)
		require.Equal(t, i, d.Count)
	}

	// The fourth create is over the free cap: still HTTP 200, but the
	// decision carries the denial and the upgrade path.
	rec := doJSON(t, handler, http.MethodPost, "/api/internal/usage", body, header)
	require.Equal(t, http.StatusOK, rec.Code)

	var d services.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	require.False(t, d.Allowed)
	require.Equal(t, services.UpgradePath, d.UpgradePath)
}

func TestInternalCheckUnknownAction(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	rec := doJSON(t, handler, http.MethodPost, "/api/internal/entitlements/check",
		map[string]any{"user_id": 42, "action": "export_pdf"},
		map[string]string{"X-API-Key": testInternalAPIKey})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReferralFlowOverHTTP(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	// The referrer fetches their stats, which mints their code.
	rec := doJSON(t, handler, http.MethodGet, "/api/referral/stats", nil, map[string]string{
		"Authorization": "Bearer " + mintToken(t, 1, "user"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var stats services.StatsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.NotEmpty(t, stats.Code)

	header := map[string]string{"X-API-Key": testInternalAPIKey}

	rec = doJSON(t, handler, http.MethodPost, "/api/internal/referrals/attribute",
		map[string]any{"user_id": 2, "code": stats.Code}, header)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/internal/referrals/complete",
		map[string]any{"user_id": 2}, header)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/referral/stats", nil, map[string]string{
		"Authorization": "Bearer " + mintToken(t, 1, "user"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Invited)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 14, stats.CreditedDays)
}

func TestReferralSelfAttributionRejected(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	rec := doJSON(t, handler, http.MethodGet, "/api/referral/stats", nil, map[string]string{
		"Authorization": "Bearer " + mintToken(t, 1, "user"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var stats services.StatsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))

	rec = doJSON(t, handler, http.MethodPost, "/api/internal/referrals/attribute",
		map[string]any{"user_id": 1, "code": stats.Code},
		map[string]string{"X-API-Key": testInternalAPIKey})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPromoEndpoints(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	adminHeader := map[string]string{"Authorization": "Bearer " + mintToken(t, 99, "admin")}
	userHeader := map[string]string{"Authorization": "Bearer " + mintToken(t, 42, "user")}

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/promo-codes",
		map[string]any{"code": "LAUNCH7", "discount_type": "free_days", "value": 7}, adminHeader)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/promo/validate",
		map[string]string{"code": "launch7"}, userHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	var validity services.Validity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &validity))
	require.True(t, validity.Valid)

	rec = doJSON(t, handler, http.MethodPost, "/api/promo/redeem",
		map[string]string{"code": "LAUNCH7"}, userHeader)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/promo/redeem",
		map[string]string{"code": "LAUNCH7"}, userHeader)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	rec := doJSON(t, handler, http.MethodGet, "/api/admin/promo-codes", nil, map[string]string{
		"Authorization": "Bearer " + mintToken(t, 42, "user"),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/admin/promo-codes", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminGrantAndRevokePremium(t *testing.T) {
	handler, ms := newTestServer(t, testServerConfig())

	adminHeader := map[string]string{"Authorization": "Bearer " + mintToken(t, 99, "admin")}

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/users/42/grant-premium", nil, adminHeader)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := ms.Subs.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, models.PlanPremium, got.Plan)
	require.Equal(t, models.SourceManual, got.Source)

	rec = doJSON(t, handler, http.MethodPost, "/api/admin/users/42/revoke-premium", nil, adminHeader)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = ms.Subs.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, models.PlanFree, got.Plan)
}

func TestAdminCancelBillingWithoutSubscription(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	adminHeader := map[string]string{"Authorization": "Bearer " + mintToken(t, 99, "admin")}

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/users/42/cancel-billing", nil, adminHeader)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminUpdatePromoInvalidID(t *testing.T) {
	handler, _ := newTestServer(t, testServerConfig())

	adminHeader := map[string]string{"Authorization": "Bearer " + mintToken(t, 99, "admin")}

	rec := doJSON(t, handler, http.MethodPut, "/api/admin/promo-codes/not-a-uuid",
		map[string]any{"discount_type": "free_days", "value": 7}, adminHeader)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseID(t *testing.T) {
	id, err := parseID("123")
	require.NoError(t, err)
	require.Equal(t, int64(123), id)

	_, err = parseID("")
	require.Error(t, err)
}
