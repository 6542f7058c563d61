package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"mealplan/internal/config"
	"mealplan/internal/models"
	"mealplan/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
)

const maxWebhookBodyBytes = int64(65536)

type Server struct {
	resolver   *services.EntitlementResolver
	reconciler *services.Reconciler
	promos     *services.PromoService
	referrals  *services.ReferralService
	admin      *services.AdminService
	subs       services.SubscriptionStore
	cfg        config.Config
	log        *logrus.Logger
}

func NewServer(
	resolver *services.EntitlementResolver,
	reconciler *services.Reconciler,
	promos *services.PromoService,
	referrals *services.ReferralService,
	admin *services.AdminService,
	subs services.SubscriptionStore,
	cfg config.Config,
	log *logrus.Logger,
) *Server {
	return &Server{
		resolver:   resolver,
		reconciler: reconciler,
		promos:     promos,
		referrals:  referrals,
		admin:      admin,
		subs:       subs,
		cfg:        cfg,
		log:        log,
	}
}

func (s *Server) loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.log.WithFields(logrus.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"panic":      rvr,
				}).Error(string(debug.Stack()))
				respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
			}).Info("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingRecoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/billing", s.handleBillingWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/subscription", s.handleGetSubscription)
			r.Post("/checkout", s.handleCreateCheckout)
			r.Post("/promo/validate", s.handleValidatePromo)
			r.Post("/promo/redeem", s.handleRedeemPromo)
			r.Get("/referral/stats", s.handleReferralStats)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.jwtMiddleware)
			r.Use(s.adminMiddleware)

			r.Post("/promo-codes", s.handleAdminCreatePromo)
			r.Get("/promo-codes", s.handleAdminListPromos)
			r.Get("/promo-codes/stats", s.handleAdminPromoStats)
			r.Put("/promo-codes/{id}", s.handleAdminUpdatePromo)
			r.Delete("/promo-codes/{id}", s.handleAdminDeletePromo)

			r.Post("/users/{id}/grant-premium", s.handleAdminGrantPremium)
			r.Post("/users/{id}/revoke-premium", s.handleAdminRevokePremium)
			r.Post("/users/{id}/cancel-billing", s.handleAdminCancelBilling)
			r.Post("/users/{id}/reset-usage", s.handleAdminResetUsage)
			r.Post("/users/{id}/credits", s.handleAdminGrantCredit)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(s.internalAPIKeyMiddleware)

			r.Post("/entitlements/check", s.handleInternalCheck)
			r.Post("/usage", s.handleInternalIncrementUsage)
			r.Post("/referrals/attribute", s.handleInternalAttributeReferral)
			r.Post("/referrals/complete", s.handleInternalCompleteReferral)
		})
	})

	return r
}

// handleBillingWebhook is the provider intake: 400 on a bad signature
// (nothing touched), 200 once the event is applied or permanently
// ignored, 500 on transient failure so the provider retries.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, services.ErrStripeNotConfigured)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("webhook signature verification failed"))
		return
	}

	if err := s.reconciler.Apply(r.Context(), event); err != nil {
		s.log.WithError(err).WithField("event_id", event.ID).Error("billing event processing failed")
		respondError(w, http.StatusInternalServerError, errors.New("transient processing failure"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	ent, err := s.resolver.GetEntitlement(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ent)
}

type createCheckoutRequest struct {
	Interval  string `json:"interval"`
	PromoCode string `json:"promo_code"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeSecretKey == "" {
		respondError(w, http.StatusServiceUnavailable, services.ErrStripeNotConfigured)
		return
	}
	userID := getUserIDFromContext(r.Context())

	var req createCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	priceID, err := s.stripePriceForInterval(req.Interval)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	// A promo code, when present, is either redeemed eagerly (free_days)
	// or forwarded to the provider's own coupon mechanism.
	var coupon string
	if req.PromoCode != "" {
		validity, err := s.promos.Validate(r.Context(), req.PromoCode, userID)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		if !validity.Valid {
			respondError(w, http.StatusBadRequest, errors.New(validity.Reason))
			return
		}
		if validity.DiscountType == models.DiscountFreeDays {
			if _, err := s.promos.Redeem(r.Context(), req.PromoCode, userID); err != nil {
				s.respondServiceError(w, err)
				return
			}
		} else {
			coupon = validity.Code
		}
	}

	if err := s.subs.EnsureRecord(r.Context(), userID); err != nil {
		s.respondServiceError(w, err)
		return
	}

	stripe.Key = s.cfg.StripeSecretKey
	userRef := strconv.FormatInt(userID, 10)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:         stripe.String(s.cfg.CheckoutCancelURL),
		ClientReferenceID: stripe.String(userRef),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userRef},
		},
		Metadata: map[string]string{"user_id": userRef},
	}
	if coupon != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{Coupon: stripe.String(coupon)},
		}
	}

	sess, err := session.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			s.log.WithFields(logrus.Fields{
				"code":    stripeErr.Code,
				"message": stripeErr.Msg,
			}).Error("stripe checkout session failed")
			respondError(w, http.StatusBadGateway, errors.New("billing provider rejected checkout"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"checkout_url":   sess.URL,
		"stripe_session": sess.ID,
	})
}

type promoCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleValidatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Code == "" {
		respondError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}
	validity, err := s.promos.Validate(r.Context(), req.Code, getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, validity)
}

func (s *Server) handleRedeemPromo(w http.ResponseWriter, r *http.Request) {
	var req promoCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Code == "" {
		respondError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}
	credit, err := s.promos.Redeem(r.Context(), req.Code, getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, credit)
}

func (s *Server) handleReferralStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.referrals.GetStats(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ========== Internal (service-to-service) handlers ==========

type entitlementActionRequest struct {
	UserID int64  `json:"user_id"`
	Action string `json:"action"`
}

func (s *Server) handleInternalCheck(w http.ResponseWriter, r *http.Request) {
	var req entitlementActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == 0 || req.Action == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_id and action are required"))
		return
	}
	decision, err := s.resolver.CanPerformAction(r.Context(), req.UserID, req.Action)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleInternalIncrementUsage(w http.ResponseWriter, r *http.Request) {
	var req entitlementActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == 0 || req.Action == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_id and action are required"))
		return
	}
	decision, err := s.resolver.IncrementUsage(r.Context(), req.UserID, req.Action)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

type attributeReferralRequest struct {
	UserID int64  `json:"user_id"`
	Code   string `json:"code"`
}

func (s *Server) handleInternalAttributeReferral(w http.ResponseWriter, r *http.Request) {
	var req attributeReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == 0 || req.Code == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_id and code are required"))
		return
	}
	ref, err := s.referrals.Attribute(r.Context(), req.Code, req.UserID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ref)
}

type completeReferralRequest struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) handleInternalCompleteReferral(w http.ResponseWriter, r *http.Request) {
	var req completeReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == 0 {
		respondError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	if err := s.referrals.Complete(r.Context(), req.UserID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ========== Admin handlers ==========

func (s *Server) handleAdminCreatePromo(w http.ResponseWriter, r *http.Request) {
	var params services.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	promo, err := s.promos.Create(r.Context(), params)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, promo)
}

func (s *Server) handleAdminListPromos(w http.ResponseWriter, r *http.Request) {
	codes, err := s.promos.List(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, codes)
}

func (s *Server) handleAdminPromoStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.promos.Stats(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminUpdatePromo(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid promo code id"))
		return
	}
	var params services.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	promo, err := s.promos.Update(r.Context(), id, params)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, promo)
}

func (s *Server) handleAdminDeletePromo(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid promo code id"))
		return
	}
	if err := s.promos.Delete(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminGrantPremium(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.admin.GrantPremium(r.Context(), userID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminRevokePremium(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.admin.RevokePremium(r.Context(), userID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminCancelBilling(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.admin.CancelBilling(r.Context(), userID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminResetUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.admin.ResetUsage(r.Context(), userID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type grantCreditRequest struct {
	Days int `json:"days"`
}

func (s *Server) handleAdminGrantCredit(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req grantCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	credit, err := s.admin.GrantCredit(r.Context(), userID, req.Days)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, credit)
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrUnknownAction):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrPromoInvalid):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrPromoNotRedeemable):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrPromoAlreadyRedeemed):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrPromoFullyRedeemed):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrSelfReferral):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrAlreadyReferred):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrNoBillingSubscription):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrStripeNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		s.log.WithError(err).Error("internal server error")
		respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) stripePriceForInterval(interval string) (string, error) {
	switch interval {
	case "monthly":
		if s.cfg.StripePriceMonthly == "" {
			return "", errors.New("stripe monthly price not configured")
		}
		return s.cfg.StripePriceMonthly, nil
	case "yearly":
		if s.cfg.StripePriceYearly == "" {
			return "", errors.New("stripe yearly price not configured")
		}
		return s.cfg.StripePriceYearly, nil
	default:
		return "", errors.New("interval must be monthly or yearly")
	}
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	return strconv.ParseInt(raw, 10, 64)
}
