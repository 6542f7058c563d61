package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mealplan/internal/config"
	"mealplan/internal/db"
	httpapi "mealplan/internal/http"
	"mealplan/internal/services"
	"mealplan/internal/store"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.WithError(err).Warn("load .env failed")
		}
	}

	cfg := config.Load()
	stripe.Key = cfg.StripeSecretKey

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}

	subs := store.NewSubscriptionStore(pool)
	usage := store.NewUsageStore(pool)
	promoStore := store.NewPromoStore(pool)
	referralStore := store.NewReferralStore(pool)

	resolver := services.NewEntitlementResolver(subs, usage, referralStore, cfg, log)
	reconciler := services.NewReconciler(subs, services.StripeCustomerLookup{}, log)
	promos := services.NewPromoService(promoStore, log)
	referrals := services.NewReferralService(referralStore, cfg, log)
	admin := services.NewAdminService(subs, usage, referralStore, services.StripeBillingClient{}, log)

	server := httpapi.NewServer(resolver, reconciler, promos, referrals, admin, subs, cfg, log)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.WithField("addr", cfg.ServerAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
}
