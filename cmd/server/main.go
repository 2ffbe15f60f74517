package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/config"
	"dukapos/backend/internal/httpapi"
	"dukapos/backend/internal/integration"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/logging"
	"dukapos/backend/internal/mpesa"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
	pgstore "dukapos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("postgres migration failed", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(cfg.DefaultLocationID, cfg.TrackLocations)
		logger.Info("repository: in-memory")
	}

	var (
		correlations cache.CorrelationCache = cache.NoopCorrelationCache{}
		locker       cache.Locker           = cache.NoopLocker{}
	)
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
		} else {
			correlations, locker = redisCache, redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	var tax integration.TaxSubmitter = integration.LogTaxSubmitter{Logger: logger}
	if cfg.PubSubProjectID != "" && cfg.PubSubTaxTopic != "" {
		publisher, err := integration.NewPubSubTaxSubmitter(ctx, cfg.PubSubProjectID, cfg.PubSubTaxTopic, cfg.PubSubCredentials)
		if err != nil {
			logger.Warn("pubsub unavailable, logging tax invoices instead", zap.Error(err))
		} else {
			tax = publisher
			closers = append(closers, publisher.Close)
			logger.Info("tax submitter: pubsub", zap.String("topic", cfg.PubSubTaxTopic))
		}
	}
	dispatcher := integration.NewDispatcher(
		integration.LogUsage{Logger: logger},
		integration.LogNotifier{Logger: logger},
		tax,
		logger,
		integration.Options{MaxConcurrent: int64(cfg.IntegrationParallel)},
	)

	var initiator service.PaymentInitiator
	if cfg.Mpesa.Enabled() {
		initiator = mpesa.NewClient(cfg.Mpesa, logger)
		logger.Info("mpesa: enabled", zap.String("environment", cfg.Mpesa.Environment))
	} else {
		logger.Info("mpesa: no credentials, stk push disabled")
	}

	stock := ledger.New(repo, logger, ledger.Options{
		TrackLocations:    cfg.TrackLocations,
		DefaultLocationID: cfg.DefaultLocationID,
	})
	svc := service.New(repo, stock, service.Config{
		Logger:         logger,
		Initiator:      initiator,
		Events:         dispatcher,
		Features:       integration.NewStaticGate(cfg.DisabledFeatures),
		Correlations:   correlations,
		Locker:         locker,
		DefaultTaxRate: cfg.DefaultTaxRate,
		CorrelationTTL: cfg.CorrelationTTL,
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, logger, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweepCorrelations(runCtx, svc, cfg.SweepInterval, logger)
	}()

	go func() {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	stopRun()
	<-sweepDone
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("integration calls still running at shutdown", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// sweepCorrelations expires mobile-money requests whose confirmation never
// arrived, until ctx is cancelled.
func sweepCorrelations(ctx context.Context, svc *service.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := svc.ExpireCorrelations(ctx, now.UTC())
			if err != nil {
				logger.Warn("correlation sweep failed", zap.Error(err))
			}
			if expired > 0 {
				logger.Info("expired payment correlations", zap.Int("count", expired))
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	// Reject all-same-digit PINs.
	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	// Reject ascending or descending sequential PINs (e.g. 123456, 987654).
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
