package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bankbridge/internal/bank"
	"bankbridge/internal/consent/metrics"
	"bankbridge/internal/consent/poller"
	"bankbridge/internal/consent/service"
	"bankbridge/internal/consent/store"
	"bankbridge/internal/platform/config"
	"bankbridge/internal/platform/logger"
	"bankbridge/internal/platform/redis"
	"bankbridge/internal/session"
	httptransport "bankbridge/internal/transport/http"
)

// main wires dependencies and owns the server lifecycle. Business logic
// lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing bankbridge",
		"addr", cfg.Addr,
		"banks", len(cfg.Banks),
		"degraded_create", cfg.DegradedCreate,
	)

	var consentStore store.Store = store.NewInMemory()
	redisClient, err := redis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		consentStore = store.NewRedis(redisClient.Client)
		defer redisClient.Close()
		log.Info("using redis consent store")
	}

	bankNames := make(map[bank.Name]config.Bank, len(cfg.Banks))
	for rawName, bankCfg := range cfg.Banks {
		if name, err := bank.ParseName(rawName); err == nil {
			bankNames[name] = bankCfg
		}
	}

	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	authenticator := bank.NewHTTPAuthenticator(bankNames, cfg.ClientSecret, httpClient)
	tokens := bank.NewTokenCache(authenticator,
		bank.WithSafetyMargin(cfg.TokenSafetyMargin),
		bank.WithTokenLogger(log),
	)
	gateway := bank.NewGateway(cfg.Banks, tokens,
		bank.WithHTTPClient(httpClient),
		bank.WithTxCacheTTL(cfg.TxCacheTTL),
		bank.WithGatewayLogger(log),
		bank.WithRequestingParty(cfg.RequestingParty),
	)

	consentMetrics := metrics.New()
	consents := service.New(gateway, consentStore,
		service.WithMetrics(consentMetrics),
		service.WithLogger(log),
		service.WithDegradedCreate(cfg.DegradedCreate),
	)
	approvalPoller := poller.New(consents,
		poller.WithInterval(cfg.PollInterval),
		poller.WithMaxAttempts(cfg.PollMaxAttempts),
		poller.WithMetrics(consentMetrics),
		poller.WithLogger(log),
	)
	sessions := session.NewManager(cfg.JWTSigningKey, cfg.SessionTTL)

	handler := httptransport.NewHandler(consents, approvalPoller, sessions, cfg.Banks, log)
	// The wait endpoint can legitimately hold a request for the whole
	// polling window, so the request timeout must exceed it.
	requestTimeout := cfg.PollInterval*time.Duration(cfg.PollMaxAttempts) + 30*time.Second
	router := httptransport.NewRouter(handler, log, requestTimeout)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("starting http server", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
