package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olajaido/platform-hub/internal/devapi"
	"github.com/olajaido/platform-hub/pkg/config"
	"github.com/olajaido/platform-hub/pkg/logger"
)

func main() {
	cfg := config.LoadDevAPIConfig()
	log := logger.New("devapi", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.Users) == 0 {
		log.Error("no users configured", "env", "DEVAPI_USERS")
		os.Exit(1)
	}

	var limiter devapi.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := devapi.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router, err := devapi.NewRouter(devapi.Options{
		Logger:        log,
		JWTSecret:     cfg.JWTSecret,
		TokenTTL:      cfg.AccessTokenTTL,
		WebhookSecret: cfg.WebhookSecret,
		Users:         cfg.Users,
		Simulate:      cfg.Simulate,
		SimulateStep:  cfg.SimulateStep,
		LogLimit:      cfg.LogBuffer,
		Limiter:       limiter,
	})
	if err != nil {
		log.Error("failed to configure router", "error", err)
		os.Exit(1)
	}
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("devapi server starting", "addr", cfg.Addr, "env", cfg.Environment, "simulate", cfg.Simulate)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("devapi server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
