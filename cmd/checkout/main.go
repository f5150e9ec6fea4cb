// Package main запускает HTTP-сервер сервиса оплаты доступа к выпускным альбомам.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/yearbook-checkout/internal/checkout"
	"github.com/mmeshcher/yearbook-checkout/internal/config"
	"github.com/mmeshcher/yearbook-checkout/internal/exchange"
	"github.com/mmeshcher/yearbook-checkout/internal/gateway"
	"github.com/mmeshcher/yearbook-checkout/internal/handler"
	"github.com/mmeshcher/yearbook-checkout/internal/middleware"
	"github.com/mmeshcher/yearbook-checkout/internal/recovery"
	"github.com/mmeshcher/yearbook-checkout/internal/repository"
	"github.com/mmeshcher/yearbook-checkout/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var store recovery.Store = repo
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		store = recovery.NewRedisStore(rdb)
		sugar.Infow("pending payments kept in redis", "addr", cfg.RedisAddress)
	}

	rates := exchange.NewCache(
		exchange.NewClient(cfg.RateSourceAddress),
		cfg.RateTTL,
		cfg.FallbackRate,
		exchange.WithLogger(logger),
	)

	builder := checkout.NewBuilder(rates, cfg.BaseCurrency, cfg.SettlementCurrency, checkout.WithLogger(logger))
	gw := gateway.NewClient(cfg.GatewayAddress, cfg.GatewaySecretKey, cfg.CallbackURL)

	svc := service.NewService(repo, gw, builder, recovery.New(store, logger), rates, service.Options{
		BaseCurrency:       cfg.BaseCurrency,
		SettlementCurrency: cfg.SettlementCurrency,
		BadgeSlotPrice:     cfg.BadgeSlotPrice,
		AbandonAfter:       cfg.AbandonAfter,
		Logger:             logger,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.StartAbandonmentSweeper(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting checkout server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
