// Package main запускает HTTP-сервер платёжного ядра аркады.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcadepay/arcade-ledger/internal/commerce"
	"github.com/arcadepay/arcade-ledger/internal/config"
	"github.com/arcadepay/arcade-ledger/internal/handler"
	"github.com/arcadepay/arcade-ledger/internal/identity"
	"github.com/arcadepay/arcade-ledger/internal/middleware"
	"github.com/arcadepay/arcade-ledger/internal/repository"
	"github.com/arcadepay/arcade-ledger/internal/service"
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
	defer repo.Close()

	// Без ключа провайдера сервис работает, но create-charge отвечает 501.
	var chargeClient service.ChargeCreator
	if cfg.CommerceAPIKey != "" {
		chargeClient = commerce.NewClient(cfg.CommerceAPIURL, cfg.CommerceAPIKey)
	}

	identityClient := identity.NewClient(cfg.IdentityAddress, cfg.IdentityServiceKey)

	svc := service.NewService(repo, chargeClient, cfg.CommerceWebhookSecret, cfg.FulfillEvents, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(identityClient)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting arcade ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
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
