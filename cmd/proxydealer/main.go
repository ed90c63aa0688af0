// Package main запускает HTTP-сервер магазина прокси и VPN.
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

	"github.com/femilianferuk-droid/proxy/internal/config"
	"github.com/femilianferuk-droid/proxy/internal/cryptopay"
	"github.com/femilianferuk-droid/proxy/internal/handler"
	"github.com/femilianferuk-droid/proxy/internal/ledger"
	"github.com/femilianferuk-droid/proxy/internal/middleware"
	"github.com/femilianferuk-droid/proxy/internal/notify"
	"github.com/femilianferuk-droid/proxy/internal/repository"
	"github.com/femilianferuk-droid/proxy/internal/service"
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

	// Присваивание через промежуточную переменную, чтобы незаданный шлюз
	// остался nil-интерфейсом и фоновая сверка не запускалась.
	var gateway service.Gateway
	if cfg.CryptoPayAddress != "" {
		gateway = cryptopay.NewClient(cfg.CryptoPayAddress, cfg.CryptoPayToken, cfg.GatewayTimeout)
	}

	var notifier service.Notifier
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken)
		if err != nil {
			sugar.Fatalw("telegram initialization error", "error", err.Error())
		}
		notifier = tg
	}

	svc := service.NewService(repo, gateway, ledger.New(), notifier, logger, service.Config{
		Asset:           cfg.CryptoPayAsset,
		InvoiceTTL:      cfg.InvoiceTTL,
		PollInterval:    cfg.PollInterval,
		ExchangeRateRub: cfg.ExchangeRateRub,
	})

	h := handler.NewHandler(svc, logger, middleware.NewAdminAuth(cfg.AdminToken))

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки ожидаемых платежей
	g.Go(func() error {
		svc.StartReconciler(ctx)
		return nil
	})

	// Запуск фонового истечения срочных покупок
	g.Go(func() error {
		svc.StartPurchaseExpiry(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting server", "addr", cfg.RunAddress)
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
