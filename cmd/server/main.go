package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/zjoart/go-numbers-wallet/cmd/routes"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/internal/gateway/cryptobot"
	"github.com/zjoart/go-numbers-wallet/internal/gateway/cryptomus"
	"github.com/zjoart/go-numbers-wallet/internal/gateway/paystack"
	"github.com/zjoart/go-numbers-wallet/internal/ledger"
	"github.com/zjoart/go-numbers-wallet/internal/payment"
	"github.com/zjoart/go-numbers-wallet/internal/rates"
	"github.com/zjoart/go-numbers-wallet/internal/reconcile"
	"github.com/zjoart/go-numbers-wallet/internal/wallet"
	"github.com/zjoart/go-numbers-wallet/pkg/config"
	"github.com/zjoart/go-numbers-wallet/pkg/database"
	"github.com/zjoart/go-numbers-wallet/pkg/events"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()
	logger.SetLevel(cfg.LogLevel)

	if err := database.Connect(cfg.DBUrl); err != nil {
		logger.Fatal("Database unavailable", logger.WithError(err))
	}
	if err := database.Migrate(&ledger.Transaction{}, &wallet.Balance{}, &wallet.Credit{}); err != nil {
		logger.Fatal("Migration failed", logger.WithError(err))
	}

	redisClient := events.NewRedisClient(cfg)

	registry, policies := buildGateways(cfg)
	if len(registry.Names()) == 0 {
		logger.Warn("No payment gateway configured")
	}

	ledgerRepo := ledger.NewRepository(database.DB)
	walletStore := wallet.NewStore(database.DB)

	engine := reconcile.NewEngine(ledgerRepo, walletStore, policies)
	service := reconcile.NewService(engine, registry, ledgerRepo, redisClient, redisClient)
	sweeper := reconcile.NewSweeper(engine, ledgerRepo, registry, redisClient, cfg.SweepInterval, cfg.StalePendingAfter)
	worker := reconcile.NewWorker(engine, redisClient, redisClient, cfg.ReconcileMaxRetries)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// start background workers
	worker.Start(ctx)
	sweeper.Start(ctx)

	rateProvider := rates.NewRedisProvider(redisClient.Client)

	r := mux.NewRouter()
	handler := routes.RegisterRoutes(ctx, r, cfg, routes.Handlers{
		Payment: payment.NewHandler(service, sweeper, ledgerRepo, redisClient, cfg.MinDepositUSD, cfg.Host),
		Wallet:  wallet.NewHandler(walletStore, ledgerRepo, rateProvider, cfg.DisplayCurrency, cfg.MarkupPercent),
		Rates:   rates.NewHandler(rateProvider, cfg.DisplayCurrency, cfg.MarkupPercent),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second + cfg.GatewayTimeout,
	}

	go func() {
		logger.Info("Server starting", logger.Fields{"port": cfg.Port, "env": cfg.Env, "gateways": registry.Names()})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen", logger.Fields{"port": cfg.Port, "error": err.Error()})
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", logger.WithError(err))
	}
	stop()
	if err := redisClient.Client.Close(); err != nil {
		logger.Warn("Failed to close Redis client", logger.WithError(err))
	}
	logger.Info("Server gracefully shut down")
}

// buildGateways registers every provider whose credentials are configured.
func buildGateways(cfg config.Config) (*gateway.Registry, map[string]reconcile.Policy) {
	registry := gateway.NewRegistry()
	policies := make(map[string]reconcile.Policy)

	add := func(a gateway.Adapter, gc config.GatewayConfig) {
		registry.Register(a)
		policies[a.Name()] = reconcile.Policy{
			TrustSignature: gc.TrustSignature,
			OrphanMode:     reconcile.ParseOrphanMode(gc.OrphanMode),
		}
		logger.Info("Gateway enabled", logger.Fields{
			logger.GatewayKey: a.Name(),
			"trust_signature": gc.TrustSignature,
			"orphan_mode":     policies[a.Name()].OrphanMode,
		})
	}

	if cfg.Paystack.Enabled {
		add(paystack.New(cfg.Paystack.Secret, cfg.Paystack.BaseURL, cfg.GatewayTimeout), cfg.Paystack)
	}
	if cfg.Cryptomus.Enabled {
		add(cryptomus.New(cfg.Cryptomus.MerchantID, cfg.Cryptomus.Secret, cfg.Cryptomus.BaseURL, cfg.GatewayTimeout), cfg.Cryptomus)
	}
	if cfg.CryptoBot.Enabled {
		add(cryptobot.New(cfg.CryptoBot.Secret, cfg.CryptoBot.BaseURL, cfg.GatewayTimeout), cfg.CryptoBot)
	}

	return registry, policies
}
