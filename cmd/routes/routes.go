package routes

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/zjoart/go-numbers-wallet/internal/auth"
	"github.com/zjoart/go-numbers-wallet/internal/middleware"
	"github.com/zjoart/go-numbers-wallet/internal/payment"
	"github.com/zjoart/go-numbers-wallet/internal/rates"
	"github.com/zjoart/go-numbers-wallet/internal/wallet"
	"github.com/zjoart/go-numbers-wallet/pkg/config"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
	"github.com/zjoart/go-numbers-wallet/pkg/utils"
	"golang.org/x/time/rate"
)

type Handlers struct {
	Payment *payment.Handler
	Wallet  *wallet.Handler
	Rates   *rates.Handler
}

func RegisterRoutes(ctx context.Context, r *mux.Router, cfg config.Config, h Handlers) http.Handler {
	r.Use(middleware.LoggingMiddleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.BuildSuccessResponse(w, http.StatusOK, "ok", map[string]string{"env": cfg.Env})
	}).Methods("GET")

	r.HandleFunc("/api/rates", h.Rates.GetRate).Methods("GET")

	jwtAuth := auth.JWTMiddleware(cfg)

	paymentsR := r.PathPrefix("/api/payments").Subrouter()

	// gateways authenticate with signatures, not tokens
	limiter := middleware.NewRateLimiter(ctx, rate.Limit(cfg.WebhookRateLimit), cfg.WebhookBurst)
	webhookR := paymentsR.PathPrefix("/{gateway}/webhook").Subrouter()
	webhookR.Use(limiter.Limit)
	webhookR.HandleFunc("", h.Payment.Webhook).Methods("POST")

	userR := paymentsR.PathPrefix("").Subrouter()
	userR.Use(jwtAuth)
	userR.HandleFunc("/transactions/{id}", h.Payment.GetTransaction).Methods("GET")
	userR.HandleFunc("/{gateway}/deposit", h.Payment.CreateDeposit).Methods("POST")
	userR.HandleFunc("/{gateway}/confirm", h.Payment.Confirm).Methods("POST")

	walletR := r.PathPrefix("/api/wallet").Subrouter()
	walletR.Use(jwtAuth)
	walletR.HandleFunc("/balance", h.Wallet.GetBalance).Methods("GET")
	walletR.HandleFunc("/transactions", h.Wallet.GetTransactions).Methods("GET")

	adminR := r.PathPrefix("/api/admin/reconciliation").Subrouter()
	adminR.Use(jwtAuth, auth.RequirePermission(auth.RoleAdmin))
	adminR.HandleFunc("/uncredited", h.Payment.Uncredited).Methods("GET")
	adminR.HandleFunc("/sweep", h.Payment.Sweep).Methods("POST")
	adminR.HandleFunc("/alerts", h.Payment.ListAlerts).Methods("GET")

	if cfg.Env != "production" {

		r.HandleFunc("/swagger.yaml", func(w http.ResponseWriter, r *http.Request) {
			content, err := os.ReadFile("docs/swagger.yaml")
			if err != nil {
				logger.Error("Failed to read swagger.yaml", logger.Fields{"error": err.Error()})
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			modifiedContent := strings.ReplaceAll(string(content), "{{BASE_URL}}", "/")
			modifiedContent = strings.ReplaceAll(modifiedContent, "{{MIN_DEPOSIT_USD}}", cfg.MinDepositUSD.StringFixed(2))

			w.Header().Set("Content-Type", "application/yaml")
			w.Write([]byte(modifiedContent))
		})

		r.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
			httpSwagger.URL("/swagger.yaml"),
		))
		logger.Info("Swagger documentation enabled at /swagger/index.html")
	}

	corsObj := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	return corsObj(r)
}
