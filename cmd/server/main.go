package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/condoledger/backend/docs"
	"github.com/condoledger/backend/internal/config"
	"github.com/condoledger/backend/internal/database"
	"github.com/condoledger/backend/internal/handlers"
	mW "github.com/condoledger/backend/internal/middleware"
	"github.com/condoledger/backend/internal/provider"
	"github.com/condoledger/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Condo Assemblies Billing API
// @version 1.0
// @description Credit ledger and payment reconciliation API for condominium assemblies
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	billingCfg := config.LoadBillingConfig()
	if err := billingCfg.Validate(); err != nil {
		log.Fatalf("Invalid billing configuration: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Condo Assemblies Billing API"
	docs.SwaggerInfo.Description = "Credit ledger and payment reconciliation API for condominium assemblies"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	if err := database.EnsureSchema(db); err != nil {
		log.Fatalf("Failed to ensure database schema: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	providerClient := provider.NewClient(billingCfg)

	ledgerService := services.NewCreditLedgerService(db)
	referenceService := services.NewReferenceService(db, billingCfg.ReferenceTTL)
	pricingService := services.NewPricingService(db, redisClient, billingCfg.PriceCacheTTL)
	webhookService := services.NewWebhookService(billingCfg, ledgerService, referenceService, pricingService)
	checkoutService := services.NewCheckoutService(billingCfg, redisClient, ledgerService, referenceService, pricingService, providerClient)
	reconcileService := services.NewReconcileService(billingCfg, providerClient, webhookService, referenceService)
	assemblyBillingService := services.NewAssemblyBillingService(db, ledgerService, billingCfg)
	authService := services.NewAuthService(db, redisClient, ledgerService)

	billingHandler := handlers.NewBillingHandler(assemblyBillingService, ledgerService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for legal documents
	r.Handle("/static/legal/*", http.StripPrefix("/static/legal/",
		mW.StaticFileServer("./static/legal")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Provider webhook (authenticated by event signature, not JWT)
		r.Post("/payments/webhook", webhookService.HandlePaymentEvent)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetAccount)

			// Billing endpoints
			r.Get("/billing/balance", billingHandler.GetBalance)
			r.Get("/billing/ledger", billingHandler.ListLedger)
			r.Post("/billing/checkout", checkoutService.HandleCheckout)

			// Billable assembly actions
			r.Post("/assemblies/{assemblyId}/activate", billingHandler.ActivateAssembly)
			r.Post("/assemblies/{assemblyId}/reopen", billingHandler.ReopenAssembly)
			r.Post("/assemblies/{assemblyId}/notifications", billingHandler.ChargeNotifications)
			r.Post("/assemblies/{assemblyId}/minutes", billingHandler.ChargeMinutesDelivery)

			// Operator-only endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireOperator)

				r.Post("/billing/reconcile", reconcileService.HandleReconcile)
				r.Post("/billing/adjust", billingHandler.AdjustBalance)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
