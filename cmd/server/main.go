package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meridianerp/be-approvals/internal/client"
	"github.com/meridianerp/be-approvals/internal/config"
	"github.com/meridianerp/be-approvals/internal/database"
	"github.com/meridianerp/be-approvals/internal/handler"
	"github.com/meridianerp/be-approvals/internal/logger"
	"github.com/meridianerp/be-approvals/internal/middleware"
	"github.com/meridianerp/be-approvals/internal/repository"
	"github.com/meridianerp/be-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS connection for approval event notifications (optional)
	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).
				Msg("NATS unavailable; approval events will not be published")
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	// Initialize repositories
	chainRepo := repository.NewChainRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	guardRepo := repository.NewGuardRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Clients
	identityAddr := getEnv("IDENTITY_URL", "http://localhost:8081")
	identityClient := client.NewIdentityHTTPClient(identityAddr)
	publisher := client.NewNotificationPublisher(natsConn, log.Logger)

	// Initialize services
	registryService := service.NewRegistryService(chainRepo, log)
	guardService := service.NewGuardService(guardRepo, registryService, auditRepo, publisher, log)
	requestService := service.NewRequestService(requestRepo, chainRepo, auditRepo, identityClient, publisher, log)

	// Escalation / auto-approval scheduler
	if cfg.Scheduler.Enabled {
		scheduler := service.NewScheduler(
			requestRepo, chainRepo, requestService,
			cfg.Scheduler.SweepInterval, cfg.Scheduler.BatchSize, log,
		)
		go scheduler.Run(ctx)
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(registryService, guardService, requestService, auditRepo, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Chain administration
	mux.HandleFunc("/api/v1/chains", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListChains(w, r)
		case http.MethodPost:
			httpHandler.CreateChain(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/chains/get", httpHandler.GetChain)
	mux.HandleFunc("/api/v1/chains/update", httpHandler.UpdateChain)
	mux.HandleFunc("/api/v1/chains/delete", httpHandler.DeleteChain)

	// Guard administration and evaluation
	mux.HandleFunc("/api/v1/guards", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListGuards(w, r)
		case http.MethodPost:
			httpHandler.CreateGuard(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/guards/update", httpHandler.UpdateGuard)
	mux.HandleFunc("/api/v1/guards/delete", httpHandler.DeleteGuard)
	mux.HandleFunc("/api/v1/guards/evaluate", httpHandler.EvaluateGuard)

	// Request lifecycle
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		httpHandler.CreateRequest(w, r)
	})
	mux.HandleFunc("/api/v1/requests/get", httpHandler.GetRequest)
	mux.HandleFunc("/api/v1/requests/pending", httpHandler.ListPendingRequests)
	mux.HandleFunc("/api/v1/requests/approve", httpHandler.ApproveRequest)
	mux.HandleFunc("/api/v1/requests/reject", httpHandler.RejectRequest)
	mux.HandleFunc("/api/v1/requests/cancel", httpHandler.CancelRequest)
	mux.HandleFunc("/api/v1/requests/delegate", httpHandler.DelegateRequest)
	mux.HandleFunc("/api/v1/requests/history", httpHandler.GetRequestHistory)

	// Audit trail
	mux.HandleFunc("/api/v1/audit", httpHandler.GetAuditTrail)
	mux.HandleFunc("/api/v1/audit/verify", httpHandler.VerifyAuditChain)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
