package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campusworks/be-travel-requests/internal/client"
	"github.com/campusworks/be-travel-requests/internal/config"
	"github.com/campusworks/be-travel-requests/internal/database"
	"github.com/campusworks/be-travel-requests/internal/handler"
	"github.com/campusworks/be-travel-requests/internal/logger"
	"github.com/campusworks/be-travel-requests/internal/middleware"
	"github.com/campusworks/be-travel-requests/internal/repository"
	"github.com/campusworks/be-travel-requests/internal/scheduler"
	"github.com/campusworks/be-travel-requests/internal/service"
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
		Msg("Starting Travel Requests Service")

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
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Optional NATS connection for notification events
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Drain()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notification events disabled")
	}

	// Initialize repositories
	employeeRepo := repository.NewEmployeeRepository(db)
	requestRepo := repository.NewRequestRepository(db, employeeRepo)
	chainRepo := repository.NewChainRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)

	// Initialize external clients
	identityClient := client.NewIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	notifier := client.NewNotificationPublisher(natsConn, log.Logger)
	log.Info().Str("identity_url", cfg.Identity.BaseURL).Msg("Identity client initialized")

	// Initialize services
	chainService := service.NewChainService(requestRepo, catalogRepo, identityClient, log)
	requestService := service.NewRequestService(requestRepo, log)
	workflowService := service.NewWorkflowService(requestRepo, chainRepo, chainService, notifier, log)

	// Reminder sweep for stale pending approvals
	if cfg.Scheduler.Enabled && natsConn != nil {
		sweep := scheduler.New(chainRepo, notifier, log, cfg.Scheduler.ReminderAge)
		if err := sweep.Start(cfg.Scheduler.CronSpec); err != nil {
			log.Fatal().Err(err).Msg("Failed to start reminder sweep")
		}
		defer sweep.Stop()
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(requestService, workflowService, chainService, log)
	mux := http.NewServeMux()

	// Health check and metrics
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Request routes
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListRequests(w, r)
		case http.MethodPost:
			httpHandler.CreateRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("GET /api/v1/requests/get", httpHandler.GetRequest)
	mux.HandleFunc("GET /api/v1/requests/history", httpHandler.GetHistory)
	mux.HandleFunc("GET /api/v1/requests/chain", httpHandler.PreviewChain)
	mux.HandleFunc("GET /api/v1/requests/pending", httpHandler.GetPendingApprovals)
	mux.HandleFunc("POST /api/v1/requests/submit", httpHandler.SubmitRequest)
	mux.HandleFunc("POST /api/v1/requests/requester-action", httpHandler.RequesterAction)
	mux.HandleFunc("POST /api/v1/requests/approver-action", httpHandler.ApproverAction)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
