// Dayboard - daily planner and assistant chat server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/dayboard/internal/api"
	"github.com/ashureev/dayboard/internal/backend"
	"github.com/ashureev/dayboard/internal/chat"
	"github.com/ashureev/dayboard/internal/config"
	"github.com/ashureev/dayboard/internal/identity"
	"github.com/ashureev/dayboard/internal/live"
	"github.com/ashureev/dayboard/internal/metrics"
	"github.com/ashureev/dayboard/internal/middleware"
	"github.com/ashureev/dayboard/internal/probe"
	"github.com/ashureev/dayboard/internal/store"
	"github.com/ashureev/dayboard/internal/workspace"
	"github.com/ashureev/dayboard/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheck(cfg))
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "backend_url", cfg.BackendURL)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	upstream := backend.NewClient(cfg.BackendURL, backend.WithLogger(logger))

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	var collectors *metrics.Metrics
	if cfg.MetricsEnabled {
		collectors = metrics.Default()
	}

	hub := live.NewHub()
	registry, err := workspace.NewRegistry(workspace.Deps{
		Planner:         upstream,
		Sources:         upstream,
		Asker:           upstream,
		Repo:            repo,
		Hub:             hub,
		Metrics:         collectors,
		ConversationLog: conversationLogger,
		Logger:          logger,
	}, workspace.Options{
		Size:            cfg.WorkspaceCacheSize,
		PlanTimeout:     cfg.Timeout.Plan,
		ChatTimeout:     cfg.Timeout.Chat,
		AutoFillTimeout: cfg.Timeout.AutoFill,
		HistoryWindow:   cfg.ChatHistoryWindow,
		HistoryLimit:    cfg.PlanHistoryLimit,
	})
	if err != nil {
		slog.Error("Failed to initialize workspace registry", "error", err)
		os.Exit(1)
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	// Initialize handlers.
	baseHandler := api.NewHandler(registry, repo, upstream, limiter, cfg)
	healthHandler := api.NewHealthHandler(repo, upstream, cfg)
	liveHandler := live.NewHandler(hub, func(ctx context.Context, userID string) (any, error) {
		ws, err := registry.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		return ws.Snapshot(), nil
	}, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg), identity.SessionHeaderName))

	// Public routes.
	healthHandler.RegisterHealth(r)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Everything else runs under the anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

		api.NewAccountHandler(baseHandler).RegisterRoutes(r)
		api.NewPlannerHandler(baseHandler).RegisterRoutes(r)
		api.NewChatHandler(baseHandler).RegisterRoutes(r)

		// WebSocket endpoint.
		r.Get("/ws/state", liveHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Confirm and send block until the upstream answers, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err)
			os.Exit(1)
		}
		prober := probe.New(probe.Config{
			Database: repo,
			Backend:  upstream,
			Timeout:  cfg.Timeout.HealthCheck,
			Logger:   logger,
		})
		go func() {
			if err := prober.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health service failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Abort outstanding upstream calls so blocked handlers can answer.
	registry.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// healthcheck queries the local gRPC health service and returns the process
// exit code.
func healthcheck(cfg *config.Config) int {
	if cfg.GRPCHealthPort == "" {
		fmt.Fprintln(os.Stderr, "GRPC_HEALTH_PORT is not set")
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.HealthCheck)
	defer cancel()

	status, err := probe.Check(ctx, "127.0.0.1:"+cfg.GRPCHealthPort, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
