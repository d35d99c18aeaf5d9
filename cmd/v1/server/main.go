package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/portalbot/server/internal/v1/catalog"
	"github.com/portalbot/server/internal/v1/config"
	"github.com/portalbot/server/internal/v1/control"
	"github.com/portalbot/server/internal/v1/health"
	"github.com/portalbot/server/internal/v1/logging"
	"github.com/portalbot/server/internal/v1/middleware"
	"github.com/portalbot/server/internal/v1/ratelimit"
	"github.com/portalbot/server/internal/v1/registry"
	"github.com/portalbot/server/internal/v1/secrets"
	"github.com/portalbot/server/internal/v1/signaling"
	"github.com/portalbot/server/internal/v1/space"
	"github.com/portalbot/server/internal/v1/tracing"
	"github.com/portalbot/server/internal/v1/transport"
)

func main() {
	// Load .env file for local development. Missing file is fine in
	// containerized deployments where the environment is injected.
	if err := godotenv.Load(); err == nil {
		logging.Info(context.Background(), "Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal(context.Background(), "Environment validation failed", zap.Error(err))
	}

	if err := logging.Initialize(cfg.Debug); err != nil {
		logging.Fatal(context.Background(), "Failed to initialize logger", zap.Error(err))
	}
	defer func() { _ = logging.GetLogger().Sync() }()

	ctx := context.Background()

	cat, err := catalog.Load(cfg.SpacesPath)
	if err != nil {
		logging.Fatal(ctx, "Failed to load space catalog",
			zap.String("path", cfg.SpacesPath), zap.Error(err))
	}
	logging.Info(ctx, "Space catalog loaded",
		zap.String("path", cfg.SpacesPath), zap.Int("spaces", len(cat.EnabledSpaces())))

	secretStore, err := secrets.LoadDir(cfg.SecretsDir)
	if err != nil {
		logging.Fatal(ctx, "Failed to load robot secrets",
			zap.String("dir", cfg.SecretsDir), zap.Error(err))
	}
	logging.Info(ctx, "Robot secrets loaded",
		zap.String("dir", cfg.SecretsDir), zap.Int("robots", len(secretStore.RobotIDs())))

	// Tracing (optional)
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "signaling-server", cfg.OTLPAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without", zap.Error(err))
		} else {
			logging.Info(ctx, "Tracing initialized", zap.String("collector", cfg.OTLPAddr))
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	// --- Core components ---
	reg := registry.New()
	spaces := space.NewManager(cat, reg)
	arbiter := control.NewArbiter(cat, secretStore, reg, spaces)
	signals := signaling.NewRouter(reg, spaces)

	allowedOrigins := cfg.AllowedOriginList([]string{"http://localhost:3000", "http://localhost:5080"})
	hub := transport.NewHub(reg, spaces, arbiter, signals, allowedOrigins, rateLimiter)

	// --- HTTP server ---
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("signaling-server"))
	}

	router.GET("/ws", hub.ServeWs)

	healthHandler := health.NewHandler(spaces, reg, cat)
	public := router.Group("/", rateLimiter.PublicMiddleware())
	{
		public.GET("/health", healthHandler.Health)
		public.GET("/spaces", healthHandler.Spaces)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	registerStatic(router, cfg.StaticDir)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Error during hub shutdown", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}

// registerStatic serves the operator SPA out of staticDir. Files are served
// as-is; extensionless paths fall back to index.html so client-side routes
// survive a page reload. Missing staticDir is tolerated for API-only
// deployments.
func registerStatic(router *gin.Engine, staticDir string) {
	if _, err := os.Stat(staticDir); err != nil {
		logging.Warn(context.Background(), "Static directory not found, SPA serving disabled",
			zap.String("dir", staticDir))
		return
	}

	router.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Status(http.StatusNotFound)
			return
		}

		reqPath := filepath.Clean(c.Request.URL.Path)
		if strings.Contains(reqPath, "..") {
			c.Status(http.StatusBadRequest)
			return
		}

		full := filepath.Join(staticDir, reqPath)
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			c.File(full)
			return
		}

		// Paths with an extension are real asset requests: 404, don't mask
		// a missing bundle with index.html.
		if filepath.Ext(reqPath) != "" {
			c.Status(http.StatusNotFound)
			return
		}

		c.File(filepath.Join(staticDir, "index.html"))
	})
}
