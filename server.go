package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/listing_backend/combosync"
	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/middlewares"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/season"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP; app endpoints return 503 until dependencies are ready.
	var ready atomic.Bool
	r := gin.New()
	r.Use(middlewares.RequestContextMiddleware())
	r.Use(middlewares.ReadinessMiddleware(ready.Load))
	r.GET(middlewares.HealthPath, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(middlewares.CORSMiddleware())

	// Optional rate limiting, see RATE_LIMIT_* env.
	if rl := middlewares.RateLimiterFromEnv(config.GetRedisDB); rl != nil {
		r.Use(rl.RateLimitMiddleware)
	}

	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())
	combosync.RegisterAPIRoutes(r)
	// Bulk runs can be served here too when no separate sync service is deployed.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SERVE_COMBO_SYNC")), "true") {
		combosync.RegisterSyncRoutes(r)
	}
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	if strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_REQUIRED")), "true") {
		config.ConnectRedisWithRetry()
	} else if !config.ConnectRedisIfConfigured() {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable; season cache, rate limiting and redis locks disabled")
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; run it as a separate job when SKIP_MIGRATIONS=true.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if config.SeasonFilterEnabled() {
		if snap, err := season.LoadConfigured(sigCtx); err != nil {
			config.LogWarn(logger, "main", "main", "season workbook", config.SeasonWorkbookPath(), err.Error())
		} else {
			logger.WithFields(logrus.Fields{"field": "season", "version": snap.Version}).Info("season workbook loaded")
		}
	}

	ready.Store(true)
	log.Printf("listing api started on :%s (lock mode=%s)", port, config.AllocationLockMode())

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
