package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/middlewares"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/mmdatafocus/mileage_backend/utils"
	"github.com/mmdatafocus/mileage_backend/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("mileage_backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// newRouter wires middleware and routes. rateLimiter may be nil.
func newRouter(api *mileageAPI, metrics http.Handler, rateLimiter *RateLimiter) *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe and scrapes.
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		// Gate app endpoints on dependency readiness.
		if !api.ready() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service not ready"})
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "Idempotency-Key", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id", "Retry-After")
	if !corsConfig.AllowAllOrigins {
		corsConfig.AllowCredentials = true
	}
	r.Use(cors.New(corsConfig))

	if rateLimiter != nil {
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(api.logger))
	r.Use(gin.Recovery())

	r.GET("/healthz/review-queue", api.reviewQueueHealth)

	v1 := r.Group("/v1")
	v1.GET("/vehicles/:vehicleId/mileage/estimate", api.getEstimate)
	v1.POST("/vehicles/:vehicleId/mileage/events", api.recordEvent)
	v1.GET("/vehicles/:vehicleId/mileage/events", api.listEvents)
	v1.GET("/vehicles/:vehicleId/mileage/audit", api.listAudit)
	v1.GET("/vehicles/:vehicleId/mileage/series/:seriesId/replay", api.replaySeries)
	v1.POST("/reviews/:reviewId/resolve", api.resolveReview)

	r.NoRoute(customNotFoundHandler)
	return r
}

// rateLimiterFromEnv is enabled with RATE_LIMIT_ENABLED=true.
// Env:
// - RATE_LIMIT_WINDOW_SECONDS=60
// - RATE_LIMIT_MAX_REQUESTS=600
func rateLimiterFromEnv() *RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats, err := workflow.NewPrometheusOutlierStats(registry)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "metrics"}).Fatal("register outlier metrics: " + err.Error())
	}

	// Start the HTTP server ASAP; until DB/Redis are ready app endpoints return 503.
	api := newMileageAPI(logger)
	r := newRouter(api, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), rateLimiterFromEnv())
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
	config.ConnectRedisWithRetry(sigCtx)
	if sigCtx.Err() != nil {
		return
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run blocking DDL; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal("AutoMigrate failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	settings := config.LoadMileageSettings()
	settings.CacheTTL = utils.GetCacheLifespan(settings.CacheTTL)
	// LOCK_BACKEND=mysql serializes writers with advisory locks instead of Redis leases.
	var locker utils.Locker = utils.NewRedisLocker(config.GetRedisLock())
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOCK_BACKEND")), "mysql") {
		locker = utils.NewMySQLLocker(db)
	}
	svc := workflow.NewMileageService(
		models.NewGormRepository(db),
		utils.NewRedisCache(config.GetRedisDB()),
		locker,
		config.NewEnvFlagEvaluator(),
		models.NewGormVehicleDirectory(db),
		workflow.WithSettings(settings),
		workflow.WithOutlierStats(stats),
		workflow.WithLogger(logger),
		workflow.WithTracer(tracer),
	)
	api.install(svc)

	// The review dispatcher normally runs as its own job; REVIEW_DISPATCHER_IN_PROCESS=true runs it here too.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if strings.EqualFold(strings.TrimSpace(os.Getenv("REVIEW_DISPATCHER_IN_PROCESS")), "true") {
		go workflow.NewReviewDispatcher(db, logger).Run(dispatcherCtx)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("mileage api listening on port ", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per client IP in a fixed Redis window.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// Redis is best-effort here; do not fail the request.
		c.Next()
		return
	}
	if count == 1 {
		rl.client.Expire(c.Request.Context(), key, rl.window)
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
