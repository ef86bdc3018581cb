package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"camguard-backend/internal/admin"
	"camguard-backend/internal/auth"
	"camguard-backend/internal/billing"
	"camguard-backend/internal/bootstrap"
	"camguard-backend/internal/config"
	"camguard-backend/internal/database"
	"camguard-backend/internal/devices"
	"camguard-backend/internal/health"
	"camguard-backend/internal/metrics"
	"camguard-backend/internal/middleware"
	"camguard-backend/internal/models"
	"camguard-backend/internal/ratelimit"
)

func main() {
	log.Info("🚀 Starting CamGuard API Server")

	// Initialize Sentry before other subsystems so we capture initialization errors
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		opts := sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     os.Getenv("SENTRY_RELEASE"),
		}
		if host, _ := os.Hostname(); host != "" {
			opts.ServerName = host
		}
		if err := sentry.Init(opts); err != nil {
			log.Warnf("Sentry initialization failed: %v", err)
		} else {
			sentry.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("service", "camguard-backend")
			})
			defer sentry.Flush(2 * time.Second)
		}
	}

	cfg := config.Load()

	if err := database.InitDatabase(); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	if err := database.RunMigrations(
		&models.Device{},
		&models.User{},
		&models.UserDevice{},
		&models.DeviceCreationWindow{},
		&models.RiskEvent{},
		&models.Plan{},
		&models.Subscription{},
		&models.WebhookEvent{},
		&models.AppRelease{},
	); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if err := bootstrap.Run(database.DB); err != nil {
		log.Fatalf("Bootstrap failed: %v", err)
	}

	auth.InitJWT()
	billing.InitStripe(cfg)

	// Optional shared rate-limit state for multi-instance deployments.
	var redisLimiter *ratelimit.RedisLimiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warnf("⚠️  Redis unavailable at %s, using in-memory rate limiting: %v", cfg.RedisAddr, err)
		} else {
			redisLimiter = ratelimit.NewRedisLimiter(client, "camguard")
			log.Info("✅ Redis rate limiting enabled")
		}
		cancel()
	}

	// Background tasks
	middleware.StartCleanup()
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := ratelimit.CleanupExpired(database.DB, time.Now().UTC()); err != nil {
				log.WithError(err).Warn("creation window cleanup failed")
			}
		}
	}()

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(sentrygin.New(sentrygin.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	}))
	router.Use(middleware.RequestID())
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS - MUST be first to handle OPTIONS requests
	router.Use(cors.New(middleware.SecureCORSConfig()))

	// Health and telemetry
	router.GET("/health", health.HandleHealthCheck)
	router.GET("/ready", health.HandleSystemReady)
	router.GET("/metrics", metrics.Handler())

	deviceHandler := devices.NewHandler(devices.NewService(database.DB, cfg))
	billingHandler := billing.NewHandler(database.DB, cfg)
	adminHandler := admin.NewHandler(database.DB, cfg)

	api := router.Group("/api/v1")
	{
		registrationPerMinute := config.GetEnvInt("REGISTRATION_PER_MINUTE", 30)
		api.POST("/devices/register",
			middleware.RegistrationRateLimit(redisLimiter, registrationPerMinute),
			deviceHandler.HandleRegisterDevice)
		api.GET("/license", deviceHandler.HandleGetLicense)

		api.GET("/plans", billingHandler.HandleGetPlans)
		api.POST("/billing/checkout", billingHandler.HandleCheckout)
		api.POST("/billing/webhook", billingHandler.HandleStripeWebhook)

		// Lease-authenticated routes
		protected := api.Group("")
		protected.Use(auth.Middleware())
		{
			protected.GET("/lease", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{
					"valid":     true,
					"user_id":   c.GetUint("user_id"),
					"email":     c.GetString("email"),
					"device_id": c.GetString("device_id"),
				})
			})
		}

		// Operator routes
		adminRoutes := api.Group("/admin")
		adminRoutes.Use(adminHandler.AdminAuth())
		{
			adminRoutes.PUT("/users/:id/device-cap", adminHandler.HandleSetDeviceCap)
			adminRoutes.GET("/risk-events", adminHandler.HandleListRiskEvents)
			adminRoutes.GET("/releases", adminHandler.HandleListReleases)
			adminRoutes.POST("/releases", adminHandler.HandleCreateRelease)
		}
	}

	log.Infof("✅ CamGuard API listening on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
