package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"heartlink-backend/internal/database"
	"heartlink-backend/internal/dispatch"
	callHandler "heartlink-backend/internal/handler/http/call"
	deviceHandler "heartlink-backend/internal/handler/http/device"
	wsHandler "heartlink-backend/internal/handler/ws"
	"heartlink-backend/internal/middleware"
	"heartlink-backend/internal/repository/cockroach"
	redisRepo "heartlink-backend/internal/repository/redis"
	callService "heartlink-backend/internal/service/call"
	signalService "heartlink-backend/internal/service/signal"
	"heartlink-backend/pkg/constants"
	"heartlink-backend/pkg/env"
	"heartlink-backend/pkg/jwt"
	"heartlink-backend/pkg/logger"
	"heartlink-backend/pkg/metrics"
	"heartlink-backend/pkg/push"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	productionMode := os.Getenv("ENV") == "production"

	// 1. JWT manager: tokens are issued by the auth service, validated here
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, constants.AccessTokenExpiry)

	// 2. Connect to CockroachDB with exponential backoff retry
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		env.GetString("DB_USER", "root"),
		env.GetStringFromFile("DB_PASSWORD", ""),
		env.GetString("DB_HOST", "localhost"),
		env.GetInt("DB_PORT", 26257),
		env.GetString("DB_NAME", "heartlink"),
		env.GetString("DB_SSLMODE", "disable"))

	db := connectDB(ctx, connString)
	defer db.Close()

	// 3. Redis with degraded mode support
	database.InitRedisMetrics()
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()

	redisDB.StartHealthCheck(ctx, 10*time.Second)
	logger.Info("Redis health check started", zap.Duration("interval", 10*time.Second))

	// 4. Repositories
	callRepo := cockroach.NewCallRepository(db.Pool)
	eventRepo := cockroach.NewCallEventRepository(db.Pool)
	matchRepo := cockroach.NewMatchRepository(db.Pool)
	blockRepo := cockroach.NewBlockedUserRepository(db.Pool)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	// 5. Push delivery
	pushSvc := push.NewService(selectPushProvider(productionMode), pushTokenRepo)

	// 6. Metrics and dispatch
	appMetrics := metrics.NewMetrics("call-service")
	publisher := dispatch.NewRedisPublisher(redisDB)
	dispatcher := dispatch.NewRedisDispatcher(publisher, presenceRepo, pushSvc, appMetrics)

	// 7. Services
	callSvc := callService.NewService(callRepo, matchRepo, blockRepo, dispatcher, appMetrics)
	signalSvc := signalService.NewService(callRepo, eventRepo, dispatcher, appMetrics)

	// 8. Ring timeout worker. CALL_RING_TIMEOUT=0 disables the sweep.
	ringTimeout := env.GetDuration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout)
	if ringTimeout > 0 {
		worker := callService.NewRingTimeoutWorker(callSvc, ringTimeout, constants.RingSweepInterval)
		go worker.Run(ctx)
	} else {
		logger.Info("Ring timeout disabled, ringing calls persist until ended")
	}

	// 9. Handlers
	callHdlr := callHandler.NewHandler(callSvc, signalSvc)
	deviceHdlr := deviceHandler.NewHandler(pushSvc)
	eventsHub := wsHandler.NewEventsHub(redisDB.Client, presenceRepo, appMetrics)

	// 10. Router
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":         "healthy",
			"service":        "call-service",
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)
	authRequired := middleware.AuthMiddleware(jwtManager, revocationChecker)

	initiateLimiter := middleware.NewRateLimiter(redisDB.Client,
		env.GetInt("CALL_INITIATE_RATE_LIMIT", 10), time.Minute)

	v1 := router.Group("/v1")
	{
		calls := v1.Group("/calls")
		calls.Use(authRequired)
		{
			calls.POST("", initiateLimiter.Middleware(), callHdlr.InitiateCall)
			calls.GET("", callHdlr.GetCallHistory)
			calls.GET("/:id", callHdlr.GetCall)
			calls.POST("/:id/accept", callHdlr.AcceptCall)
			calls.POST("/:id/decline", callHdlr.DeclineCall)
			calls.POST("/:id/end", callHdlr.EndCall)
			calls.POST("/:id/signal", callHdlr.Signal)
			calls.GET("/:id/events", callHdlr.GetCallEvents)
		}

		matches := v1.Group("/matches")
		matches.Use(authRequired)
		{
			matches.GET("/:match_id/calls/active", callHdlr.GetActiveCall)
		}

		devices := v1.Group("/devices")
		devices.Use(authRequired)
		{
			devices.POST("/tokens", deviceHdlr.RegisterToken)
			devices.DELETE("/tokens", deviceHdlr.UnregisterToken)
			devices.DELETE("/tokens/all", deviceHdlr.UnregisterAllTokens)
		}

		// WebSocket event stream; browsers pass the token as a query param
		v1.GET("/ws/events", middleware.WSAuthMiddleware(jwtManager, revocationChecker), eventsHub.ServeWS)
	}

	// 11. Serve with graceful shutdown
	port := env.GetString("PORT", "8084")
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	go func() {
		logger.Info("Call service starting",
			zap.String("port", port),
			zap.Duration("ring_timeout", ringTimeout))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	logger.Info("Call service stopped")
}

// connectDB retries with exponential backoff; CockroachDB may still be
// starting when the service comes up
func connectDB(ctx context.Context, connString string) *database.DB {
	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var db *database.DB
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = database.NewDB(ctx, connString, database.DefaultDBConfig())
		if err == nil {
			if pingErr := db.Pool.Ping(ctx); pingErr == nil {
				logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
				return db
			} else {
				err = pingErr
				db.Close()
			}
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)
	}

	logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	return nil
}

// selectPushProvider picks the provider from PUSH_PROVIDER. Production
// requires a real provider; development defaults to the mock.
func selectPushProvider(productionMode bool) push.Provider {
	providerType := env.GetString("PUSH_PROVIDER", "mock")

	switch providerType {
	case "fcm":
		provider, err := push.NewFCMProvider(&push.FCMConfig{
			CredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
			ProjectID:       env.GetStringFromFile("FCM_PROJECT_ID", ""),
		})
		if err != nil {
			if productionMode {
				logger.Fatal("Failed to initialize FCM provider", zap.Error(err))
			}
			logger.Warn("FCM provider unavailable, falling back to mock", zap.Error(err))
			return &push.MockProvider{}
		}
		return provider

	case "apns":
		provider, err := push.NewAPNsProvider(&push.APNsConfig{
			KeyPath:    env.GetString("APNS_KEY_PATH", ""),
			KeyID:      env.GetStringFromFile("APNS_KEY_ID", ""),
			TeamID:     env.GetStringFromFile("APNS_TEAM_ID", ""),
			BundleID:   env.GetString("APNS_BUNDLE_ID", ""),
			Production: productionMode,
		})
		if err != nil {
			if productionMode {
				logger.Fatal("Failed to initialize APNs provider", zap.Error(err))
			}
			logger.Warn("APNs provider unavailable, falling back to mock", zap.Error(err))
			return &push.MockProvider{}
		}
		return provider

	case "mock", "":
		if productionMode {
			logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
		}
		logger.Info("Using mock push provider")
		return &push.MockProvider{}

	default:
		logger.Warn("Unknown PUSH_PROVIDER, falling back to mock",
			zap.String("provider", providerType))
		return &push.MockProvider{}
	}
}
