package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sfusignal/internal/core/services"
	httphandlers "sfusignal/internal/handlers/http"
	"sfusignal/internal/infrastructure/distributed"
	"sfusignal/internal/infrastructure/mediaengine/loopback"
	"sfusignal/internal/infrastructure/middleware"
	"sfusignal/internal/infrastructure/monitoring"
	"sfusignal/internal/infrastructure/reliability"
	sig "sfusignal/internal/infrastructure/signal"
	"sfusignal/pkg/circuitbreaker"
	"sfusignal/pkg/config"
	"sfusignal/pkg/logger"
	"sfusignal/pkg/retry"
	"sfusignal/pkg/tracing"
	"sfusignal/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	startTime := time.Now()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	configPath := findConfig()
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.New("info", "json").Sugar().Fatalw("failed to load configuration", "path", configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	ctxLogger := logger.NewContextLogger(zapLogger)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	health := monitoring.NewHealthChecker()

	breakerConfig := circuitbreaker.Config{
		FailureThreshold:    cfg.Reliability.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    cfg.Reliability.CircuitBreaker.SuccessThreshold,
		Timeout:             cfg.Reliability.CircuitBreaker.Timeout,
		MaxRequestsHalfOpen: cfg.Reliability.CircuitBreaker.MaxRequestsHalfOpen,
	}
	newBreaker := func(name string) *circuitbreaker.CircuitBreaker {
		cb := circuitbreaker.New(name, breakerConfig)
		cb.OnStateChange(func(name string, from, to circuitbreaker.State) {
			log.Infow("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			collector.BreakerStateChanged(name, from, to)
		})
		return cb
	}

	// Media engine and the single shared router.
	engine, err := loopback.New(engineConfig(cfg), log.Named("engine"))
	if err != nil {
		log.Fatalw("failed to start media engine", "error", err)
	}
	rawRouter, err := engine.CreateRouter(rootCtx, routerCodecs(cfg))
	if err != nil {
		log.Fatalw("failed to create router", "error", err)
	}
	router := reliability.NewRouterGuard(rawRouter, newBreaker("engine"), log)
	health.AddBreakerCheck(router.Breaker())

	capabilities, err := services.NewCapabilities(router)
	if err != nil {
		log.Fatalw("failed to encode router capabilities", "error", err)
	}
	log.Infow("router ready", "router_id", router.ID(), "codecs", len(capabilities.Value().Codecs))

	registry := services.NewSessionRegistry(services.WithRegistryLogger(log.Named("registry")))
	collector.WatchSessions(registry)

	var authService services.AuthService
	serverOpts := []sig.ServerOption{sig.WithMetrics(collector)}
	if cfg.Auth.Enabled || cfg.Auth.AllowTokenIssue {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	}
	if cfg.Auth.Enabled {
		serverOpts = append(serverOpts, sig.WithAuthenticator(authService))
	}
	wsServer := sig.NewWebSocketServer(router, registry, capabilities, sig.OptionsFromConfig(cfg), log.Named("signal"), serverOpts...)

	sinks := services.EventFanout{wsServer}

	// Optional cluster event bus.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(rootCtx, distributed.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		health.AddRedisCheck(redisClient, 2*time.Second)

		instanceID := utils.GenerateID("sfusignal")
		bus := distributed.NewEventBus(redisClient, instanceID, cfg.Redis.Channel, log.Named("bus"))
		publisher := reliability.NewEventPublisher(bus, 1024, retry.Config{
			Enabled:      cfg.Reliability.Retry.Enabled,
			MaxAttempts:  cfg.Reliability.Retry.MaxAttempts,
			InitialDelay: cfg.Reliability.Retry.InitialDelay,
			MaxDelay:     cfg.Reliability.Retry.MaxDelay,
			Multiplier:   cfg.Reliability.Retry.Multiplier,
			Jitter:       true,
		}, newBreaker("event_bus"), collector, log.Named("publisher"))
		sinks = append(sinks, publisher)

		go publisher.Run(rootCtx)
		go func() {
			err := bus.Subscribe(rootCtx, func(env distributed.Envelope) {
				log.Debugw("remote session event",
					"instance_id", env.InstanceID,
					"type", env.Event.Type,
					"room_id", env.Event.RoomID,
				)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("event bus subscription ended", "error", err)
			}
		}()
		log.Infow("cluster event bus enabled", "instance_id", instanceID, "channel", cfg.Redis.Channel)
	}
	registry.SetEventSink(sinks)

	health.AddCheck("router", func(ctx context.Context) error {
		if len(router.Capabilities().Codecs) == 0 {
			return errors.New("router has no codecs")
		}
		return nil
	}, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engineHTTP := gin.New()
	engineHTTP.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(ctxLogger),
		middleware.ErrorHandlerMiddleware(log),
		middleware.CORSMiddleware(cfg),
	)

	engineHTTP.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Welcome to the sfusignal signaling server"})
	})
	engineHTTP.GET(cfg.Signal.Path, middleware.NewWebSocketConnectionLimiter(cfg), gin.WrapF(wsServer.HandleWebSocket))

	api := engineHTTP.Group("/api/v1", middleware.NewHTTPRateLimitMiddleware(cfg))
	api.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "API is working"})
	})
	if authService != nil {
		httphandlers.NewAuthHandler(authService, cfg.Auth.AllowTokenIssue).SetupRoutes(api)
	}
	roomHandler := httphandlers.NewRoomHandler(registry, capabilities)
	if cfg.Auth.Enabled {
		roomHandler.SetupRoutes(api.Group("", middleware.AuthMiddleware(authService)), middleware.RoomAccessMiddleware(authService))
	} else {
		roomHandler.SetupRoutes(api)
	}

	engineHTTP.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now(),
			"uptime":      utils.FormatDuration(time.Since(startTime)),
			"connections": wsServer.ConnectionCount(),
			"rtc_ports":   engine.PortsInUse(),
		})
	})
	engineHTTP.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		engineHTTP.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     engineHTTP,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server", "address", cfg.Server.Address, "ws_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case s := <-sigChan:
		log.Infow("received shutdown signal", "signal", s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing signaling connections", "error", err)
	}
	stop()

	if err := router.Close(); err != nil {
		log.Errorw("error closing router", "error", err)
	}
	if err := engine.Close(); err != nil {
		log.Errorw("error closing media engine", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("error closing redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Infow("signaling server stopped", "uptime", utils.FormatDuration(time.Since(startTime)))
}

// findConfig returns the first config file that exists, or the default path
// when none does (Load then falls back to built-in defaults).
func findConfig() string {
	if path := os.Getenv("SFUSIGNAL_CONFIG"); path != "" {
		return path
	}
	paths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/sfusignal/config.yaml",
		"config.yaml",
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return paths[0]
}
