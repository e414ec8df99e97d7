// cmd/server/main.go - Mistica Notification Service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mistica-notifications/internal/config"
	"mistica-notifications/internal/database"
	"mistica-notifications/internal/handlers"
	"mistica-notifications/internal/ingest"
	"mistica-notifications/internal/logging"
	"mistica-notifications/internal/metrics"
	"mistica-notifications/internal/middleware"
	"mistica-notifications/internal/realtime"
	"mistica-notifications/internal/services"
	"mistica-notifications/internal/store"
	"mistica-notifications/internal/telemetry"
	"mistica-notifications/pkg/auth"
	"mistica-notifications/pkg/validator"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// Версія застосунку, підставляється через -ldflags
	appVersion = "1.0.0"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	cfg := config.Load()

	logger := logging.New(cfg)
	log := logging.Component(logger, "server")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	printStartupInfo(cfg, log)

	shutdownTracing, err := telemetry.Init(context.Background(), cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize tracing")
	}

	st, checks, err := openStore(cfg, logging.Component(logger, "store"))
	if err != nil {
		log.WithError(err).Fatal("Failed to open notification store")
	}

	validator.Init()

	m := metrics.New()
	hub := realtime.NewHub(st, m, logging.Component(logger, "hub"), realtime.HubOptions{
		FanoutConcurrency: cfg.FanoutConcurrency,
	})
	notificationService := services.NewNotificationService(st, hub, logging.Component(logger, "notifications"))

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, time.Duration(cfg.JWTExpiration)*time.Hour)

	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitDuration)
		defer limiter.Stop()
	}

	router := handlers.SetupRouter(handlers.RouterDeps{
		Config:      cfg,
		JWTManager:  jwtManager,
		Metrics:     m,
		RateLimiter: limiter,
		WebSocket: handlers.NewWebSocketHandler(hub, realtime.NewAuthenticator(jwtManager), m, handlers.WebSocketOptions{
			Client: realtime.ClientConfig{
				WriteWait:      cfg.WSWriteWait,
				PongWait:       cfg.WSPongWait,
				PingPeriod:     cfg.PingPeriod(),
				MaxMessageSize: cfg.WSMaxMessageSize,
				SendBuffer:     cfg.WSSendBuffer,
			},
			PollTimeout:    cfg.PollTimeout,
			AllowedOrigins: cfg.AllowedOrigins,
		}, logging.Component(logger, "websocket")),
		Notifications: handlers.NewNotificationHandler(notificationService, logging.Component(logger, "api")),
		Health:        handlers.NewHealthHandler(hub.Registry(), appVersion, checks),
		Log:           logging.Component(logger, "http"),
	})

	// Споживач Kafka вмикається лише за наявності брокерів
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	var consumer *ingest.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		ingestLog := logging.Component(logger, "ingest")
		consumer = ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopic,
			ingest.NewHandler(notificationService, m, ingestLog), ingestLog)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(consumerCtx); err != nil {
				ingestLog.WithError(err).Error("Kafka consumer stopped")
			}
		}()
	} else {
		close(consumerDone)
		log.Info("Kafka brokers not configured, ingest disabled")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:           otelhttp.NewHandler(router, cfg.OTELServiceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// long poll тримає відповідь до PollTimeout
		WriteTimeout:   cfg.PollTimeout + 15*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":      srv.Addr,
			"websocket": fmt.Sprintf("ws://%s:%s/ws", cfg.Host, cfg.Port),
		}).Info("Notification service starting")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopConsumer()
	<-consumerDone
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.WithError(err).Warn("Failed to close Kafka consumer")
		}
	}

	// websocket з'єднання hijacked, srv.Shutdown їх не закриває
	hub.Shutdown()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	if err := st.Close(ctx); err != nil {
		log.WithError(err).Warn("Failed to close notification store")
	}
	if mongo, ok := checks["mongodb"].(*database.MongoDB); ok {
		if err := mongo.Close(); err != nil {
			log.WithError(err).Warn("Failed to disconnect from MongoDB")
		}
	}

	if err := shutdownTracing(ctx); err != nil {
		log.WithError(err).Warn("Failed to flush traces")
	}

	log.Info("Notification service exited")
}

// openStore відкриває сховище за STORE_DRIVER і повертає readiness перевірки для нього
func openStore(cfg *config.Config, log *logrus.Entry) (store.NotificationStore, map[string]handlers.Pinger, error) {
	switch cfg.StoreDriver {
	case store.DriverMongo:
		db, err := database.NewMongoDB(cfg, log)
		if err != nil {
			return nil, nil, err
		}

		st := store.NewMongoStore(db.Database)
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.MongoTimeout)*time.Second)
		defer cancel()
		if err := st.EnsureIndexes(ctx); err != nil {
			log.WithError(err).Warn("Failed to create notification indexes")
		}
		return st, map[string]handlers.Pinger{"mongodb": db}, nil

	case store.DriverSQLite:
		st, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("path", cfg.SQLitePath).Info("Using SQLite notification store")
		return st, map[string]handlers.Pinger{"sqlite": st}, nil

	case store.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		st := store.NewRedisStore(rdb)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to ping Redis: %w", err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("Using Redis notification store")
		return st, map[string]handlers.Pinger{"redis": st}, nil

	case store.DriverCassandra:
		st, err := store.NewCassandraStore(cfg.CassandraHosts, cfg.CassandraKeyspace)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("hosts", cfg.CassandraHosts).Info("Using Cassandra notification store")
		return st, map[string]handlers.Pinger{"cassandra": st}, nil

	default:
		return nil, nil, store.ErrUnknownDriver{Driver: cfg.StoreDriver}
	}
}

func printStartupInfo(cfg *config.Config, log *logrus.Entry) {
	log.WithFields(logrus.Fields{
		"version":     appVersion,
		"build":       buildTime,
		"commit":      gitCommit,
		"environment": cfg.Environment,
		"store":       cfg.StoreDriver,
		"origins":     cfg.AllowedOrigins,
		"rate_limit":  cfg.RateLimitEnabled,
		"kafka":       len(cfg.KafkaBrokers) > 0,
		"tracing":     cfg.OTELEndpoint != "",
	}).Info("Mistica Notification Service")
}
