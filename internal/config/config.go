// internal/config/config.go

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server налаштування
	Port        string
	Host        string
	Environment string

	// Сховище сповіщень: mongo, sqlite, redis, cassandra
	StoreDriver string

	// MongoDB налаштування
	MongoURI     string
	DatabaseName string
	MongoTimeout int

	// SQLite
	SQLitePath string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cassandra
	CassandraHosts    []string
	CassandraKeyspace string

	// JWT налаштування
	JWTSecret     string
	JWTExpiration int

	// WebSocket
	WSWriteWait      time.Duration
	WSPongWait       time.Duration
	WSMaxMessageSize int64
	WSSendBuffer     int
	PollTimeout      time.Duration

	// Розсилка кільком користувачам
	FanoutConcurrency int

	// CORS
	AllowedOrigins []string

	// Rate limit для handshake
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitDuration time.Duration

	// Kafka (порожній список брокерів вимикає споживача)
	KafkaBrokers []string
	KafkaGroupID string
	KafkaTopic   string

	// Логування
	LogLevel string
	LogFile  string

	// OpenTelemetry
	OTELEndpoint    string
	OTELServiceName string
}

func Load() *Config {
	// Завантажуємо змінні з .env файлу
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Host:        getEnv("HOST", "0.0.0.0"),
		Environment: getEnv("ENV", "development"),

		StoreDriver: getEnv("STORE_DRIVER", "mongo"),

		MongoURI:     getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DatabaseName: getEnv("DATABASE_NAME", "mistica"),
		MongoTimeout: getEnvAsInt("MONGO_TIMEOUT", 10),

		SQLitePath: getEnv("SQLITE_PATH", "notifications.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		CassandraHosts:    getEnvAsSlice("CASS_DB", []string{"127.0.0.1"}),
		CassandraKeyspace: getEnv("CASS_KEYSPACE", "notifications"),

		JWTSecret:     getEnv("JWT_SECRET", "secret"),
		JWTExpiration: getEnvAsInt("JWT_EXPIRATION", 1), // години

		WSWriteWait:      getEnvAsDuration("WS_WRITE_WAIT", 10*time.Second),
		WSPongWait:       getEnvAsDuration("WS_PONG_WAIT", 60*time.Second),
		WSMaxMessageSize: int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 4096)),
		WSSendBuffer:     getEnvAsInt("WS_SEND_BUFFER", 256),
		PollTimeout:      getEnvAsDuration("POLL_TIMEOUT", 25*time.Second),

		FanoutConcurrency: getEnvAsInt("FANOUT_CONCURRENCY", 16),

		AllowedOrigins: getEnvAsSlice("CLIENT_URL", []string{"http://localhost:5174"}),

		RateLimitEnabled:  getEnvAsBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitDuration: getEnvAsDuration("RATE_LIMIT_DURATION", time.Minute),

		KafkaBrokers: getEnvAsSlice("KAFKA_BROKERS", nil),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "notification-service"),
		KafkaTopic:   getEnv("KAFKA_TOPIC_NOTIFICATIONS", "notifications.outbox"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		OTELEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELServiceName: getEnv("OTEL_SERVICE_NAME", "notification-service"),
	}
}

// IsProduction повертає true для production оточення
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// PingPeriod має бути меншим за PongWait, інакше з'єднання закриватиметься по таймауту
func (c *Config) PingPeriod() time.Duration {
	return (c.WSPongWait * 9) / 10
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
