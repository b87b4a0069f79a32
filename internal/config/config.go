package config

import (
	"os"
	"strconv"
	"time"

	"ms-fulfillment/internal/models"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Auth     AuthConfig
	Stripe   StripeConfig
	QR       QRConfig
	Registry RegistryConfig
	Checkin  CheckinConfig
	Transfer TransferConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

type RedisConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers []string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	TicketIssued      string
	TransferInitiated string
	TransferResolved  string
	CheckinRecorded   string
}

type AuthConfig struct {
	OIDCIssuer      string
	IdentityBaseURL string
	ClientID        string
	ClientSecret    string
}

type StripeConfig struct {
	WebhookSecret string
}

type QRConfig struct {
	Secret string
}

type RegistryConfig struct {
	BaseURL string
}

// CheckinConfig is the settings-store input to the check-in engine:
// rate-limit threshold over the trailing window, PII disclosure level for
// scan responses, and whether undo is allowed.
type CheckinConfig struct {
	RateLimitThreshold int
	RateLimitWindow    time.Duration
	PIIDisclosure      models.PIIDisclosure
	UndoAllowed        bool
}

type TransferConfig struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Username:     getEnv("DB_USERNAME", "fulfillment_user"),
			Password:     getEnv("DB_PASSWORD", "fulfillment_pass"),
			Database:     getEnv("DB_NAME", "fulfillment"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Kafka: KafkaConfig{
			Brokers: []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				TicketIssued:      getEnv("KAFKA_TOPIC_TICKET_ISSUED", "ticket-issued"),
				TransferInitiated: getEnv("KAFKA_TOPIC_TRANSFER_INITIATED", "transfer-initiated"),
				TransferResolved:  getEnv("KAFKA_TOPIC_TRANSFER_RESOLVED", "transfer-resolved"),
				CheckinRecorded:   getEnv("KAFKA_TOPIC_CHECKIN_RECORDED", "checkin-recorded"),
			},
		},
		Auth: AuthConfig{
			OIDCIssuer:      getEnv("OIDC_ISSUER", ""),
			IdentityBaseURL: getEnv("IDENTITY_BASE_URL", "http://localhost:8081"),
			ClientID:        getEnv("IDENTITY_CLIENT_ID", "ms-fulfillment"),
			ClientSecret:    getEnv("IDENTITY_CLIENT_SECRET", ""),
		},
		Stripe: StripeConfig{
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		QR: QRConfig{
			Secret: getEnv("QR_SECRET", "fulfillment-dev-secret"),
		},
		Registry: RegistryConfig{
			BaseURL: getEnv("EVENT_REGISTRY_URL", "http://localhost:8082"),
		},
		Checkin: CheckinConfig{
			RateLimitThreshold: getEnvInt("SCAN_RATE_LIMIT_THRESHOLD", 30),
			RateLimitWindow:    time.Duration(getEnvInt("SCAN_RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
			PIIDisclosure:      models.PIIDisclosure(getEnv("SCAN_PII_DISCLOSURE", string(models.PIIMasked))),
			UndoAllowed:        getEnvBool("CHECKIN_UNDO_ALLOWED", true),
		},
		Transfer: TransferConfig{
			DefaultTTL:    getEnvDuration("TRANSFER_DEFAULT_TTL", 72*time.Hour),
			MaxTTL:        getEnvDuration("TRANSFER_MAX_TTL", 30*24*time.Hour),
			SweepInterval: getEnvDuration("TRANSFER_SWEEP_INTERVAL", 10*time.Minute),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
