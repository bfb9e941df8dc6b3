package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	HTTP     ServerConfig
	MySQL    MySQLConfig
	Log      LogConfig
	Stripe   StripeConfig
	Xendit   XenditConfig
	Kafka    KafkaConfig
	Payments PaymentsConfig
	Jobs     JobsConfig
}

type AppConfig struct {
	ServiceName string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type XenditConfig struct {
	APIKey        string
	CallbackToken string
	HTTPTimeout   time.Duration
}

type KafkaConfig struct {
	Brokers     []string
	StatusTopic string
}

type PaymentsConfig struct {
	PendingTimeout      time.Duration
	ReconcileStaleAfter time.Duration
	VoucherValidity     time.Duration
	StorageTimeout      time.Duration
	JobBatchSize        int32
}

type JobsConfig struct {
	ExpirePendingInterval time.Duration
	IssueVouchersInterval time.Duration
	ReconcileInterval     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "billing-service"),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Stripe: StripeConfig{
			SecretKey:                 getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:             getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SignatureToleranceSeconds: int64(getIntEnv("STRIPE_SIGNATURE_TOLERANCE_SECONDS", 300)),
			HTTPTimeout:               getSecondsEnv("STRIPE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Xendit: XenditConfig{
			APIKey:        getEnv("XENDIT_API_KEY", ""),
			CallbackToken: getEnv("XENDIT_CALLBACK_TOKEN", ""),
			HTTPTimeout:   getSecondsEnv("XENDIT_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:     getListEnv("KAFKA_BROKERS"),
			StatusTopic: getEnv("KAFKA_STATUS_TOPIC", "billing.transaction.status"),
		},
		Payments: PaymentsConfig{
			PendingTimeout:      getMinutesEnv("BILLING_PENDING_TIMEOUT_MINUTES", 60*time.Minute),
			ReconcileStaleAfter: getMinutesEnv("BILLING_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			VoucherValidity:     getMinutesEnv("BILLING_VOUCHER_VALIDITY_MINUTES", 365*24*time.Hour),
			StorageTimeout:      getSecondsEnv("BILLING_STORAGE_TIMEOUT_SECONDS", 5*time.Second),
			JobBatchSize:        int32(getIntEnv("BILLING_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ExpirePendingInterval: getMinutesEnv("BILLING_EXPIRE_PENDING_INTERVAL_MINUTES", 5*time.Minute),
			IssueVouchersInterval: getMinutesEnv("BILLING_ISSUE_VOUCHERS_INTERVAL_MINUTES", time.Minute),
			ReconcileInterval:     getMinutesEnv("BILLING_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
