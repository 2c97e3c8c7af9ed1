package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/messaging/kafka"
)

const envPrefix = "RETAIL"

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config описывает настройки запуска storefront. Значения читаются из переменных RETAIL_*.
type Config struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR"`
	GRPCAddr    string `envconfig:"GRPC_ADDR"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
	Environment string `envconfig:"ENV"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	StorageDriver       string `envconfig:"STORAGE"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE"`

	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB"`
	CartSessionTTL time.Duration `envconfig:"CART_SESSION_TTL"`

	// KafkaBrokers - список через запятую; пусто означает работу без брокера.
	KafkaBrokers  string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string `envconfig:"KAFKA_TOPIC"`
	KafkaDLQTopic string `envconfig:"KAFKA_DLQ_TOPIC"`
	KafkaClientID string `envconfig:"KAFKA_CLIENT_ID"`
	// KafkaCompression: none, gzip, snappy, lz4 или zstd.
	KafkaCompression string `envconfig:"KAFKA_COMPRESSION"`

	JWTSecret           string        `envconfig:"JWT_SECRET"`
	JWTIssuer           string        `envconfig:"JWT_ISSUER"`
	StripeSecretKey     string        `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	GatewayTimeout      time.Duration `envconfig:"GATEWAY_TIMEOUT"`
	BreakerMaxFailures  int           `envconfig:"BREAKER_MAX_FAILURES"`
	BreakerResetTimeout time.Duration `envconfig:"BREAKER_RESET_TIMEOUT"`

	Currency      string `envconfig:"CURRENCY"`
	TaxRate       string `envconfig:"TAX_RATE"`
	MaxQtyPerLine int64  `envconfig:"MAX_QTY_PER_LINE"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY"`

	IdempotencyTTL              time.Duration `envconfig:"IDEMPOTENCY_TTL"`
	IdempotencyCleanupInterval  time.Duration `envconfig:"IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `envconfig:"IDEMPOTENCY_CLEANUP_BATCH_SIZE"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST"`
	CORSOrigins    string  `envconfig:"CORS_ORIGINS"`
	MaxBodyBytes   int64   `envconfig:"MAX_BODY_BYTES"`
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		Environment: EnvDevelopment,
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		CartSessionTTL: 72 * time.Hour,

		KafkaTopic:    "retail.events",
		KafkaDLQTopic: "retail.dlq",
		KafkaClientID: "retailcore",

		KafkaCompression: "snappy",

		JWTIssuer:           "retailcore",
		GatewayTimeout:      10 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,

		Currency:      "USD",
		TaxRate:       "0",
		MaxQtyPerLine: 10,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		RateLimitRPS:   20,
		RateLimitBurst: 40,
		CORSOrigins:    "*",
		MaxBodyBytes:   1 << 20,
	}
}

// LoadConfig читает необязательный .env, затем переменные окружения поверх значений по умолчанию.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("RETAIL_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if !c.development() {
		if strings.TrimSpace(c.JWTSecret) == "" {
			errs = append(errs, errors.New("RETAIL_JWT_SECRET is required outside development"))
		}
		if strings.TrimSpace(c.StripeWebhookSecret) == "" {
			errs = append(errs, errors.New("RETAIL_STRIPE_WEBHOOK_SECRET is required outside development"))
		}
	}

	if _, err := c.taxRate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		errs = append(errs, fmt.Errorf("currency must be a 3-letter code, got %q", c.Currency))
	}
	if c.MaxQtyPerLine <= 0 {
		errs = append(errs, errors.New("max qty per line must be > 0"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if c.KafkaTopic == c.KafkaDLQTopic {
		errs = append(errs, errors.New("kafka topic and dlq topic must differ"))
	}
	if _, err := kafka.ParseCompression(c.KafkaCompression); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c Config) development() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "" || env == EnvDevelopment || env == "dev" || env == "test"
}

func (c Config) taxRate() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.TaxRate)
	if raw == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid tax rate %q: %w", c.TaxRate, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("tax rate must be in [0, 1), got %s", rate)
	}
	return rate, nil
}

func (c Config) kafkaBrokers() []string { return splitList(c.KafkaBrokers) }

func (c Config) kafkaProducer() (kafka.ProducerConfig, error) {
	codec, err := kafka.ParseCompression(c.KafkaCompression)
	if err != nil {
		return kafka.ProducerConfig{}, err
	}
	return kafka.ProducerConfig{
		Brokers:     c.kafkaBrokers(),
		ClientID:    c.KafkaClientID,
		Compression: codec,
	}, nil
}

func (c Config) corsOrigins() []string { return splitList(c.CORSOrigins) }

func splitList(raw string) []string {
	chunks := strings.Split(raw, ",")
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if item := strings.TrimSpace(chunk); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ConfigureLogging настраивает глобальный logrus.
func ConfigureLogging(cfg Config) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
