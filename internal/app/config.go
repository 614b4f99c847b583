package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// StorageDriverMemory хранит данные в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит данные в PostgreSQL.
	StorageDriverPostgres = "postgres"

	// EnvConfigPath — путь к YAML-файлу конфигурации.
	EnvConfigPath = "STOREFRONT_CONFIG"

	envPrefix = "STOREFRONT_"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	StorageDriver       string `yaml:"storage_driver"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate"`
	PostgresMaxConns    int    `yaml:"postgres_max_conns"`

	OutboxPollInterval  time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize     int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts   int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay    time.Duration `yaml:"outbox_retry_delay"`
	OutboxMaxPendingAge time.Duration `yaml:"outbox_max_pending_age"`

	IdempotencyTTL               time.Duration `yaml:"idempotency_ttl"`
	IdempotencyCleanupInterval   time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize  int           `yaml:"idempotency_cleanup_batch_size"`
	IdempotencyProcessingTimeout time.Duration `yaml:"idempotency_processing_timeout"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaOutboxTopic   string   `yaml:"kafka_outbox_topic"`
	KafkaConsumerGroup string   `yaml:"kafka_consumer_group"`
	KafkaMaxRetries    int      `yaml:"kafka_max_retries"`

	ReconcilerEnabled bool   `yaml:"reconciler_enabled"`
	ProcessedStoreDir string `yaml:"processed_store_dir"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,

		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    50 * time.Millisecond,
		OutboxMaxPendingAge: 5 * time.Minute,

		IdempotencyTTL:               24 * time.Hour,
		IdempotencyCleanupInterval:   10 * time.Minute,
		IdempotencyCleanupBatchSize:  500,
		IdempotencyProcessingTimeout: 5 * time.Minute,

		KafkaConsumerGroup: "storefront-stock-reconciler",
		KafkaMaxRetries:    3,

		ReconcilerEnabled: true,
	}
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем YAML-файл, затем переменные окружения.
// Пустой path означает путь из STOREFRONT_CONFIG; если и он пуст, файл не читается.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envBinding struct {
	key   string
	apply func(cfg *Config, value string) error
}

func stringVar(target func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*target(cfg) = value
		return nil
	}
}

func intVar(target func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target(cfg) = parsed
		return nil
	}
}

func boolVar(target func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*target(cfg) = parsed
		return nil
	}
}

func durationVar(target func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*target(cfg) = parsed
		return nil
	}
}

var envBindings = []envBinding{
	{"GRPC_ADDR", stringVar(func(c *Config) *string { return &c.GRPCAddr })},
	{"METRICS_ADDR", stringVar(func(c *Config) *string { return &c.MetricsAddr })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.LogLevel })},
	{"STORAGE_DRIVER", stringVar(func(c *Config) *string { return &c.StorageDriver })},
	{"POSTGRES_DSN", stringVar(func(c *Config) *string { return &c.PostgresDSN })},
	{"POSTGRES_AUTO_MIGRATE", boolVar(func(c *Config) *bool { return &c.PostgresAutoMigrate })},
	{"POSTGRES_MAX_CONNS", intVar(func(c *Config) *int { return &c.PostgresMaxConns })},
	{"OUTBOX_POLL_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.OutboxPollInterval })},
	{"OUTBOX_BATCH_SIZE", intVar(func(c *Config) *int { return &c.OutboxBatchSize })},
	{"OUTBOX_MAX_ATTEMPTS", intVar(func(c *Config) *int { return &c.OutboxMaxAttempts })},
	{"OUTBOX_RETRY_DELAY", durationVar(func(c *Config) *time.Duration { return &c.OutboxRetryDelay })},
	{"OUTBOX_MAX_PENDING_AGE", durationVar(func(c *Config) *time.Duration { return &c.OutboxMaxPendingAge })},
	{"IDEMPOTENCY_TTL", durationVar(func(c *Config) *time.Duration { return &c.IdempotencyTTL })},
	{"IDEMPOTENCY_CLEANUP_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.IdempotencyCleanupInterval })},
	{"IDEMPOTENCY_CLEANUP_BATCH_SIZE", intVar(func(c *Config) *int { return &c.IdempotencyCleanupBatchSize })},
	{"IDEMPOTENCY_PROCESSING_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.IdempotencyProcessingTimeout })},
	{"KAFKA_BROKERS", func(c *Config, value string) error {
		c.KafkaBrokers = splitBrokers(value)
		return nil
	}},
	{"KAFKA_OUTBOX_TOPIC", stringVar(func(c *Config) *string { return &c.KafkaOutboxTopic })},
	{"KAFKA_CONSUMER_GROUP", stringVar(func(c *Config) *string { return &c.KafkaConsumerGroup })},
	{"KAFKA_MAX_RETRIES", intVar(func(c *Config) *int { return &c.KafkaMaxRetries })},
	{"RECONCILER_ENABLED", boolVar(func(c *Config) *bool { return &c.ReconcilerEnabled })},
	{"PROCESSED_STORE_DIR", stringVar(func(c *Config) *string { return &c.ProcessedStoreDir })},
}

// applyEnv переопределяет поля из переменных STOREFRONT_*.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, binding := range envBindings {
		key := envPrefix + binding.key
		value, ok := lookup(key)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if err := binding.apply(c, value); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, value, err)
		}
	}
	return nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.GRPCAddr) == "" {
		errs = append(errs, errors.New("grpc_addr is required"))
	}
	if strings.TrimSpace(c.MetricsAddr) == "" {
		errs = append(errs, errors.New("metrics_addr is required"))
	}
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q (use %s|%s)", c.StorageDriver, StorageDriverMemory, StorageDriverPostgres))
	}

	if c.PostgresMaxConns < 0 {
		errs = append(errs, errors.New("postgres_max_conns must be >= 0"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox_batch_size must be > 0"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox_max_attempts must be > 0"))
	}
	if c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency_cleanup_batch_size must be > 0"))
	}
	if c.IdempotencyProcessingTimeout < 0 {
		errs = append(errs, errors.New("idempotency_processing_timeout must be >= 0"))
	}
	if c.KafkaMaxRetries < 0 {
		errs = append(errs, errors.New("kafka_max_retries must be >= 0"))
	}
	if c.kafkaEnabled() && c.ReconcilerEnabled && strings.TrimSpace(c.KafkaConsumerGroup) == "" {
		errs = append(errs, errors.New("kafka_consumer_group is required when reconciler is enabled"))
	}

	return errors.Join(errs...)
}

func (c Config) kafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// splitBrokers разбирает список брокеров через запятую, отбрасывая пустые элементы.
func splitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if broker := strings.TrimSpace(part); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
