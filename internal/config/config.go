package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"SERVER_PORT"`
	DBSource    string `mapstructure:"DB_SOURCE"`
	Env         string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`

	LockBackend string        `mapstructure:"LOCK_BACKEND"`
	RedisURL    string        `mapstructure:"REDIS_URL"`
	LockTimeout time.Duration `mapstructure:"LOCK_TIMEOUT"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	AuditExchange  string `mapstructure:"AUDIT_EXCHANGE"`
	AuditQueueSize int    `mapstructure:"AUDIT_QUEUE_SIZE"`

	TransactionTTL    time.Duration `mapstructure:"TRANSACTION_TTL"`
	StuckCutoff       time.Duration `mapstructure:"STUCK_CUTOFF"`
	SweepSchedule     string        `mapstructure:"SWEEP_SCHEDULE"`
	SweepBatchSize    int           `mapstructure:"SWEEP_BATCH_SIZE"`
	DuplicateWindow   time.Duration `mapstructure:"DUPLICATE_WINDOW"`
	GatewayMaxRetries int           `mapstructure:"GATEWAY_MAX_RETRIES"`
	GatewayStatusURL  string        `mapstructure:"GATEWAY_STATUS_URL"`

	// Warnings lists settings that were invalid and replaced by defaults.
	Warnings []string `mapstructure:"-"`
}

var defaults = map[string]any{
	"SERVER_PORT":         "8080",
	"ENVIRONMENT":         "development",
	"LOG_LEVEL":           "",
	"STORE_DRIVER":        "memory",
	"LOCK_BACKEND":        "memory",
	"LOCK_TIMEOUT":        5 * time.Second,
	"AUDIT_EXCHANGE":      "ledger.audit",
	"AUDIT_QUEUE_SIZE":    1024,
	"TRANSACTION_TTL":     30 * time.Minute,
	"STUCK_CUTOFF":        15 * time.Minute,
	"SWEEP_SCHEDULE":      "@every 1m",
	"SWEEP_BATCH_SIZE":    100,
	"DUPLICATE_WINDOW":    5 * time.Minute,
	"GATEWAY_MAX_RETRIES": 3,
}

var unset = []string{"DB_SOURCE", "REDIS_URL", "RABBITMQ_URL", "GATEWAY_STATUS_URL"}

// LoadConfig reads path/.env when present and lets environment variables
// override it.
func LoadConfig(path string) (*Config, error) {
	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	viper.AutomaticEnv()
	for key := range defaults {
		_ = viper.BindEnv(key)
	}
	for _, key := range unset {
		_ = viper.BindEnv(key)
	}

	if path != "" {
		viper.SetConfigFile(filepath.Join(path, ".env"))
		viper.SetConfigType("env")
		if err := viper.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.LockBackend = strings.ToLower(cfg.LockBackend)
	cfg.coerce()

	switch cfg.StoreDriver {
	case "memory":
	case "postgres":
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required for the postgres store")
		}
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be memory or postgres, got %q", cfg.StoreDriver)
	}

	switch cfg.LockBackend {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL environment variable is required for the redis lock backend")
		}
	default:
		return nil, fmt.Errorf("LOCK_BACKEND must be memory or redis, got %q", cfg.LockBackend)
	}

	return &cfg, nil
}

func (c *Config) coerce() {
	durations := []struct {
		key string
		val *time.Duration
	}{
		{"LOCK_TIMEOUT", &c.LockTimeout},
		{"TRANSACTION_TTL", &c.TransactionTTL},
		{"STUCK_CUTOFF", &c.StuckCutoff},
		{"DUPLICATE_WINDOW", &c.DuplicateWindow},
	}
	for _, d := range durations {
		if *d.val <= 0 {
			*d.val = defaults[d.key].(time.Duration)
			c.Warnings = append(c.Warnings, fmt.Sprintf("%s must be positive, using %s", d.key, *d.val))
		}
	}

	ints := []struct {
		key string
		val *int
	}{
		{"AUDIT_QUEUE_SIZE", &c.AuditQueueSize},
		{"SWEEP_BATCH_SIZE", &c.SweepBatchSize},
		{"GATEWAY_MAX_RETRIES", &c.GatewayMaxRetries},
	}
	for _, n := range ints {
		if *n.val <= 0 {
			*n.val = defaults[n.key].(int)
			c.Warnings = append(c.Warnings, fmt.Sprintf("%s must be positive, using %d", n.key, *n.val))
		}
	}

	if c.StuckCutoff >= c.TransactionTTL {
		c.Warnings = append(c.Warnings, fmt.Sprintf("STUCK_CUTOFF %s is not shorter than TRANSACTION_TTL %s; stuck transactions will expire before they are re-queried", c.StuckCutoff, c.TransactionTTL))
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		c.SweepSchedule = defaults["SWEEP_SCHEDULE"].(string)
		c.Warnings = append(c.Warnings, "SWEEP_SCHEDULE is empty, using "+c.SweepSchedule)
	}
}
