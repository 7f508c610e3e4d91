// Package config loads application configuration from an optional
// config.yaml, a .env file and DEXOHLC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. DEXOHLC_NODE_WS_URL.
const EnvPrefix = "DEXOHLC"

// DefaultSwapTopic is keccak256("Swap(address,uint256,uint256,uint256,uint256,address)").
const DefaultSwapTopic = "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"

// Config holds all application configuration.
type Config struct {
	Service   string `mapstructure:"service" validate:"required"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogPretty bool   `mapstructure:"log_pretty"`

	// Upstream node
	NodeWSURL            string        `mapstructure:"node_ws_url" validate:"required,url"`
	NodeRPCURL           string        `mapstructure:"node_rpc_url" validate:"required,url"`
	Pools                []string      `mapstructure:"pools" validate:"dive,eth_addr"`
	SwapTopic            string        `mapstructure:"swap_topic" validate:"required,len=66,startswith=0x"`
	DedupCapacity        int           `mapstructure:"dedup_capacity" validate:"min=1"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay" validate:"gtefield=ReconnectBaseDelay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"min=1"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	FallbackPricing      bool          `mapstructure:"fallback_pricing"`

	// Candles
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	StoreBackend  string        `mapstructure:"store_backend" validate:"oneof=sqlite clickhouse"`
	SQLitePath    string        `mapstructure:"sqlite_path" validate:"required_if=StoreBackend sqlite"`

	ClickHouseAddr     string        `mapstructure:"clickhouse_addr" validate:"required_if=StoreBackend clickhouse"`
	ClickHouseDatabase string        `mapstructure:"clickhouse_database"`
	ClickHouseUsername string        `mapstructure:"clickhouse_username"`
	ClickHousePassword string        `mapstructure:"clickhouse_password"`
	ClickHouseTimeout  time.Duration `mapstructure:"clickhouse_timeout"`

	// Downstream queue
	QueueSize          int           `mapstructure:"queue_size" validate:"min=1"`
	QueueBatchSize     int           `mapstructure:"queue_batch_size" validate:"min=1"`
	QueueFlushInterval time.Duration `mapstructure:"queue_flush_interval" validate:"gt=0"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Redis breaker: opens after RedisMaxFailures consecutive errors, probes
	// again after RedisResetTimeout. Bars are buffered locally while open.
	RedisMaxFailures  int           `mapstructure:"redis_max_failures" validate:"min=1"`
	RedisResetTimeout time.Duration `mapstructure:"redis_reset_timeout" validate:"gt=0"`
	RedisBufferSize   int           `mapstructure:"redis_buffer_size" validate:"min=1"`
	RedisStreamMaxLen int64         `mapstructure:"redis_stream_maxlen" validate:"min=0"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic" validate:"required_with=KafkaBrokers"`

	// Surfaces
	HTTPAddr              string        `mapstructure:"http_addr" validate:"required"`
	MetricsAddr           string        `mapstructure:"metrics_addr" validate:"required"`
	AdminTOTPSecret       string        `mapstructure:"admin_totp_secret"`
	AlertWebhookURL       string        `mapstructure:"alert_webhook_url" validate:"omitempty,url"`
	TelegramBotToken      string        `mapstructure:"telegram_bot_token"`
	TelegramChatID        string        `mapstructure:"telegram_chat_id" validate:"required_with=TelegramBotToken"`
	IngestionRestartDelay time.Duration `mapstructure:"ingestion_restart_delay"`
}

// ConfigurationError is a fatal startup error: the process cannot run with
// the given configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "dexohlc")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)

	v.SetDefault("node_ws_url", "ws://localhost:8546")
	v.SetDefault("node_rpc_url", "http://localhost:8545")
	v.SetDefault("pools", []string{})
	v.SetDefault("swap_topic", DefaultSwapTopic)
	v.SetDefault("dedup_capacity", 1000)
	v.SetDefault("reconnect_base_delay", time.Second)
	v.SetDefault("reconnect_max_delay", time.Minute)
	v.SetDefault("max_reconnect_attempts", 10)
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("fallback_pricing", false)

	v.SetDefault("flush_interval", 10*time.Second)
	v.SetDefault("store_backend", "sqlite")
	v.SetDefault("sqlite_path", "data/candles.db")
	v.SetDefault("clickhouse_addr", "")
	v.SetDefault("clickhouse_database", "default")
	v.SetDefault("clickhouse_username", "default")
	v.SetDefault("clickhouse_password", "")
	v.SetDefault("clickhouse_timeout", 10*time.Second)

	v.SetDefault("queue_size", 10000)
	v.SetDefault("queue_batch_size", 100)
	v.SetDefault("queue_flush_interval", time.Second)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_max_failures", 5)
	v.SetDefault("redis_reset_timeout", 30*time.Second)
	v.SetDefault("redis_buffer_size", 10000)
	v.SetDefault("redis_stream_maxlen", 100000)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "")

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("admin_totp_secret", "")
	v.SetDefault("alert_webhook_url", "")
	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("telegram_chat_id", "")
	v.SetDefault("ingestion_restart_delay", time.Second)
}

// Load reads configuration. dir is searched for config.yaml (optional);
// a .env file in the working directory is loaded if present. Environment
// variables override file values.
func Load(dir string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir != "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read %s: %w", dir, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Pools = splitList(cfg.Pools)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and returns a *ConfigurationError.
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return &ConfigurationError{Field: "pools", Reason: "no monitored pools configured"}
	}
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q validation (value %v)", fe.Tag(), fe.Value())}
		}
		return &ConfigurationError{Field: "config", Reason: err.Error()}
	}
	return nil
}

// PoolAddresses returns the monitored pools as checksummed addresses.
func (c *Config) PoolAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Pools))
	for _, p := range c.Pools {
		out = append(out, common.HexToAddress(p))
	}
	return out
}

// Topic returns the Swap event signature hash.
func (c *Config) Topic() common.Hash {
	return common.HexToHash(c.SwapTopic)
}

// splitList normalises list values that may arrive as one comma-separated
// element when set through a single environment variable.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
