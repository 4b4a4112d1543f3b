package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	streamerrors "wallet-stream/pkg/errors"
	"wallet-stream/pkg/utils"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Tezos      TezosConfig      `mapstructure:"tezos"`
	EVM        EVMConfig        `mapstructure:"evm"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Watch      WatchConfig      `mapstructure:"watch"`
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

// TezosConfig represents the TzKT streaming endpoint configuration
type TezosConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	WSURL             string `mapstructure:"ws_url"`
	Network           string `mapstructure:"network"`
	SubscribeAccounts bool   `mapstructure:"subscribe_accounts"`
}

// EVMConfig represents EVM network configuration
type EVMConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	WSURL          string        `mapstructure:"ws_url"`
	Network        string        `mapstructure:"network"`
	ChainID        int64         `mapstructure:"chain_id"`
	TokenContracts []string      `mapstructure:"token_contracts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RefreshBalance bool          `mapstructure:"refresh_balance"`
}

// MongoDBConfig represents MongoDB configuration
type MongoDBConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxPoolSize    uint64        `mapstructure:"max_pool_size"`
}

// NATSConfig represents NATS JetStream configuration
type NATSConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	URL                string        `mapstructure:"url"`
	StreamName         string        `mapstructure:"stream_name"`
	SubjectPrefix      string        `mapstructure:"subject_prefix"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	MaxPendingMessages int           `mapstructure:"max_pending_messages"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MetricsRetention    time.Duration `mapstructure:"metrics_retention"`
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, streamerrors.NewConfigurationError("failed to load .env", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, streamerrors.NewConfigurationError("failed to decode configuration", err)
	}

	// Comma separated env values arrive as a single element
	config.Watch.Accounts = splitList(config.Watch.Accounts)
	config.Watch.Assets = splitList(config.Watch.Assets)
	config.EVM.TokenContracts = splitList(config.EVM.TokenContracts)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks cross-field constraints viper cannot express
func (c *Config) Validate() error {
	if c.Tezos.Enabled && c.Tezos.WSURL == "" {
		return streamerrors.NewConfigurationError("tezos.ws_url is required when tezos is enabled", nil)
	}
	if c.EVM.Enabled && c.EVM.WSURL == "" {
		return streamerrors.NewConfigurationError("evm.ws_url is required when evm is enabled", nil)
	}
	if c.Connection.RetryDelay < 0 || c.Connection.RetryMaxDelay < 0 {
		return streamerrors.NewConfigurationError("connection retry delays must not be negative", nil)
	}
	if c.Connection.RetryMaxAttempts < 0 {
		return streamerrors.NewConfigurationError("connection.retry_max_attempts must not be negative", nil)
	}
	if c.Connection.RetryBackoffFactor != 0 && c.Connection.RetryBackoffFactor < 1 {
		return streamerrors.NewConfigurationError("connection.retry_backoff_factor must be >= 1", nil)
	}
	for _, account := range c.Watch.Accounts {
		if !utils.ValidateAddress(account) {
			return streamerrors.NewValidationError(fmt.Sprintf("invalid watched account %q", account), nil)
		}
	}
	for _, contract := range c.EVM.TokenContracts {
		if !utils.ValidateEVMAddress(contract) {
			return streamerrors.NewValidationError(fmt.Sprintf("invalid token contract %q", contract), nil)
		}
	}
	return nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")

	// Tezos defaults
	v.SetDefault("tezos.enabled", true)
	v.SetDefault("tezos.ws_url", "wss://api.tzkt.io/v1/ws")
	v.SetDefault("tezos.network", "mainnet")
	v.SetDefault("tezos.subscribe_accounts", false)

	// EVM defaults
	v.SetDefault("evm.enabled", false)
	v.SetDefault("evm.network", "ethereum")
	v.SetDefault("evm.chain_id", 1)
	v.SetDefault("evm.token_contracts", []string{})
	v.SetDefault("evm.request_timeout", "30s")
	v.SetDefault("evm.refresh_balance", true)

	// Connection defaults
	v.SetDefault("connection.retry_delay", "1s")
	v.SetDefault("connection.retry_max_attempts", 0)
	v.SetDefault("connection.retry_backoff_factor", 1.0)
	v.SetDefault("connection.retry_max_delay", "1m")
	v.SetDefault("connection.handshake_timeout", "30s")
	v.SetDefault("connection.ping_interval", "15s")
	v.SetDefault("connection.read_timeout", "60s")
	v.SetDefault("connection.write_timeout", "10s")
	v.SetDefault("connection.stop_on_last_release", true)

	// Watch defaults
	v.SetDefault("watch.accounts", []string{})
	v.SetDefault("watch.assets", []string{})
	v.SetDefault("watch.buffer_size", 1000)
	v.SetDefault("watch.batch_size", 100)
	v.SetDefault("watch.flush_interval", "5s")

	// MongoDB defaults
	v.SetDefault("mongodb.enabled", true)
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "wallet_stream")
	v.SetDefault("mongodb.connect_timeout", "10s")
	v.SetDefault("mongodb.max_pool_size", 50)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream_name", "WALLET_EVENTS")
	v.SetDefault("nats.subject_prefix", "wallet")
	v.SetDefault("nats.connect_timeout", "10s")
	v.SetDefault("nats.reconnect_attempts", 5)
	v.SetDefault("nats.reconnect_delay", "2s")
	v.SetDefault("nats.max_pending_messages", 1000)

	// Monitoring defaults
	v.SetDefault("monitoring.metrics_enabled", true)
	v.SetDefault("monitoring.health_check_interval", "30s")
	v.SetDefault("monitoring.metrics_retention", "168h")
}

func bindEnvVars(v *viper.Viper) {
	// App
	v.BindEnv("app.env", "APP_ENV")
	v.BindEnv("app.log_level", "LOG_LEVEL")

	// Tezos
	v.BindEnv("tezos.enabled", "TEZOS_ENABLED")
	v.BindEnv("tezos.ws_url", "TZKT_WS_URL")
	v.BindEnv("tezos.network", "TEZOS_NETWORK")
	v.BindEnv("tezos.subscribe_accounts", "TZKT_SUBSCRIBE_ACCOUNTS")

	// EVM
	v.BindEnv("evm.enabled", "EVM_ENABLED")
	v.BindEnv("evm.rpc_url", "EVM_RPC_URL")
	v.BindEnv("evm.ws_url", "EVM_WS_URL")
	v.BindEnv("evm.network", "EVM_NETWORK")
	v.BindEnv("evm.chain_id", "EVM_CHAIN_ID")
	v.BindEnv("evm.token_contracts", "EVM_TOKEN_CONTRACTS")
	v.BindEnv("evm.request_timeout", "EVM_REQUEST_TIMEOUT")
	v.BindEnv("evm.refresh_balance", "EVM_REFRESH_BALANCE")

	// Connection
	v.BindEnv("connection.retry_delay", "RETRY_DELAY")
	v.BindEnv("connection.retry_max_attempts", "RETRY_MAX_ATTEMPTS")
	v.BindEnv("connection.retry_backoff_factor", "RETRY_BACKOFF_FACTOR")
	v.BindEnv("connection.retry_max_delay", "RETRY_MAX_DELAY")
	v.BindEnv("connection.handshake_timeout", "HANDSHAKE_TIMEOUT")
	v.BindEnv("connection.ping_interval", "PING_INTERVAL")
	v.BindEnv("connection.read_timeout", "READ_TIMEOUT")
	v.BindEnv("connection.write_timeout", "WRITE_TIMEOUT")
	v.BindEnv("connection.stop_on_last_release", "STOP_ON_LAST_RELEASE")

	// Watch
	v.BindEnv("watch.accounts", "WATCH_ACCOUNTS")
	v.BindEnv("watch.assets", "WATCH_ASSETS")
	v.BindEnv("watch.buffer_size", "WATCH_BUFFER_SIZE")
	v.BindEnv("watch.batch_size", "BATCH_SIZE")
	v.BindEnv("watch.flush_interval", "FLUSH_INTERVAL")

	// MongoDB
	v.BindEnv("mongodb.enabled", "MONGO_ENABLED")
	v.BindEnv("mongodb.uri", "MONGO_URI")
	v.BindEnv("mongodb.database", "MONGO_DATABASE")
	v.BindEnv("mongodb.connect_timeout", "MONGO_CONNECT_TIMEOUT")
	v.BindEnv("mongodb.max_pool_size", "MONGO_MAX_POOL_SIZE")

	// NATS
	v.BindEnv("nats.enabled", "NATS_ENABLED")
	v.BindEnv("nats.url", "NATS_URL")
	v.BindEnv("nats.stream_name", "NATS_STREAM_NAME")
	v.BindEnv("nats.subject_prefix", "NATS_SUBJECT_PREFIX")
	v.BindEnv("nats.connect_timeout", "NATS_CONNECT_TIMEOUT")
	v.BindEnv("nats.reconnect_attempts", "NATS_RECONNECT_ATTEMPTS")
	v.BindEnv("nats.reconnect_delay", "NATS_RECONNECT_DELAY")
	v.BindEnv("nats.max_pending_messages", "NATS_MAX_PENDING_MESSAGES")

	// Monitoring
	v.BindEnv("monitoring.metrics_enabled", "METRICS_ENABLED")
	v.BindEnv("monitoring.health_check_interval", "HEALTH_CHECK_INTERVAL")
	v.BindEnv("monitoring.metrics_retention", "METRICS_RETENTION")
}
