package config

import "time"

// ConnectionConfig represents subscription connection lifecycle configuration
type ConnectionConfig struct {
	// Retry policy
	RetryDelay         time.Duration `mapstructure:"retry_delay"`          // Delay before the first reconnect attempt
	RetryMaxAttempts   int           `mapstructure:"retry_max_attempts"`   // 0 retries forever
	RetryBackoffFactor float64       `mapstructure:"retry_backoff_factor"` // 1.0 keeps the delay fixed
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`      // Upper bound for grown delays

	// Transport settings
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`

	// Registry policy
	StopOnLastRelease bool `mapstructure:"stop_on_last_release"` // Stop the handle when its last listener is disposed
}

// WatchConfig represents the accounts and assets the watcher follows
type WatchConfig struct {
	Accounts      []string      `mapstructure:"accounts"`       // Tezos and/or EVM addresses
	Assets        []string      `mapstructure:"assets"`         // Optional asset filters, empty means every asset
	BufferSize    int           `mapstructure:"buffer_size"`    // Transfer buffer capacity
	BatchSize     int           `mapstructure:"batch_size"`     // Flush when this many transfers are buffered
	FlushInterval time.Duration `mapstructure:"flush_interval"` // Flush at least this often
}
