// Package config loads keysync configuration from files, environment
// variables and defaults using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// scheduleParser matches the parser used by the maintenance scheduler.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

const (
	defaultServerPort        = 8090
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxBodySize       = 32 << 20
	defaultMaxOpenConns      = 10
	defaultMaxIdleConns      = 5
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultKeepAlive         = 10 * time.Second
	defaultConnectTimeout    = 30 * time.Second
	defaultReconnectInterval = time.Second
	defaultPullInterval      = 2 * time.Second
	defaultIndexAttempts     = 3
	defaultIndexRetryDelay   = 500 * time.Millisecond
	defaultFloorLookback     = 10 * time.Second
	defaultFetchConcurrency  = 4
	defaultPullHTTPTimeout   = 5 * time.Second
	defaultMaxRetries        = 3
	defaultMinRetryDelay     = 50 * time.Millisecond
	defaultMaxRetryDelay     = 2 * time.Second
	defaultPruneSchedule     = "@every 1m"
	defaultIndexRetention    = 2 * time.Minute
	defaultJournalRetention  = 24 * time.Hour
)

// Config holds all configuration for keysync.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Push     PushConfig     `mapstructure:"push"`
	Pull     PullConfig     `mapstructure:"pull"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Index    IndexConfig    `mapstructure:"index"`
	Database DatabaseConfig `mapstructure:"database"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ServerConfig holds the control API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
}

// PushConfig configures the MQTT key subscription.
type PushConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BrokerURL         string        `mapstructure:"broker_url"` // tcp://, ssl://, ws:// or wss://
	Topic             string        `mapstructure:"topic"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               int           `mapstructure:"qos"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

// PullConfig configures key index polling.
type PullConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	BaseURL          string        `mapstructure:"base_url"`
	IndexName        string        `mapstructure:"index_name"`
	ResourceSuffix   string        `mapstructure:"resource_suffix"`
	Interval         time.Duration `mapstructure:"interval"`
	IndexAttempts    int           `mapstructure:"index_attempts"`
	IndexRetryDelay  time.Duration `mapstructure:"index_retry_delay"`
	FloorLookback    time.Duration `mapstructure:"floor_lookback"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	MediaKinds       []string      `mapstructure:"media_kinds"`
}

// EngineConfig is the key-miss policy of the decrypt engine.
type EngineConfig struct {
	RetryMode     string        `mapstructure:"retry_mode"` // retry, abandon
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"` // 0 = fragment duration
	MinRetryDelay time.Duration `mapstructure:"min_retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

// IndexConfig controls pruning of the key index.
type IndexConfig struct {
	// PruneSchedule is a cron spec; descriptors such as "@every 1m" work.
	PruneSchedule string `mapstructure:"prune_schedule"`
	// Retention is how far behind the playback horizon key windows are kept.
	Retention Duration `mapstructure:"retention"`
}

// DatabaseConfig holds the key journal database configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	// Retention is how long journal records are kept, e.g. "1d" or "2w".
	Retention Duration `mapstructure:"retention"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// They are prefixed with KEYSYNC_ and use underscores for nesting,
// e.g. KEYSYNC_PUSH_BROKER_URL.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/keysync")
		v.AddConfigPath("$HOME/.keysync")
	}

	v.SetEnvPrefix("KEYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults registers a default for every option. Keys without a default
// are not picked up from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_body_size", defaultMaxBodySize)

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.broker_url", "")
	v.SetDefault("push.topic", "")
	v.SetDefault("push.client_id", "")
	v.SetDefault("push.username", "")
	v.SetDefault("push.password", "")
	v.SetDefault("push.qos", 0)
	v.SetDefault("push.keep_alive", defaultKeepAlive)
	v.SetDefault("push.connect_timeout", defaultConnectTimeout)
	v.SetDefault("push.reconnect_interval", defaultReconnectInterval)

	v.SetDefault("pull.enabled", false)
	v.SetDefault("pull.base_url", "")
	v.SetDefault("pull.index_name", "keys.txt")
	v.SetDefault("pull.resource_suffix", "")
	v.SetDefault("pull.interval", defaultPullInterval)
	v.SetDefault("pull.index_attempts", defaultIndexAttempts)
	v.SetDefault("pull.index_retry_delay", defaultIndexRetryDelay)
	v.SetDefault("pull.floor_lookback", defaultFloorLookback)
	v.SetDefault("pull.fetch_concurrency", defaultFetchConcurrency)
	v.SetDefault("pull.http_timeout", defaultPullHTTPTimeout)
	v.SetDefault("pull.media_kinds", []string{"audio", "video"})

	v.SetDefault("engine.retry_mode", "retry")
	v.SetDefault("engine.max_retries", defaultMaxRetries)
	v.SetDefault("engine.retry_delay", time.Duration(0))
	v.SetDefault("engine.min_retry_delay", defaultMinRetryDelay)
	v.SetDefault("engine.max_retry_delay", defaultMaxRetryDelay)

	v.SetDefault("index.prune_schedule", defaultPruneSchedule)
	v.SetDefault("index.retention", defaultIndexRetention.String())

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "keysync.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.retention", "1d")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Push.Enabled {
		if c.Push.BrokerURL == "" {
			return fmt.Errorf("push.broker_url is required when push is enabled")
		}
		if c.Push.Topic == "" {
			return fmt.Errorf("push.topic is required when push is enabled")
		}
	}
	if c.Push.QoS < 0 || c.Push.QoS > 2 {
		return fmt.Errorf("push.qos must be 0, 1 or 2")
	}

	if c.Pull.Enabled && c.Pull.BaseURL == "" {
		return fmt.Errorf("pull.base_url is required when pull is enabled")
	}
	if c.Pull.Interval <= 0 {
		return fmt.Errorf("pull.interval must be positive")
	}
	if c.Pull.IndexAttempts < 1 {
		return fmt.Errorf("pull.index_attempts must be at least 1")
	}
	validKinds := map[string]bool{"audio": true, "video": true}
	for _, k := range c.Pull.MediaKinds {
		if !validKinds[k] {
			return fmt.Errorf("pull.media_kinds entries must be audio or video, got %q", k)
		}
	}

	validModes := map[string]bool{"retry": true, "abandon": true}
	if !validModes[c.Engine.RetryMode] {
		return fmt.Errorf("engine.retry_mode must be one of: retry, abandon")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if c.Engine.MinRetryDelay > c.Engine.MaxRetryDelay {
		return fmt.Errorf("engine.min_retry_delay must not exceed engine.max_retry_delay")
	}

	if c.Index.PruneSchedule == "" {
		return fmt.Errorf("index.prune_schedule is required")
	}
	if _, err := scheduleParser.Parse(c.Index.PruneSchedule); err != nil {
		return fmt.Errorf("index.prune_schedule: %w", err)
	}

	if c.Database.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
