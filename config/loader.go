package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jnarwell/wit-sub006/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DAQ"

// Loader reads configuration layers with viper.
type Loader struct {
	v          *viper.Viper
	validation bool
}

// NewLoader creates a loader with defaults and environment overrides
// registered. Validation is enabled.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, validation: true}
}

// EnableValidation enables or disables validation after loading.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Set overrides one key, taking precedence over file and environment.
// Command-line flags use it.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// LoadFile reads path and merges it over the defaults. An empty path
// loads defaults and environment only.
func (l *Loader) LoadFile(path string) (*Config, error) {
	if path != "" {
		if err := validateConfigPath(path); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "LoadFile", "validate path")
		}
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Loader", "LoadFile", "read config file")
		}
	}
	return l.Load()
}

// Load decodes the merged layers.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "Load", "decode config")
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file read by LoadFile, if any.
func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }

// Load is shorthand for NewLoader().LoadFile(path).
func Load(path string) (*Config, error) {
	return NewLoader().LoadFile(path)
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	l := &Loader{v: viper.New()}
	setDefaults(l.v)
	cfg, err := l.Load()
	if err != nil {
		return &Config{}
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("platform.org", "daq")
	v.SetDefault("platform.id", "daq-local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.catalog", CatalogMemory)
	v.SetDefault("nats.bucket", "DAQ_CATALOG")
	v.SetDefault("nats.bridge", false)
	v.SetDefault("nats.subject_prefix", "daq.readings")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "daq:alerts")
	v.SetDefault("redis.max_len", 10000)

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "daq_blocks")
	v.SetDefault("storage.hypertable", false)

	v.SetDefault("scheduler.max_consecutive_failures", 5)
	v.SetDefault("scheduler.queue_size", 256)
	v.SetDefault("scheduler.teardown_timeout", 5*time.Second)
	v.SetDefault("scheduler.retry_initial_delay", 100*time.Millisecond)
	v.SetDefault("scheduler.retry_max_delay", 5*time.Second)
	v.SetDefault("scheduler.retry_multiplier", 2.0)
	v.SetDefault("scheduler.retry_max_attempts", 3)

	v.SetDefault("streaming.queue_size", 1000)
	v.SetDefault("streaming.max_queue_size", 10000)
	v.SetDefault("streaming.max_subscribers", 1024)

	v.SetDefault("aggregation.workers", 2)
	v.SetDefault("aggregation.queue_size", 256)

	v.SetDefault("alert.queue_size", 1024)
	v.SetDefault("alert.history_size", 1000)
	v.SetDefault("alert.pattern_cache_size", 100)
	v.SetDefault("alert.notify_timeout", 5*time.Second)

	v.SetDefault("wire.compress", false)
	v.SetDefault("wire.encryption_key", "")

	v.SetDefault("adapters.udp", true)
	v.SetDefault("adapters.mqtt", true)
	v.SetDefault("adapters.opcua", true)
	v.SetDefault("adapters.mqtt_timeout", 10*time.Second)
	v.SetDefault("adapters.opcua_application", "daqd")

	v.SetDefault("seed", "")
}
