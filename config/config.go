package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/jnarwell/wit-sub006/errors"
)

// Catalog backends
const (
	CatalogMemory = "memory"
	CatalogKV     = "kv"
)

// Storage backends
const (
	StorageMemory    = "memory"
	StorageTimescale = "timescale"
)

// Config is the complete service configuration.
type Config struct {
	Platform    PlatformConfig    `mapstructure:"platform" json:"platform"`
	Log         LogConfig         `mapstructure:"log" json:"log"`
	HTTP        HTTPConfig        `mapstructure:"http" json:"http"`
	NATS        NATSConfig        `mapstructure:"nats" json:"nats"`
	Redis       RedisConfig       `mapstructure:"redis" json:"redis"`
	Storage     StorageConfig     `mapstructure:"storage" json:"storage"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" json:"scheduler"`
	Streaming   StreamingConfig   `mapstructure:"streaming" json:"streaming"`
	Aggregation AggregationConfig `mapstructure:"aggregation" json:"aggregation"`
	Alert       AlertConfig       `mapstructure:"alert" json:"alert"`
	Wire        WireConfig        `mapstructure:"wire" json:"wire"`
	Adapters    AdaptersConfig    `mapstructure:"adapters" json:"adapters"`
	// Seed is an optional sensor seed file applied on boot.
	Seed string `mapstructure:"seed" json:"seed,omitempty"`
}

// PlatformConfig identifies this acquisition node.
type PlatformConfig struct {
	Org string `mapstructure:"org" json:"org"`
	ID  string `mapstructure:"id" json:"id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled" json:"enabled"`
	Addr            string        `mapstructure:"addr" json:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	// AllowedOrigins for websocket upgrades. Empty allows same-origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins,omitempty"`
}

// NATSConfig enables the NATS catalog and reading bridge.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled" json:"enabled"`
	URL           string        `mapstructure:"url" json:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" json:"reconnect_wait"`
	Username      string        `mapstructure:"username" json:"username,omitempty"`
	Password      string        `mapstructure:"password" json:"-"`
	Token         string        `mapstructure:"token" json:"-"`
	// Catalog selects where sensor definitions persist: memory or kv.
	Catalog string `mapstructure:"catalog" json:"catalog"`
	Bucket  string `mapstructure:"bucket" json:"bucket"`
	// Bridge publishes every reading to SubjectPrefix.<sensor-id>.
	Bridge        bool   `mapstructure:"bridge" json:"bridge"`
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
}

// RedisConfig enables alert delivery to a Redis Stream.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db"`
	Stream   string `mapstructure:"stream" json:"stream"`
	MaxLen   int64  `mapstructure:"max_len" json:"max_len"`
}

// StorageConfig selects the block store.
type StorageConfig struct {
	Backend    string `mapstructure:"backend" json:"backend"`
	DSN        string `mapstructure:"dsn" json:"-"`
	Table      string `mapstructure:"table" json:"table"`
	Hypertable bool   `mapstructure:"hypertable" json:"hypertable"`
}

type SchedulerConfig struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" json:"max_consecutive_failures"`
	QueueSize              int           `mapstructure:"queue_size" json:"queue_size"`
	TeardownTimeout        time.Duration `mapstructure:"teardown_timeout" json:"teardown_timeout"`
	RetryInitialDelay      time.Duration `mapstructure:"retry_initial_delay" json:"retry_initial_delay"`
	RetryMaxDelay          time.Duration `mapstructure:"retry_max_delay" json:"retry_max_delay"`
	RetryMultiplier        float64       `mapstructure:"retry_multiplier" json:"retry_multiplier"`
	RetryMaxAttempts       int           `mapstructure:"retry_max_attempts" json:"retry_max_attempts"`
}

type StreamingConfig struct {
	QueueSize      int `mapstructure:"queue_size" json:"queue_size"`
	MaxQueueSize   int `mapstructure:"max_queue_size" json:"max_queue_size"`
	MaxSubscribers int `mapstructure:"max_subscribers" json:"max_subscribers"`
}

type AggregationConfig struct {
	Workers   int `mapstructure:"workers" json:"workers"`
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
}

type AlertConfig struct {
	QueueSize        int           `mapstructure:"queue_size" json:"queue_size"`
	HistorySize      int           `mapstructure:"history_size" json:"history_size"`
	PatternCacheSize int           `mapstructure:"pattern_cache_size" json:"pattern_cache_size"`
	NotifyTimeout    time.Duration `mapstructure:"notify_timeout" json:"notify_timeout"`
}

// WireConfig configures the packet codec used at process boundaries.
type WireConfig struct {
	Compress bool `mapstructure:"compress" json:"compress"`
	// EncryptionKey is a hex-encoded 32-byte AES key. Empty disables encryption.
	EncryptionKey string `mapstructure:"encryption_key" json:"-"`
}

// AdaptersConfig enables the concrete transport adapters.
type AdaptersConfig struct {
	UDP   bool `mapstructure:"udp" json:"udp"`
	MQTT  bool `mapstructure:"mqtt" json:"mqtt"`
	OPCUA bool `mapstructure:"opcua" json:"opcua"`
	// MQTTTimeout bounds broker connect and subscribe.
	MQTTTimeout time.Duration `mapstructure:"mqtt_timeout" json:"mqtt_timeout"`
	// OPCUAApplication is the client application name sent to servers.
	OPCUAApplication string `mapstructure:"opcua_application" json:"opcua_application"`
}

// Validate checks the configuration and normalizes identifiers.
func (c *Config) Validate() error {
	c.Platform.Org = strings.ToLower(c.Platform.Org)
	if c.Platform.Org == "" {
		return invalid("platform.org is required")
	}
	if !isValidSubjectPart(c.Platform.Org) {
		return invalid("platform.org %q is not valid for NATS subjects", c.Platform.Org)
	}
	if c.Platform.ID == "" {
		return invalid("platform.id is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format %q must be json or text", c.Log.Format)
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return invalid("http.addr is required when http is enabled")
	}

	switch c.NATS.Catalog {
	case CatalogMemory:
	case CatalogKV:
		if !c.NATS.Enabled {
			return invalid("nats.catalog kv requires nats.enabled")
		}
	default:
		return invalid("nats.catalog %q must be memory or kv", c.NATS.Catalog)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return invalid("nats.url is required when nats is enabled")
	}
	if c.NATS.Bridge && !c.NATS.Enabled {
		return invalid("nats.bridge requires nats.enabled")
	}
	if c.NATS.Bridge && !isValidSubjectPart(c.NATS.SubjectPrefix) {
		return invalid("nats.subject_prefix %q is not a valid subject", c.NATS.SubjectPrefix)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return invalid("redis.addr is required when redis is enabled")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageTimescale:
		if c.Storage.DSN == "" {
			return invalid("storage.dsn is required for the timescale backend")
		}
	default:
		return invalid("storage.backend %q must be memory or timescale", c.Storage.Backend)
	}

	for name, v := range map[string]int{
		"scheduler.queue_size":      c.Scheduler.QueueSize,
		"streaming.queue_size":      c.Streaming.QueueSize,
		"streaming.max_queue_size":  c.Streaming.MaxQueueSize,
		"streaming.max_subscribers": c.Streaming.MaxSubscribers,
		"aggregation.workers":       c.Aggregation.Workers,
		"aggregation.queue_size":    c.Aggregation.QueueSize,
		"alert.queue_size":          c.Alert.QueueSize,
	} {
		if v <= 0 {
			return invalid("%s must be positive, got %d", name, v)
		}
	}
	if c.Streaming.MaxQueueSize < c.Streaming.QueueSize {
		return invalid("streaming.max_queue_size is below streaming.queue_size")
	}
	if c.Scheduler.RetryMultiplier < 1 {
		return invalid("scheduler.retry_multiplier must be at least 1, got %g", c.Scheduler.RetryMultiplier)
	}
	if c.Scheduler.RetryMaxDelay < c.Scheduler.RetryInitialDelay {
		return invalid("scheduler.retry_max_delay is below retry_initial_delay")
	}

	if k := c.Wire.EncryptionKey; k != "" && len(k) != 64 {
		return invalid("wire.encryption_key must be 64 hex characters")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "validate configuration")
}

// isValidSubjectPart reports whether s is usable as a dot-separated NATS
// subject fragment: letters, digits, dashes, underscores and dots.
func isValidSubjectPart(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	out := *c
	out.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
	return &out
}

// String renders the configuration without secrets.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config error: %v", err)
	}
	return string(data)
}
