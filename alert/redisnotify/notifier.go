// Package redisnotify delivers alert events to a Redis Stream, where a
// notification collaborator consumes them with XREAD or a consumer group.
package redisnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/jnarwell/wit-sub006/alert"
	"github.com/jnarwell/wit-sub006/errors"
)

const (
	DefaultStream = "daq:alerts"
	DefaultMaxLen = 10000
)

// Config configures a Notifier.
type Config struct {
	// Stream is the Redis Stream key.
	Stream string
	// MaxLen caps the stream length approximately. Zero uses DefaultMaxLen;
	// a negative value disables trimming.
	MaxLen int64
	Logger *slog.Logger
}

// Notifier appends one stream entry per event transition.
type Notifier struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

// New creates a notifier on an existing client.
func New(client redis.UniversalClient, cfg Config) (*Notifier, error) {
	if client == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: redis client", errors.ErrMissingConfig),
			"redisnotify", "New", "check client")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "redisnotify")
	}
	return &Notifier{client: client, cfg: cfg, logger: cfg.Logger}, nil
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int, cfg Config) (*Notifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "redisnotify", "Dial", "ping redis")
	}
	return New(client, cfg)
}

// Stream returns the stream key.
func (n *Notifier) Stream() string { return n.cfg.Stream }

// Notify implements alert.Notifier.
func (n *Notifier) Notify(ctx context.Context, e alert.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "redisnotify", "Notify", "marshal event")
	}
	args := &redis.XAddArgs{
		Stream: n.cfg.Stream,
		Values: map[string]interface{}{
			"event_id":  e.ID.String(),
			"alert_id":  e.AlertID.String(),
			"sensor_id": e.SensorID.String(),
			"channel":   strconv.FormatUint(uint64(e.Channel), 10),
			"severity":  string(e.Severity),
			"state":     string(e.State),
			"data":      string(data),
		},
	}
	if n.cfg.MaxLen > 0 {
		args.MaxLen = n.cfg.MaxLen
		args.Approx = true
	}
	id, err := n.client.XAdd(ctx, args).Result()
	if err != nil {
		return errors.WrapTransient(err, "redisnotify", "Notify", "append to stream")
	}
	n.logger.Debug("Alert event appended",
		"stream", n.cfg.Stream,
		"entry_id", id,
		"event_id", e.ID,
		"state", e.State)
	return nil
}

// Close closes the underlying client.
func (n *Notifier) Close() error { return n.client.Close() }

// Decode converts a stream entry written by Notify back into an event.
func Decode(msg redis.XMessage) (alert.Event, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return alert.Event{}, errors.WrapInvalid(fmt.Errorf("entry %s has no data field", msg.ID),
			"redisnotify", "Decode", "read entry")
	}
	var e alert.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return alert.Event{}, errors.WrapInvalid(err, "redisnotify", "Decode", "unmarshal event")
	}
	return e, nil
}
