// Package natsbridge republishes hub readings on NATS subjects as binary wire
// packets, one subject per sensor: <prefix>.<sensor-uuid>.
package natsbridge

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/stream"
	"github.com/jnarwell/wit-sub006/wire"
)

// DefaultSubjectPrefix is prepended to the sensor id.
const DefaultSubjectPrefix = "daq.readings"

// Publisher sends one message. natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config configures a Bridge.
type Config struct {
	// Request selects what is bridged. Zero value bridges everything.
	Request       stream.Request
	SubjectPrefix string
	Flags         wire.Flags
	Logger        *slog.Logger
}

// Bridge is a hub subscriber forwarding readings to NATS.
type Bridge struct {
	hub    *stream.Hub
	pub    Publisher
	codec  *wire.Codec
	prefix string
	flags  wire.Flags
	req    stream.Request
	logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a bridge. The codec must carry an encryption key when Flags
// requests encryption.
func New(hub *stream.Hub, pub Publisher, codec *wire.Codec, cfg Config) (*Bridge, error) {
	if hub == nil || pub == nil || codec == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "New", "check dependencies")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	req := cfg.Request
	if len(req.Sensors) == 0 && len(req.Groups) == 0 && len(req.Patterns) == 0 {
		req.Patterns = []string{"#"}
	}
	if req.Name == "" {
		req.Name = "natsbridge"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "natsbridge")
	}
	return &Bridge{
		hub:    hub,
		pub:    pub,
		codec:  codec,
		prefix: cfg.SubjectPrefix,
		flags:  cfg.Flags,
		req:    req,
		logger: cfg.Logger,
	}, nil
}

// Run subscribes to the hub and forwards readings until ctx is cancelled or
// the hub closes. Publish failures are logged and counted; they never stop
// the bridge.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.hub.Subscribe(b.req)
	if err != nil {
		return errors.Wrap(err, "Bridge", "Run", "subscribe to hub")
	}
	defer sub.Close()

	b.logger.Info("NATS bridge started", "subject_prefix", b.prefix)
	for {
		r, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) || ctx.Err() != nil {
				b.logger.Info("NATS bridge stopped",
					"published", b.published.Load(),
					"failed", b.failed.Load())
				return nil
			}
			return err
		}

		data, err := b.codec.Encode(wire.FromReading(r, b.flags))
		if err != nil {
			b.failed.Add(1)
			b.logger.Warn("Failed to encode reading", "sensor_id", r.SensorID, "error", err)
			continue
		}
		subject := b.Subject(r.SensorID.String())
		if err := b.pub.Publish(ctx, subject, data); err != nil {
			if b.failed.Add(1) == 1 {
				b.logger.Warn("Failed to publish reading", "subject", subject, "error", err)
			} else {
				b.logger.Debug("Failed to publish reading", "subject", subject, "error", err)
			}
			continue
		}
		b.published.Add(1)
	}
}

// Subject returns the subject a sensor's readings are published on.
func (b *Bridge) Subject(sensorID string) string {
	return b.prefix + "." + sensorID
}

// Published returns the number of readings sent.
func (b *Bridge) Published() uint64 { return b.published.Load() }

// Failed returns the number of readings that could not be encoded or sent.
func (b *Bridge) Failed() uint64 { return b.failed.Load() }
