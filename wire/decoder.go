package wire

import (
	"log/slog"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
)

// Decoder wraps a Codec for untrusted input. Rejected packets are logged and
// counted by reason instead of being returned as errors.
type Decoder struct {
	codec   *Codec
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewDecoder creates a decoder. metrics may be nil.
func NewDecoder(codec *Codec, metrics *metric.Metrics, logger *slog.Logger) *Decoder {
	if codec == nil {
		codec = &Codec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		codec:   codec,
		logger:  logger.With("component", "wire-decoder"),
		metrics: metrics,
	}
}

// Decode returns the packet and true, or false when the packet was rejected.
func (d *Decoder) Decode(data []byte) (Packet, bool) {
	p, err := d.codec.Decode(data)
	if err != nil {
		reason := RejectReason(err)
		d.logger.Warn("Rejected packet", "reason", reason, "size", len(data), "error", err)
		if d.metrics != nil {
			d.metrics.PacketsRejected.WithLabelValues(reason).Inc()
		}
		return Packet{}, false
	}
	if d.metrics != nil {
		d.metrics.PacketsDecoded.Inc()
	}
	return p, true
}

// RejectReason maps a decode error to a short metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, errors.ErrUnknownVersion):
		return "unknown_version"
	case errors.Is(err, errors.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, errors.ErrMissingConfig):
		return "no_key"
	default:
		return "malformed"
	}
}
