package adapter

import (
	"fmt"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// Latency classifies a transport's expected delivery latency.
type Latency string

const (
	LatencyRealtime Latency = "realtime"
	LatencyLow      Latency = "low"
	LatencyMedium   Latency = "medium"
	LatencyHigh     Latency = "high"
)

// Reliability classifies a transport's delivery guarantee.
type Reliability string

const (
	ReliabilityBestEffort  Reliability = "best_effort"
	ReliabilityAtLeastOnce Reliability = "at_least_once"
	ReliabilityGuaranteed  Reliability = "guaranteed"
)

// Capabilities is the static descriptor of what a transport can do.
type Capabilities struct {
	MaxSamplingRate         float64     `json:"max_sampling_rate"`
	SupportsBroadcast       bool        `json:"supports_broadcast"`
	SupportsMulticast       bool        `json:"supports_multicast"`
	RequiresPolling         bool        `json:"requires_polling"`
	SupportsHardwareTrigger bool        `json:"supports_hardware_trigger"`
	Latency                 Latency     `json:"latency"`
	Reliability             Reliability `json:"reliability"`
	MaxPayloadSize          int         `json:"max_payload_size"`
}

var defaultCapabilities = map[sensor.ConnectionType]Capabilities{
	sensor.ConnI2C: {
		MaxSamplingRate: 1000, RequiresPolling: true, SupportsHardwareTrigger: true,
		Latency: LatencyRealtime, Reliability: ReliabilityGuaranteed, MaxPayloadSize: 32,
	},
	sensor.ConnSPI: {
		MaxSamplingRate: 10000, RequiresPolling: true, SupportsHardwareTrigger: true,
		Latency: LatencyRealtime, Reliability: ReliabilityGuaranteed, MaxPayloadSize: 4096,
	},
	sensor.ConnUART: {
		MaxSamplingRate: 1000, RequiresPolling: true,
		Latency: LatencyLow, Reliability: ReliabilityBestEffort, MaxPayloadSize: 256,
	},
	sensor.ConnUSB: {
		MaxSamplingRate: 1000, RequiresPolling: true, SupportsHardwareTrigger: true,
		Latency: LatencyLow, Reliability: ReliabilityGuaranteed, MaxPayloadSize: 512,
	},
	sensor.ConnCAN: {
		MaxSamplingRate: 2000, SupportsBroadcast: true, SupportsMulticast: true, SupportsHardwareTrigger: true,
		Latency: LatencyRealtime, Reliability: ReliabilityAtLeastOnce, MaxPayloadSize: 8,
	},
	sensor.ConnModbusRTU: {
		MaxSamplingRate: 10, SupportsBroadcast: true, RequiresPolling: true,
		Latency: LatencyMedium, Reliability: ReliabilityGuaranteed, MaxPayloadSize: 252,
	},
	sensor.ConnModbusTCP: {
		MaxSamplingRate: 100, RequiresPolling: true,
		Latency: LatencyMedium, Reliability: ReliabilityGuaranteed, MaxPayloadSize: 260,
	},
	sensor.ConnOPCUA: {
		MaxSamplingRate: 100, Latency: LatencyMedium,
		Reliability: ReliabilityGuaranteed, MaxPayloadSize: 65535,
	},
	sensor.ConnMQTT: {
		MaxSamplingRate: 100, SupportsBroadcast: true, SupportsMulticast: true,
		Latency: LatencyHigh, Reliability: ReliabilityAtLeastOnce, MaxPayloadSize: 256 * 1024,
	},
	sensor.ConnTCP: {
		MaxSamplingRate: 10000, Latency: LatencyLow,
		Reliability: ReliabilityGuaranteed, MaxPayloadSize: 65536,
	},
	sensor.ConnUDP: {
		MaxSamplingRate: 10000, SupportsBroadcast: true, SupportsMulticast: true,
		Latency: LatencyLow, Reliability: ReliabilityBestEffort, MaxPayloadSize: 65507,
	},
	sensor.ConnWebSocket: {
		MaxSamplingRate: 1000, Latency: LatencyMedium,
		Reliability: ReliabilityGuaranteed, MaxPayloadSize: 1 << 20,
	},
}

// DefaultCapabilities returns the built-in descriptor for a transport family.
func DefaultCapabilities(ct sensor.ConnectionType) (Capabilities, bool) {
	c, ok := defaultCapabilities[ct]
	return c, ok
}

// CheckRate rejects a sampling rate above the transport maximum. A rate equal
// to the maximum is accepted.
func CheckRate(caps Capabilities, hz float64) error {
	if hz <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: sampling rate %g must be positive", errors.ErrInvalidConfig, hz),
			"adapter", "CheckRate", "validate sampling rate")
	}
	if hz > caps.MaxSamplingRate {
		return errors.WrapInvalid(
			fmt.Errorf("%w: sampling rate %g Hz exceeds maximum %g Hz", errors.ErrCapabilityViolation, hz, caps.MaxSamplingRate),
			"adapter", "CheckRate", "validate sampling rate")
	}
	return nil
}

// CheckPayload rejects a single message larger than the transport allows.
func CheckPayload(caps Capabilities, n int) error {
	if caps.MaxPayloadSize > 0 && n > caps.MaxPayloadSize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes, maximum %d", errors.ErrPayloadTooLarge, n, caps.MaxPayloadSize),
			"adapter", "CheckPayload", "validate payload size")
	}
	return nil
}
