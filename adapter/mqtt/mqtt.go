// Package mqtt provides a push adapter that subscribes to an MQTT topic.
// Payloads are wire packets in binary or JSON form, per the sensor's Format.
// Devices may publish a retained descriptor on "<topic>/descriptor", which
// Discover reads; Write publishes commands on "<topic>/cmd".
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/wire"
)

const (
	FormatJSON   = "json"
	FormatBinary = "binary"

	defaultTimeout     = 10 * time.Second
	descriptorWaitTime = 500 * time.Millisecond
)

// Client is the subset of paho.Client the adapter uses.
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// ClientFactory builds a client from options.
type ClientFactory func(opts *paho.ClientOptions) Client

func defaultClientFactory(opts *paho.ClientOptions) Client {
	return paho.NewClient(opts)
}

// Deps holds runtime dependencies.
type Deps struct {
	Codec         *wire.Codec
	Core          *metric.Metrics
	Logger        *slog.Logger
	ClientFactory ClientFactory
	Timeout       time.Duration
}

// Adapter subscribes to one sensor's topic.
type Adapter struct {
	sensorID uuid.UUID
	cfg      sensor.MQTT
	caps     adapter.Capabilities
	codec    *wire.Codec
	decoder  *wire.Decoder
	logger   *slog.Logger
	factory  ClientFactory
	timeout  time.Duration

	mu     sync.Mutex
	client Client
	lost   adapter.Handler
}

var (
	_ adapter.Adapter    = (*Adapter)(nil)
	_ adapter.Subscriber = (*Adapter)(nil)
	_ adapter.Discoverer = (*Adapter)(nil)
)

// Constructor returns an adapter.Constructor for MQTT sensors.
func Constructor(deps Deps) adapter.Constructor {
	return func(md sensor.Metadata) (adapter.Adapter, error) {
		return New(md, deps)
	}
}

// New creates an adapter for a sensor whose protocol is sensor.MQTT.
func New(md sensor.Metadata, deps Deps) (*Adapter, error) {
	p, ok := md.Protocol.(sensor.MQTT)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: protocol %T is not mqtt", errors.ErrInvalidConfig, md.Protocol),
			"mqtt-adapter", "New", "protocol check")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ClientID == "" {
		p.ClientID = "daq-" + md.ID.String()
	}
	if p.Format == "" {
		p.Format = FormatJSON
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codec := deps.Codec
	if codec == nil {
		codec = &wire.Codec{}
	}
	factory := deps.ClientFactory
	if factory == nil {
		factory = defaultClientFactory
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	caps, _ := adapter.DefaultCapabilities(sensor.ConnMQTT)
	return &Adapter{
		sensorID: md.ID,
		cfg:      p,
		caps:     caps,
		codec:    codec,
		decoder:  wire.NewDecoder(codec, deps.Core, logger),
		logger:   logger.With("component", "mqtt-adapter", "sensor_id", md.ID, "topic", p.Topic),
		factory:  factory,
		timeout:  timeout,
	}, nil
}

func (a *Adapter) Capabilities() adapter.Capabilities { return a.caps }

// Connect opens the broker session. Reconnection is driven by the caller's
// backoff, so paho's own auto-reconnect is disabled.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}

	opts := paho.NewClientOptions().
		AddBroker(a.cfg.Broker).
		SetClientID(a.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(a.timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			a.logger.Warn("Broker connection lost", "error", err)
			a.mu.Lock()
			h := a.lost
			a.mu.Unlock()
			if h != nil {
				h(sensor.RawSample{}, errors.WrapTransient(
					fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "mqtt-adapter", "Connect", "broker session"))
			}
		})

	client := a.factory(opts)
	if err := a.wait(ctx, client.Connect()); err != nil {
		return errors.WrapTransient(err, "mqtt-adapter", "Connect", "connect to broker")
	}
	a.client = client
	a.logger.Info("Connected to broker", "broker", a.cfg.Broker)
	return nil
}

func (a *Adapter) wait(ctx context.Context, tok paho.Token) error {
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.ErrConnectionTimeout
	}
}

func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.lost = nil
	a.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

// Subscribe delivers each valid payload on the sensor topic to h.
func (a *Adapter) Subscribe(ctx context.Context, h adapter.Handler) (adapter.Unsubscribe, error) {
	a.mu.Lock()
	client := a.client
	a.lost = h
	a.mu.Unlock()
	if client == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "mqtt-adapter", "Subscribe", "connection check")
	}

	onMessage := func(_ paho.Client, msg paho.Message) {
		if s, ok := a.decode(msg.Payload()); ok {
			h(s, nil)
		}
	}
	if err := a.wait(ctx, client.Subscribe(a.cfg.Topic, a.cfg.QoS, onMessage)); err != nil {
		return nil, errors.WrapTransient(err, "mqtt-adapter", "Subscribe", "subscribe topic")
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			a.mu.Lock()
			a.lost = nil
			a.mu.Unlock()
			err = a.wait(context.Background(), client.Unsubscribe(a.cfg.Topic))
		})
		return errors.WrapTransient(err, "mqtt-adapter", "Unsubscribe", "unsubscribe topic")
	}, nil
}

func (a *Adapter) decode(payload []byte) (sensor.RawSample, bool) {
	if err := adapter.CheckPayload(a.caps, len(payload)); err != nil {
		a.logger.Warn("Rejected message", "size", len(payload), "error", err)
		return sensor.RawSample{}, false
	}

	var p wire.Packet
	switch a.cfg.Format {
	case FormatBinary:
		var ok bool
		if p, ok = a.decoder.Decode(payload); !ok {
			return sensor.RawSample{}, false
		}
	default:
		if err := json.Unmarshal(payload, &p); err != nil {
			a.logger.Warn("Rejected JSON packet", "error", err)
			return sensor.RawSample{}, false
		}
	}

	if p.SensorID != a.sensorID && p.SensorID != uuid.Nil {
		a.logger.Debug("Ignoring packet for another sensor", "packet_sensor_id", p.SensorID)
		return sensor.RawSample{}, false
	}
	return p.RawSample(), true
}

// Write publishes cmd.Payload on "<topic>/cmd".
func (a *Adapter) Write(ctx context.Context, cmd adapter.Command) error {
	if err := adapter.CheckPayload(a.caps, len(cmd.Payload)); err != nil {
		return err
	}
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "mqtt-adapter", "Write", "connection check")
	}
	if err := a.wait(ctx, client.Publish(a.cfg.Topic+"/cmd", a.cfg.QoS, false, cmd.Payload)); err != nil {
		return errors.WrapTransient(err, "mqtt-adapter", "Write", "publish command")
	}
	return nil
}

// Discover reads retained descriptors published under "<topic>/descriptor".
func (a *Adapter) Discover(ctx context.Context) ([]sensor.Descriptor, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "mqtt-adapter", "Discover", "connection check")
	}

	topic := a.cfg.Topic + "/descriptor"
	var (
		mu    sync.Mutex
		found []sensor.Descriptor
	)
	onMessage := func(_ paho.Client, msg paho.Message) {
		var d sensor.Descriptor
		if err := json.Unmarshal(msg.Payload(), &d); err != nil {
			a.logger.Warn("Ignoring malformed descriptor", "topic", msg.Topic(), "error", err)
			return
		}
		mu.Lock()
		found = append(found, d)
		mu.Unlock()
	}
	if err := a.wait(ctx, client.Subscribe(topic, 1, onMessage)); err != nil {
		return nil, errors.WrapTransient(err, "mqtt-adapter", "Discover", "subscribe descriptor topic")
	}
	defer client.Unsubscribe(topic)

	timer := time.NewTimer(descriptorWaitTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}
