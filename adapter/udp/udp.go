// Package udp provides a push adapter that receives binary wire packets over
// UDP. Datagrams are queued in a drop-oldest buffer by the socket reader and
// decoded by a separate goroutine, so a burst never blocks the socket.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/pkg/buffer"
	"github.com/jnarwell/wit-sub006/pkg/retry"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/wire"
)

const (
	queueCapacity    = 5000
	maxBatchSize     = 100
	socketBufferSize = 2 * 1024 * 1024
	readDeadline     = 100 * time.Millisecond
)

// Metrics holds Prometheus metrics shared by every UDP adapter, labelled by
// listen address.
type Metrics struct {
	packetsReceived *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	socketErrors    *prometheus.CounterVec
	lastActivity    *prometheus.GaugeVec
}

// NewMetrics creates and registers UDP adapter metrics.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "udp",
			Name:      "packets_received_total",
			Help:      "Total UDP packets received",
		}, []string{"listen"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "udp",
			Name:      "bytes_received_total",
			Help:      "Total bytes received from UDP",
		}, []string{"listen"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "udp",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped before decoding",
		}, []string{"listen", "reason"}),
		socketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "udp",
			Name:      "socket_errors_total",
			Help:      "Socket read errors encountered",
		}, []string{"listen"}),
		lastActivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "daq",
			Subsystem: "udp",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of last received packet",
		}, []string{"listen"}),
	}

	for name, c := range map[string]*prometheus.CounterVec{
		"packets_received": m.packetsReceived,
		"bytes_received":   m.bytesReceived,
		"packets_dropped":  m.packetsDropped,
		"socket_errors":    m.socketErrors,
	} {
		if err := registry.RegisterCounterVec("udp_adapter", name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGaugeVec("udp_adapter", "last_activity", m.lastActivity); err != nil {
		return nil, err
	}
	return m, nil
}

// Deps holds runtime dependencies shared by UDP adapters.
type Deps struct {
	Codec   *wire.Codec
	Core    *metric.Metrics // packet decode counters
	Metrics *Metrics
	Logger  *slog.Logger
}

// Adapter listens on one UDP address for packets addressed to one sensor.
type Adapter struct {
	sensorID uuid.UUID
	listen   string
	caps     adapter.Capabilities
	decoder  *wire.Decoder
	logger   *slog.Logger
	metrics  *Metrics

	retryConfig retry.Config

	mu       sync.RWMutex
	conn     *net.UDPConn
	remote   *net.UDPAddr
	queue    *buffer.CircularBuffer[[]byte]
	shutdown chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool

	received atomic.Int64
	rejected atomic.Int64
}

var (
	_ adapter.Adapter    = (*Adapter)(nil)
	_ adapter.Subscriber = (*Adapter)(nil)
)

// Constructor returns an adapter.Constructor for UDP sensors.
func Constructor(deps Deps) adapter.Constructor {
	return func(md sensor.Metadata) (adapter.Adapter, error) {
		return New(md, deps)
	}
}

// New creates an adapter for a sensor whose protocol is sensor.UDP.
func New(md sensor.Metadata, deps Deps) (*Adapter, error) {
	p, ok := md.Protocol.(sensor.UDP)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: protocol %T is not udp", errors.ErrInvalidConfig, md.Protocol),
			"udp-adapter", "New", "protocol check")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decoder := wire.NewDecoder(deps.Codec, deps.Core, logger)
	logger = logger.With("component", "udp-adapter", "sensor_id", md.ID, "listen", p.Listen)

	caps, _ := adapter.DefaultCapabilities(sensor.ConnUDP)
	return &Adapter{
		sensorID:    md.ID,
		listen:      p.Listen,
		caps:        caps,
		decoder:     decoder,
		logger:      logger,
		metrics:     deps.Metrics,
		retryConfig: retry.Quick(),
	}, nil
}

func (a *Adapter) Capabilities() adapter.Capabilities { return a.caps }

// Addr returns the bound local address, or nil before Connect.
func (a *Adapter) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr()
}

// Connect binds the socket, retrying transient bind failures.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}

	if err := retry.Do(ctx, a.retryConfig, a.bindSocket); err != nil {
		return errors.WrapTransient(err, "udp-adapter", "Connect", "socket binding")
	}
	return nil
}

func (a *Adapter) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", a.listen)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("resolve UDP address %s: %w", a.listen, err))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on UDP %s: %w", a.listen, err)
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		a.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}

	a.conn = conn
	return nil
}

// Subscribe starts delivering decoded packets to h.
func (a *Adapter) Subscribe(ctx context.Context, h adapter.Handler) (adapter.Unsubscribe, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "udp-adapter", "Subscribe", "connection check")
	}
	if a.running.Load() {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "udp-adapter", "Subscribe", "subscription check")
	}

	queue, err := buffer.NewCircularBuffer[[]byte](queueCapacity,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) { a.recordDrop("queue_full") }),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "udp-adapter", "Subscribe", "allocate queue")
	}

	a.queue = queue
	a.shutdown = make(chan struct{})
	a.running.Store(true)

	conn, shutdown := a.conn, a.shutdown
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.readLoop(ctx, conn, queue, shutdown, h)
	}()
	go func() {
		defer a.wg.Done()
		a.processLoop(ctx, queue, shutdown, h)
	}()

	var once sync.Once
	return func() error {
		once.Do(a.stopLoops)
		return nil
	}, nil
}

// stopLoops signals both goroutines and waits for them.
func (a *Adapter) stopLoops() {
	a.mu.Lock()
	if !a.running.Load() {
		a.mu.Unlock()
		return
	}
	a.running.Store(false)
	close(a.shutdown)
	a.mu.Unlock()

	a.wg.Wait()

	a.mu.Lock()
	if a.queue != nil {
		_ = a.queue.Close()
		a.queue = nil
	}
	a.mu.Unlock()
}

// Disconnect stops delivery and closes the socket.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.stopLoops()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.remote = nil
	return nil
}

// Write sends a command payload to the last peer that sent a packet.
func (a *Adapter) Write(_ context.Context, cmd adapter.Command) error {
	if err := adapter.CheckPayload(a.caps, len(cmd.Payload)); err != nil {
		return err
	}

	a.mu.RLock()
	conn, remote := a.conn, a.remote
	a.mu.RUnlock()
	if conn == nil || remote == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "udp-adapter", "Write", "peer check")
	}

	if _, err := conn.WriteToUDP(cmd.Payload, remote); err != nil {
		return errors.WrapTransient(err, "udp-adapter", "Write", "send datagram")
	}
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *net.UDPConn, queue *buffer.CircularBuffer[[]byte],
	shutdown <-chan struct{}, h adapter.Handler,
) {
	buf := make([]byte, 65536)

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-shutdown:
				return
			default:
			}

			if a.metrics != nil {
				a.metrics.socketErrors.WithLabelValues(a.listen).Inc()
			}
			h(sensor.RawSample{}, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrAdapterFailure, err),
				"udp-adapter", "readLoop", "socket read"))
			if !errors.IsTransient(err) {
				return
			}
			continue
		}

		a.received.Add(1)
		if a.metrics != nil {
			a.metrics.packetsReceived.WithLabelValues(a.listen).Inc()
			a.metrics.bytesReceived.WithLabelValues(a.listen).Add(float64(n))
			a.metrics.lastActivity.WithLabelValues(a.listen).Set(float64(time.Now().Unix()))
		}

		if err := adapter.CheckPayload(a.caps, n); err != nil {
			a.logger.Debug("Rejected oversized datagram", "size", n, "error", err)
			a.recordDrop("too_large")
			continue
		}

		a.mu.Lock()
		a.remote = from
		a.mu.Unlock()

		data := make([]byte, n)
		copy(data, buf[:n])
		if _, err := queue.Write(data); err != nil {
			return
		}
	}
}

func (a *Adapter) processLoop(ctx context.Context, queue *buffer.CircularBuffer[[]byte],
	shutdown <-chan struct{}, h adapter.Handler,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-queue.Notify():
		}

		for {
			batch := queue.ReadBatch(maxBatchSize)
			if len(batch) == 0 {
				break
			}
			for _, data := range batch {
				if s, ok := a.decode(data); ok {
					h(s, nil)
				}
			}
		}
	}
}

func (a *Adapter) decode(data []byte) (sensor.RawSample, bool) {
	p, ok := a.decoder.Decode(data)
	if !ok {
		a.rejected.Add(1)
		return sensor.RawSample{}, false
	}
	if p.SensorID != a.sensorID {
		a.logger.Debug("Ignoring packet for another sensor", "packet_sensor_id", p.SensorID)
		a.recordDrop("foreign_sensor")
		return sensor.RawSample{}, false
	}
	return p.RawSample(), true
}

func (a *Adapter) recordDrop(reason string) {
	if a.metrics != nil {
		a.metrics.packetsDropped.WithLabelValues(a.listen, reason).Inc()
	}
}

// Stats returns packets received and packets rejected by the decoder.
func (a *Adapter) Stats() (received, rejected int64) {
	return a.received.Load(), a.rejected.Load()
}
