package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = fmt.Errorf("nats: %w", errors.ErrCircuitOpen)
)

// Client owns one NATS connection and its JetStream context.
type Client struct {
	url     string
	logger  *slog.Logger
	metrics *metric.Metrics

	status   atomic.Value // ConnectionStatus
	failures atomic.Int32

	// Circuit breaker
	breakerMu        sync.Mutex
	backoff          *retry.Backoff
	circuitFailures  int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	subs   []*nats.Subscription
	closed atomic.Bool
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.logger = c.logger.With("component", "natsclient", "url", url)
	c.backoff = retry.NewBackoff(retry.Policy{InitialDelay: time.Second, MaxDelay: c.maxBackoff, Multiplier: 2})
	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(s)
	if c.metrics == nil {
		return
	}
	if s == StatusConnected {
		c.metrics.NATSConnected.Set(1)
	} else {
		c.metrics.NATSConnected.Set(0)
	}
	if s == StatusCircuitOpen {
		c.metrics.NATSCircuitBreaker.Set(1)
	} else {
		c.metrics.NATSCircuitBreaker.Set(0)
	}
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failures recorded since the last success.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns how long the circuit stays open the next time it trips.
func (c *Client) Backoff() time.Duration {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	return c.backoff.Peek()
}

// recordFailure counts a failure and opens the circuit once the threshold is
// reached. While open, Connect fails fast until the backoff elapses.
func (c *Client) recordFailure() {
	total := c.failures.Add(1)

	c.breakerMu.Lock()
	c.circuitFailures++
	if c.circuitFailures < c.circuitThreshold {
		c.breakerMu.Unlock()
		return
	}
	c.circuitFailures = 0
	wait := c.backoff.Next()
	c.breakerMu.Unlock()

	if c.Status() == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "failures", total, "next_backoff", c.Backoff())
		return
	}
	c.setStatus(StatusCircuitOpen)
	c.logger.Warn("Circuit breaker opened", "failures", total, "backoff", wait)
	time.AfterFunc(wait, c.halfOpen)
}

func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		if c.metrics != nil {
			c.metrics.NATSCircuitBreaker.Set(2)
		}
		c.logger.Debug("Circuit breaker half-open")
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.breakerMu.Lock()
	c.circuitFailures = 0
	c.backoff.Reset()
	c.breakerMu.Unlock()

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsEnabled {
		if c.tlsCertFile != "" && c.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
		}
		if c.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(c.tlsCAFile))
		}
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "check client state")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS")

	opts := c.connectionOptions()
	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			done <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return c.connectFailed(errors.WrapTransient(err, "Client", "Connect", "establish connection"))
		}
	case <-ctx.Done():
		return c.connectFailed(errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled"))
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS")

	if fn := c.healthCallback(); fn != nil {
		fn(true)
	}
	return nil
}

func (c *Client) connectFailed(err error) error {
	c.recordFailure()
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusDisconnected)
	return err
}

// Close unsubscribes, drains and closes the connection. It is idempotent.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		conn := c.conn
		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}

		conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)

	if len(errs) > 0 {
		c.logger.Warn("NATS close finished with errors", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

func (c *Client) connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Subscribe delivers every message on subject to handler. The subscription
// lives until Close.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Publish sends data on a core NATS subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

func (c *Client) ready(method string) (jetstream.JetStream, error) {
	switch c.Status() {
	case StatusCircuitOpen:
		return nil, ErrCircuitOpen
	case StatusConnected:
	default:
		return nil, errors.WrapTransient(ErrNotConnected, "Client", method, "check connection")
	}
	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	return js, nil
}

// EnsureStream creates the stream, or updates it when it already exists.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.ready("EnsureStream")
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	c.resetCircuit()
	return stream, nil
}

// PublishToStream publishes with a JetStream acknowledgement.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.ready("PublishToStream")
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}
	c.resetCircuit()
	return nil
}

// CreateKeyValueBucket returns the bucket, creating it when missing.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.ready("CreateKeyValueBucket")
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if !isAlreadyExistsError(err) {
			c.recordFailure()
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
		}
		// lost a creation race with another process
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			c.recordFailure()
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "open bucket "+cfg.Bucket)
		}
	}

	c.logger.Info("KV bucket ready", "bucket", cfg.Bucket)
	c.resetCircuit()
	return bucket, nil
}

func (c *Client) healthCallback() func(bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onHealthChange
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)

	if c.onDisconnect != nil {
		go c.onDisconnect(err)
	}
	if fn := c.healthCallback(); fn != nil {
		go fn(false)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.metrics != nil {
		c.metrics.NATSReconnects.Inc()
	}
	c.logger.Info("NATS reconnected")

	if c.onReconnect != nil {
		go c.onReconnect()
	}
	if fn := c.healthCallback(); fn != nil {
		go fn(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	if fn := c.healthCallback(); fn != nil {
		go fn(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
