package engine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/adapter/mqtt"
	"github.com/jnarwell/wit-sub006/adapter/opcua"
	"github.com/jnarwell/wit-sub006/adapter/udp"
	"github.com/jnarwell/wit-sub006/alert"
	"github.com/jnarwell/wit-sub006/alert/redisnotify"
	"github.com/jnarwell/wit-sub006/config"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/health"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/natsclient"
	"github.com/jnarwell/wit-sub006/pkg/buffer"
	"github.com/jnarwell/wit-sub006/registry"
	"github.com/jnarwell/wit-sub006/scheduler"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/storage/memory"
	"github.com/jnarwell/wit-sub006/storage/timescale"
	"github.com/jnarwell/wit-sub006/stream"
	"github.com/jnarwell/wit-sub006/stream/natsbridge"
	"github.com/jnarwell/wit-sub006/timeseries"
	"github.com/jnarwell/wit-sub006/wire"
)

const (
	healthNATS    = "nats"
	healthStorage = "storage"

	defaultShutdownTimeout = 10 * time.Second
)

// Option customizes an Engine. Options replace what the configuration would
// otherwise build, which is how tests inject fakes.
type Option func(*options)

type options struct {
	factory  *adapter.Factory
	store    timeseries.Store
	catalog  registry.Catalog
	notifier []alert.Notifier
	registry *metric.MetricsRegistry
	logger   *slog.Logger
	now      func() time.Time
	nats     *natsclient.Client
}

// WithAdapterFactory replaces the factory built from the adapters section.
func WithAdapterFactory(f *adapter.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithStore replaces the configured block store.
func WithStore(s timeseries.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCatalog replaces the configured sensor catalog.
func WithCatalog(c registry.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithNotifiers adds alert notifiers next to the log notifier and the
// optional Redis stream.
func WithNotifiers(n ...alert.Notifier) Option {
	return func(o *options) { o.notifier = append(o.notifier, n...) }
}

// WithMetricsRegistry shares a metrics registry with the caller.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source for timestamps the core generates.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithNATSClient uses an already connected client. The engine does not close it.
func WithNATSClient(c *natsclient.Client) Option {
	return func(o *options) { o.nats = c }
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Engine is the assembled acquisition core.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	now     func() time.Time
	metrics *engineMetrics

	metricsRegistry *metric.MetricsRegistry
	core            *metric.Metrics
	health          *health.Monitor

	codec     *wire.Codec
	wireFlags wire.Flags
	factory   *adapter.Factory

	registry   *registry.Registry
	scheduler  *scheduler.Scheduler
	hub        *stream.Hub
	aggregator *timeseries.Aggregator
	alerts     *alert.Engine
	store      timeseries.Store
	bridge     *natsbridge.Bridge

	// closers release external connections, in reverse order.
	closers []func(context.Context) error

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	runners *errgroup.Group
}

// New builds an engine from cfg. It connects the external collaborators cfg
// enables but starts no acquisition.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "check configuration")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.registry == nil {
		o.registry = metric.NewMetricsRegistry()
	}

	e := &Engine{
		cfg:             cfg.Clone(),
		logger:          o.logger.With("component", "engine"),
		now:             o.now,
		metricsRegistry: o.registry,
		core:            o.registry.CoreMetrics(),
		health:          health.NewMonitor(),
	}

	metrics, err := newEngineMetrics(o.registry)
	if err != nil {
		e.logger.Error("Failed to initialize engine metrics", "error", err)
		metrics = nil
	}
	e.metrics = metrics

	if err := e.build(ctx, o); err != nil {
		e.closeAll(context.Background())
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, o options) error {
	var err error
	if e.codec, e.wireFlags, err = buildCodec(e.cfg.Wire); err != nil {
		return err
	}

	e.factory = o.factory
	if e.factory == nil {
		if e.factory, err = e.buildFactory(o.logger); err != nil {
			return err
		}
	}

	nc := o.nats
	if nc == nil && e.cfg.NATS.Enabled {
		if nc, err = e.connectNATS(ctx, o.logger); err != nil {
			return err
		}
	}

	catalog := o.catalog
	if catalog == nil {
		if catalog, err = e.buildCatalog(ctx, nc); err != nil {
			return err
		}
	}

	e.store = o.store
	if e.store == nil {
		if e.store, err = e.buildStore(ctx, o.logger); err != nil {
			return err
		}
	}

	notifiers := []alert.Notifier{alert.LogNotifier{Logger: o.logger.With("component", "alert-log")}}
	if e.cfg.Redis.Enabled {
		rn, err := redisnotify.Dial(ctx, e.cfg.Redis.Addr, e.cfg.Redis.Password, e.cfg.Redis.DB, redisnotify.Config{
			Stream: e.cfg.Redis.Stream,
			MaxLen: e.cfg.Redis.MaxLen,
			Logger: o.logger.With("component", "redisnotify"),
		})
		if err != nil {
			return errors.Wrap(err, "Engine", "New", "connect redis")
		}
		e.closers = append(e.closers, func(context.Context) error { return rn.Close() })
		notifiers = append(notifiers, rn)
	}
	notifiers = append(notifiers, o.notifier...)

	e.registry, err = registry.New(registry.Config{
		Capabilities: e.factory,
		Catalog:      catalog,
		Logger:       o.logger,
		Now:          e.now,
	})
	if err != nil {
		return errors.Wrap(err, "Engine", "New", "create registry")
	}

	bufferMetrics, err := buffer.NewMetrics(o.registry, "stream")
	if err != nil {
		e.logger.Warn("Subscriber queue metrics disabled", "error", err)
		bufferMetrics = nil
	}
	e.hub = stream.NewHub(stream.Config{
		QueueSize:      e.cfg.Streaming.QueueSize,
		MaxQueueSize:   e.cfg.Streaming.MaxQueueSize,
		MaxSubscribers: e.cfg.Streaming.MaxSubscribers,
		Metrics:        e.core,
		BufferMetrics:  bufferMetrics,
		Logger:         o.logger.With("component", "stream"),
	})

	e.aggregator, err = timeseries.NewAggregator(timeseries.AggregatorConfig{
		Store:     e.store,
		Configs:   e.registry,
		Workers:   e.cfg.Aggregation.Workers,
		QueueSize: e.cfg.Aggregation.QueueSize,
		Metrics:   e.core,
		Registry:  o.registry,
		Logger:    o.logger.With("component", "aggregator"),
	})
	if err != nil {
		return errors.Wrap(err, "Engine", "New", "create aggregator")
	}

	e.alerts, err = alert.NewEngine(alert.EngineConfig{
		Notifiers:        notifiers,
		Configs:          e.registry,
		QueueSize:        e.cfg.Alert.QueueSize,
		HistorySize:      e.cfg.Alert.HistorySize,
		PatternCacheSize: e.cfg.Alert.PatternCacheSize,
		NotifyTimeout:    e.cfg.Alert.NotifyTimeout,
		Metrics:          e.core,
		Logger:           o.logger.With("component", "alert"),
		Now:              e.now,
	})
	if err != nil {
		return errors.Wrap(err, "Engine", "New", "create alert engine")
	}

	e.scheduler, err = scheduler.New(scheduler.Config{
		Registry:   e.registry,
		Adapters:   e.factory,
		Dispatcher: scheduler.DispatchFunc(e.fanout),
		Health:     e.health,
		Metrics:    e.core,
		Logger:     o.logger.With("component", "scheduler"),
		Clock:      clockFunc(e.now),
		Retry: errors.RetryConfig{
			MaxRetries:    e.cfg.Scheduler.RetryMaxAttempts,
			InitialDelay:  e.cfg.Scheduler.RetryInitialDelay,
			MaxDelay:      e.cfg.Scheduler.RetryMaxDelay,
			BackoffFactor: e.cfg.Scheduler.RetryMultiplier,
		},
		MaxConsecutiveFailures: e.cfg.Scheduler.MaxConsecutiveFailures,
		QueueSize:              e.cfg.Scheduler.QueueSize,
		TeardownTimeout:        e.cfg.Scheduler.TeardownTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "Engine", "New", "create scheduler")
	}
	e.registry.SetStateProvider(e.scheduler)

	if e.cfg.NATS.Bridge && nc != nil {
		e.bridge, err = natsbridge.New(e.hub, nc, e.codec, natsbridge.Config{
			SubjectPrefix: e.cfg.NATS.SubjectPrefix,
			Flags:         e.wireFlags,
			Logger:        o.logger.With("component", "natsbridge"),
		})
		if err != nil {
			return errors.Wrap(err, "Engine", "New", "create NATS bridge")
		}
	}
	return nil
}

// fanout hands every reading to the hub, the aggregator and the alert engine.
// None of them block.
func (e *Engine) fanout(r sensor.Reading) {
	e.hub.Publish(r)
	e.aggregator.Dispatch(r)
	e.alerts.Dispatch(r)
}

func buildCodec(cfg config.WireConfig) (*wire.Codec, wire.Flags, error) {
	var (
		opts  []wire.Option
		flags wire.Flags
	)
	if cfg.Compress {
		flags |= wire.FlagCompressed
	}
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, 0, errors.WrapInvalid(fmt.Errorf("%w: wire encryption key: %v", errors.ErrInvalidConfig, err),
				"Engine", "New", "decode encryption key")
		}
		opts = append(opts, wire.WithEncryptionKey(key))
		flags |= wire.FlagEncrypted
	}
	codec, err := wire.NewCodec(opts...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "Engine", "New", "create codec")
	}
	return codec, flags, nil
}

func (e *Engine) buildFactory(logger *slog.Logger) (*adapter.Factory, error) {
	f := adapter.NewFactory()
	register := func(ct sensor.ConnectionType, ctor adapter.Constructor) error {
		caps, _ := adapter.DefaultCapabilities(ct)
		return f.Register(ct, caps, ctor)
	}

	if e.cfg.Adapters.UDP {
		udpMetrics, err := udp.NewMetrics(e.metricsRegistry)
		if err != nil {
			e.logger.Warn("UDP adapter metrics disabled", "error", err)
			udpMetrics = nil
		}
		if err := register(sensor.ConnUDP, udp.Constructor(udp.Deps{
			Codec:   e.codec,
			Core:    e.core,
			Metrics: udpMetrics,
			Logger:  logger.With("component", "udp-adapter"),
		})); err != nil {
			return nil, err
		}
	}
	if e.cfg.Adapters.MQTT {
		if err := register(sensor.ConnMQTT, mqtt.Constructor(mqtt.Deps{
			Codec:   e.codec,
			Core:    e.core,
			Logger:  logger.With("component", "mqtt-adapter"),
			Timeout: e.cfg.Adapters.MQTTTimeout,
		})); err != nil {
			return nil, err
		}
	}
	if e.cfg.Adapters.OPCUA {
		if err := register(sensor.ConnOPCUA, opcua.Constructor(opcua.Deps{
			Logger:          logger.With("component", "opcua-adapter"),
			ApplicationName: e.cfg.Adapters.OPCUAApplication,
		})); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (e *Engine) connectNATS(ctx context.Context, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName("daqd-" + e.cfg.Platform.ID),
		natsclient.WithMaxReconnects(e.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(e.cfg.NATS.ReconnectWait),
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithMetrics(e.core),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				e.health.UpdateHealthy(healthNATS, "connected")
			} else {
				e.health.UpdateDegraded(healthNATS, "disconnected")
			}
		}),
	}
	if e.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(e.cfg.NATS.Username, e.cfg.NATS.Password))
	}
	if e.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(e.cfg.NATS.Token))
	}

	nc, err := natsclient.NewClient(e.cfg.NATS.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "create NATS client")
	}
	if err := nc.Connect(ctx); err != nil {
		e.health.UpdateError(healthNATS, health.Sanitize(err.Error()))
		return nil, errors.Wrap(err, "Engine", "New", "connect NATS")
	}
	e.health.UpdateHealthy(healthNATS, "connected")
	e.closers = append(e.closers, nc.Close)
	return nc, nil
}

func (e *Engine) buildCatalog(ctx context.Context, nc *natsclient.Client) (registry.Catalog, error) {
	if e.cfg.NATS.Catalog != config.CatalogKV {
		return registry.NewMemoryCatalog(), nil
	}
	if nc == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: kv catalog needs NATS", errors.ErrMissingConfig),
			"Engine", "New", "create catalog")
	}
	bucket, err := nc.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      e.cfg.NATS.Bucket,
		Description: "DAQ sensor and group definitions",
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "create catalog bucket")
	}
	return registry.NewKVCatalog(nc.NewKVStore(bucket)), nil
}

func (e *Engine) buildStore(ctx context.Context, logger *slog.Logger) (timeseries.Store, error) {
	if e.cfg.Storage.Backend != config.StorageTimescale {
		return memory.New(), nil
	}
	db, err := timescale.Open(ctx, e.cfg.Storage.DSN)
	if err != nil {
		e.health.UpdateError(healthStorage, health.Sanitize(err.Error()))
		return nil, errors.Wrap(err, "Engine", "New", "open timescale")
	}
	e.closers = append(e.closers, closeDB(db))

	store := timescale.New(db, timescale.Config{
		Table:      e.cfg.Storage.Table,
		Hypertable: e.cfg.Storage.Hypertable,
		Logger:     logger.With("component", "timescale"),
	})
	if err := store.EnsureSchema(ctx); err != nil {
		e.health.UpdateError(healthStorage, health.Sanitize(err.Error()))
		return nil, errors.Wrap(err, "Engine", "New", "ensure schema")
	}
	e.health.UpdateHealthy(healthStorage, "connected")
	return store, nil
}

func closeDB(db *sql.DB) func(context.Context) error {
	return func(context.Context) error { return db.Close() }
}

// Start restores the catalog, applies the seed file, starts the background
// runners and begins acquisition for every enabled sensor. A sensor that fails
// to start is logged and left in Error; it does not fail Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Engine", "Start", "check lifecycle")
	}
	if e.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "check lifecycle")
	}

	if err := e.registry.Load(ctx); err != nil {
		return errors.Wrap(err, "Engine", "Start", "load catalog")
	}
	seeded, err := e.applySeed(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := e.aggregator.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Engine", "Start", "start aggregator")
	}
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.alerts.Run(gctx) })
	if e.bridge != nil {
		g.Go(func() error { return e.bridge.Run(gctx) })
	}
	e.cancel, e.runners = cancel, g
	e.started = true

	ids := e.autostart(seeded)
	for _, id := range ids {
		if err := e.scheduler.Start(ctx, id); err != nil {
			e.logger.Warn("Sensor did not start", "sensor_id", id, "error", err)
		}
	}
	e.refreshCounts()

	e.logger.Info("Engine started",
		"platform", e.cfg.Platform.Org+"/"+e.cfg.Platform.ID,
		"sensors", len(e.registry.List(registry.Filter{})),
		"groups", len(e.registry.ListGroups()),
		"autostarted", len(ids))
	return nil
}

// autostart returns the sensors to start: seed entries marked start plus every
// sensor whose configuration is enabled, without duplicates.
func (e *Engine) autostart(seeded []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range seeded {
		add(id)
	}
	for _, md := range e.registry.List(registry.Filter{}) {
		if cfg, ok := e.registry.Config(md.ID); ok && cfg.Enabled {
			add(md.ID)
		}
	}
	return out
}

// Shutdown stops acquisition, flushes open aggregation windows, stops the
// runners and closes external connections. It is safe to call more than once.
func (e *Engine) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	cancel, runners := e.cancel, e.runners
	e.mu.Unlock()

	var errs []error
	if err := e.scheduler.Shutdown(timeout); err != nil {
		errs = append(errs, errors.Wrap(err, "Engine", "Shutdown", "stop acquisition"))
	}
	if started {
		if err := e.aggregator.Stop(timeout); err != nil {
			errs = append(errs, errors.Wrap(err, "Engine", "Shutdown", "flush aggregator"))
		}
		cancel()
		if err := runners.Wait(); err != nil {
			errs = append(errs, errors.Wrap(err, "Engine", "Shutdown", "stop runners"))
		}
	}
	e.hub.Close()

	ctx, done := context.WithTimeout(context.Background(), timeout)
	defer done()
	if err := e.closeAll(ctx); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("Engine stopped", "errors", len(errs))
	return errors.Join(errs...)
}

func (e *Engine) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Engine", "Shutdown", "close connection"))
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Hub returns the streaming distribution hub.
func (e *Engine) Hub() *stream.Hub { return e.hub }

// Codec returns the wire codec used at process boundaries.
func (e *Engine) Codec() *wire.Codec { return e.codec }

// WireFlags returns the packet flags outbound packets carry.
func (e *Engine) WireFlags() wire.Flags { return e.wireFlags }

// MetricsRegistry returns the registry every component reports to.
func (e *Engine) MetricsRegistry() *metric.MetricsRegistry { return e.metricsRegistry }

// Health aggregates the health of sensors and external connections.
func (e *Engine) Health() health.Status {
	return e.health.AggregateHealth(e.cfg.Platform.ID)
}

// HealthDetails returns every tracked component status.
func (e *Engine) HealthDetails() map[string]health.Status {
	return e.health.GetAll()
}
