// Package opcua provides a push adapter that monitors OPC UA nodes through a
// server subscription. Each configured node maps to one sensor channel.
package opcua

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

const defaultPublishInterval = 250 * time.Millisecond

// Deps holds runtime dependencies.
type Deps struct {
	Logger          *slog.Logger
	ApplicationName string
}

// Adapter monitors the nodes of one sensor.
type Adapter struct {
	sensorID uuid.UUID
	cfg      sensor.OPCUA
	caps     adapter.Capabilities
	appName  string
	logger   *slog.Logger

	mu      sync.Mutex
	client  *opcua.Client
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	handles map[uint32]uint16
	wg      sync.WaitGroup
}

var (
	_ adapter.Adapter    = (*Adapter)(nil)
	_ adapter.Subscriber = (*Adapter)(nil)
)

// Constructor returns an adapter.Constructor for OPC UA sensors.
func Constructor(deps Deps) adapter.Constructor {
	return func(md sensor.Metadata) (adapter.Adapter, error) {
		return New(md, deps)
	}
}

// New creates an adapter for a sensor whose protocol is sensor.OPCUA.
func New(md sensor.Metadata, deps Deps) (*Adapter, error) {
	p, ok := md.Protocol.(sensor.OPCUA)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: protocol %T is not opcua", errors.ErrInvalidConfig, md.Protocol),
			"opcua-adapter", "New", "protocol check")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for ch, node := range p.Nodes {
		if _, err := ua.ParseNodeID(node); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: channel %d node %q: %v", errors.ErrInvalidConfig, ch, node, err),
				"opcua-adapter", "New", "parse node id")
		}
	}
	if p.PublishInterval <= 0 {
		p.PublishInterval = defaultPublishInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appName := deps.ApplicationName
	if appName == "" {
		appName = "daqd"
	}

	caps, _ := adapter.DefaultCapabilities(sensor.ConnOPCUA)
	return &Adapter{
		sensorID: md.ID,
		cfg:      p,
		caps:     caps,
		appName:  appName,
		logger:   logger.With("component", "opcua-adapter", "sensor_id", md.ID, "endpoint", p.Endpoint),
	}, nil
}

func (a *Adapter) Capabilities() adapter.Capabilities { return a.caps }

func (a *Adapter) clientOptions() []opcua.Option {
	policy, mode := securitySettings(a.cfg.SecurityPolicy)
	return []opcua.Option{
		opcua.SecurityPolicy(policy),
		opcua.SecurityModeString(mode),
		opcua.ApplicationName(a.appName),
		opcua.AuthAnonymous(),
		opcua.AutoReconnect(false),
	}
}

func securitySettings(policy string) (string, string) {
	if policy == "" || policy == "None" {
		return "None", "None"
	}
	return policy, "SignAndEncrypt"
}

// Connect opens a session with the server.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}

	client, err := opcua.NewClient(a.cfg.Endpoint, a.clientOptions()...)
	if err != nil {
		return errors.WrapInvalid(err, "opcua-adapter", "Connect", "create client")
	}
	if err := client.Connect(ctx); err != nil {
		return errors.WrapTransient(err, "opcua-adapter", "Connect", "open session")
	}
	a.client = client
	a.logger.Info("Connected to OPC UA server")
	return nil
}

// Subscribe creates a server subscription monitoring every configured node.
func (a *Adapter) Subscribe(ctx context.Context, h adapter.Handler) (adapter.Unsubscribe, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "opcua-adapter", "Subscribe", "connection check")
	}
	if a.sub != nil {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "opcua-adapter", "Subscribe", "subscription check")
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(a.cfg.Nodes)*4)
	sub, err := a.client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: a.cfg.PublishInterval}, notifyCh)
	if err != nil {
		return nil, errors.WrapTransient(err, "opcua-adapter", "Subscribe", "create subscription")
	}

	handles, err := a.monitor(ctx, sub)
	if err != nil {
		_ = sub.Cancel(ctx)
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	a.sub, a.cancel, a.handles = sub, cancel, handles

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consume(subCtx, notifyCh, handles, h)
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = a.unsubscribe() })
		return err
	}, nil
}

func (a *Adapter) monitor(ctx context.Context, sub *opcua.Subscription) (map[uint32]uint16, error) {
	channels := make([]uint16, 0, len(a.cfg.Nodes))
	for ch := range a.cfg.Nodes {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	handles := make(map[uint32]uint16, len(channels))
	for _, ch := range channels {
		node := a.cfg.Nodes[ch]
		nodeID, err := ua.ParseNodeID(node)
		if err != nil {
			return nil, errors.WrapInvalid(err, "opcua-adapter", "Subscribe", fmt.Sprintf("parse node %q", node))
		}
		handle := uint32(ch) + 1
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			return nil, errors.WrapTransient(err, "opcua-adapter", "Subscribe", fmt.Sprintf("monitor node %q", node))
		}
		if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: monitor node %q rejected", errors.ErrInvalidConfig, node),
				"opcua-adapter", "Subscribe", "monitor node")
		}
		handles[handle] = ch
	}
	return handles, nil
}

func (a *Adapter) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, handles map[uint32]uint16, h adapter.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				h(sensor.RawSample{}, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrAdapterFailure, notif.Error),
					"opcua-adapter", "consume", "receive notification"))
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			if s, ok := sampleFromDataChange(data, handles, a.logger); ok {
				h(s, nil)
			}
		}
	}
}

func (a *Adapter) unsubscribe() error {
	a.mu.Lock()
	sub, cancel := a.sub, a.cancel
	a.sub, a.cancel, a.handles = nil, nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	if sub == nil {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := sub.Cancel(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.WrapTransient(err, "opcua-adapter", "Unsubscribe", "cancel subscription")
	}
	return nil
}

// Disconnect cancels any subscription and closes the session.
func (a *Adapter) Disconnect(ctx context.Context) error {
	err := a.unsubscribe()

	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()

	if client != nil {
		if cerr := client.Close(ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = errors.Join(err, errors.WrapTransient(cerr, "opcua-adapter", "Disconnect", "close session"))
		}
	}
	return err
}

// Write is not offered; OPC UA nodes are monitored read-only.
func (a *Adapter) Write(context.Context, adapter.Command) error {
	return errors.WrapInvalid(errors.ErrNotSupported, "opcua-adapter", "Write", "write")
}

// sampleFromDataChange groups one notification's items into a single sample
// stamped with the newest source timestamp.
func sampleFromDataChange(data *ua.DataChangeNotification, handles map[uint32]uint16, logger *slog.Logger) (sensor.RawSample, bool) {
	s := sensor.RawSample{
		Values:  make(map[uint16]sensor.Value, len(data.MonitoredItems)),
		Quality: make(map[uint16]sensor.Quality, len(data.MonitoredItems)),
	}
	for _, item := range data.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		ch, ok := handles[item.ClientHandle]
		if !ok {
			continue
		}
		v, ok := variantValue(item.Value.Value)
		if !ok {
			logger.Debug("Skipping unsupported variant", "channel", ch)
			continue
		}
		s.Values[ch] = v
		s.Quality[ch] = statusQuality(item.Value.Status)

		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = item.Value.ServerTimestamp
		}
		if ts.After(s.Timestamp) {
			s.Timestamp = ts
		}
	}
	return s, len(s.Values) > 0
}

func variantValue(v *ua.Variant) (sensor.Value, bool) {
	if v == nil {
		return sensor.Value{}, false
	}
	switch val := v.Value().(type) {
	case bool:
		return sensor.BoolValue(val), true
	case int8:
		return sensor.IntValue(sensor.TypeInt8, int64(val)), true
	case int16:
		return sensor.IntValue(sensor.TypeInt16, int64(val)), true
	case int32:
		return sensor.IntValue(sensor.TypeInt32, int64(val)), true
	case int64:
		return sensor.IntValue(sensor.TypeInt64, val), true
	case uint8:
		return sensor.UintValue(sensor.TypeUint8, uint64(val)), true
	case uint16:
		return sensor.UintValue(sensor.TypeUint16, uint64(val)), true
	case uint32:
		return sensor.UintValue(sensor.TypeUint32, uint64(val)), true
	case uint64:
		return sensor.UintValue(sensor.TypeUint64, val), true
	case float32:
		return sensor.Float32Value(val), true
	case float64:
		return sensor.Float64Value(val), true
	case string:
		return sensor.StringValue(val), true
	case []byte:
		return sensor.BytesValue(val), true
	default:
		return sensor.Value{}, false
	}
}

// statusQuality maps the OPC UA status severity bits to a quality grade.
func statusQuality(code ua.StatusCode) sensor.Quality {
	switch uint32(code) & 0xC0000000 {
	case 0:
		return sensor.QualityGood
	case 0x40000000:
		return sensor.QualityUncertain
	default:
		return sensor.QualityBad
	}
}
