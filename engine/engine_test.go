package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/adapter/fake"
	"github.com/jnarwell/wit-sub006/alert"
	"github.com/jnarwell/wit-sub006/config"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/registry"
	"github.com/jnarwell/wit-sub006/scheduler"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/storage/memory"
	"github.com/jnarwell/wit-sub006/stream"
	"github.com/jnarwell/wit-sub006/timeseries"
	"github.com/jnarwell/wit-sub006/wire"
)

type testEngine struct {
	*Engine
	set      *fake.Set
	store    *memory.Store
	notifier *alert.ChanNotifier
}

func newTestEngine(t *testing.T, mutate func(*config.Config), opts ...Option) *testEngine {
	t.Helper()

	cfg := config.Default()
	cfg.Adapters = config.AdaptersConfig{}
	if mutate != nil {
		mutate(cfg)
	}

	factory := adapter.NewFactory()
	set := fake.NewSet(adapter.Capabilities{MaxSamplingRate: 1000})
	require.NoError(t, set.Register(factory, sensor.ConnUDP))

	te := &testEngine{set: set, store: memory.New(), notifier: alert.NewChanNotifier(64)}
	opts = append([]Option{
		WithAdapterFactory(factory),
		WithStore(te.store),
		WithNotifiers(te.notifier),
	}, opts...)

	var err error
	te.Engine, err = New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = te.Shutdown(time.Second) })
	return te
}

func (te *testEngine) start(t *testing.T) {
	t.Helper()
	require.NoError(t, te.Start(context.Background()))
}

func thermometer(name string) sensor.Metadata {
	return sensor.Metadata{
		Name:     name,
		Category: "temperature",
		Protocol: sensor.UDP{Listen: "127.0.0.1:0"},
		Channels: []sensor.Channel{{ID: 0, Name: "temp", Unit: "C", DataType: sensor.TypeFloat64}},
	}
}

func enabled(id uuid.UUID, windowSize int) sensor.Configuration {
	cfg := sensor.DefaultConfiguration(id)
	cfg.Enabled = true
	cfg.SamplingRate = 10
	cfg.Storage = sensor.StoragePolicy{Mode: sensor.StorageAggregate, WindowSize: windowSize}
	return cfg
}

func sample(ts time.Time, v float64) sensor.RawSample {
	return sensor.RawSample{Timestamp: ts, Values: map[uint16]sensor.Value{0: sensor.Float64Value(v)}}
}

func ptr(v float64) *float64 { return &v }

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.True(t, errors.IsInvalid(err))
	assert.True(t, errors.Is(err, errors.ErrMissingConfig))
}

func TestNew_RejectsBadEncryptionKey(t *testing.T) {
	cfg := config.Default()
	cfg.Wire.EncryptionKey = "not-hex"
	_, err := New(context.Background(), cfg, WithAdapterFactory(adapter.NewFactory()))
	assert.True(t, errors.IsInvalid(err))
}

func TestNew_WireFlags(t *testing.T) {
	te := newTestEngine(t, func(c *config.Config) {
		c.Wire.Compress = true
		c.Wire.EncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	})
	assert.True(t, te.WireFlags().Has(wire.FlagCompressed|wire.FlagEncrypted))
	assert.NotNil(t, te.Codec())
}

func TestEngine_EndToEnd(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)
	ctx := context.Background()

	id, err := te.RegisterSensor(ctx, thermometer("boiler"))
	require.NoError(t, err)
	_, err = te.ConfigureSensor(ctx, enabled(id, 3))
	require.NoError(t, err)

	rule, err := te.CreateAlert(alert.Config{
		Name:      "overheat",
		SensorID:  id,
		Channel:   0,
		Condition: alert.Threshold{Max: ptr(80)},
		Severity:  alert.SeverityCritical,
	})
	require.NoError(t, err)

	sub, err := te.Hub().Subscribe(stream.Request{Name: "test", Sensors: []uuid.UUID{id}})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, te.StartAcquisition(ctx, id))
	assert.Equal(t, scheduler.StateRunning, te.SensorState(id))

	a := te.set.Get(id)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []float64{70, 75, 85} {
		require.True(t, a.Emit(sample(base.Add(time.Duration(i)*time.Second), v)))
	}

	var got []sensor.Reading
	require.Eventually(t, func() bool {
		got = append(got, sub.Drain()...)
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)
	for i, r := range got {
		assert.Equal(t, uint32(i+1), r.Sequence)
	}

	select {
	case ev := <-te.notifier.Events():
		assert.Equal(t, rule.ID, ev.AlertID)
		assert.Equal(t, alert.StateActive, ev.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert event")
	}
	require.Len(t, te.ActiveAlerts(), 1)

	require.Eventually(t, func() bool { return te.store.Len() == 1 }, 2*time.Second, 5*time.Millisecond,
		"a window of three samples closes into one block")
	points, err := te.Query(ctx, id, timeseries.TimeRange{From: base, To: base.Add(time.Minute)}, 0)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 85.0, points[2].Value)

	ev, err := te.AcknowledgeAlert(te.ActiveAlerts()[0].ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, alert.StateAcknowledged, ev.State)

	require.NoError(t, te.StopAcquisition(ctx, id))
	assert.False(t, a.Connected())

	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.operations.WithLabelValues("register_sensor", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.sensors))
}

func TestEngine_ManagementErrors(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	md := thermometer("dup")
	md.ID = uuid.New()
	_, err := te.RegisterSensor(ctx, md)
	require.NoError(t, err)

	err = te.StartAcquisition(ctx, md.ID)
	assert.True(t, errors.Is(err, errors.ErrNotStarted), "acquisition needs a started engine")

	_, err = te.RegisterSensor(ctx, md)
	assert.True(t, errors.IsInvalid(err))
	assert.True(t, errors.Is(err, errors.ErrDuplicateSensor))
	assert.Len(t, te.ListSensors(registry.Filter{}), 1, "registry unchanged")
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.operations.WithLabelValues("register_sensor", "invalid")))

	err = te.RemoveSensor(ctx, uuid.New())
	assert.True(t, errors.Is(err, errors.ErrSensorNotFound))

	_, err = te.CreateAlert(alert.Config{SensorID: md.ID, Channel: 9, Condition: alert.Threshold{Max: ptr(1)}})
	assert.True(t, errors.IsInvalid(err), "unknown channel")

	_, err = te.CreateAlert(alert.Config{SensorID: uuid.New(), Condition: alert.Threshold{Max: ptr(1)}})
	assert.True(t, errors.Is(err, errors.ErrSensorNotFound))

	now := time.Now()
	_, err = te.Query(ctx, md.ID, timeseries.TimeRange{From: now, To: now.Add(-time.Second)}, 0)
	assert.True(t, errors.IsInvalid(err))
	_, err = te.Query(ctx, uuid.New(), timeseries.TimeRange{From: now, To: now}, 0)
	assert.True(t, errors.Is(err, errors.ErrSensorNotFound))

	_, err = te.SensorConfig(uuid.New())
	assert.True(t, errors.Is(err, errors.ErrSensorNotFound))
}

func TestEngine_UpdateWhileRunning(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)
	ctx := context.Background()

	id, err := te.RegisterSensor(ctx, thermometer("hot-swap"))
	require.NoError(t, err)
	_, err = te.ConfigureSensor(ctx, enabled(id, 10))
	require.NoError(t, err)
	require.NoError(t, te.StartAcquisition(ctx, id))

	name := "renamed"
	_, err = te.UpdateSensor(ctx, id, registry.Patch{Name: &name})
	assert.True(t, errors.Is(err, errors.ErrNotHotSwappable))

	loc := "hall B"
	md, err := te.UpdateSensor(ctx, id, registry.Patch{Location: &loc})
	require.NoError(t, err)
	assert.Equal(t, "hall B", md.Location)

	err = te.RemoveSensor(ctx, id)
	assert.True(t, errors.IsInvalid(err), "running sensors cannot be removed")
}

func TestEngine_RemoveSensorDropsAlerts(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := te.RegisterSensor(ctx, thermometer("gone"))
	require.NoError(t, err)
	other, err := te.RegisterSensor(ctx, thermometer("kept"))
	require.NoError(t, err)
	_, err = te.CreateAlert(alert.Config{SensorID: id, Condition: alert.Threshold{Max: ptr(1)}})
	require.NoError(t, err)
	kept, err := te.CreateAlert(alert.Config{SensorID: other, Condition: alert.Threshold{Max: ptr(1)}})
	require.NoError(t, err)

	require.NoError(t, te.RemoveSensor(ctx, id))
	alerts := te.ListAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, kept.ID, alerts[0].ID)
}

func TestEngine_WriteCommand(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	cmd := adapter.Command{Name: "zero", Payload: []byte{0x5a}}

	id, err := te.RegisterSensor(ctx, thermometer("scale"))
	require.NoError(t, err)
	_, err = te.ConfigureSensor(ctx, enabled(id, 3))
	require.NoError(t, err)

	err = te.WriteCommand(ctx, id, cmd)
	assert.True(t, errors.Is(err, errors.ErrNotStarted))

	te.start(t)
	err = te.WriteCommand(ctx, uuid.New(), cmd)
	assert.True(t, errors.Is(err, errors.ErrSensorNotFound))

	require.Equal(t, scheduler.StateRunning, te.SensorState(id), "enabled sensors autostart")
	require.NoError(t, te.WriteCommand(ctx, id, cmd))
	assert.Equal(t, []adapter.Command{cmd}, te.set.Get(id).Writes())
}

func TestEngine_Groups(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)
	ctx := context.Background()

	var members []uuid.UUID
	for _, name := range []string{"a", "b"} {
		id, err := te.RegisterSensor(ctx, thermometer(name))
		require.NoError(t, err)
		_, err = te.ConfigureSensor(ctx, enabled(id, 10))
		require.NoError(t, err)
		members = append(members, id)
	}

	g, err := te.CreateDAQGroup(ctx, sensor.Group{Name: "pair", Members: members})
	require.NoError(t, err)
	assert.Equal(t, sensor.DefaultSyncTimeout, g.SyncTimeout)

	require.NoError(t, te.StartGroupAcquisition(ctx, g.ID))
	for _, id := range members {
		assert.Equal(t, scheduler.StateRunning, te.SensorState(id))
	}
	err = te.RemoveSensor(ctx, members[0])
	assert.True(t, errors.Is(err, errors.ErrSensorInActiveGroup))

	require.NoError(t, te.StopGroupAcquisition(ctx, g.ID))
	require.NoError(t, te.DeleteDAQGroup(ctx, g.ID))
	assert.Empty(t, te.ListGroups())
	assert.Len(t, te.ListSensors(registry.Filter{}), 2, "members survive group deletion")

	_, err = te.CreateDAQGroup(ctx, sensor.Group{Name: "ghost", Members: []uuid.UUID{uuid.New()}})
	assert.True(t, errors.IsInvalid(err))
}

func TestEngine_AutostartFromCatalog(t *testing.T) {
	catalog := registry.NewMemoryCatalog()
	md := thermometer("persisted")
	md.ID = uuid.New()
	cfg := enabled(md.ID, 10)
	cfg.Version = 1
	require.NoError(t, catalog.SaveSensor(context.Background(), registry.Entry{Metadata: md, Config: cfg}))

	idle := thermometer("idle")
	idle.ID = uuid.New()
	require.NoError(t, catalog.SaveSensor(context.Background(),
		registry.Entry{Metadata: idle, Config: sensor.DefaultConfiguration(idle.ID)}))

	te := newTestEngine(t, nil, WithCatalog(catalog))
	te.start(t)

	assert.Equal(t, scheduler.StateRunning, te.SensorState(md.ID))
	assert.Equal(t, scheduler.StateIdle, te.SensorState(idle.ID))
	assert.True(t, te.set.Get(md.ID).Connected())
}

const seedYAML = `
sensors:
  - metadata:
      id: 5b0e7a52-2c1e-4f0b-9d3e-6a1f0c2b7d11
      name: boiler-temp
      category: temperature
      protocol:
        kind: udp
        listen: 127.0.0.1:0
      channels:
        - id: 0
          name: temp
          unit: C
          data_type: float64
    config:
      sampling_rate: 10
      storage:
        mode: aggregate
        window_size: 100
    start: true
  - metadata:
      id: 9c4d2f10-8e7a-4b3c-a1d5-0f6e2b9c8a22
      name: boiler-flow
      category: flow
      protocol:
        kind: udp
        listen: 127.0.0.1:0
      channels:
        - id: 0
          name: flow
          unit: l/min
          data_type: float64
groups:
  - id: 1f2e3d4c-5b6a-4978-8695-a4b3c2d1e0f9
    name: boiler
    members:
      - 5b0e7a52-2c1e-4f0b-9d3e-6a1f0c2b7d11
      - 9c4d2f10-8e7a-4b3c-a1d5-0f6e2b9c8a22
alerts:
  - id: 7a6b5c4d-3e2f-4a1b-9c8d-7e6f5a4b3c2d
    name: overheat
    sensor_id: 5b0e7a52-2c1e-4f0b-9d3e-6a1f0c2b7d11
    channel: 0
    sustain: 5s
    condition:
      kind: threshold
      max: 80
`

func TestEngine_Seed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	te := newTestEngine(t, func(c *config.Config) { c.Seed = path })
	te.start(t)

	temp := uuid.MustParse("5b0e7a52-2c1e-4f0b-9d3e-6a1f0c2b7d11")
	flow := uuid.MustParse("9c4d2f10-8e7a-4b3c-a1d5-0f6e2b9c8a22")
	assert.Len(t, te.ListSensors(registry.Filter{}), 2)
	assert.Equal(t, scheduler.StateRunning, te.SensorState(temp), "start: true")
	assert.Equal(t, scheduler.StateIdle, te.SensorState(flow))

	cfg, err := te.SensorConfig(temp)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Storage.WindowSize)

	g, err := te.GetGroup(uuid.MustParse("1f2e3d4c-5b6a-4978-8695-a4b3c2d1e0f9"))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{temp, flow}, g.Members)

	a, err := te.GetAlert(uuid.MustParse("7a6b5c4d-3e2f-4a1b-9c8d-7e6f5a4b3c2d"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, a.Sustain)

	seed, err := config.LoadSeed(path)
	require.NoError(t, err)
	start, err := te.ApplySeed(context.Background(), seed)
	require.NoError(t, err, "applying a seed twice is a no-op")
	assert.Equal(t, []uuid.UUID{temp}, start)
	assert.Len(t, te.ListSensors(registry.Filter{}), 2)
	assert.Len(t, te.ListGroups(), 1)
	assert.Len(t, te.ListAlerts(), 1)
}

func TestEngine_SeedFileMissing(t *testing.T) {
	te := newTestEngine(t, func(c *config.Config) { c.Seed = filepath.Join(t.TempDir(), "none.yaml") })
	err := te.Start(context.Background())
	assert.True(t, errors.IsInvalid(err))
}

func TestEngine_DiscoverSensors(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	probe := sensor.Metadata{ID: uuid.New(), Protocol: sensor.UDP{Listen: "127.0.0.1:0"}}
	desc := sensor.Descriptor{
		Manufacturer: "Acme",
		Model:        "TX-100",
		SerialNumber: "0042",
		Category:     "temperature",
		Channels:     []sensor.Channel{{ID: 0, Name: "temp", Unit: "C", DataType: sensor.TypeFloat64}},
	}
	bus := te.set.Get(probe.ID)
	bus.SetDescriptors(desc)

	found, err := te.DiscoverSensors(ctx, probe)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, desc.SensorID(), found[0].ID)
	assert.Equal(t, "true", found[0].Tags["discovered"])
	assert.False(t, bus.Connected(), "discovery releases the transport")

	again, err := te.DiscoverSensors(ctx, probe)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, found[0].ID, again[0].ID)
	assert.Len(t, te.ListSensors(registry.Filter{}), 1, "rediscovery does not duplicate")

	_, err = te.DiscoverSensors(ctx, sensor.Metadata{})
	assert.True(t, errors.IsInvalid(err))
}

func TestEngine_ShutdownFlushesWindows(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)
	ctx := context.Background()

	id, err := te.RegisterSensor(ctx, thermometer("partial"))
	require.NoError(t, err)
	_, err = te.ConfigureSensor(ctx, enabled(id, 100))
	require.NoError(t, err)
	require.NoError(t, te.StartAcquisition(ctx, id))

	sub, err := te.Hub().Subscribe(stream.Request{Sensors: []uuid.UUID{id}})
	require.NoError(t, err)

	a := te.set.Get(id)
	base := time.Now()
	require.True(t, a.Emit(sample(base, 1)))
	require.True(t, a.Emit(sample(base.Add(time.Second), 2)))

	var got []sensor.Reading
	require.Eventually(t, func() bool {
		got = append(got, sub.Drain()...)
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, te.store.Blocks(id), "window of 100 still open")

	require.NoError(t, te.Shutdown(time.Second))
	<-sub.Done()

	blocks := te.store.Blocks(id)
	require.Len(t, blocks, 1, "open window flushed on shutdown")
	assert.Equal(t, 2, blocks[0].Len())

	require.NoError(t, te.Shutdown(time.Second), "second shutdown is a no-op")
	err = te.Start(ctx)
	assert.True(t, errors.Is(err, errors.ErrShuttingDown))
}

func TestEngine_Health(t *testing.T) {
	te := newTestEngine(t, func(c *config.Config) { c.Platform.ID = "node-1" })
	te.start(t)
	ctx := context.Background()

	id, err := te.RegisterSensor(ctx, thermometer("h"))
	require.NoError(t, err)
	_, err = te.ConfigureSensor(ctx, enabled(id, 10))
	require.NoError(t, err)
	require.NoError(t, te.StartAcquisition(ctx, id))

	status := te.Health()
	assert.Equal(t, "node-1", status.Component)
	assert.True(t, status.IsHealthy())
	assert.NotEmpty(t, te.HealthDetails())
}
