package config

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/alert"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

const seedYAML = `
sensors:
  - metadata:
      id: 5b0e7a52-2c1e-4f0b-9d3e-6a1f0c2b7d11
      name: boiler-temp
      category: temperature
      protocol:
        kind: udp
        listen: 127.0.0.1:9501
      channels:
        - id: 0
          name: temp
          unit: C
          data_type: float64
    config:
      enabled: true
      sampling_rate: 10
      storage:
        mode: aggregate
        window_size: 100
        window_duration: 1m
      thresholds:
        0:
          max: 80
      replay_window: 2s
    start: true
  - metadata:
      id: 9c4d2f10-8e7a-4b3c-a1d5-0f6e2b9c8a22
      name: boiler-pressure
      category: pressure
      protocol:
        kind: mqtt
        broker: tcp://broker:1883
        topic: plant/boiler/pressure
        format: json
      channels:
        - id: 0
          name: pressure
          unit: bar
          data_type: float64
groups:
  - id: 1f2e3d4c-5b6a-4978-8695-a4b3c2d1e0f9
    name: boiler
    members:
      - 5b0e7a52-2c1e-4f0b-9d3e-6a1f0c2b7d11
      - 9c4d2f10-8e7a-4b3c-a1d5-0f6e2b9c8a22
    sync: software_barrier
    sync_timeout: 50ms
alerts:
  - name: overheat
    sensor_id: 5b0e7a52-2c1e-4f0b-9d3e-6a1f0c2b7d11
    channel: 0
    severity: critical
    sustain: 5s
    condition:
      kind: threshold
      max: 80
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	require.Len(t, seed.Sensors, 2)
	temp := seed.Sensors[0]
	assert.Equal(t, "boiler-temp", temp.Metadata.Name)
	assert.Equal(t, sensor.ConnUDP, temp.Metadata.ConnectionType())
	assert.Equal(t, sensor.UDP{Listen: "127.0.0.1:9501"}, temp.Metadata.Protocol)
	assert.Equal(t, sensor.TypeFloat64, temp.Metadata.Channels[0].DataType)
	assert.True(t, temp.Start)

	require.NotNil(t, temp.Config)
	assert.Equal(t, temp.Metadata.ID, temp.Config.SensorID, "config inherits the sensor id")
	assert.Equal(t, time.Minute, temp.Config.Storage.WindowDuration)
	assert.Equal(t, 2*time.Second, temp.Config.ReplayWindow)
	require.Contains(t, temp.Config.Thresholds, uint16(0))
	assert.Equal(t, 80.0, *temp.Config.Thresholds[0].Max)

	assert.Nil(t, seed.Sensors[1].Config)
	assert.Equal(t, sensor.ConnMQTT, seed.Sensors[1].Metadata.ConnectionType())

	require.Len(t, seed.Groups, 1)
	assert.Equal(t, sensor.SyncSoftwareBarrier, seed.Groups[0].Sync)
	assert.Equal(t, 50*time.Millisecond, seed.Groups[0].SyncTimeout)

	require.Len(t, seed.Alerts, 1)
	a := seed.Alerts[0]
	assert.Equal(t, alert.SeverityCritical, a.Severity)
	assert.Equal(t, 5*time.Second, a.Sustain)
	th, ok := a.Condition.(alert.Threshold)
	require.True(t, ok)
	assert.Equal(t, 80.0, *th.Max)
}

func TestParseSeed_Invalid(t *testing.T) {
	id := uuid.NewString()
	tests := map[string]string{
		"not yaml":       "sensors: [",
		"missing id":     "sensors:\n  - metadata:\n      name: x\n",
		"duplicate id":   "sensors:\n  - metadata: {id: " + id + ", name: a}\n  - metadata: {id: " + id + ", name: b}\n",
		"unknown member": "groups:\n  - name: g\n    members: [" + id + "]\n",
		"bad duration":   "sensors:\n  - metadata: {id: " + id + ", name: a}\n    config: {replay_window: soon}\n",
		"bad protocol":   "sensors:\n  - metadata: {id: " + id + ", name: a, protocol: {kind: carrier_pigeon}}\n",
		"bad alert":      "alerts:\n  - sensor_id: " + id + "\n    condition: {kind: threshold}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSeed([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoadSeed_File(t *testing.T) {
	seed, err := LoadSeed(writeFile(t, "sensors.yml", seedYAML))
	require.NoError(t, err)
	assert.Len(t, seed.Sensors, 2)

	_, err = LoadSeed(writeFile(t, "sensors.txt", seedYAML))
	assert.True(t, errors.IsInvalid(err))
}
