// Package daq is a multi-protocol sensor data acquisition and streaming core.
//
// It registers sensors, acquires samples from them over pluggable transports,
// aggregates readings into compressed time-series blocks, evaluates alert
// rules, and fans readings out to live subscribers with per-subscriber
// backpressure.
//
// # Architecture
//
//	┌──────────────────────────────────────┐
//	│  gateway/http                        │  management API, /ws streaming,
//	│  (REST + websocket control protocol) │  /healthz, /metrics
//	└──────────────────┬───────────────────┘
//	                   ↓
//	┌──────────────────────────────────────┐
//	│  engine                              │  lifecycle, seeding, wiring
//	└───┬──────────┬───────────┬───────────┘
//	    ↓          ↓           ↓
//	 registry   scheduler    alert
//	 (catalog)  (per-sensor  (conditions,
//	            pipelines,   notifiers)
//	            groups)
//	               │
//	    ┌──────────┼─────────────────┐
//	    ↓          ↓                 ↓
//	 adapter    timeseries        stream
//	 (udp,      (blocks,          (hub, topic
//	  mqtt,      aggregator,       patterns,
//	  opcua)     storage/*)        natsbridge)
//
// A reading travels from an adapter through its sensor's pipeline, where
// calibration and quality checks run, then fans out to the stream hub, the
// alert engine and the block aggregator. Slow consumers never stall the
// pipeline: subscriber queues drop their oldest entries and the aggregator
// sheds load into a bounded worker pool.
//
// # Packages
//
//   - sensor: metadata, channels, values, readings and acquisition configuration
//   - adapter: the transport contract and the udp, mqtt and opcua implementations
//   - registry: the sensor and group catalog, memory or NATS KV backed
//   - scheduler: acquisition state machine, reconnect backoff and group barriers
//   - timeseries: block encoding, statistics and the aggregation worker pool
//   - storage/memory, storage/timescale: block stores
//   - stream: subscriber hub, topic patterns and rate limiting
//   - wire: the binary packet codec used on the streaming boundary
//   - alert: conditions, event lifecycle and notifiers
//   - engine: composition root
//   - gateway/http: HTTP and websocket boundary
//   - config, errors, health, metric, natsclient: shared infrastructure
//
// The daqd command in cmd/daqd runs the whole stack from a YAML or JSON
// configuration file with DAQ_* environment overrides.
package daq
