// Package config loads the acquisition service configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML or JSON
// file, then DAQ_* environment variables. Nested keys map to environment
// names by upper-casing and replacing dots with underscores, so
// streaming.queue_size is overridden by DAQ_STREAMING_QUEUE_SIZE.
//
//	cfg, err := config.Load("/etc/daq/daqd.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// A seed file declares sensors, configurations, groups and alerts that the
// engine registers on boot when they are not already in the catalog:
//
//	seed, err := config.LoadSeed("sensors.yaml")
package config
