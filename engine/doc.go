// Package engine assembles the acquisition core and exposes its management
// boundary.
//
// An Engine owns one instance of every core component and the wiring between
// them:
//
//	adapters -> scheduler -> fanout -> stream hub -> subscribers, NATS bridge
//	                               \-> aggregator -> block store
//	                               \-> alert engine -> notifiers
//
// New builds the components from a config.Config and connects the external
// collaborators the configuration enables (NATS catalog, Timescale storage,
// Redis alert stream). Start restores the catalog, applies the seed file and
// starts every enabled sensor. Shutdown stops acquisition, flushes open
// aggregation windows and releases connections in reverse order.
//
// Management operations (RegisterSensor, ConfigureSensor, CreateDAQGroup,
// CreateAlert and friends) are synchronous. They return errors classified by
// the errors package so transports such as gateway/http can map them to
// status codes.
package engine
