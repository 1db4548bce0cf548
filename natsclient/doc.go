// Package natsclient manages the NATS connection the acquisition core uses to
// publish readings to other processes and to persist the sensor catalog in a
// JetStream key-value bucket.
//
// # Circuit breaker
//
// Every failed connect or JetStream call is counted. After a threshold of
// consecutive failures (default 5) the circuit opens and Connect fails fast
// with ErrCircuitOpen. The open period follows an exponential backoff from
// 1s up to WithMaxBackoff (default 1m); once it elapses the circuit is
// half-open and the next Connect is attempted. Any success closes the circuit
// and resets the backoff.
//
// # Connection lifecycle
//
//	Disconnected → Connecting → Connected → Reconnecting → Connected
//	                    ↘ CircuitOpen ↗
//
// The NATS library reconnects on its own once connected; the client mirrors
// its callbacks into Status, the core metrics and optional callbacks.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "daq_catalog"})
//	if err != nil {
//	    return err
//	}
//	kv := client.NewKVStore(bucket)
//
// # Testing
//
// NewTestServer starts a disposable NATS server with testcontainers for
// tests built with the integration tag.
package natsclient
