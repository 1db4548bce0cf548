package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServer is a disposable NATS server in a container with a connected
// Client. Integration tests of packages that publish readings or persist the
// catalog use it.
type TestServer struct {
	container testcontainers.Container
	Client    *Client
	URL       string
}

type testConfig struct {
	jetstream    bool
	kvBuckets    []string
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures NewTestServer.
type TestOption func(*testConfig)

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(cfg *testConfig) { cfg.jetstream = true }
}

// WithKVBuckets pre-creates KV buckets. It implies JetStream.
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kvBuckets = append(cfg.kvBuckets, buckets...)
	}
}

// WithNATSVersion selects the server image tag.
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) { cfg.natsVersion = version }
}

// StartTestServer starts a server without a testing.TB, for TestMain.
func StartTestServer(ctx context.Context, opts ...TestOption) (*TestServer, error) {
	cfg := &testConfig{
		natsVersion:  "2.10-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.natsVersion,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start NATS container: %w", err)
	}

	ts := &TestServer{container: container}
	if err := ts.connect(ctx, cfg); err != nil {
		_ = ts.Terminate(context.Background())
		return nil, err
	}
	return ts, nil
}

func (ts *TestServer) connect(ctx context.Context, cfg *testConfig) error {
	host, err := ts.container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := ts.container.MappedPort(ctx, "4222")
	if err != nil {
		return fmt.Errorf("mapped port: %w", err)
	}
	ts.URL = fmt.Sprintf("nats://%s:%s", host, port.Port())

	ts.Client, err = NewClient(ts.URL, WithTimeout(cfg.timeout), WithMaxReconnects(0))
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := ts.Client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for _, bucket := range cfg.kvBuckets {
		if _, err := ts.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// NewTestServer starts a server and registers its teardown with t.
func NewTestServer(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()
	ts, err := StartTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NATS test server: %v", err)
	}
	t.Cleanup(func() { _ = ts.Terminate(context.Background()) })
	return ts
}

// KVStore opens (creating if needed) a bucket wrapped as a KVStore.
func (ts *TestServer) KVStore(ctx context.Context, bucket string) (*KVStore, error) {
	kv, err := ts.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, err
	}
	return ts.Client.NewKVStore(kv), nil
}

// Terminate closes the client and removes the container.
func (ts *TestServer) Terminate(ctx context.Context) error {
	if ts.Client != nil {
		_ = ts.Client.Close(ctx)
	}
	if ts.container == nil {
		return nil
	}
	return ts.container.Terminate(ctx)
}
