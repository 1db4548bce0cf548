package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/natsclient"
	"github.com/jnarwell/wit-sub006/sensor"
)

// Entry is the durable form of a registered sensor.
type Entry struct {
	Metadata sensor.Metadata      `json:"metadata"`
	Config   sensor.Configuration `json:"config"`
}

// Snapshot is everything a Catalog holds.
type Snapshot struct {
	Sensors []Entry
	Groups  []sensor.Group
}

// Kind distinguishes catalog records.
type Kind string

const (
	KindSensor Kind = "sensor"
	KindGroup  Kind = "group"
)

// Catalog persists registry state so it survives restarts. The registry
// treats a failed write as a failed operation and rolls back.
type Catalog interface {
	SaveSensor(ctx context.Context, e Entry) error
	SaveGroup(ctx context.Context, g sensor.Group) error
	Delete(ctx context.Context, kind Kind, id uuid.UUID) error
	Load(ctx context.Context) (Snapshot, error)
}

// MemoryCatalog keeps records in process memory.
type MemoryCatalog struct {
	mu      sync.Mutex
	sensors map[uuid.UUID]Entry
	groups  map[uuid.UUID]sensor.Group
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		sensors: make(map[uuid.UUID]Entry),
		groups:  make(map[uuid.UUID]sensor.Group),
	}
}

func (c *MemoryCatalog) SaveSensor(_ context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors[e.Metadata.ID] = Entry{Metadata: e.Metadata.Clone(), Config: e.Config.Clone()}
	return nil
}

func (c *MemoryCatalog) SaveGroup(_ context.Context, g sensor.Group) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[g.ID] = g.Clone()
	return nil
}

func (c *MemoryCatalog) Delete(_ context.Context, kind Kind, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case KindSensor:
		delete(c.sensors, id)
	case KindGroup:
		delete(c.groups, id)
	}
	return nil
}

func (c *MemoryCatalog) Load(_ context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var snap Snapshot
	for _, e := range c.sensors {
		snap.Sensors = append(snap.Sensors, Entry{Metadata: e.Metadata.Clone(), Config: e.Config.Clone()})
	}
	for _, g := range c.groups {
		snap.Groups = append(snap.Groups, g.Clone())
	}
	sortSnapshot(&snap)
	return snap, nil
}

// KV is the subset of a key-value bucket the KV catalog needs.
// natsclient.KVStore satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// KVCatalog stores records as JSON under "sensor.<id>" and "group.<id>" keys.
type KVCatalog struct {
	kv KV
}

// NewKVCatalog wraps a key-value bucket.
func NewKVCatalog(kv KV) *KVCatalog {
	return &KVCatalog{kv: kv}
}

func kvKey(kind Kind, id uuid.UUID) string {
	return string(kind) + "." + id.String()
}

func (c *KVCatalog) SaveSensor(ctx context.Context, e Entry) error {
	return c.put(ctx, kvKey(KindSensor, e.Metadata.ID), e)
}

func (c *KVCatalog) SaveGroup(ctx context.Context, g sensor.Group) error {
	return c.put(ctx, kvKey(KindGroup, g.ID), g)
}

func (c *KVCatalog) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "KVCatalog", "Save", "encode record")
	}
	if _, err := c.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"KVCatalog", "Save", "put "+key)
	}
	return nil
}

func (c *KVCatalog) Delete(ctx context.Context, kind Kind, id uuid.UUID) error {
	key := kvKey(kind, id)
	if err := c.kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"KVCatalog", "Delete", "delete "+key)
	}
	return nil
}

func (c *KVCatalog) Load(ctx context.Context) (Snapshot, error) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		return Snapshot{}, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"KVCatalog", "Load", "list keys")
	}

	var snap Snapshot
	for _, key := range keys {
		entry, err := c.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return Snapshot{}, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
				"KVCatalog", "Load", "get "+key)
		}

		switch {
		case strings.HasPrefix(key, string(KindSensor)+"."):
			var e Entry
			if err := json.Unmarshal(entry.Value, &e); err != nil {
				return Snapshot{}, errors.WrapInvalid(err, "KVCatalog", "Load", "decode "+key)
			}
			snap.Sensors = append(snap.Sensors, e)
		case strings.HasPrefix(key, string(KindGroup)+"."):
			var g sensor.Group
			if err := json.Unmarshal(entry.Value, &g); err != nil {
				return Snapshot{}, errors.WrapInvalid(err, "KVCatalog", "Load", "decode "+key)
			}
			snap.Groups = append(snap.Groups, g)
		}
	}
	sortSnapshot(&snap)
	return snap, nil
}

func sortSnapshot(s *Snapshot) {
	sort.Slice(s.Sensors, func(i, j int) bool {
		return s.Sensors[i].Metadata.CreatedAt.Before(s.Sensors[j].Metadata.CreatedAt)
	})
	sort.Slice(s.Groups, func(i, j int) bool {
		return s.Groups[i].CreatedAt.Before(s.Groups[j].CreatedAt)
	})
}
