// Package memory is an in-process, append-only time-series block store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/timeseries"
)

// Store keeps blocks per sensor in arrival order.
type Store struct {
	mu     sync.RWMutex
	blocks map[uuid.UUID][]*timeseries.Block
	ids    map[uuid.UUID]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		blocks: make(map[uuid.UUID][]*timeseries.Block),
		ids:    make(map[uuid.UUID]struct{}),
	}
}

// Store appends b. Storing the same block twice is a no-op.
func (s *Store) Store(ctx context.Context, b *timeseries.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil {
		return errors.WrapInvalid(fmt.Errorf("nil block"), "memory.Store", "Store", "check block")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[b.ID()]; dup {
		return nil
	}
	s.ids[b.ID()] = struct{}{}
	s.blocks[b.SensorID()] = append(s.blocks[b.SensorID()], b)
	return nil
}

// Query decodes every block of the sensor overlapping r.
func (s *Store) Query(ctx context.Context, sensorID uuid.UUID, r timeseries.TimeRange, decimation int) ([]timeseries.Point, error) {
	if r.To.Before(r.From) {
		return nil, errors.WrapInvalid(fmt.Errorf("range ends before it starts"), "memory.Store", "Query", "check range")
	}
	s.mu.RLock()
	blocks := append([]*timeseries.Block(nil), s.blocks[sensorID]...)
	s.mu.RUnlock()

	var out []timeseries.Point
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.Overlaps(b.Start(), b.End()) {
			continue
		}
		points, err := b.Points()
		if err != nil {
			return nil, errors.Wrap(err, "memory.Store", "Query", "decode block "+b.ID().String())
		}
		for _, p := range points {
			if r.Contains(p.Time) {
				out = append(out, p)
			}
		}
	}
	sortPoints(out)
	return timeseries.Decimate(out, decimation), nil
}

// Blocks returns the stored blocks of a sensor, oldest first.
func (s *Store) Blocks(sensorID uuid.UUID) []*timeseries.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*timeseries.Block(nil), s.blocks[sensorID]...)
}

// Len returns the number of stored blocks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

func sortPoints(points []timeseries.Point) {
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Time.Equal(points[j].Time) {
			return points[i].Channel < points[j].Channel
		}
		return points[i].Time.Before(points[j].Time)
	})
}
