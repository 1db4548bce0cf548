package timeseries

import (
	"context"

	"github.com/google/uuid"
)

// Store is the storage collaborator. It is append-only: blocks are never
// updated once stored.
type Store interface {
	Store(ctx context.Context, b *Block) error
	// Query returns the points of a sensor inside r, ordered by time then
	// channel, keeping every decimation-th point per channel.
	Query(ctx context.Context, sensorID uuid.UUID, r TimeRange, decimation int) ([]Point, error)
}
