package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// Barrier aligns the first post-start readings of a software-synchronized
// group. Readings are held until every member has delivered one or the
// timeout elapses; then the held readings are released together. A member
// that missed the deadline has its first reading flagged uncertain or
// dropped according to the late policy. After that, readings pass through.
//
// release is called with the barrier lock held for held readings and must
// not block.
type Barrier struct {
	group   uuid.UUID
	timeout time.Duration
	policy  sensor.LatePolicy
	release func(sensor.Reading)
	onDrop  func()
	logger  *slog.Logger

	open     atomic.Bool
	lateLeft atomic.Int32

	mu      sync.Mutex
	held    map[uuid.UUID][]sensor.Reading
	pending map[uuid.UUID]bool
	late    map[uuid.UUID]bool
	timer   *time.Timer
}

// NewBarrier creates a barrier over members. It holds readings until Arm
// starts the deadline and the members report.
func NewBarrier(g sensor.Group, release func(sensor.Reading), logger *slog.Logger) *Barrier {
	g.ApplyDefaults()
	b := &Barrier{
		group:   g.ID,
		timeout: g.SyncTimeout,
		policy:  g.LatePolicy,
		release: release,
		onDrop:  func() {},
		logger:  logger,
		held:    make(map[uuid.UUID][]sensor.Reading, len(g.Members)),
		pending: make(map[uuid.UUID]bool, len(g.Members)),
		late:    make(map[uuid.UUID]bool),
	}
	for _, m := range g.Members {
		b.pending[m] = true
	}
	return b
}

// Arm starts the synchronization deadline.
func (b *Barrier) Arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open.Load() || b.timer != nil {
		return
	}
	if len(b.pending) == 0 {
		b.openLocked()
		return
	}
	b.timer = time.AfterFunc(b.timeout, b.expire)
}

// Submit hands a reading of a member to the barrier.
func (b *Barrier) Submit(r sensor.Reading) {
	if b.open.Load() && b.lateLeft.Load() == 0 {
		b.release(r)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.late[r.SensorID] {
		delete(b.late, r.SensorID)
		b.lateLeft.Add(-1)
		if b.policy == sensor.LateDrop {
			b.onDrop()
			return
		}
		r.Downgrade(sensor.QualityUncertain)
		b.release(r)
		return
	}

	if b.open.Load() {
		b.release(r)
		return
	}

	b.held[r.SensorID] = append(b.held[r.SensorID], r)
	delete(b.pending, r.SensorID)
	if len(b.pending) == 0 && b.timer != nil {
		b.timer.Stop()
		b.openLocked()
	}
}

// Close stops the deadline timer without releasing held readings.
func (b *Barrier) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
}

// Open reports whether the barrier has released.
func (b *Barrier) Open() bool {
	return b.open.Load()
}

func (b *Barrier) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open.Load() {
		return
	}

	missing := make([]string, 0, len(b.pending))
	for id := range b.pending {
		b.late[id] = true
		missing = append(missing, id.String())
	}
	b.lateLeft.Store(int32(len(missing)))
	b.logger.Warn("group synchronization timed out",
		"group_id", b.group,
		"timeout", b.timeout,
		"missing", missing,
		"late_policy", b.policy,
		"error", errors.ErrGroupSyncTimeout)
	b.pending = map[uuid.UUID]bool{}
	b.openLocked()
}

func (b *Barrier) openLocked() {
	for id, rs := range b.held {
		for _, r := range rs {
			b.release(r)
		}
		delete(b.held, id)
	}
	b.open.Store(true)
}
