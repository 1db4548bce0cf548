package buffer

import (
	"sync"

	"github.com/jnarwell/wit-sub006/errors"
)

// CircularBuffer is a fixed-capacity FIFO ring. Writes never block: when full,
// the overflow policy decides which item is discarded.
type CircularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	stats  *Statistics
	opts   *bufferOptions[T]
	notify chan struct{}
}

// NewCircularBuffer creates a buffer holding at most capacity items.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (*CircularBuffer[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Buffer", "NewCircularBuffer",
			"validate capacity")
	}

	opts := applyOptions(options...)
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
		notify:   make(chan struct{}, 1),
	}, nil
}

// Write appends item. It reports whether an item (the oldest, or item itself
// under DropNewest) was discarded to honor the capacity.
func (cb *CircularBuffer[T]) Write(item T) (bool, error) {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return false, errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	var (
		dropped     bool
		droppedItem T
	)

	if cb.size == cb.capacity {
		dropped = true
		cb.stats.drop()
		cb.opts.metrics.recordDrop(cb.opts.name)

		if cb.opts.overflowPolicy == DropNewest {
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return true, nil
		}

		var zero T
		droppedItem = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.write(cb.size)
	cb.opts.metrics.recordDepth(cb.opts.name, cb.size)
	cb.mu.Unlock()

	select {
	case cb.notify <- struct{}{}:
	default:
	}

	if dropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(droppedItem)
	}
	return dropped, nil
}

// Read removes and returns the oldest item.
func (cb *CircularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.read(1)
	cb.opts.metrics.recordDepth(cb.opts.name, cb.size)
	return item, true
}

// ReadBatch removes and returns up to max items, oldest first.
func (cb *CircularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}
	if max > cb.size {
		max = cb.size
	}

	var zero T
	out := make([]T, max)
	for i := 0; i < max; i++ {
		out[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
	}
	cb.size -= max

	cb.stats.read(max)
	cb.opts.metrics.recordDepth(cb.opts.name, cb.size)
	return out
}

// Drain removes and returns every queued item.
func (cb *CircularBuffer[T]) Drain() []T {
	return cb.ReadBatch(cb.capacity)
}

// Notify returns a channel that receives a value after writes. A receive does
// not guarantee an item is still present; callers Read until it reports false.
func (cb *CircularBuffer[T]) Notify() <-chan struct{} {
	return cb.notify
}

// Size returns the current number of items.
func (cb *CircularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items.
func (cb *CircularBuffer[T]) Capacity() int {
	return cb.capacity
}

// Stats returns the buffer statistics.
func (cb *CircularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close releases the buffer. Queued items are discarded and subsequent writes fail.
func (cb *CircularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true

	var zero T
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.size, cb.head, cb.tail = 0, 0, 0
	cb.opts.metrics.forget(cb.opts.name)
	return nil
}
