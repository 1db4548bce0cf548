// Package buffer provides a generic, thread-safe bounded queue with an
// overflow policy. Subscriber delivery queues and the aggregation queue are
// built on it; both drop the oldest item so producers never block.
package buffer

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each item dropped by
// the overflow policy.
type DropCallback[T any] func(item T)

// Option configures a CircularBuffer.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]
	metrics        *Metrics
	name           string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.overflowPolicy = policy
	}
}

// WithDropCallback sets a callback invoked for each dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

// WithMetrics reports the buffer's activity under the given name in m.
// A nil m or empty name is ignored.
func WithMetrics[T any](m *Metrics, name string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if m != nil && name != "" {
			opts.metrics = m
			opts.name = name
		}
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{overflowPolicy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
