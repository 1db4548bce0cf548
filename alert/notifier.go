package alert

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// LogNotifier writes every event transition to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, e Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if e.State == StateActive && e.Severity != SeverityInfo {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "Alert "+string(e.State),
		"event_id", e.ID,
		"alert_id", e.AlertID,
		"name", e.Name,
		"sensor_id", e.SensorID,
		"channel", e.Channel,
		"severity", e.Severity,
		"message", e.Message)
	return nil
}

// ChanNotifier delivers events to a channel without blocking. Events that do
// not fit are counted and discarded.
type ChanNotifier struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewChanNotifier creates a notifier with a buffer of size events.
func NewChanNotifier(size int) *ChanNotifier {
	return &ChanNotifier{ch: make(chan Event, size)}
}

func (n *ChanNotifier) Notify(_ context.Context, e Event) error {
	select {
	case n.ch <- e:
	default:
		n.dropped.Add(1)
	}
	return nil
}

// Events returns the delivery channel.
func (n *ChanNotifier) Events() <-chan Event { return n.ch }

// Dropped returns how many events were discarded.
func (n *ChanNotifier) Dropped() uint64 { return n.dropped.Load() }
