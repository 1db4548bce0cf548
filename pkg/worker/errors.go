package worker

import (
	"fmt"

	"github.com/jnarwell/wit-sub006/errors"
)

// Pool errors wrap the shared lifecycle sentinels, so errors.Is matches
// both the pool error and the generic condition.
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool: %w", errors.ErrNotStarted)
	ErrPoolStopped        = fmt.Errorf("worker pool: %w", errors.ErrShuttingDown)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	ErrNilProcessor       = fmt.Errorf("worker pool: nil processor: %w", errors.ErrInvalidConfig)
	ErrStopTimeout        = fmt.Errorf("worker pool: timeout waiting for workers to stop")
)
