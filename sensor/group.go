package sensor

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
)

// SyncMode selects how a DAQ group aligns its members.
type SyncMode string

const (
	SyncHardwareClock   SyncMode = "hardware_clock"
	SyncSoftwareBarrier SyncMode = "software_barrier"
	SyncExternalTime    SyncMode = "external_time"
)

// LatePolicy decides what happens to a member that misses the barrier deadline.
type LatePolicy string

const (
	// LateFlag includes the tardy member's first reading with quality uncertain.
	LateFlag LatePolicy = "flag"
	// LateDrop discards the tardy member's first reading.
	LateDrop LatePolicy = "drop"
)

// DefaultSyncTimeout is the barrier deadline used when a group does not set one.
const DefaultSyncTimeout = 100 * time.Millisecond

// Group is a named set of sensors acquired together.
type Group struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Members     []uuid.UUID   `json:"members"`
	Sync        SyncMode      `json:"sync"`
	Master      *uuid.UUID    `json:"master,omitempty"`
	SyncTimeout time.Duration `json:"sync_timeout"`
	LatePolicy  LatePolicy    `json:"late_policy"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ApplyDefaults fills unset synchronization parameters.
func (g *Group) ApplyDefaults() {
	if g.Sync == "" {
		g.Sync = SyncSoftwareBarrier
	}
	if g.SyncTimeout == 0 {
		g.SyncTimeout = DefaultSyncTimeout
	}
	if g.LatePolicy == "" {
		g.LatePolicy = LateFlag
	}
}

// Validate checks structural invariants. Member existence is checked by the registry.
func (g Group) Validate() error {
	if g.Name == "" {
		return invalidGroup("name is required")
	}
	if len(g.Members) == 0 {
		return invalidGroup("at least one member is required")
	}
	seen := make(map[uuid.UUID]struct{}, len(g.Members))
	for _, id := range g.Members {
		if _, dup := seen[id]; dup {
			return invalidGroup("duplicate member %s", id)
		}
		seen[id] = struct{}{}
	}
	if g.Master != nil {
		if _, ok := seen[*g.Master]; !ok {
			return invalidGroup("master %s is not a member", *g.Master)
		}
	}
	switch g.Sync {
	case SyncHardwareClock, SyncSoftwareBarrier, SyncExternalTime:
	default:
		return invalidGroup("unknown sync mode %q", g.Sync)
	}
	switch g.LatePolicy {
	case LateFlag, LateDrop:
	default:
		return invalidGroup("unknown late policy %q", g.LatePolicy)
	}
	if g.SyncTimeout < 0 {
		return invalidGroup("sync timeout must be >= 0")
	}
	return nil
}

// Has reports whether id is a member.
func (g Group) Has(id uuid.UUID) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (g Group) Clone() Group {
	out := g
	out.Members = append([]uuid.UUID(nil), g.Members...)
	if g.Master != nil {
		m := *g.Master
		out.Master = &m
	}
	return out
}

func invalidGroup(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf(format, args...), "sensor", "Validate", "validate group")
}
