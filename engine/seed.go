package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/config"
	"github.com/jnarwell/wit-sub006/errors"
)

// applySeed registers what the seed file declares and is not yet known.
// Sensors restored from the catalog keep their stored definition and
// configuration. It returns the sensors marked for start.
func (e *Engine) applySeed(ctx context.Context) ([]uuid.UUID, error) {
	if e.cfg.Seed == "" {
		return nil, nil
	}
	seed, err := config.LoadSeed(e.cfg.Seed)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "Start", "load seed")
	}
	return e.ApplySeed(ctx, seed)
}

// ApplySeed registers the sensors, groups and alerts of seed that do not
// exist yet.
func (e *Engine) ApplySeed(ctx context.Context, seed *config.Seed) ([]uuid.UUID, error) {
	var (
		start                   []uuid.UUID
		sensors, groups, alerts int
	)
	for _, ss := range seed.Sensors {
		id := ss.Metadata.ID
		if _, err := e.registry.Get(id); err != nil {
			if !errors.Is(err, errors.ErrSensorNotFound) {
				return nil, err
			}
			if _, err := e.registry.Register(ctx, ss.Metadata); err != nil {
				return nil, errors.Wrap(err, "Engine", "ApplySeed", "register sensor "+id.String())
			}
			if ss.Config != nil {
				if _, err := e.registry.Configure(ctx, *ss.Config); err != nil {
					return nil, errors.Wrap(err, "Engine", "ApplySeed", "configure sensor "+id.String())
				}
			}
			sensors++
		}
		if ss.Start {
			start = append(start, id)
		}
	}

	names := make(map[string]bool)
	for _, g := range e.registry.ListGroups() {
		names[g.Name] = true
	}
	for _, g := range seed.Groups {
		if g.ID != uuid.Nil {
			if _, err := e.registry.GetGroup(g.ID); err == nil {
				continue
			}
		} else if names[g.Name] {
			continue
		}
		if _, err := e.registry.CreateGroup(ctx, g); err != nil {
			return nil, errors.Wrap(err, "Engine", "ApplySeed", "create group "+g.Name)
		}
		names[g.Name] = true
		groups++
	}

	for _, a := range seed.Alerts {
		if a.ID != uuid.Nil {
			if _, err := e.alerts.Get(a.ID); err == nil {
				continue
			}
		}
		if _, err := e.CreateAlert(a); err != nil {
			return nil, errors.Wrap(err, "Engine", "ApplySeed", "create alert "+a.Name)
		}
		alerts++
	}

	e.refreshCounts()
	e.logger.Info("Seed applied", "sensors", sensors, "groups", groups, "alerts", alerts, "start", len(start))
	return start, nil
}
