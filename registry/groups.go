package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// CreateGroup validates and stores a DAQ group. Every member must be
// registered. A nil id is assigned.
func (r *Registry) CreateGroup(ctx context.Context, g sensor.Group) (sensor.Group, error) {
	g = g.Clone()
	g.ApplyDefaults()
	if err := g.Validate(); err != nil {
		return sensor.Group{}, err
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.CreatedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[g.ID]; exists {
		return sensor.Group{}, errors.WrapInvalid(fmt.Errorf("group %s already exists", g.ID),
			"Registry", "CreateGroup", "check id")
	}
	for _, m := range g.Members {
		if _, ok := r.sensors[m]; !ok {
			return sensor.Group{}, notFound(m, "CreateGroup")
		}
	}
	if err := r.catalog.SaveGroup(ctx, g); err != nil {
		return sensor.Group{}, errors.Wrap(err, "Registry", "CreateGroup", "persist group")
	}
	r.groups[g.ID] = g

	r.logger.Info("Group created", "group_id", g.ID, "name", g.Name, "members", len(g.Members), "sync", g.Sync)
	return g.Clone(), nil
}

// DeleteGroup removes a group definition. Member sensors are kept.
// An active group must be stopped first.
func (r *Registry) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[id]; !ok {
		return groupNotFound(id, "DeleteGroup")
	}
	if r.stateProvider().GroupActive(id) {
		return errors.WrapInvalid(fmt.Errorf("%w: group %s is acquiring", errors.ErrInvalidTransition, id),
			"Registry", "DeleteGroup", "check acquisition state")
	}
	if err := r.catalog.Delete(ctx, KindGroup, id); err != nil {
		return errors.Wrap(err, "Registry", "DeleteGroup", "delete group")
	}
	delete(r.groups, id)

	r.logger.Info("Group deleted", "group_id", id)
	return nil
}

// GetGroup returns a copy of a group.
func (r *Registry) GetGroup(id uuid.UUID) (sensor.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return sensor.Group{}, groupNotFound(id, "GetGroup")
	}
	return g.Clone(), nil
}

// ListGroups returns every group in creation order.
func (r *Registry) ListGroups() []sensor.Group {
	r.mu.RLock()
	out := make([]sensor.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// GroupsOf returns the ids of the groups a sensor belongs to.
func (r *Registry) GroupsOf(sensorID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uuid.UUID
	for id, g := range r.groups {
		if g.Has(sensorID) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func groupNotFound(id uuid.UUID, method string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrGroupNotFound, id), "Registry", method, "lookup group")
}
