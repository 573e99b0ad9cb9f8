package entity

import (
	"context"
	"fmt"
)

// State is the rendered state of one entity.
type State struct {
	UniqueID   string      `json:"uniqueId"`
	Serial     string      `json:"serial"`
	DeviceName string      `json:"deviceName"`
	Key        string      `json:"key"`
	Kind       Kind        `json:"kind"`
	Available  bool        `json:"available"`
	Value      any         `json:"value"`
	Info       Description `json:"info"`
}

// Command is a write request for a Settable or Switchable entity.
type Command struct {
	Value *float64 `json:"value,omitempty"`
	On    *bool    `json:"on,omitempty"`
}

// Registry holds the entities registered at setup. Batteries that appear
// later are not added; a reload picks them up.
type Registry struct {
	src      Source
	entities []Entity
	byID     map[string]Entity
}

// Setup registers one set of entities for every battery currently known to b.
func Setup(b Backend) *Registry {
	r := &Registry{
		src:  b,
		byID: make(map[string]Entity),
	}
	for _, rec := range b.Records() {
		for _, e := range []Entity{
			NewBatteryLevelSensor(b, rec.Serial),
			NewBatteryStateSensor(b, rec.Serial),
			NewBatteryEnergySensor(b, rec.Serial),
			NewThresholdNumber(b, rec.Serial),
			NewPreserveEnergySwitch(b, rec.Serial),
		} {
			r.entities = append(r.entities, e)
			r.byID[e.UniqueID()] = e
		}
	}
	return r
}

// Entities returns the registered entities in registration order.
func (r *Registry) Entities() []Entity {
	out := make([]Entity, len(r.entities))
	copy(out, r.entities)
	return out
}

// Get returns the entity with the given unique id.
func (r *Registry) Get(id string) (Entity, bool) {
	e, ok := r.byID[id]
	return e, ok
}

// Snapshot renders every entity against the current records.
func (r *Registry) Snapshot() []State {
	out := make([]State, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, r.render(e))
	}
	return out
}

// State renders a single entity.
func (r *Registry) State(id string) (State, bool) {
	e, ok := r.byID[id]
	if !ok {
		return State{}, false
	}
	return r.render(e), true
}

func (r *Registry) render(e Entity) State {
	return State{
		UniqueID:   e.UniqueID(),
		Serial:     e.Serial(),
		DeviceName: DeviceName(r.src, e.Serial()),
		Key:        e.Key(),
		Kind:       e.Kind(),
		Available:  e.Available(),
		Value:      e.Value(),
		Info:       e.Describe(),
	}
}

// Apply runs cmd against the entity with the given id.
func (r *Registry) Apply(ctx context.Context, id string, cmd Command) error {
	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	switch ent := e.(type) {
	case Settable:
		if cmd.Value == nil {
			return fmt.Errorf("%w: value is required", ErrInvalidValue)
		}
		return ent.SetValue(ctx, *cmd.Value)
	case Switchable:
		if cmd.On == nil {
			return fmt.Errorf("%w: on is required", ErrInvalidValue)
		}
		if *cmd.On {
			return ent.TurnOn(ctx)
		}
		return ent.TurnOff(ctx)
	}
	return fmt.Errorf("%w: %s", ErrNotWritable, id)
}
