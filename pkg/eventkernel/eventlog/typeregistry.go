package eventlog

import (
	"fmt"
	"sort"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/registry"
)

// EventType describes a type that may be appended.
type EventType struct {
	ID          EventTypeID `json:"id" yaml:"id"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// TypeRegistry holds the event types a log accepts. It is shared by every
// log of a kernel.
type TypeRegistry struct {
	types *registry.Entities[EventTypeID, EventType]
}

// NewTypeRegistry creates a registry pre-populated with types.
func NewTypeRegistry(types ...EventType) *TypeRegistry {
	r := &TypeRegistry{types: registry.New[EventTypeID, EventType]()}
	for _, t := range types {
		r.types.Register(t.ID, t)
	}
	return r
}

// Register adds or replaces an event type.
func (r *TypeRegistry) Register(t EventType) error {
	if t.ID == "" {
		return fmt.Errorf("register event type: empty id")
	}
	r.types.Register(t.ID, t)
	return nil
}

// Has reports whether id is registered.
func (r *TypeRegistry) Has(id EventTypeID) bool {
	return r.types.Has(id)
}

// Validate returns ErrUnknownEventType for the first unregistered type.
func (r *TypeRegistry) Validate(ids ...EventTypeID) error {
	for _, id := range ids {
		if !r.types.Has(id) {
			return fmt.Errorf("%w: %q", ErrUnknownEventType, id)
		}
	}
	return nil
}

// All returns the registered types sorted by id.
func (r *TypeRegistry) All() []EventType {
	all := r.types.Values()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
