// Package registry keeps the single live instance of an entity per identity.
//
// Logs, observer supervisors, job managers and running jobs are all owned
// by exactly one object inside a process. Entities guarantees that two
// concurrent lookups for the same key never construct two owners.
package registry

import (
	"fmt"
	"sync"
)

// Entities is a concurrency-safe map from identity to live instance.
type Entities[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates an empty registry.
func New[K comparable, V any]() *Entities[K, V] {
	return &Entities[K, V]{entries: make(map[K]V)}
}

// Register stores value under key, replacing any previous owner.
func (r *Entities[K, V]) Register(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = value
}

// TryRegister stores value only if key is free. It reports whether it did.
func (r *Entities[K, V]) TryRegister(key K, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.entries[key] = value
	return true
}

// Get returns the instance for key.
func (r *Entities[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// MustGet returns the instance for key and panics when absent.
func (r *Entities[K, V]) MustGet(key K) V {
	v, ok := r.Get(key)
	if !ok {
		panic(fmt.Sprintf("registry: no entity for %v", key))
	}
	return v
}

// Has reports whether key has a live instance.
func (r *Entities[K, V]) Has(key K) bool {
	_, ok := r.Get(key)
	return ok
}

// Delete removes key and returns the instance it held, if any.
func (r *Entities[K, V]) Delete(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	delete(r.entries, key)
	return v, ok
}

// Keys returns all keys in no particular order.
func (r *Entities[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Values returns all instances in no particular order.
func (r *Entities[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make([]V, 0, len(r.entries))
	for _, v := range r.entries {
		values = append(values, v)
	}
	return values
}

// Len returns the number of live instances.
func (r *Entities[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for each entry of a snapshot until fn returns false.
// fn may modify the registry.
func (r *Entities[K, V]) Range(fn func(K, V) bool) {
	r.mu.RLock()
	snapshot := make(map[K]V, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// GetOrCreate returns the instance for key, constructing it with factory
// when absent. factory runs at most once per key.
func (r *Entities[K, V]) GetOrCreate(key K, factory func() V) V {
	v, _ := r.GetOrLoad(key, func() (V, error) { return factory(), nil })
	return v
}

// GetOrLoad is GetOrCreate for factories that can fail. A failed load
// leaves the key absent so a later call can retry.
func (r *Entities[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	r.mu.RLock()
	v, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.entries[key]; ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	r.entries[key] = v
	return v, nil
}
