package rexload

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"

	"github.com/tianyin/rex/internal/rexerr"
)

// Registry is the process-wide index of loaded objects keyed by their
// base-load descriptor (spec.md §4.8). It is the one piece of shared
// mutable state in the loader; every insert, lookup, and remove goes
// through mu.
//
// Grounded on original_source/librex/librex.cpp's rex_obj_load/
// rex_obj_get_bpf global objs vector, generalized into a mutex-guarded
// map. The mutex itself is sasha-s/go-deadlock rather than sync.Mutex so a
// future lock-ordering mistake around the registry surfaces immediately
// in development instead of as a field hang.
type Registry struct {
	mu      deadlock.Mutex
	objects map[int]*LoadedObject
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{objects: map[int]*LoadedObject{}}
}

// Insert registers o under its base descriptor. Insert fails if o is not
// in the Ready state, or if its base descriptor is already registered.
func (r *Registry) Insert(o *LoadedObject) error {
	const op = "rexload.Registry.Insert"
	if o.State() != Ready {
		return rexerr.New(rexerr.Internal, op, fmt.Errorf("object is in state %s, not READY", o.State()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.objects[o.BaseFD()]; exists {
		return rexerr.New(rexerr.Internal, op, fmt.Errorf("base descriptor %d already registered", o.BaseFD()))
	}
	r.objects[o.BaseFD()] = o
	return nil
}

// Lookup returns the object registered under handle, a non-owning
// reference.
func (r *Registry) Lookup(handle int) (*LoadedObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[handle]
	return o, ok
}

// Remove closes and removes the object registered under handle. It is a
// no-op if handle is not registered.
func (r *Registry) Remove(handle int) error {
	r.mu.Lock()
	o, ok := r.objects[handle]
	if ok {
		delete(r.objects, handle)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return o.Close()
}

// Len returns the number of currently registered objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}
