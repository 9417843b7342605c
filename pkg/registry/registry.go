// Package registry maps internal call handles and external dialog handles
// to call contexts.
package registry

import (
	"sync"

	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
)

// Handle is the internal identifier of a call. Handles are never reused
// within one registry.
type Handle uint64

// Undefined is the zero handle; no entry ever has it.
const Undefined Handle = 0

type entry[C any] struct {
	value    C
	external string
}

// Registry is one authoritative table keyed by Handle plus a secondary index
// from external key to Handle. Both are updated under the same lock so an
// entry is visible through both keys or through neither.
type Registry[C any] struct {
	logger *logrus.Entry

	mu         sync.RWMutex
	next       Handle
	byHandle   map[Handle]*entry[C]
	byExternal map[string]Handle
}

// New creates an empty registry.
func New[C any](logger *logrus.Entry) *Registry[C] {
	return &Registry[C]{
		logger:     logger,
		byHandle:   make(map[Handle]*entry[C]),
		byExternal: make(map[string]Handle),
	}
}

// Create allocates a handle for value. When external is not empty the
// secondary index is filled in the same step.
func (r *Registry[C]) Create(value C, external string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if external != "" {
		if _, exists := r.byExternal[external]; exists {
			return Undefined, errors.Wrap(errors.ErrAlreadyExists, "external handle already registered", map[string]interface{}{
				"external": external,
			})
		}
	}

	r.next++
	h := r.next
	r.byHandle[h] = &entry[C]{value: value, external: external}
	if external != "" {
		r.byExternal[external] = h
	}
	return h, nil
}

// Bind attaches an external key to an existing handle.
func (r *Registry[C]) Bind(h Handle, external string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[h]
	if !ok {
		return errors.NewNotFound("handle not registered", map[string]interface{}{"handle": uint64(h)})
	}
	if owner, exists := r.byExternal[external]; exists && owner != h {
		return errors.Wrap(errors.ErrAlreadyExists, "external handle already registered", map[string]interface{}{
			"external": external,
		})
	}
	if e.external != "" {
		delete(r.byExternal, e.external)
	}
	e.external = external
	r.byExternal[external] = h
	return nil
}

// Lookup returns the value stored under h.
func (r *Registry[C]) Lookup(h Handle) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byHandle[h]
	if !ok {
		var zero C
		return zero, false
	}
	return e.value, true
}

// LookupExternal resolves an external key.
func (r *Registry[C]) LookupExternal(external string) (C, Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byExternal[external]
	if !ok {
		var zero C
		return zero, Undefined, false
	}
	return r.byHandle[h].value, h, true
}

// Remove deletes h and its external key. Removing an unknown handle is
// logged and reported, never fatal.
func (r *Registry[C]) Remove(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[h]
	if !ok {
		r.logger.WithField("handle", uint64(h)).Warn("Remove of unknown call handle")
		return errors.NewNotFound("handle not registered", map[string]interface{}{"handle": uint64(h)})
	}
	delete(r.byHandle, h)
	if e.external != "" {
		delete(r.byExternal, e.external)
	}
	return nil
}

// RemoveExternal deletes the entry indexed by external.
func (r *Registry[C]) RemoveExternal(external string) error {
	r.mu.RLock()
	h, ok := r.byExternal[external]
	r.mu.RUnlock()

	if !ok {
		r.logger.WithField("external", external).Warn("Remove of unknown dialog handle")
		return errors.NewNotFound("external handle not registered", map[string]interface{}{"external": external})
	}
	return r.Remove(h)
}

// Len returns the number of entries.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// Handles returns a snapshot of all handles.
func (r *Registry[C]) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.byHandle))
	for h := range r.byHandle {
		out = append(out, h)
	}
	return out
}
