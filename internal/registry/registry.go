// Package registry implements route-name to handler lookup, the bound-
// instance variant of the same, and a process-wide deferred registry for
// routes declared before any Server or Client exists.
package registry

import (
	"sync"

	"github.com/1ureka/wsrpc/internal/rpcerr"
)

// Handler answers one inbound request. args mirrors the wire-level
// RequestPacket.Arguments; the returned value is marshalled as the
// SUCCESS_RESPONSE payload, or the returned error becomes a FAILURE_RESPONSE
// message if non-nil.
type Handler func(args map[string]any) (any, error)

// BoundHandler is the method-style equivalent of Handler: the receiving
// instance is threaded through explicitly since Go has no bound methods.
type BoundHandler func(instance any, args map[string]any) (any, error)

type boundEntry struct {
	handler  BoundHandler
	instance any
}

// RouteRegistry maps route names to handlers for one Client or Server.
type RouteRegistry struct {
	mu     sync.RWMutex
	routes map[string]Handler
	bound  map[string]boundEntry
}

// New returns an empty RouteRegistry.
func New() *RouteRegistry {
	return &RouteRegistry{
		routes: make(map[string]Handler),
		bound:  make(map[string]boundEntry),
	}
}

// Add registers handler under name. Returns rpcerr.ErrDuplicateRoute if name
// is already registered, as a plain or bound-instance route.
func (r *RouteRegistry) Add(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(name) {
		return rpcerr.ErrDuplicateRoute
	}
	r.routes[name] = handler
	return nil
}

// BindInstance associates instance with handler under name, so Lookup's
// dispatch threads instance through as the handler's receiver. Returns
// rpcerr.ErrDuplicateRoute if name is already registered.
func (r *RouteRegistry) BindInstance(name string, instance any, handler BoundHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(name) {
		return rpcerr.ErrDuplicateRoute
	}
	r.bound[name] = boundEntry{handler: handler, instance: instance}
	return nil
}

// Remove deletes name from the registry, plain or bound. A no-op if absent.
func (r *RouteRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, name)
	delete(r.bound, name)
}

// Lookup resolves name to a callable Handler, folding the bound-instance
// case into the same shape the caller invokes. Returns rpcerr.ErrUnknownRoute
// if name is registered nowhere.
func (r *RouteRegistry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.routes[name]; ok {
		return h, nil
	}
	if entry, ok := r.bound[name]; ok {
		instance := entry.instance
		handler := entry.handler
		return func(args map[string]any) (any, error) {
			return handler(instance, args)
		}, nil
	}
	return nil, rpcerr.ErrUnknownRoute
}

// exists reports whether name is taken in either map. Caller must hold mu.
func (r *RouteRegistry) exists(name string) bool {
	if _, ok := r.routes[name]; ok {
		return true
	}
	_, ok := r.bound[name]
	return ok
}

// LoadDeferred merges the process-wide deferred registry (populated by
// Deferred) into r exactly once per registry, clearing the deferred set.
// Duplicate names between the deferred set and r fail with
// rpcerr.ErrDuplicateRoute, matching RouteHandler.load_routes's semantics of
// raising before mutating further — any entries merged before the conflict
// was found stay merged, as in the original.
func (r *RouteRegistry) LoadDeferred() error {
	deferredMu.Lock()
	snapshot := deferred
	deferred = make(map[string]Handler)
	deferredMu.Unlock()

	for name, handler := range snapshot {
		if err := r.Add(name, handler); err != nil {
			return err
		}
	}
	return nil
}

var (
	deferredMu sync.Mutex
	deferred   = make(map[string]Handler)
)

// Deferred registers handler under name in the process-wide deferred
// registry, for routes declared before any Client or Server exists to own
// them. Intended for init-time use via a package-level call. Returns
// rpcerr.ErrDuplicateRoute if name is already deferred.
func Deferred(name string, handler Handler) error {
	deferredMu.Lock()
	defer deferredMu.Unlock()
	if _, ok := deferred[name]; ok {
		return rpcerr.ErrDuplicateRoute
	}
	deferred[name] = handler
	return nil
}
