package strait

import (
	"context"
	"slices"
	"sync"
)

// Resolver feeds a `Channel` with the set of endpoints it balances over.
type Resolver interface {
	// Watch calls update with the complete endpoint set, first with the
	// initial set then each time it changes, until ctx is done. Calls to
	// update never overlap.
	//
	// A non-nil error means the resolver stopped on its own. The `Channel`
	// keeps using the last set it received.
	Watch(ctx context.Context, update func([]Endpoint)) error
}

// StaticResolver never changes.
type StaticResolver []Endpoint

func (r StaticResolver) Watch(ctx context.Context, update func([]Endpoint)) error {
	update(slices.Clone(r))
	<-ctx.Done()
	return nil
}

// ManualResolver is changed by the application at runtime. Its zero value
// has not resolved anything yet: channels using it wait for the first
// `Set`, `Insert` or `Remove`.
type ManualResolver struct {
	mu        sync.Mutex
	endpoints []Endpoint
	resolved  bool
	version   uint64
	changed   chan struct{}
}

// NewManualResolver returns a resolver which already resolved to
// `initial`.
func NewManualResolver(initial ...Endpoint) *ManualResolver {
	r := &ManualResolver{}
	r.Set(initial...)
	return r
}

// Set replaces the whole endpoint set.
func (r *ManualResolver) Set(endpoints ...Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = dedupEndpoints(endpoints)
	r.notifyLocked()
}

// Insert adds an endpoint, or replaces the one with the same address.
// Replacing it with another TLS configuration makes channels reconnect.
func (r *ManualResolver) Insert(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.endpoints, func(other Endpoint) bool {
		return other.String() == ep.String()
	})
	if idx >= 0 {
		r.endpoints[idx] = ep
	} else {
		r.endpoints = append(r.endpoints, ep)
	}
	r.notifyLocked()
}

func (r *ManualResolver) Remove(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = slices.DeleteFunc(r.endpoints, func(other Endpoint) bool {
		return other.String() == ep.String()
	})
	r.notifyLocked()
}

func (r *ManualResolver) Endpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.endpoints)
}

func (r *ManualResolver) Watch(ctx context.Context, update func([]Endpoint)) error {
	var seen uint64
	for {
		r.mu.Lock()
		if r.changed == nil {
			r.changed = make(chan struct{})
		}
		changed := r.changed
		resolved, version := r.resolved, r.version
		endpoints := slices.Clone(r.endpoints)
		r.mu.Unlock()

		if resolved && version != seen {
			update(endpoints)
			seen = version
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// must be called by the holder of r.mu
func (r *ManualResolver) notifyLocked() {
	r.resolved = true
	r.version++
	if r.changed != nil {
		close(r.changed)
	}
	r.changed = make(chan struct{})
}

// dedupEndpoints keeps the first occurrence of each address.
func dedupEndpoints(endpoints []Endpoint) []Endpoint {
	seen := make(map[string]struct{}, len(endpoints))
	out := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if _, dup := seen[ep.String()]; dup {
			continue
		}
		seen[ep.String()] = struct{}{}
		out = append(out, ep)
	}
	return out
}
