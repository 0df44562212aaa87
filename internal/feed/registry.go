// Package feed implements the broker's feed registry: the mapping from
// feed name to the set of connections subscribed to it.
package feed

import "sync"

// Subscriber is anything the registry can hand a frame to. internal/broker
// satisfies this with a thin wrapper around a *frame.Conn; tests satisfy it
// with a recording fake.
type Subscriber interface {
	// Send delivers one frame to this subscriber. Errors are the caller's
	// concern to log; the registry itself never decides to drop a dead
	// connection mid-broadcast (that happens on the next read-path sweep).
	Send(payload []byte, fds []int) error
}

type record struct {
	subs map[Subscriber]struct{}
}

// Registry is the feed name -> subscriber-set table described in spec.md
// §4.4. All operations are guarded by a single mutex, including
// Broadcast's send loop — a deliberate simplification documented there.
// The broker calls into the registry from one goroutine per connection, so
// that mutex serializes every subscribe, unsubscribe and broadcast.
type Registry struct {
	mu    sync.Mutex
	feeds map[string]*record
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{feeds: make(map[string]*record)}
}

// Ensure idempotently creates an empty feed record if name doesn't already
// exist.
func (r *Registry) Ensure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(name)
}

func (r *Registry) ensureLocked(name string) *record {
	rec, ok := r.feeds[name]
	if !ok {
		rec = &record{subs: make(map[Subscriber]struct{})}
		r.feeds[name] = rec
	}
	return rec
}

// Subscribe adds conn to name's subscriber set, creating the feed if it
// doesn't exist. Subscribing the same connection twice is idempotent: a
// publish after two subscribes still yields exactly one delivery.
func (r *Registry) Subscribe(name string, conn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensureLocked(name)
	rec.subs[conn] = struct{}{}
}

// Unsubscribe removes conn from name's subscriber set, if present. Unlike
// the PhaseHound proof of concept this spec was distilled from — where
// unsubscribe was left unimplemented — this is a first-class operation.
func (r *Registry) Unsubscribe(name string, conn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.feeds[name]; ok {
		delete(rec.subs, conn)
	}
}

// UnsubscribeAll removes conn from every feed's subscriber set. Called once
// per connection on disconnect; after it returns, conn appears in no
// subscriber set anywhere in the registry (spec.md's connection invariant).
func (r *Registry) UnsubscribeAll(conn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.feeds {
		delete(rec.subs, conn)
	}
}

// List returns the known feed names, in no particular order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.feeds))
	for name := range r.feeds {
		names = append(names, name)
	}
	return names
}

// Broadcast sends payload (with any attached fds) to every current
// subscriber of name. Send errors are swallowed here by design — a dead
// socket is reaped by the broker's read path on its next EOF/error, not by
// the broadcast loop, so a single backed-up subscriber never blocks
// delivery to the others.
func (r *Registry) Broadcast(name string, payload []byte, fds []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.feeds[name]
	if !ok {
		return
	}
	for sub := range rec.subs {
		_ = sub.Send(payload, fds)
	}
}
