package cache

import (
	"sync"

	"github.com/riverbend/rpc-gateway/internal/jsonrpc"
)

// slot is a single-producer/multi-consumer broadcast of one upcoming
// response. done is closed exactly once, by Remove, after an optional
// Publish has recorded the result. Every subscriber that received the slot
// before or during that window observes the same outcome: the published
// response, or nil if the owner never published (i.e. it failed).
type slot struct {
	done   chan struct{}
	result *jsonrpc.Response
	mu     sync.Mutex
}

func (s *slot) publish(resp *jsonrpc.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = resp
}

// wait blocks until the slot is resolved (Remove called) and returns the
// published result, or nil if the owner closed it without publishing.
func (s *slot) wait() *jsonrpc.Response {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.result
}

// Sender is the handle returned by Register; the caller publishes at most
// once and must eventually let the registry remove the slot.
type Sender struct {
	slot *slot
}

// Publish records resp as the slot's result. It has no effect on its own —
// subscribers only observe it once the registry's Remove(key) closes the
// slot's done channel. Calling Publish is optional; a dropped Sender whose
// slot is removed without a Publish call broadcasts "owner failed."
func (s *Sender) Publish(resp *jsonrpc.Response) {
	if s == nil {
		return
	}

	s.slot.publish(resp)
}

// InFlightRegistry maps a request fingerprint to the broadcast slot for its
// currently-outstanding upstream call, per spec.md §4.2. It is guarded by
// its own lock, distinct from the Store's (spec.md §5).
type InFlightRegistry struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{slots: make(map[string]*slot)}
}

// Register creates a broadcast slot for key and returns a Sender. If a slot
// for key already exists, the returned Sender shares it instead of replacing
// it, so that slot's subscribers are still released. The caller MUST call
// Remove(key) exactly once on every exit path, whether or not Publish was
// called, to release waiters and free the slot.
func (r *InFlightRegistry) Register(key string) *Sender {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.slots[key]; ok {
		return &Sender{slot: existing}
	}

	s := &slot{done: make(chan struct{})}
	r.slots[key] = s

	return &Sender{slot: s}
}

// Subscribe returns a wait function if an in-flight slot exists for key, or
// ok=false if there is none. Calling the returned function blocks until the
// slot is resolved and returns the published response, or nil if the owner
// failed — callers observing nil should fall through and issue their own
// upstream call rather than treat it as a valid (if empty) result.
func (r *InFlightRegistry) Subscribe(key string) (wait func() *jsonrpc.Response, ok bool) {
	r.mu.RLock()
	s, exists := r.slots[key]
	r.mu.RUnlock()

	if !exists {
		return nil, false
	}

	return s.wait, true
}

// Remove drops the in-flight slot for key and releases any waiting
// subscribers, delivering whatever was last published (or nil).
func (r *InFlightRegistry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[key]; ok {
		delete(r.slots, key)
		close(s.done)
	}
}
