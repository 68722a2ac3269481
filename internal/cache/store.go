package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/riverbend/rpc-gateway/internal/jsonrpc"
)

// entry is the bookkeeping a Store keeps per cached key. response is treated
// as immutable once stored; callers must Clone it before mutating (e.g. to
// restore a request id).
type entry struct {
	response  *jsonrpc.Response
	key       string
	expiresAt time.Time
	element   *list.Element
}

// Store is a bounded, per-entry-TTL result cache. Capacity pressure evicts
// the least-recently-used entry regardless of its remaining TTL; an
// individual entry otherwise lives until its own TTL elapses. Safe for
// concurrent use; callers need no external lock (spec.md §5).
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // front = most recently used
	maxSize  int
}

func NewStore(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Get returns a currently-live cached response for key, or nil if absent or
// expired. Expired entries are evicted lazily on lookup.
func (s *Store) Get(key string) *jsonrpc.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}

	if time.Now().After(e.expiresAt) {
		s.removeLocked(e)
		return nil
	}

	s.order.MoveToFront(e.element)

	return e.response
}

// Insert writes response under key with the given TTL, evicting the
// least-recently-used entry if the store is at capacity.
func (s *Store) Insert(key string, response *jsonrpc.Response, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		existing.response = response
		existing.expiresAt = time.Now().Add(ttl)
		s.order.MoveToFront(existing.element)

		return
	}

	e := &entry{
		key:       key,
		response:  response,
		expiresAt: time.Now().Add(ttl),
	}
	e.element = s.order.PushFront(e)
	s.entries[key] = e

	if s.maxSize > 0 && len(s.entries) > s.maxSize {
		s.evictLRULocked()
	}
}

// Len returns the current number of stored entries, including expired ones
// that have not yet been evicted by a lookup.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

func (s *Store) evictLRULocked() {
	oldest := s.order.Back()
	if oldest == nil {
		return
	}

	s.removeLocked(oldest.Value.(*entry))
}

func (s *Store) removeLocked(e *entry) {
	s.order.Remove(e.element)
	delete(s.entries, e.key)
}
