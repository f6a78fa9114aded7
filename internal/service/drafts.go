package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

// drafts holds in-flight operations that have not reached the ledger yet.
// A draft is checked out with acquire and put back with release; a second
// acquire in between fails with ErrConflict instead of waiting.
type drafts[T any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[uuid.UUID]*slot[T]
}

type slot[T any] struct {
	value   T
	busy    bool
	expires time.Time
}

func newDrafts[T any](ttl time.Duration, now func() time.Time) *drafts[T] {
	return &drafts[T]{ttl: ttl, now: now, items: make(map[uuid.UUID]*slot[T])}
}

func (r *drafts[T]) put(id uuid.UUID, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sweep(now)
	r.items[id] = &slot[T]{value: v, expires: now.Add(r.ttl)}
}

func (r *drafts[T]) get(id uuid.UUID) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok || (!s.busy && !r.now().Before(s.expires)) {
		var zero T
		return zero, domain.ErrNotFound
	}
	return s.value, nil
}

func (r *drafts[T]) acquire(id uuid.UUID) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	s, ok := r.items[id]
	if !ok {
		return zero, domain.ErrNotFound
	}
	if s.busy {
		return zero, domain.ErrConflict
	}
	if !r.now().Before(s.expires) {
		delete(r.items, id)
		return zero, domain.ErrNotFound
	}
	s.busy = true
	return s.value, nil
}

func (r *drafts[T]) release(id uuid.UUID, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return
	}
	s.value = v
	s.busy = false
	s.expires = r.now().Add(r.ttl)
}

func (r *drafts[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// sweep drops idle expired drafts. Callers hold mu.
func (r *drafts[T]) sweep(now time.Time) {
	for id, s := range r.items {
		if !s.busy && !now.Before(s.expires) {
			delete(r.items, id)
		}
	}
}
