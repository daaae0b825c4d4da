package metastore

import "sync/atomic"

// Handle is a swappable reference to the live Store. The serving layer
// reads through a Handle so an operator cutover to a migrated store copy
// redirects all subsequent requests without a restart. Swapping is atomic
// at the record level: a request resolves the store once and never
// observes a half-migrated URL.
type Handle struct {
	ptr atomic.Pointer[Store]
}

// NewHandle creates a Handle pointing at the given store.
func NewHandle(s Store) *Handle {
	h := &Handle{}
	h.ptr.Store(&s)

	return h
}

// Load returns the current store.
func (h *Handle) Load() Store {
	return *h.ptr.Load()
}

// Swap replaces the current store and returns the previous one so the
// caller can stop it once in-flight requests have drained.
func (h *Handle) Swap(s Store) Store {
	old := h.ptr.Swap(&s)

	return *old
}
