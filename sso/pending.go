package sso

import (
	"sync"
	"time"
)

// PendingAuthorization is the flow context recorded when an authorization
// redirect is issued and consumed exactly once on callback.
type PendingAuthorization struct {
	State        string
	ProviderID   string
	CodeVerifier string
	RedirectURI  string
	Nonce        string
	CreatedAt    time.Time
}

// PendingTable is a short-lived, single-use store keyed by state. Entries
// older than the TTL are never honored and are swept opportunistically on
// insert, so no background goroutine is needed.
type PendingTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]PendingAuthorization
	now     func() time.Time
}

// NewPendingTable constructs a table with the given entry TTL.
func NewPendingTable(ttl time.Duration) *PendingTable {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingTable{
		ttl:     ttl,
		entries: make(map[string]PendingAuthorization),
		now:     time.Now,
	}
}

// Put inserts an entry and sweeps expired ones. CreatedAt is stamped with
// the table's clock unless the caller set it.
func (t *PendingTable) Put(entry PendingAuthorization) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}

	cutoff := t.now().Add(-t.ttl)
	for state, e := range t.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(t.entries, state)
		}
	}

	t.entries[entry.State] = entry
}

// TakeAndRemove atomically removes and returns the entry for state. A second
// call with the same state misses, as does an entry past its TTL.
func (t *PendingTable) TakeAndRemove(state string) (PendingAuthorization, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[state]
	if !ok {
		return PendingAuthorization{}, false
	}
	delete(t.entries, state)

	if entry.CreatedAt.Before(t.now().Add(-t.ttl)) {
		return PendingAuthorization{}, false
	}
	return entry, true
}

// Len reports the number of live entries, for observability.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
