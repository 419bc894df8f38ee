package relay

import "sync"

// Identities maps persisted-user keys to stable numeric session handles.
// Handles are allocated monotonically from 1 on first use and remain stable
// for a given key for the life of the process; they are not persisted across
// restarts. All methods are safe for concurrent use.
type Identities struct {
	mu          sync.Mutex
	nextHandle  int64
	provisional int64
	handles     map[string]int64
}

// NewIdentities creates an empty identity registry.
func NewIdentities() *Identities {
	return &Identities{handles: make(map[string]int64)}
}

// Resolve returns the stable handle for the given persisted-user key,
// allocating the next unused handle on first call. The check, allocation,
// and record are one critical section so two concurrent calls for the same
// key can never allocate two handles.
//
// Postcondition: Repeated calls with the same key return the same handle;
// distinct keys always receive distinct handles.
func (r *Identities) Resolve(userKey string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[userKey]; ok {
		return h
	}
	r.nextHandle++
	r.handles[userKey] = r.nextHandle
	return r.nextHandle
}

// Provisional allocates a unique negative handle for a not-yet-authenticated
// connection, monotonically decreasing from -1. The provisional space is
// disjoint from the handles Resolve allocates, so concurrently connecting
// anonymous sessions never share a mailbox.
func (r *Identities) Provisional() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.provisional--
	return r.provisional
}

// UserKey returns the persisted-user key mapped to the given handle.
// The scan is O(registry size); it exists for diagnostics only.
func (r *Identities) UserKey(handle int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, h := range r.handles {
		if h == handle {
			return key, true
		}
	}
	return "", false
}

// Count returns the number of recorded identity mappings.
func (r *Identities) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
