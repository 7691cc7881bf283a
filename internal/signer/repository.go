package signer

import (
	"encoding/json"
	"sync"
)

// Repository is the process-wide signer table. Reads hand out copies;
// mutations are expected to run under the per-signer lock so concurrent
// requests for the same id cannot interleave read-then-clobber updates.
type Repository struct {
	mu      sync.RWMutex
	signers map[string]Signer

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewRepository returns an empty signer table.
func NewRepository() *Repository {
	return &Repository{
		signers: make(map[string]Signer),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Acquire takes the mutation lock for a signer id and returns its release
// function.
func (r *Repository) Acquire(id string) func() {
	r.lockMu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Get returns a copy of the signer record for id.
func (r *Repository) Get(id string) (Signer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.signers[id]
	return record, ok
}

// Put stores or replaces the signer record.
func (r *Repository) Put(record Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signers[record.ID] = record
}

// Delete removes the signer record and its lock entry.
func (r *Repository) Delete(id string) {
	r.mu.Lock()
	delete(r.signers, id)
	r.mu.Unlock()

	r.lockMu.Lock()
	delete(r.locks, id)
	r.lockMu.Unlock()
}

// Count reports the number of live signers.
func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signers)
}

// Rehydrate loads persisted session documents back into the live table.
// Live signer state survives process restarts this way; documents that do
// not decode are skipped and reported in the returned count.
func (r *Repository) Rehydrate(documents []json.RawMessage) (loaded, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, document := range documents {
		var record Signer
		if err := json.Unmarshal(document, &record); err != nil || record.ID == "" {
			skipped++
			continue
		}
		r.signers[record.ID] = record
		loaded++
	}
	return loaded, skipped
}
