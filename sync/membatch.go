package sync

import "github.com/eth2030/statesync/trie"

// MembatchEntry is a fetched trie node that cannot be written yet because
// some of its children are still missing from the store.
type MembatchEntry struct {
	Request NodeRequest
	Blob    []byte
	Missing int
}

// Membatch holds fetched nodes waiting for their children, keyed by
// (account path, node path). It outlives a single healing pass so progress
// survives pivot changes. It is only touched by the healer's processing
// loop and is not safe for concurrent use.
type Membatch struct {
	entries map[trie.PathKey]*MembatchEntry
}

// NewMembatch creates an empty membatch.
func NewMembatch() *Membatch {
	return &Membatch{entries: make(map[trie.PathKey]*MembatchEntry)}
}

// Get returns the entry stored at key.
func (m *Membatch) Get(key trie.PathKey) (*MembatchEntry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

// Put stores e at key. An entry without missing children never waits, so
// putting one removes the key instead.
func (m *Membatch) Put(key trie.PathKey, e *MembatchEntry) {
	if e.Missing <= 0 {
		delete(m.entries, key)
		return
	}
	m.entries[key] = e
}

// Delete drops the entry at key.
func (m *Membatch) Delete(key trie.PathKey) {
	delete(m.entries, key)
}

// Len returns the number of waiting entries.
func (m *Membatch) Len() int { return len(m.entries) }

// Decrement lowers the missing count of the entry at key, saturating at
// zero. An entry reaching zero is removed and returned so the caller can
// commit it.
func (m *Membatch) Decrement(key trie.PathKey) (*MembatchEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.Missing > 0 {
		e.Missing--
	}
	if e.Missing > 0 {
		return nil, false
	}
	delete(m.entries, key)
	return e, true
}
