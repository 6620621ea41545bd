package storage

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// Manager layers RLP encoding and an uncommitted write overlay on top of a
// Database. Mutating engine operations run against the overlay; the
// orchestrator takes a snapshot before each top-level operation and either
// reverts the journal on failure or commits the overlay to the database on
// success, giving every deposit and withdrawal all-or-nothing visibility.
type Manager struct {
	mu      sync.Mutex
	db      Database
	dirty   map[string][]byte
	journal []journalEntry
}

type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

// NewManager constructs a manager over the provided database.
func NewManager(db Database) *Manager {
	return &Manager{db: db, dirty: make(map[string][]byte)}
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The write lands in the overlay and becomes durable only on Commit.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.dirty[string(key)]
	m.journal = append(m.journal, journalEntry{key: string(key), prev: prev, existed: existed})
	m.dirty[string(key)] = encoded
	return nil
}

// KVGet retrieves the value stored under the supplied key, consulting the
// overlay before the database, and decodes it into the provided destination.
// The boolean return reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	data, ok := m.dirty[string(key)]
	m.mu.Unlock()
	if !ok {
		stored, err := m.db.Get(key)
		if err != nil {
			return false, err
		}
		if stored == nil {
			return false, nil
		}
		data = stored
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns an identifier for the current journal position. Passing
// it to RevertToSnapshot undoes every overlay write recorded since.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.journal)
}

// RevertToSnapshot unwinds overlay writes back to the provided snapshot.
func (m *Manager) RevertToSnapshot(snapshot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot < 0 || snapshot > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= snapshot; i-- {
		entry := m.journal[i]
		if entry.existed {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	m.journal = m.journal[:snapshot]
}

// Commit flushes the overlay to the database and resets the journal.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range m.dirty {
		if err := m.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	m.dirty = make(map[string][]byte)
	m.journal = nil
	return nil
}
