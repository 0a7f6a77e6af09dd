package registry

import (
	"sort"
	"sync"
)

// StoredRecord is a record as held by the save store: raw JSON tagged with its schema version.
type StoredRecord struct {
	Username string
	Version  int
	Data     []byte
}

// Store is the host save layer.
type Store interface {
	LoadRecords() ([]StoredRecord, error)
	SaveRecord(r StoredRecord) error
	DeleteRecord(username string) error

	LoadReturnPositions() (map[string][]byte, error)
	SaveReturnPosition(username string, data []byte) error
	DeleteReturnPosition(username string) error
}

// MemStore is an in-memory Store for tests and for client-side mirrors.
type MemStore struct {
	mu      sync.Mutex
	records map[string]StoredRecord
	returns map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{records: map[string]StoredRecord{}, returns: map[string][]byte{}}
}

func (m *MemStore) LoadRecords() ([]StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *MemStore) SaveRecord(r StoredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Data = append([]byte(nil), r.Data...)
	m.records[r.Username] = r
	return nil
}

func (m *MemStore) DeleteRecord(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, username)
	return nil
}

func (m *MemStore) LoadReturnPositions() (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.returns))
	for k, v := range m.returns {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemStore) SaveReturnPosition(username string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returns[username] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) DeleteReturnPosition(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.returns, username)
	return nil
}
