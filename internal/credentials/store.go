package credentials

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no record exists for a user.
var ErrNotFound = errors.New("credentials: not found")

// Record is the persisted part of one user's OAuth credentials. The
// consumer key and secret are application configuration and never stored.
type Record struct {
	AccessToken       string            `json:"access_token"`
	AccessTokenSecret string            `json:"access_token_secret"`
	SessionHandle     string            `json:"session_handle,omitempty"`
	RefreshedAt       time.Time         `json:"refreshed_at,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Valid reports whether the record carries a complete access token pair.
func (r *Record) Valid() bool {
	return r != nil && r.AccessToken != "" && r.AccessTokenSecret != ""
}

// Store is the credential persistence hook, keyed by user id.
type Store interface {
	Load(userID string) (*Record, error)
	Save(userID string, rec *Record) error
	Remove(userID string) error
	List() ([]string, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (m *MemoryStore) Load(userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Save(userID string, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[userID] = *rec
	return nil
}

func (m *MemoryStore) Remove(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}

func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.records), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
