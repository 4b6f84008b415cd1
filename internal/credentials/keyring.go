package credentials

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the service name records are stored under.
const DefaultKeyringService = "dbsdk"

// indexKey holds the list of user ids, since keyrings cannot enumerate.
const indexKey = "dbsdk::index"

// KeyringStore keeps each user's record in the system keyring.
type KeyringStore struct {
	Service string
}

func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{Service: service}
}

// KeyringAvailable probes the system keyring with a throwaway entry.
func KeyringAvailable(service string) bool {
	probe := "dbsdk::probe"
	if err := keyring.Set(service, probe, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(service, probe)
	return true
}

func userKey(userID string) string {
	return "dbsdk::user::" + userID
}

func (k *KeyringStore) Load(userID string) (*Record, error) {
	data, err := keyring.Get(k.Service, userKey(userID))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse keyring credentials: %w", err)
	}
	return &rec, nil
}

func (k *KeyringStore) Save(userID string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := keyring.Set(k.Service, userKey(userID), string(data)); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return k.updateIndex(func(ids map[string]bool) { ids[userID] = true })
}

func (k *KeyringStore) Remove(userID string) error {
	if err := keyring.Delete(k.Service, userKey(userID)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete keyring entry: %w", err)
	}
	return k.updateIndex(func(ids map[string]bool) { delete(ids, userID) })
}

func (k *KeyringStore) List() ([]string, error) {
	ids, err := k.index()
	if err != nil {
		return nil, err
	}
	return sortedKeys(ids), nil
}

func (k *KeyringStore) index() (map[string]bool, error) {
	ids := map[string]bool{}
	data, err := keyring.Get(k.Service, indexKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ids, nil
		}
		return nil, fmt.Errorf("failed to read keyring index: %w", err)
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("failed to parse keyring index: %w", err)
	}
	for _, id := range list {
		ids[id] = true
	}
	return ids, nil
}

func (k *KeyringStore) updateIndex(fn func(map[string]bool)) error {
	ids, err := k.index()
	if err != nil {
		return err
	}
	fn(ids)
	if len(ids) == 0 {
		if err := keyring.Delete(k.Service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("failed to delete keyring index: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(sortedKeys(ids))
	if err != nil {
		return fmt.Errorf("failed to marshal keyring index: %w", err)
	}
	if err := keyring.Set(k.Service, indexKey, string(data)); err != nil {
		return fmt.Errorf("failed to write keyring index: %w", err)
	}
	return nil
}
