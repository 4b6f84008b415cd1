//go:build js && wasm

package credentials

import (
	"encoding/json"
	"fmt"

	"github.com/syumai/workers/cloudflare/kv"
)

// KVNamespace is the binding name configured in wrangler.toml.
const KVNamespace = "dbsdk_credentials"

const kvIndexKey = "index"

// KVStore keeps records in Cloudflare KV, one key per user plus an index.
type KVStore struct {
	kvStore *kv.Namespace
}

func NewKVStore() (*KVStore, error) {
	kvStore, err := kv.NewNamespace(KVNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &KVStore{kvStore: kvStore}, nil
}

func kvUserKey(userID string) string {
	return "user:" + userID
}

func (c *KVStore) Load(userID string) (*Record, error) {
	raw, err := c.kvStore.GetString(kvUserKey(userID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials from KV: %w", err)
	}
	if raw == "" {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse credentials JSON: %w", err)
	}
	return &rec, nil
}

func (c *KVStore) Save(userID string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := c.kvStore.PutString(kvUserKey(userID), string(data), nil); err != nil {
		return fmt.Errorf("failed to store credentials in KV: %w", err)
	}
	return c.updateIndex(func(ids map[string]bool) { ids[userID] = true })
}

func (c *KVStore) Remove(userID string) error {
	if err := c.kvStore.Delete(kvUserKey(userID)); err != nil {
		return fmt.Errorf("failed to delete credentials from KV: %w", err)
	}
	return c.updateIndex(func(ids map[string]bool) { delete(ids, userID) })
}

func (c *KVStore) List() ([]string, error) {
	ids, err := c.index()
	if err != nil {
		return nil, err
	}
	return sortedKeys(ids), nil
}

func (c *KVStore) index() (map[string]bool, error) {
	ids := map[string]bool{}
	raw, err := c.kvStore.GetString(kvIndexKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get index from KV: %w", err)
	}
	if raw == "" {
		return ids, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("failed to parse KV index: %w", err)
	}
	for _, id := range list {
		ids[id] = true
	}
	return ids, nil
}

func (c *KVStore) updateIndex(fn func(map[string]bool)) error {
	ids, err := c.index()
	if err != nil {
		return err
	}
	fn(ids)
	data, err := json.Marshal(sortedKeys(ids))
	if err != nil {
		return fmt.Errorf("failed to marshal KV index: %w", err)
	}
	if err := c.kvStore.PutString(kvIndexKey, string(data), nil); err != nil {
		return fmt.Errorf("failed to store KV index: %w", err)
	}
	return nil
}
