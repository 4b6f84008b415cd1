package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
)

// LockTimeout bounds how long FileStore waits for another process holding
// the credentials file lock.
const LockTimeout = 2 * time.Second

// FileStore keeps every user's record in one JSON file, written atomically
// and guarded by an flock so concurrent CLI invocations do not clobber each
// other.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load(userID string) (*Record, error) {
	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	rec, ok := all[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (f *FileStore) Save(userID string, rec *Record) error {
	return f.update(func(all map[string]*Record) {
		all[userID] = rec
	})
}

func (f *FileStore) Remove(userID string) error {
	return f.update(func(all map[string]*Record) {
		delete(all, userID)
	})
}

func (f *FileStore) List() ([]string, error) {
	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	return sortedKeys(all), nil
}

func (f *FileStore) update(fn func(map[string]*Record)) error {
	unlock, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock()

	all, err := f.readAll()
	if err != nil {
		return err
	}
	fn(all)
	return f.writeAll(all)
}

func (f *FileStore) lock() (func(), error) {
	if err := EnsureParentDir(f.Path); err != nil {
		return nil, err
	}
	fl := flock.New(f.Path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to lock credentials file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("credentials file %s is locked by another process", f.Path)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (f *FileStore) readAll() (map[string]*Record, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	all := map[string]*Record{}
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return all, nil
}

func (f *FileStore) writeAll(all map[string]*Record) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".credentials-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close credentials file: %w", err)
	}

	if err := os.Rename(tmpPath, f.Path); err != nil {
		// Windows cannot rename over an existing file.
		if runtime.GOOS == "windows" {
			_ = os.Remove(f.Path)
			return os.Rename(tmpPath, f.Path)
		}
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}
