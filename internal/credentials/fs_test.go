package credentials

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	exerciseStore(t, NewFileStore(filepath.Join(t.TempDir(), "nested", "credentials.json")))
}

func TestFileStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbsdk", "credentials.json")
	store := NewFileStore(path)
	require.NoError(t, store.Save("42", &Record{AccessToken: "at", AccessTokenSecret: "as"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dir, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dir.Mode().Perm())
}

func TestFileStoreMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewFileStore(path).Load("42")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestFileStoreConcurrentSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// separate instances, as separate processes would have
			assert.NoError(t, NewFileStore(path).Save(id, &Record{AccessToken: id, AccessTokenSecret: id}))
		}(id)
	}
	wg.Wait()

	ids, err := NewFileStore(path).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}
