package restclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeJSON(t *testing.T) {
	var v struct {
		Modified Time `json:"modified"`
		Missing  Time `json:"missing"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"modified": "Sat, 21 Aug 2010 22:31:20 +0000", "missing": null}`), &v))

	assert.True(t, v.Modified.Equal(time.Date(2010, 8, 21, 22, 31, 20, 0, time.UTC)))
	assert.True(t, v.Missing.IsZero())

	out, err := json.Marshal(v.Modified)
	require.NoError(t, err)
	assert.Equal(t, `"Sat, 21 Aug 2010 22:31:20 +0000"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`"2010-08-21"`), &v.Modified))
}

func TestDeltaEntryJSON(t *testing.T) {
	var entries []DeltaEntry
	require.NoError(t, json.Unmarshal([]byte(`[["/gone", null], ["/kept.txt", {"path": "/Kept.txt", "bytes": 3}]]`), &entries))

	require.Len(t, entries, 2)
	assert.Equal(t, "/gone", entries[0].Path)
	assert.Nil(t, entries[0].Metadata)
	require.NotNil(t, entries[1].Metadata)
	assert.Equal(t, "/Kept.txt", entries[1].Metadata.Path)

	out, err := json.Marshal(entries[0])
	require.NoError(t, err)
	assert.JSONEq(t, `["/gone", null]`, string(out))

	var bad DeltaEntry
	assert.Error(t, json.Unmarshal([]byte(`["/only-path"]`), &bad))
}

func TestMetadataChild(t *testing.T) {
	meta := Metadata{
		Path:  "/Photos",
		IsDir: true,
		Contents: []Metadata{
			{Path: "/Photos/a.jpg"},
			{Path: "/Photos/B.jpg"},
		},
	}

	child, ok := meta.Child("b.JPG")
	require.True(t, ok)
	assert.Equal(t, "/Photos/B.jpg", child.Path)

	_, ok = meta.Child("c.jpg")
	assert.False(t, ok)
	assert.Equal(t, "Photos", meta.Filename())
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/notes/a.txt", joinPath("/notes", "a.txt"))
	assert.Equal(t, "/a.txt", joinPath("/", "a.txt"))
	assert.Equal(t, "/a.txt", joinPath("", "a.txt"))
}
