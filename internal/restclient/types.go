package restclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the layout of every timestamp the v1 API returns.
const TimeFormat = time.RFC1123Z

// Time decodes Dropbox timestamps such as "Sat, 21 Aug 2010 22:31:20 +0000".
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.Parse(TimeFormat, s)
	if err != nil {
		return fmt.Errorf("parse dropbox time %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(TimeFormat))
}

// Metadata describes a file or folder.
type Metadata struct {
	Size        string     `json:"size"`
	Bytes       int64      `json:"bytes"`
	Path        string     `json:"path"`
	IsDir       bool       `json:"is_dir"`
	IsDeleted   bool       `json:"is_deleted,omitempty"`
	Rev         string     `json:"rev,omitempty"`
	Hash        string     `json:"hash,omitempty"`
	ThumbExists bool       `json:"thumb_exists"`
	Icon        string     `json:"icon"`
	Root        string     `json:"root"`
	MimeType    string     `json:"mime_type,omitempty"`
	Revision    int64      `json:"revision,omitempty"`
	Modified    Time       `json:"modified"`
	ClientMtime Time       `json:"client_mtime"`
	Contents    []Metadata `json:"contents,omitempty"`
}

// Filename is the last element of Path.
func (m *Metadata) Filename() string {
	return path.Base(m.Path)
}

// Child finds a direct child by name, case-insensitively like the server.
func (m *Metadata) Child(filename string) (*Metadata, bool) {
	for i := range m.Contents {
		if strings.EqualFold(m.Contents[i].Filename(), filename) {
			return &m.Contents[i], true
		}
	}
	return nil, false
}

// DeltaEntry is one [path, metadata] pair. Metadata is nil when the path
// was deleted.
type DeltaEntry struct {
	Path     string
	Metadata *Metadata
}

func (e *DeltaEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("delta entry: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Path); err != nil {
		return err
	}
	e.Metadata = nil
	if !bytes.Equal(bytes.TrimSpace(pair[1]), []byte("null")) {
		e.Metadata = &Metadata{}
		if err := json.Unmarshal(pair[1], e.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func (e DeltaEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Path, e.Metadata})
}

// Delta is one page of changes since a cursor.
type Delta struct {
	Entries []DeltaEntry `json:"entries"`
	Reset   bool         `json:"reset"`
	Cursor  string       `json:"cursor"`
	HasMore bool         `json:"has_more"`
}

type QuotaInfo struct {
	Shared int64 `json:"shared"`
	Quota  int64 `json:"quota"`
	Normal int64 `json:"normal"`
}

type AccountInfo struct {
	ReferralLink string    `json:"referral_link"`
	DisplayName  string    `json:"display_name"`
	UID          int64     `json:"uid"`
	Country      string    `json:"country"`
	Email        string    `json:"email,omitempty"`
	Quota        QuotaInfo `json:"quota_info"`
}

// UserID is the uid as the session keys it.
func (a *AccountInfo) UserID() string {
	return strconv.FormatInt(a.UID, 10)
}

// Link is a shareable or streamable URL.
type Link struct {
	URL     string `json:"url"`
	Expires Time   `json:"expires"`
}

type CopyRef struct {
	CopyRef string `json:"copy_ref"`
	Expires Time   `json:"expires"`
}
