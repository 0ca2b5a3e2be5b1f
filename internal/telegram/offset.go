package telegram

import (
	"encoding/json"
	"os"

	"github.com/bobd/bob/internal/sessions"
)

// OffsetStore persists the last-seen getUpdates offset so restarts do
// not replay updates. Writes go through temp file + rename.
type OffsetStore struct {
	path string
}

// NewOffsetStore creates an offset store at path.
func NewOffsetStore(path string) *OffsetStore {
	return &OffsetStore{path: path}
}

type offsetDoc struct {
	Offset int64 `json:"offset"`
}

// Load reads the persisted offset. Missing or malformed files read as
// zero — the transport simply starts from the present.
func (o *OffsetStore) Load() int64 {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return 0
	}
	var doc offsetDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0
	}
	return doc.Offset
}

// Save persists the offset atomically.
func (o *OffsetStore) Save(offset int64) error {
	data, err := json.Marshal(offsetDoc{Offset: offset})
	if err != nil {
		return err
	}
	return sessions.WriteFileAtomic(o.path, data)
}
