package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"backsim/internal/types"
)

// journalDocument is the on-disk shape of the open-position journal
type journalDocument struct {
	Positions []types.Position `json:"positions"`
}

// Journal persists the open-position book as a JSON document. Every open and
// close writes the full book atomically (write-to-temp-then-rename) before
// the broker call returns, so the file never diverges from the live book by
// more than the operation in flight.
type Journal struct {
	mu   sync.Mutex
	path string
	last []types.Position
}

// NewJournal creates a journal at the given path. An empty path disables
// persistence; Save becomes a no-op.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Load reads the persisted book. A missing file is an empty book.
func (j *Journal) Load() ([]types.Position, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read position journal %s: %w", j.path, err)
	}
	var doc journalDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse position journal %s: %w", j.path, err)
	}
	j.last = doc.Positions
	return doc.Positions, nil
}

// Save writes the full open book atomically
func (j *Journal) Save(positions []types.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.last = positions
	if j.path == "" {
		return nil
	}
	doc := journalDocument{Positions: positions}
	if doc.Positions == nil {
		doc.Positions = []types.Position{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position journal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write position journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("replace position journal: %w", err)
	}
	return nil
}

// Positions returns the most recently loaded or saved book
func (j *Journal) Positions() []types.Position {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]types.Position, len(j.last))
	copy(out, j.last)
	return out
}
