package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Persister stores and retrieves the full record snapshot.
// Load returns an error wrapping fs.ErrNotExist when there is no snapshot yet.
type Persister interface {
	Load() ([]Record, error)
	Save(records []Record) error
}

// JSONFile keeps the snapshot as a pretty-printed JSON array.
// Writes go to a temporary file that is renamed over the target.
type JSONFile struct {
	Path string
}

func NewJSONFile(path string) *JSONFile { return &JSONFile{Path: path} }

func (j *JSONFile) Load() ([]Record, error) {
	b, err := os.ReadFile(filepath.Clean(j.Path))
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", j.Path, err)
	}
	return recs, nil
}

func (j *JSONFile) Save(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.Path), 0o750); err != nil {
		return err
	}
	tmp := j.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.Path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Memory is an in-process Persister, mostly for tests and embedding.
type Memory struct {
	mu      sync.Mutex
	records []Record
	saved   bool
	FailErr error // when set, Save returns it
}

func (m *Memory) Load() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return nil, fmt.Errorf("memory snapshot: %w", fs.ErrNotExist)
	}
	return cloneAll(m.records), nil
}

func (m *Memory) Save(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailErr != nil {
		return m.FailErr
	}
	m.records = cloneAll(records)
	m.saved = true
	return nil
}

// Snapshot returns what was last saved.
func (m *Memory) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.records)
}

func cloneAll(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// WriteError reports a failure to persist the snapshot. The in-memory state
// has already been updated when it is returned.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "persist state: " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
