// Package filestore implements the NotifiedStore port as a JSON file holding
// the array of notified merge request ids.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.NotifiedStore = (*Store)(nil)

// Store keeps the notified set in a single JSON file such as notified_mrs.json.
type Store struct {
	path string
}

// New creates a Store for path. The file is not touched until Load or Save.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the set. A missing file is the first run and yields an empty
// set; unreadable or undecodable content is an error.
func (s *Store) Load(_ context.Context) (model.IDSet, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.NewIDSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var raw []int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", s.path, model.ErrCorruptState, err)
	}
	if raw == nil {
		// Only [] is an empty set; null would silently forget every notification.
		return nil, fmt.Errorf("decode %s: %w: null instead of an id array", s.path, model.ErrCorruptState)
	}

	ids := model.NewIDSet()
	for _, v := range raw {
		if v <= 0 {
			return nil, fmt.Errorf("decode %s: %w: id %d", s.path, model.ErrCorruptState, v)
		}
		ids.Add(model.MergeRequestID(v))
	}

	return ids, nil
}

// Save replaces the file with the sorted id array. The write goes to a
// temporary file in the same directory which is then renamed over the old one.
func (s *Store) Save(_ context.Context, ids model.IDSet) error {
	sorted := ids.Ints()
	if sorted == nil {
		sorted = []int{}
	}

	data, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("encode notified set: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}

	return nil
}
