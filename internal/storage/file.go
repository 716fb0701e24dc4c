package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/bher20/sungrowbridge/internal/fsutil"
)

// FileStorage keeps the state in a single JSON file, replaced atomically on
// every save.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (f *FileStorage) Load(ctx context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Target: f.path, Err: err}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &PersistenceError{Op: "load", Target: f.path, Err: err}
	}
	st.normalize()
	return &st, nil
}

func (f *FileStorage) Save(ctx context.Context, st State) error {
	st.normalize()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Target: f.path, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := fsutil.WriteBytes(f.path, data, 0o644); err != nil {
		return &PersistenceError{Op: "save", Target: f.path, Err: err}
	}
	return nil
}

func (f *FileStorage) Ping(ctx context.Context) error { return nil }

func (f *FileStorage) Close() error { return nil }
