package tokens

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/bher20/sungrowbridge/internal/fsutil"
)

// ErrNoToken means no usable credential is persisted. It is the normal state
// before the first authorization.
var ErrNoToken = errors.New("tokens: no persisted credential")

// CredentialHolder is implemented by vendor clients that own an OAuth
// credential the bridge persists across restarts.
type CredentialHolder interface {
	ExportCredential() (data []byte, ok bool)
	ImportCredential(data []byte) error
}

// Store persists the credential blob at a fixed path. The blob is opaque
// apart from being JSON.
type Store struct {
	path string
}

// NewStore returns a Store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the token file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted blob. Every failure (no path, missing file, empty
// or malformed content) is reported as an error wrapping ErrNoToken; callers
// treat it as "not yet authorized".
func (s *Store) Load() ([]byte, error) {
	if s.path == "" {
		return nil, fmt.Errorf("%w: no token path configured", ErrNoToken)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoToken, s.path)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrNoToken, s.path)
	}
	return data, nil
}

// Save atomically replaces the token file with data.
func (s *Store) Save(data []byte) error {
	if s.path == "" {
		return errors.New("tokens: no token path configured")
	}
	if !json.Valid(data) {
		return errors.New("tokens: refusing to persist non-JSON credential")
	}
	if err := fsutil.WriteBytes(s.path, data, 0o600); err != nil {
		return fmt.Errorf("tokens: writing %s: %w", s.path, err)
	}
	return nil
}

// Restore loads the persisted blob into h. It returns ErrNoToken (wrapped)
// when nothing usable is on disk.
func (s *Store) Restore(h CredentialHolder) error {
	data, err := s.Load()
	if err != nil {
		return err
	}
	if err := h.ImportCredential(data); err != nil {
		return fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	return nil
}

// Persist writes the credential currently held by h. A holder without a
// credential is a no-op.
func (s *Store) Persist(h CredentialHolder) error {
	data, ok := h.ExportCredential()
	if !ok {
		return nil
	}
	return s.Save(data)
}
