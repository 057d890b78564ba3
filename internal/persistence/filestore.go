package persistence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps each document as <dir>/<name>.json, replaced atomically on
// every save.
type FileStore struct {
	documents
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	fs := &FileStore{dir: dir}
	fs.documents = documents{backend: fs}
	return fs, nil
}

// Path returns the on-disk path of the named document.
func (f *FileStore) Path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileStore) read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(f.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (f *FileStore) write(_ context.Context, name string, data []byte) error {
	return writeFileAtomic(f.Path(name), data)
}

// Close is a no-op; FileStore holds no open handles.
func (f *FileStore) Close() error { return nil }

// writeFileAtomic writes to a sibling temp file, fsyncs it, renames it over
// path and fsyncs the directory so readers never observe a partial document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Errorf("temp suffix: %w", err)
	}
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), hex.EncodeToString(suffix[:])))

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
