package persistence

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the store selected by backend. For the file backend path is a
// directory; for sqlite it is the database file. An empty path defaults to a
// location under homeDir.
func Open(backend, path, homeDir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		if path == "" {
			path = filepath.Join(homeDir, "state")
		}
		fs, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case BackendSQLite:
		if path == "" {
			path = filepath.Join(homeDir, "agentq.db")
		}
		db, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (supported: file, sqlite)", backend)
	}
}
