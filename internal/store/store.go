// Package store persists each logical collection as a single JSON
// document in the app-private data directory. Every write goes through a
// temp file followed by an atomic rename, so no document is ever
// partially written. A document that fails to parse on read is moved
// aside as a backup, never silently discarded; the collection resets to
// empty and startup reconciliation or the next pull repopulates it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldscout/synccore/internal/logging"
)

// Dir is an app-private directory holding collection documents.
type Dir struct {
	path string
}

// Open ensures the data directory exists and returns it.
func Open(path string) (*Dir, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty data directory")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("store: creating data directory: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// Collection binds a typed slice to one JSON document.
type Collection[T any] struct {
	dir  *Dir
	name string
}

// NewCollection returns a collection stored as <dir>/<name>.json.
func NewCollection[T any](dir *Dir, name string) *Collection[T] {
	return &Collection[T]{dir: dir, name: name}
}

// File returns the document path.
func (c *Collection[T]) File() string {
	return filepath.Join(c.dir.path, c.name+".json")
}

// Load reads the collection. A missing document yields an empty slice.
// A corrupt document is quarantined and the collection resets to empty.
func (c *Collection[T]) Load() ([]T, error) {
	data, err := os.ReadFile(c.File())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: reading %s: %w", c.name, err)
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		backup := c.quarantine()
		logging.Error("corrupt collection document quarantined", err,
			map[string]interface{}{"collection": c.name, "backup": backup})
		return nil, nil
	}
	return items, nil
}

// Save writes the full collection atomically.
func (c *Collection[T]) Save(items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", c.name, err)
	}
	return writeAtomic(c.File(), data)
}

// quarantine moves a corrupt document aside and returns the backup path.
func (c *Collection[T]) quarantine() string {
	backup := fmt.Sprintf("%s.corrupt-%d", c.File(), time.Now().Unix())
	if err := os.Rename(c.File(), backup); err != nil {
		// If even the rename fails there is nothing more to preserve.
		_ = os.Remove(c.File())
		return ""
	}
	return backup
}

// writeAtomic writes data via temp-file-then-rename. The temp file is
// synced before the rename so a crash leaves either the old document or
// the complete new one.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: setting temp file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: renaming temp file: %w", err)
	}
	return nil
}

// Document binds a single typed value (not a slice) to one JSON file.
// Used for the session document.
type Document[T any] struct {
	dir  *Dir
	name string
}

// NewDocument returns a document stored as <dir>/<name>.json.
func NewDocument[T any](dir *Dir, name string) *Document[T] {
	return &Document[T]{dir: dir, name: name}
}

// File returns the document path.
func (d *Document[T]) File() string {
	return filepath.Join(d.dir.path, d.name+".json")
}

// Load reads the document. Returns (zero, false, nil) when absent or
// quarantined as corrupt.
func (d *Document[T]) Load() (T, bool, error) {
	var value T
	data, err := os.ReadFile(d.File())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return value, false, nil
		}
		return value, false, fmt.Errorf("store: reading %s: %w", d.name, err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", d.File(), time.Now().Unix())
		if renameErr := os.Rename(d.File(), backup); renameErr != nil {
			_ = os.Remove(d.File())
			backup = ""
		}
		logging.Error("corrupt document quarantined", err,
			map[string]interface{}{"document": d.name, "backup": backup})
		var zero T
		return zero, false, nil
	}
	return value, true, nil
}

// Save writes the document atomically.
func (d *Document[T]) Save(value T) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", d.name, err)
	}
	return writeAtomic(d.File(), data)
}

// Delete removes the document. Missing documents are not an error.
func (d *Document[T]) Delete() error {
	if err := os.Remove(d.File()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: deleting %s: %w", d.name, err)
	}
	return nil
}
