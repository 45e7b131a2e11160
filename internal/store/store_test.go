// Package store tests for atomic persistence and corruption recovery.
package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type record struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func testDir(t *testing.T) *Dir {
	t.Helper()
	dir, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return dir
}

// TestCollectionRoundTrip verifies basic save and load.
func TestCollectionRoundTrip(t *testing.T) {
	coll := NewCollection[record](testDir(t), "records")

	items := []record{{ID: "a", Value: 1}, {ID: "b", Value: 2}}
	if err := coll.Save(items); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := coll.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "a" || loaded[1].Value != 2 {
		t.Errorf("Load() = %+v", loaded)
	}
}

// TestCollectionMissingFile verifies a fresh collection loads empty.
func TestCollectionMissingFile(t *testing.T) {
	coll := NewCollection[record](testDir(t), "records")
	loaded, err := coll.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Load() on missing file = %+v, want empty", loaded)
	}
}

// TestCollectionSaveNil verifies nil persists as an empty array, not
// JSON null.
func TestCollectionSaveNil(t *testing.T) {
	coll := NewCollection[record](testDir(t), "records")
	if err := coll.Save(nil); err != nil {
		t.Fatalf("Save(nil) error: %v", err)
	}
	data, err := os.ReadFile(coll.File())
	if err != nil {
		t.Fatalf("reading document: %v", err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("document = %q, want []", data)
	}
}

// TestCorruptCollectionQuarantined verifies a malformed document is
// moved aside and the collection resets to empty instead of erroring.
func TestCorruptCollectionQuarantined(t *testing.T) {
	dir := testDir(t)
	coll := NewCollection[record](dir, "records")

	if err := os.WriteFile(coll.File(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := coll.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Load() on corrupt file = %+v, want empty", loaded)
	}

	if _, err := os.Stat(coll.File()); !os.IsNotExist(err) {
		t.Error("corrupt document should have been moved aside")
	}
	backups, err := filepath.Glob(coll.File() + ".corrupt-*")
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one quarantine backup, found %v", backups)
	}
	data, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{not json" {
		t.Errorf("backup content = %q", data)
	}
}

// TestSaveOverwritesAtomically verifies a save replaces the document
// without leaving temp files behind.
func TestSaveOverwritesAtomically(t *testing.T) {
	dir := testDir(t)
	coll := NewCollection[record](dir, "records")

	if err := coll.Save([]record{{ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := coll.Save([]record{{ID: "b"}, {ID: "c"}}); err != nil {
		t.Fatal(err)
	}

	loaded, err := coll.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 || loaded[0].ID != "b" {
		t.Errorf("Load() = %+v", loaded)
	}

	entries, err := os.ReadDir(dir.Path())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

// TestDocumentLifecycle verifies single-value load, save, and delete.
func TestDocumentLifecycle(t *testing.T) {
	doc := NewDocument[record](testDir(t), "session")

	_, ok, err := doc.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ok {
		t.Error("Load() on missing document reported presence")
	}

	if err := doc.Save(record{ID: "s", Value: 7}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	value, ok, err := doc.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || value.Value != 7 {
		t.Errorf("Load() = %+v, ok=%v", value, ok)
	}

	if err := doc.Delete(); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := doc.Delete(); err != nil {
		t.Errorf("Delete() on missing document error: %v", err)
	}
	_, ok, err = doc.Load()
	if err != nil || ok {
		t.Errorf("Load() after delete: ok=%v err=%v", ok, err)
	}
}

// TestDocumentCorruptQuarantined verifies a corrupt session document is
// treated as absent.
func TestDocumentCorruptQuarantined(t *testing.T) {
	doc := NewDocument[record](testDir(t), "session")
	if err := os.WriteFile(doc.File(), []byte("???"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, ok, err := doc.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ok {
		t.Error("corrupt document should load as absent")
	}
	backups, _ := filepath.Glob(doc.File() + ".corrupt-*")
	if len(backups) != 1 {
		t.Errorf("expected one quarantine backup, found %v", backups)
	}
}

// TestOpenRejectsEmptyPath verifies the guard on the data directory.
func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("Open(\"\") should fail")
	}
}
