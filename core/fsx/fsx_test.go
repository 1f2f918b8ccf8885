package fsx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.json")

	if err := WriteFileAtomic(path, []byte(`[]`), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back error: %v", err)
	}
	if string(got) != `[]` {
		t.Fatalf("unexpected content: %q", string(got))
	}
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := WriteFileAtomic(path, []byte(`first`), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`second`), 0o644); err != nil {
		t.Fatalf("overwrite error: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back error: %v", err)
	}
	if string(got) != `second` {
		t.Fatalf("unexpected content after overwrite: %q", string(got))
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, ".*tmp*"))
	if err != nil {
		t.Fatalf("glob error: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestWriteFileAtomicMissingParent(t *testing.T) {
	if err := WriteFileAtomic(filepath.Join(t.TempDir(), "no", "such", "dir", "f"), nil, 0o644); err == nil {
		t.Fatalf("expected error for missing parent directory")
	}
}
