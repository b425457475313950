package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNonEmptyFile(t *testing.T) {
	dir := t.TempDir()

	full := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(full, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := NonEmptyFile(full); err != nil {
		t.Fatalf("non-empty file should pass: %v", err)
	}

	empty := filepath.Join(dir, "empty.jpg")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := NonEmptyFile(empty); err == nil {
		t.Fatal("empty file should fail")
	}

	if err := NonEmptyFile(filepath.Join(dir, "missing.jpg")); err == nil {
		t.Fatal("missing file should fail")
	}
	if err := NonEmptyFile(dir); err == nil {
		t.Fatal("directory should fail")
	}
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b"), make([]byte, 50), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	size, err := DirSize(dir)
	if err != nil {
		t.Fatalf("DirSize: %v", err)
	}
	if size != 150 {
		t.Fatalf("expected 150 bytes, got %d", size)
	}

	size, err = DirSize(filepath.Join(dir, "nope"))
	if err != nil || size != 0 {
		t.Fatalf("missing dir should report zero, got %d, %v", size, err)
	}
}
