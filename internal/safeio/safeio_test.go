package safeio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file1")
	content := []byte("content 1")
	if err := WriteFile(path, content, 0660); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode().Perm() != 0660 {
		t.Errorf("permissions mismatch: got %#o, want %#o", st.Mode().Perm(), 0660)
	}
}

func TestWriteFileOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file1")
	if err := WriteFile(path, []byte("content 1"), 0660); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(path, []byte("content 2"), 0600); err != nil {
		t.Fatalf("WriteFile overwrite: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("content 2")) {
		t.Errorf("content mismatch after overwrite: got %q", got)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("permissions not updated: got %#o", st.Mode().Perm())
	}
}

func TestWriteFileNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file1")
	if err := WriteFile(path, []byte("content"), 0660); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "file1" {
		t.Errorf("expected only file1 in %s, got %v", dir, entries)
	}
}
