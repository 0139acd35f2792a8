package filesystem_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joe/termcore/pkg/filesystem"
)

func TestRealFileSystem_MkdirAll_CreatesNestedDirectories(t *testing.T) {
	t.Parallel()

	fs := filesystem.NewRealFileSystem()
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")

	if err := fs.MkdirAll(nested, 0o750); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	info, err := os.Stat(nested)
	if err != nil {
		t.Fatalf("expected directory to exist: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("expected %s to be a directory", nested)
	}
}

func TestRealFileSystem_Remove_DeletesFile(t *testing.T) {
	t.Parallel()

	fs := filesystem.NewRealFileSystem()
	path := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(path, []byte("test"), 0o640); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := fs.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file to be gone, stat error = %v", err)
	}
}

func TestRealFileSystem_Remove_MissingFileReturnsError(t *testing.T) {
	t.Parallel()

	fs := filesystem.NewRealFileSystem()
	err := fs.Remove(filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Fatal("expected error removing a nonexistent file")
	}
}

func TestRealFileSystem_Chtimes_ChangesModTime(t *testing.T) {
	t.Parallel()

	fs := filesystem.NewRealFileSystem()
	path := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(path, []byte("test"), 0o640); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	newTime := time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC)
	if err := fs.Chtimes(path, newTime, newTime); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().Equal(newTime) {
		t.Errorf("expected modtime %v, got %v", newTime, info.ModTime())
	}
}
