package safe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coral-mesh/dwarflink/internal/testutil"
)

func TestWriteFile(t *testing.T) {
	logger := testutil.NewTestLogger()

	t.Run("replaces existing file", func(t *testing.T) {
		tmpDir := t.TempDir()
		dst := filepath.Join(tmpDir, "debug_info")

		if err := os.WriteFile(dst, []byte("old"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := WriteFile(dst, []byte("new content"), 0o644, logger); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		got, err := os.ReadFile(dst)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "new content" {
			t.Errorf("got %q, want %q", got, "new content")
		}

		entries, err := os.ReadDir(tmpDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("got %d entries, want only the destination", len(entries))
		}
	})

	t.Run("rejects symlink destination", func(t *testing.T) {
		tmpDir := t.TempDir()
		target := filepath.Join(tmpDir, "target")
		link := filepath.Join(tmpDir, "link")

		if err := os.WriteFile(target, []byte("keep"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(target, link); err != nil {
			t.Fatal(err)
		}

		if err := WriteFile(link, []byte("x"), 0, logger); err == nil {
			t.Fatal("expected error for symlink, got nil")
		}
	})

	t.Run("applies permissions", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "debug_str")

		if err := WriteFile(dst, []byte("x"), 0, logger); err != nil {
			t.Fatal(err)
		}

		info, err := os.Stat(dst)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("got permissions %o, want %o", perm, 0o600)
		}
	})
}

func TestReadFile(t *testing.T) {
	t.Run("reads regular file", func(t *testing.T) {
		tmpDir := t.TempDir()
		src := filepath.Join(tmpDir, "source.txt")
		content := []byte("test content")

		if err := os.WriteFile(src, content, 0o644); err != nil {
			t.Fatal(err)
		}

		got, err := ReadFile(src, nil)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}

		if string(got) != string(content) {
			t.Errorf("got %q, want %q", got, content)
		}
	})

	t.Run("rejects symlink by default", func(t *testing.T) {
		tmpDir := t.TempDir()
		src := filepath.Join(tmpDir, "source.txt")
		link := filepath.Join(tmpDir, "link.txt")

		if err := os.WriteFile(src, []byte("test"), 0o644); err != nil {
			t.Fatal(err)
		}

		if err := os.Symlink(src, link); err != nil {
			t.Fatal(err)
		}

		_, err := ReadFile(link, nil)
		if err == nil {
			t.Fatal("expected error for symlink, got nil")
		}
	})

	t.Run("rejects file exceeding max size", func(t *testing.T) {
		tmpDir := t.TempDir()
		src := filepath.Join(tmpDir, "source.txt")

		content := make([]byte, 1024)
		if err := os.WriteFile(src, content, 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := ReadFile(src, &ReadOptions{MaxSize: 512})
		if err == nil {
			t.Fatal("expected error for oversized file, got nil")
		}
	})
}
