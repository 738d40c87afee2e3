//go:build unix

package fstrans

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// newSourceTree builds a small tree with nested directories and symlinks
func newSourceTree(t *testing.T) string {
	t.Helper()
	parent, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	src := filepath.Join(parent, "src")
	writeFile(t, filepath.Join(src, "top.txt"), "top")
	writeFile(t, filepath.Join(src, "subdir", "file1"), "one")
	writeFile(t, filepath.Join(src, "subdir", "deeper", "file2"), "two")
	if err := os.Symlink("top.txt", filepath.Join(src, "link")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}
	if err := os.Symlink("subdir", filepath.Join(src, "dirlink")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}
	if err := os.Chmod(filepath.Join(src, "subdir"), 0750); err != nil {
		t.Fatalf("failed to chmod: %v", err)
	}
	return src
}

func checkSameTree(t *testing.T, src, dst string) {
	t.Helper()
	for _, rel := range []string{"top.txt", "subdir/file1", "subdir/deeper/file2"} {
		if got, want := readFile(t, filepath.Join(dst, rel)), readFile(t, filepath.Join(src, rel)); got != want {
			t.Errorf("%s: expected %q, got %q", rel, want, got)
		}
	}
	for _, rel := range []string{"link", "dirlink"} {
		want, _ := os.Readlink(filepath.Join(src, rel))
		got, err := os.Readlink(filepath.Join(dst, rel))
		if err != nil {
			t.Errorf("%s: expected a symlink: %v", rel, err)
		} else if got != want {
			t.Errorf("%s: expected target %q, got %q", rel, want, got)
		}
	}
	info, err := os.Stat(filepath.Join(dst, "subdir"))
	if err != nil {
		t.Fatalf("failed to stat subdir: %v", err)
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("expected subdir mode 0750, got %v", info.Mode().Perm())
	}
}

func TestCloneTreeShared(t *testing.T) {
	src := newSourceTree(t)
	dst := filepath.Join(filepath.Dir(src), "dst")

	if err := newOsFs(DefaultCopyBufferSize).cloneTree(src, dst, false); err != nil {
		t.Fatalf("failed to clone: %v", err)
	}
	checkSameTree(t, src, dst)

	for _, rel := range []string{"top.txt", "subdir/file1", "subdir/deeper/file2"} {
		if n := nlink(t, filepath.Join(dst, rel)); n != 2 {
			t.Errorf("%s: expected a shared inode, link count %d", rel, n)
		}
	}
}

func TestCloneTreeIndependent(t *testing.T) {
	src := newSourceTree(t)
	dst := filepath.Join(filepath.Dir(src), "dst")

	if err := CloneTree(src, dst); err != nil {
		t.Fatalf("failed to clone: %v", err)
	}
	checkSameTree(t, src, dst)

	for _, rel := range []string{"top.txt", "subdir/file1", "subdir/deeper/file2"} {
		if n := nlink(t, filepath.Join(dst, rel)); n != 1 {
			t.Errorf("%s: expected link count 1, got %d", rel, n)
		}
	}

	// In-place modification of the copy leaves the source alone.
	writeFile(t, filepath.Join(dst, "top.txt"), "changed")
	if got := readFile(t, filepath.Join(src, "top.txt")); got != "top" {
		t.Errorf("source modified through clone: %q", got)
	}
}

func TestCloneTreeKeepsSymlinks(t *testing.T) {
	src := newSourceTree(t)
	links := map[string]string{
		"dangling": "missing",
		"parent":   "..",
		"self":     ".",
		"abs":      filepath.Join(src, "subdir"),
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(src, "subdir", name)); err != nil {
			t.Fatalf("failed to create symlink: %v", err)
		}
	}

	for _, independent := range []bool{false, true} {
		dst := filepath.Join(filepath.Dir(src), "dst")
		if err := newOsFs(DefaultCopyBufferSize).cloneTree(src, dst, independent); err != nil {
			t.Fatalf("independent=%v: failed to clone: %v", independent, err)
		}
		checkSameTree(t, src, dst)
		for name, want := range links {
			got, err := os.Readlink(filepath.Join(dst, "subdir", name))
			if err != nil {
				t.Errorf("independent=%v: %s: expected a symlink: %v", independent, name, err)
			} else if got != want {
				t.Errorf("independent=%v: %s: expected target %q, got %q", independent, name, want, got)
			}
		}
		if got := listDir(t, filepath.Join(dst, "subdir")); len(got) != 6 {
			t.Errorf("independent=%v: expected 6 entries in subdir, got %v", independent, got)
		}
		if err := os.RemoveAll(dst); err != nil {
			t.Fatalf("failed to remove clone: %v", err)
		}
	}
}

func TestOsFsIsLstater(t *testing.T) {
	src := newSourceTree(t)
	lstater, ok := afero.Fs(newOsFs(DefaultCopyBufferSize)).(afero.Lstater)
	if !ok {
		t.Fatal("expected osFs to implement afero.Lstater")
	}
	info, lstated, err := lstater.LstatIfPossible(filepath.Join(src, "dirlink"))
	if err != nil {
		t.Fatalf("failed to lstat: %v", err)
	}
	if !lstated || info.Mode()&os.ModeSymlink == 0 {
		t.Errorf("expected symlink info, got %v (lstated=%v)", info.Mode(), lstated)
	}
}

func TestCloneTreeDestinationExists(t *testing.T) {
	src := newSourceTree(t)
	dst := filepath.Join(filepath.Dir(src), "dst")
	writeFile(t, filepath.Join(dst, "keep"), "mine")

	err := CloneTree(src, dst)
	if !errors.Is(err, ErrClone) {
		t.Fatalf("expected ErrClone, got %v", err)
	}
	if !errors.Is(err, os.ErrExist) {
		t.Errorf("expected cause to be ErrExist, got %v", err)
	}
	if got := readFile(t, filepath.Join(dst, "keep")); got != "mine" {
		t.Errorf("existing destination was modified")
	}
}

func TestCloneTreeRemovesPartialCopy(t *testing.T) {
	src := newSourceTree(t)
	if err := unix.Mkfifo(filepath.Join(src, "subdir", "pipe"), 0644); err != nil {
		t.Skipf("cannot create fifo: %v", err)
	}
	dst := filepath.Join(filepath.Dir(src), "dst")

	err := CloneTree(src, dst)
	if !errors.Is(err, ErrClone) {
		t.Fatalf("expected ErrClone, got %v", err)
	}
	if !errors.Is(err, errUnsupportedType) {
		t.Errorf("expected unsupported type cause, got %v", err)
	}
	if _, err := os.Lstat(dst); !os.IsNotExist(err) {
		t.Errorf("expected partial clone to be removed, got %v", err)
	}

	// A shared clone links special files instead.
	if err := newOsFs(DefaultCopyBufferSize).cloneTree(src, dst, false); err != nil {
		t.Fatalf("failed to clone with fifo: %v", err)
	}
}

func TestCloneTreeIntoItself(t *testing.T) {
	src := newSourceTree(t)
	if err := CloneTree(src, filepath.Join(src, "subdir", "copy")); !errors.Is(err, ErrClone) {
		t.Fatalf("expected ErrClone, got %v", err)
	}
	if _, err := os.Lstat(filepath.Join(src, "subdir", "copy")); !os.IsNotExist(err) {
		t.Errorf("expected nothing to be created, got %v", err)
	}
}

func TestCloneTreeReadOnlyDirectory(t *testing.T) {
	src := newSourceTree(t)
	dst := filepath.Join(filepath.Dir(src), "dst")
	ro := filepath.Join(src, "subdir", "deeper")
	if err := os.Chmod(ro, 0555); err != nil {
		t.Fatalf("failed to chmod: %v", err)
	}
	t.Cleanup(func() {
		os.Chmod(ro, 0755)
		os.Chmod(filepath.Join(dst, "subdir", "deeper"), 0755)
	})

	if err := CloneTree(src, dst); err != nil {
		t.Fatalf("failed to clone: %v", err)
	}
	info, err := os.Stat(filepath.Join(dst, "subdir", "deeper"))
	if err != nil {
		t.Fatalf("failed to stat: %v", err)
	}
	if info.Mode().Perm() != 0555 {
		t.Errorf("expected mode 0555, got %v", info.Mode().Perm())
	}
	if got := readFile(t, filepath.Join(dst, "subdir", "deeper", "file2")); got != "two" {
		t.Errorf("expected %q, got %q", "two", got)
	}
}

func TestCloneFileReplacesDestination(t *testing.T) {
	src := newSourceTree(t)
	dir := filepath.Dir(src)
	dst := filepath.Join(dir, "copy.txt")
	writeFile(t, dst, "old")

	if err := CloneFile(filepath.Join(src, "top.txt"), dst); err != nil {
		t.Fatalf("failed to clone file: %v", err)
	}
	if got := readFile(t, dst); got != "top" {
		t.Errorf("expected %q, got %q", "top", got)
	}
	if n := nlink(t, dst); n != 1 {
		t.Errorf("expected link count 1, got %d", n)
	}
	if n := nlink(t, filepath.Join(src, "top.txt")); n != 1 {
		t.Errorf("expected source link count 1, got %d", n)
	}

	// No temp files are left next to the destination.
	for _, name := range listDir(t, dir) {
		if name != "src" && name != "copy.txt" {
			t.Errorf("unexpected entry %q", name)
		}
	}
}

func TestCloneFileRejectsDirectory(t *testing.T) {
	src := newSourceTree(t)
	err := CloneFile(filepath.Join(src, "subdir"), filepath.Join(filepath.Dir(src), "x"))
	if !errors.Is(err, ErrClone) {
		t.Fatalf("expected ErrClone, got %v", err)
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		parent, path string
		want         bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/b/c", true},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/a", false},
		{"/a/b", "/a/b/../c", false},
		{"/a/b", "/a/b/..foo", true},
	}
	for _, tt := range tests {
		if got := within(tt.parent, tt.path); got != tt.want {
			t.Errorf("within(%q, %q) = %v, want %v", tt.parent, tt.path, got, tt.want)
		}
	}
}
