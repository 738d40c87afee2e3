//go:build unix

package fstrans

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	log "github.com/sirupsen/logrus"
)

// quietLogger returns a logger that discards everything
func quietLogger() log.FieldLogger {
	logger := log.New()
	logger.Out = io.Discard
	return logger
}

// newTree creates parent/workdir containing testfile.txt = "v1" and
// returns both paths, symlinks resolved
func newTree(t *testing.T) (string, string) {
	t.Helper()
	parent, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	final := filepath.Join(parent, "workdir")
	writeFile(t, filepath.Join(final, "testfile.txt"), "v1")
	return parent, final
}

// begin starts a quiet transaction or fails the test
func begin(t *testing.T, final string, opts ...Option) *Transaction {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	tx, err := Begin(final, opts...)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	return tx
}

// writeFile writes data to path, creating parent directories
func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// readFile reads path as a string
func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

// nlink returns the link count of path
func nlink(t *testing.T, path string) uint64 {
	t.Helper()
	n, err := linkCount(path)
	if err != nil {
		t.Fatalf("failed to stat %s: %v", path, err)
	}
	return n
}

// listDir returns the sorted entry names of dir
func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
