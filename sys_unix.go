//go:build unix

package fstrans

import (
	"golang.org/x/sys/unix"
)

// linkCount returns the number of hard links to the inode at path, without
// following symlinks.
func linkCount(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Nlink), nil
}

// processAlive reports whether pid names a live process on this host.
// EPERM means the process exists but belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
