package fstrans

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// maxSymlinkDepth bounds symlink resolution inside the working tree
const maxSymlinkDepth = 40 // Same as Linux MAXSYMLINKS

var errSymlinkLoop = errors.New("too many levels of symbolic links")

// isWrite reports whether flag requests any kind of modification
func isWrite(flag int) bool {
	return flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0
}

// Open opens a working-tree file for reading
func (tx *Transaction) Open(name string) (afero.File, error) {
	return tx.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a working-tree file
func (tx *Transaction) Create(name string) (afero.File, error) {
	return tx.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens a working-tree file with os.OpenFile flag semantics. Any
// write-intent flag first detaches a file still shared with the final tree,
// so writes, truncation and appends only ever reach a private copy.
func (tx *Transaction) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return nil, invalidState("open", tx.state)
	}
	path, err := tx.resolve(name)
	if err != nil {
		return nil, err
	}
	return tx.openFile(path, flag, perm)
}

func (tx *Transaction) openFile(path string, flag int, perm os.FileMode) (afero.File, error) {
	if isWrite(flag) {
		if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
			entry, err := tx.entryPath(path)
			if err != nil {
				return nil, err
			}
			if _, err := tx.fsys.Lstat(entry); err == nil {
				return nil, ioError("open", entry, fs.ErrExist)
			}
		}

		real, err := tx.realPath(path)
		if err != nil {
			return nil, err
		}
		path = real

		if flag&os.O_TRUNC != 0 {
			return tx.openTruncated(path, flag, perm)
		}
		if err := tx.detach(path); err != nil {
			return nil, err
		}
	}

	f, err := tx.fsys.OpenFile(path, flag, perm)
	if err != nil {
		return nil, ioError("open", path, err)
	}
	return f, nil
}

// openTruncated opens path with O_TRUNC. A shared file is replaced by an
// empty private one only once the open has succeeded, so a failed open
// leaves the working copy as it was.
func (tx *Transaction) openTruncated(path string, flag int, perm os.FileMode) (afero.File, error) {
	info, shared, err := tx.sharedFile(path)
	if err != nil {
		return nil, err
	}
	if !shared {
		f, err := tx.fsys.OpenFile(path, flag, perm)
		if err != nil {
			return nil, ioError("open", path, err)
		}
		return f, nil
	}

	tmp := tempPath(path)
	if err := tx.createEmpty(tmp, info.Mode()); err != nil {
		_ = tx.fsys.Remove(tmp)
		return nil, ioError("open", path, err)
	}
	f, err := tx.fsys.OpenFile(tmp, flag&^(os.O_CREATE|os.O_EXCL), 0)
	if err != nil {
		_ = tx.fsys.Remove(tmp)
		return nil, ioError("open", path, err)
	}
	if err := tx.fsys.Rename(tmp, path); err != nil {
		f.Close()
		_ = tx.fsys.Remove(tmp)
		return nil, ioError("open", path, err)
	}
	CopyOnWriteBreaks.Inc()
	return &stagedFile{File: f, name: path}, nil
}

// stagedFile is a file opened under a temp name and then renamed into place
type stagedFile struct {
	afero.File
	name string
}

func (f *stagedFile) Name() string { return f.name }

// Detach makes a working-tree file private so that it can be modified in
// place, for instance by an external program. Files that are already
// private are left alone.
func (tx *Transaction) Detach(name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("detach", tx.state)
	}
	path, err := tx.resolve(name)
	if err != nil {
		return err
	}
	real, err := tx.realPath(path)
	if err != nil {
		return err
	}
	info, err := tx.fsys.Lstat(real)
	if err != nil {
		return ioError("detach", real, err)
	}
	if info.IsDir() {
		return ioError("detach", real, errors.New("is a directory, use DetachTree"))
	}
	return tx.detach(real)
}

// DetachTree detaches every regular file below the working-tree directory name.
func (tx *Transaction) DetachTree(name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("detach", tx.state)
	}
	path, err := tx.resolve(name)
	if err != nil {
		return err
	}
	root, err := tx.realPath(path)
	if err != nil {
		return err
	}

	return afero.Walk(tx.fsys, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return ioError("detach", p, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return tx.detach(p)
	})
}

// sharedFile reports whether path is a regular file still hard linked
// with the final tree. A missing path is not shared.
func (tx *Transaction) sharedFile(path string) (os.FileInfo, bool, error) {
	info, err := tx.fsys.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, ioError("detach", path, err)
	}
	if !info.Mode().IsRegular() {
		return info, false, nil
	}

	n, err := linkCount(path)
	if err != nil {
		return nil, false, ioError("detach", path, err)
	}
	// A single link means the working tree already owns it.
	return info, n > 1, nil
}

// detach breaks the hard link between a working-tree file and the final
// tree. A private copy is staged in a temp sibling and renamed over path,
// so path never goes missing.
func (tx *Transaction) detach(path string) error {
	info, shared, err := tx.sharedFile(path)
	if err != nil || !shared {
		return err
	}

	tmp := tempPath(path)
	if err := tx.fsys.copyContents(path, tmp, info.Mode()); err != nil {
		_ = tx.fsys.Remove(tmp)
		return ioError("detach", path, err)
	}
	tx.fsys.copyMeta(info, tmp)

	if err := tx.fsys.Rename(tmp, path); err != nil {
		_ = tx.fsys.Remove(tmp)
		return ioError("detach", path, err)
	}
	CopyOnWriteBreaks.Inc()
	return nil
}

func (tx *Transaction) createEmpty(path string, mode os.FileMode) error {
	f, err := tx.fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return tx.fsys.Chmod(path, mode.Perm())
}

// realPath resolves symlinks in path, including a final symlink component,
// and requires the result to stay inside the working tree. The last
// component need not exist.
func (tx *Transaction) realPath(path string) (string, error) {
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		p, err := tx.entryPath(path)
		if err != nil {
			return "", err
		}

		info, err := tx.fsys.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		} else if err != nil {
			return "", ioError("resolve", p, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return p, nil
		}

		target, err := tx.fsys.Readlink(p)
		if err != nil {
			return "", ioError("resolve", p, err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(p), target)
		}
		path = filepath.Clean(target)
	}
	return "", ioError("resolve", path, errSymlinkLoop)
}

// entryPath resolves symlinks in the parent directories of path, leaving
// the last component as is, and requires the result to stay inside the
// working tree.
func (tx *Transaction) entryPath(path string) (string, error) {
	if path == tx.work {
		return path, nil
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", ioError("resolve", path, err)
	}
	p := filepath.Join(dir, filepath.Base(path))
	if !within(tx.work, p) {
		return "", newError(ErrOutsideTree, "resolve", path, nil)
	}
	return p, nil
}
