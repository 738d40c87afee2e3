package fstrans

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// PutFile replaces the working-tree file dest with a copy of source, which
// may live anywhere. Missing parent directories of dest are created. The
// copy is staged next to dest and renamed over it, so dest is replaced in
// one step and source is never shared with the working tree.
func (tx *Transaction) PutFile(dest, source string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("putfile", tx.state)
	}
	path, err := tx.resolve(dest)
	if err != nil {
		return err
	}
	if err := tx.ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	// The entry itself is replaced, even if it is a symlink.
	real, err := tx.entryPath(path)
	if err != nil {
		return err
	}

	// Unlike cloning, a symlinked source is followed.
	info, err := tx.fsys.Stat(source)
	if err != nil {
		return ioError("putfile", source, err)
	}
	if !info.Mode().IsRegular() {
		return ioError("putfile", source, errors.New("not a regular file"))
	}

	tmp := tempPath(real)
	if err := tx.fsys.copyContents(source, tmp, info.Mode()); err != nil {
		_ = tx.fsys.Remove(tmp)
		return ioError("putfile", real, err)
	}
	tx.fsys.copyMeta(info, tmp)
	if err := tx.fsys.Rename(tmp, real); err != nil {
		_ = tx.fsys.Remove(tmp)
		return ioError("putfile", real, err)
	}
	return nil
}

// CloneFile places an independent copy of src at the working-tree path dst,
// replacing dst if it exists. src may be a working-tree path or any path
// outside the transaction.
func (tx *Transaction) CloneFile(src, dst string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("clonefile", tx.state)
	}
	from, err := tx.source(src)
	if err != nil {
		return err
	}
	to, err := tx.resolve(dst)
	if err != nil {
		return err
	}
	if to, err = tx.entryPath(to); err != nil {
		return err
	}
	return tx.fsys.cloneFile(from, to, true)
}

// CloneTree places an independent copy of the directory src at the
// working-tree path dst, which must not exist.
func (tx *Transaction) CloneTree(src, dst string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("clonetree", tx.state)
	}
	from, err := tx.source(src)
	if err != nil {
		return err
	}
	to, err := tx.resolve(dst)
	if err != nil {
		return err
	}
	if to, err = tx.entryPath(to); err != nil {
		return err
	}
	return tx.fsys.cloneTree(from, to, true)
}

// Remove removes a working-tree file or empty directory. Unlinking never
// touches content shared with the final tree.
func (tx *Transaction) Remove(name string) error {
	return tx.mutateEntry("remove", name, func(p string) error {
		return tx.fsys.Remove(p)
	})
}

// RemoveAll removes a working-tree path and any children it contains.
func (tx *Transaction) RemoveAll(name string) error {
	return tx.mutateEntry("removeall", name, func(p string) error {
		if p == tx.work {
			return errors.New("cannot remove the working root")
		}
		return tx.fsys.RemoveAll(p)
	})
}

// Mkdir creates a working-tree directory.
func (tx *Transaction) Mkdir(name string, perm os.FileMode) error {
	return tx.mutateEntry("mkdir", name, func(p string) error {
		return tx.fsys.Mkdir(p, perm)
	})
}

// MkdirAll creates a working-tree directory along with any missing parents.
func (tx *Transaction) MkdirAll(name string, perm os.FileMode) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("mkdir", tx.state)
	}
	path, err := tx.resolve(name)
	if err != nil {
		return err
	}
	return tx.ensureDirMode(path, perm)
}

// Rename renames a working-tree entry. Both names must be in the working tree.
func (tx *Transaction) Rename(oldname, newname string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("rename", tx.state)
	}
	from, err := tx.resolve(oldname)
	if err != nil {
		return err
	}
	if from, err = tx.entryPath(from); err != nil {
		return err
	}
	to, err := tx.resolve(newname)
	if err != nil {
		return err
	}
	if to, err = tx.entryPath(to); err != nil {
		return err
	}
	if from == tx.work || to == tx.work {
		return ioError("rename", from, errors.New("cannot rename the working root"))
	}
	if err := tx.fsys.Rename(from, to); err != nil {
		return ioError("rename", from, err)
	}
	return nil
}

// Stat returns file info for a working-tree path, following symlinks.
func (tx *Transaction) Stat(name string) (os.FileInfo, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return nil, invalidState("stat", tx.state)
	}
	path, err := tx.resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := tx.fsys.Stat(path)
	if err != nil {
		return nil, ioError("stat", path, err)
	}
	return info, nil
}

// Chmod changes the mode of a working-tree file. Mode lives on the inode,
// so a shared file is detached first.
func (tx *Transaction) Chmod(name string, mode os.FileMode) error {
	return tx.mutateInode("chmod", name, func(p string) error {
		return tx.fsys.Chmod(p, mode)
	})
}

// Chown changes the owner of a working-tree file, detaching it first.
func (tx *Transaction) Chown(name string, uid, gid int) error {
	return tx.mutateInode("chown", name, func(p string) error {
		return tx.fsys.Chown(p, uid, gid)
	})
}

// Chtimes changes the times of a working-tree file, detaching it first.
func (tx *Transaction) Chtimes(name string, atime, mtime time.Time) error {
	return tx.mutateInode("chtimes", name, func(p string) error {
		return tx.fsys.Chtimes(p, atime, mtime)
	})
}

// mutateEntry applies fn to the directory entry name, symlinks in its
// parents resolved.
func (tx *Transaction) mutateEntry(op, name string, fn func(string) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState(op, tx.state)
	}
	path, err := tx.resolve(name)
	if err != nil {
		return err
	}
	if path, err = tx.entryPath(path); err != nil {
		return err
	}
	if err := fn(path); err != nil {
		return ioError(op, path, err)
	}
	return nil
}

// mutateInode applies fn to the inode behind name after detaching it.
func (tx *Transaction) mutateInode(op, name string, fn func(string) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState(op, tx.state)
	}
	path, err := tx.resolve(name)
	if err != nil {
		return err
	}
	real, err := tx.realPath(path)
	if err != nil {
		return err
	}
	if err := tx.detach(real); err != nil {
		return err
	}
	if err := fn(real); err != nil {
		return ioError(op, real, err)
	}
	return nil
}

// source maps a clone source: working-tree and final-tree paths, and
// relative names, go through resolve; other absolute paths are used as is.
func (tx *Transaction) source(name string) (string, error) {
	if filepath.IsAbs(name) && !within(tx.work, name) && !within(tx.final, name) {
		return filepath.Clean(name), nil
	}
	return tx.resolve(name)
}

func (tx *Transaction) ensureDir(dir string) error {
	return tx.ensureDirMode(dir, 0755)
}

// ensureDirMode creates dir and its missing parents after checking that
// the deepest existing ancestor resolves inside the working tree.
func (tx *Transaction) ensureDirMode(dir string, perm os.FileMode) error {
	existing := dir
	for {
		if _, err := tx.fsys.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return ioError("mkdir", existing, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return ioError("mkdir", existing, err)
	}
	if !within(tx.work, real) {
		return newError(ErrOutsideTree, "mkdir", dir, nil)
	}
	rel, err := filepath.Rel(existing, dir)
	if err != nil {
		return ioError("mkdir", dir, err)
	}
	target := filepath.Join(real, rel)
	if err := tx.fsys.MkdirAll(target, perm); err != nil {
		return ioError("mkdir", target, err)
	}
	return nil
}
