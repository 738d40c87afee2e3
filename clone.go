package fstrans

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var errUnsupportedType = errors.New("unsupported file type for independent copy")

// CloneTree makes an independent copy of the directory tree src at dst.
// dst must not exist. Every regular file in the copy has its own inode, so
// the copy may be modified in place without affecting src. On failure no
// partial copy is left behind.
func CloneTree(src, dst string, opts ...Option) error {
	o := newOptions(opts)
	return newOsFs(o.copyBufferSize).cloneTree(src, dst, true)
}

// CloneFile makes an independent copy of the file src at dst, replacing
// dst atomically if it exists.
func CloneFile(src, dst string, opts ...Option) error {
	o := newOptions(opts)
	return newOsFs(o.copyBufferSize).cloneFile(src, dst, true)
}

// cloneTree materializes the tree at src as a new directory dst. Regular
// files are hard links to their source unless independent is set, in which
// case their content is copied.
func (o *osFs) cloneTree(src, dst string, independent bool) error {
	info, err := o.Lstat(src)
	if err != nil {
		return newError(ErrClone, "clone", src, err)
	}
	if !info.IsDir() {
		return newError(ErrClone, "clone", src, fmt.Errorf("not a directory"))
	}
	if within(src, dst) {
		return newError(ErrClone, "clone", dst, fmt.Errorf("destination is inside %s", src))
	}

	if err := o.Mkdir(dst, info.Mode().Perm()|0700); err != nil {
		return newError(ErrClone, "clone", dst, err)
	}
	if err := o.cloneContents(src, dst, info, independent); err != nil {
		if rerr := o.removeTree(dst); rerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove partial clone: %w", rerr))
		}
		return newError(ErrClone, "clone", src, err)
	}
	return nil
}

// cloneContents walks src depth-first, parents before children, recreating
// each entry under dst. Directory permissions are applied last so that
// read-only directories can still be populated.
func (o *osFs) cloneContents(src, dst string, root os.FileInfo, independent bool) error {
	type dirMode struct {
		path string
		mode os.FileMode
	}
	dirs := []dirMode{{dst, root.Mode().Perm()}}

	err := afero.Walk(o, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			if err := o.Mkdir(target, info.Mode().Perm()|0700); err != nil {
				return err
			}
			dirs = append(dirs, dirMode{target, info.Mode().Perm()})
			return nil
		}
		return o.cloneEntry(path, target, info, independent)
	})
	if err != nil {
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := o.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			return err
		}
	}
	return nil
}

// cloneEntry recreates a single non-directory entry.
func (o *osFs) cloneEntry(src, dst string, info os.FileInfo, independent bool) error {
	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		target, err := o.Readlink(src)
		if err != nil {
			return err
		}
		return o.Symlink(target, dst)
	case !independent:
		return o.Link(src, dst)
	case mode.IsRegular():
		if err := o.copyContents(src, dst, mode); err != nil {
			return err
		}
		o.copyMeta(info, dst)
		return nil
	default:
		return &os.PathError{Op: "clone", Path: src, Err: errUnsupportedType}
	}
}

// cloneFile materializes src at dst through a temp sibling, so an existing
// dst is replaced in one rename.
func (o *osFs) cloneFile(src, dst string, independent bool) error {
	info, err := o.Lstat(src)
	if err != nil {
		return newError(ErrClone, "clone", src, err)
	}
	if info.IsDir() {
		return newError(ErrClone, "clone", src, fmt.Errorf("is a directory"))
	}

	tmp := tempPath(dst)
	if err := o.cloneEntry(src, tmp, info, independent); err != nil {
		_ = o.Remove(tmp)
		return newError(ErrClone, "clone", src, err)
	}
	if err := o.Rename(tmp, dst); err != nil {
		_ = o.Remove(tmp)
		return newError(ErrClone, "clone", dst, err)
	}
	return nil
}

// within reports whether path is parent or lies beneath it.
func within(parent, path string) bool {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	c, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(p, c)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
