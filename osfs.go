package fstrans

import (
	"io"
	"os"

	"github.com/spf13/afero"
)

// osFs is the engine's view of the host filesystem. Everything except hard
// links goes through afero; symlink support is detected through afero's
// optional capability interfaces.
type osFs struct {
	afero.Fs
	copyBufferSize int
}

func newOsFs(copyBufferSize int) *osFs {
	return &osFs{Fs: afero.NewOsFs(), copyBufferSize: copyBufferSize}
}

// osFs must be an afero.Lstater, otherwise afero.Walk follows symlinks
var _ afero.Lstater = (*osFs)(nil)

// LstatIfPossible implements afero.Lstater
func (o *osFs) LstatIfPossible(name string) (os.FileInfo, bool, error) {
	if lstater, ok := o.Fs.(afero.Lstater); ok {
		return lstater.LstatIfPossible(name)
	}
	info, err := o.Fs.Stat(name)
	return info, false, err
}

// Lstat returns file info without following symlinks
func (o *osFs) Lstat(name string) (os.FileInfo, error) {
	info, _, err := o.LstatIfPossible(name)
	return info, err
}

// Readlink returns the destination of a symlink
func (o *osFs) Readlink(name string) (string, error) {
	if reader, ok := o.Fs.(afero.LinkReader); ok {
		return reader.ReadlinkIfPossible(name)
	}
	return "", &os.PathError{Op: "readlink", Path: name, Err: afero.ErrNoReadlink}
}

// Symlink creates newname as a symbolic link to oldname
func (o *osFs) Symlink(oldname, newname string) error {
	if linker, ok := o.Fs.(afero.Linker); ok {
		return linker.SymlinkIfPossible(oldname, newname)
	}
	return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: afero.ErrNoSymlink}
}

// Link creates newname as a hard link to oldname. afero has no hard link
// capability, so this falls through to the OS unless the backing Fs
// provides one.
func (o *osFs) Link(oldname, newname string) error {
	if linker, ok := o.Fs.(interface {
		Link(string, string) error
	}); ok {
		return linker.Link(oldname, newname)
	}
	return os.Link(oldname, newname)
}

// copyContents copies the regular file src into a newly created dst with
// the given mode. dst must not exist.
func (o *osFs) copyContents(src, dst string, mode os.FileMode) error {
	in, err := o.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := o.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}

	buf := make([]byte, o.copyBufferSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// Creation is subject to umask.
	return o.Chmod(dst, mode.Perm())
}

// copyMeta preserves the modification time of src on dst. Failure is not
// fatal.
func (o *osFs) copyMeta(info os.FileInfo, dst string) {
	_ = o.Chtimes(dst, info.ModTime(), info.ModTime())
}

// removeTree deletes the tree at path. Directories without owner write
// permission are opened up first so that their entries can be unlinked.
func (o *osFs) removeTree(path string) error {
	_ = afero.Walk(o, path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && info.Mode().Perm()&0700 != 0700 {
			_ = o.Chmod(p, info.Mode().Perm()|0700)
		}
		return nil
	})
	return o.RemoveAll(path)
}
