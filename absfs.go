package fstrans

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/absfs/absfs"
)

// txnFiler exposes a transaction's working tree as an absfs.Filer. Paths
// are virtual: "/" is the working root.
type txnFiler struct {
	tx *Transaction
}

// Ensure txnFiler implements absfs.Filer interface at compile time
var _ absfs.Filer = (*txnFiler)(nil)

// FileSystem returns an absfs.FileSystem view of the working tree. Opens
// for writing and metadata changes detach shared files just like the
// Transaction methods they map to. The view stops working once the
// transaction ends.
//
// Example:
//
//	tx, _ := fstrans.Begin("/srv/www")
//	fsys := tx.FileSystem()
//	fsys.Chdir("/assets")
//	f, err := fsys.Create("site.css") // writes to the working tree only
func (tx *Transaction) FileSystem() absfs.FileSystem {
	return absfs.ExtendFiler(&txnFiler{tx: tx})
}

// local turns a virtual path into a name relative to the working root
func local(name string) string {
	p := strings.TrimPrefix(path.Clean("/"+name), "/")
	if p == "" {
		return "."
	}
	return p
}

// OpenFile implements absfs.Filer
func (a *txnFiler) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := a.tx.OpenFile(local(name), flag, perm)
	if err != nil {
		return nil, err
	}
	if af, ok := f.(absfs.File); ok {
		return af, nil
	}
	f.Close()
	return nil, &os.PathError{Op: "open", Path: name, Err: errors.ErrUnsupported}
}

// Mkdir implements absfs.Filer
func (a *txnFiler) Mkdir(name string, perm os.FileMode) error {
	return a.tx.Mkdir(local(name), perm)
}

// Remove implements absfs.Filer
func (a *txnFiler) Remove(name string) error {
	return a.tx.Remove(local(name))
}

// Rename implements absfs.Filer
func (a *txnFiler) Rename(oldpath, newpath string) error {
	return a.tx.Rename(local(oldpath), local(newpath))
}

// Stat implements absfs.Filer
func (a *txnFiler) Stat(name string) (os.FileInfo, error) {
	return a.tx.Stat(local(name))
}

// Chmod implements absfs.Filer
func (a *txnFiler) Chmod(name string, mode os.FileMode) error {
	return a.tx.Chmod(local(name), mode)
}

// Chtimes implements absfs.Filer
func (a *txnFiler) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return a.tx.Chtimes(local(name), atime, mtime)
}

// Chown implements absfs.Filer
func (a *txnFiler) Chown(name string, uid, gid int) error {
	return a.tx.Chown(local(name), uid, gid)
}

// Separator returns the path separator (always forward slash for virtual paths)
func (a *txnFiler) Separator() uint8 {
	return '/'
}

// ListSeparator returns the path list separator (always colon for virtual paths)
func (a *txnFiler) ListSeparator() uint8 {
	return ':'
}

// Truncate changes the size of the named file, detaching it first
func (a *txnFiler) Truncate(name string, size int64) error {
	f, err := a.tx.OpenFile(local(name), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// ReadDir reads the named working-tree directory
func (a *txnFiler) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := a.tx.Open(local(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries, nil
}

// ReadFile reads the named working-tree file
func (a *txnFiler) ReadFile(name string) ([]byte, error) {
	f, err := a.tx.Open(local(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Sub returns an fs.FS rooted at the given working-tree directory
func (a *txnFiler) Sub(dir string) (fs.FS, error) {
	root := path.Clean("/" + dir)
	info, err := a.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "sub", Path: dir, Err: errors.New("not a directory")}
	}
	return &subFS{filer: a, root: root}, nil
}

// subFS adapts a working-tree directory to io/fs. Names follow fs.ValidPath
// and are taken relative to root.
type subFS struct {
	filer *txnFiler
	root  string
}

var (
	_ fs.FS        = (*subFS)(nil)
	_ fs.ReadDirFS = (*subFS)(nil)
	_ fs.StatFS    = (*subFS)(nil)
)

func (s *subFS) name(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	return path.Join(s.root, name), nil
}

// Open implements fs.FS
func (s *subFS) Open(name string) (fs.File, error) {
	p, err := s.name("open", name)
	if err != nil {
		return nil, err
	}
	return s.filer.tx.Open(local(p))
}

// ReadDir implements fs.ReadDirFS
func (s *subFS) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := s.name("readdir", name)
	if err != nil {
		return nil, err
	}
	return s.filer.ReadDir(p)
}

// Stat implements fs.StatFS
func (s *subFS) Stat(name string) (fs.FileInfo, error) {
	p, err := s.name("stat", name)
	if err != nil {
		return nil, err
	}
	return s.filer.Stat(p)
}
