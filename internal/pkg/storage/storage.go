// Package storage abstracts the POSIX backing store the core forwards
// ordinary file operations to, behind a small interface, so it can be
// exercised against a fake in tests without touching the real filesystem.
// The interface covers both read and write-side operations (Readdir,
// Create, Mkdir, Remove, Rename) since the mutation API and the FUSE
// adapter both drive real mutations and real directory listings against
// it.
package storage

import (
	"io"
	"os"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// FileStorage abstracts the backing store's file and directory operations
// used by the FUSE adapter (internal/app/beholdfs) and the mutation API
// (internal/pkg/mutate's caller), so both can be exercised against a fake in
// tests without touching the real filesystem.
type FileStorage interface {
	Open(name string) (File, error)
	Create(name string) (File, error)
	Stat(name string) (os.FileInfo, error)
	Lstat(name string) (os.FileInfo, error)
	Readdirnames(name string) ([]string, error)
	Mkdir(name string, perm os.FileMode) error
	Remove(name string) error
	Rename(oldname, newname string) error
	Symlink(target, name string) error
	Readlink(name string) (string, error)
	Link(oldname, newname string) error
	Chmod(name string, mode os.FileMode) error
	Chtimes(name string, atime, mtime time.Time) error
}

// File abstracts the handful of operations the FUSE adapter performs on an
// open backing-store file.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.WriterAt
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// Local implements FileStorage over the local OS filesystem, rooted at
// Root (the mount's fsroot). Every name passed in is relative to Root,
// matching the dot-prefixed realpath the path parser produces.
type Local struct {
	Root string
}

// full resolves name (always relative to Root, possibly attacker-influenced
// once it has passed through a symlink the mutation API didn't create)
// against Root with securejoin.SecureJoin, so a backing symlink can never
// walk a real path outside the mount root.
func (l Local) full(name string) (string, error) {
	if name == "" || name == "." {
		return l.Root, nil
	}
	return securejoin.SecureJoin(l.Root, name)
}

func (l Local) Open(name string) (File, error) {
	full, err := l.full(name)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

func (l Local) Create(name string) (File, error) {
	full, err := l.full(name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
}

func (l Local) Stat(name string) (os.FileInfo, error) {
	full, err := l.full(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(full)
}

func (l Local) Lstat(name string) (os.FileInfo, error) {
	full, err := l.full(name)
	if err != nil {
		return nil, err
	}
	return os.Lstat(full)
}

func (l Local) Readdirnames(name string) ([]string, error) {
	full, err := l.full(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (l Local) Mkdir(name string, perm os.FileMode) error {
	full, err := l.full(name)
	if err != nil {
		return err
	}
	return os.Mkdir(full, perm)
}

func (l Local) Remove(name string) error {
	full, err := l.full(name)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

func (l Local) Rename(oldname, newname string) error {
	oldFull, err := l.full(oldname)
	if err != nil {
		return err
	}
	newFull, err := l.full(newname)
	if err != nil {
		return err
	}
	return os.Rename(oldFull, newFull)
}

func (l Local) Symlink(target, name string) error {
	full, err := l.full(name)
	if err != nil {
		return err
	}
	return os.Symlink(target, full)
}

func (l Local) Readlink(name string) (string, error) {
	full, err := l.full(name)
	if err != nil {
		return "", err
	}
	return os.Readlink(full)
}

func (l Local) Link(oldname, newname string) error {
	oldFull, err := l.full(oldname)
	if err != nil {
		return err
	}
	newFull, err := l.full(newname)
	if err != nil {
		return err
	}
	return os.Link(oldFull, newFull)
}

func (l Local) Chmod(name string, mode os.FileMode) error {
	full, err := l.full(name)
	if err != nil {
		return err
	}
	return os.Chmod(full, mode)
}

func (l Local) Chtimes(name string, atime, mtime time.Time) error {
	full, err := l.full(name)
	if err != nil {
		return err
	}
	return os.Chtimes(full, atime, mtime)
}

var _ FileStorage = Local{}
