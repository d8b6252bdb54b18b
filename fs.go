package gofat32

import (
	"errors"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// Fs provides a mounted Volume as afero.Fs.
// All paths use '/' as separator and are relative to the root of the volume.
type Fs struct {
	vol *Volume
}

var _ afero.Fs = (*Fs)(nil)

// NewFs wraps the volume.
func NewFs(vol *Volume) *Fs {
	return &Fs{vol: vol}
}

// Volume returns the wrapped volume.
func (fs *Fs) Volume() *Volume {
	return fs.vol
}

func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}

func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	_, err := fs.vol.Create(name, true)
	return pathError("mkdir", name, err)
}

func (fs *Fs) MkdirAll(path string, perm os.FileMode) error {
	current := ""
	for _, part := range strings.Split(cleanPath(path), "/") {
		if part == "" {
			continue
		}
		current += "/" + part

		entry, err := fs.vol.Open(current)
		switch {
		case err == nil:
			if !entry.IsDir() {
				return pathError("mkdir", current, syscall.ENOTDIR)
			}
		case errors.Is(err, ErrNotFound):
			if _, err := fs.vol.Create(current, true); err != nil {
				return pathError("mkdir", current, err)
			}
		default:
			return pathError("mkdir", current, err)
		}
	}
	return nil
}

func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile supports the flags os.O_CREATE, os.O_EXCL, os.O_TRUNC and os.O_APPEND.
// perm is ignored as FAT has no permissions.
func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	entry, err := fs.vol.Open(name)
	switch {
	case err == nil:
		if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
			return nil, pathError("open", name, ErrExist)
		}
	case errors.Is(err, ErrNotFound) && flag&os.O_CREATE != 0:
		entry, err = fs.vol.Create(name, false)
		if err != nil {
			return nil, pathError("open", name, err)
		}
	default:
		return nil, pathError("open", name, err)
	}

	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if writable && entry.IsDir() {
		return nil, pathError("open", name, ErrIsDir)
	}
	if writable && flag&os.O_TRUNC != 0 && fs.vol.size(entry) > 0 {
		if err := fs.vol.Resize(entry, 0); err != nil {
			return nil, pathError("open", name, err)
		}
	}

	return newFile(fs.vol, entry, name, flag), nil
}

func (fs *Fs) Remove(name string) error {
	return pathError("remove", name, fs.vol.Remove(name))
}

// RemoveAll removes path and everything below it.
// It returns nil if path does not exist. The root itself is kept.
func (fs *Fs) RemoveAll(path string) error {
	entry, err := fs.vol.Open(path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return pathError("removeall", path, err)
	}
	return fs.removeAll(entry)
}

func (fs *Fs) removeAll(entry *Entry) error {
	if entry.IsDir() {
		children, err := fs.vol.Children(entry)
		if err != nil {
			return pathError("removeall", fs.vol.Path(entry), err)
		}
		for _, child := range children {
			if err := fs.removeAll(child); err != nil {
				return err
			}
		}
	}

	if entry == fs.vol.Root() {
		return nil
	}
	p := fs.vol.Path(entry)
	return pathError("removeall", p, fs.vol.Remove(p))
}

// Rename moves oldname to newname. An existing file at newname is replaced,
// an existing directory is not. The replaced file stays if the move fails.
func (fs *Fs) Rename(oldname, newname string) error {
	entry, err := fs.vol.Open(oldname)
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}

	if err := fs.vol.Replace(entry, newname); err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	return nil
}

func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	entry, err := fs.vol.Open(name)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return fs.vol.FileInfo(entry), nil
}

func (fs *Fs) Name() string {
	return "gofat32"
}

// Chmod is not supported as FAT has no permissions.
func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	return pathError("chmod", name, syscall.EPERM)
}

// Chown is not supported as FAT has no owners.
func (fs *Fs) Chown(name string, uid, gid int) error {
	return pathError("chown", name, syscall.EPERM)
}

// Chtimes sets the access and modification time.
// FAT stores the access time with a precision of one day
// and the modification time with a precision of two seconds.
func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	entry, err := fs.vol.Open(name)
	if err != nil {
		return pathError("chtimes", name, err)
	}
	return pathError("chtimes", name, fs.vol.SetTimes(entry, atime, mtime))
}
