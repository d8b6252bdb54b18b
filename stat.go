package gofat32

import (
	"os"
	"time"
)

// FileInfo returns a snapshot of the entry as os.FileInfo.
// Sys returns the *Entry itself.
// Use Volume.FileInfo if the entry may be changed concurrently.
func (e *Entry) FileInfo() os.FileInfo {
	return entryFileInfo{
		name:    e.name,
		size:    e.Size(),
		mode:    e.Mode(),
		modTime: e.modified,
		entry:   e,
	}
}

// FileInfo returns a snapshot of entry like Entry.FileInfo,
// but taken while no other goroutine changes the entry.
func (v *Volume) FileInfo(entry *Entry) os.FileInfo {
	v.lock.Lock()
	defer v.lock.Unlock()

	return entry.FileInfo()
}

// Mode converts the attributes to file mode bits.
// Read only entries lack the write permission, directories get os.ModeDir.
func (e *Entry) Mode() os.FileMode {
	mode := os.FileMode(0o666)
	if e.attr&AttrReadOnly != 0 {
		mode = 0o444
	}
	if e.IsDir() {
		mode |= os.ModeDir | 0o111
	}
	return mode
}

type entryFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	entry   *Entry
}

func (e entryFileInfo) Name() string {
	return e.name
}

func (e entryFileInfo) Size() int64 {
	return e.size
}

func (e entryFileInfo) Mode() os.FileMode {
	return e.mode
}

func (e entryFileInfo) ModTime() time.Time {
	return e.modTime
}

func (e entryFileInfo) IsDir() bool {
	return e.mode.IsDir()
}

func (e entryFileInfo) Sys() interface{} {
	return e.entry
}
