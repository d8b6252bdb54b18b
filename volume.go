package gofat32

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/aligator/gofat32/checkpoint"
	"github.com/sirupsen/logrus"
)

// Volume is a mounted FAT32 filesystem.
// The whole directory tree is read on Mount and kept in memory.
// All methods are safe for concurrent use, they are serialized by one lock.
// The getters of Entry are not. While other goroutines change the tree,
// read entries through Volume.Stat, Volume.FileInfo and Volume.Path instead.
type Volume struct {
	lock sync.Mutex

	dev   BlockDevice
	boot  BootRecord
	table *fatTable
	root  *Entry

	// buf is the scratch buffer for one sector.
	buf []byte

	log logrus.FieldLogger
	now func() time.Time
}

// Option configures a Volume on Mount.
type Option func(v *Volume)

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(log logrus.FieldLogger) Option {
	return func(v *Volume) {
		v.log = log
	}
}

// WithClock sets the function used to stamp created and modified entries.
func WithClock(now func() time.Time) Option {
	return func(v *Volume) {
		v.now = now
	}
}

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Mount reads the boot record, the allocation table and the whole directory tree from dev.
func Mount(dev BlockDevice, opts ...Option) (*Volume, error) {
	v := &Volume{
		dev: dev,
		log: discardLogger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	sectorSize, sectorCount, err := dev.Stat()
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}
	if sectorSize < 512 {
		return nil, checkpoint.Wrap(fmt.Errorf("sector size %d", sectorSize), ErrGeometry)
	}

	v.buf = make([]byte, sectorSize)
	if err := dev.ReadSector(0, v.buf); err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}

	v.boot, err = parseBootRecord(v.buf)
	if err != nil {
		return nil, err
	}
	if int64(v.boot.TotalSectors) > sectorCount {
		v.log.WithFields(logrus.Fields{"volume": v.boot.TotalSectors, "device": sectorCount}).Warn("volume is larger than the device")
	}

	v.table, err = loadTable(dev, v.boot, v.buf, v.log)
	if err != nil {
		return nil, err
	}

	v.root = &Entry{
		name:    "/",
		attr:    AttrDirectory,
		cluster: v.boot.RootCluster,
	}
	if err := v.readTree(v.root, make(map[uint32]bool)); err != nil {
		return nil, err
	}

	v.log.WithFields(logrus.Fields{
		"bytesPerSector":    v.boot.BytesPerSector,
		"sectorsPerCluster": v.boot.SectorsPerCluster,
		"fats":              v.boot.NumFATs,
		"sectorsPerFAT":     v.boot.SectorsPerFAT,
		"rootCluster":       v.boot.RootCluster,
		"label":             v.boot.Label,
	}).Debug("mounted volume")

	return v, nil
}

// Root returns the root directory.
func (v *Volume) Root() *Entry {
	return v.root
}

// Geometry returns the parsed boot record.
func (v *Volume) Geometry() BootRecord {
	return v.boot
}

// Label returns the volume label of the boot record.
func (v *Volume) Label() string {
	return v.boot.Label
}

// FreeClusters counts the clusters which are not in use.
func (v *Volume) FreeClusters() uint32 {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.table.freeCount()
}

// Open returns the entry at path. Separators are '/', empty elements are ignored.
func (v *Volume) Open(path string) (*Entry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.find(path)
}

// EntryStat is a snapshot of the basic properties of an entry.
type EntryStat struct {
	Name  string
	IsDir bool
	Size  int64
}

// Stat returns the kind, name and size of entry.
func (v *Volume) Stat(entry *Entry) (EntryStat, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if entry.unused {
		return EntryStat{}, checkpoint.Wrap(fmt.Errorf("%q was removed", entry.name), ErrNotFound)
	}
	return EntryStat{
		Name:  entry.name,
		IsDir: entry.IsDir(),
		Size:  entry.Size(),
	}, nil
}

// Path returns the absolute path of entry.
func (v *Volume) Path(entry *Entry) string {
	v.lock.Lock()
	defer v.lock.Unlock()

	return entry.Path()
}

// size returns the current size of entry.
func (v *Volume) size(entry *Entry) int64 {
	v.lock.Lock()
	defer v.lock.Unlock()

	return entry.Size()
}

// Walk returns the child at position index of the directory dir.
// ErrNotFound is returned once index passes the last child.
func (v *Volume) Walk(dir *Entry, index int) (*Entry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if !dir.IsDir() {
		return nil, checkpoint.Wrap(fmt.Errorf("%q is no directory", dir.name), ErrNotDir)
	}
	if index < 0 || index >= len(dir.children) {
		return nil, checkpoint.Wrap(fmt.Errorf("%q has no child %d", dir.name, index), ErrNotFound)
	}
	return dir.children[index], nil
}

// Children returns a copy of the list of children of dir.
func (v *Volume) Children(dir *Entry) ([]*Entry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if !dir.IsDir() {
		return nil, checkpoint.Wrap(fmt.Errorf("%q is no directory", dir.name), ErrNotDir)
	}
	children := make([]*Entry, len(dir.children))
	copy(children, dir.children)
	return children, nil
}

// ReadSector reads the sector with the logical index of the entry's data into buf.
func (v *Volume) ReadSector(entry *Entry, index int64, buf []byte) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.readSector(entry, index, buf)
}

// WriteSector writes buf to the sector with the logical index of the entry's data.
// The entry has to be resized first if the sector lies behind its last cluster.
func (v *Volume) WriteSector(entry *Entry, index int64, buf []byte) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.writeSector(entry, index, buf)
}

// Resize sets the size of a file and adapts its cluster chain.
// The chain always keeps at least one cluster.
func (v *Volume) Resize(entry *Entry, size int64) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if entry.unused {
		return checkpoint.Wrap(fmt.Errorf("%q was removed", entry.name), ErrNotFound)
	}
	if size < 0 || size > math.MaxUint32 {
		return checkpoint.Wrap(fmt.Errorf("size %d", size), ErrInvalid)
	}
	return v.resize(entry, size)
}

// Create adds a new, empty file or directory at path.
// The parent directory has to exist already.
func (v *Volume) Create(path string, isDir bool) (*Entry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	dirPath, leaf, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	parent, err := v.find(dirPath)
	if err != nil {
		return nil, err
	}

	attr := AttrArchive
	if isDir {
		attr = AttrDirectory
	}
	return v.create(parent, leaf, attr)
}

// Remove deletes the file or empty directory at path and frees its clusters.
func (v *Volume) Remove(path string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	entry, err := v.find(path)
	if err != nil {
		return err
	}
	if entry == v.root {
		return checkpoint.Wrap(fmt.Errorf("the root can't be removed"), ErrInvalid)
	}
	if entry.IsDir() && len(entry.children) > 0 {
		return checkpoint.Wrap(fmt.Errorf("%q has %d entries", path, len(entry.children)), ErrNotEmpty)
	}
	return v.remove(entry, true)
}

// Rename moves entry to path. The entry keeps its data, size and timestamps.
func (v *Volume) Rename(entry *Entry, path string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.rename(entry, path)
}

// Replace moves entry to path like Rename, but a file at path is replaced.
// The replaced file is kept if moving fails. Directories are never replaced.
func (v *Volume) Replace(entry *Entry, path string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	target, err := v.find(path)
	switch {
	case errors.Is(err, ErrNotFound):
		return v.rename(entry, path)
	case err != nil:
		return err
	case target == entry:
		return nil
	case target.IsDir() || entry.IsDir():
		return checkpoint.Wrap(fmt.Errorf("%q already exists", path), ErrExist)
	}
	return v.replace(entry, target, path)
}

// SetTimes changes the access and modification time of entry.
func (v *Volume) SetTimes(entry *Entry, atime, mtime time.Time) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if entry == v.root {
		return checkpoint.Wrap(fmt.Errorf("the root has no timestamps"), ErrInvalid)
	}
	if entry.unused {
		return checkpoint.Wrap(fmt.Errorf("%q was removed", entry.name), ErrNotFound)
	}

	entry.accessed = atime.UTC().Truncate(day)
	entry.modified = mtime.UTC().Truncate(2 * time.Second)
	return v.updateRecord(entry)
}

// stamp returns the current time with the precision FAT stores.
func (v *Volume) stamp() time.Time {
	return v.now().UTC().Truncate(2 * time.Second)
}

// Sync commits all writes to the storage if the device supports it, like ImageDevice does.
// Writes are never cached by the volume itself.
func (v *Volume) Sync() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if syncer, ok := v.dev.(interface{ Sync() error }); ok {
		return checkpoint.Wrap(syncer.Sync(), ErrIO)
	}
	return nil
}
