package gofat32

import (
	"fmt"

	"github.com/aligator/gofat32/checkpoint"
	"github.com/sirupsen/logrus"
)

// dirCursor gives access to the records of one directory by their byte offset
// inside the directory's cluster chain. It loads one sector at a time into the
// scratch buffer of the volume and writes it back when it was changed.
type dirCursor struct {
	v        *Volume
	clusters []uint32
	// sector is the sector currently held in v.buf, -1 if none.
	sector int64
	dirty  bool
}

func (v *Volume) newDirCursor(dir *Entry) *dirCursor {
	return &dirCursor{
		v:        v,
		clusters: v.table.chain(dir.cluster),
		sector:   -1,
	}
}

// size is the number of bytes the chain of the directory provides.
func (c *dirCursor) size() int64 {
	return int64(len(c.clusters)) * c.v.boot.ClusterSize()
}

// position maps offset to the sector and the offset inside of that sector.
func (c *dirCursor) position(offset int64) (int64, int64, error) {
	clusterSize := c.v.boot.ClusterSize()
	idx := offset / clusterSize
	if offset < 0 || idx >= int64(len(c.clusters)) {
		return 0, 0, checkpoint.Wrap(fmt.Errorf("directory offset %d behind %d bytes", offset, c.size()), ErrOutOfRange)
	}
	within := offset % clusterSize
	bps := int64(c.v.boot.BytesPerSector)
	return c.v.table.sectorOf(c.clusters[idx]) + within/bps, within % bps, nil
}

// record returns the record at offset. It is only valid until the next call.
func (c *dirCursor) record(offset int64) (dirRecord, error) {
	sector, within, err := c.position(offset)
	if err != nil {
		return nil, err
	}
	if sector != c.sector {
		if err := c.flush(); err != nil {
			return nil, err
		}
		if err := c.v.dev.ReadSector(sector, c.v.buf); err != nil {
			c.sector = -1
			return nil, checkpoint.Wrap(err, ErrIO)
		}
		c.sector = sector
	}
	return dirRecord(c.v.buf[within : within+dirEntrySize]), nil
}

// location returns the byte offset on the volume of the record at offset.
func (c *dirCursor) location(offset int64) int64 {
	sector, within, _ := c.position(offset)
	return sector*int64(c.v.boot.BytesPerSector) + within
}

// flush writes the loaded sector back if it was changed.
func (c *dirCursor) flush() error {
	if !c.dirty {
		return nil
	}
	c.dirty = false
	if err := c.v.dev.WriteSector(c.sector, c.v.buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

// findSlots returns the offset of count consecutive free records.
// These are either deleted records or the records starting at the end marker.
// If the chain has no room left the returned offset is at or near its end
// and the chain has to be extended.
func (c *dirCursor) findSlots(count int) (offset int64, appended bool, err error) {
	var run int
	var runStart int64

	for off := int64(0); off < c.size(); off += dirEntrySize {
		rec, err := c.record(off)
		if err != nil {
			return 0, false, err
		}

		switch {
		case rec.isEnd():
			if run > 0 {
				return runStart, true, nil
			}
			return off, true, nil
		case rec[dirName] == markerDeleted:
			if run == 0 {
				runStart = off
			}
			run++
			if run == count {
				return runStart, false, nil
			}
		default:
			run = 0
		}
	}

	if run > 0 {
		return runStart, true, nil
	}
	return c.size(), true, nil
}

// grow extends the directory chain with zeroed clusters until it has at least size bytes.
func (c *dirCursor) grow(size int64) error {
	if len(c.clusters) == 0 {
		return checkpoint.Wrap(fmt.Errorf("directory without cluster"), ErrInvalid)
	}
	for c.size() < size {
		if err := c.flush(); err != nil {
			return err
		}
		cluster, err := c.v.table.allocate(c.clusters[len(c.clusters)-1])
		if err != nil {
			return err
		}
		// zeroCluster overwrites the scratch buffer.
		c.sector = -1
		if err := c.v.zeroCluster(cluster); err != nil {
			return err
		}
		c.clusters = append(c.clusters, cluster)
	}
	return nil
}

// zeroCluster fills all sectors of cluster with zeros.
func (v *Volume) zeroCluster(cluster uint32) error {
	for i := range v.buf {
		v.buf[i] = 0
	}
	first := v.table.sectorOf(cluster)
	for s := int64(0); s < int64(v.boot.SectorsPerCluster); s++ {
		if err := v.dev.WriteSector(first+s, v.buf); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}
	return nil
}

// initDir prepares the first cluster of the new directory dir with the "." and ".." records.
func (v *Volume) initDir(dir, parent *Entry) error {
	if err := v.zeroCluster(dir.cluster); err != nil {
		return err
	}
	dirRecord(v.buf[0:dirEntrySize]).putShort(dotName, AttrDirectory, dir.cluster, 0, dir.created, dir.accessed, dir.modified)
	dirRecord(v.buf[dirEntrySize:2*dirEntrySize]).putShort(dotDotName, AttrDirectory, parent.cluster, 0, dir.created, dir.accessed, dir.modified)
	if err := v.dev.WriteSector(v.table.sectorOf(dir.cluster), v.buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

// checkNewName validates name as new name inside of parent.
// self is ignored when looking for duplicates, so an entry may be renamed to a different case of its own name.
func (v *Volume) checkNewName(parent *Entry, name string, self *Entry) ([]uint16, error) {
	if !parent.IsDir() {
		return nil, checkpoint.Wrap(fmt.Errorf("%q is no directory", parent.Path()), ErrNotDir)
	}
	units, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if existing := parent.childFold(name); existing != nil && existing != self {
		return nil, checkpoint.Wrap(fmt.Errorf("%q already contains %q", parent.Path(), existing.name), ErrExist)
	}
	return units, nil
}

// create adds a new entry with one fresh cluster to parent.
func (v *Volume) create(parent *Entry, name string, attr Attr) (*Entry, error) {
	units, err := v.checkNewName(parent, name, nil)
	if err != nil {
		return nil, err
	}

	now := v.stamp()
	entry := &Entry{
		name:     name,
		attr:     attr,
		created:  now,
		accessed: now.Truncate(day),
		modified: now,
	}

	entry.cluster, err = v.table.allocate(0)
	if err != nil {
		return nil, err
	}

	if entry.IsDir() {
		if err := v.initDir(entry, parent); err != nil {
			v.table.release([]uint32{entry.cluster})
			return nil, err
		}
	}

	if err := v.insert(parent, entry, units); err != nil {
		v.table.release([]uint32{entry.cluster})
		return nil, err
	}
	return entry, nil
}

// insert writes the records of entry into parent and appends it to the children of parent.
// The allocation table is flushed afterwards, as the entry or the directory may use new clusters.
func (v *Volume) insert(parent *Entry, entry *Entry, units []uint16) error {
	short, err := generateShortName(entry.name, func(s shortName) bool {
		if s == dotName || s == dotDotName {
			return true
		}
		for _, c := range parent.children {
			if c != entry && !c.unused && c.short == s {
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}

	lfnCount := lfnRecordCount(len(units))
	slots := lfnCount + 1

	dir := v.newDirCursor(parent)
	start, appended, err := dir.findSlots(slots)
	if err != nil {
		return err
	}
	end := start + int64(slots)*dirEntrySize
	if err := dir.grow(end); err != nil {
		return err
	}

	// The long name is stored backwards, the last part first.
	sum := short.checksum()
	offset := start
	for seq := lfnCount; seq >= 1; seq-- {
		rec, err := dir.record(offset)
		if err != nil {
			return err
		}
		from := (seq - 1) * lfnChars
		to := from + lfnChars
		if to > len(units) {
			to = len(units)
		}
		rec.putLongName(seq, seq == lfnCount, sum, units[from:to])
		dir.dirty = true
		offset += dirEntrySize
	}

	rec, err := dir.record(offset)
	if err != nil {
		return err
	}
	rec.putShort(short, entry.attr, entry.cluster, entry.size, entry.created, entry.accessed, entry.modified)
	dir.dirty = true

	// Records behind the old end marker may contain garbage.
	if appended && end < dir.size() {
		rec, err := dir.record(end)
		if err != nil {
			return err
		}
		if !rec.isEnd() {
			for i := range rec {
				rec[i] = 0
			}
			dir.dirty = true
		}
	}

	if err := dir.flush(); err != nil {
		return err
	}
	if err := v.table.flush(v.buf); err != nil {
		return err
	}

	entry.short = short
	entry.location = dir.location(offset)
	entry.dirOffset = uint32(offset)
	entry.parent = parent
	entry.unused = false
	parent.children = append(parent.children, entry)

	v.log.WithFields(logrus.Fields{
		"path":     entry.Path(),
		"short":    short.String(),
		"cluster":  entry.cluster,
		"location": entry.location,
	}).Debug("wrote entry")
	return nil
}

// remove tombstones the records of entry and detaches it from its parent.
// With freeClusters the cluster chain of the entry is released.
func (v *Volume) remove(entry *Entry, freeClusters bool) error {
	parent := entry.parent
	if parent == nil {
		return checkpoint.Wrap(fmt.Errorf("the root can't be removed"), ErrInvalid)
	}

	if freeClusters {
		v.table.release(v.table.chain(entry.cluster))
		if err := v.table.flush(v.buf); err != nil {
			return err
		}
	}

	entry.size = 0
	entry.unused = true
	entry.detach()

	dir := v.newDirCursor(parent)
	offset := int64(entry.dirOffset)
	rec, err := dir.record(offset)
	if err != nil {
		return err
	}
	sum := entry.short.checksum()
	rec[dirName] = markerDeleted
	rec.setSize(0)
	dir.dirty = true

	// Walk back over the long name records which belong to this entry.
	for offset -= dirEntrySize; offset >= 0; offset -= dirEntrySize {
		rec, err := dir.record(offset)
		if err != nil {
			return err
		}
		if !rec.isLongName() || rec[dirName] == markerDeleted || rec.lfnChecksum() != sum {
			break
		}
		_, last := rec.lfnSequence()
		rec[dirName] = markerDeleted
		dir.dirty = true
		if last {
			break
		}
	}

	if err := dir.flush(); err != nil {
		return err
	}

	v.log.WithFields(logrus.Fields{"path": entry.Path(), "freed": freeClusters}).Debug("removed entry")
	return nil
}

// rename moves entry to newPath by removing its records and inserting the same node again.
func (v *Volume) rename(entry *Entry, newPath string) error {
	if entry == v.root || entry.parent == nil {
		return checkpoint.Wrap(fmt.Errorf("the root can't be renamed"), ErrInvalid)
	}
	if entry.unused {
		return checkpoint.Wrap(fmt.Errorf("%q was removed", entry.name), ErrNotFound)
	}

	dirPath, leaf, err := splitPath(newPath)
	if err != nil {
		return err
	}
	parent, err := v.find(dirPath)
	if err != nil {
		return err
	}
	units, err := v.checkNewName(parent, leaf, entry)
	if err != nil {
		return err
	}
	if entry.IsDir() && entry.isAncestorOf(parent) {
		return checkpoint.Wrap(fmt.Errorf("%q can't be moved into itself", entry.Path()), ErrInvalid)
	}

	oldParent := entry.parent
	cluster, size := entry.cluster, entry.size
	if err := v.remove(entry, false); err != nil {
		return err
	}
	entry.cluster, entry.size = cluster, size
	entry.name = leaf

	if err := v.insert(parent, entry, units); err != nil {
		v.log.WithError(err).WithField("name", leaf).Warn("rename failed after the old records were removed")
		return err
	}

	if entry.IsDir() && oldParent != parent {
		return v.setParentLink(entry, parent)
	}
	return nil
}

// replace moves entry to newPath, where the file target is replaced.
// The clusters of target are released only after entry took its place.
// If moving fails, target is inserted again into the records it left.
func (v *Volume) replace(entry, target *Entry, newPath string) error {
	units, err := encodeName(target.name)
	if err != nil {
		return err
	}

	parent := target.parent
	cluster, size := target.cluster, target.size
	if err := v.remove(target, false); err != nil {
		return err
	}

	if err := v.rename(entry, newPath); err != nil {
		target.cluster, target.size = cluster, size
		if restoreErr := v.insert(parent, target, units); restoreErr != nil {
			v.log.WithError(restoreErr).WithField("path", newPath).Warn("could not restore the replaced file")
		}
		return err
	}

	v.table.release(v.table.chain(cluster))
	return v.table.flush(v.buf)
}

// setParentLink points the ".." record of dir to parent.
func (v *Volume) setParentLink(dir, parent *Entry) error {
	cursor := v.newDirCursor(dir)
	rec, err := cursor.record(dirEntrySize)
	if err != nil {
		return err
	}
	if rec.shortName() != dotDotName {
		v.log.WithField("path", dir.Path()).Warn("directory has no \"..\" record")
		return nil
	}
	rec.setCluster(parent.cluster)
	cursor.dirty = true
	return cursor.flush()
}

// resize adapts the chain of entry to size bytes and stores the new size.
func (v *Volume) resize(entry *Entry, size int64) error {
	if entry.IsDir() {
		return checkpoint.Wrap(fmt.Errorf("%q can't be resized", entry.Path()), ErrIsDir)
	}

	clusterSize := v.boot.ClusterSize()
	after := int((size + clusterSize - 1) / clusterSize)
	if after < 1 {
		after = 1
	}

	clusters := v.table.chain(entry.cluster)
	if len(clusters) == 0 {
		// Other implementations store empty files without any cluster.
		cluster, err := v.table.allocate(0)
		if err != nil {
			return err
		}
		entry.cluster = cluster
		clusters = []uint32{cluster}
	}
	before := len(clusters)

	switch {
	case before > after:
		v.table.set(clusters[after-1], clusterEOF)
		v.table.release(clusters[after:])
	case before < after:
		last := clusters[before-1]
		for n := before; n < after; n++ {
			cluster, err := v.table.allocate(last)
			if err != nil {
				v.log.WithFields(logrus.Fields{"path": entry.Path(), "clusters": n, "wanted": after}).Warn("resize ran out of space")
				if err := v.updateRecord(entry); err != nil {
					return err
				}
				if err := v.table.flush(v.buf); err != nil {
					return err
				}
				return err
			}
			last = cluster
		}
	}

	entry.size = uint32(size)
	entry.modified = v.stamp()
	if err := v.updateRecord(entry); err != nil {
		return err
	}
	if err := v.table.flush(v.buf); err != nil {
		return err
	}

	v.log.WithFields(logrus.Fields{"path": entry.Path(), "size": size, "before": before, "after": after}).Debug("resized entry")
	return nil
}

// updateRecord writes cluster, size and timestamps of entry to its short record.
func (v *Volume) updateRecord(entry *Entry) error {
	if entry.parent == nil {
		return checkpoint.Wrap(fmt.Errorf("the root has no record"), ErrInvalid)
	}

	bps := int64(v.boot.BytesPerSector)
	sector, within := entry.location/bps, entry.location%bps
	if err := v.dev.ReadSector(sector, v.buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}

	rec := dirRecord(v.buf[within : within+dirEntrySize])
	rec.setCluster(entry.cluster)
	rec.setSize(entry.size)
	rec.setTimes(entry.created, entry.accessed, entry.modified)

	if err := v.dev.WriteSector(sector, v.buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}
