package gofat32

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aligator/gofat32/checkpoint"
	"github.com/sirupsen/logrus"
)

// Entry is one node of the directory tree which is kept in memory while a volume is mounted.
// Entries are handles: they stay valid across Rename and Resize and become unused after Remove.
type Entry struct {
	name     string
	short    shortName
	attr     Attr
	cluster  uint32
	size     uint32
	created  time.Time
	accessed time.Time
	modified time.Time

	// location is the byte offset of the short record on the volume.
	location int64
	// dirOffset is the byte offset of the short record inside the parent directory.
	dirOffset uint32
	unused    bool

	parent   *Entry
	children []*Entry
}

// Name returns the long name of the entry or its 8.3 name if it has no long name.
func (e *Entry) Name() string { return e.name }

// ShortName returns the 8.3 name as NAME.EXT.
func (e *Entry) ShortName() string { return e.short.String() }

func (e *Entry) Attr() Attr { return e.attr }

func (e *Entry) IsDir() bool { return e.attr&AttrDirectory != 0 }

// Cluster is the first cluster of the entry's data.
func (e *Entry) Cluster() uint32 { return e.cluster }

// Size is the file size in bytes. It is always 0 for directories.
func (e *Entry) Size() int64 { return int64(e.size) }

func (e *Entry) Created() time.Time  { return e.created }
func (e *Entry) Accessed() time.Time { return e.accessed }
func (e *Entry) Modified() time.Time { return e.modified }

// Location is the byte offset of the entry's short directory record on the volume.
func (e *Entry) Location() int64 { return e.location }

// Unused reports whether the entry was removed.
func (e *Entry) Unused() bool { return e.unused }

// Path returns the absolute path of the entry.
func (e *Entry) Path() string {
	if e.parent == nil {
		return "/"
	}
	var parts []string
	for n := e; n.parent != nil; n = n.parent {
		parts = append(parts, n.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// child returns the live child with exactly the given name.
func (e *Entry) child(name string) *Entry {
	for _, c := range e.children {
		if !c.unused && c.name == name {
			return c
		}
	}
	return nil
}

// childFold returns the live child whose name equals name ignoring case.
func (e *Entry) childFold(name string) *Entry {
	for _, c := range e.children {
		if !c.unused && strings.EqualFold(c.name, name) {
			return c
		}
	}
	return nil
}

func (e *Entry) detach() {
	if e.parent == nil {
		return
	}
	siblings := e.parent.children
	for i, c := range siblings {
		if c == e {
			copy(siblings[i:], siblings[i+1:])
			siblings[len(siblings)-1] = nil
			e.parent.children = siblings[:len(siblings)-1]
			break
		}
	}
}

// isAncestorOf reports whether e is n or one of n's parents.
func (e *Entry) isAncestorOf(n *Entry) bool {
	for ; n != nil; n = n.parent {
		if n == e {
			return true
		}
	}
	return false
}

// readTree reads the directory dir and, depth first, all directories below it.
// visited contains the first clusters of the directories already read.
func (v *Volume) readTree(dir *Entry, visited map[uint32]bool) error {
	visited[dir.cluster] = true

	if err := v.readDir(dir); err != nil {
		return err
	}

	for _, child := range dir.children {
		if !child.IsDir() {
			continue
		}
		if visited[child.cluster] || !v.table.validLink(child.cluster) {
			v.log.WithFields(logrus.Fields{"path": child.Path(), "cluster": child.cluster}).Warn("skipping directory with invalid or repeated cluster")
			continue
		}
		if err := v.readTree(child, visited); err != nil {
			return err
		}
	}
	return nil
}

// readDir scans all records of dir and appends the found entries to dir.children.
func (v *Volume) readDir(dir *Entry) error {
	var (
		lfn      [maxLFNRecords * lfnChars]uint16
		lfnFound bool
		lfnSum   byte
		// lfnNext is the sequence number the next long filename record must have.
		lfnNext int
		offset  uint32
	)
	resetLFN := func() {
		lfn = [maxLFNRecords * lfnChars]uint16{}
		lfnFound = false
		lfnNext = 0
	}

	bps := int(v.boot.BytesPerSector)
	for _, cluster := range v.table.chain(dir.cluster) {
		first := v.table.sectorOf(cluster)
		for s := int64(0); s < int64(v.boot.SectorsPerCluster); s++ {
			if err := v.dev.ReadSector(first+s, v.buf); err != nil {
				return checkpoint.Wrap(err, ErrIO)
			}

			for i := 0; i < bps; i, offset = i+dirEntrySize, offset+dirEntrySize {
				rec := dirRecord(v.buf[i : i+dirEntrySize])
				switch {
				case rec.isEnd():
					return nil
				case rec.isDeleted():
					resetLFN()
					continue
				case rec.isLongName():
					seq, last := rec.lfnSequence()
					switch {
					case seq < 1 || seq > maxLFNRecords:
						resetLFN()
						continue
					case last:
						// A new name starts, pieces of an orphaned one are dropped.
						resetLFN()
						lfnSum = rec.lfnChecksum()
					case !lfnFound || seq != lfnNext || rec.lfnChecksum() != lfnSum:
						resetLFN()
						continue
					}
					rec.lfnRead(lfn[(seq-1)*lfnChars:])
					lfnFound = true
					lfnNext = seq - 1
					continue
				case rec.attr()&AttrVolumeID != 0:
					resetLFN()
					continue
				}

				entry := &Entry{
					short:     rec.shortName(),
					attr:      rec.attr(),
					cluster:   rec.cluster(),
					size:      rec.size(),
					created:   rec.createdAt(),
					accessed:  rec.accessedAt(),
					modified:  rec.modifiedAt(),
					location:  (first+s)*int64(bps) + int64(i),
					dirOffset: offset,
					parent:    dir,
				}

				if lfnFound && lfnNext == 0 && lfnSum == entry.short.checksum() {
					name, err := decodeName(lfn[:maxNameLength])
					if err != nil {
						return err
					}
					entry.name = name
				}
				if entry.name == "" {
					entry.name = entry.short.decode(rec[dirNTCase])
				}
				resetLFN()

				if entry.short == dotName || entry.short == dotDotName || entry.name == "." || entry.name == ".." {
					continue
				}
				if entry.IsDir() {
					entry.size = 0
				}

				dir.children = append(dir.children, entry)
			}
		}
	}
	return nil
}

// cleanPath makes p absolute and removes ".", ".." and duplicate separators.
func cleanPath(p string) string {
	return path.Clean("/" + p)
}

// splitPath returns the parent directory and the last element of p.
func splitPath(p string) (string, string, error) {
	dir, leaf := path.Split(cleanPath(p))
	if leaf == "" {
		return "", "", checkpoint.Wrap(fmt.Errorf("path %q has no last element", p), ErrInvalidName)
	}
	return dir, leaf, nil
}

// find resolves p starting at the root.
func (v *Volume) find(p string) (*Entry, error) {
	current := v.root
	for _, part := range strings.Split(cleanPath(p), "/") {
		if part == "" {
			continue
		}
		if !current.IsDir() {
			return nil, checkpoint.Wrap(fmt.Errorf("%q is no directory", current.Path()), ErrNotDir)
		}
		next := current.child(part)
		if next == nil {
			return nil, checkpoint.Wrap(fmt.Errorf("%q has no entry %q", current.Path(), part), ErrNotFound)
		}
		current = next
	}
	return current, nil
}
