// File model contains accessors which match the direct structures of the FAT32 filesystem.

package gofat32

import (
	"encoding/binary"
	"time"
)

// BPB offsets of the boot sector.
const (
	bpbBytesPerSector    = 0x0B
	bpbSectorsPerCluster = 0x0D
	bpbReservedSectors   = 0x0E
	bpbNumFATs           = 0x10
	bpbRootEntries       = 0x11
	bpbTotalSectors16    = 0x13
	bpbMedia             = 0x15
	bpbSectorsPerTrack   = 0x18
	bpbNumHeads          = 0x1A
	bpbTotalSectors32    = 0x20
	bpbFATSize32         = 0x24
	bpbRootCluster       = 0x2C
	bpbFSInfo            = 0x30
	bpbBackupBootSector  = 0x32
	bsDriveNumber        = 0x40
	bsBootSignature      = 0x42
	bsVolumeID           = 0x43
	bsVolumeLabel        = 0x47
	bsFileSystemType     = 0x52
	bsSignature          = 0x1FE
)

// Directory record layout.
const (
	dirEntrySize = 32

	dirName         = 0x00
	dirAttr         = 0x0B
	dirNTCase       = 0x0C
	dirCreateTime   = 0x0E
	dirCreateDate   = 0x10
	dirAccessDate   = 0x12
	dirClusterHigh  = 0x14
	dirWriteTime    = 0x16
	dirWriteDate    = 0x18
	dirClusterLow   = 0x1A
	dirSize         = 0x1C
	lfnSequence     = 0x00
	lfnChecksum     = 0x0D
	lfnLastSequence = 0x40
	lfnSequenceMask = 0x1F

	markerEnd     = 0x00
	markerDeleted = 0xE5
	markerKanji   = 0x05
)

// Attr is the attribute bitmask of a directory entry.
type Attr uint8

const (
	AttrReadOnly  Attr = 0x01
	AttrHidden    Attr = 0x02
	AttrSystem    Attr = 0x04
	AttrVolumeID  Attr = 0x08
	AttrDirectory Attr = 0x10
	AttrArchive   Attr = 0x20
	AttrLongName       = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

// lfnUnits are the byte offsets of the 13 UTF-16 units inside a long filename record.
var lfnUnits = [lfnChars]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

// dirRecord is a view on one 32 byte directory record.
type dirRecord []byte

func (r dirRecord) isEnd() bool     { return r[dirName] == markerEnd }
func (r dirRecord) isDeleted() bool { return r[dirName] == markerDeleted || r[dirName] == markerKanji }
func (r dirRecord) attr() Attr      { return Attr(r[dirAttr]) }
func (r dirRecord) isLongName() bool {
	return r.attr() == AttrLongName
}

func (r dirRecord) shortName() shortName {
	var s shortName
	copy(s[:], r[dirName:dirName+11])
	return s
}

func (r dirRecord) cluster() uint32 {
	return uint32(binary.LittleEndian.Uint16(r[dirClusterHigh:]))<<16 |
		uint32(binary.LittleEndian.Uint16(r[dirClusterLow:]))
}

func (r dirRecord) setCluster(cluster uint32) {
	binary.LittleEndian.PutUint16(r[dirClusterHigh:], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(r[dirClusterLow:], uint16(cluster))
}

func (r dirRecord) size() uint32 {
	return binary.LittleEndian.Uint32(r[dirSize:])
}

func (r dirRecord) setSize(size uint32) {
	binary.LittleEndian.PutUint32(r[dirSize:], size)
}

func (r dirRecord) createdAt() time.Time {
	return ParseDateTime(binary.LittleEndian.Uint16(r[dirCreateDate:]), binary.LittleEndian.Uint16(r[dirCreateTime:]))
}

func (r dirRecord) accessedAt() time.Time {
	return ParseDate(binary.LittleEndian.Uint16(r[dirAccessDate:]))
}

func (r dirRecord) modifiedAt() time.Time {
	return ParseDateTime(binary.LittleEndian.Uint16(r[dirWriteDate:]), binary.LittleEndian.Uint16(r[dirWriteTime:]))
}

func (r dirRecord) setTimes(created, accessed, modified time.Time) {
	date, clock := PackDateTime(created)
	binary.LittleEndian.PutUint16(r[dirCreateDate:], date)
	binary.LittleEndian.PutUint16(r[dirCreateTime:], clock)
	date, _ = PackDateTime(accessed)
	binary.LittleEndian.PutUint16(r[dirAccessDate:], date)
	date, clock = PackDateTime(modified)
	binary.LittleEndian.PutUint16(r[dirWriteDate:], date)
	binary.LittleEndian.PutUint16(r[dirWriteTime:], clock)
}

// putShort fills the record as short entry.
func (r dirRecord) putShort(name shortName, attr Attr, cluster, size uint32, created, accessed, modified time.Time) {
	for i := range r {
		r[i] = 0
	}
	copy(r[dirName:], name[:])
	r[dirAttr] = byte(attr)
	r.setCluster(cluster)
	r.setSize(size)
	r.setTimes(created, accessed, modified)
}

// lfnSequence returns the 1-based position of a long filename record and
// whether it carries the last part of the name.
func (r dirRecord) lfnSequence() (seq int, last bool) {
	return int(r[lfnSequence] & lfnSequenceMask), r[lfnSequence]&lfnLastSequence != 0
}

func (r dirRecord) lfnChecksum() byte {
	return r[lfnChecksum]
}

// lfnRead copies the 13 UTF-16 units of a long filename record into dst.
func (r dirRecord) lfnRead(dst []uint16) {
	for i, off := range lfnUnits {
		dst[i] = binary.LittleEndian.Uint16(r[off:])
	}
}

// putLongName fills the record as long filename record number seq holding
// the given units. Missing units are terminated by 0x0000 and padded with 0xFFFF.
func (r dirRecord) putLongName(seq int, last bool, checksum byte, units []uint16) {
	for i := range r {
		r[i] = 0
	}
	r[lfnSequence] = byte(seq)
	if last {
		r[lfnSequence] |= lfnLastSequence
	}
	r[dirAttr] = byte(AttrLongName)
	r[lfnChecksum] = checksum

	for i, off := range lfnUnits {
		var u uint16
		switch {
		case i < len(units):
			u = units[i]
		case i == len(units):
			u = 0x0000
		default:
			u = 0xFFFF
		}
		binary.LittleEndian.PutUint16(r[off:], u)
	}
}
