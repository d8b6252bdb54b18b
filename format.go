package gofat32

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aligator/gofat32/checkpoint"
	"github.com/google/uuid"
)

// FormatConfig contains the options for Format. Zero values are replaced by the defaults.
type FormatConfig struct {
	// SectorsPerCluster has to be a power of two. Default 1.
	SectorsPerCluster uint8
	// ReservedSectors in front of the first table. Default 32.
	ReservedSectors uint16
	// NumFATs is the amount of table copies. Default 2.
	NumFATs uint8
	// Label is the volume label, at most 11 characters. Default "NO NAME".
	Label string
	// VolumeID is the serial number. Default is random.
	VolumeID uint32
}

const (
	defaultLabel       = "NO NAME"
	fsInfoSector       = 1
	backupBootSector   = 6
	mediaFixed         = 0xF8
	fsInfoLeadSig      = 0x41615252
	fsInfoStructSig    = 0x61417272
	fsInfoTrailSig     = 0xAA550000
	fsInfoFreeCount    = 0x1E8
	fsInfoNextFree     = 0x1EC
	fsInfoStructOffset = 0x1E4
	fsInfoTrailOffset  = 0x1FC
)

func (c *FormatConfig) setDefaults() {
	if c.SectorsPerCluster == 0 {
		c.SectorsPerCluster = 1
	}
	if c.ReservedSectors == 0 {
		c.ReservedSectors = 32
	}
	if c.NumFATs == 0 {
		c.NumFATs = 2
	}
	if c.Label == "" {
		c.Label = defaultLabel
	}
	if c.VolumeID == 0 {
		c.VolumeID = uuid.New().ID()
	}
}

// Format writes an empty FAT32 filesystem to the whole device.
// Small volumes are allowed even though other implementations would treat
// volumes with less than 65525 clusters as FAT16.
func Format(dev BlockDevice, cfg FormatConfig) error {
	cfg.setDefaults()

	sectorSize, sectorCount, err := dev.Stat()
	if err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}

	switch {
	case sectorSize < 512 || sectorSize > math.MaxUint16 || sectorSize&(sectorSize-1) != 0:
		return checkpoint.Wrap(fmt.Errorf("sector size %d", sectorSize), ErrGeometry)
	case cfg.SectorsPerCluster&(cfg.SectorsPerCluster-1) != 0:
		return checkpoint.Wrap(fmt.Errorf("%d sectors per cluster is no power of two", cfg.SectorsPerCluster), ErrGeometry)
	case cfg.ReservedSectors < 2:
		return checkpoint.Wrap(fmt.Errorf("%d reserved sectors leave no room for the fs info", cfg.ReservedSectors), ErrGeometry)
	case sectorCount > math.MaxUint32:
		return checkpoint.Wrap(fmt.Errorf("%d sectors", sectorCount), ErrGeometry)
	case len(cfg.Label) > 11:
		return checkpoint.Wrap(fmt.Errorf("label %q is longer than 11 characters", cfg.Label), ErrInvalidName)
	}

	// The table is sized for all sectors behind the reserved ones, which is slightly more than needed.
	spc := int64(cfg.SectorsPerCluster)
	dataSectors := sectorCount - int64(cfg.ReservedSectors)
	if dataSectors <= 0 {
		return checkpoint.Wrap(fmt.Errorf("device with %d sectors is too small", sectorCount), ErrGeometry)
	}
	fatSize := ((dataSectors/spc+int64(firstCluster))*4 + int64(sectorSize) - 1) / int64(sectorSize)
	firstData := int64(cfg.ReservedSectors) + int64(cfg.NumFATs)*fatSize
	if (sectorCount-firstData)/spc < 1 {
		return checkpoint.Wrap(fmt.Errorf("device with %d sectors is too small", sectorCount), ErrGeometry)
	}

	buf := make([]byte, sectorSize)

	// Reserved region and all tables.
	for s := int64(0); s < firstData; s++ {
		if err := dev.WriteSector(s, buf); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	// Root directory in cluster 2.
	for s := int64(0); s < spc; s++ {
		if err := dev.WriteSector(firstData+s, buf); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	label := strings.ToUpper(cfg.Label)
	if label != defaultLabel {
		dirRecord(buf[0:dirEntrySize]).putShort(packLabel(label), AttrVolumeID|AttrArchive, 0, 0, time.Time{}, time.Time{}, time.Time{})
		if err := dev.WriteSector(firstData, buf); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		buf = make([]byte, sectorSize)
	}

	// The first table sector of each copy holds the reserved entries and the root.
	binary.LittleEndian.PutUint32(buf[0:], 0x0FFFFF00|mediaFixed)
	binary.LittleEndian.PutUint32(buf[4:], clusterEOF)
	binary.LittleEndian.PutUint32(buf[8:], clusterEOF)
	for i := int64(0); i < int64(cfg.NumFATs); i++ {
		if err := dev.WriteSector(int64(cfg.ReservedSectors)+i*fatSize, buf); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	buf = make([]byte, sectorSize)
	putFSInfo(buf)
	if err := dev.WriteSector(fsInfoSector, buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}

	buf = make([]byte, sectorSize)
	putBootSector(buf, cfg, label, uint16(sectorSize), uint32(sectorCount), uint32(fatSize))
	if err := dev.WriteSector(0, buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	if cfg.ReservedSectors > backupBootSector {
		if err := dev.WriteSector(backupBootSector, buf); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	return nil
}

func packLabel(label string) shortName {
	var s shortName
	for i := range s {
		s[i] = ' '
	}
	copy(s[:], label)
	return s
}

func putBootSector(buf []byte, cfg FormatConfig, label string, bps uint16, total, fatSize uint32) {
	copy(buf[0:], []byte{0xEB, 0x58, 0x90})
	copy(buf[3:], "GOFAT32 ")
	binary.LittleEndian.PutUint16(buf[bpbBytesPerSector:], bps)
	buf[bpbSectorsPerCluster] = cfg.SectorsPerCluster
	binary.LittleEndian.PutUint16(buf[bpbReservedSectors:], cfg.ReservedSectors)
	buf[bpbNumFATs] = cfg.NumFATs
	binary.LittleEndian.PutUint16(buf[bpbRootEntries:], 0)
	binary.LittleEndian.PutUint16(buf[bpbTotalSectors16:], 0)
	buf[bpbMedia] = mediaFixed
	binary.LittleEndian.PutUint16(buf[bpbSectorsPerTrack:], 32)
	binary.LittleEndian.PutUint16(buf[bpbNumHeads:], 64)
	binary.LittleEndian.PutUint32(buf[bpbTotalSectors32:], total)
	binary.LittleEndian.PutUint32(buf[bpbFATSize32:], fatSize)
	binary.LittleEndian.PutUint32(buf[bpbRootCluster:], firstCluster)
	binary.LittleEndian.PutUint16(buf[bpbFSInfo:], fsInfoSector)
	if cfg.ReservedSectors > backupBootSector {
		binary.LittleEndian.PutUint16(buf[bpbBackupBootSector:], backupBootSector)
	}
	buf[bsDriveNumber] = 0x80
	buf[bsBootSignature] = 0x29
	binary.LittleEndian.PutUint32(buf[bsVolumeID:], cfg.VolumeID)
	name := packLabel(label)
	copy(buf[bsVolumeLabel:], name[:])
	copy(buf[bsFileSystemType:], "FAT32   ")
	buf[bsSignature] = 0x55
	buf[bsSignature+1] = 0xAA
}

// putFSInfo writes an fs info sector. The free count and the next free hint
// are left unknown as they are not maintained by this package.
func putFSInfo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], fsInfoLeadSig)
	binary.LittleEndian.PutUint32(buf[fsInfoStructOffset:], fsInfoStructSig)
	binary.LittleEndian.PutUint32(buf[fsInfoFreeCount:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(buf[fsInfoNextFree:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(buf[fsInfoTrailOffset:], fsInfoTrailSig)
}
