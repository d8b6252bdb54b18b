package gofat32

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/aligator/gofat32/checkpoint"
)

// BootRecord contains the geometry of a volume as read from its BIOS Parameter Block.
type BootRecord struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	SectorsPerFAT     uint32
	RootCluster       uint32
	TotalSectors      uint32
	Label             string
}

// parseBootRecord reads the BPB from sector, the first sector of the volume.
// Only the values needed to address the volume are checked, the FAT signature is not.
func parseBootRecord(sector []byte) (BootRecord, error) {
	if len(sector) < 512 {
		return BootRecord{}, checkpoint.Wrap(fmt.Errorf("boot sector has only %d bytes", len(sector)), ErrGeometry)
	}

	br := BootRecord{
		BytesPerSector:    binary.LittleEndian.Uint16(sector[bpbBytesPerSector:]),
		SectorsPerCluster: sector[bpbSectorsPerCluster],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[bpbReservedSectors:]),
		NumFATs:           sector[bpbNumFATs],
		SectorsPerFAT:     binary.LittleEndian.Uint32(sector[bpbFATSize32:]),
		RootCluster:       binary.LittleEndian.Uint32(sector[bpbRootCluster:]),
		Label:             strings.TrimRight(string(sector[bsVolumeLabel:bsVolumeLabel+11]), " \x00"),
	}

	br.TotalSectors = uint32(binary.LittleEndian.Uint16(sector[bpbTotalSectors16:]))
	if br.TotalSectors == 0 {
		br.TotalSectors = binary.LittleEndian.Uint32(sector[bpbTotalSectors32:])
	}

	// Everything below would lead to divisions by zero or endless chains.
	switch {
	case int(br.BytesPerSector) != len(sector):
		return BootRecord{}, checkpoint.Wrap(fmt.Errorf("volume uses %d bytes per sector, device %d", br.BytesPerSector, len(sector)), ErrGeometry)
	case br.SectorsPerCluster == 0:
		return BootRecord{}, checkpoint.Wrap(fmt.Errorf("zero sectors per cluster"), ErrGeometry)
	case br.NumFATs == 0 || br.SectorsPerFAT == 0:
		return BootRecord{}, checkpoint.Wrap(fmt.Errorf("no allocation table"), ErrGeometry)
	case br.RootCluster < firstCluster:
		return BootRecord{}, checkpoint.Wrap(fmt.Errorf("root cluster %d", br.RootCluster), ErrGeometry)
	}

	return br, nil
}

// FirstDataSector is the sector of cluster 2.
func (br BootRecord) FirstDataSector() int64 {
	return int64(br.ReservedSectors) + int64(br.NumFATs)*int64(br.SectorsPerFAT)
}

// ClusterSize is the size of one cluster in bytes.
func (br BootRecord) ClusterSize() int64 {
	return int64(br.SectorsPerCluster) * int64(br.BytesPerSector)
}

// DataClusters is the number of clusters the data region provides.
func (br BootRecord) DataClusters() uint32 {
	first := br.FirstDataSector()
	if int64(br.TotalSectors) <= first {
		return 0
	}
	return uint32((int64(br.TotalSectors) - first) / int64(br.SectorsPerCluster))
}
