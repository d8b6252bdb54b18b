package gofat32

import (
	"fmt"

	"github.com/aligator/gofat32/checkpoint"
)

// physicalSector maps the logical sector index of the entry's data to a sector of the volume.
func (v *Volume) physicalSector(entry *Entry, index int64) (int64, error) {
	if entry.unused {
		return 0, checkpoint.Wrap(fmt.Errorf("%q was removed", entry.name), ErrNotFound)
	}

	perCluster := int64(v.boot.SectorsPerCluster)
	cluster := entry.cluster
	if index < 0 || !v.table.validLink(cluster) {
		return 0, checkpoint.Wrap(fmt.Errorf("sector %d of %q", index, entry.name), ErrOutOfRange)
	}

	for hops := index / perCluster; hops > 0; hops-- {
		link := v.table.next(cluster)
		if isEOF(link) || !v.table.validLink(link) {
			return 0, checkpoint.Wrap(fmt.Errorf("sector %d is behind the chain of %q", index, entry.name), ErrOutOfRange)
		}
		cluster = link
	}

	return v.table.sectorOf(cluster) + index%perCluster, nil
}

func (v *Volume) checkBuffer(buf []byte) error {
	if len(buf) != int(v.boot.BytesPerSector) {
		return checkpoint.Wrap(fmt.Errorf("buffer of %d bytes for %d byte sectors", len(buf), v.boot.BytesPerSector), ErrInvalid)
	}
	return nil
}

func (v *Volume) readSector(entry *Entry, index int64, buf []byte) error {
	if err := v.checkBuffer(buf); err != nil {
		return err
	}
	sector, err := v.physicalSector(entry, index)
	if err != nil {
		return err
	}
	if err := v.dev.ReadSector(sector, buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

func (v *Volume) writeSector(entry *Entry, index int64, buf []byte) error {
	if err := v.checkBuffer(buf); err != nil {
		return err
	}
	sector, err := v.physicalSector(entry, index)
	if err != nil {
		return err
	}
	if err := v.dev.WriteSector(sector, buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}
