package gofat32

import (
	"encoding/binary"
	"fmt"

	"github.com/aligator/gofat32/checkpoint"
	"github.com/sirupsen/logrus"
)

// Values of a FAT32 allocation table slot.
const (
	clusterFree uint32 = 0x00000000
	clusterBad  uint32 = 0x0FFFFFF7
	clusterEOF  uint32 = 0x0FFFFFFF
	clusterMask uint32 = 0x0FFFFFFF

	// firstCluster is the first cluster of the data region. 0 and 1 are reserved.
	firstCluster uint32 = 2
)

// isEOF reports whether link marks the end of a chain.
func isEOF(link uint32) bool {
	return link&clusterMask >= 0x0FFFFFF8
}

// fatTable is the in-memory mirror of the allocation table.
type fatTable struct {
	dev    BlockDevice
	boot   BootRecord
	log    logrus.FieldLogger
	values []uint32
	// limit is one past the last cluster which exists in the data region.
	limit uint32
}

// loadTable reads the first table copy into memory.
func loadTable(dev BlockDevice, boot BootRecord, buf []byte, log logrus.FieldLogger) (*fatTable, error) {
	perSector := int(boot.BytesPerSector) / 4
	t := &fatTable{
		dev:    dev,
		boot:   boot,
		log:    log,
		values: make([]uint32, int(boot.SectorsPerFAT)*perSector),
	}

	t.limit = boot.DataClusters() + firstCluster
	if int(t.limit) > len(t.values) || t.limit < firstCluster {
		t.limit = uint32(len(t.values))
	}

	for i := uint32(0); i < boot.SectorsPerFAT; i++ {
		if err := dev.ReadSector(int64(boot.ReservedSectors)+int64(i), buf); err != nil {
			return nil, checkpoint.Wrap(err, ErrIO)
		}
		for j := 0; j < perSector; j++ {
			t.values[int(i)*perSector+j] = binary.LittleEndian.Uint32(buf[j*4:])
		}
	}

	return t, nil
}

// next returns the link stored for cluster.
// Clusters outside of the table are treated as end of chain.
func (t *fatTable) next(cluster uint32) uint32 {
	if cluster >= uint32(len(t.values)) {
		return clusterEOF
	}
	return t.values[cluster] & clusterMask
}

// set changes the link of cluster in memory only. The reserved upper 4 bits are kept.
func (t *fatTable) set(cluster, value uint32) {
	if cluster >= uint32(len(t.values)) {
		return
	}
	t.values[cluster] = t.values[cluster]&^clusterMask | value&clusterMask
}

// sectorOf returns the first sector of cluster.
func (t *fatTable) sectorOf(cluster uint32) int64 {
	return t.boot.FirstDataSector() + int64(cluster-firstCluster)*int64(t.boot.SectorsPerCluster)
}

// findFree returns the lowest free cluster.
func (t *fatTable) findFree() (uint32, error) {
	for c := firstCluster; c < t.limit; c++ {
		if t.values[c]&clusterMask == clusterFree {
			return c, nil
		}
	}
	return 0, checkpoint.Wrap(fmt.Errorf("all %d clusters in use", t.limit-firstCluster), ErrNoSpace)
}

// freeCount counts all free clusters.
func (t *fatTable) freeCount() uint32 {
	var n uint32
	for c := firstCluster; c < t.limit; c++ {
		if t.values[c]&clusterMask == clusterFree {
			n++
		}
	}
	return n
}

// validLink reports whether link may continue a chain.
func (t *fatTable) validLink(link uint32) bool {
	return link >= firstCluster && link < t.limit && link != clusterBad
}

// chain returns all clusters of the chain starting at start.
// The walk stops at the end marker, at invalid links and when a cycle is detected.
func (t *fatTable) chain(start uint32) []uint32 {
	var clusters []uint32
	if !t.validLink(start) {
		return clusters
	}

	// A chain can't be longer than the table without visiting a cluster twice.
	for c := start; ; {
		clusters = append(clusters, c)
		link := t.next(c)
		if isEOF(link) {
			return clusters
		}
		if !t.validLink(link) || len(clusters) >= int(t.limit) {
			t.log.WithFields(logrus.Fields{"start": start, "cluster": c, "link": link}).Warn("broken cluster chain")
			return clusters
		}
		c = link
	}
}

// allocate takes a free cluster, marks it as end of chain and links it behind prev if prev != 0.
func (t *fatTable) allocate(prev uint32) (uint32, error) {
	c, err := t.findFree()
	if err != nil {
		return 0, err
	}
	t.set(c, clusterEOF)
	if prev != 0 {
		t.set(prev, c)
	}
	t.log.WithFields(logrus.Fields{"cluster": c, "prev": prev}).Debug("allocated cluster")
	return c, nil
}

// release marks all given clusters as free.
func (t *fatTable) release(clusters []uint32) {
	for _, c := range clusters {
		t.set(c, clusterFree)
	}
	if len(clusters) > 0 {
		t.log.WithFields(logrus.Fields{"first": clusters[0], "count": len(clusters)}).Debug("released clusters")
	}
}

// flush writes the whole table to every table copy.
// The first failing write aborts, copies written before stay written.
func (t *fatTable) flush(buf []byte) error {
	perSector := int(t.boot.BytesPerSector) / 4
	for copyIdx := 0; copyIdx < int(t.boot.NumFATs); copyIdx++ {
		base := int64(t.boot.ReservedSectors) + int64(copyIdx)*int64(t.boot.SectorsPerFAT)
		for i := 0; i < int(t.boot.SectorsPerFAT); i++ {
			for j := 0; j < perSector; j++ {
				binary.LittleEndian.PutUint32(buf[j*4:], t.values[i*perSector+j])
			}
			if err := t.dev.WriteSector(base+int64(i), buf); err != nil {
				return checkpoint.Wrap(err, ErrIO)
			}
		}
	}
	return nil
}
