package gofat32

import (
	"fmt"

	"github.com/aligator/gofat32/checkpoint"
	"github.com/spf13/afero"
)

// BlockDevice is the sector based storage a volume lives on.
// All sector indices are relative to the start of the volume, so a partition
// table has to be resolved before the device is handed to Mount.
//
// Generated mock using mockgen:
//  mockgen -source=device.go -destination=device_mock_test.go -package gofat32
type BlockDevice interface {
	// Stat returns the size of one sector in bytes and the number of sectors.
	Stat() (sectorSize int, sectorCount int64, err error)
	// ReadSector reads exactly one sector into buf, which is one sector long.
	ReadSector(sector int64, buf []byte) error
	// WriteSector writes exactly one sector from buf, which is one sector long.
	WriteSector(sector int64, buf []byte) error
}

// ImageDevice is a BlockDevice backed by an image file.
// The file may come from any afero.Fs, e.g. afero.NewOsFs() for real images
// or afero.NewMemMapFs() for volumes which only live in memory.
type ImageDevice struct {
	file       afero.File
	sectorSize int
	// sectors is the sector count of the image when it was last looked at.
	sectors int64
}

// NewImageDevice uses file as disk image with the given sector size.
// The image size should be a multiple of sectorSize, a trailing partial sector is ignored.
// The size is read once here. It is read again only if an access goes behind
// the known end or a read comes back short.
func NewImageDevice(file afero.File, sectorSize int) (*ImageDevice, error) {
	if sectorSize < 512 || sectorSize&(sectorSize-1) != 0 {
		return nil, checkpoint.Wrap(fmt.Errorf("sector size %d is no power of two >= 512", sectorSize), ErrGeometry)
	}
	d := &ImageDevice{
		file:       file,
		sectorSize: sectorSize,
	}
	if err := d.refresh(); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateImage creates (or truncates) the file name on fs with the given
// amount of sectors and returns it as ImageDevice.
func CreateImage(fs afero.Fs, name string, sectorSize int, sectors int64) (*ImageDevice, error) {
	file, err := fs.Create(name)
	if err != nil {
		return nil, checkpoint.From(err)
	}
	if err := file.Truncate(int64(sectorSize) * sectors); err != nil {
		file.Close()
		return nil, checkpoint.From(err)
	}
	dev, err := NewImageDevice(file, sectorSize)
	if err != nil {
		file.Close()
		return nil, err
	}
	return dev, nil
}

func (d *ImageDevice) Stat() (int, int64, error) {
	return d.sectorSize, d.sectors, nil
}

// refresh reads the current size of the image file.
func (d *ImageDevice) refresh() error {
	info, err := d.file.Stat()
	if err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	d.sectors = info.Size() / int64(d.sectorSize)
	return nil
}

func (d *ImageDevice) ReadSector(sector int64, buf []byte) error {
	if err := d.check(sector, buf); err != nil {
		return err
	}
	n, err := d.file.ReadAt(buf, sector*int64(d.sectorSize))
	if n == len(buf) {
		// ReadAt may report io.EOF together with the last complete sector.
		return nil
	}
	if err == nil {
		err = fmt.Errorf("short read of sector %d: %d bytes", sector, n)
	}
	// The image may have shrunk.
	if statErr := d.refresh(); statErr != nil {
		return checkpoint.Wrap(statErr, ErrIO)
	}
	return checkpoint.Wrap(err, ErrIO)
}

func (d *ImageDevice) WriteSector(sector int64, buf []byte) error {
	if err := d.check(sector, buf); err != nil {
		return err
	}
	_, err := d.file.WriteAt(buf, sector*int64(d.sectorSize))
	return checkpoint.Wrap(err, ErrIO)
}

// Sync commits the image file to its storage.
func (d *ImageDevice) Sync() error {
	return checkpoint.Wrap(d.file.Sync(), ErrIO)
}

// Close closes the underlying image file.
func (d *ImageDevice) Close() error {
	return checkpoint.Wrap(d.file.Close(), ErrIO)
}

func (d *ImageDevice) check(sector int64, buf []byte) error {
	if len(buf) != d.sectorSize {
		return checkpoint.Wrap(fmt.Errorf("buffer of %d bytes for sector size %d", len(buf), d.sectorSize), ErrInvalid)
	}
	if sector >= d.sectors {
		// The image may have grown.
		if err := d.refresh(); err != nil {
			return err
		}
	}
	if sector < 0 || sector >= d.sectors {
		return checkpoint.Wrap(fmt.Errorf("sector %d of %d", sector, d.sectors), ErrOutOfRange)
	}
	return nil
}
