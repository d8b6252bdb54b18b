package gofat32

import (
	"github.com/spf13/afero"
)

// NewIOFS mounts the volume on dev and returns it as io/fs compatible filesystem.
// It just wraps the afero implementation using afero.IOFS.
func NewIOFS(dev BlockDevice, opts ...Option) (afero.IOFS, error) {
	vol, err := Mount(dev, opts...)
	if err != nil {
		return afero.IOFS{}, err
	}
	return afero.IOFS{Fs: NewFs(vol)}, nil
}
