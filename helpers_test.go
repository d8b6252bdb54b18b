package gofat32

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// testTime is the clock used for all test volumes. It is already a multiple of two seconds.
var testTime = time.Date(2021, time.March, 14, 15, 9, 26, 0, time.UTC)

func testClock() time.Time {
	return testTime
}

// newTestImage creates a formatted in-memory image with 512 byte sectors.
func newTestImage(t *testing.T, sectors int64, sectorsPerCluster uint8) *ImageDevice {
	t.Helper()

	dev, err := CreateImage(afero.NewMemMapFs(), "fat32.img", 512, sectors)
	require.NoError(t, err)
	require.NoError(t, Format(dev, FormatConfig{SectorsPerCluster: sectorsPerCluster, VolumeID: 42}))
	return dev
}

// newTestVolume formats and mounts an in-memory image.
func newTestVolume(t *testing.T, sectors int64, sectorsPerCluster uint8) (*Volume, *ImageDevice) {
	t.Helper()

	dev := newTestImage(t, sectors, sectorsPerCluster)
	return mountTest(t, dev), dev
}

// mountTest mounts dev again, e.g. to check that all changes reached the device.
func mountTest(t *testing.T, dev BlockDevice) *Volume {
	t.Helper()

	vol, err := Mount(dev, WithClock(testClock))
	require.NoError(t, err)
	return vol
}
