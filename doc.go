// Package gofat32 is a read/write driver for FAT32 filesystems on any sector based block device.
//
// Mount reads the whole directory tree into memory. The resulting Volume
// offers path based operations and sector I/O on the data of single entries.
// NewFs wraps a Volume as afero.Fs, which adds byte based files.
//
// Usage with an image file:
//  file, _ := os.OpenFile("fat.img", os.O_RDWR, 0)
//  dev, _ := gofat32.NewImageDevice(file, 512)
//  vol, _ := gofat32.Mount(dev)
//  fs := gofat32.NewFs(vol)
//  _ = afero.WriteFile(fs, "/hello.txt", []byte("Hello World"), 0644)
package gofat32

//go:generate go run ./cmd/generate
