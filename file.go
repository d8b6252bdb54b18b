package gofat32

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/aligator/gofat32/checkpoint"
	"github.com/spf13/afero"
)

// These errors may occur while processing a file.
var (
	ErrReadFile  = errors.New("could not read file completely")
	ErrWriteFile = errors.New("could not write file completely")
	ErrSeekFile  = errors.New("could not seek inside of the file")
	ErrReadDir   = errors.New("could not read the directory")
)

// File is an open file or directory of a Volume.
// It reads and writes whole sectors through the volume and keeps the last
// sector it touched, so sequential small reads don't hit the device for every call.
// A File must not be used by several goroutines at once, several Files of
// the same entry may.
type File struct {
	vol   *Volume
	entry *Entry
	name  string
	flag  int

	// offset is the byte offset for files and the index of the next child for directories.
	offset int64

	buf []byte
	// cached is the logical index of the sector held in buf, -1 if none.
	cached int64
}

var _ afero.File = (*File)(nil)

func newFile(vol *Volume, entry *Entry, name string, flag int) *File {
	return &File{
		vol:    vol,
		entry:  entry,
		name:   name,
		flag:   flag,
		buf:    make([]byte, vol.Geometry().BytesPerSector),
		cached: -1,
	}
}

// Entry returns the directory entry of the file.
func (f *File) Entry() *Entry {
	return f.entry
}

func (f *File) readable() bool {
	return f.flag&os.O_WRONLY == 0
}

func (f *File) writable() bool {
	return f.flag&(os.O_WRONLY|os.O_RDWR) != 0
}

func (f *File) Close() error {
	if f.vol == nil {
		return afero.ErrFileClosed
	}

	f.vol = nil
	f.entry = nil
	f.name = ""
	f.flag = 0
	f.offset = 0
	f.buf = nil
	f.cached = -1

	return nil
}

func (f *File) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	n, err = f.ReadAt(p, f.offset)
	f.offset += int64(n)

	// A partial read is still a successful one, the next call reports io.EOF.
	if n > 0 && err == io.EOF {
		err = nil
	}
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	if f.vol == nil {
		return 0, afero.ErrFileClosed
	}
	if f.entry.IsDir() {
		return 0, pathError("read", f.name, ErrIsDir)
	}
	if !f.readable() {
		return 0, pathError("read", f.name, syscall.EBADF)
	}
	if off < 0 {
		return 0, pathError("read", f.name, checkpoint.Wrap(fmt.Errorf("negative offset %d", off), ErrInvalid))
	}

	size := f.vol.size(f.entry)
	// Reading over the end makes no sense.
	if off >= size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if off+want > size {
		want = size - off
	}

	bps := int64(len(f.buf))
	for int64(n) < want {
		pos := off + int64(n)
		if err := f.load(pos / bps); err != nil {
			return n, checkpoint.Wrap(err, ErrReadFile)
		}
		within := pos % bps
		end := bps
		if rest := want - int64(n); within+rest < end {
			end = within + rest
		}
		n += copy(p[n:], f.buf[within:end])
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// load reads the sector with the logical index into the buffer.
func (f *File) load(index int64) error {
	if f.cached == index {
		return nil
	}
	f.cached = -1
	if err := f.vol.ReadSector(f.entry, index, f.buf); err != nil {
		return err
	}
	f.cached = index
	return nil
}

// Seek jumps to a specific offset in the file. This affects all Read and Write operations except ReadAt and WriteAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is out of range.
// Only files opened for writing may seek behind their end.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.vol == nil {
		return 0, afero.ErrFileClosed
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = f.vol.size(f.entry) + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	if offset < 0 || (offset > f.vol.size(f.entry) && !f.writable()) {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

func (f *File) Write(p []byte) (n int, err error) {
	if f.vol == nil {
		return 0, afero.ErrFileClosed
	}
	if f.flag&os.O_APPEND != 0 {
		f.offset = f.vol.size(f.entry)
	}

	n, err = f.WriteAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt writes p at off and grows the file if needed.
// A gap between the old end of the file and off is filled with zeros.
func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	if f.vol == nil {
		return 0, afero.ErrFileClosed
	}
	if !f.writable() || f.entry.IsDir() {
		return 0, pathError("write", f.name, syscall.EBADF)
	}
	if off < 0 {
		return 0, pathError("write", f.name, checkpoint.Wrap(fmt.Errorf("negative offset %d", off), ErrInvalid))
	}
	if len(p) == 0 {
		return 0, nil
	}

	size := f.vol.size(f.entry)
	if end := off + int64(len(p)); end > size {
		if err := f.vol.Resize(f.entry, end); err != nil {
			return 0, pathError("write", f.name, checkpoint.Wrap(err, ErrWriteFile))
		}
		if err := f.fill(size, off); err != nil {
			return 0, pathError("write", f.name, err)
		}
	}

	n, err = f.write(p, off)
	if err != nil {
		return n, pathError("write", f.name, err)
	}
	return n, nil
}

// write stores p at off, which has to be inside of the file.
// Partial sectors are read first and then written back as a whole.
func (f *File) write(p []byte, off int64) (int, error) {
	bps := int64(len(f.buf))
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		index, within := pos/bps, pos%bps
		chunk := bps - within
		if rest := int64(len(p) - n); rest < chunk {
			chunk = rest
		}

		if chunk < bps {
			if err := f.load(index); err != nil {
				return n, checkpoint.Wrap(err, ErrWriteFile)
			}
		}
		copy(f.buf[within:], p[n:n+int(chunk)])

		if err := f.vol.WriteSector(f.entry, index, f.buf); err != nil {
			f.cached = -1
			return n, checkpoint.Wrap(err, ErrWriteFile)
		}
		f.cached = index
		n += int(chunk)
	}
	return n, nil
}

// fill writes zeros to the range [from, to) of the file.
func (f *File) fill(from, to int64) error {
	if from >= to {
		return nil
	}
	zeros := make([]byte, len(f.buf))
	for from < to {
		chunk := int64(len(zeros))
		if to-from < chunk {
			chunk = to - from
		}
		if _, err := f.write(zeros[:chunk], from); err != nil {
			return err
		}
		from += chunk
	}
	return nil
}

func (f *File) Name() string {
	return f.name
}

// Readdir reads the contents of a directory.
// May return syscall.ENOTDIR if the current File is no directory.
// For count > 0 at most count entries are returned and io.EOF once there are no more.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if f.vol == nil {
		return nil, afero.ErrFileClosed
	}
	if !f.entry.IsDir() {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	content, err := f.vol.Children(f.entry)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	start := int(f.offset)
	if start > len(content) {
		start = len(content)
	}
	end := len(content)
	if count > 0 {
		if start == end {
			return nil, io.EOF
		}
		if start+count < end {
			end = start + count
		}
	}
	f.offset = int64(end)

	result := make([]os.FileInfo, 0, end-start)
	for _, entry := range content[start:end] {
		result = append(result, f.vol.FileInfo(entry))
	}

	return result, nil
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}

	return names, nil
}

func (f *File) Stat() (os.FileInfo, error) {
	if f.vol == nil {
		return nil, afero.ErrFileClosed
	}
	return f.vol.FileInfo(f.entry), nil
}

// Sync commits the device. The file itself has nothing buffered which is not written yet.
func (f *File) Sync() error {
	if f.vol == nil {
		return afero.ErrFileClosed
	}
	return f.vol.Sync()
}

// Truncate changes the size of the file. Growing fills the new bytes with zeros.
func (f *File) Truncate(size int64) error {
	if f.vol == nil {
		return afero.ErrFileClosed
	}
	if !f.writable() || f.entry.IsDir() {
		return pathError("truncate", f.name, syscall.EBADF)
	}

	old := f.vol.size(f.entry)
	if err := f.vol.Resize(f.entry, size); err != nil {
		return pathError("truncate", f.name, err)
	}
	f.cached = -1
	return pathError("truncate", f.name, f.fill(old, size))
}

func (f *File) WriteString(s string) (ret int, err error) {
	return f.Write([]byte(s))
}
