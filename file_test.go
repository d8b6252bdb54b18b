package gofat32

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testContent returns size bytes which differ between neighbouring sectors.
func testContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i/7 + i%13)
	}
	return content
}

// openTestFile creates path with content on a fresh volume with 512 byte clusters
// and opens it with flag.
func openTestFile(t *testing.T, content []byte, flag int) (*Fs, *File) {
	t.Helper()

	vol, _ := newTestVolume(t, 1024, 1)
	fs := NewFs(vol)
	require.NoError(t, afero.WriteFile(fs, "/file.bin", content, 0o644))

	f, err := fs.OpenFile("/file.bin", flag, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return fs, f.(*File)
}

func TestFile_Read(t *testing.T) {
	content := testContent(1300)

	tests := []struct {
		name  string
		chunk int
	}{
		{name: "byte by byte", chunk: 1},
		{name: "odd chunks", chunk: 77},
		{name: "exactly one sector", chunk: 512},
		{name: "across sectors", chunk: 700},
		{name: "everything at once", chunk: 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, f := openTestFile(t, content, os.O_RDONLY)

			var got []byte
			buf := make([]byte, tt.chunk)
			for {
				n, err := f.Read(buf)
				got = append(got, buf[:n]...)
				if err == io.EOF {
					assert.Equal(t, 0, n)
					break
				}
				require.NoError(t, err)
			}
			assert.Equal(t, content, got)
		})
	}
}

func TestFile_ReadAt(t *testing.T) {
	content := testContent(1300)

	tests := []struct {
		name    string
		off     int64
		size    int
		wantN   int
		wantErr error
	}{
		{name: "start", off: 0, size: 10, wantN: 10},
		{name: "sector boundary", off: 510, size: 4, wantN: 4},
		{name: "whole file", off: 0, size: 1300, wantN: 1300},
		{name: "over the end", off: 1290, size: 20, wantN: 10, wantErr: io.EOF},
		{name: "at the end", off: 1300, size: 1, wantN: 0, wantErr: io.EOF},
		{name: "behind the end", off: 5000, size: 1, wantN: 0, wantErr: io.EOF},
		{name: "negative offset", off: -1, size: 1, wantN: 0, wantErr: os.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, f := openTestFile(t, content, os.O_RDONLY)

			buf := make([]byte, tt.size)
			n, err := f.ReadAt(buf, tt.off)
			assert.Equal(t, tt.wantN, n)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			if n > 0 {
				assert.Equal(t, content[tt.off:tt.off+int64(n)], buf[:n])
			}

			// ReadAt doesn't move the offset.
			pos, err := f.Seek(0, io.SeekCurrent)
			require.NoError(t, err)
			assert.Equal(t, int64(0), pos)
		})
	}
}

func TestFile_Seek(t *testing.T) {
	tests := []struct {
		name    string
		flag    int
		start   int64
		offset  int64
		whence  int
		want    int64
		wantErr error
	}{
		{name: "start", flag: os.O_RDONLY, offset: 5, whence: io.SeekStart, want: 5},
		{name: "current", flag: os.O_RDONLY, start: 5, offset: 3, whence: io.SeekCurrent, want: 8},
		{name: "current backwards", flag: os.O_RDONLY, start: 5, offset: -5, whence: io.SeekCurrent, want: 0},
		{name: "end", flag: os.O_RDONLY, offset: -2, whence: io.SeekEnd, want: 98},
		{name: "exactly the end", flag: os.O_RDONLY, offset: 0, whence: io.SeekEnd, want: 100},
		{name: "before the start", flag: os.O_RDONLY, offset: -1, whence: io.SeekStart, wantErr: afero.ErrOutOfRange},
		{name: "behind the end read only", flag: os.O_RDONLY, offset: 1, whence: io.SeekEnd, wantErr: afero.ErrOutOfRange},
		{name: "behind the end writable", flag: os.O_RDWR, offset: 1, whence: io.SeekEnd, want: 101},
		{name: "invalid whence", flag: os.O_RDONLY, offset: 0, whence: 42, wantErr: syscall.EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, f := openTestFile(t, testContent(100), tt.flag)
			_, err := f.Seek(tt.start, io.SeekStart)
			require.NoError(t, err)

			got, err := f.Seek(tt.offset, tt.whence)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
				assert.True(t, errors.Is(err, ErrSeekFile))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFile_SeekAndRead(t *testing.T) {
	content := testContent(2000)
	_, f := openTestFile(t, content, os.O_RDONLY)

	_, err := f.Seek(1000, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, content[1000:1100], buf)

	_, err = f.Seek(-50, io.SeekEnd)
	require.NoError(t, err)
	n, err = f.Read(buf)
	require.NoError(t, err, "a partial read is no error")
	assert.Equal(t, 50, n)
	assert.Equal(t, content[1950:], buf[:n])

	n, err = f.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestFile_Write(t *testing.T) {
	tests := []struct {
		name   string
		before []byte
		off    int64
		data   []byte
	}{
		{name: "empty file", off: 0, data: testContent(10)},
		{name: "overwrite inside a sector", before: testContent(600), off: 3, data: []byte("hello")},
		{name: "overwrite across sectors", before: testContent(1200), off: 500, data: testContent(30)},
		{name: "extend", before: testContent(600), off: 590, data: testContent(1000)},
		{name: "many clusters", off: 0, data: testContent(10000)},
		{name: "gap is filled with zeros", before: testContent(10), off: 1500, data: []byte("tail")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, f := openTestFile(t, tt.before, os.O_RDWR)

			// Fill the old cluster space with garbage to make sure the gap is really zeroed.
			if len(tt.before) > 0 && tt.off > int64(len(tt.before)) {
				garbage := make([]byte, 512)
				for i := range garbage {
					garbage[i] = 0xAA
				}
				_, err := f.WriteAt(garbage[:512-len(tt.before)], int64(len(tt.before)))
				require.NoError(t, err)
				require.NoError(t, f.Truncate(int64(len(tt.before))))
			}

			want := make([]byte, len(tt.before))
			copy(want, tt.before)
			if end := int(tt.off) + len(tt.data); end > len(want) {
				want = append(want, make([]byte, end-len(want))...)
			}
			copy(want[tt.off:], tt.data)

			_, err := f.Seek(tt.off, io.SeekStart)
			require.NoError(t, err)
			n, err := f.Write(tt.data)
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), n)

			pos, err := f.Seek(0, io.SeekCurrent)
			require.NoError(t, err)
			assert.Equal(t, tt.off+int64(n), pos)

			got, err := afero.ReadFile(fs, "/file.bin")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestFile_Truncate(t *testing.T) {
	content := testContent(3000)
	fs, f := openTestFile(t, content, os.O_RDWR)
	vol := fs.Volume()
	free := vol.FreeClusters()

	require.NoError(t, f.Truncate(100))
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.Size())
	// 3000 bytes need 6 clusters, 100 bytes one.
	assert.Equal(t, free+5, vol.FreeClusters())

	require.NoError(t, f.Truncate(700))
	got, err := afero.ReadFile(fs, "/file.bin")
	require.NoError(t, err)
	want := append(append([]byte{}, content[:100]...), make([]byte, 600)...)
	assert.Equal(t, want, got)

	require.NoError(t, f.Truncate(0))
	got, err = afero.ReadFile(fs, "/file.bin")
	require.NoError(t, err)
	assert.Empty(t, got)
	// The first cluster is kept.
	assert.Equal(t, free+5, vol.FreeClusters())
}

func TestFile_Errors(t *testing.T) {
	fs, f := openTestFile(t, testContent(10), os.O_RDONLY)

	_, err := f.Write([]byte("x"))
	assert.True(t, errors.Is(err, syscall.EBADF))
	assert.True(t, errors.Is(f.Truncate(0), syscall.EBADF))

	_, err = f.Readdir(-1)
	assert.True(t, errors.Is(err, syscall.ENOTDIR))
	assert.True(t, errors.Is(err, ErrReadDir))

	w, err := fs.OpenFile("/file.bin", os.O_WRONLY, 0)
	require.NoError(t, err)
	defer w.Close()
	_, err = w.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, syscall.EBADF))

	_, err = w.WriteAt([]byte("x"), -1)
	assert.True(t, errors.Is(err, os.ErrInvalid))

	require.NoError(t, fs.Mkdir("/dir", 0o755))
	d, err := fs.Open("/dir")
	require.NoError(t, err)
	defer d.Close()
	_, err = d.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, ErrIsDir))
}

func TestFile_Close(t *testing.T) {
	_, f := openTestFile(t, testContent(10), os.O_RDWR)

	require.NoError(t, f.Close())
	assert.Nil(t, f.Entry())
	assert.Equal(t, "", f.Name())

	assert.Equal(t, afero.ErrFileClosed, f.Close())
	_, err := f.Read(make([]byte, 1))
	assert.Equal(t, afero.ErrFileClosed, err)
	_, err = f.Write([]byte("x"))
	assert.Equal(t, afero.ErrFileClosed, err)
	_, err = f.Seek(0, io.SeekStart)
	assert.Equal(t, afero.ErrFileClosed, err)
	_, err = f.Stat()
	assert.Equal(t, afero.ErrFileClosed, err)
	_, err = f.Readdir(-1)
	assert.Equal(t, afero.ErrFileClosed, err)
	assert.Equal(t, afero.ErrFileClosed, f.Sync())
	assert.Equal(t, afero.ErrFileClosed, f.Truncate(0))
}

func TestFile_Readdir(t *testing.T) {
	vol, _ := newTestVolume(t, 1024, 1)
	fs := NewFs(vol)
	require.NoError(t, fs.Mkdir("/dir", 0o755))
	require.NoError(t, fs.Mkdir("/dir/sub", 0o755))
	for _, name := range []string{"/dir/a.txt", "/dir/b.txt", "/dir/c.txt", "/dir/d.txt"} {
		require.NoError(t, afero.WriteFile(fs, name, []byte(name), 0o644))
	}

	tests := []struct {
		name   string
		counts []int
		want   [][]string
		errs   []error
	}{
		{
			name:   "all at once",
			counts: []int{-1, -1},
			want:   [][]string{{"sub", "a.txt", "b.txt", "c.txt", "d.txt"}, {}},
			errs:   []error{nil, nil},
		},
		{
			name:   "in chunks",
			counts: []int{2, 2, 2, 2},
			want:   [][]string{{"sub", "a.txt"}, {"b.txt", "c.txt"}, {"d.txt"}, nil},
			errs:   []error{nil, nil, nil, io.EOF},
		},
		{
			name:   "zero count reads the rest",
			counts: []int{1, 0},
			want:   [][]string{{"sub"}, {"a.txt", "b.txt", "c.txt", "d.txt"}},
			errs:   []error{nil, nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := fs.Open("/dir")
			require.NoError(t, err)
			defer d.Close()

			for i, count := range tt.counts {
				names, err := d.Readdirnames(count)
				assert.Equal(t, tt.errs[i], err, "call %d", i)
				if tt.want[i] == nil {
					assert.Nil(t, names, "call %d", i)
				} else {
					assert.Equal(t, tt.want[i], names, "call %d", i)
				}
			}
		})
	}
}

func TestFile_ReaddirInfo(t *testing.T) {
	vol, _ := newTestVolume(t, 1024, 1)
	fs := NewFs(vol)
	require.NoError(t, fs.Mkdir("/sub", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/data.bin", testContent(1234), 0o644))

	d, err := fs.Open("/")
	require.NoError(t, err)
	defer d.Close()

	infos, err := d.Readdir(-1)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "sub", infos[0].Name())
	assert.True(t, infos[0].IsDir())
	assert.Equal(t, int64(0), infos[0].Size())

	assert.Equal(t, "data.bin", infos[1].Name())
	assert.False(t, infos[1].IsDir())
	assert.Equal(t, int64(1234), infos[1].Size())
}

func TestFile_ReadFault(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dev := newTestImage(t, 1024, 1)
	require.NoError(t, afero.WriteFile(NewFs(mountTest(t, dev)), "/file.bin", testContent(2000), 0o644))

	boom := errors.New("boom")
	fail := false

	mock := NewMockBlockDevice(ctrl)
	mock.EXPECT().Stat().AnyTimes().DoAndReturn(dev.Stat)
	mock.EXPECT().WriteSector(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(dev.WriteSector)
	mock.EXPECT().ReadSector(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(func(sector int64, buf []byte) error {
		if fail {
			return boom
		}
		return dev.ReadSector(sector, buf)
	})

	fs := NewFs(mountTest(t, mock))
	f, err := fs.Open("/file.bin")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 600)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 600, n)

	// The second sector is cached already, the third one is not.
	fail = true
	n, err = f.Read(buf)
	assert.Equal(t, 424, n)
	assert.True(t, errors.Is(err, ErrReadFile))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, KindIO, KindOf(err))
}

func TestFile_Sync(t *testing.T) {
	_, f := openTestFile(t, testContent(10), os.O_RDWR)
	assert.NoError(t, f.Sync())
}

func TestFile_WriteString(t *testing.T) {
	fs, f := openTestFile(t, nil, os.O_RDWR)

	n, err := f.WriteString("Hello ")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = f.WriteString("World")
	require.NoError(t, err)

	got, err := afero.ReadFile(fs, "/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(got))
}

func TestFile_ConcurrentHandles(t *testing.T) {
	vol, _ := newTestVolume(t, 1024, 1)
	fs := NewFs(vol)

	w, err := fs.OpenFile("/a", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer w.Close()
	r, err := fs.Open("/a")
	require.NoError(t, err)
	defer r.Close()

	chunk := []byte("0123456789")
	const writes = 100

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			if _, err := w.Write(chunk); err != nil {
				t.Errorf("Write() error = %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 64)
		for i := 0; i < writes; i++ {
			if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
				t.Errorf("ReadAt() error = %v", err)
				return
			}
			if _, err := r.Seek(0, io.SeekEnd); err != nil {
				t.Errorf("Seek() error = %v", err)
				return
			}
			if _, err := fs.Stat("/a"); err != nil {
				t.Errorf("Stat() error = %v", err)
				return
			}
		}
	}()
	wg.Wait()

	content, err := afero.ReadFile(fs, "/a")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat(chunk, writes), content)
}
