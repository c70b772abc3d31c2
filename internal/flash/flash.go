// Package flash provides access to the non-volatile storage that holds the
// firmware image slots and the boot control record.
package flash

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrOutOfRange is returned when an access falls outside the device.
var ErrOutOfRange = errors.New("flash: access out of range")

// Device is a byte-addressable flash part.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Size returns the device size in bytes.
	Size() int64
}

// Syncer is implemented by devices that buffer writes.
type Syncer interface {
	Sync() error
}

// FileDevice is a Device backed by a file, typically an MTD char device
// (/dev/mtdN) or a plain image file used on the bench.
type FileDevice struct {
	f    *os.File
	size int64
}

// OpenFile opens path as a flash device. If the file is smaller than size it
// is grown and the new area filled with 0xFF (erased flash). A size of zero
// uses the current file size.
func OpenFile(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open flash %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat flash %s: %w", path, err)
	}
	cur := st.Size()
	if size == 0 {
		size = cur
	}
	if cur < size {
		if err := fillErased(f, cur, size); err != nil {
			f.Close()
			return nil, fmt.Errorf("grow flash %s: %w", path, err)
		}
	}
	return &FileDevice{f: f, size: size}, nil
}

func fillErased(f *os.File, from, to int64) error {
	buf := make([]byte, 64*1024)
	for i := range buf {
		buf[i] = 0xFF
	}
	for off := from; off < to; {
		n := int64(len(buf))
		if to-off < n {
			n = to - off
		}
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Size returns the device size in bytes.
func (d *FileDevice) Size() int64 { return d.size }

// ReadAt reads len(p) bytes at off. Reads past the end of the device return
// ErrOutOfRange.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("read [%d, %d): %w", off, off+int64(len(p)), ErrOutOfRange)
	}
	return d.f.ReadAt(p, off)
}

// WriteAt writes p at off. Writes past the end of the device return
// ErrOutOfRange without writing anything.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write [%d, %d): %w", off, off+int64(len(p)), ErrOutOfRange)
	}
	return d.f.WriteAt(p, off)
}

// Sync commits written data to stable storage.
func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// Close closes the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// Sync flushes dev if it buffers writes.
func Sync(dev Device) error {
	if s, ok := dev.(Syncer); ok {
		return s.Sync()
	}
	return nil
}

// CopySlot copies size bytes from src to dst on dev, chunk bytes at a time.
func CopySlot(dev Device, dst, src, size int64, chunk int) error {
	if chunk <= 0 {
		chunk = 4096
	}
	buf := make([]byte, chunk)
	for off := int64(0); off < size; {
		n := int64(chunk)
		if size-off < n {
			n = size - off
		}
		if _, err := dev.ReadAt(buf[:n], src+off); err != nil {
			return fmt.Errorf("copy read at 0x%X: %w", src+off, err)
		}
		if _, err := dev.WriteAt(buf[:n], dst+off); err != nil {
			return fmt.Errorf("copy write at 0x%X: %w", dst+off, err)
		}
		off += n
	}
	return Sync(dev)
}
