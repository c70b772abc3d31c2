// Package testonly provides support for flash tests.
package testonly

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// ErrInjected is returned by MemDevice for accesses matching a fault hook.
var ErrInjected = errors.New("injected flash fault")

// MemDevice is a simple in-memory flash device.
type MemDevice struct {
	mu      sync.Mutex
	Storage []byte

	// FailWriteAt, if set, is consulted before every write. Returning true
	// fails the write with ErrInjected without modifying storage.
	FailWriteAt func(off int64, n int) bool
	// FailReadAt behaves like FailWriteAt for reads.
	FailReadAt func(off int64, n int) bool

	// Writes counts successful WriteAt calls.
	Writes int
}

// NewMemDevice creates an erased (0xFF filled) in-memory device.
func NewMemDevice(t *testing.T, size int) *MemDevice {
	t.Helper()
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xFF
	}
	return &MemDevice{Storage: b}
}

// Size returns the device size in bytes.
func (md *MemDevice) Size() int64 {
	md.mu.Lock()
	defer md.mu.Unlock()
	return int64(len(md.Storage))
}

// ReadAt reads len(p) bytes at off.
func (md *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.FailReadAt != nil && md.FailReadAt(off, len(p)) {
		return 0, ErrInjected
	}
	if off < 0 || off+int64(len(p)) > int64(len(md.Storage)) {
		return 0, fmt.Errorf("read [%d, %d) beyond device size %d", off, off+int64(len(p)), len(md.Storage))
	}
	return copy(p, md.Storage[off:]), nil
}

// WriteAt writes p at off.
func (md *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.FailWriteAt != nil && md.FailWriteAt(off, len(p)) {
		return 0, ErrInjected
	}
	if off < 0 || off+int64(len(p)) > int64(len(md.Storage)) {
		return 0, fmt.Errorf("write [%d, %d) beyond device size %d", off, off+int64(len(p)), len(md.Storage))
	}
	md.Writes++
	return copy(md.Storage[off:], p), nil
}

// Bytes returns a copy of n bytes at off.
func (md *MemDevice) Bytes(off int64, n int) []byte {
	md.mu.Lock()
	defer md.mu.Unlock()
	out := make([]byte, n)
	copy(out, md.Storage[off:])
	return out
}
