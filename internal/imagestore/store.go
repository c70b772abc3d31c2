// Package imagestore stages an incoming firmware image into the update slot.
//
// The store tracks at most one live transfer. Every transfer is identified by
// a Handle issued by Begin or OpenRead; any operation with a handle the store
// does not currently recognize is rejected before flash is touched.
// Callers must serialize transfers themselves: starting a new transfer
// invalidates the previous one.
package imagestore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ota-device/internal/flash"
)

var (
	// ErrTooLarge is returned by Begin when the image does not fit in a slot.
	ErrTooLarge = errors.New("image larger than slot")
	// ErrStaleHandle is returned for a handle that is not the live one.
	ErrStaleHandle = errors.New("stale or foreign image handle")
	// ErrOutOfRange is returned for writes that would cross the slot end.
	ErrOutOfRange = errors.New("write outside slot")
	// ErrFault wraps physical flash errors.
	ErrFault = errors.New("flash fault")
	// ErrBusy is returned by OpenRead while a transfer is in progress.
	ErrBusy = errors.New("image store busy")
	// ErrNoImage is returned by OpenRead when no image has been closed.
	ErrNoImage = errors.New("no staged image")
)

// Handle identifies one transfer. The zero Handle is never valid.
type Handle struct {
	gen uint64
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("image#%d", h.gen) }

// RangeError describes a write that would fall outside the slot.
type RangeError struct {
	Offset   int64
	Len      int
	SlotSize int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("write [0x%X, 0x%X) exceeds slot size 0x%X", e.Offset, e.Offset+int64(e.Len), e.SlotSize)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// FaultError wraps an error reported by the flash device.
type FaultError struct {
	Op   string
	Addr int64
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("flash %s at 0x%X: %v", e.Op, e.Addr, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFault) match every FaultError.
func (e *FaultError) Is(target error) bool { return target == ErrFault }

type mode int

const (
	modeIdle mode = iota
	modeWrite
	modeRead
)

// Store is the flash image store for the update slot.
type Store struct {
	dev      flash.Device
	base     int64
	slotSize int64
	logger   *slog.Logger

	// mu guards the fields below. It protects bookkeeping only, transfers
	// are still serialized by the caller.
	mu      sync.Mutex
	nextGen uint64
	live    uint64
	mode    mode
	size    int64

	staged     bool
	stagedSize int64
}

// New returns a store writing into the update slot described by layout.
func New(dev flash.Device, layout flash.Layout, logger *slog.Logger) *Store {
	return &Store{
		dev:      dev,
		base:     layout.UpdateAddr,
		slotSize: layout.SlotSize,
		logger:   logger.With("component", "imagestore"),
	}
}

// SlotSize returns the maximum image size.
func (s *Store) SlotSize() int64 { return s.slotSize }

// Begin starts a new transfer of an image expected to be expectedSize bytes.
// Any previous transfer is invalidated.
func (s *Store) Begin(expectedSize int64) (Handle, error) {
	if expectedSize < 0 || expectedSize > s.slotSize {
		s.logger.Warn("image rejected", "size", expectedSize, "slot_size", s.slotSize)
		return Handle{}, fmt.Errorf("begin %d bytes (slot %d): %w", expectedSize, s.slotSize, ErrTooLarge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != 0 {
		s.logger.Warn("replacing live transfer", "handle", Handle{s.live})
	}
	s.nextGen++
	s.live = s.nextGen
	s.mode = modeWrite
	s.size = 0
	s.staged = false
	s.stagedSize = 0

	h := Handle{gen: s.live}
	s.logger.Info("transfer started", "handle", h, "expected_size", expectedSize, "base", fmt.Sprintf("0x%X", s.base))
	return h, nil
}

// Write writes p at offset off of the image. It returns the number of bytes
// written. The tracked image size grows to the highest offset+len written.
func (s *Store) Write(h Handle, off int64, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.IsZero() || h.gen != s.live || s.mode != modeWrite {
		return 0, fmt.Errorf("write %s: %w", h, ErrStaleHandle)
	}
	if off < 0 || off > s.slotSize || int64(len(p)) > s.slotSize-off {
		return 0, &RangeError{Offset: off, Len: len(p), SlotSize: s.slotSize}
	}
	end := off + int64(len(p))

	addr := s.base + off
	s.logger.Debug("write block", "offset", fmt.Sprintf("0x%X", off), "len", len(p))
	if _, err := s.dev.WriteAt(p, addr); err != nil {
		s.logger.Error("flash write failed", "addr", fmt.Sprintf("0x%X", addr), "err", err)
		return 0, &FaultError{Op: "write", Addr: addr, Err: err}
	}
	if end > s.size {
		s.size = end
	}
	return len(p), nil
}

// Read reads up to len(p) bytes of the image at off. The read is clamped to
// the tracked image size; n == 0 signals the end of the image.
func (s *Store) Read(h Handle, off int64, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.IsZero() || h.gen != s.live {
		return 0, fmt.Errorf("read %s: %w", h, ErrStaleHandle)
	}
	if off < 0 || off >= s.size {
		return 0, nil
	}
	n := int64(len(p))
	if off+n > s.size {
		n = s.size - off
	}
	addr := s.base + off
	if _, err := s.dev.ReadAt(p[:n], addr); err != nil {
		return 0, &FaultError{Op: "read", Addr: addr, Err: err}
	}
	return int(n), nil
}

// Size returns the tracked size of the image behind h.
func (s *Store) Size(h Handle) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.IsZero() || h.gen != s.live {
		return 0, fmt.Errorf("size %s: %w", h, ErrStaleHandle)
	}
	return s.size, nil
}

// Close ends the transfer or read session behind h. After Close, h is stale.
// Closing a write transfer stages the image for OpenRead.
func (s *Store) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.IsZero() || h.gen != s.live {
		return fmt.Errorf("close %s: %w", h, ErrStaleHandle)
	}
	m := s.mode
	s.live = 0
	s.mode = modeIdle
	if m != modeWrite {
		return nil
	}

	s.staged = true
	s.stagedSize = s.size
	s.logger.Info("transfer closed", "handle", h, "size", s.size)
	if err := flash.Sync(s.dev); err != nil {
		return &FaultError{Op: "sync", Addr: s.base, Err: err}
	}
	return nil
}

// Abort drops the current transfer. It always succeeds.
func (s *Store) Abort(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("transfer aborted", "handle", h, "live", Handle{s.live})
	s.live = 0
	s.mode = modeIdle
	s.size = 0
	s.staged = false
	s.stagedSize = 0
}

// OpenRead opens the most recently closed image for reading and returns a
// new handle together with the image size.
func (s *Store) OpenRead() (Handle, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live != 0 {
		return Handle{}, 0, ErrBusy
	}
	if !s.staged {
		return Handle{}, 0, ErrNoImage
	}
	s.nextGen++
	s.live = s.nextGen
	s.mode = modeRead
	s.size = s.stagedSize
	return Handle{gen: s.live}, s.size, nil
}

// Staged reports whether a closed image is available and its size.
func (s *Store) Staged() (bool, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged, s.stagedSize
}

// Discard forgets the staged image, e.g. after it failed verification.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = false
	s.stagedSize = 0
}

// Release closes a read handle obtained from OpenRead. Unknown handles are
// ignored.
func (s *Store) Release(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !h.IsZero() && h.gen == s.live && s.mode == modeRead {
		s.live = 0
		s.mode = modeIdle
	}
}
