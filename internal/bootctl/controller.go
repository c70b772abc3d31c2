// Package bootctl manages the boot control record (UCB) that tells the
// bootloader which image to run and whether a rollback is possible.
//
// The controller is not safe for concurrent transitions by contract; callers
// serialize image state changes the same way they serialize transfers.
package bootctl

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ota-device/internal/flash"
)

// ImageState is the coarse classification of the record.
type ImageState int

const (
	ImageInvalid ImageState = iota
	ImageValid
	ImagePendingCommit
)

func (s ImageState) String() string {
	switch s {
	case ImageValid:
		return "valid"
	case ImagePendingCommit:
		return "pending_commit"
	default:
		return "invalid"
	}
}

// StateRequest is a requested change of the platform image state.
type StateRequest int

const (
	Accepted StateRequest = iota + 1
	Rejected
	Aborted
	Testing
)

func (r StateRequest) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Aborted:
		return "aborted"
	case Testing:
		return "testing"
	default:
		return fmt.Sprintf("request(%d)", int(r))
	}
}

// ParseStateRequest parses the lower-case request name.
func ParseStateRequest(s string) (StateRequest, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "accept":
		return Accepted, nil
	case "rejected", "reject":
		return Rejected, nil
	case "aborted", "abort":
		return Aborted, nil
	case "testing", "test":
		return Testing, nil
	}
	return 0, fmt.Errorf("unknown image state %q", s)
}

var (
	// ErrBadTransition is returned when the record is in the wrong state
	// for the requested change.
	ErrBadTransition = errors.New("transition not allowed")
	// ErrNoRollback is returned when rejecting or aborting a pending image
	// without a rollback image to return to.
	ErrNoRollback = errors.New("no rollback image")
	// ErrPersist wraps failures to read or write the record.
	ErrPersist = errors.New("boot control record I/O failed")
	// ErrUnknownRequest is returned for an undefined StateRequest.
	ErrUnknownRequest = errors.New("unknown state request")
)

// TransitionError reports a refused state change. The record is unchanged.
type TransitionError struct {
	Request StateRequest
	From    State
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("set image state %s from %s: %v", e.Request, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Resetter restarts the device.
type Resetter interface {
	Reset() error
}

// Flusher drains buffered diagnostic output.
type Flusher interface {
	Flush() error
}

// Watchdog is disabled before long flash operations.
type Watchdog interface {
	Disable() error
}

// NopWatchdog does nothing.
type NopWatchdog struct{}

func (NopWatchdog) Disable() error { return nil }

type nopFlusher struct{}

func (nopFlusher) Flush() error { return nil }

// Option configures a Controller.
type Option func(*Controller)

// WithResetter sets how the device is reset.
func WithResetter(r Resetter) Option {
	return func(c *Controller) { c.resetter = r }
}

// WithFlusher sets the diagnostic output flushed before reset.
func WithFlusher(f Flusher) Option {
	return func(c *Controller) { c.flusher = f }
}

// WithWatchdog sets the watchdog disabled during the backup overwrite.
func WithWatchdog(w Watchdog) Option {
	return func(c *Controller) { c.watchdog = w }
}

// WithCopyChunk sets the chunk size used for the backup overwrite.
func WithCopyChunk(n int) Option {
	return func(c *Controller) { c.copyChunk = n }
}

// Controller reads and writes the boot control record.
type Controller struct {
	dev       flash.Device
	layout    flash.Layout
	logger    *slog.Logger
	resetter  Resetter
	flusher   Flusher
	watchdog  Watchdog
	copyChunk int
}

// New creates a controller for the record at layout.UCBAddr.
func New(dev flash.Device, layout flash.Layout, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		dev:       dev,
		layout:    layout,
		logger:    logger.With("component", "bootctl"),
		resetter:  ExitResetter{},
		flusher:   nopFlusher{},
		watchdog:  NopWatchdog{},
		copyChunk: 4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record loads and decodes the record from flash.
func (c *Controller) Record() (Record, error) {
	buf := make([]byte, RecordSize)
	if _, err := c.dev.ReadAt(buf, c.layout.UCBAddr); err != nil {
		return Record{}, fmt.Errorf("%w: read: %w", ErrPersist, err)
	}
	var r Record
	if err := r.UnmarshalBinary(buf); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (c *Controller) write(r Record) error {
	b, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := c.dev.WriteAt(b, c.layout.UCBAddr); err != nil {
		return fmt.Errorf("%w: write: %w", ErrPersist, err)
	}
	if err := flash.Sync(c.dev); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrPersist, err)
	}
	return nil
}

// ReadState classifies the record. An unreadable record is Invalid.
func (c *Controller) ReadState() ImageState {
	r, err := c.Record()
	if err != nil {
		c.logger.Error("read boot control record", "err", err)
		return ImageInvalid
	}
	switch r.State {
	case StateNew:
		return ImageValid
	case StatePendingCommit:
		return ImagePendingCommit
	default:
		return ImageInvalid
	}
}

// SetState applies req to the record.
//
//	Accepted: PENDING_COMMIT -> VOID, then overwrite the backup slot
//	Rejected: PENDING_COMMIT (rollback set) -> INVALID, NEW -> VOID
//	Aborted:  PENDING_COMMIT (rollback set) -> INVALID, NEW -> VOID
//	Testing:  no change
//
// Refused changes return a *TransitionError and leave the record unchanged.
func (c *Controller) SetState(req StateRequest) error {
	c.logger.Info("set image state", "request", req)

	switch req {
	case Testing:
		return nil
	case Accepted, Rejected, Aborted:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownRequest, int(req))
	}

	r, err := c.Record()
	if err != nil {
		return err
	}

	if req == Accepted {
		return c.accept(r)
	}

	switch r.State {
	case StatePendingCommit:
		if !r.HasRollback {
			c.logger.Warn("refusing to leave pending commit without rollback image", "request", req)
			return &TransitionError{Request: req, From: r.State, Err: ErrNoRollback}
		}
		r.State = StateInvalid
	case StateNew:
		r.State = StateVoid
	default:
		return &TransitionError{Request: req, From: r.State, Err: ErrBadTransition}
	}
	if err := c.write(r); err != nil {
		c.logger.Error("persist image state", "request", req, "err", err)
		return err
	}
	return nil
}

func (c *Controller) accept(r Record) error {
	if r.State != StatePendingCommit {
		c.logger.Warn("image is not in pending commit state", "state", r.State)
		return &TransitionError{Request: Accepted, From: r.State, Err: ErrBadTransition}
	}

	r.State = StateVoid
	if err := c.write(r); err != nil {
		// Leave the backup slot untouched until the commit is persisted.
		c.logger.Error("persist commit", "err", err)
		return err
	}

	if err := c.watchdog.Disable(); err != nil {
		c.logger.Warn("disable watchdog", "err", err)
	}

	// The running image is now confirmed. Make it the rollback target.
	err := flash.CopySlot(c.dev, c.layout.BackupAddr, c.layout.ExecAddr, c.layout.SlotSize, c.copyChunk)
	if err == nil {
		c.logger.Info("backup slot overwritten with confirmed image")
		return nil
	}

	// A partially overwritten backup must not stay referenced. Accept itself
	// still succeeds; failing here would make the caller roll back onto it.
	c.logger.Error("overwrite backup slot", "err", err)
	r.ClearRollback()
	if err := c.write(r); err != nil {
		c.logger.Error("persist cleared rollback", "err", err)
		return nil
	}
	c.logger.Warn("rollback disabled")
	return nil
}

// RequestUpdate asks the bootloader to boot the update slot on the next
// reset and to keep the current image in the backup slot.
func (c *Controller) RequestUpdate() error {
	r := Record{
		State:         StateNew,
		HasUpdate:     true,
		UpdateImage:   uint32(c.layout.UpdateAddr),
		HasRollback:   true,
		RollbackImage: uint32(c.layout.BackupAddr),
	}
	if err := c.write(r); err != nil {
		return fmt.Errorf("request update: %w", err)
	}
	c.logger.Info("update requested",
		"update", fmt.Sprintf("0x%X", r.UpdateImage),
		"backup", fmt.Sprintf("0x%X", r.RollbackImage))
	return nil
}

// Activate requests the update and resets the device. It only returns on
// failure, or when the configured Resetter returns.
func (c *Controller) Activate() error {
	c.logger.Info("activating new image")
	if err := c.RequestUpdate(); err != nil {
		return err
	}
	return c.Reset()
}

// Reset flushes diagnostic output and resets the device.
func (c *Controller) Reset() error {
	c.logger.Info("resetting device")
	if err := c.flusher.Flush(); err != nil {
		c.logger.Warn("flush diagnostic output", "err", err)
	}
	return c.resetter.Reset()
}
