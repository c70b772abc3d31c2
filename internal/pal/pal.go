// Package pal implements the platform callbacks the OTA orchestration
// drives: staging blocks into the update slot, verifying the closed image
// and moving the boot control record through its states.
package pal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ota-device/internal/bootctl"
	"ota-device/internal/imagestore"
	"ota-device/internal/sigverify"
	"ota-device/internal/store"
)

// ErrNoTransfer is returned for a FileContext with no live transfer.
var ErrNoTransfer = errors.New("no transfer in progress")

// Images is the image store used by the PAL. *imagestore.Store implements it.
type Images interface {
	sigverify.ImageReader
	Begin(expectedSize int64) (imagestore.Handle, error)
	Write(h imagestore.Handle, off int64, p []byte) (int, error)
	Close(h imagestore.Handle) error
	Abort(h imagestore.Handle)
	Discard()
	Staged() (bool, int64)
}

// Verifier checks the staged image. *sigverify.Verifier implements it.
type Verifier interface {
	VerifyErr(ctx context.Context, img sigverify.ImageReader, label string, sig []byte) error
}

// BootControl drives the boot control record. *bootctl.Controller
// implements it.
type BootControl interface {
	ReadState() bootctl.ImageState
	SetState(req bootctl.StateRequest) error
	Activate() error
	Reset() error
}

// History persists pipeline events. store.Store implements it.
type History interface {
	AppendHistory(entry *store.HistoryEntry) error
}

// SelfTest checks a freshly booted image. A nil error accepts it.
type SelfTest func(ctx context.Context) error

// JobEvent is reported by the orchestration when a job ends.
type JobEvent int

const (
	JobActivate JobEvent = iota
	JobFail
	JobStartTest
)

func (e JobEvent) String() string {
	switch e {
	case JobActivate:
		return "activate"
	case JobFail:
		return "fail"
	case JobStartTest:
		return "start_test"
	default:
		return fmt.Sprintf("JobEvent(%d)", int(e))
	}
}

// FileContext describes one transfer. CreateFile fills in Handle.
type FileContext struct {
	Handle    imagestore.Handle
	Size      int64
	CertLabel string
	Signature []byte
}

// Stats counts blocks handed to WriteBlock.
type Stats struct {
	Received  uint64 `json:"received"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
}

// Status summarizes the pipeline for status reports.
type Status struct {
	Version    string `json:"version"`
	ImageState string `json:"image_state"`
	InProgress bool   `json:"in_progress"`
	Staged     bool   `json:"staged"`
	StagedSize int64  `json:"staged_size,omitempty"`
}

// Option configures a PAL.
type Option func(*PAL)

// WithHistory persists pipeline events to h.
func WithHistory(h History) Option {
	return func(p *PAL) { p.history = h }
}

// WithSelfTest sets the check run on JobStartTest. Without one the image is
// accepted as soon as it boots.
func WithSelfTest(t SelfTest) Option {
	return func(p *PAL) { p.selfTest = t }
}

// WithEvents publishes pipeline events on eb.
func WithEvents(eb *EventBus) Option {
	return func(p *PAL) { p.events = eb }
}

// PAL binds the image store, the verifier and the boot controller.
// Callbacks are serialized internally, so the web API and the MQTT
// command topic may drive the same PAL.
type PAL struct {
	images   Images
	verifier Verifier
	boot     BootControl
	version  AppVersion
	history  History
	selfTest SelfTest
	events   *EventBus
	logger   *slog.Logger

	mu         sync.Mutex
	inProgress bool

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a PAL.
func New(images Images, verifier Verifier, boot BootControl, version AppVersion, logger *slog.Logger, opts ...Option) *PAL {
	p := &PAL{
		images:   images,
		verifier: verifier,
		boot:     boot,
		version:  version,
		logger:   logger.With("component", "pal"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.events == nil {
		p.events = NewEventBus(p.logger)
	}
	return p
}

// Events returns the bus pipeline events are published on.
func (p *PAL) Events() *EventBus { return p.events }

// Version returns the running firmware version.
func (p *PAL) Version() AppVersion { return p.version }

// CreateFile starts a transfer of fc.Size bytes and stores the new handle
// in fc.
func (p *PAL) CreateFile(fc *FileContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, err := p.images.Begin(fc.Size)
	if err != nil {
		p.record(store.HistoryEntry{Event: EventTransferStarted, Size: fc.Size}, err)
		return fmt.Errorf("create file: %w", err)
	}
	fc.Handle = h
	p.inProgress = true
	p.logger.Info("transfer created", "handle", h, "size", fc.Size, "label", fc.CertLabel)
	p.record(store.HistoryEntry{Event: EventTransferStarted, Size: fc.Size, Detail: fc.CertLabel}, nil)
	p.events.Emit(Event{Type: EventTransferStarted, Data: TransferData{Size: fc.Size, Label: fc.CertLabel}})
	return nil
}

// WriteBlock writes data at off of the transfer in fc.
func (p *PAL) WriteBlock(fc *FileContext, off int64, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.received.Add(1)
	n, err := p.images.Write(fc.Handle, off, data)
	if err != nil {
		p.dropped.Add(1)
		return n, err
	}
	p.processed.Add(1)
	p.events.Emit(Event{Type: EventBlockWritten, Data: TransferData{Size: fc.Size, Offset: off, Length: n}})
	return n, nil
}

// CloseFile ends the transfer and verifies the signature of the staged
// image. Every verification failure is reported as
// sigverify.ErrSignatureInvalid and discards the image.
func (p *PAL) CloseFile(ctx context.Context, fc *FileContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fc.Handle.IsZero() {
		return ErrNoTransfer
	}
	h := fc.Handle
	fc.Handle = imagestore.Handle{}
	p.inProgress = false

	if err := p.images.Close(h); err != nil {
		p.images.Discard()
		p.closed(fc, err)
		return fmt.Errorf("close file: %w", err)
	}

	err := p.verifier.VerifyErr(ctx, p.images, fc.CertLabel, fc.Signature)
	if err != nil {
		if !errors.Is(err, sigverify.ErrSignatureInvalid) {
			err = fmt.Errorf("%w: %w", sigverify.ErrSignatureInvalid, err)
		}
		p.images.Discard()
		p.logger.Warn("staged image rejected", "label", fc.CertLabel, "err", err)
		p.closed(fc, err)
		return fmt.Errorf("close file: %w", err)
	}
	p.closed(fc, nil)
	return nil
}

func (p *PAL) closed(fc *FileContext, err error) {
	_, size := p.images.Staged()
	d := TransferData{Size: size, Label: fc.CertLabel}
	if err != nil {
		d.Error = err.Error()
	}
	p.record(store.HistoryEntry{Event: EventTransferClosed, Size: size, Detail: fc.CertLabel}, err)
	p.events.Emit(Event{Type: EventTransferClosed, Data: d})
}

// Abort drops the transfer in fc. It always succeeds.
func (p *PAL) Abort(fc *FileContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.images.Abort(fc.Handle)
	fc.Handle = imagestore.Handle{}
	p.inProgress = false
	p.record(store.HistoryEntry{Event: EventTransferAborted, Size: fc.Size}, nil)
	p.events.Emit(Event{Type: EventTransferAborted, Data: TransferData{Size: fc.Size}})
	return nil
}

// DiscardImage forgets a staged image so it can no longer be activated.
func (p *PAL) DiscardImage() {
	p.mu.Lock()
	defer p.mu.Unlock()

	staged, size := p.images.Staged()
	if !staged {
		return
	}
	p.images.Discard()
	p.record(store.HistoryEntry{Event: EventTransferAborted, Size: size, Detail: "staged image discarded"}, nil)
	p.events.Emit(Event{Type: EventTransferAborted, Data: TransferData{Size: size}})
}

// GetPlatformImageState classifies the boot control record.
func (p *PAL) GetPlatformImageState() bootctl.ImageState {
	return p.boot.ReadState()
}

// SetPlatformImageState applies req to the boot control record.
func (p *PAL) SetPlatformImageState(req bootctl.StateRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setState(req)
}

func (p *PAL) setState(req bootctl.StateRequest) error {
	err := p.boot.SetState(req)
	state := p.boot.ReadState()
	d := ImageStateData{State: state.String(), Request: req.String()}
	if err != nil {
		d.Error = err.Error()
	}
	p.record(store.HistoryEntry{Event: EventImageState, Detail: req.String() + " -> " + state.String()}, err)
	p.events.Emit(Event{Type: EventImageState, Data: d})
	return err
}

// ActivateImage asks the bootloader to boot the staged image and resets.
// It returns only on failure, or when the configured resetter returns.
func (p *PAL) ActivateImage() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if staged, _ := p.images.Staged(); !staged {
		return fmt.Errorf("activate: %w", imagestore.ErrNoImage)
	}
	_, size := p.images.Staged()
	p.record(store.HistoryEntry{Event: EventActivating, Size: size}, nil)
	p.events.Emit(Event{Type: EventActivating, Data: TransferData{Size: size}})
	if err := p.boot.Activate(); err != nil {
		p.logger.Error("activation failed", "err", err)
		p.record(store.HistoryEntry{Event: EventActivating, Size: size}, err)
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// ResetDevice resets without touching the record.
func (p *PAL) ResetDevice() error {
	p.logger.Info("device reset requested")
	return p.boot.Reset()
}

// OnComplete handles the end of a job.
//
//	JobActivate:  activate the staged image
//	JobStartTest: run the self test, then accept or reject and reset
//	JobFail:      log only
func (p *PAL) OnComplete(ctx context.Context, ev JobEvent) error {
	p.logger.Info("job complete", "event", ev)
	switch ev {
	case JobActivate:
		return p.ActivateImage()
	case JobStartTest:
		return p.startTest(ctx)
	case JobFail:
		p.logger.Warn("update job failed")
		return nil
	default:
		return fmt.Errorf("unknown job event %d", int(ev))
	}
}

func (p *PAL) startTest(ctx context.Context) error {
	if st := p.boot.ReadState(); st != bootctl.ImagePendingCommit {
		p.logger.Info("no image on trial", "state", st)
		return nil
	}

	var testErr error
	if p.selfTest != nil {
		testErr = p.selfTest(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if testErr == nil {
		if err := p.setState(bootctl.Accepted); err != nil {
			return fmt.Errorf("accept image: %w", err)
		}
		p.logger.Info("image accepted", "version", p.version)
		return nil
	}

	p.logger.Error("self test failed, rejecting image", "err", testErr)
	if err := p.setState(bootctl.Rejected); err != nil {
		return fmt.Errorf("reject image: %w", err)
	}
	// The bootloader rolls back on the next boot.
	if err := p.boot.Reset(); err != nil {
		return fmt.Errorf("reset after reject: %w", err)
	}
	return testErr
}

// Stats returns the block counters.
func (p *PAL) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Status returns a snapshot for status reports.
func (p *PAL) Status() Status {
	p.mu.Lock()
	inProgress := p.inProgress
	p.mu.Unlock()
	staged, size := p.images.Staged()
	return Status{
		Version:    p.version.String(),
		ImageState: p.boot.ReadState().String(),
		InProgress: inProgress,
		Staged:     staged,
		StagedSize: size,
	}
}

func (p *PAL) record(e store.HistoryEntry, err error) {
	if p.history == nil {
		return
	}
	e.Time = time.Now()
	if err != nil {
		e.Err = err.Error()
	}
	if herr := p.history.AppendHistory(&e); herr != nil {
		p.logger.Warn("append history", "event", e.Event, "err", herr)
	}
}
