// Package console mirrors diagnostic output to a serial port and accepts
// simple line commands from it.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("console closed")

// Port is the subset of serial.Port used by the console.
type Port interface {
	io.ReadWriteCloser
	Drain() error
}

// CommandHandler handles one input line and returns the reply.
type CommandHandler func(line string) string

// Sink is a diagnostic output that can be flushed before a reset.
type Sink interface {
	io.Writer
	Flush() error
	Close() error
}

// Console buffers writes and sends them to the port from a single goroutine,
// so a slow UART never blocks the caller.
type Console struct {
	port   Port
	logger *slog.Logger

	lines    chan []byte
	flushReq chan chan error
	done     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup
	dropped  atomic.Uint64

	mu      sync.Mutex
	handler CommandHandler
}

// Open opens a serial port as the diagnostic console.
func Open(portName string, baudRate int, logger *slog.Logger) (*Console, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("console: open %s: %w", portName, err)
	}
	return New(port, logger), nil
}

// New starts a console on an already open port.
func New(port Port, logger *slog.Logger) *Console {
	c := &Console{
		port:     port,
		logger:   logger.With("component", "console"),
		lines:    make(chan []byte, 256),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
	}
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c
}

// SetCommandHandler sets the handler for lines read from the port.
func (c *Console) SetCommandHandler(h CommandHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Write queues p for output. Output is dropped when the buffer is full.
func (c *Console) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	b := append([]byte(nil), p...)
	select {
	case c.lines <- b:
	default:
		c.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped returns the number of writes lost to a full buffer.
func (c *Console) Dropped() uint64 { return c.dropped.Load() }

// Flush writes all queued output and waits for the port to transmit it.
func (c *Console) Flush() error {
	req := make(chan error, 1)
	select {
	case c.flushReq <- req:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-req:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the console and closes the port. Queued output is flushed
// first.
func (c *Console) Close() error {
	if c.closed.Load() {
		return nil
	}
	if err := c.Flush(); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("flush on close", "err", err)
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	err := c.port.Close()
	c.wg.Wait()
	return err
}

func (c *Console) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case b := <-c.lines:
			c.write(b)
		case req := <-c.flushReq:
			for pending := true; pending; {
				select {
				case b := <-c.lines:
					c.write(b)
				default:
					pending = false
				}
			}
			req <- c.port.Drain()
		case <-c.done:
			return
		}
	}
}

func (c *Console) write(b []byte) {
	if _, err := c.port.Write(b); err != nil && !c.closed.Load() {
		c.dropped.Add(1)
	}
}

func (c *Console) readLoop() {
	defer c.wg.Done()
	sc := bufio.NewScanner(c.port)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			continue
		}
		reply := c.handle(h, line)
		if reply != "" {
			c.Write([]byte(reply + "\r\n"))
		}
	}
	if err := sc.Err(); err != nil && !c.closed.Load() {
		c.logger.Warn("console read stopped", "err", err)
	}
}

func (c *Console) handle(h CommandHandler, line string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("console command panic", "line", line, "panic", r)
			reply = "error: internal"
		}
	}()
	return h(line)
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) Write(p []byte) (int, error) { return len(p), nil }
func (Nop) Flush() error                { return nil }
func (Nop) Close() error                { return nil }
