package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueSize is the default capacity of the submission queue.
	DefaultQueueSize = 5
	// DefaultMaxPending is the default capacity of the pending table.
	DefaultMaxPending = 5
	// DefaultPollInterval bounds one pass over the receive path.
	DefaultPollInterval = 500 * time.Millisecond
)

var (
	// ErrSubmitTimeout is returned when the queue stayed full for the whole
	// submit timeout.
	ErrSubmitTimeout = errors.New("mqtt agent: submit timed out")
	// ErrStopped completes operations that were still queued or pending when
	// the agent stopped, and is returned by Submit afterwards.
	ErrStopped = errors.New("mqtt agent: stopped")
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("mqtt agent: not started")
	// ErrPendingTableFull is fatal: the agent halts when it has more
	// unacknowledged operations than the pending table holds.
	ErrPendingTableFull = errors.New("mqtt agent: pending table full")
	// ErrDuplicatePacketID is returned when the connection hands out an id
	// that is still pending.
	ErrDuplicatePacketID = errors.New("mqtt agent: duplicate packet id")
	// ErrResubmit is returned when an operation is submitted twice.
	ErrResubmit = errors.New("mqtt agent: operation already submitted")
)

// Config configures an Agent.
type Config struct {
	QueueSize    int
	MaxPending   int
	PollInterval time.Duration
	// Fallthrough receives acknowledgements that match no pending operation.
	Fallthrough AckHandler
}

// Stats is a snapshot of agent counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Acked      uint64 `json:"acked"`
	Unmatched  uint64 `json:"unmatched"`
	Received   uint64 `json:"received"`
	Pending    int    `json:"pending"`
	Queued     int    `json:"queued"`
	Running    bool   `json:"running"`
}

type ackRequest struct {
	ack   Ack
	reply chan bool
}

// Agent dispatches operations over a single Conn.
type Agent struct {
	conn   Conn
	cfg    Config
	logger *slog.Logger

	queue chan *Operation
	acks  chan ackRequest
	quit  chan struct{} // closed when the loop stops accepting work
	done  chan struct{} // closed after the loop exited and the queue is drained

	// closeMu orders Submit against the final queue drain.
	closeMu sync.RWMutex
	closed  bool

	started  atomic.Bool
	stopping atomic.Bool
	errMu    sync.Mutex
	err      error

	// Loop-confined.
	table         *pendingTable
	receiveOp     *Operation
	receiveQueued bool

	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	acked      atomic.Uint64
	unmatched  atomic.Uint64
	received   atomic.Uint64
	pending    atomic.Int64
}

// NewAgent creates an agent for conn. Call Start to run it.
func NewAgent(conn Conn, cfg Config, logger *slog.Logger) *Agent {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Agent{
		conn:      conn,
		cfg:       cfg,
		logger:    logger.With("component", "mqtt-agent"),
		queue:     make(chan *Operation, cfg.QueueSize),
		acks:      make(chan ackRequest),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		table:     newPendingTable(cfg.MaxPending),
		receiveOp: newControl(kindReceive, nil),
	}
}

// Start launches the agent goroutine. It must be called once.
func (a *Agent) Start() {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	a.queue <- a.receiveOp
	a.receiveQueued = true
	go a.loop()
	a.logger.Info("MQTT agent started", "queue", a.cfg.QueueSize, "max_pending", a.cfg.MaxPending)
}

// Submit enqueues op, waiting up to timeout for queue space. A zero timeout
// does not wait. Callers must not submit from a completion callback with a
// non-zero timeout, the agent goroutine would wait on itself.
func (a *Agent) Submit(op *Operation, timeout time.Duration) error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	if op.kind != kindStop && a.stopping.Load() {
		return ErrStopped
	}

	if !op.submitted.CompareAndSwap(false, true) {
		return ErrResubmit
	}
	err := a.enqueue(op, timeout)
	if err != nil {
		op.submitted.Store(false)
	}
	return err
}

func (a *Agent) enqueue(op *Operation, timeout time.Duration) error {
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		return ErrStopped
	}

	select {
	case a.queue <- op:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrSubmitTimeout
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case a.queue <- op:
		return nil
	case <-a.quit:
		return ErrStopped
	case <-t.C:
		return ErrSubmitTimeout
	}
}

// Do submits op and waits for its completion.
func (a *Agent) Do(ctx context.Context, op *Operation, timeout time.Duration) error {
	if err := a.Submit(op, timeout); err != nil {
		return err
	}
	return op.Wait(ctx)
}

// Publish is a convenience wrapper around Do for a publish operation.
func (a *Agent) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	return a.Do(ctx, NewPublish(topic, qos, retained, payload, nil), a.cfg.PollInterval*2)
}

// OnAck completes the operation parked under ack.PacketID. It reports false,
// with no side effects, when no operation is waiting for that id.
//
// OnAck is for acknowledgements observed outside the agent goroutine; the
// request is handed to the loop so that only the loop touches the pending
// table. It must not be called from a completion callback.
func (a *Agent) OnAck(ack Ack) bool {
	if !a.started.Load() {
		return false
	}
	req := ackRequest{ack: ack, reply: make(chan bool, 1)}
	select {
	case a.acks <- req:
	case <-a.quit:
		return false
	}
	return <-req.reply
}

// Shutdown stops the agent and waits for its goroutine to exit. Operations
// still queued or awaiting an acknowledgement complete with ErrStopped.
func (a *Agent) Shutdown() error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	if a.stopping.CompareAndSwap(false, true) {
		stop := newControl(kindStop, nil)
		a.closeMu.RLock()
		if !a.closed {
			select {
			case a.queue <- stop:
			case <-a.quit:
			}
		}
		a.closeMu.RUnlock()
	}
	<-a.done
	a.logger.Info("MQTT agent stopped")
	return nil
}

// Done is closed when the agent goroutine has exited.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Err returns the fatal error that halted the agent, if any.
func (a *Agent) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// Stats returns a snapshot of the agent counters.
func (a *Agent) Stats() Stats {
	running := a.started.Load()
	select {
	case <-a.done:
		running = false
	default:
	}
	return Stats{
		Dispatched: a.dispatched.Load(),
		Completed:  a.completed.Load(),
		Failed:     a.failed.Load(),
		Acked:      a.acked.Load(),
		Unmatched:  a.unmatched.Load(),
		Received:   a.received.Load(),
		Pending:    int(a.pending.Load()),
		Queued:     len(a.queue),
		Running:    running,
	}
}

func (a *Agent) loop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := time.NewTicker(a.cfg.PollInterval)
	defer wake.Stop()

	for {
		select {
		case op := <-a.queue:
			if op.kind == kindStop {
				a.stop(op, nil)
				return
			}
			if err := a.dispatch(ctx, op); err != nil {
				a.stop(nil, err)
				return
			}
		case req := <-a.acks:
			req.reply <- a.handleAck(req.ack)
		case <-wake.C:
			// Keeps the receive path alive if the receive op could not be
			// queued again.
			if !a.receiveQueued {
				a.pump(ctx)
				a.requeueReceive()
			}
		}
	}
}

// dispatch handles one operation. A non-nil error is fatal.
func (a *Agent) dispatch(ctx context.Context, op *Operation) error {
	if op.kind == kindReceive {
		a.receiveQueued = false
		a.pump(ctx)
		a.requeueReceive()
		return nil
	}

	if op.finished.Load() {
		a.logger.Warn("operation submitted after completion", "op", op)
		return nil
	}
	a.dispatched.Add(1)

	var (
		id       uint16
		err      error
		needsAck = true
	)
	switch op.kind {
	case KindPublish:
		if op.qos > 0 {
			id = a.conn.NextPacketID()
		} else {
			needsAck = false
		}
		err = a.conn.Publish(ctx, op.topic, op.qos, op.retained, op.payload, id)
	case KindSubscribe:
		id = a.conn.NextPacketID()
		err = a.conn.Subscribe(ctx, op.subs, id)
	case KindUnsubscribe:
		id = a.conn.NextPacketID()
		err = a.conn.Unsubscribe(ctx, op.filters, id)
	default:
		a.finish(op, fmt.Errorf("mqtt agent: unsupported operation %s", op.kind))
		return nil
	}
	op.packetID = id

	if err != nil {
		a.logger.Warn("operation failed", "op", op, "err", err)
		a.finish(op, err)
		return nil
	}
	if !needsAck {
		a.finish(op, nil)
		return nil
	}

	if err := a.table.insert(id, op); err != nil {
		if errors.Is(err, ErrPendingTableFull) {
			a.logger.Error("pending table full, halting agent", "op", op, "max_pending", a.cfg.MaxPending)
			a.finish(op, err)
			return err
		}
		a.logger.Warn("cannot park operation", "op", op, "packet_id", id, "err", err)
		a.finish(op, err)
		return nil
	}
	a.pending.Store(int64(a.table.len()))
	a.logger.Debug("operation pending", "op", op, "packet_id", id)
	return nil
}

func (a *Agent) pump(ctx context.Context) {
	if err := a.conn.ProcessLoop(ctx, a.cfg.PollInterval, a.handleAck); err != nil && ctx.Err() == nil {
		a.logger.Debug("process loop", "err", err)
	}
}

func (a *Agent) requeueReceive() {
	select {
	case a.queue <- a.receiveOp:
		a.receiveQueued = true
	default:
	}
}

// handleAck runs on the agent goroutine.
func (a *Agent) handleAck(ack Ack) bool {
	a.received.Add(1)
	op, ok := a.table.take(ack.PacketID)
	if !ok {
		if a.cfg.Fallthrough != nil && a.cfg.Fallthrough(ack) {
			return true
		}
		a.unmatched.Add(1)
		return false
	}
	a.pending.Store(int64(a.table.len()))
	a.acked.Add(1)
	if ack.Err != nil {
		a.logger.Warn("request refused by broker", "op", op, "ack", ack.Kind, "err", ack.Err)
	}
	a.finish(op, ack.Err)
	return true
}

func (a *Agent) finish(op *Operation, err error) {
	if err != nil {
		a.failed.Add(1)
	} else {
		a.completed.Add(1)
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("operation callback panic", "op", op, "panic", r)
		}
	}()
	op.complete(err)
}

// stop ends the loop. Exactly one of stopOp and fatal is set.
func (a *Agent) stop(stopOp *Operation, fatal error) {
	a.stopping.Store(true)
	if fatal != nil {
		a.errMu.Lock()
		a.err = fatal
		a.errMu.Unlock()
	}
	close(a.quit)

	a.table.drain(func(op *Operation) { a.finish(op, ErrStopped) })
	a.pending.Store(0)

	a.closeMu.Lock()
	a.closed = true
	a.closeMu.Unlock()

	for drained := false; !drained; {
		select {
		case op := <-a.queue:
			switch op.kind {
			case kindReceive:
			case kindStop:
				op.complete(nil)
			default:
				a.finish(op, ErrStopped)
			}
		default:
			drained = true
		}
	}

	if stopOp != nil {
		stopOp.complete(nil)
	}
	close(a.done)
}
