package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Kind is the type of an Operation.
type Kind int

const (
	KindPublish Kind = iota + 1
	KindSubscribe
	KindUnsubscribe
	kindReceive
	kindStop
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case kindReceive:
		return "receive"
	case kindStop:
		return "stop"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MessageHandler receives messages for a subscription. It runs on the agent
// goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Subscription is one topic filter of a Subscribe operation.
type Subscription struct {
	Filter  string
	QoS     byte
	Handler MessageHandler
}

// Callback is invoked exactly once when an operation completes. It runs on
// the agent goroutine and must not block.
type Callback func(op *Operation, err error)

// Operation is one request to the agent. It is created by a producer with
// NewPublish, NewSubscribe or NewUnsubscribe and may be submitted once.
type Operation struct {
	kind Kind

	topic    string
	payload  []byte
	qos      byte
	retained bool

	subs    []Subscription
	filters []string

	callback  Callback
	done      chan error
	submitted atomic.Bool
	finished  atomic.Bool

	// Set by the agent goroutine before the op is parked.
	packetID uint16
}

// NewPublish creates a publish operation. QoS 0 publishes complete as soon
// as they are written; QoS 1 and 2 complete on acknowledgement.
func NewPublish(topic string, qos byte, retained bool, payload []byte, cb Callback) *Operation {
	return &Operation{
		kind:     KindPublish,
		topic:    topic,
		payload:  payload,
		qos:      qos,
		retained: retained,
		callback: cb,
		done:     make(chan error, 1),
	}
}

// NewSubscribe creates a subscribe operation for subs.
func NewSubscribe(subs []Subscription, cb Callback) *Operation {
	return &Operation{
		kind:     KindSubscribe,
		subs:     subs,
		callback: cb,
		done:     make(chan error, 1),
	}
}

// NewUnsubscribe creates an unsubscribe operation for filters.
func NewUnsubscribe(filters []string, cb Callback) *Operation {
	return &Operation{
		kind:     KindUnsubscribe,
		filters:  filters,
		callback: cb,
		done:     make(chan error, 1),
	}
}

func newControl(kind Kind, cb Callback) *Operation {
	return &Operation{kind: kind, callback: cb, done: make(chan error, 1)}
}

// Kind returns the operation type.
func (op *Operation) Kind() Kind { return op.kind }

// Topic returns the publish topic.
func (op *Operation) Topic() string { return op.topic }

// PacketID returns the correlation id assigned on dispatch, or zero if none
// was assigned. Only valid once the operation has completed.
func (op *Operation) PacketID() uint16 { return op.packetID }

// Done returns a channel that receives the completion error once.
func (op *Operation) Done() <-chan error { return op.done }

// Wait blocks until the operation completes or ctx is done.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case err := <-op.done:
		// Leave the result for other waiters.
		op.done <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete delivers the result. Only the first call has any effect.
func (op *Operation) complete(err error) bool {
	if !op.finished.CompareAndSwap(false, true) {
		return false
	}
	defer func() { op.done <- err }()
	if op.callback != nil {
		op.callback(op, err)
	}
	return true
}

func (op *Operation) String() string {
	switch op.kind {
	case KindPublish:
		return fmt.Sprintf("publish %s qos=%d", op.topic, op.qos)
	case KindSubscribe:
		return fmt.Sprintf("subscribe %d filters", len(op.subs))
	case KindUnsubscribe:
		return fmt.Sprintf("unsubscribe %v", op.filters)
	default:
		return op.kind.String()
	}
}
