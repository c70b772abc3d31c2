// Package mqtt shares one MQTT connection between many producers.
//
// The Agent owns the connection. Producers submit operations through a
// bounded queue; a single goroutine dispatches them, parks the ones that
// expect an acknowledgement and completes each exactly once.
package mqtt

import (
	"context"
	"fmt"
	"time"
)

// AckKind is the packet type of an acknowledgement.
type AckKind int

const (
	PubAck AckKind = iota + 1
	SubAck
	UnsubAck
)

func (k AckKind) String() string {
	switch k {
	case PubAck:
		return "PUBACK"
	case SubAck:
		return "SUBACK"
	case UnsubAck:
		return "UNSUBACK"
	default:
		return fmt.Sprintf("ack(%d)", int(k))
	}
}

// Ack is an acknowledgement for the request sent with PacketID. Err is set
// when the broker refused the request.
type Ack struct {
	Kind     AckKind
	PacketID uint16
	Err      error
}

// AckHandler is called for each acknowledgement. It reports whether the ack
// was consumed.
type AckHandler func(Ack) bool

// Conn is the protocol connection driven by the Agent. Only the agent
// goroutine calls it.
type Conn interface {
	// NextPacketID returns a fresh non-zero correlation id.
	NextPacketID() uint16
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte, packetID uint16) error
	Subscribe(ctx context.Context, subs []Subscription, packetID uint16) error
	Unsubscribe(ctx context.Context, filters []string, packetID uint16) error
	// ProcessLoop services the receive path for up to timeout, passing
	// acknowledgements to onAck and delivering incoming messages to their
	// subscription handlers.
	ProcessLoop(ctx context.Context, timeout time.Duration, onAck AckHandler) error
}
