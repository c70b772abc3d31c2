//go:build !no_mqtt

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrConnClosed is returned by ProcessLoop after Close.
var ErrConnClosed = errors.New("mqtt connection closed")

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	Broker   string
	Username string
	Password string
	ClientID string
	// AvailabilityTopic receives a retained "online" on connect and is the
	// last will ("offline").
	AvailabilityTopic string
	ConnectTimeout    time.Duration
	// OnConnect runs on the paho goroutine after every (re)connect.
	OnConnect func()
}

type inbound struct {
	handler MessageHandler
	topic   string
	payload []byte
}

// PahoConn is a Conn backed by the Eclipse paho client. Paho assigns its own
// wire packet ids; PahoConn correlates each request token with the agent's
// id and reports completion as an Ack from ProcessLoop.
type PahoConn struct {
	client pahomqtt.Client
	cfg    ClientConfig
	logger *slog.Logger

	acks     chan Ack
	incoming chan inbound
	closed   chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	nextID uint16
	subs   map[string]Subscription
}

// Dial connects to the broker.
func Dial(cfg ClientConfig, logger *slog.Logger) (*PahoConn, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ota-device"
	}
	c := &PahoConn{
		cfg:      cfg,
		logger:   logger.With("component", "mqtt"),
		acks:     make(chan Ack, 64),
		incoming: make(chan inbound, 64),
		closed:   make(chan struct{}),
		subs:     make(map[string]Subscription),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.logger.Info("MQTT connected", "broker", cfg.Broker)
			c.publishAvailability("online")
			c.resubscribe()
			if cfg.OnConnect != nil {
				cfg.OnConnect()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.AvailabilityTopic != "" {
		opts.SetWill(cfg.AvailabilityTopic, "offline", 1, true)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	c.client = client
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

// IsConnected reports whether the broker connection is up.
func (c *PahoConn) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *PahoConn) NextPacketID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

func (c *PahoConn) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte, packetID uint16) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if packetID == 0 {
		c.logAsync(token, "publish", topic)
		return nil
	}
	c.track(token, PubAck, packetID)
	return nil
}

func (c *PahoConn) Subscribe(ctx context.Context, subs []Subscription, packetID uint16) error {
	if len(subs) == 0 {
		return errors.New("subscribe: no filters")
	}
	filters := make(map[string]byte, len(subs))
	c.mu.Lock()
	for _, s := range subs {
		filters[s.Filter] = s.QoS
		c.subs[s.Filter] = s
	}
	c.mu.Unlock()
	for _, s := range subs {
		c.client.AddRoute(s.Filter, c.route(s.Handler))
	}

	c.track(c.client.SubscribeMultiple(filters, nil), SubAck, packetID)
	return nil
}

func (c *PahoConn) Unsubscribe(ctx context.Context, filters []string, packetID uint16) error {
	if len(filters) == 0 {
		return errors.New("unsubscribe: no filters")
	}
	c.mu.Lock()
	for _, f := range filters {
		delete(c.subs, f)
	}
	c.mu.Unlock()
	c.track(c.client.Unsubscribe(filters...), UnsubAck, packetID)
	return nil
}

// ProcessLoop delivers completed request tokens and incoming messages until
// timeout elapses.
func (c *PahoConn) ProcessLoop(ctx context.Context, timeout time.Duration, onAck AckHandler) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case ack := <-c.acks:
			if !onAck(ack) {
				c.logger.Debug("unmatched ack", "kind", ack.Kind, "packet_id", ack.PacketID)
			}
		case msg := <-c.incoming:
			c.deliver(msg)
		case <-t.C:
			return nil
		case <-c.closed:
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close publishes "offline", disconnects and stops token watchers. Shut the
// agent down first.
func (c *PahoConn) Close() {
	select {
	case <-c.closed:
		return
	default:
	}
	if c.client.IsConnectionOpen() {
		c.publishAvailability("offline")
	}
	c.client.Disconnect(1000)
	close(c.closed)
	c.wg.Wait()
	c.logger.Info("MQTT disconnected")
}

func (c *PahoConn) deliver(msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panic", "topic", msg.topic, "panic", r)
		}
	}()
	if msg.handler != nil {
		msg.handler(msg.topic, msg.payload)
	}
}

// route hands messages from the paho router goroutine to ProcessLoop.
func (c *PahoConn) route(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		select {
		case c.incoming <- inbound{handler: h, topic: m.Topic(), payload: m.Payload()}:
		case <-c.closed:
		}
	}
}

// track reports token completion as an Ack.
func (c *PahoConn) track(token pahomqtt.Token, kind AckKind, id uint16) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-token.Done():
		case <-c.closed:
			return
		}
		ack := Ack{Kind: kind, PacketID: id, Err: tokenError(token)}
		select {
		case c.acks <- ack:
		case <-c.closed:
		}
	}()
}

func (c *PahoConn) logAsync(token pahomqtt.Token, what, topic string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				c.logger.Warn("MQTT "+what+" error", "topic", topic, "err", err)
			}
		case <-c.closed:
		}
	}()
}

func tokenError(token pahomqtt.Token) error {
	if err := token.Error(); err != nil {
		return err
	}
	st, ok := token.(*pahomqtt.SubscribeToken)
	if !ok {
		return nil
	}
	for filter, code := range st.Result() {
		if code == 0x80 {
			return fmt.Errorf("subscribe %q refused by broker", filter)
		}
	}
	return nil
}

func (c *PahoConn) publishAvailability(state string) {
	if c.cfg.AvailabilityTopic == "" {
		return
	}
	token := c.client.Publish(c.cfg.AvailabilityTopic, 1, true, []byte(state))
	if !token.WaitTimeout(5 * time.Second) {
		c.logger.Warn("MQTT publish timeout", "topic", c.cfg.AvailabilityTopic)
	} else if err := token.Error(); err != nil {
		c.logger.Warn("MQTT publish error", "topic", c.cfg.AvailabilityTopic, "err", err)
	}
}

// resubscribe restores subscriptions after a reconnect. It runs on the paho
// goroutine, not through the agent.
func (c *PahoConn) resubscribe() {
	c.mu.Lock()
	if len(c.subs) == 0 {
		c.mu.Unlock()
		return
	}
	filters := make(map[string]byte, len(c.subs))
	for f, s := range c.subs {
		filters[f] = s.QoS
	}
	c.mu.Unlock()

	token := c.client.SubscribeMultiple(filters, nil)
	c.logAsync(token, "resubscribe", fmt.Sprint(len(filters), " filters"))
}
