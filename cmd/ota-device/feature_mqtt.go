//go:build !no_mqtt

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"ota-device/internal/bootctl"
	"ota-device/internal/mqtt"
	"ota-device/internal/pal"
)

const mqttOpTimeout = 5 * time.Second

// mqttService publishes the OTA status and handles commands through the
// MQTT agent.
type mqttService struct {
	conn   *mqtt.PahoConn
	agent  *mqtt.Agent
	topics mqtt.Topics
	pal    *pal.PAL
	logger *slog.Logger

	refresh  chan struct{}
	commands chan mqtt.Command
	stop     chan struct{}
	wg       sync.WaitGroup
	unsub    func()
}

func (m *mqttService) Connected() bool {
	return m.conn != nil && m.conn.IsConnected()
}

func (m *mqttService) Stop() {
	if m.agent == nil {
		return
	}
	m.unsub()
	close(m.stop)
	m.wg.Wait()
	if err := m.agent.Shutdown(); err != nil {
		m.logger.Warn("mqtt agent shutdown", "err", err)
	}
	m.conn.Close()
}

// StatsFunc returns the agent counters, or nil when MQTT is not running.
func (m *mqttService) StatsFunc() func() mqtt.Stats {
	if m.agent == nil {
		return nil
	}
	return m.agent.Stats
}

func initMQTT(p *pal.PAL, cfg *Config, version pal.AppVersion, logger *slog.Logger) *mqttService {
	m := &mqttService{
		topics:   mqtt.DeviceTopics(cfg.MQTT.TopicPrefix, cfg.Device.Thing),
		pal:      p,
		logger:   logger.With("component", "mqtt-ota"),
		refresh:  make(chan struct{}, 1),
		commands: make(chan mqtt.Command, 4),
		stop:     make(chan struct{}),
	}
	if !cfg.MQTT.Enabled {
		return m
	}

	conn, err := mqtt.Dial(mqtt.ClientConfig{
		Broker:            cfg.MQTT.Broker,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		ClientID:          cfg.MQTT.ClientID,
		AvailabilityTopic: m.topics.Availability,
		OnConnect:         m.kick,
	}, logger)
	if err != nil {
		logger.Error("mqtt connect", "err", err)
		return m
	}

	agent := mqtt.NewAgent(conn, mqtt.Config{
		QueueSize:  cfg.MQTT.QueueSize,
		MaxPending: cfg.MQTT.MaxPending,
	}, logger)
	agent.Start()
	m.conn = conn
	m.agent = agent

	ctx, cancel := context.WithTimeout(context.Background(), 2*mqttOpTimeout)
	defer cancel()
	sub := mqtt.NewSubscribe([]mqtt.Subscription{{
		Filter:  m.topics.Command,
		QoS:     1,
		Handler: m.onCommand,
	}}, nil)
	if err := agent.Do(ctx, sub, mqttOpTimeout); err != nil {
		m.logger.Error("subscribe command topic", "topic", m.topics.Command, "err", err)
	}

	msgs := mqtt.BuildRemoveDiscovery(cfg.Device.Thing)
	if cfg.MQTT.Discovery {
		msgs = mqtt.BuildDiscovery(cfg.Device.Thing, version.String(), m.topics)
	}
	for _, msg := range msgs {
		if err := agent.Publish(ctx, msg.Topic, 1, true, msg.Payload); err != nil {
			m.logger.Warn("publish discovery", "topic", msg.Topic, "err", err)
		}
	}

	m.unsub = p.Events().OnAll(func(ev pal.Event) {
		if ev.Type != pal.EventBlockWritten {
			m.kick()
		}
	})

	m.wg.Add(1)
	go m.run()
	m.kick()

	return m
}

// kick requests a status publish. It never blocks.
func (m *mqttService) kick() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// onCommand runs on the agent goroutine and must not wait on the agent.
func (m *mqttService) onCommand(topic string, payload []byte) {
	var cmd mqtt.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.logger.Warn("invalid command", "topic", topic, "err", err)
		return
	}
	select {
	case m.commands <- cmd:
	default:
		m.logger.Warn("command dropped, queue full", "topic", topic)
	}
}

func (m *mqttService) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.refresh:
			m.publishStatus()
		case cmd := <-m.commands:
			m.execute(cmd)
		case <-m.agent.Done():
			if err := m.agent.Err(); err != nil {
				m.logger.Error("mqtt agent halted", "err", err)
			}
			return
		case <-m.stop:
			return
		}
	}
}

func (m *mqttService) execute(cmd mqtt.Command) {
	if cmd.State != "" {
		req, err := bootctl.ParseStateRequest(cmd.State)
		if err != nil {
			m.logger.Warn("invalid command state", "state", cmd.State, "err", err)
		} else if err := m.pal.SetPlatformImageState(req); err != nil {
			m.logger.Warn("set image state", "request", req, "err", err)
		}
	}
	if cmd.Activate {
		// Publish the last status before the reset.
		m.publishStatus()
		if err := m.pal.ActivateImage(); err != nil {
			m.logger.Warn("activate image", "err", err)
		}
	}
	m.kick()
}

func (m *mqttService) publishStatus() {
	st := m.pal.Status()
	payload, err := json.Marshal(mqtt.Status{
		InstalledVersion: st.Version,
		LatestVersion:    st.Version,
		ImageState:       st.ImageState,
		InProgress:       st.InProgress,
		StagedSize:       st.StagedSize,
	})
	if err != nil {
		m.logger.Error("marshal status", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mqttOpTimeout)
	defer cancel()
	if err := m.agent.Publish(ctx, m.topics.Status, 1, true, payload); err != nil {
		m.logger.Warn("publish status", "err", err)
	}
}
