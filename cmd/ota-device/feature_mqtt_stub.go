//go:build no_mqtt

package main

import (
	"log/slog"

	"ota-device/internal/mqtt"
	"ota-device/internal/pal"
)

type mqttService struct{}

func (m *mqttService) Connected() bool { return false }

func (m *mqttService) Stop() {}

func (m *mqttService) StatsFunc() func() mqtt.Stats { return nil }

func initMQTT(_ *pal.PAL, _ *Config, _ pal.AppVersion, _ *slog.Logger) *mqttService {
	return &mqttService{}
}
