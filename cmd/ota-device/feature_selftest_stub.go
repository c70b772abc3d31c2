//go:build no_selftest

package main

import (
	"log/slog"

	"ota-device/internal/pal"
	"ota-device/internal/selftest"
	"ota-device/internal/web"
)

func initSelfTest(_ *Config, _ selftest.Env, _ *slog.Logger) (pal.SelfTest, []web.ServerOption) {
	return nil, nil
}
