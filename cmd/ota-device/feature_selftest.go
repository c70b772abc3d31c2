//go:build !no_selftest

package main

import (
	"context"
	"log/slog"
	"time"

	"ota-device/internal/pal"
	"ota-device/internal/selftest"
	"ota-device/internal/web"
)

// initSelfTest loads the self-test scripts. A missing scripts directory is
// created empty, which makes every trial image pass.
func initSelfTest(cfg *Config, env selftest.Env, logger *slog.Logger) (pal.SelfTest, []web.ServerOption) {
	mgr, err := selftest.NewManager(cfg.SelfTest.ScriptsDir)
	if err != nil {
		logger.Error("create self-test manager", "err", err)
		return nil, nil
	}

	timeout := selftest.DefaultTimeout
	if cfg.SelfTest.Timeout != "" {
		if d, err := time.ParseDuration(cfg.SelfTest.Timeout); err == nil {
			timeout = d
		}
	}
	runner := selftest.NewRunner(mgr, env, timeout, logger)

	run := func(ctx context.Context) error {
		res := runner.Run(ctx)
		logger.Info("self test finished", "ok", res.OK, "scripts", len(res.Scripts), "duration", res.Duration)
		return res.Err()
	}
	return run, []web.ServerOption{web.WithSelfTest(runner, mgr)}
}
