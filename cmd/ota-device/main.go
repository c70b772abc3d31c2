package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"ota-device/internal/bootctl"
	"ota-device/internal/console"
	"ota-device/internal/flash"
	"ota-device/internal/imagestore"
	"ota-device/internal/metrics"
	"ota-device/internal/pal"
	"ota-device/internal/selftest"
	"ota-device/internal/sigverify"
	"ota-device/internal/store"
	"ota-device/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
// It must parse as major.minor.build.
var version = "0.0.0"

type Config struct {
	Device struct {
		Thing string `yaml:"thing"`
	} `yaml:"device"`
	Flash struct {
		Path string `yaml:"path"`
		// Layout fields left zero use the default layout.
		SlotSize   int64 `yaml:"slot_size"`
		ExecAddr   int64 `yaml:"exec_addr"`
		UpdateAddr int64 `yaml:"update_addr"`
		BackupAddr int64 `yaml:"backup_addr"`
		UCBAddr    int64 `yaml:"ucb_addr"`
		UCBSize    int64 `yaml:"ucb_size"`
		CopyChunk  int   `yaml:"copy_chunk"`
	} `yaml:"flash"`
	Store struct {
		Path         string `yaml:"path"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"store"`
	Verify struct {
		FallbackCert string `yaml:"fallback_cert"` // PEM file, overrides the built-in one
		ChunkSize    int    `yaml:"chunk_size"`
	} `yaml:"verify"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
		QueueSize   int    `yaml:"queue_size"`
		MaxPending  int    `yaml:"max_pending"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		BlockSize      int      `yaml:"block_size"`
	} `yaml:"web"`
	Console struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"console"`
	SelfTest struct {
		ScriptsDir string `yaml:"scripts_dir"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"selftest"`
	Reset struct {
		Mode     string `yaml:"mode"` // "exit" or "reboot"
		ExitCode int    `yaml:"exit_code"`
		Watchdog string `yaml:"watchdog"` // e.g. /dev/watchdog
	} `yaml:"reset"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) layout() flash.Layout {
	l := flash.DefaultLayout()
	if c.Flash.SlotSize != 0 {
		l.SlotSize = c.Flash.SlotSize
	}
	if c.Flash.ExecAddr != 0 {
		l.ExecAddr = c.Flash.ExecAddr
	}
	if c.Flash.UpdateAddr != 0 {
		l.UpdateAddr = c.Flash.UpdateAddr
	}
	if c.Flash.BackupAddr != 0 {
		l.BackupAddr = c.Flash.BackupAddr
	}
	if c.Flash.UCBAddr != 0 {
		l.UCBAddr = c.Flash.UCBAddr
	}
	if c.Flash.UCBSize != 0 {
		l.UCBSize = c.Flash.UCBSize
	}
	return l
}

func (c *Config) validate() error {
	if c.Device.Thing == "" {
		return fmt.Errorf("device.thing is required")
	}
	if c.Flash.Path == "" {
		return fmt.Errorf("flash.path is required")
	}
	if err := c.layout().Validate(0); err != nil {
		return fmt.Errorf("flash: %w", err)
	}
	switch c.Reset.Mode {
	case "exit", "reboot":
	default:
		return fmt.Errorf("reset.mode must be exit or reboot, got %q", c.Reset.Mode)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.SelfTest.Timeout != "" {
		if _, err := time.ParseDuration(c.SelfTest.Timeout); err != nil {
			return fmt.Errorf("selftest.timeout: %w", err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Diagnostic console. Log output is mirrored to it.
	var con console.Sink = console.Nop{}
	var serialCon *console.Console
	if cfg.Console.Port != "" {
		serialCon, err = console.Open(cfg.Console.Port, cfg.Console.Baud, bootLogger)
		if err != nil {
			bootLogger.Error("open console", "err", err)
			os.Exit(1)
		}
		con = serialCon
	}
	defer con.Close()

	logger := newLogger(cfg, io.MultiWriter(os.Stdout, con))
	slog.SetDefault(logger)

	appVersion, err := pal.ParseAppVersion(version)
	if err != nil {
		logger.Warn("unparsable build version", "version", version, "err", err)
	}
	logger.Info("ota-device starting", "version", appVersion, "thing", cfg.Device.Thing)

	layout := cfg.layout()
	dev, err := flash.OpenFile(cfg.Flash.Path, layout.End())
	if err != nil {
		logger.Error("open flash", "err", err)
		os.Exit(1)
	}
	defer dev.Close()
	if err := layout.Validate(dev.Size()); err != nil {
		logger.Error("flash layout", "err", err)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if cfg.Store.HistoryLimit > 0 {
		db.SetHistoryLimit(cfg.Store.HistoryLimit)
	}

	verifier := sigverify.New(db, logger)
	if cfg.Verify.ChunkSize > 0 {
		verifier.ChunkSize = cfg.Verify.ChunkSize
	}
	if cfg.Verify.FallbackCert != "" {
		pemData, err := os.ReadFile(cfg.Verify.FallbackCert)
		if err != nil {
			logger.Error("read fallback certificate", "err", err)
			os.Exit(1)
		}
		if _, err := sigverify.ParsePublicKey(pemData); err != nil {
			logger.Error("fallback certificate", "path", cfg.Verify.FallbackCert, "err", err)
			os.Exit(1)
		}
		verifier.Fallback = pemData
	}

	resetter, err := newResetter(cfg)
	if err != nil {
		logger.Error("reset", "err", err)
		os.Exit(1)
	}
	bootOpts := []bootctl.Option{
		bootctl.WithResetter(resetter),
		bootctl.WithFlusher(con),
	}
	if cfg.Reset.Watchdog != "" {
		bootOpts = append(bootOpts, bootctl.WithWatchdog(bootctl.DevWatchdog{Path: cfg.Reset.Watchdog}))
	}
	if cfg.Flash.CopyChunk > 0 {
		bootOpts = append(bootOpts, bootctl.WithCopyChunk(cfg.Flash.CopyChunk))
	}
	boot := bootctl.New(dev, layout, logger, bootOpts...)
	images := imagestore.New(dev, layout, logger)

	// The MQTT service is created after the PAL; the self test only reads
	// its connection state once both exist.
	var mqttSvc *mqttService
	env := selftest.Env{
		Version:       appVersion.String,
		ImageState:    func() string { return boot.ReadState().String() },
		MQTTConnected: func() bool { return mqttSvc != nil && mqttSvc.Connected() },
	}
	selfTest, selfTestWebOpts := initSelfTest(cfg, env, logger)

	events := pal.NewEventBus(logger)
	palOpts := []pal.Option{pal.WithHistory(db), pal.WithEvents(events)}
	if selfTest != nil {
		palOpts = append(palOpts, pal.WithSelfTest(selfTest))
	}
	p := pal.New(images, verifier, boot, appVersion, logger, palOpts...)
	logger.Info("boot control record", "state", p.GetPlatformImageState())

	if serialCon != nil {
		serialCon.SetCommandHandler(consoleCommands(p, logger))
	}

	// Start MQTT (no-op when built with no_mqtt tag).
	mqttSvc = initMQTT(p, cfg, appVersion, logger)
	mqttStats := mqttSvc.StatsFunc()

	reg := prometheus.NewRegistry()
	pipelineMetrics, err := metrics.New(reg, p, mqttStats)
	if err != nil {
		logger.Error("register metrics", "err", err)
		os.Exit(1)
	}
	defer pipelineMetrics.Close()

	var webOpts []web.ServerOption
	webOpts = append(webOpts, web.WithStore(db))
	webOpts = append(webOpts, web.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	if mqttStats != nil {
		webOpts = append(webOpts, web.WithMQTTStats(mqttStats))
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.BlockSize > 0 {
		webOpts = append(webOpts, web.WithUploadBlockSize(cfg.Web.BlockSize))
	}
	webOpts = append(webOpts, selfTestWebOpts...)
	webServer := web.NewServer(p, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  5 * time.Minute, // image uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// An image booted on trial must pass the self test before it is
	// committed.
	testCtx, testCancel := context.WithCancel(context.Background())
	defer testCancel()
	if p.GetPlatformImageState() == bootctl.ImagePendingCommit {
		go func() {
			if err := p.OnComplete(testCtx, pal.JobStartTest); err != nil {
				logger.Error("self test", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	testCancel()
	mqttSvc.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func newResetter(cfg *Config) (bootctl.Resetter, error) {
	switch cfg.Reset.Mode {
	case "reboot":
		return rebootResetter()
	default:
		return bootctl.ExitResetter{Code: cfg.Reset.ExitCode}, nil
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ota-device.db"
	}
	if cfg.Console.Baud == 0 {
		cfg.Console.Baud = 115200
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "ota"
	}
	if cfg.SelfTest.ScriptsDir == "" {
		cfg.SelfTest.ScriptsDir = "selftest"
	}
	if cfg.Reset.Mode == "" {
		cfg.Reset.Mode = "exit"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
