package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultServerAddress = "0.0.0.0"
	defaultServerPort    = 8080
	// realtime defaults
	defaultRealtimePort         = 8081
	defaultRealtimePath         = "/ws"
	defaultHeartbeat            = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultMaxFrameBytes        = 16 * 1024
	defaultSendQueue            = 256
	defaultFramesPerSecond      = 40
	defaultFrameBurst           = 40
	defaultMaxDecodeErrors      = 3
	defaultMaxContentRunes      = 4000
	defaultReadDebounce         = time.Second
	defaultCatchupLimit         = 100
	defaultCatchupMaxPages      = 1
	defaultClientReconnectDelay = 5 * time.Second
	defaultClientMaxAttempts    = 5
	defaultZone                 = "Asia/Seoul"
	// security defaults
	defaultRateRPS   = 200
	defaultRateBurst = 400
	defaultJWTIssuer = "pulsespace"
	defaultJWTTTL    = 24 * time.Hour
	// maintenance defaults
	defaultMaintenanceLockTTL = 300 * time.Second
	defaultMaintenanceCron    = "0 3 * * *"
	defaultDedupeTTL          = 24 * time.Hour
	// telemetry defaults
	defaultTelemetrySlowMs        = 200
	defaultTelemetryBufferSize    = 8 * 1024 * 1024
	defaultTelemetryFileMaxSize   = 40 * 1024 * 1024
	defaultTelemetryFlushMs       = 2000
	defaultTelemetryQueueCapacity = 2048
	// sensor defaults
	defaultSensorPollInterval   = 2 * time.Second
	defaultSensorDiskHighPct    = 90
	defaultSensorDiskLowPct     = 80
	defaultSensorRecoveryWindow = 10 * time.Second
)

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *Config
)

// SetRuntime publishes the validated config for packages that read it lazily.
func SetRuntime(c *Config) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = c
}

// Get returns the runtime config, or a defaulted one when none was set.
func Get() *Config {
	runtimeMu.RLock()
	c := runtimeCfg
	runtimeMu.RUnlock()
	if c != nil {
		return c
	}
	d := &Config{}
	_ = d.ApplyDefaults()
	return d
}

// AdminKeys returns a set of the configured admin API keys.
func (c *Config) AdminKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Security.APIKeys.Admin))
	for _, k := range c.Security.APIKeys.Admin {
		out[k] = struct{}{}
	}
	return out
}

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = defaultServerAddress
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultServerPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// RealtimeAddr returns the websocket listener address as host:port.
func (c *Config) RealtimeAddr() string {
	addr := c.Realtime.Address
	if addr == "" {
		addr = c.Server.Address
	}
	if addr == "" {
		addr = defaultServerAddress
	}
	port := c.Realtime.Port
	if port == 0 {
		port = defaultRealtimePort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Annotatef(err, "parse config %s", path)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values and rejects values that cannot be used.
func (c *Config) ApplyDefaults() error {
	rt := &c.Realtime
	if rt.Path == "" {
		rt.Path = defaultRealtimePath
	}
	if rt.Heartbeat.Duration() == 0 {
		rt.Heartbeat = Duration(defaultHeartbeat)
	}
	if rt.WriteTimeout.Duration() == 0 {
		rt.WriteTimeout = Duration(defaultWriteTimeout)
	}
	if rt.MaxFrameBytes.Int64() == 0 {
		rt.MaxFrameBytes = SizeBytes(defaultMaxFrameBytes)
	}
	if rt.SendQueue <= 0 {
		rt.SendQueue = defaultSendQueue
	}
	if rt.FramesPerSecond <= 0 {
		rt.FramesPerSecond = defaultFramesPerSecond
	}
	if rt.FrameBurst <= 0 {
		rt.FrameBurst = defaultFrameBurst
	}
	if rt.MaxDecodeErrors <= 0 {
		rt.MaxDecodeErrors = defaultMaxDecodeErrors
	}
	if rt.MaxContentRunes <= 0 {
		rt.MaxContentRunes = defaultMaxContentRunes
	}

	if c.Reads.Debounce.Duration() == 0 {
		c.Reads.Debounce = Duration(defaultReadDebounce)
	}
	if c.Catchup.Limit <= 0 {
		c.Catchup.Limit = defaultCatchupLimit
	}
	if c.Catchup.MaxPages <= 0 {
		c.Catchup.MaxPages = defaultCatchupMaxPages
	}
	if c.Client.ReconnectDelay.Duration() == 0 {
		c.Client.ReconnectDelay = Duration(defaultClientReconnectDelay)
	}
	if c.Client.MaxAttempts <= 0 {
		c.Client.MaxAttempts = defaultClientMaxAttempts
	}
	if c.Time.Zone == "" {
		c.Time.Zone = defaultZone
	}
	if _, err := time.LoadLocation(c.Time.Zone); err != nil {
		return errors.NotValidf("time.zone %q", c.Time.Zone)
	}

	// Security defaults: rate limiting and tokens
	if c.Security.RateLimit.RPS <= 0 {
		c.Security.RateLimit.RPS = defaultRateRPS
	}
	if c.Security.RateLimit.Burst <= 0 {
		c.Security.RateLimit.Burst = defaultRateBurst
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = defaultJWTIssuer
	}
	if c.Security.JWT.TTL.Duration() == 0 {
		c.Security.JWT.TTL = Duration(defaultJWTTTL)
	}

	// Telemetry defaults
	if c.Telemetry.SlowThreshold.Duration() == 0 {
		c.Telemetry.SlowThreshold = Duration(time.Duration(defaultTelemetrySlowMs) * time.Millisecond)
	}
	if c.Telemetry.BufferSize.Int64() == 0 {
		c.Telemetry.BufferSize = SizeBytes(defaultTelemetryBufferSize)
	}
	if c.Telemetry.FileMaxSize.Int64() == 0 {
		c.Telemetry.FileMaxSize = SizeBytes(defaultTelemetryFileMaxSize)
	}
	if c.Telemetry.FlushInterval.Duration() == 0 {
		c.Telemetry.FlushInterval = Duration(time.Duration(defaultTelemetryFlushMs) * time.Millisecond)
	}
	if c.Telemetry.QueueCapacity <= 0 {
		c.Telemetry.QueueCapacity = defaultTelemetryQueueCapacity
	}

	// Sensor monitor defaults
	if c.Sensor.Monitor.PollInterval.Duration() == 0 {
		c.Sensor.Monitor.PollInterval = Duration(defaultSensorPollInterval)
	}
	if c.Sensor.Monitor.DiskHighPct == 0 {
		c.Sensor.Monitor.DiskHighPct = defaultSensorDiskHighPct
	}
	if c.Sensor.Monitor.DiskLowPct == 0 {
		c.Sensor.Monitor.DiskLowPct = defaultSensorDiskLowPct
	}
	if c.Sensor.Monitor.DiskLowPct >= c.Sensor.Monitor.DiskHighPct {
		return errors.NotValidf("sensor.monitor.disk_low_pct %d >= disk_high_pct %d", c.Sensor.Monitor.DiskLowPct, c.Sensor.Monitor.DiskHighPct)
	}
	if c.Sensor.Monitor.RecoveryWindow.Duration() == 0 {
		c.Sensor.Monitor.RecoveryWindow = Duration(defaultSensorRecoveryWindow)
	}

	// Maintenance defaults
	if c.Maintenance.LockTTL.Duration() == 0 {
		c.Maintenance.LockTTL = Duration(defaultMaintenanceLockTTL)
	}
	if c.Maintenance.Cron == "" {
		c.Maintenance.Cron = defaultMaintenanceCron
	}
	if c.Maintenance.DedupeTTL.Duration() == 0 {
		c.Maintenance.DedupeTTL = Duration(defaultDedupeTTL)
	}
	if !gronx.IsValid(c.Maintenance.Cron) {
		return errors.NotValidf("maintenance cron expression %q", c.Maintenance.Cron)
	}
	return nil
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("PULSESPACE_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
