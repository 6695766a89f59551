package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Reads       ReadsConfig       `yaml:"reads"`
	Catchup     CatchupConfig     `yaml:"catchup"`
	Client      ClientConfig      `yaml:"client"`
	Time        TimeConfig        `yaml:"time"`
	Security    SecurityConfig    `yaml:"security"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds REST listener and storage settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RealtimeConfig holds the websocket gateway settings.
type RealtimeConfig struct {
	Address         string    `yaml:"address"`
	Port            int       `yaml:"port"`
	Path            string    `yaml:"path"`
	Heartbeat       Duration  `yaml:"heartbeat"`
	WriteTimeout    Duration  `yaml:"write_timeout"`
	MaxFrameBytes   SizeBytes `yaml:"max_frame_bytes"`
	SendQueue       int       `yaml:"send_queue"`
	FramesPerSecond float64   `yaml:"frames_per_second"`
	FrameBurst      int       `yaml:"frame_burst"`
	MaxDecodeErrors int       `yaml:"max_decode_errors"`
	MaxContentRunes int       `yaml:"max_content_runes"`
	AllowedOrigins  []string  `yaml:"allowed_origins"`
}

// ReadsConfig tunes the read-position tracker.
type ReadsConfig struct {
	Debounce Duration `yaml:"debounce"`
}

// CatchupConfig tunes reconnect reconciliation.
type CatchupConfig struct {
	Limit    int `yaml:"limit"`
	MaxPages int `yaml:"max_pages"`
}

// ClientConfig holds defaults used by the bundled client library.
type ClientConfig struct {
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// TimeConfig names the zone wire timestamps are interpreted in.
type TimeConfig struct {
	Zone string `yaml:"zone"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	APIKeys     struct {
		Admin []string `yaml:"admin"`
	} `yaml:"api_keys"`
	JWT JWTConfig `yaml:"jwt"`
}

type JWTConfig struct {
	Secret string   `yaml:"secret"`
	Issuer string   `yaml:"issuer"`
	TTL    Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MaintenanceConfig holds configuration for the scheduled maintenance runner.
type MaintenanceConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Cron        string   `yaml:"cron"`
	DedupeTTL   Duration `yaml:"dedupe_ttl"`
	SkipCompact bool     `yaml:"skip_compact"`
	// LockTTL is the lease held while a run is in progress.
	LockTTL Duration `yaml:"lock_ttl"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, errors.NotValidf("size value %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, errors.NotValidf("duration value %q", raw)
}

// TelemetryConfig controls slow-operation tracing.
type TelemetryConfig struct {
	SlowThreshold Duration  `yaml:"slow_threshold"`
	BufferSize    SizeBytes `yaml:"buffer_size"`
	FileMaxSize   SizeBytes `yaml:"file_max_size"`
	FlushInterval Duration  `yaml:"flush_interval"`
	QueueCapacity int       `yaml:"queue_capacity"`
}

// SensorConfig holds sensor related tuning knobs.
type SensorConfig struct {
	Monitor struct {
		PollInterval   Duration `yaml:"poll_interval"`
		DiskHighPct    int      `yaml:"disk_high_pct"`
		DiskLowPct     int      `yaml:"disk_low_pct"`
		RecoveryWindow Duration `yaml:"recovery_window"`
	} `yaml:"monitor"`
}
