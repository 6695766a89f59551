package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const envPrefix = "PULSESPACE_"

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// holds the results of applying environment overrides
type EnvResult struct {
	EnvUsed bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// parses command-line flags and returns them as a Flags struct
func ParseConfigFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("pulsespace", flag.ContinueOnError)
	addrPtr := fs.String("addr", ":8080", "HTTP listen address")
	dbPtr := fs.String("db", "./.database", "Pebble DB path")
	cfgPtr := fs.String("config", "./config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// record which flags were set explicitly
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}, nil
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	parts := []string{}
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func parseBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func parseInt(v string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return n
	}
	return def
}

func splitAddr(v string) (string, int) {
	if h, p, err := net.SplitHostPort(v); err == nil {
		if pi, err := strconv.Atoi(p); err == nil {
			return h, pi
		}
		return h, 0
	}
	return v, 0
}

// loads environment variables into a new Config; caller config is unchanged
func ParseConfigEnvs() (*Config, EnvResult) {
	names := []string{
		"ADDR", "SERVER_ADDRESS", "SERVER_PORT", "DB_PATH", "TLS_CERT", "TLS_KEY",
		"REALTIME_ADDR", "REALTIME_PATH", "HEARTBEAT", "WRITE_TIMEOUT", "MAX_FRAME_BYTES", "SEND_QUEUE",
		"FRAMES_PER_SECOND", "WS_ALLOWED_ORIGINS",
		"READ_DEBOUNCE", "CATCHUP_LIMIT", "CATCHUP_MAX_PAGES",
		"CLIENT_RECONNECT_DELAY", "CLIENT_MAX_ATTEMPTS",
		"TIME_ZONE",
		"CORS_ORIGINS", "RATE_RPS", "RATE_BURST", "IP_WHITELIST", "API_ADMIN_KEYS",
		"JWT_SECRET", "JWT_ISSUER", "JWT_TTL",
		"LOG_LEVEL",
		"MAINTENANCE_ENABLED", "MAINTENANCE_CRON", "MAINTENANCE_DEDUPE_TTL", "MAINTENANCE_SKIP_COMPACT", "MAINTENANCE_LOCK_TTL",
		"TELEMETRY_SLOW_THRESHOLD",
		"SENSOR_MONITOR_POLL_INTERVAL", "SENSOR_MONITOR_DISK_HIGH_PCT", "SENSOR_MONITOR_DISK_LOW_PCT",
	}
	envs := make(map[string]string, len(names))
	envUsed := false
	for _, n := range names {
		v := strings.TrimSpace(os.Getenv(envPrefix + n))
		envs[n] = v
		if v != "" {
			envUsed = true
		}
	}

	envCfg := &Config{}
	dur := func(v string) Duration {
		d, _ := parseDuration(v)
		return d
	}

	if v := envs["ADDR"]; v != "" {
		envCfg.Server.Address, envCfg.Server.Port = splitAddr(v)
	} else {
		envCfg.Server.Address = envs["SERVER_ADDRESS"]
		envCfg.Server.Port = parseInt(envs["SERVER_PORT"], 0)
	}
	envCfg.Server.DBPath = envs["DB_PATH"]
	envCfg.Server.TLS.CertFile = envs["TLS_CERT"]
	envCfg.Server.TLS.KeyFile = envs["TLS_KEY"]

	if v := envs["REALTIME_ADDR"]; v != "" {
		envCfg.Realtime.Address, envCfg.Realtime.Port = splitAddr(v)
	}
	envCfg.Realtime.Path = envs["REALTIME_PATH"]
	envCfg.Realtime.Heartbeat = dur(envs["HEARTBEAT"])
	envCfg.Realtime.WriteTimeout = dur(envs["WRITE_TIMEOUT"])
	if v := envs["MAX_FRAME_BYTES"]; v != "" {
		envCfg.Realtime.MaxFrameBytes, _ = parseSize(v)
	}
	envCfg.Realtime.SendQueue = parseInt(envs["SEND_QUEUE"], 0)
	if v := envs["FRAMES_PER_SECOND"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			envCfg.Realtime.FramesPerSecond = f
		}
	}
	envCfg.Realtime.AllowedOrigins = parseList(envs["WS_ALLOWED_ORIGINS"])

	envCfg.Reads.Debounce = dur(envs["READ_DEBOUNCE"])
	envCfg.Catchup.Limit = parseInt(envs["CATCHUP_LIMIT"], 0)
	envCfg.Catchup.MaxPages = parseInt(envs["CATCHUP_MAX_PAGES"], 0)
	envCfg.Client.ReconnectDelay = dur(envs["CLIENT_RECONNECT_DELAY"])
	envCfg.Client.MaxAttempts = parseInt(envs["CLIENT_MAX_ATTEMPTS"], 0)
	envCfg.Time.Zone = envs["TIME_ZONE"]

	envCfg.Security.CORS.AllowedOrigins = parseList(envs["CORS_ORIGINS"])
	if v := envs["RATE_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			envCfg.Security.RateLimit.RPS = f
		}
	}
	envCfg.Security.RateLimit.Burst = parseInt(envs["RATE_BURST"], 0)
	envCfg.Security.IPWhitelist = parseList(envs["IP_WHITELIST"])
	envCfg.Security.APIKeys.Admin = parseList(envs["API_ADMIN_KEYS"])
	envCfg.Security.JWT.Secret = envs["JWT_SECRET"]
	envCfg.Security.JWT.Issuer = envs["JWT_ISSUER"]
	envCfg.Security.JWT.TTL = dur(envs["JWT_TTL"])

	envCfg.Logging.Level = envs["LOG_LEVEL"]

	envCfg.Maintenance.Enabled = parseBool(envs["MAINTENANCE_ENABLED"], false)
	envCfg.Maintenance.Cron = envs["MAINTENANCE_CRON"]
	envCfg.Maintenance.DedupeTTL = dur(envs["MAINTENANCE_DEDUPE_TTL"])
	envCfg.Maintenance.SkipCompact = parseBool(envs["MAINTENANCE_SKIP_COMPACT"], false)
	envCfg.Maintenance.LockTTL = dur(envs["MAINTENANCE_LOCK_TTL"])

	envCfg.Telemetry.SlowThreshold = dur(envs["TELEMETRY_SLOW_THRESHOLD"])
	envCfg.Sensor.Monitor.PollInterval = dur(envs["SENSOR_MONITOR_POLL_INTERVAL"])
	envCfg.Sensor.Monitor.DiskHighPct = parseInt(envs["SENSOR_MONITOR_DISK_HIGH_PCT"], 0)
	envCfg.Sensor.Monitor.DiskLowPct = parseInt(envs["SENSOR_MONITOR_DISK_LOW_PCT"], 0)

	return envCfg, EnvResult{EnvUsed: envUsed}
}

// decides which single source to use (flags, config file, or env) and
// returns the effective config plus resolved addr and dbPath. If --config
// is set, only the config file is used; otherwise flags if set; else
// config file if present; else env. The JWT secret may always come from
// the environment so it can stay out of config files.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	defer func() {
		if res.Config != nil && res.Config.Security.JWT.Secret == "" && envCfg != nil {
			res.Config.Security.JWT.Secret = envCfg.Security.JWT.Secret
		}
	}()

	if flags.Set["config"] {
		if !fileExists {
			return res, errors.NotFoundf("config file %s", flags.Config)
		}
		res.Config = fileCfg
		res.Addr = fileCfg.Addr()
		res.DBPath = fileCfg.Server.DBPath
		res.Source = "config"
		return res, nil
	}

	if flags.Set["addr"] || flags.Set["db"] {
		base := envCfg
		if fileExists {
			base = fileCfg
		}
		out := *base
		if flags.Set["addr"] {
			host, port := splitAddr(flags.Addr)
			out.Server.Address = host
			out.Server.Port = port
		}
		if flags.Set["db"] {
			out.Server.DBPath = flags.DB
		} else if strings.TrimSpace(out.Server.DBPath) == "" {
			out.Server.DBPath = flags.DB
		}
		res.Config = &out
		res.Addr = out.Addr()
		res.DBPath = out.Server.DBPath
		res.Source = "flags"
		return res, nil
	}

	if fileExists {
		res.Config = fileCfg
		res.Addr = fileCfg.Addr()
		res.DBPath = fileCfg.Server.DBPath
		res.Source = "config"
		return res, nil
	}
	if envCfg.Server.DBPath == "" {
		envCfg.Server.DBPath = flags.DB
	}
	res.Config = envCfg
	res.Addr = envCfg.Addr()
	res.DBPath = envCfg.Server.DBPath
	res.Source = "env"
	if !envRes.EnvUsed {
		res.Source = "defaults"
	}
	return res, nil
}
