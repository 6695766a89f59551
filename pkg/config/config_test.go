package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationAndSizeYAML(t *testing.T) {
	var doc struct {
		A Duration  `yaml:"a"`
		B Duration  `yaml:"b"`
		C SizeBytes `yaml:"c"`
		D SizeBytes `yaml:"d"`
	}
	err := yaml.Unmarshal([]byte("a: 150ms\nb: 2\nc: 16KiB\nd: 1024\n"), &doc)
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, doc.A.Duration())
	assert.Equal(t, 2*time.Second, doc.B.Duration())
	assert.Equal(t, int64(16*1024), doc.C.Int64())
	assert.Equal(t, int64(1024), doc.D.Int64())

	err = yaml.Unmarshal([]byte("a: soon\n"), &doc)
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.ApplyDefaults())

	assert.Equal(t, 10*time.Second, c.Realtime.Heartbeat.Duration())
	assert.Equal(t, "/ws", c.Realtime.Path)
	assert.Equal(t, int64(16*1024), c.Realtime.MaxFrameBytes.Int64())
	assert.Equal(t, time.Second, c.Reads.Debounce.Duration())
	assert.Equal(t, 100, c.Catchup.Limit)
	assert.Equal(t, 5*time.Second, c.Client.ReconnectDelay.Duration())
	assert.Equal(t, 5, c.Client.MaxAttempts)
	assert.Equal(t, "Asia/Seoul", c.Time.Zone)
	assert.Equal(t, "0 3 * * *", c.Maintenance.Cron)
	assert.Equal(t, "0.0.0.0:8080", c.Addr())
	assert.Equal(t, "0.0.0.0:8081", c.RealtimeAddr())
}

func TestApplyDefaultsRejectsBadValues(t *testing.T) {
	c := &Config{}
	c.Maintenance.Cron = "every tuesday"
	assert.Error(t, c.ApplyDefaults())

	c = &Config{}
	c.Time.Zone = "Nowhere/Land"
	assert.Error(t, c.ApplyDefaults())

	c = &Config{}
	c.Sensor.Monitor.DiskHighPct = 50
	c.Sensor.Monitor.DiskLowPct = 70
	assert.Error(t, c.ApplyDefaults())
}

func TestValidateConfigRequiresSecret(t *testing.T) {
	c := &Config{}
	c.Server.DBPath = t.TempDir()
	err := ValidateConfig(EffectiveConfigResult{Config: c, DBPath: c.Server.DBPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")

	c.Security.JWT.Secret = "0123456789abcdef-secret"
	require.NoError(t, ValidateConfig(EffectiveConfigResult{Config: c, DBPath: c.Server.DBPath}))
}

func TestLoadEffectiveConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n  db_path: /data/file\nrealtime:\n  heartbeat: 3s\n"), 0o600))

	t.Setenv("PULSESPACE_DB_PATH", "/data/env")
	t.Setenv("PULSESPACE_JWT_SECRET", "from-env-secret-value")
	envCfg, envRes := ParseConfigEnvs()
	require.True(t, envRes.EnvUsed)

	flags, err := ParseConfigFlags([]string{"--config", path})
	require.NoError(t, err)
	fileCfg, found, err := ParseConfigFile(flags)
	require.NoError(t, err)
	require.True(t, found)

	eff, err := LoadEffectiveConfig(flags, fileCfg, found, envCfg, envRes)
	require.NoError(t, err)
	assert.Equal(t, "config", eff.Source)
	assert.Equal(t, "/data/file", eff.DBPath)
	assert.Equal(t, "0.0.0.0:9090", eff.Addr)
	assert.Equal(t, 3*time.Second, eff.Config.Realtime.Heartbeat.Duration())
	assert.Equal(t, "from-env-secret-value", eff.Config.Security.JWT.Secret)

	flags, err = ParseConfigFlags([]string{"--db", "/data/flag", "--addr", "127.0.0.1:7000", "--config", filepath.Join(dir, "missing.yaml")})
	require.NoError(t, err)
	_, err = LoadEffectiveConfig(flags, &Config{}, false, envCfg, envRes)
	assert.Error(t, err)

	flags, err = ParseConfigFlags([]string{"--db", "/data/flag", "--addr", "127.0.0.1:7000"})
	require.NoError(t, err)
	eff, err = LoadEffectiveConfig(flags, &Config{}, false, envCfg, envRes)
	require.NoError(t, err)
	assert.Equal(t, "flags", eff.Source)
	assert.Equal(t, "/data/flag", eff.DBPath)
	assert.Equal(t, "127.0.0.1:7000", eff.Addr)

	flags, err = ParseConfigFlags(nil)
	require.NoError(t, err)
	eff, err = LoadEffectiveConfig(flags, &Config{}, false, envCfg, envRes)
	require.NoError(t, err)
	assert.Equal(t, "env", eff.Source)
	assert.Equal(t, "/data/env", eff.DBPath)
}
