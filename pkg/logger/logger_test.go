package logger

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestMaskedValue(t *testing.T) {
	assert.Equal(t, "", maskedValue(""))
	assert.Equal(t, "<redacted>", maskedValue("ab"))
	assert.Equal(t, "B*****n", maskedValue("Bearer token"))
}

func TestSafeHeadersRedactsCredentials(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer secret-token")
	r.Header.Set("Upgrade", "websocket")

	out := SafeHeaders(r)
	assert.Contains(t, out, "Upgrade=websocket")
	assert.NotContains(t, out, "secret-token")
}

func TestFileSinkFlushesOnSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	t.Setenv("PULSESPACE_LOG_SINK", "file:"+path)

	Init("debug")
	Info("sink_check", "k", "v")
	Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "sink_check")
}

func TestAttachAuditFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	require.NoError(t, AttachAuditFileSink(dir))
	t.Cleanup(func() { Audit = nil })

	AuditInfo("maintenance_run_start", "run_id", "r1")
	b, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "audit_sink_attached")
	assert.Contains(t, string(b), "maintenance_run_start")
}
