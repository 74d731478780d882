package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clubhouse/callengine/internal/quality"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngineFromOverridesDefaults(t *testing.T) {
	const doc = `
ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: u
    credential: p
timeouts:
  ring: 45s
reconnect:
  max_attempts: 3
  ice_restart_attempts: 1
quality:
  poll_interval: 1s
  thresholds:
    poor_loss: 0.1
  profiles:
    poor:
      max_bitrate: 150000
      max_framerate: 10
`
	eng, err := LoadEngineFrom(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, eng.Timeouts.Ring)
	assert.Equal(t, 15*time.Second, eng.Timeouts.Negotiation, "unset keys keep defaults")
	assert.Equal(t, 3, eng.Reconnect.MaxAttempts)
	assert.Equal(t, 1, eng.Reconnect.ICERestartAttempts)
	assert.Equal(t, 10*time.Second, eng.Reconnect.AttemptDeadline)
	assert.Equal(t, time.Second, eng.Quality.PollInterval)
	assert.InDelta(t, 0.1, eng.Quality.Thresholds.PoorLoss, 1e-9)
	assert.InDelta(t, 0.01, eng.Quality.Thresholds.FairLoss, 1e-9)
	require.Len(t, eng.ICEServers, 1)
	assert.True(t, eng.ICEServers[0].Relay())

	p, err := eng.QualityPolicy()
	require.NoError(t, err)
	assert.Equal(t, uint64(150000), p.Profiles[quality.TierPoor].MaxBitrate)
	assert.Equal(t, "poor", p.Profiles[quality.TierPoor].Name)
	assert.Equal(t, quality.DefaultProfiles()[quality.TierGood], p.Profiles[quality.TierGood])
}

func TestLoadEngineFromEmpty(t *testing.T) {
	eng, err := LoadEngineFrom(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultEngine(), eng)
}

func TestLoadEngineFromRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "timeouts:\n  ringing: 5s\n", "field ringing not found"},
		{"zero attempts", "reconnect:\n  max_attempts: 0\n", "max_attempts"},
		{"inverted thresholds", "quality:\n  thresholds:\n    fair_loss: 0.2\n", "excellent <= fair <= poor"},
		{"unknown tier", "quality:\n  profiles:\n    superb:\n      max_bitrate: 1\n", "unknown quality tier"},
		{"zero bitrate", "quality:\n  profiles:\n    good: {}\n", "max_bitrate"},
		{"ice server without urls", "ice_servers:\n  - username: x\n", "no urls"},
		{"bad duration", "timeouts:\n  ring: soon\n", "decode yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEngineFrom(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadEngineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  gather: 2s\n"), 0o600))

	eng, err := LoadEngine(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, eng.Timeouts.Gather)

	_, err = LoadEngine(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconnect:\n  max_attempts: 7\n"), 0o600))

	t.Setenv("CALL_IDENTITY", "alice")
	t.Setenv("CALL_RELAY_URL", "http://relay:8080")
	t.Setenv("CALL_TOKEN", "tok")
	t.Setenv("CALL_DISPLAY_NAME", "")
	t.Setenv("CALL_ENGINE_CONFIG", path)

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.DisplayName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 7, cfg.Engine.Reconnect.MaxAttempts)
}

func TestLoadClientRequired(t *testing.T) {
	t.Setenv("CALL_IDENTITY", "")
	_, err := LoadClient()
	assert.ErrorContains(t, err, "CALL_IDENTITY")

	t.Setenv("CALL_IDENTITY", "alice")
	t.Setenv("CALL_RELAY_URL", "http://relay")
	t.Setenv("CALL_TOKEN", "")
	t.Setenv("CALL_JWT_SECRET", "")
	_, err = LoadClient()
	assert.ErrorContains(t, err, "CALL_TOKEN")
}

func TestLoadRelay(t *testing.T) {
	t.Setenv("RELAY_JWT_SECRET", "s")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "http://localhost:3000, https://app.example.org")
	t.Setenv("RELAY_TURN_URLS", "turn:a:3478,turns:b:5349")
	t.Setenv("RELAY_TURN_SECRET", "t")
	t.Setenv("RELAY_TURN_TTL", "1h")
	t.Setenv("RELAY_RATE_LIMIT", "2.5")

	cfg, err := LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example.org"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"turn:a:3478", "turns:b:5349"}, cfg.TURNURLs)
	assert.Equal(t, time.Hour, cfg.TURNTTL)
	assert.InDelta(t, 2.5, cfg.RateLimit, 1e-9)
	assert.Equal(t, 100, cfg.RateBurst)

	t.Setenv("RELAY_TURN_SECRET", "")
	_, err = LoadRelay()
	assert.ErrorContains(t, err, "RELAY_TURN_SECRET")

	t.Setenv("RELAY_TURN_URLS", "")
	t.Setenv("RELAY_RATE_BURST", "lots")
	_, err = LoadRelay()
	assert.ErrorContains(t, err, "RELAY_RATE_BURST")
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = NewLogger("chatty", "text")
	assert.Error(t, err)
	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}
