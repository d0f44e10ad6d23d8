package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "America/New_York", cfg.Calendar.TimeZone)
	assert.Equal(t, 3, cfg.Chat.MaxReconnectAttempts)
	assert.Equal(t, 20, cfg.Matchmaker.TopN)
	assert.False(t, cfg.App.Production())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DAY_TIMEZONE", "Europe/Berlin")
	t.Setenv("CHAT_RECONNECT_BASE_DELAY", "750ms")
	t.Setenv("CHAT_MAX_RECONNECT_ATTEMPTS", "5")
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()

	assert.Equal(t, "Europe/Berlin", cfg.Calendar.TimeZone)
	assert.Equal(t, 750*time.Millisecond, cfg.Chat.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.Chat.MaxReconnectAttempts)
	assert.True(t, cfg.App.Production())
	assert.Equal(t, "debug", cfg.App.LogLevel)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("GATEWAY_WORKERS", "many")
	t.Setenv("CHAT_JOIN_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 64, cfg.Gateway.Workers)
	assert.Equal(t, 10*time.Second, cfg.Chat.JoinTimeout)
}

func TestRunAtClock(t *testing.T) {
	h, m, err := MatchmakerConfig{RunAt: "03:45"}.RunAtClock()
	require.NoError(t, err)
	assert.Equal(t, 3, h)
	assert.Equal(t, 45, m)

	_, _, err = MatchmakerConfig{RunAt: "quarter past"}.RunAtClock()
	assert.Error(t, err)
}
