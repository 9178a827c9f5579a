package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")

	cfg, err := LoadServer(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "test-secret", cfg.JWTSecret)
	assert.Equal(t, 600*time.Minute, cfg.TokenLifetime)
	assert.Equal(t, 5000, cfg.MaxConnections)
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, 30, cfg.CachedMessageUploadTimer)
}

func TestLoadServerRequiresSecret(t *testing.T) {
	t.Setenv("SECRET_KEY", "")

	_, err := LoadServer(nil)
	assert.Error(t, err)
}

func TestLoadServerEnvOverrides(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("CHATHUB_ADDR", ":9999")
	t.Setenv("CACHED_MESSAGE_UPLOAD_TIMER", "2")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := LoadServer(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 2, cfg.CachedMessageUploadTimer)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestServerValidation(t *testing.T) {
	valid := Server{
		Addr: ":8000", DatabaseURL: "postgres://x", JWTSecret: "s",
		MaxConnections: 1, SendQueueSize: 1, SendTimeout: time.Second,
		CachedMessageUploadTimer: 30, MaxReconnectAttempts: 5,
		LogLevel: "info", LogFormat: "json",
	}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.LogLevel = "verbose"
	assert.Error(t, bad.Validate())

	bad = valid
	bad.CachedMessageUploadTimer = 0
	assert.Error(t, bad.Validate())

	bad = valid
	bad.JWTSecret = ""
	assert.Error(t, bad.Validate())
}

func TestLoadGenValidation(t *testing.T) {
	valid := LoadGen{
		URL: "http://localhost:8000", WSURL: "ws://localhost:8000",
		NumUsers: 10, NumActions: 5, NumTestChannels: 200,
		LogLevel: "info", LogFormat: "pretty",
	}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.NumTestChannels = 5
	assert.Error(t, bad.Validate())

	bad = valid
	bad.NumUsers = 0
	assert.Error(t, bad.Validate())
}
