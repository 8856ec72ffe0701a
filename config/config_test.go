package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "8082", cfg.Port)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, 400*time.Millisecond, cfg.ReadBatchDelay)
	assert.Equal(t, 50, cfg.ReadBatchSize)
	assert.Equal(t, time.Second, cfg.TypingStopDelay)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, 30*time.Second, cfg.UploadTimeout)
	assert.Equal(t, 5, cfg.SocketReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.SocketReconnectDelay)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("BACKEND", BackendMemory)
	t.Setenv("READ_BATCH_SIZE", "20")
	t.Setenv("TYPING_STOP_DELAY_MS", "250")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, ,http://b.test")

	cfg := LoadConfig()

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 20, cfg.ReadBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.TypingStopDelay)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestGetEnvAsIntMalformed(t *testing.T) {
	t.Setenv("READ_BATCH_SIZE", "lots")
	assert.Equal(t, 50, getEnvAsInt("READ_BATCH_SIZE", 50))

	t.Setenv("READ_BATCH_SIZE", "-3")
	assert.Equal(t, 50, getEnvAsInt("READ_BATCH_SIZE", 50))
}
