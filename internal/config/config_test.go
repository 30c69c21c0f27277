package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-worker-secret-0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	v.Set("security.worker_secret", testSecret)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "soldier", cfg.Worker.QueueName)
	assert.Equal(t, 5, cfg.Worker.MaxConcurrentBrowsers)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Worker.TaskTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxTaskRetries)
	assert.Equal(t, 10*time.Minute, cfg.Worker.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Worker.ShutdownGrace)

	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, 5*time.Minute, cfg.Security.SignatureMaxAge)
	assert.True(t, cfg.Security.EncryptPayloads)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "https://www.facebook.com", cfg.Session.TargetURL)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadWithoutSecret(t *testing.T) {
	// Signatures are required by default, so a bare config with no secret
	// must not yield a runnable worker.
	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_secret is required")

	// Turning signatures off makes the secretless config legal.
	v := viper.New()
	v.Set("security.require_signature", false)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.False(t, cfg.Security.RequireSignature)
}

func TestValidateRejectsShortSecret(t *testing.T) {
	v := viper.New()
	v.Set("security.worker_secret", "too-short")
	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestValidateWorkerLimits(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value any
		want  string
	}{
		{"zero browsers", "worker.max_concurrent_browsers", 0, "must be positive"},
		{"negative retries", "worker.max_task_retries", -1, "must not be negative"},
		{"zero poll interval", "worker.poll_interval", time.Duration(0), "must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			v.Set("security.worker_secret", testSecret)
			v.Set(tc.key, tc.value)
			_, err := Load(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEncryptionSecretFallsBackToWorkerSecret(t *testing.T) {
	v := viper.New()
	v.Set("security.worker_secret", testSecret)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.EncryptionSecret())

	v.Set("security.encryption_key", "dedicated-encryption-key-0123456789abcdef")
	cfg, err = Load(v)
	require.NoError(t, err)
	assert.Equal(t, "dedicated-encryption-key-0123456789abcdef", cfg.EncryptionSecret())
}

func TestLoadOverrides(t *testing.T) {
	v := viper.New()
	v.Set("security.worker_secret", testSecret)
	v.Set("worker.queue_name", "captain")
	v.Set("worker.max_concurrent_browsers", 2)
	v.Set("browser.headless", false)
	v.Set("session.target_url", "https://staging.example.com")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "captain", cfg.Worker.QueueName)
	assert.Equal(t, 2, cfg.Worker.MaxConcurrentBrowsers)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "https://staging.example.com", cfg.Session.TargetURL)
}
