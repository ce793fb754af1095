package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.S3.Region)
	assert.Equal(t, time.Hour, cfg.S3.SignedURLExpiry.Std())
	assert.Equal(t, "public, max-age=31536000", cfg.S3.CacheControl)
	assert.Equal(t, "path", cfg.S3.AddressingStyle)
	assert.False(t, cfg.S3.Configured())

	assert.Equal(t, 5*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, time.Hour, cfg.PollDeadline.Std())
	assert.Equal(t, 15*time.Second, cfg.NetworkVolumeTimeout.Std())
	assert.True(t, cfg.CleanupTempFiles)
	assert.True(t, cfg.RefreshModels)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("S3_BUCKET", "outputs")
	t.Setenv("S3_ACCESS_KEY", "key")
	t.Setenv("S3_SECRET_KEY", "secret")
	t.Setenv("S3_SIGNED_URL_EXPIRY", "600")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("POLL_DEADLINE", "1800")
	t.Setenv("CLEANUP_TEMP_FILES", "false")
	t.Setenv("VOLUME_BASE_PATH", "/mnt/vol")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.S3.Configured())
	assert.Equal(t, 10*time.Minute, cfg.S3.SignedURLExpiry.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval.Std())
	assert.Equal(t, 30*time.Minute, cfg.PollDeadline.Std())
	assert.False(t, cfg.CleanupTempFiles)
	assert.Equal(t, "/mnt/vol", cfg.VolumeBasePath)
}

func TestLoadConfig_PartialS3CredentialsDisablesObjectStorage(t *testing.T) {
	t.Setenv("S3_BUCKET", "outputs")
	t.Setenv("S3_ACCESS_KEY", "key")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.S3.Configured())
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("BadDuration", func(t *testing.T) {
		t.Setenv("POLL_INTERVAL", "soon")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("ZeroDeadline", func(t *testing.T) {
		t.Setenv("POLL_DEADLINE", "0")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	nonPositive := map[string]string{
		"SUBMIT_TIMEOUT":       "-5",
		"POLL_REQUEST_TIMEOUT": "0s",
		"UPLOAD_TIMEOUT":       "-1m",
		"MAX_INFLIGHT_JOBS":    "-1",
	}
	for key, value := range nonPositive {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			assert.ErrorContains(t, err, key)
		})
	}

	t.Run("AddressingStyle", func(t *testing.T) {
		t.Setenv("S3_ADDRESSING_STYLE", "sideways")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}
