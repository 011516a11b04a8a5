package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLocalConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "assets.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("PK"), 0o644))

	return &Config{
		ZipPath:          zipPath,
		Bucket:           "fastdl-assets",
		OutputDir:        filepath.Join(dir, "out"),
		CacheDir:         filepath.Join(dir, "cache"),
		Workers:          4,
		UploadWorkers:    10,
		CompressionLevel: 9,
	}
}

func TestValidateAcceptsLocalMode(t *testing.T) {
	cfg := validLocalConfig(t)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, SourceLocal, cfg.Mode())
}

func TestValidateSourceModeExclusivity(t *testing.T) {
	t.Run("no source", func(t *testing.T) {
		cfg := validLocalConfig(t)
		cfg.ZipPath = ""
		assert.ErrorContains(t, cfg.Validate(), "no source selected")
	})

	t.Run("two sources", func(t *testing.T) {
		cfg := validLocalConfig(t)
		cfg.ZipURL = "https://example.com/assets.zip"
		assert.ErrorContains(t, cfg.Validate(), "mutually exclusive")
	})

	t.Run("upload only needs no source", func(t *testing.T) {
		cfg := validLocalConfig(t)
		cfg.ZipPath = ""
		cfg.UploadOnly = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidateBucketRequirement(t *testing.T) {
	cfg := validLocalConfig(t)
	cfg.Bucket = ""
	assert.ErrorContains(t, cfg.Validate(), "bucket")

	cfg.SkipUpload = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateRemoteMode(t *testing.T) {
	base := func() *Config {
		cfg := validLocalConfig(t)
		cfg.ZipPath = ""
		cfg.CreateRemoteZip = true
		cfg.Remote = Remote{
			Host:     "game.example.com",
			User:     "steam",
			Password: "hunter2",
			Port:     22,
			Path:     "/srv/cstrike",
		}
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		cfg := base()
		assert.NoError(t, cfg.Validate())
		assert.Equal(t, SourceRemote, cfg.Mode())
	})

	t.Run("missing credentials", func(t *testing.T) {
		cfg := base()
		cfg.Remote.Password = ""
		assert.ErrorContains(t, cfg.Validate(), "password or key file")
	})

	t.Run("missing key file", func(t *testing.T) {
		cfg := base()
		cfg.Remote.Password = ""
		cfg.Remote.KeyFile = "/nonexistent/id_rsa"
		assert.ErrorContains(t, cfg.Validate(), "key file not found")
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := base()
		cfg.Remote.Port = 0
		assert.ErrorContains(t, cfg.Validate(), "port")
	})
}

func TestValidateNumericRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers low", func(c *Config) { c.Workers = 0 }, "workers"},
		{"workers high", func(c *Config) { c.Workers = 17 }, "workers"},
		{"upload workers high", func(c *Config) { c.UploadWorkers = 51 }, "upload workers"},
		{"compression low", func(c *Config) { c.CompressionLevel = 0 }, "compression level"},
		{"compression high", func(c *Config) { c.CompressionLevel = 10 }, "compression level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validLocalConfig(t)
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}
