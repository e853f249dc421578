package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.ActiveVersion)
	assert.Equal(t, 256, cfg.RewriteCacheSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "entitydb", cfg.Identity.Name)
	assert.Empty(t, cfg.BaseDir)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
baseDir: /var/lib/entitydb
storeName: notes
identity:
  name: Ada
  email: ada@example.com
logLevel: debug
s3:
  region: eu-west-1
  endpoint: http://localhost:9000
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/entitydb", cfg.BaseDir)
	assert.Equal(t, "notes", cfg.StoreName)
	assert.Equal(t, "Ada", cfg.CoreIdentity().Name)
	assert.Equal(t, "ada@example.com", cfg.CoreIdentity().Email)
	assert.Equal(t, "main", cfg.ActiveVersion)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.Equal(t, logrus.DebugLevel, cfg.NewLogger().GetLevel())
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []string{
		"logLevel: loud",
		"rewriteCacheSize: -1",
		"unknownField: 1",
		`activeVersion: " "`,
	}
	for _, text := range tests {
		_, err := Parse([]byte(text))
		assert.Error(t, err, text)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	defaults, err := Default()
	require.NoError(t, err)
	assert.Equal(t, defaults, cfg)

	path := filepath.Join(dir, "entitydb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("activeVersion: draft\n"), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "draft", cfg.ActiveVersion)
}

func TestLoggerOverride(t *testing.T) {
	logger := logrus.New()
	cfg, err := Default()
	require.NoError(t, err)
	cfg.Logger = logger
	assert.Same(t, logger, cfg.NewLogger())
}
