package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, "DOGEUSDC", cfg.Symbol)
	assert.Equal(t, 14, cfg.ATRPeriod)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_PartialOverridesDefaultsFillRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"symbol":"ETHUSDC","atr_period":20}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDC", cfg.Symbol)
	assert.Equal(t, 20, cfg.ATRPeriod)
	assert.Equal(t, 0.8, cfg.SafetyFactor)
}

func TestLoadSecrets_MissingEnvFileNotAnError(t *testing.T) {
	_, err := LoadSecrets(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
}
