package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph/internal/config"
)

func TestEffectiveConfigPathDefaultsUnderDataDir(t *testing.T) {
	configPath = ""
	cfg := config.Default()
	assert.Equal(t, filepath.Join(cfg.DataDir, "config.yaml"), effectiveConfigPath(cfg))

	configPath = "/etc/codegraph/config.yaml"
	t.Cleanup(func() { configPath = "" })
	assert.Equal(t, "/etc/codegraph/config.yaml", effectiveConfigPath(cfg))
}

func TestConfigInitWritesAndRefusesOverwrite(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "config.yaml")
	t.Cleanup(func() { configPath = "" })

	require.NoError(t, configInitCmd.RunE(configInitCmd, nil))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "enrichment-consumer", cfg.Bus.ConsumerGroup)
	assert.Equal(t, "file_locations", cfg.VectorStore.Collection)

	err = configInitCmd.RunE(configInitCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
