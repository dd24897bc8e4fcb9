package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadSave_RoundTrip(t *testing.T) {
	ws := t.TempDir()

	cfg := Default()
	cfg.MaxIterationsPerRun = 7
	cfg.SmokeTestCommand = "go test ./..."
	require.NoError(t, Save(ws, cfg))

	loaded, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.MaxIterationsPerRun)
	assert.Equal(t, "go test ./...", loaded.SmokeTestCommand)
}

func TestLoad_MalformedJSONIsConfigError(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, StateDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.json"), []byte("{not json"), 0644))

	_, err := Load(ws)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestValidate_RejectsNonPositiveLimits(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero command timeout", func(c *Config) { c.CommandTimeoutSeconds = 0 }},
		{"zero teams", func(c *Config) { c.DefaultParallelTeams = 0 }},
		{"zero max iterations", func(c *Config) { c.MaxIterationsPerRun = 0 }},
		{"zero no-progress window", func(c *Config) { c.MaxNoProgressIterations = 0 }},
		{"zero batch size", func(c *Config) { c.MaxParallelFeaturesPerIteration = 0 }},
		{"validation required without url", func(c *Config) { c.RequireBrowserValidationBeforeStop = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))
		})
	}
}
