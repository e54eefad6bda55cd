package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/pathguard"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Run.MaxIterations)
	assert.Equal(t, 3, cfg.Run.ConcurrencyLimit)
	assert.Equal(t, 3, cfg.Run.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, "developer", cfg.Routing[domain.StatusReady])
	assert.Equal(t, uint64(4096<<20), cfg.SandboxAddressSpaceBytes())
	guard, ok := cfg.Team.Seat(cfg.GuardSeat)
	require.True(t, ok)
	assert.Contains(t, guard.Roles, domain.RoleIntegrityGuard)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("run:\n  concurrency_limit: 8\nsandbox:\n  timeout: 2s\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Run.ConcurrencyLimit)
	assert.Equal(t, 50, cfg.Run.MaxIterations)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.Timeout)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"zero concurrency":   "run:\n  concurrency_limit: 0\n",
		"bad glob":           "policy:\n  forbidden_paths: [\"[x\"]\n",
		"unknown status":     "routing:\n  shipped: developer\n",
		"guard without role": "guard_seat: developer\n",
		"duplicate seat":     "team:\n  seats:\n    - name: a\n    - name: a\n",
		"bad log format":     "logging:\n  format: xml\n",
		"bad webhook":        "webhooks:\n  - url: ftp://x\n",
		"bad yaml":           "run: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidateVerificationDir(t *testing.T) {
	cfg, err := FromYAML([]byte("sandbox:\n  verification_dir: checks/fixtures\n"))
	require.NoError(t, err)
	assert.Equal(t, "checks/fixtures", cfg.Sandbox.VerificationDir)

	for _, dir := range []string{"/srv/fixtures", "../fixtures", "checks/../../fixtures"} {
		cfg := Default()
		cfg.Sandbox.VerificationDir = dir
		err := cfg.Validate()
		assert.ErrorIs(t, err, pathguard.ErrOutside, dir)
		assert.ErrorContains(t, err, "verification_dir", dir)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.ErrorContains(t, err, "fm init")

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Run.MaxIterations)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "foreman.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "guard", cfg.GuardSeat)
}
