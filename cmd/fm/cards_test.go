package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	"foreman/internal/domain"
	"foreman/internal/model"
)

func TestLoadVerification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "verify.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // fixture under verification/
  "fixture_path": "verification/sum.go",
  "scenarios": [
    {"id": "small", "input_data": [1, 2], "expected_output": 3},
    {"id": "live", "input_data": {"a": 1}, "expected_output": {"ok": true}, "http": {"path": "/sum"}},
  ],
}`), 0o644))

	v, err := loadVerification(path)
	require.NoError(t, err)
	assert.Equal(t, "verification/sum.go", v.FixturePath)
	require.Len(t, v.Scenarios, 2)
	assert.Equal(t, domain.ScenarioPending, v.Scenarios[0].Status)
	require.NotNil(t, v.Scenarios[1].HTTP)
	assert.Equal(t, "/sum", v.Scenarios[1].HTTP.Path)
}

func TestLoadVerificationRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"none.json":   `{"scenarios": []}`,
		"noid.json":   `{"scenarios": [{"input_data": 1, "expected_output": 1}]}`,
		"broken.json": `{"scenarios": [`,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := loadVerification(path)
		assert.Error(t, err, name)
	}
}

func TestNewModelClient(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("FM_TEST_KEY", "")
	_, err := newModelClient(config.ModelConfig{Provider: "anthropic", APIKeyEnv: "FM_TEST_KEY"})
	assert.ErrorIs(t, err, model.ErrAPIKeyRequired)

	t.Setenv("FM_TEST_KEY", "sk-test")
	c, err := newModelClient(config.ModelConfig{Provider: "anthropic", APIKeyEnv: "FM_TEST_KEY", Default: "claude-sonnet-4-5"})
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = newModelClient(config.ModelConfig{Provider: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown model provider")
}
