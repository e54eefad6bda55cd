package pathguard_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/pathguard"
)

func TestResolve(t *testing.T) {
	base := t.TempDir()
	abs, rel, err := pathguard.Resolve(base, "a/b/../c.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("a", "c.go"), rel)
	assert.True(t, filepath.IsAbs(abs))

	_, _, err = pathguard.Resolve(base, "../x")
	assert.ErrorIs(t, err, pathguard.ErrOutside)

	_, _, err = pathguard.Resolve("", "x")
	assert.ErrorIs(t, err, pathguard.ErrNoBase)
}

func TestLocal(t *testing.T) {
	for _, p := range []string{"verification", "checks/fixtures", "a/../b", "."} {
		assert.NoError(t, pathguard.Local(p), p)
	}
	for _, p := range []string{"/etc", "..", "../verification", "a/../../b", ""} {
		assert.ErrorIs(t, pathguard.Local(p), pathguard.ErrOutside, p)
	}
}

func TestResolveFollowsSymlinks(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "out")))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "in"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(base, "in"), filepath.Join(base, "alias")))

	assert.False(t, pathguard.Within(base, "out/file"))
	assert.True(t, pathguard.Within(base, "alias/file"))
	assert.True(t, pathguard.Within(base, "."))
}
