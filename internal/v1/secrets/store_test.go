package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalbot/server/internal/v1/types"
)

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rob-1.key"), []byte("s3cret\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rob_2.key"), []byte("  padded  "), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad id!.key"), []byte("ignored"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.key"), []byte("   \n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a key"), 0o600))

	store, err := LoadDir(dir)
	require.NoError(t, err)

	assert.Len(t, store.RobotIDs(), 2)
	assert.True(t, store.Validate("rob-1", "s3cret"), "trailing newline should be trimmed")
	assert.True(t, store.Validate("rob_2", "padded"), "surrounding whitespace should be trimmed")
	assert.False(t, store.Validate("empty", ""))
}

func TestLoadDir_Missing(t *testing.T) {
	store, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, store.RobotIDs())
}

func TestLoadDir_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "secrets")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := LoadDir(file)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	store := NewFromMap(map[types.RobotIDType]string{"rob-1": "s3cret"})

	assert.True(t, store.Validate("rob-1", "s3cret"))
	assert.False(t, store.Validate("rob-1", "wrong"))
	assert.False(t, store.Validate("rob-1", ""))
	assert.False(t, store.Validate("unknown", "s3cret"), "unknown ids must fail like wrong secrets")
}
