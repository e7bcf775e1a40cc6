package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/mpydeploy/internal/manifest"
	"github.com/schaermu/mpydeploy/internal/testutil"
)

func TestFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.py")
	require.NoError(t, os.WriteFile(path, []byte("print('a')"), 0644))

	hash1, err := fileHash(path)
	require.NoError(t, err)
	hash2, err := fileHash(path)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)
	assert.Len(t, hash1, 64)

	require.NoError(t, os.WriteFile(path, []byte("print('b')"), 0644))
	hash3, err := fileHash(path)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)

	_, err = fileHash(filepath.Join(t.TempDir(), "missing.py"))
	assert.Error(t, err)
}

func TestState_SaveLoad(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"main.py":       "print(1)",
		"lib/helper.py": "x = 1",
	})
	m, err := manifest.Select(root, nil)
	require.NoError(t, err)

	state, err := buildState("/dev/ttyUSB0", m)
	require.NoError(t, err)

	path := filepath.Join(root, ".mpydeploy", "state.json")
	require.NoError(t, saveState(path, state))

	loaded, err := loadState(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Port)
	assert.Equal(t, state.ManagedFiles, loaded.ManagedFiles)
	assert.Equal(t, "lib/helper.py", loaded.ManagedFiles["/lib/helper.py"].SourcePath)
}

func TestLoadState_Missing(t *testing.T) {
	state, err := loadState(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.Empty(t, state.ManagedFiles)
	assert.Empty(t, state.Port)
}

func TestLoadState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := loadState(path)
	assert.Error(t, err)
}

func TestStalePaths(t *testing.T) {
	prev := emptyState()
	prev.ManagedFiles["/main.py"] = ManagedFile{SourcePath: "main.py"}
	prev.ManagedFiles["/old.py"] = ManagedFile{SourcePath: "old.py"}
	prev.ManagedFiles["/lib/gone.py"] = ManagedFile{SourcePath: "lib/gone.py"}

	m := manifest.Manifest{{RelPath: "main.py", DevicePath: "/main.py"}}

	assert.Equal(t, []string{"/lib/gone.py", "/old.py"}, stalePaths(prev, m))
	assert.Empty(t, stalePaths(emptyState(), m))
}
