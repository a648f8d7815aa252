package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHandler(t *testing.T) (*Handler, Layout) {
	t.Helper()
	layout := NewLayout(t.TempDir(), "profile-1")
	require.NoError(t, layout.Create())
	return NewHandler(layout, nil), layout
}

func makePlaintextFolder(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "docs")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.txt"), []byte("beta"), 0o600))
	return dir
}

func TestHideMovesTreeIntoBackup(t *testing.T) {
	h, layout := testHandler(t)
	dir := makePlaintextFolder(t)
	token := Token(dir)

	result, err := h.Hide(dir, token)
	require.NoError(t, err)
	assert.Equal(t, layout.BackupPath(token), result.BackupLocation)

	// Original gone, backup holds the full tree
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	content, err := os.ReadFile(filepath.Join(result.BackupLocation, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(content))

	assert.Equal(t, dir, result.Preserved.OriginalPath)
	assert.Equal(t, uint32(0o755), result.Preserved.Mode)
}

func TestHide_RejectsFile(t *testing.T) {
	h, _ := testHandler(t)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := h.Hide(file, Token(file))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrPrecondition))
}

func TestUnhideRestoresOriginal(t *testing.T) {
	h, _ := testHandler(t)
	dir := makePlaintextFolder(t)
	token := Token(dir)

	_, err := h.Hide(dir, token)
	require.NoError(t, err)

	require.NoError(t, h.Unhide(token, dir))

	content, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(content))

	// A second Unhide with the original already in place is a no-op
	assert.NoError(t, h.Unhide(token, dir))
}

func TestUnhide_ClearsPartialOriginal(t *testing.T) {
	h, _ := testHandler(t)
	dir := makePlaintextFolder(t)
	token := Token(dir)

	_, err := h.Hide(dir, token)
	require.NoError(t, err)

	// Simulate a partial restore left behind by an interrupted unlock
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial"), []byte("junk"), 0o600))

	require.NoError(t, h.Unhide(token, dir))

	_, err = os.Stat(filepath.Join(dir, "partial"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "a.txt"))
	assert.NoError(t, err)
}

func TestUnhide_MissingBackupAndOriginalFails(t *testing.T) {
	h, _ := testHandler(t)

	err := h.Unhide(Token("/nowhere"), filepath.Join(t.TempDir(), "nowhere"))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrIO))
}

func TestRetireBackup(t *testing.T) {
	h, layout := testHandler(t)
	dir := makePlaintextFolder(t)
	token := Token(dir)

	_, err := h.Hide(dir, token)
	require.NoError(t, err)

	require.NoError(t, h.RetireBackup(token))

	_, err = os.Stat(layout.BackupPath(token))
	assert.True(t, os.IsNotExist(err))
}

func TestSecureDeleteFromVault(t *testing.T) {
	h, layout := testHandler(t)
	token := Token("/home/alice/docs")

	require.NoError(t, os.MkdirAll(layout.FolderPath(token), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(layout.FolderPath(token), "a.enc"), []byte("ct"), 0o600))
	require.NoError(t, os.WriteFile(layout.FolderManifestPath(token), []byte("{}"), 0o600))

	require.NoError(t, h.SecureDeleteFromVault(token))

	_, err := os.Stat(layout.FolderPath(token))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(layout.FolderManifestPath(token))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreAppliesFolderMetadata(t *testing.T) {
	h, _ := testHandler(t)

	dir := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, os.MkdirAll(dir, 0o700))

	result, err := h.Restore("tok", dir, FolderMetadata{Mode: 0o750, UID: -1, GID: -1})
	require.NoError(t, err)
	assert.Equal(t, dir, result.RestoredPath)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
}
