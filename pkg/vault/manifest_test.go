package vault

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*ManifestStore, Layout) {
	t.Helper()
	layout := NewLayout(t.TempDir(), "profile-1")
	require.NoError(t, layout.Create())
	return NewManifestStore(layout), layout
}

func TestVaultManifestRoundTrip(t *testing.T) {
	store, _ := testStore(t)

	m := &VaultManifest{
		ProfileID:     "profile-1",
		ProfileName:   "alice",
		CreatedAt:     1700000000000,
		LockedFolders: []string{"/home/alice/docs"},
		TotalFolders:  1,
		TotalFiles:    3,
		VerifierSalt:  []byte("0123456789abcdef"),
		KDFIterations: 100000,
	}
	require.NoError(t, store.SaveVaultManifest(m))

	loaded, err := store.LoadVaultManifest()
	require.NoError(t, err)
	assert.Equal(t, manifestSchema, loaded.Schema)
	assert.Equal(t, "profile-1", loaded.ProfileID)
	assert.Equal(t, "alice", loaded.ProfileName)
	assert.Equal(t, []string{"/home/alice/docs"}, loaded.LockedFolders)
	assert.Equal(t, []byte("0123456789abcdef"), loaded.VerifierSalt)
	assert.Equal(t, 100000, loaded.KDFIterations)
}

func TestLoadVaultManifest_RefusesNewerSchema(t *testing.T) {
	store, layout := testStore(t)

	data, err := json.Marshal(map[string]interface{}{
		"schema":     manifestSchema + 1,
		"profile_id": "profile-1",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.VaultManifestPath(), data, 0o600))

	_, err = store.LoadVaultManifest()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCorruption))
}

func TestLoadVaultManifest_MigratesOlderSchema(t *testing.T) {
	store, layout := testStore(t)

	// Schema 0 predates the version field
	data, err := json.Marshal(map[string]interface{}{
		"profile_id":     "profile-1",
		"locked_folders": []string{},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.VaultManifestPath(), data, 0o600))

	loaded, err := store.LoadVaultManifest()
	require.NoError(t, err)
	assert.Equal(t, manifestSchema, loaded.Schema)
}

func TestLoadVaultManifest_RejectsGarbage(t *testing.T) {
	store, layout := testStore(t)

	require.NoError(t, os.WriteFile(layout.VaultManifestPath(), []byte("{not json"), 0o600))

	_, err := store.LoadVaultManifest()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCorruption))
}

func TestFolderManifestRoundTripAndDelete(t *testing.T) {
	store, _ := testStore(t)

	token := Token("/home/alice/docs")
	m := &FolderManifest{
		OriginalPath:  "/home/alice/docs",
		VaultToken:    token,
		LockTimestamp: 1700000000000,
		FileCount:     3,
		TotalSize:     4096,
		Preserved:     FolderMetadata{Mode: 0o750, UID: 1000, GID: 1000},
	}
	require.NoError(t, store.SaveFolderManifest(m))

	loaded, err := store.LoadFolderManifest(token)
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/docs", loaded.OriginalPath)
	assert.Equal(t, uint64(3), loaded.FileCount)
	assert.Equal(t, uint32(0o750), loaded.Preserved.Mode)

	require.NoError(t, store.DeleteFolderManifest(token))
	_, err = store.LoadFolderManifest(token)
	assert.Error(t, err)

	// Deleting an absent manifest is not an error
	assert.NoError(t, store.DeleteFolderManifest(token))
}

func TestTempUnlockState_MissingFileIsEmpty(t *testing.T) {
	store, _ := testStore(t)

	st, err := store.LoadTempUnlockState()
	require.NoError(t, err)
	assert.Empty(t, st.Unlocked)
}

func TestTempUnlockState_SaveAndClear(t *testing.T) {
	store, layout := testStore(t)

	st := &TempUnlockState{}
	st.Add("/home/alice/docs")
	st.Add("/home/alice/photos")
	require.NoError(t, store.SaveTempUnlockState(st))

	loaded, err := store.LoadTempUnlockState()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/home/alice/docs", "/home/alice/photos"}, loaded.Unlocked)

	// Emptying the state removes the file entirely
	loaded.Remove("/home/alice/docs")
	loaded.Remove("/home/alice/photos")
	require.NoError(t, store.SaveTempUnlockState(loaded))

	_, err = os.Stat(layout.TempUnlockPath())
	assert.True(t, os.IsNotExist(err))
}

func TestVaultManifest_AddRemoveContains(t *testing.T) {
	m := &VaultManifest{}

	assert.False(t, m.Contains("/a"))
	m.Add("/a", 2)
	m.Add("/b", 3)
	assert.True(t, m.Contains("/a"))
	assert.Equal(t, 2, m.TotalFolders)
	assert.Equal(t, uint64(5), m.TotalFiles)

	// Adding the same path twice does not duplicate
	m.Add("/a", 2)
	assert.Equal(t, 2, m.TotalFolders)

	m.Remove("/a", 2)
	assert.False(t, m.Contains("/a"))
	assert.True(t, m.Contains("/b"))
	assert.Equal(t, 1, m.TotalFolders)
}
