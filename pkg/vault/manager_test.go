package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomvault/phantomd/pkg/crypto"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "vaults"), crypto.MinIterations, nil)
	require.NoError(t, err)
	return m
}

func TestManagerCreateAndListProfiles(t *testing.T) {
	m := newTestManager(t)

	idA, err := m.CreateProfile("personal", testMasterKey())
	require.NoError(t, err)
	idB, err := m.CreateProfile("work", wrongMasterKey())
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	profiles, err := m.ListProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	byID := map[string]ProfileInfo{}
	for _, p := range profiles {
		byID[p.ID] = p
	}
	assert.Equal(t, "personal", byID[idA].Name)
	assert.Equal(t, "work", byID[idB].Name)
	assert.Equal(t, 0, byID[idA].LockedFolders)
	assert.NotZero(t, byID[idA].CreatedAt)
}

func TestManagerProfileIsolation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	idA, err := m.CreateProfile("a", testMasterKey())
	require.NoError(t, err)
	idB, err := m.CreateProfile("b", wrongMasterKey())
	require.NoError(t, err)

	dir := makeTree(t, map[string]string{"secret.txt": "for profile A only"})
	_, err = m.LockFolder(ctx, idA, dir, testMasterKey())
	require.NoError(t, err)

	// Profile B's key opens nothing in profile A
	_, err = m.UnlockFolder(ctx, idA, dir, wrongMasterKey(), UnlockPermanent)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrAuthFailure))

	// Profile B does not even know the folder
	_, err = m.UnlockFolder(ctx, idB, dir, wrongMasterKey(), UnlockPermanent)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrPrecondition))

	folders, err := m.ListLockedFolders(idA)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, dir, folders[0].OriginalPath)
}

func TestManagerDeleteProfile(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.CreateProfile("doomed", testMasterKey())
	require.NoError(t, err)
	dir := makeTree(t, map[string]string{"a.txt": "alpha"})
	_, err = m.LockFolder(ctx, id, dir, testMasterKey())
	require.NoError(t, err)

	// Wrong key cannot delete
	err = m.DeleteProfile(id, wrongMasterKey())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrAuthFailure))

	require.NoError(t, m.DeleteProfile(id, testMasterKey()))

	// The profile directory is gone, with the locked data in it
	_, err = os.Stat(filepath.Join(m.vaultRoot, id))
	assert.True(t, os.IsNotExist(err))

	profiles, err := m.ListProfiles()
	require.NoError(t, err)
	assert.Empty(t, profiles)

	// Operations on the deleted profile fail the precondition
	_, err = m.ListLockedFolders(id)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrPrecondition))
}

func TestManagerDeleteProfileWaitsForInFlightOperation(t *testing.T) {
	m := newTestManager(t)

	id, err := m.CreateProfile("busy", testMasterKey())
	require.NoError(t, err)

	// Hold the profile mutex the way a running lock or unlock would
	v, err := m.profile(id)
	require.NoError(t, err)
	v.mu.Lock()

	done := make(chan error, 1)
	go func() {
		done <- m.DeleteProfile(id, testMasterKey())
	}()

	// The erase must not start while an operation is in flight
	select {
	case err := <-done:
		t.Fatalf("DeleteProfile finished during an in-flight operation: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	_, err = os.Stat(v.layout.Root())
	assert.NoError(t, err)

	v.mu.Unlock()
	require.NoError(t, <-done)
	_, err = os.Stat(v.layout.Root())
	assert.True(t, os.IsNotExist(err))
}

func TestManagerRelockAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	idA, err := m.CreateProfile("a", testMasterKey())
	require.NoError(t, err)
	idB, err := m.CreateProfile("b", testMasterKey())
	require.NoError(t, err)

	dirA := makeTree(t, map[string]string{"a.txt": "alpha"})
	dirB := makeTree(t, map[string]string{"b.txt": "beta"})

	_, err = m.LockFolder(ctx, idA, dirA, testMasterKey())
	require.NoError(t, err)
	_, err = m.LockFolder(ctx, idB, dirB, testMasterKey())
	require.NoError(t, err)

	_, err = m.UnlockFolder(ctx, idA, dirA, testMasterKey(), UnlockTemporary)
	require.NoError(t, err)
	_, err = m.UnlockFolder(ctx, idB, dirB, testMasterKey(), UnlockTemporary)
	require.NoError(t, err)

	total, err := m.RelockAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, err = os.Stat(dirA)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dirB)
	assert.True(t, os.IsNotExist(err))

	// Idempotent: a second sweep finds nothing
	total, err = m.RelockAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestManagerRelockAllSurvivesRestart(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vaults")
	m, err := NewManager(root, crypto.MinIterations, nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := m.CreateProfile("a", testMasterKey())
	require.NoError(t, err)
	dir := makeTree(t, map[string]string{"a.txt": "alpha"})
	_, err = m.LockFolder(ctx, id, dir, testMasterKey())
	require.NoError(t, err)
	_, err = m.UnlockFolder(ctx, id, dir, testMasterKey(), UnlockTemporary)
	require.NoError(t, err)

	// A fresh manager over the same root sees the persisted temp state
	fresh, err := NewManager(root, crypto.MinIterations, nil)
	require.NoError(t, err)
	total, err := fresh.RelockAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestManagerValidateIntegrity(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.CreateProfile("a", testMasterKey())
	require.NoError(t, err)
	dir := makeTree(t, map[string]string{"a.txt": "alpha"})
	result, err := m.LockFolder(ctx, id, dir, testMasterKey())
	require.NoError(t, err)

	report, err := m.ValidateIntegrity(id)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, id, report.ProfileID)

	layout := NewLayout(m.vaultRoot, id)
	require.NoError(t, os.RemoveAll(layout.FolderPath(result.VaultToken)))

	report, err = m.ValidateIntegrity(id)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, []string{dir}, report.Corrupted)
}

func TestManagerMaintenanceCleansCorruption(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.CreateProfile("a", testMasterKey())
	require.NoError(t, err)
	dir := makeTree(t, map[string]string{"a.txt": "alpha"})
	result, err := m.LockFolder(ctx, id, dir, testMasterKey())
	require.NoError(t, err)

	layout := NewLayout(m.vaultRoot, id)
	require.NoError(t, os.RemoveAll(layout.FolderPath(result.VaultToken)))

	require.NoError(t, m.Maintenance(ctx))

	report, err := m.ValidateIntegrity(id)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	folders, err := m.ListLockedFolders(id)
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestManagerTotalSize(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateProfile("a", testMasterKey())
	require.NoError(t, err)

	before, err := m.TotalSize()
	require.NoError(t, err)
	assert.Greater(t, before, uint64(0))

	id, err := m.CreateProfile("b", testMasterKey())
	require.NoError(t, err)
	dir := makeTree(t, map[string]string{"big.txt": "plenty of bytes to count here"})
	_, err = m.LockFolder(ctx, id, dir, testMasterKey())
	require.NoError(t, err)

	after, err := m.TotalSize()
	require.NoError(t, err)
	assert.Greater(t, after, before)
}
