package vault

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/phantomvault/phantomd/internal/eraser"
	"github.com/phantomvault/phantomd/internal/logger"
	"github.com/phantomvault/phantomd/pkg/crypto"
)

// ProfileInfo is the public description of a profile.
type ProfileInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	LockedFolders int    `json:"locked_folders"`
	CreatedAt     int64  `json:"created_at"`
}

// IntegrityReport is the result of a per-profile integrity scan.
type IntegrityReport struct {
	ProfileID string   `json:"profile_id"`
	Valid     bool     `json:"valid"`
	Corrupted []string `json:"corrupted,omitempty"`
}

// Manager coordinates every profile vault under one vault root.
//
// It owns the lifecycle of ProfileVault instances (lazily opened, cached),
// fans relock sweeps out across profiles, and runs maintenance. The manager
// is an explicit value constructed at daemon start and passed by reference;
// there are no process-wide globals.
//
// Safe for concurrent use: the manager mutex guards the vault cache, and
// each ProfileVault serialises its own state transitions. An operation on
// profile A never blocks an operation on profile B.
type Manager struct {
	vaultRoot  string
	iterations int
	eraser     *eraser.Eraser

	mu     sync.Mutex
	vaults map[string]*ProfileVault
}

// NewManager creates a Manager rooted at vaultRoot, creating and hardening
// the root directory if needed.
func NewManager(vaultRoot string, iterations int, e *eraser.Eraser) (*Manager, error) {
	if err := os.MkdirAll(vaultRoot, dirPerm); err != nil {
		return nil, pathError(ErrIO, "failed to create vault root", vaultRoot, err)
	}
	if err := os.Chmod(vaultRoot, dirPerm); err != nil {
		return nil, pathError(ErrIO, "failed to harden vault root", vaultRoot, err)
	}
	return &Manager{
		vaultRoot:  vaultRoot,
		iterations: iterations,
		eraser:     orDefaultEraser(e),
		vaults:     make(map[string]*ProfileVault),
	}, nil
}

// CreateProfile allocates a new profile with a fresh id, creates its vault
// and stores the master-key verifier. Returns the profile id.
func (m *Manager) CreateProfile(name string, masterKey *crypto.SecureBytes) (string, error) {
	profileID := uuid.NewString()

	v, err := CreateProfileVault(m.vaultRoot, profileID, masterKey, m.iterations, m.eraser)
	if err != nil {
		return "", err
	}

	if name != "" {
		v.mu.Lock()
		v.manifest.ProfileName = name
		err = v.store.SaveVaultManifest(v.manifest)
		v.mu.Unlock()
		if err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	m.vaults[profileID] = v
	m.mu.Unlock()

	return profileID, nil
}

// profile returns the cached ProfileVault for id, opening it on first use.
func (m *Manager) profile(profileID string) (*ProfileVault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.vaults[profileID]; ok {
		return v, nil
	}
	v, err := OpenProfileVault(m.vaultRoot, profileID, m.eraser)
	if err != nil {
		return nil, err
	}
	m.vaults[profileID] = v
	return v, nil
}

// ListProfiles enumerates every profile directory under the vault root.
func (m *Manager) ListProfiles() ([]ProfileInfo, error) {
	entries, err := os.ReadDir(m.vaultRoot)
	if err != nil {
		return nil, pathError(ErrIO, "failed to list vault root", m.vaultRoot, err)
	}

	infos := make([]ProfileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := m.profile(entry.Name())
		if err != nil {
			logger.Warn("Skipping unreadable profile %s: %v", entry.Name(), err)
			continue
		}
		manifest := v.Manifest()
		infos = append(infos, ProfileInfo{
			ID:            manifest.ProfileID,
			Name:          manifest.ProfileName,
			LockedFolders: len(manifest.LockedFolders),
			CreatedAt:     manifest.CreatedAt,
		})
	}
	return infos, nil
}

// DeleteProfile re-verifies the master key and then erases the whole
// profile directory through the secure eraser. Everything the profile ever
// stored ceases to exist.
func (m *Manager) DeleteProfile(profileID string, masterKey *crypto.SecureBytes) error {
	v, err := m.profile(profileID)
	if err != nil {
		return err
	}

	// Hold the profile mutex across the erase so an in-flight lock or
	// unlock on this profile finishes before its vault disappears.
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.verifyMasterKeyLocked(masterKey); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.vaults, profileID)
	m.mu.Unlock()

	if err := m.eraser.Delete(v.layout.Root()); err != nil {
		return pathError(ErrIO, "failed to erase profile vault", v.layout.Root(), err)
	}
	logger.Info("Deleted profile %s", profileID)
	return nil
}

// LockFolder drives the lock path for one profile.
func (m *Manager) LockFolder(ctx context.Context, profileID, folderPath string, masterKey *crypto.SecureBytes) (*OperationResult, error) {
	v, err := m.profile(profileID)
	if err != nil {
		return nil, err
	}
	return v.Lock(ctx, folderPath, masterKey)
}

// UnlockFolder drives the unlock path for one profile.
func (m *Manager) UnlockFolder(ctx context.Context, profileID, folderPath string, masterKey *crypto.SecureBytes, mode UnlockMode) (*OperationResult, error) {
	v, err := m.profile(profileID)
	if err != nil {
		return nil, err
	}
	return v.Unlock(ctx, folderPath, masterKey, mode)
}

// ListLockedFolders returns the locked-folder records of one profile.
func (m *Manager) ListLockedFolders(profileID string) ([]*FolderManifest, error) {
	v, err := m.profile(profileID)
	if err != nil {
		return nil, err
	}
	return v.LockedFolders()
}

// RelockProfile relocks the temporarily unlocked folders of one profile.
func (m *Manager) RelockProfile(ctx context.Context, profileID string) (int, error) {
	v, err := m.profile(profileID)
	if err != nil {
		return 0, err
	}
	return v.RelockTemporary(ctx)
}

// RelockAll sweeps every profile and relocks its temporary folders. Run at
// startup (crash recovery) and at shutdown. Returns the total count
// relocked; per-profile failures are logged and do not stop the sweep.
func (m *Manager) RelockAll(ctx context.Context) (int, error) {
	profiles, err := m.ListProfiles()
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for _, info := range profiles {
		n, err := m.RelockProfile(ctx, info.ID)
		total += n
		if err != nil {
			logger.Error("Relock sweep failed for profile %s: %v", info.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

// ValidateIntegrity scans one profile.
func (m *Manager) ValidateIntegrity(profileID string) (*IntegrityReport, error) {
	v, err := m.profile(profileID)
	if err != nil {
		return nil, err
	}
	valid, corrupted, err := v.ValidateIntegrity()
	if err != nil {
		return nil, err
	}
	return &IntegrityReport{ProfileID: profileID, Valid: valid, Corrupted: corrupted}, nil
}

// Maintenance scans every profile and cleans up corrupted entries and
// unreferenced residue. Run at startup after the relock sweep.
func (m *Manager) Maintenance(ctx context.Context) error {
	profiles, err := m.ListProfiles()
	if err != nil {
		return err
	}

	var firstErr error
	for _, info := range profiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := m.profile(info.ID)
		if err != nil {
			continue
		}
		if cleaned, err := v.CleanupCorrupted(); err != nil {
			logger.Error("Maintenance failed for profile %s: %v", info.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		} else if len(cleaned) > 0 {
			logger.Warn("Maintenance removed %d corrupted entries from profile %s", len(cleaned), info.ID)
		}
	}
	return firstErr
}

// TotalSize returns the combined on-disk size of every profile vault.
func (m *Manager) TotalSize() (uint64, error) {
	profiles, err := m.ListProfiles()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, info := range profiles {
		v, err := m.profile(info.ID)
		if err != nil {
			continue
		}
		size, err := v.Size()
		if err != nil {
			continue
		}
		total += size
	}
	return total, nil
}
