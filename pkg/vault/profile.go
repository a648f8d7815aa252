package vault

import (
	"context"
	"crypto/subtle"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/phantomvault/phantomd/internal/eraser"
	"github.com/phantomvault/phantomd/internal/logger"
	"github.com/phantomvault/phantomd/pkg/crypto"
)

// UnlockMode selects between the two restoration modes.
type UnlockMode int

const (
	// UnlockPermanent restores the folder and erases the vault copy.
	UnlockPermanent UnlockMode = iota

	// UnlockTemporary restores the folder while the vault copy stays
	// authoritative; a later relock removes the plaintext again.
	UnlockTemporary
)

// String returns the wire name of the mode.
func (m UnlockMode) String() string {
	if m == UnlockTemporary {
		return "temporary"
	}
	return "permanent"
}

// verifierPlaintext is the fixed string sealed under the derived key at
// vault creation. Decrypting it back proves the master key.
const verifierPlaintext = "phantomd-master-key-verifier-v1"

// OperationResult summarises a lock or unlock.
type OperationResult struct {
	OriginalPath string
	VaultToken   string
	FileCount    uint64
	TotalSize    uint64
	Mode         string
}

// ProfileVault owns one profile's vault: its layout, manifests and the
// lock/unlock state machine.
//
// Observable states of an original path are ABSENT (on disk, not in the
// vault), LOCKED (in the vault, not on disk) and TEMP_UNLOCKED (on disk with
// the vault copy still authoritative). The vault manifest is the single
// linearisation point: a path is LOCKED exactly when the durably-written
// manifest lists it. Everything else on disk is residue that the integrity
// scan reconciles.
//
// All state transitions serialise through the profile mutex. Operations on
// different profiles never contend.
type ProfileVault struct {
	profileID string
	layout    Layout
	store     *ManifestStore
	handler   *Handler
	eraser    *eraser.Eraser

	mu         sync.Mutex
	manifest   *VaultManifest
	tempState  *TempUnlockState
	iterations int
}

// CreateProfileVault initialises a brand-new vault under
// vaultRoot/profileID, hardens its directories and writes the initial
// manifest including the master-key verifier. The master key itself is
// never persisted.
func CreateProfileVault(vaultRoot, profileID string, masterKey *crypto.SecureBytes, iterations int, e *eraser.Eraser) (*ProfileVault, error) {
	if masterKey.Len() == 0 {
		return nil, newError(ErrPrecondition, "master key cannot be empty")
	}
	if iterations <= 0 {
		iterations = crypto.DefaultIterations
	}

	layout := NewLayout(vaultRoot, profileID)
	if layout.Exists() {
		return nil, pathError(ErrPrecondition, "profile vault already exists", layout.Root(), nil)
	}
	if err := layout.Create(); err != nil {
		return nil, err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, newError(ErrInternal, "failed to generate verifier salt")
	}
	key, err := crypto.DeriveKey(masterKey.Bytes(), salt, iterations)
	if err != nil {
		return nil, pathError(ErrPrecondition, "failed to derive key", "", err)
	}
	derived := crypto.NewSecureBytes(key)
	defer derived.Wipe()

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, newError(ErrInternal, "failed to generate verifier nonce")
	}
	sealed, err := crypto.Encrypt(derived.Bytes(), nonce, []byte(verifierPlaintext), []byte(profileID))
	if err != nil {
		return nil, newError(ErrInternal, "failed to seal verifier")
	}

	now := time.Now().UnixMilli()
	manifest := &VaultManifest{
		Schema:         manifestSchema,
		ProfileID:      profileID,
		CreatedAt:      now,
		LastModified:   now,
		LockedFolders:  []string{},
		VerifierSalt:   salt,
		VerifierNonce:  nonce,
		VerifierSealed: sealed,
		KDFIterations:  iterations,
	}

	store := NewManifestStore(layout)
	if err := store.SaveVaultManifest(manifest); err != nil {
		return nil, err
	}

	logger.Info("Created vault for profile %s", profileID)

	return &ProfileVault{
		profileID:  profileID,
		layout:     layout,
		store:      store,
		handler:    NewHandler(layout, e),
		eraser:     orDefaultEraser(e),
		manifest:   manifest,
		tempState:  &TempUnlockState{Schema: manifestSchema},
		iterations: iterations,
	}, nil
}

// OpenProfileVault loads an existing vault and its manifests.
func OpenProfileVault(vaultRoot, profileID string, e *eraser.Eraser) (*ProfileVault, error) {
	layout := NewLayout(vaultRoot, profileID)
	if !layout.Exists() {
		return nil, pathError(ErrPrecondition, "profile vault does not exist", layout.Root(), nil)
	}

	store := NewManifestStore(layout)
	manifest, err := store.LoadVaultManifest()
	if err != nil {
		return nil, err
	}
	if manifest.ProfileID != profileID {
		return nil, pathError(ErrCorruption, "vault manifest profile id mismatch", layout.VaultManifestPath(), nil)
	}
	tempState, err := store.LoadTempUnlockState()
	if err != nil {
		return nil, err
	}

	iterations := manifest.KDFIterations
	if iterations <= 0 {
		iterations = crypto.DefaultIterations
	}

	return &ProfileVault{
		profileID:  profileID,
		layout:     layout,
		store:      store,
		handler:    NewHandler(layout, e),
		eraser:     orDefaultEraser(e),
		manifest:   manifest,
		tempState:  tempState,
		iterations: iterations,
	}, nil
}

func orDefaultEraser(e *eraser.Eraser) *eraser.Eraser {
	if e == nil {
		return eraser.New(0, 0)
	}
	return e
}

// ProfileID returns the owning profile's identifier.
func (v *ProfileVault) ProfileID() string { return v.profileID }

// VerifyMasterKey checks the supplied master key against the stored
// verifier: it derives the key, decrypts the sealed verifier and compares.
// Returns an AuthFailure error on mismatch.
func (v *ProfileVault) VerifyMasterKey(masterKey *crypto.SecureBytes) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verifyMasterKeyLocked(masterKey)
}

func (v *ProfileVault) verifyMasterKeyLocked(masterKey *crypto.SecureBytes) error {
	derived, err := v.deriveKeyLocked(masterKey)
	if err != nil {
		return err
	}
	defer derived.Wipe()

	plain, err := crypto.Decrypt(derived.Bytes(), v.manifest.VerifierNonce, v.manifest.VerifierSealed, []byte(v.profileID))
	if err != nil {
		return newError(ErrAuthFailure, "master key verification failed")
	}
	if subtle.ConstantTimeCompare(plain, []byte(verifierPlaintext)) != 1 {
		return newError(ErrAuthFailure, "master key verification failed")
	}
	return nil
}

func (v *ProfileVault) deriveKeyLocked(masterKey *crypto.SecureBytes) (*crypto.SecureBytes, error) {
	if masterKey.Len() == 0 {
		return nil, newError(ErrPrecondition, "master key cannot be empty")
	}
	key, err := crypto.DeriveKey(masterKey.Bytes(), v.manifest.VerifierSalt, v.iterations)
	if err != nil {
		return nil, pathError(ErrInternal, "key derivation failed", "", err)
	}
	return crypto.NewSecureBytes(key), nil
}

// Lock encrypts folderPath into the vault and removes the original.
//
// Sequence: hide the plaintext tree into the vault-adjacent backup, encrypt
// every regular file into folders/<token>, write the folder manifest, then
// atomically add the path to the vault manifest (the linearisation point),
// and finally retire the backup through the secure eraser. Any failure
// before the manifest commit rolls everything back to a fully-plaintext
// world; rollback is idempotent and never needs the master key.
func (v *ProfileVault) Lock(ctx context.Context, folderPath string, masterKey *crypto.SecureBytes) (*OperationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	folderPath = filepath.Clean(folderPath)
	if !filepath.IsAbs(folderPath) {
		return nil, pathError(ErrPrecondition, "folder path must be absolute", folderPath, nil)
	}

	info, err := os.Stat(folderPath)
	if os.IsNotExist(err) {
		return nil, pathError(ErrPrecondition, "folder does not exist", folderPath, nil)
	}
	if err != nil {
		return nil, pathError(ErrIO, "failed to stat folder", folderPath, err)
	}
	if !info.IsDir() {
		return nil, pathError(ErrPrecondition, "path is not a directory", folderPath, nil)
	}
	if v.manifest.Contains(folderPath) {
		return nil, pathError(ErrPrecondition, "folder is already locked", folderPath, nil)
	}
	if v.tempState.Contains(folderPath) {
		return nil, pathError(ErrPrecondition, "folder is temporarily unlocked; relock it first", folderPath, nil)
	}
	if err := v.verifyMasterKeyLocked(masterKey); err != nil {
		return nil, err
	}

	derived, err := v.deriveKeyLocked(masterKey)
	if err != nil {
		return nil, err
	}
	defer derived.Wipe()

	token := Token(folderPath)

	// Durable breadcrumb before the plaintext moves: if the process dies
	// anywhere inside the critical section, the recovery pass can map the
	// backup tree back to its original path without the key.
	if err := v.store.SavePendingLock(token, folderPath); err != nil {
		return nil, err
	}

	hiding, err := v.handler.Hide(folderPath, token)
	if err != nil {
		if delErr := v.store.DeletePendingLock(token); delErr != nil {
			logger.Warn("Failed to drop pending-lock record for %s: %v", folderPath, delErr)
		}
		return nil, err
	}

	// From here on every failure rolls back to ABSENT.
	fail := func(cause error) (*OperationResult, error) {
		v.rollbackLockLocked(token, folderPath)
		return nil, cause
	}

	fileCount, totalSize, err := v.encryptTree(ctx, hiding.BackupLocation, token, derived.Bytes())
	if err != nil {
		return fail(err)
	}

	folderManifest := &FolderManifest{
		Schema:                manifestSchema,
		OriginalPath:          folderPath,
		VaultToken:            token,
		LockTimestamp:         time.Now().UnixMilli(),
		FileCount:             fileCount,
		TotalSize:             totalSize,
		Preserved:             hiding.Preserved,
		IsTemporarilyUnlocked: false,
	}
	if err := v.store.SaveFolderManifest(folderManifest); err != nil {
		return fail(err)
	}

	v.manifest.Add(folderPath, fileCount)
	if err := v.store.SaveVaultManifest(v.manifest); err != nil {
		v.manifest.Remove(folderPath, fileCount)
		return fail(err)
	}

	// LOCKED is now durable; the plaintext backup can be retired. A
	// failure here leaves a consistent vault plus plaintext residue in
	// backup/, which the next maintenance pass erases.
	if err := v.handler.RetireBackup(token); err != nil {
		logger.Warn("Failed to retire plaintext backup for %s: %v", folderPath, err)
	}
	if err := v.store.DeletePendingLock(token); err != nil {
		logger.Warn("Failed to drop pending-lock record for %s: %v", folderPath, err)
	}

	logger.Info("Locked folder %s (%d files) for profile %s", folderPath, fileCount, v.profileID)

	return &OperationResult{
		OriginalPath: folderPath,
		VaultToken:   token,
		FileCount:    fileCount,
		TotalSize:    totalSize,
		Mode:         "lock",
	}, nil
}

// rollbackLockLocked undoes a partial lock: erase partial ciphertext and
// the folder manifest, then move the backup tree back to the original
// location. Safe to run repeatedly and requires no key material.
func (v *ProfileVault) rollbackLockLocked(token, folderPath string) {
	if err := v.eraser.Delete(v.layout.FolderPath(token)); err != nil {
		logger.Error("Rollback: failed to erase partial ciphertext for %s: %v", folderPath, err)
	}
	if err := v.store.DeleteFolderManifest(token); err != nil {
		logger.Error("Rollback: failed to remove folder manifest for %s: %v", folderPath, err)
	}
	if v.manifest.Contains(folderPath) {
		v.manifest.Remove(folderPath, 0)
		if err := v.store.SaveVaultManifest(v.manifest); err != nil {
			logger.Error("Rollback: failed to revert vault manifest for %s: %v", folderPath, err)
		}
	}
	if err := v.handler.Unhide(token, folderPath); err != nil {
		logger.Error("Rollback: failed to restore original folder %s: %v", folderPath, err)
		return
	}
	if err := v.store.DeletePendingLock(token); err != nil {
		logger.Warn("Rollback: failed to drop pending-lock record for %s: %v", folderPath, err)
	}
}

// encryptTree walks the plaintext tree at src and encrypts every regular
// file into folders/<token>, mirroring the directory structure. Honour
// cancellation between files, never inside one.
func (v *ProfileVault) encryptTree(ctx context.Context, src, token string, key []byte) (uint64, uint64, error) {
	var fileCount, totalSize uint64

	// The tree root must exist even for an empty folder, so the manifest
	// entry always has a ciphertext tree to validate against.
	if err := os.MkdirAll(v.layout.FolderPath(token), dirPerm); err != nil {
		return 0, 0, pathError(ErrIO, "failed to create ciphertext tree", v.layout.FolderPath(token), err)
	}

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return pathError(ErrIO, "failed to walk source tree", path, err)
		}
		if err := ctx.Err(); err != nil {
			return pathError(ErrIO, "lock cancelled", path, err)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return pathError(ErrInternal, "failed to compute relative path", path, err)
		}
		if rel == "." {
			return nil
		}

		switch {
		case info.IsDir():
			// Mirror directories so empty ones survive the round trip.
			if err := os.MkdirAll(filepath.Join(v.layout.FolderPath(token), rel), dirPerm); err != nil {
				return pathError(ErrIO, "failed to mirror directory", rel, err)
			}
		case info.Mode().IsRegular():
			dst := v.layout.EnvelopePath(token, rel)
			if err := EncryptFile(path, dst, rel, key); err != nil {
				return err
			}
			fileCount++
			totalSize += uint64(info.Size())
		default:
			// Symlinks and special files are skipped; the vault stores
			// regular file content only.
			logger.Debug("Skipping non-regular file %s", path)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return fileCount, totalSize, nil
}

// Unlock restores folderPath from the vault in the given mode.
//
// Permanent mode removes the path from the vault manifest and securely
// erases the vault copy. Temporary mode records the path in the
// temp-unlock manifest and leaves the ciphertext authoritative.
func (v *ProfileVault) Unlock(ctx context.Context, folderPath string, masterKey *crypto.SecureBytes, mode UnlockMode) (*OperationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	folderPath = filepath.Clean(folderPath)
	if !filepath.IsAbs(folderPath) {
		return nil, pathError(ErrPrecondition, "folder path must be absolute", folderPath, nil)
	}

	if !v.manifest.Contains(folderPath) {
		return nil, pathError(ErrPrecondition, "folder is not locked", folderPath, nil)
	}
	if v.tempState.Contains(folderPath) {
		return nil, pathError(ErrPrecondition, "folder is already temporarily unlocked", folderPath, nil)
	}
	// A locked folder's original path is ABSENT. Anything sitting there now
	// is unrelated data; refusing protects it from the failure-path erase.
	if _, err := os.Lstat(folderPath); err == nil {
		return nil, pathError(ErrPrecondition, "a file or folder already exists at the original path; move it aside first", folderPath, nil)
	}
	if err := v.verifyMasterKeyLocked(masterKey); err != nil {
		return nil, err
	}

	derived, err := v.deriveKeyLocked(masterKey)
	if err != nil {
		return nil, err
	}
	defer derived.Wipe()

	token := Token(folderPath)
	folderManifest, err := v.store.LoadFolderManifest(token)
	if err != nil {
		return nil, err
	}

	fileCount, err := v.decryptTree(ctx, token, folderPath, derived.Bytes())
	if err != nil {
		// The vault copy is intact; removing the partial plaintext
		// returns us to LOCKED.
		if rmErr := v.eraser.Delete(folderPath); rmErr != nil {
			logger.Error("Failed to remove partial plaintext at %s: %v", folderPath, rmErr)
		}
		return nil, err
	}

	if _, err := v.handler.Restore(token, folderPath, folderManifest.Preserved); err != nil {
		if rmErr := v.eraser.Delete(folderPath); rmErr != nil {
			logger.Error("Failed to remove partial plaintext at %s: %v", folderPath, rmErr)
		}
		return nil, err
	}

	switch mode {
	case UnlockTemporary:
		v.tempState.Add(folderPath)
		if err := v.store.SaveTempUnlockState(v.tempState); err != nil {
			v.tempState.Remove(folderPath)
			if rmErr := v.eraser.Delete(folderPath); rmErr != nil {
				logger.Error("Failed to remove plaintext after temp state failure: %v", rmErr)
			}
			return nil, err
		}
		folderManifest.IsTemporarilyUnlocked = true
		if err := v.store.SaveFolderManifest(folderManifest); err != nil {
			logger.Warn("Failed to flag folder manifest as temporarily unlocked: %v", err)
		}

	case UnlockPermanent:
		v.manifest.Remove(folderPath, folderManifest.FileCount)
		if err := v.store.SaveVaultManifest(v.manifest); err != nil {
			// The restored tree exists and the manifest still lists the
			// path; the integrity scan reconciles on next start. Surface
			// the error rather than pretending the commit happened.
			v.manifest.Add(folderPath, folderManifest.FileCount)
			return nil, err
		}
		if err := v.handler.SecureDeleteFromVault(token); err != nil {
			// LOCKED membership is already gone; lingering ciphertext is
			// cleaned by maintenance.
			logger.Warn("Failed to erase vault copy for %s: %v", folderPath, err)
		}
	}

	logger.Info("Unlocked folder %s (%s) for profile %s", folderPath, mode, v.profileID)

	return &OperationResult{
		OriginalPath: folderPath,
		VaultToken:   token,
		FileCount:    fileCount,
		TotalSize:    folderManifest.TotalSize,
		Mode:         mode.String(),
	}, nil
}

// decryptTree walks the ciphertext tree for token and decrypts every
// envelope into dst, mirroring directories.
func (v *ProfileVault) decryptTree(ctx context.Context, token, dst string, key []byte) (uint64, error) {
	src := v.layout.FolderPath(token)
	if _, err := os.Stat(src); err != nil {
		return 0, pathError(ErrCorruption, "ciphertext tree is missing", src, err)
	}

	var fileCount uint64
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return pathError(ErrIO, "failed to walk vault tree", path, err)
		}
		if err := ctx.Err(); err != nil {
			return pathError(ErrIO, "unlock cancelled", path, err)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return pathError(ErrInternal, "failed to compute relative path", path, err)
		}
		if rel == "." {
			return nil
		}

		switch {
		case info.IsDir():
			if err := os.MkdirAll(filepath.Join(dst, rel), dirPerm); err != nil {
				return pathError(ErrIO, "failed to recreate directory", rel, err)
			}
		case info.Mode().IsRegular() && strings.HasSuffix(path, EnvelopeExt):
			relPlain := strings.TrimSuffix(rel, EnvelopeExt)
			out := filepath.Join(dst, relPlain)
			if err := DecryptFile(path, out, relPlain, key); err != nil {
				return err
			}
			fileCount++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return fileCount, nil
}

// RelockTemporary removes the plaintext of every temporarily unlocked
// folder and clears the temp-unlock state. The ciphertext in the vault is
// still authoritative, so no re-encryption and no master key is needed.
// Returns the number of folders relocked.
func (v *ProfileVault) RelockTemporary(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	relocked := 0
	var failed []string
	for _, folderPath := range append([]string(nil), v.tempState.Unlocked...) {
		if err := ctx.Err(); err != nil {
			return relocked, pathError(ErrIO, "relock cancelled", "", err)
		}

		if _, err := os.Lstat(folderPath); err == nil {
			if err := v.eraser.Delete(folderPath); err != nil {
				logger.Error("Relock: failed to remove plaintext at %s: %v", folderPath, err)
				failed = append(failed, folderPath)
				continue
			}
		}

		v.tempState.Remove(folderPath)
		token := Token(folderPath)
		if fm, err := v.store.LoadFolderManifest(token); err == nil {
			fm.IsTemporarilyUnlocked = false
			if err := v.store.SaveFolderManifest(fm); err != nil {
				logger.Warn("Relock: failed to clear temp flag for %s: %v", folderPath, err)
			}
		}
		relocked++
	}

	if err := v.store.SaveTempUnlockState(v.tempState); err != nil {
		return relocked, err
	}
	if len(failed) > 0 {
		return relocked, pathError(ErrIO, "failed to relock some folders", strings.Join(failed, ", "), nil)
	}

	if relocked > 0 {
		logger.Info("Relocked %d temporary folder(s) for profile %s", relocked, v.profileID)
	}
	return relocked, nil
}

// LockedFolders returns the folder manifests of every locked folder.
func (v *ProfileVault) LockedFolders() ([]*FolderManifest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	folders := make([]*FolderManifest, 0, len(v.manifest.LockedFolders))
	for _, folderPath := range v.manifest.LockedFolders {
		fm, err := v.store.LoadFolderManifest(Token(folderPath))
		if err != nil {
			return nil, err
		}
		folders = append(folders, fm)
	}
	return folders, nil
}

// TemporarilyUnlocked returns the original paths currently in temporary
// unlock.
func (v *ProfileVault) TemporarilyUnlocked() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.tempState.Unlocked...)
}

// ValidateIntegrity checks that every manifest entry has its folder
// manifest, its ciphertext tree, and a matching envelope count. It returns
// whether the vault is sound plus the list of corrupted original paths.
func (v *ProfileVault) ValidateIntegrity() (bool, []string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.validateIntegrityLocked()
}

func (v *ProfileVault) validateIntegrityLocked() (bool, []string, error) {
	var corrupted []string
	for _, folderPath := range v.manifest.LockedFolders {
		token := Token(folderPath)
		if !v.folderIntact(token) {
			corrupted = append(corrupted, folderPath)
		}
	}
	return len(corrupted) == 0, corrupted, nil
}

func (v *ProfileVault) folderIntact(token string) bool {
	fm, err := v.store.LoadFolderManifest(token)
	if err != nil {
		return false
	}
	treePath := v.layout.FolderPath(token)
	if info, err := os.Stat(treePath); err != nil || !info.IsDir() {
		return false
	}
	count, err := countEnvelopes(treePath)
	if err != nil {
		return false
	}
	return count == fm.FileCount
}

// CleanupCorrupted removes every corrupted vault entry, rolls interrupted
// lock attempts back to plaintext, and erases residue the manifest does not
// reference (unknown ciphertext trees and folder manifests). Returns the
// original paths it dropped from the manifest.
func (v *ProfileVault) CleanupCorrupted() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, corrupted, err := v.validateIntegrityLocked()
	if err != nil {
		return nil, err
	}

	for _, folderPath := range corrupted {
		token := Token(folderPath)
		if err := v.handler.SecureDeleteFromVault(token); err != nil {
			logger.Error("Cleanup: failed to erase entry for %s: %v", folderPath, err)
		}
		v.manifest.Remove(folderPath, 0)
		logger.Warn("Cleaned up corrupted vault entry: %s", folderPath)
	}
	if len(corrupted) > 0 {
		if err := v.store.SaveVaultManifest(v.manifest); err != nil {
			return corrupted, err
		}
	}

	lockedTokens := make(map[string]bool, len(v.manifest.LockedFolders))
	for _, folderPath := range v.manifest.LockedFolders {
		lockedTokens[Token(folderPath)] = true
	}
	tempTokens := make(map[string]bool, len(v.tempState.Unlocked))
	for _, folderPath := range v.tempState.Unlocked {
		tempTokens[Token(folderPath)] = true
	}

	// Backups first: an uncommitted backup is the only plaintext copy of
	// its folder and must be rolled forward, never erased.
	v.recoverInterruptedLocks(lockedTokens, tempTokens)

	// Residue pass: ciphertext trees and folder manifests whose token the
	// manifest does not know are ABSENT by definition and get erased.
	known := make(map[string]bool, len(lockedTokens)+len(tempTokens))
	for token := range lockedTokens {
		known[token] = true
	}
	for token := range tempTokens {
		known[token] = true
	}
	v.eraseStrays(v.layout.FoldersRoot(), known, "")
	v.eraseStrays(v.layout.MetadataRoot(), known, ".json")

	return corrupted, nil
}

// recoverInterruptedLocks reconciles the backup/ subtree after a crash.
//
// A backup whose token the vault manifest lists is residue of a committed
// lock whose retirement was interrupted; it is erased. A backup with an
// unknown token is an uncommitted lock: the plaintext moves back to its
// original path (recorded in the pending-lock breadcrumb, or in the folder
// manifest when the crash came later) and the partial ciphertext is erased.
// A backup whose origin cannot be determined is left in place; plaintext is
// never destroyed on a guess. Backups of temporarily unlocked folders are
// untouched.
func (v *ProfileVault) recoverInterruptedLocks(lockedTokens, tempTokens map[string]bool) {
	entries, err := os.ReadDir(v.layout.BackupRoot())
	if err == nil {
		for _, entry := range entries {
			token := entry.Name()
			switch {
			case lockedTokens[token]:
				if err := v.handler.RetireBackup(token); err != nil {
					logger.Error("Cleanup: failed to retire backup %s: %v", token, err)
				}
			case tempTokens[token]:
				// Legitimate while the temporary window is open.
			default:
				originalPath, ok := v.interruptedLockOrigin(token)
				if !ok {
					logger.Warn("Cleanup: backup %s has no recoverable origin, leaving it in place", token)
					continue
				}
				v.rollbackLockLocked(token, originalPath)
				logger.Warn("Cleanup: rolled interrupted lock of %s back to plaintext", originalPath)
			}
		}
	}

	// Pending records with no backup are stale bookkeeping from either side
	// of the critical section; the plaintext is already where it belongs.
	pending, err := os.ReadDir(v.layout.PendingRoot())
	if err != nil {
		return
	}
	for _, entry := range pending {
		token := strings.TrimSuffix(entry.Name(), ".json")
		if _, err := os.Lstat(v.layout.BackupPath(token)); os.IsNotExist(err) {
			if err := v.store.DeletePendingLock(token); err != nil {
				logger.Warn("Cleanup: failed to drop stale pending-lock record %s: %v", token, err)
			}
		}
	}
}

// interruptedLockOrigin resolves the original path of an uncommitted lock.
func (v *ProfileVault) interruptedLockOrigin(token string) (string, bool) {
	if p, err := v.store.LoadPendingLock(token); err == nil && p.OriginalPath != "" {
		return p.OriginalPath, true
	}
	if fm, err := v.store.LoadFolderManifest(token); err == nil && fm.OriginalPath != "" {
		return fm.OriginalPath, true
	}
	return "", false
}

// eraseStrays removes direct children of dir whose name (less suffix) is
// not in known.
func (v *ProfileVault) eraseStrays(dir string, known map[string]bool, suffix string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		token := strings.TrimSuffix(entry.Name(), suffix)
		if known[token] {
			continue
		}
		stray := filepath.Join(dir, entry.Name())
		if err := v.eraser.Delete(stray); err != nil {
			logger.Error("Cleanup: failed to erase stray %s: %v", stray, err)
		} else {
			logger.Warn("Cleanup: erased stray vault residue %s", stray)
		}
	}
}

// Size returns the vault's on-disk footprint in bytes.
func (v *ProfileVault) Size() (uint64, error) {
	return v.layout.DiskUsage()
}

// Manifest returns a copy of the current vault manifest.
func (v *ProfileVault) Manifest() VaultManifest {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := *v.manifest
	m.LockedFolders = append([]string(nil), v.manifest.LockedFolders...)
	return m
}
