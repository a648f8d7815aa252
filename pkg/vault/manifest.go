package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// manifestSchema is the current schema version for every manifest kind.
// Older manifests are migrated in memory and rewritten on the next save; a
// newer version refuses to open.
const manifestSchema = 1

// VaultManifest is the vault-level manifest stored at the vault root.
//
// LockedFolders is the single source of truth for LOCKED membership: a
// folder is locked if and only if its original path appears here, and the
// manifest is only ever mutated through an atomic replace. Residue on disk
// that the manifest does not reference is corruption, cleaned up by the
// integrity scan.
type VaultManifest struct {
	Schema        int      `json:"schema"`
	ProfileID     string   `json:"profile_id"`
	ProfileName   string   `json:"profile_name,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	LastModified  int64    `json:"last_modified"`
	LockedFolders []string `json:"locked_folders"`
	TotalFolders  int      `json:"total_folders"`
	TotalFiles    uint64   `json:"total_files"`

	// Master-key verifier: VerifierSealed is a fixed string encrypted
	// under the derived key with VerifierNonce. VerifierSalt is the
	// per-vault KDF salt. Only derived material is persisted, never the
	// key itself.
	VerifierSalt   []byte `json:"verifier_salt"`
	VerifierNonce  []byte `json:"verifier_nonce"`
	VerifierSealed []byte `json:"verifier_sealed"`

	// KDFIterations pins the iteration count the verifier and every
	// envelope in this vault were derived with.
	KDFIterations int `json:"kdf_iterations"`
}

// Contains reports whether originalPath is listed as locked.
func (m *VaultManifest) Contains(originalPath string) bool {
	clean := filepath.Clean(originalPath)
	for _, p := range m.LockedFolders {
		if p == clean {
			return true
		}
	}
	return false
}

// Add appends originalPath to the locked set and bumps the counters.
// Adding an already-listed path is a no-op.
func (m *VaultManifest) Add(originalPath string, fileCount uint64) {
	clean := filepath.Clean(originalPath)
	if m.Contains(clean) {
		return
	}
	m.LockedFolders = append(m.LockedFolders, clean)
	m.TotalFolders++
	m.TotalFiles += fileCount
	m.LastModified = time.Now().UnixMilli()
}

// Remove drops originalPath from the locked set and adjusts the counters.
func (m *VaultManifest) Remove(originalPath string, fileCount uint64) {
	clean := filepath.Clean(originalPath)
	kept := m.LockedFolders[:0]
	for _, p := range m.LockedFolders {
		if p != clean {
			kept = append(kept, p)
		}
	}
	if len(kept) != len(m.LockedFolders) {
		m.LockedFolders = kept
		m.TotalFolders--
		if m.TotalFiles >= fileCount {
			m.TotalFiles -= fileCount
		} else {
			m.TotalFiles = 0
		}
	}
	m.LastModified = time.Now().UnixMilli()
}

// FolderManifest is the per-folder manifest stored under metadata/.
type FolderManifest struct {
	Schema                int    `json:"schema"`
	OriginalPath          string `json:"original_path"`
	VaultToken            string `json:"vault_token"`
	LockTimestamp         int64  `json:"lock_timestamp"`
	FileCount             uint64 `json:"file_count"`
	TotalSize             uint64 `json:"total_size"`
	IsTemporarilyUnlocked bool   `json:"is_temporarily_unlocked"`

	// Preserved carries the folder-level metadata captured at lock time,
	// reapplied by the handler after restoration.
	Preserved FolderMetadata `json:"preserved"`
}

// TempUnlockState tracks original paths currently restored in temporary
// mode. Persisted so a crash during the temporary window is recoverable: the
// relock sweep reads it at the next start.
type TempUnlockState struct {
	Schema       int      `json:"schema"`
	Unlocked     []string `json:"unlocked"`
	LastUnlockAt int64    `json:"last_unlock_at"`
}

// Contains reports whether originalPath is temporarily unlocked.
func (s *TempUnlockState) Contains(originalPath string) bool {
	clean := filepath.Clean(originalPath)
	for _, p := range s.Unlocked {
		if p == clean {
			return true
		}
	}
	return false
}

// Add records a temporary unlock of originalPath.
func (s *TempUnlockState) Add(originalPath string) {
	clean := filepath.Clean(originalPath)
	if !s.Contains(clean) {
		s.Unlocked = append(s.Unlocked, clean)
	}
	s.LastUnlockAt = time.Now().UnixMilli()
}

// Remove clears a temporary unlock of originalPath.
func (s *TempUnlockState) Remove(originalPath string) {
	clean := filepath.Clean(originalPath)
	kept := s.Unlocked[:0]
	for _, p := range s.Unlocked {
		if p != clean {
			kept = append(kept, p)
		}
	}
	s.Unlocked = kept
}

// ManifestStore reads and writes the JSON manifests of one profile vault.
//
// Every write is an atomic replace: serialise into the vault's temp/
// scratch directory, fsync, then rename onto the live path. Readers
// therefore always observe either the previous or the next manifest, never
// a torn one. Read-modify-write races are the caller's responsibility (the
// profile mutex in ProfileVault).
type ManifestStore struct {
	layout Layout
}

// NewManifestStore returns a store bound to the given vault layout.
func NewManifestStore(layout Layout) *ManifestStore {
	return &ManifestStore{layout: layout}
}

// LoadVaultManifest reads the vault manifest, migrating older schemas in
// memory. A missing file returns os.ErrNotExist wrapped in an IO error; an
// unknown newer schema is a Corruption error.
func (s *ManifestStore) LoadVaultManifest() (*VaultManifest, error) {
	var m VaultManifest
	if err := s.load(s.layout.VaultManifestPath(), &m, &m.Schema); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveVaultManifest writes the vault manifest atomically.
func (s *ManifestStore) SaveVaultManifest(m *VaultManifest) error {
	m.Schema = manifestSchema
	return s.save(s.layout.VaultManifestPath(), m)
}

// LoadFolderManifest reads the folder manifest for a token.
func (s *ManifestStore) LoadFolderManifest(token string) (*FolderManifest, error) {
	var m FolderManifest
	if err := s.load(s.layout.FolderManifestPath(token), &m, &m.Schema); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveFolderManifest writes a folder manifest atomically.
func (s *ManifestStore) SaveFolderManifest(m *FolderManifest) error {
	m.Schema = manifestSchema
	return s.save(s.layout.FolderManifestPath(m.VaultToken), m)
}

// DeleteFolderManifest removes the folder manifest for a token. Missing
// files are not an error.
func (s *ManifestStore) DeleteFolderManifest(token string) error {
	err := os.Remove(s.layout.FolderManifestPath(token))
	if err != nil && !os.IsNotExist(err) {
		return pathError(ErrIO, "failed to remove folder manifest", s.layout.FolderManifestPath(token), err)
	}
	return nil
}

// PendingLock is the breadcrumb written before a lock's plaintext moves into
// backup/. It exists exactly while a lock is in flight; crash recovery uses
// it to roll an interrupted lock back to the original path without the key.
type PendingLock struct {
	Schema       int    `json:"schema"`
	OriginalPath string `json:"original_path"`
	VaultToken   string `json:"vault_token"`
	StartedAt    int64  `json:"started_at"`
}

// SavePendingLock writes the pending-lock breadcrumb for a token atomically.
func (s *ManifestStore) SavePendingLock(token, originalPath string) error {
	return s.save(s.layout.PendingPath(token), &PendingLock{
		Schema:       manifestSchema,
		OriginalPath: filepath.Clean(originalPath),
		VaultToken:   token,
		StartedAt:    time.Now().UnixMilli(),
	})
}

// LoadPendingLock reads the pending-lock breadcrumb for a token.
func (s *ManifestStore) LoadPendingLock(token string) (*PendingLock, error) {
	var p PendingLock
	if err := s.load(s.layout.PendingPath(token), &p, &p.Schema); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePendingLock removes the pending-lock breadcrumb for a token. Missing
// files are not an error.
func (s *ManifestStore) DeletePendingLock(token string) error {
	err := os.Remove(s.layout.PendingPath(token))
	if err != nil && !os.IsNotExist(err) {
		return pathError(ErrIO, "failed to remove pending-lock record", s.layout.PendingPath(token), err)
	}
	return nil
}

// LoadTempUnlockState reads the temporary-unlock manifest. A missing file
// yields an empty state rather than an error; absence simply means nothing
// is temporarily unlocked.
func (s *ManifestStore) LoadTempUnlockState() (*TempUnlockState, error) {
	var st TempUnlockState
	err := s.load(s.layout.TempUnlockPath(), &st, &st.Schema)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &TempUnlockState{Schema: manifestSchema}, nil
		}
		return nil, err
	}
	return &st, nil
}

// SaveTempUnlockState writes the temporary-unlock manifest atomically. An
// empty state removes the file instead.
func (s *ManifestStore) SaveTempUnlockState(st *TempUnlockState) error {
	if len(st.Unlocked) == 0 {
		err := os.Remove(s.layout.TempUnlockPath())
		if err != nil && !os.IsNotExist(err) {
			return pathError(ErrIO, "failed to remove temp unlock state", s.layout.TempUnlockPath(), err)
		}
		return nil
	}
	st.Schema = manifestSchema
	return s.save(s.layout.TempUnlockPath(), st)
}

func (s *ManifestStore) load(path string, out any, schema *int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pathError(ErrIO, "failed to read manifest", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return pathError(ErrCorruption, "manifest is not valid JSON", path, err)
	}
	if *schema > manifestSchema {
		return pathError(ErrCorruption,
			fmt.Sprintf("manifest schema %d is newer than supported %d", *schema, manifestSchema), path, nil)
	}
	if *schema < manifestSchema {
		// Schema 0 predates the version field; nothing else has changed
		// between 0 and 1, so migration is filling in the version. Future
		// bumps add their steps here.
		*schema = manifestSchema
	}
	return nil
}

func (s *ManifestStore) save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return pathError(ErrInternal, "failed to encode manifest", path, err)
	}

	if err := os.MkdirAll(s.layout.TempRoot(), dirPerm); err != nil {
		return pathError(ErrIO, "failed to create temp directory", s.layout.TempRoot(), err)
	}

	tmp, err := os.CreateTemp(s.layout.TempRoot(), filepath.Base(path)+".new-*")
	if err != nil {
		return pathError(ErrIO, "failed to create temp manifest", path, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return pathError(ErrIO, "failed to write manifest", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return pathError(ErrIO, "failed to sync manifest", tmpName, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		cleanup()
		return pathError(ErrIO, "failed to harden manifest permissions", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return pathError(ErrIO, "failed to close manifest", tmpName, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		os.Remove(tmpName)
		return pathError(ErrIO, "failed to create manifest directory", filepath.Dir(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return pathError(ErrIO, "failed to replace manifest", path, err)
	}
	return nil
}

func timeFromUnixNano(n int64) time.Time {
	return time.Unix(0, n)
}
