package vault

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/phantomvault/phantomd/pkg/crypto"
)

// On-disk layout of a profile vault:
//
//	<vault_root>/<profile_id>/
//	  vault_metadata            vault manifest
//	  temp_unlock               temporary-unlock state (may be absent)
//	  folders/<token>/          ciphertext trees, one per locked folder
//	  metadata/<token>.json     folder manifests
//	  temp/                     scratch for atomic writes
//	  backup/                   plaintext backups held during lock critical sections
//	  pending/<token>.json      breadcrumbs mapping in-flight backups to their original paths
//
// Every directory and file is owner-only. The token is a deterministic
// function of the absolute original path, so the same folder always maps to
// the same vault location and two different folders never collide.
const (
	foldersDir  = "folders"
	metadataDir = "metadata"
	tempDir     = "temp"
	backupDir   = "backup"
	pendingDir  = "pending"

	vaultManifestName = "vault_metadata"
	tempUnlockName    = "temp_unlock"

	// EnvelopeExt is the suffix appended to every encrypted file.
	EnvelopeExt = ".enc"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Layout resolves paths inside one profile vault.
type Layout struct {
	root string // <vault_root>/<profile_id>
}

// NewLayout returns the layout for a profile vault rooted at
// vaultRoot/profileID.
func NewLayout(vaultRoot, profileID string) Layout {
	return Layout{root: filepath.Join(vaultRoot, profileID)}
}

// Root returns the profile vault root directory.
func (l Layout) Root() string { return l.root }

// VaultManifestPath returns the path of the vault manifest.
func (l Layout) VaultManifestPath() string {
	return filepath.Join(l.root, vaultManifestName)
}

// TempUnlockPath returns the path of the temporary-unlock state manifest.
func (l Layout) TempUnlockPath() string {
	return filepath.Join(l.root, tempUnlockName)
}

// FolderPath returns the ciphertext tree root for a token.
func (l Layout) FolderPath(token string) string {
	return filepath.Join(l.root, foldersDir, token)
}

// FolderManifestPath returns the folder manifest path for a token.
func (l Layout) FolderManifestPath(token string) string {
	return filepath.Join(l.root, metadataDir, token+".json")
}

// FoldersRoot returns the folders/ subtree.
func (l Layout) FoldersRoot() string { return filepath.Join(l.root, foldersDir) }

// MetadataRoot returns the metadata/ subtree.
func (l Layout) MetadataRoot() string { return filepath.Join(l.root, metadataDir) }

// TempRoot returns the temp/ scratch directory used for atomic writes.
func (l Layout) TempRoot() string { return filepath.Join(l.root, tempDir) }

// BackupPath returns the plaintext backup location for a token, held during
// the lock critical section and while a folder is temporarily unlocked.
func (l Layout) BackupPath(token string) string {
	return filepath.Join(l.root, backupDir, token)
}

// BackupRoot returns the backup/ subtree.
func (l Layout) BackupRoot() string { return filepath.Join(l.root, backupDir) }

// PendingPath returns the pending-lock breadcrumb location for a token. The
// breadcrumb is written before the plaintext moves into backup/ and dropped
// once the lock commits or rolls back, so crash recovery always knows where
// an in-flight backup came from.
func (l Layout) PendingPath(token string) string {
	return filepath.Join(l.root, pendingDir, token+".json")
}

// PendingRoot returns the pending/ subtree.
func (l Layout) PendingRoot() string { return filepath.Join(l.root, pendingDir) }

// Create builds the vault directory structure with owner-only permissions.
// Existing directories are re-hardened rather than failed.
func (l Layout) Create() error {
	dirs := []string{
		l.root,
		l.FoldersRoot(),
		l.MetadataRoot(),
		l.TempRoot(),
		l.BackupRoot(),
		l.PendingRoot(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return pathError(ErrIO, "failed to create vault directory", dir, err)
		}
		if err := os.Chmod(dir, dirPerm); err != nil {
			return pathError(ErrIO, "failed to harden vault directory", dir, err)
		}
	}
	return nil
}

// Exists reports whether the profile vault root directory exists.
func (l Layout) Exists() bool {
	info, err := os.Stat(l.root)
	return err == nil && info.IsDir()
}

// Token derives the vault-location token for an original folder path: the
// hex encoding of SHA-256 over the cleaned absolute path.
func Token(originalPath string) string {
	clean := filepath.Clean(originalPath)
	return hex.EncodeToString(crypto.Hash([]byte(clean)))
}

// EnvelopePath maps a plaintext-relative file path to its envelope location
// under the token's ciphertext tree.
func (l Layout) EnvelopePath(token, relPath string) string {
	return filepath.Join(l.FolderPath(token), relPath+EnvelopeExt)
}

// DiskUsage returns the total size in bytes of regular files under the
// profile vault root.
func (l Layout) DiskUsage() (uint64, error) {
	var total uint64
	err := filepath.Walk(l.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, pathError(ErrIO, "failed to measure vault size", l.root, err)
	}
	return total, nil
}

// countEnvelopes walks a ciphertext tree and counts envelope files.
func countEnvelopes(dir string) (uint64, error) {
	var count uint64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && filepath.Ext(path) == EnvelopeExt {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count envelopes under %s: %w", dir, err)
	}
	return count, nil
}
