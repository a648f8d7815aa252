package vault

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/phantomvault/phantomd/internal/eraser"
)

// FolderMetadata is the folder-level preserved metadata captured when a
// folder is hidden and reapplied when it is restored.
type FolderMetadata struct {
	OriginalPath string            `json:"original_path"`
	Mode         uint32            `json:"mode"`
	UID          int               `json:"uid"`
	GID          int               `json:"gid"`
	Owner        string            `json:"owner,omitempty"`
	Group        string            `json:"group,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	ModifiedAt   int64             `json:"modified_at"`
	AccessedAt   int64             `json:"accessed_at"`
	Xattrs       map[string][]byte `json:"xattrs,omitempty"`
	Hidden       bool              `json:"hidden"`
}

// HidingResult reports a successful Hide.
type HidingResult struct {
	BackupLocation string
	Preserved      FolderMetadata
}

// RestorationResult reports a Restore, including whether the metadata pass
// applied completely.
type RestorationResult struct {
	RestoredPath     string
	MetadataRestored bool
}

// Handler moves plaintext folders in and out of the vault's backup area and
// securely deletes vault residue.
//
// Hiding and ciphertext commitment must appear atomic to any outside
// observer. The handler keeps the plaintext tree in backup/<token> for the
// whole critical section: any failure before the vault manifest is durable
// rolls the tree back into place, and only after commitment does the caller
// retire the backup through the eraser.
type Handler struct {
	layout Layout
	eraser *eraser.Eraser
}

// NewHandler returns a handler for the given vault layout.
func NewHandler(layout Layout, e *eraser.Eraser) *Handler {
	if e == nil {
		e = eraser.New(0, 0)
	}
	return &Handler{layout: layout, eraser: e}
}

// Hide captures folderPath's metadata and moves the whole plaintext tree
// into the vault-adjacent backup location for token. The original path
// ceases to exist on success.
func (h *Handler) Hide(folderPath, token string) (*HidingResult, error) {
	info, err := os.Stat(folderPath)
	if err != nil {
		return nil, pathError(ErrIO, "failed to stat folder", folderPath, err)
	}
	if !info.IsDir() {
		return nil, pathError(ErrPrecondition, "path is not a directory", folderPath, nil)
	}

	meta := captureFolderMetadata(folderPath, info)

	backup := h.layout.BackupPath(token)
	if err := os.MkdirAll(filepath.Dir(backup), dirPerm); err != nil {
		return nil, pathError(ErrIO, "failed to create backup directory", filepath.Dir(backup), err)
	}
	// A stale backup for the same token is residue from an interrupted
	// rollback; clear it before moving in.
	if _, err := os.Lstat(backup); err == nil {
		if err := h.eraser.Delete(backup); err != nil {
			return nil, pathError(ErrIO, "failed to clear stale backup", backup, err)
		}
	}

	if err := os.Rename(folderPath, backup); err != nil {
		return nil, pathError(ErrIO, "failed to move folder into backup", folderPath, err)
	}

	return &HidingResult{BackupLocation: backup, Preserved: meta}, nil
}

// Unhide is the rollback inverse of Hide: it moves the backup tree for
// token back to originalPath. Idempotent: a missing backup with the
// original present is success, and it never needs the master key.
func (h *Handler) Unhide(token, originalPath string) error {
	backup := h.layout.BackupPath(token)
	if _, err := os.Lstat(backup); os.IsNotExist(err) {
		if _, err := os.Lstat(originalPath); err == nil {
			return nil
		}
		return pathError(ErrIO, "backup missing and original absent", originalPath, nil)
	}
	if _, err := os.Lstat(originalPath); err == nil {
		// Partial restore from an earlier attempt; the backup is
		// authoritative.
		if err := os.RemoveAll(originalPath); err != nil {
			return pathError(ErrIO, "failed to clear partial original", originalPath, err)
		}
	}
	if err := os.Rename(backup, originalPath); err != nil {
		return pathError(ErrIO, "failed to restore folder from backup", originalPath, err)
	}
	return nil
}

// RetireBackup securely deletes the plaintext backup for token once the
// ciphertext and manifests are durable.
func (h *Handler) RetireBackup(token string) error {
	if err := h.eraser.Delete(h.layout.BackupPath(token)); err != nil {
		return pathError(ErrIO, "failed to retire backup", h.layout.BackupPath(token), err)
	}
	return nil
}

// Restore applies the post-restoration metadata pass to the plaintext tree
// at dstPath. The file cipher is the producer of the bytes; this reapplies
// folder-level permissions, ownership, timestamps and xattrs.
func (h *Handler) Restore(token, dstPath string, meta FolderMetadata) (*RestorationResult, error) {
	if _, err := os.Stat(dstPath); err != nil {
		return nil, pathError(ErrIO, "restored tree is missing", dstPath, err)
	}

	complete := true
	if err := os.Chmod(dstPath, os.FileMode(meta.Mode)); err != nil {
		complete = false
	}
	if meta.UID >= 0 && meta.GID >= 0 {
		if err := os.Chown(dstPath, meta.UID, meta.GID); err != nil {
			complete = false
		}
	}
	if meta.AccessedAt != 0 || meta.ModifiedAt != 0 {
		if err := os.Chtimes(dstPath, timeFromUnixNano(meta.AccessedAt), timeFromUnixNano(meta.ModifiedAt)); err != nil {
			complete = false
		}
	}
	applyXattrs(dstPath, meta.Xattrs)

	return &RestorationResult{RestoredPath: dstPath, MetadataRestored: complete}, nil
}

// SecureDeleteFromVault erases the ciphertext tree and folder manifest for
// token.
func (h *Handler) SecureDeleteFromVault(token string) error {
	if err := h.eraser.Delete(h.layout.FolderPath(token)); err != nil {
		return pathError(ErrIO, "failed to erase ciphertext tree", h.layout.FolderPath(token), err)
	}
	if err := h.eraser.Delete(h.layout.FolderManifestPath(token)); err != nil {
		return pathError(ErrIO, "failed to erase folder manifest", h.layout.FolderManifestPath(token), err)
	}
	return nil
}

// captureFolderMetadata records the restorable attributes of a folder.
func captureFolderMetadata(path string, info os.FileInfo) FolderMetadata {
	atime, mtime, ctime, uid, gid := statTimes(info)

	meta := FolderMetadata{
		OriginalPath: filepath.Clean(path),
		Mode:         uint32(info.Mode().Perm()),
		UID:          uid,
		GID:          gid,
		CreatedAt:    ctime.UnixNano(),
		ModifiedAt:   mtime.UnixNano(),
		AccessedAt:   atime.UnixNano(),
		Xattrs:       listXattrs(path),
		Hidden:       strings.HasPrefix(filepath.Base(path), "."),
	}
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		meta.Owner = u.Username
	}
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		meta.Group = g.Name
	}
	return meta
}
