package vault

import (
	"bytes"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/phantomvault/phantomd/pkg/crypto"
)

// EncryptFile encrypts the plaintext file at src into an envelope at dst.
//
// relPath is the file's path relative to the folder being locked; it is
// stored in the preserved metadata and bound into the AEAD tag as associated
// data, so an envelope moved to a different relative location fails
// authentication on decrypt.
//
// The envelope is written atomically (temp file + rename) with owner-only
// permissions. On any failure no partial output survives.
func EncryptFile(src, dst, relPath string, key []byte) error {
	meta, err := CaptureFileMetadata(src, relPath)
	if err != nil {
		return err
	}

	plaintext, err := os.ReadFile(src)
	if err != nil {
		return pathError(ErrIO, "failed to read source file", src, err)
	}
	meta.OriginalSize = uint64(len(plaintext))
	meta.ContentHash = crypto.Hash(plaintext)

	nonce, err := crypto.NewNonce()
	if err != nil {
		return pathError(ErrInternal, "failed to generate nonce", src, err)
	}

	aad := []byte(filepath.ToSlash(relPath))
	sealed, err := crypto.Encrypt(key, nonce, plaintext, aad)
	if err != nil {
		return pathError(ErrInternal, "encryption failed", src, err)
	}

	env, err := NewEnvelope(nonce, aad, sealed, meta)
	if err != nil {
		return pathError(ErrInternal, "failed to assemble envelope", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return pathError(ErrIO, "failed to create vault subdirectory", filepath.Dir(dst), err)
	}
	if err := writeEnvelopeAtomic(dst, env); err != nil {
		return err
	}
	return nil
}

// DecryptFile decrypts the envelope at src into a plaintext file at dst and
// re-applies the preserved metadata.
//
// relPath is the plaintext-relative path the caller expects this envelope to
// hold; it is the associated data for the tag check, so an envelope swapped
// with another or moved to a different relative location fails
// authentication. The stored AAD is never trusted for this.
//
// Permission bits are always restored; timestamps, ownership and extended
// attributes are restored where the host allows. An authentication failure
// (wrong key, tampering or a relocated envelope) aborts before anything is
// written, so no partial plaintext survives.
func DecryptFile(src, dst, relPath string, key []byte) error {
	f, err := os.Open(src)
	if err != nil {
		return pathError(ErrIO, "failed to open vault file", src, err)
	}
	defer f.Close()

	env, err := ReadEnvelope(f)
	if err != nil {
		var ve *VaultError
		if errors.As(err, &ve) {
			ve.Path = src
			return ve
		}
		return pathError(ErrCorruption, "failed to parse envelope", src, err)
	}

	plaintext, err := crypto.Decrypt(key, env.Nonce, env.Sealed(), []byte(filepath.ToSlash(relPath)))
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailed) {
			return pathError(ErrAuthFailure, "envelope authentication failed", src, nil)
		}
		return pathError(ErrInternal, "decryption failed", src, err)
	}

	// The tag already covers the ciphertext; the content hash catches a
	// corrupted metadata record claiming the wrong plaintext.
	if len(env.Metadata.ContentHash) > 0 && !bytes.Equal(crypto.Hash(plaintext), env.Metadata.ContentHash) {
		return pathError(ErrCorruption, "plaintext hash mismatch", src, nil)
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return pathError(ErrIO, "failed to create destination directory", filepath.Dir(dst), err)
	}

	tmp := dst + ".partial"
	if err := os.WriteFile(tmp, plaintext, filePerm); err != nil {
		return pathError(ErrIO, "failed to write plaintext", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return pathError(ErrIO, "failed to move plaintext into place", dst, err)
	}

	ApplyFileMetadata(dst, env.Metadata)
	return nil
}

// ReadFileMetadata parses only the preserved metadata of an envelope,
// without requiring the key.
func ReadFileMetadata(src string) (FileMetadata, error) {
	f, err := os.Open(src)
	if err != nil {
		return FileMetadata{}, pathError(ErrIO, "failed to open vault file", src, err)
	}
	defer f.Close()

	env, err := ReadEnvelope(f)
	if err != nil {
		return FileMetadata{}, err
	}
	return env.Metadata, nil
}

// CaptureFileMetadata records everything needed to restore the file at path
// exactly: mode, ownership, timestamps and extended attributes. Size and
// content hash are filled in by EncryptFile once the plaintext is read.
func CaptureFileMetadata(path, relPath string) (FileMetadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return FileMetadata{}, pathError(ErrIO, "failed to stat source file", path, err)
	}

	atime, mtime, ctime, uid, gid := statTimes(info)

	meta := FileMetadata{
		Schema:     manifestSchema,
		RelPath:    filepath.ToSlash(relPath),
		Mode:       uint32(info.Mode().Perm()),
		UID:        uid,
		GID:        gid,
		CreatedAt:  ctime.UnixNano(),
		ModifiedAt: mtime.UnixNano(),
		AccessedAt: atime.UnixNano(),
		Xattrs:     listXattrs(path),
	}

	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		meta.Owner = u.Username
	}
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		meta.Group = g.Name
	}

	return meta, nil
}

// ApplyFileMetadata re-applies preserved metadata to a restored file.
// Permissions always; ownership, timestamps and xattrs best-effort.
func ApplyFileMetadata(path string, meta FileMetadata) {
	_ = os.Chmod(path, os.FileMode(meta.Mode))

	if meta.UID >= 0 && meta.GID >= 0 {
		// Fails for unprivileged processes restoring other users' files;
		// that matches the best-effort contract.
		_ = os.Chown(path, meta.UID, meta.GID)
	}

	if meta.AccessedAt != 0 || meta.ModifiedAt != 0 {
		_ = os.Chtimes(path, timeFromUnixNano(meta.AccessedAt), timeFromUnixNano(meta.ModifiedAt))
	}

	applyXattrs(path, meta.Xattrs)
}

// writeEnvelopeAtomic serialises env next to dst and renames it into place.
func writeEnvelopeAtomic(dst string, env *Envelope) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".enc-*")
	if err != nil {
		return pathError(ErrIO, "failed to create temp envelope", dst, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := env.WriteTo(tmp); err != nil {
		cleanup()
		return pathError(ErrIO, "failed to write envelope", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return pathError(ErrIO, "failed to sync envelope", tmpName, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		cleanup()
		return pathError(ErrIO, "failed to harden envelope permissions", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return pathError(ErrIO, "failed to close envelope", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return pathError(ErrIO, "failed to move envelope into place", dst, err)
	}
	return nil
}
