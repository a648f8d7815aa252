package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomvault/phantomd/pkg/crypto"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	return key
}

func TestFileCipherRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	key := testKey(t)

	src := filepath.Join(tmpDir, "notes.txt")
	content := []byte("meeting notes\nwith two lines\n")
	require.NoError(t, os.WriteFile(src, content, 0o640))

	mtime := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	enc := filepath.Join(tmpDir, "vault", "notes.txt.enc")
	require.NoError(t, EncryptFile(src, enc, "notes.txt", key))

	// Envelope must not contain the plaintext
	raw, err := os.ReadFile(enc)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "meeting notes")

	dst := filepath.Join(tmpDir, "restored", "notes.txt")
	require.NoError(t, DecryptFile(enc, dst, "notes.txt", key))

	restored, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, restored)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime), "mtime not restored: %v", info.ModTime())
}

func TestFileCipherRoundTrip_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	key := testKey(t)

	src := filepath.Join(tmpDir, "empty")
	require.NoError(t, os.WriteFile(src, nil, 0o600))

	enc := filepath.Join(tmpDir, "empty.enc")
	require.NoError(t, EncryptFile(src, enc, "empty", key))

	dst := filepath.Join(tmpDir, "empty-restored")
	require.NoError(t, DecryptFile(enc, dst, "empty", key))

	restored, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestDecryptFile_WrongKey(t *testing.T) {
	tmpDir := t.TempDir()

	src := filepath.Join(tmpDir, "secret.txt")
	require.NoError(t, os.WriteFile(src, []byte("secret"), 0o600))

	enc := filepath.Join(tmpDir, "secret.enc")
	require.NoError(t, EncryptFile(src, enc, "secret.txt", testKey(t)))

	dst := filepath.Join(tmpDir, "out")
	err := DecryptFile(enc, dst, "secret.txt", testKey(t))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrAuthFailure))

	// No partial plaintext may survive a failed authentication
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDecryptFile_TamperedCiphertext(t *testing.T) {
	tmpDir := t.TempDir()
	key := testKey(t)

	src := filepath.Join(tmpDir, "ledger.csv")
	require.NoError(t, os.WriteFile(src, []byte("amount,payee\n100,acme\n"), 0o600))

	enc := filepath.Join(tmpDir, "ledger.enc")
	require.NoError(t, EncryptFile(src, enc, "ledger.csv", key))

	raw, err := os.ReadFile(enc)
	require.NoError(t, err)
	// First ciphertext byte: version(1) + algorithm(1) + nonce_len(2) +
	// nonce(12) + aad_len(4) + aad + ciphertext_len(8)
	ctOffset := 2 + 2 + crypto.NonceSize + 4 + len("ledger.csv") + 8
	raw[ctOffset] ^= 0x01
	require.NoError(t, os.WriteFile(enc, raw, 0o600))

	err = DecryptFile(enc, filepath.Join(tmpDir, "out"), "ledger.csv", key)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrAuthFailure))
}

func TestDecryptFile_RelocatedEnvelopeRejected(t *testing.T) {
	tmpDir := t.TempDir()
	key := testKey(t)

	src := filepath.Join(tmpDir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("alpha"), 0o600))

	enc := filepath.Join(tmpDir, "a.enc")
	require.NoError(t, EncryptFile(src, enc, "a.txt", key))

	// Claiming a different relative location must fail authentication even
	// though key, nonce and ciphertext are all genuine.
	dst := filepath.Join(tmpDir, "out")
	err := DecryptFile(enc, dst, "b.txt", key)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrAuthFailure))

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDecryptFile_TruncatedEnvelope(t *testing.T) {
	tmpDir := t.TempDir()
	key := testKey(t)

	src := filepath.Join(tmpDir, "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o600))

	enc := filepath.Join(tmpDir, "a.enc")
	require.NoError(t, EncryptFile(src, enc, "a.bin", key))

	raw, err := os.ReadFile(enc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(enc, raw[:len(raw)-4], 0o600))

	err = DecryptFile(enc, filepath.Join(tmpDir, "out"), "a.bin", key)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCorruption))
}

func TestReadFileMetadata_NoKeyNeeded(t *testing.T) {
	tmpDir := t.TempDir()

	src := filepath.Join(tmpDir, "photo.jpg")
	require.NoError(t, os.WriteFile(src, []byte("jpeg bytes"), 0o644))

	enc := filepath.Join(tmpDir, "photo.enc")
	require.NoError(t, EncryptFile(src, enc, "album/photo.jpg", testKey(t)))

	meta, err := ReadFileMetadata(enc)
	require.NoError(t, err)
	assert.Equal(t, "album/photo.jpg", meta.RelPath)
	assert.Equal(t, uint32(0o644), meta.Mode)
	assert.Equal(t, uint64(10), meta.OriginalSize)
	assert.NotEmpty(t, meta.ContentHash)
}

func TestCaptureFileMetadata_MissingFile(t *testing.T) {
	_, err := CaptureFileMetadata(filepath.Join(t.TempDir(), "absent"), "absent")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrIO))
}
