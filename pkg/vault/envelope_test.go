package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomvault/phantomd/pkg/crypto"
)

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()

	key, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	nonce, err := crypto.NewNonce()
	require.NoError(t, err)

	aad := []byte("docs/report.txt")
	sealed, err := crypto.Encrypt(key, nonce, []byte("the quarterly numbers"), aad)
	require.NoError(t, err)

	env, err := NewEnvelope(nonce, aad, sealed, FileMetadata{
		Schema:       manifestSchema,
		RelPath:      "docs/report.txt",
		Mode:         0o640,
		UID:          1000,
		GID:          1000,
		ModifiedAt:   1700000000000000000,
		OriginalSize: 21,
	})
	require.NoError(t, err)
	return env
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := testEnvelope(t)

	var buf bytes.Buffer
	_, err := env.WriteTo(&buf)
	require.NoError(t, err)

	parsed, err := ReadEnvelope(&buf)
	require.NoError(t, err)

	assert.Equal(t, env.Version, parsed.Version)
	assert.Equal(t, env.Algorithm, parsed.Algorithm)
	assert.Equal(t, env.Nonce, parsed.Nonce)
	assert.Equal(t, env.AAD, parsed.AAD)
	assert.Equal(t, env.Ciphertext, parsed.Ciphertext)
	assert.Equal(t, env.Tag, parsed.Tag)
	assert.Equal(t, env.Metadata.RelPath, parsed.Metadata.RelPath)
	assert.Equal(t, env.Metadata.Mode, parsed.Metadata.Mode)
}

func TestNewEnvelope_RejectsShortSealed(t *testing.T) {
	_, err := NewEnvelope(nil, nil, make([]byte, crypto.TagSize-1), FileMetadata{})
	assert.Error(t, err)
}

func TestEnvelopeSealed_RejoinsCiphertextAndTag(t *testing.T) {
	env := testEnvelope(t)

	sealed := env.Sealed()
	require.Len(t, sealed, len(env.Ciphertext)+len(env.Tag))
	assert.Equal(t, env.Ciphertext, sealed[:len(env.Ciphertext)])
	assert.Equal(t, env.Tag, sealed[len(env.Ciphertext):])
}

func TestReadEnvelope_Truncated(t *testing.T) {
	env := testEnvelope(t)

	var buf bytes.Buffer
	_, err := env.WriteTo(&buf)
	require.NoError(t, err)
	full := buf.Bytes()

	// Every strictly shorter prefix must be rejected as corruption
	for _, cut := range []int{0, 1, 2, 5, len(full) / 2, len(full) - 1} {
		_, err := ReadEnvelope(bytes.NewReader(full[:cut]))
		require.Error(t, err, "prefix of %d bytes accepted", cut)
		assert.True(t, IsCode(err, ErrCorruption), "prefix of %d bytes: wrong code", cut)
	}
}

func TestReadEnvelope_UnsupportedVersion(t *testing.T) {
	env := testEnvelope(t)

	var buf bytes.Buffer
	_, err := env.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.Bytes()
	raw[0] = EnvelopeVersion + 1

	_, err = ReadEnvelope(bytes.NewReader(raw))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCorruption))
}

func TestReadEnvelope_UnknownAlgorithm(t *testing.T) {
	env := testEnvelope(t)

	var buf bytes.Buffer
	_, err := env.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.Bytes()
	raw[1] = 0xFE

	_, err = ReadEnvelope(bytes.NewReader(raw))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCorruption))
}
