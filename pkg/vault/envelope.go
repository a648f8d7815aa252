package vault

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/phantomvault/phantomd/pkg/crypto"
)

const (
	// EnvelopeVersion is the current envelope schema version.
	EnvelopeVersion = uint8(1)

	// AlgorithmAES256GCM identifies the AEAD used for file contents.
	AlgorithmAES256GCM = uint8(1)

	// maxEnvelopeField caps variable-length fields read from disk so a
	// corrupted length prefix cannot trigger a huge allocation.
	maxEnvelopeField = 1 << 30
)

// FileMetadata is the preserved-metadata sub-record carried inside every
// envelope. It captures what is needed to restore the file exactly:
// identity, permission bits, ownership, timestamps, extended attributes and
// a content hash of the plaintext.
//
// Timestamps are Unix nanoseconds. Xattrs values are raw bytes (base64 in
// the JSON encoding). Owner and Group carry names where resolvable so
// restoration can survive UID remapping; UID/GID are kept as the fallback.
type FileMetadata struct {
	Schema       int               `json:"schema"`
	RelPath      string            `json:"rel_path"`
	Mode         uint32            `json:"mode"`
	UID          int               `json:"uid"`
	GID          int               `json:"gid"`
	Owner        string            `json:"owner,omitempty"`
	Group        string            `json:"group,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	ModifiedAt   int64             `json:"modified_at"`
	AccessedAt   int64             `json:"accessed_at"`
	Xattrs       map[string][]byte `json:"xattrs,omitempty"`
	OriginalSize uint64            `json:"original_size"`
	ContentHash  []byte            `json:"content_hash"`
}

// Envelope is the parsed on-disk form of one encrypted file.
//
// Canonical serialisation, fields in order:
//
//	u8   schema_version
//	u8   algorithm_id
//	u16  nonce_len        | nonce
//	u32  aad_len          | aad (the original relative path)
//	u64  ciphertext_len   | ciphertext
//	     tag              (16 bytes, AES-GCM)
//	u32  metadata_len     | preserved metadata (JSON)
//
// Integers are big-endian. The AAD is bound into the AEAD tag, so renaming
// an envelope to stand in for a different file fails authentication.
type Envelope struct {
	Version    uint8
	Algorithm  uint8
	Nonce      []byte
	AAD        []byte
	Ciphertext []byte
	Tag        []byte
	Metadata   FileMetadata
}

// NewEnvelope assembles an envelope from the sealed output of
// crypto.Encrypt (ciphertext||tag) and the preserved metadata.
func NewEnvelope(nonce, aad, sealed []byte, meta FileMetadata) (*Envelope, error) {
	if len(sealed) < crypto.TagSize {
		return nil, fmt.Errorf("sealed data shorter than tag: %d bytes", len(sealed))
	}
	split := len(sealed) - crypto.TagSize
	return &Envelope{
		Version:    EnvelopeVersion,
		Algorithm:  AlgorithmAES256GCM,
		Nonce:      nonce,
		AAD:        aad,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
		Metadata:   meta,
	}, nil
}

// Sealed returns ciphertext||tag in the form crypto.Decrypt expects.
func (e *Envelope) Sealed() []byte {
	out := make([]byte, 0, len(e.Ciphertext)+len(e.Tag))
	out = append(out, e.Ciphertext...)
	out = append(out, e.Tag...)
	return out
}

// WriteTo serialises the envelope to w.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode preserved metadata: %w", err)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(e.Version)
	buf.WriteByte(e.Algorithm)

	if err := binary.Write(buf, binary.BigEndian, uint16(len(e.Nonce))); err != nil {
		return 0, err
	}
	buf.Write(e.Nonce)

	if err := binary.Write(buf, binary.BigEndian, uint32(len(e.AAD))); err != nil {
		return 0, err
	}
	buf.Write(e.AAD)

	if err := binary.Write(buf, binary.BigEndian, uint64(len(e.Ciphertext))); err != nil {
		return 0, err
	}
	buf.Write(e.Ciphertext)
	buf.Write(e.Tag)

	if err := binary.Write(buf, binary.BigEndian, uint32(len(metaJSON))); err != nil {
		return 0, err
	}
	buf.Write(metaJSON)

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadEnvelope parses an envelope from r. It returns an ErrCorruption
// VaultError for structural damage; authentication is the caller's job.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var e Envelope

	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}
	e.Version = header[0]
	e.Algorithm = header[1]

	if e.Version > EnvelopeVersion {
		return nil, newError(ErrCorruption, fmt.Sprintf("unsupported envelope version %d", e.Version))
	}
	if e.Algorithm != AlgorithmAES256GCM {
		return nil, newError(ErrCorruption, fmt.Sprintf("unknown algorithm id %d", e.Algorithm))
	}

	var nonceLen uint16
	if err := binary.Read(r, binary.BigEndian, &nonceLen); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}
	e.Nonce = make([]byte, nonceLen)
	if _, err := io.ReadFull(r, e.Nonce); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}

	var aadLen uint32
	if err := binary.Read(r, binary.BigEndian, &aadLen); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}
	if aadLen > maxEnvelopeField {
		return nil, newError(ErrCorruption, "envelope aad length out of range")
	}
	e.AAD = make([]byte, aadLen)
	if _, err := io.ReadFull(r, e.AAD); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}

	var ctLen uint64
	if err := binary.Read(r, binary.BigEndian, &ctLen); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}
	if ctLen > maxEnvelopeField {
		return nil, newError(ErrCorruption, "envelope ciphertext length out of range")
	}
	e.Ciphertext = make([]byte, ctLen)
	if _, err := io.ReadFull(r, e.Ciphertext); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}
	e.Tag = make([]byte, crypto.TagSize)
	if _, err := io.ReadFull(r, e.Tag); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}

	var metaLen uint32
	if err := binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}
	if metaLen > maxEnvelopeField {
		return nil, newError(ErrCorruption, "envelope metadata length out of range")
	}
	metaJSON := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaJSON); err != nil {
		return nil, newError(ErrCorruption, "envelope truncated")
	}
	if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
		return nil, newError(ErrCorruption, "envelope metadata is not valid JSON")
	}

	return &e, nil
}
