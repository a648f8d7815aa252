package crypto

// SecureBytes wraps key material that must be zeroed when no longer needed.
//
// Master keys enter the daemon through the control plane, are derived into
// file-encryption keys, and must not outlive the call that used them. Every
// entry point does:
//
//	key := crypto.NewSecureBytes([]byte(req.MasterKey))
//	defer key.Wipe()
//
// Wipe is idempotent. SecureBytes must not be copied after first use; pass
// the pointer.
type SecureBytes struct {
	data  []byte
	wiped bool
}

// NewSecureBytes takes ownership of data. The caller must not retain or
// reuse the slice afterwards.
func NewSecureBytes(data []byte) *SecureBytes {
	return &SecureBytes{data: data}
}

// Bytes returns the underlying slice, or nil after Wipe.
func (s *SecureBytes) Bytes() []byte {
	if s.wiped {
		return nil
	}
	return s.data
}

// Len returns the length of the wrapped material, 0 after Wipe.
func (s *SecureBytes) Len() int {
	if s.wiped {
		return 0
	}
	return len(s.data)
}

// Wipe overwrites the wrapped bytes with zeros and marks the buffer unusable.
func (s *SecureBytes) Wipe() {
	if s.wiped {
		return
	}
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.wiped = true
}
