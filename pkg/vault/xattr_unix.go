//go:build linux || darwin

package vault

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// listXattrs reads every extended attribute of path into a name -> value
// map. Attribute read failures skip the attribute rather than failing the
// whole capture; preservation is best-effort by contract.
func listXattrs(path string) map[string][]byte {
	size, err := unix.Listxattr(path, nil)
	if err != nil || size <= 0 {
		return nil
	}
	names := make([]byte, size)
	n, err := unix.Listxattr(path, names)
	if err != nil || n <= 0 {
		return nil
	}

	attrs := make(map[string][]byte)
	for _, raw := range bytes.Split(names[:n], []byte{0}) {
		if len(raw) == 0 {
			continue
		}
		name := string(raw)
		vsize, err := unix.Getxattr(path, name, nil)
		if err != nil || vsize < 0 {
			continue
		}
		value := make([]byte, vsize)
		if vsize > 0 {
			read, err := unix.Getxattr(path, name, value)
			if err != nil {
				continue
			}
			value = value[:read]
		}
		attrs[name] = value
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// applyXattrs restores extended attributes onto path. Individual failures
// (unsupported namespace, privilege) are ignored.
func applyXattrs(path string, attrs map[string][]byte) {
	for name, value := range attrs {
		_ = unix.Setxattr(path, name, value, 0)
	}
}
