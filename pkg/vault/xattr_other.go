//go:build !linux && !darwin

package vault

// Extended attributes are not supported on this platform; capture returns
// nothing and restoration is a no-op.

func listXattrs(string) map[string][]byte { return nil }

func applyXattrs(string, map[string][]byte) {}
