// Package eraser implements best-effort secure deletion: multi-pass
// overwrite of file contents followed by unlink.
//
// Limitation: on copy-on-write or log-structured filesystems (btrfs, ZFS,
// APFS snapshots, many SSDs with wear levelling) overwriting a path does not
// guarantee the previous physical blocks are destroyed. The eraser is a
// best-effort reduction of recoverable residue, not a cryptographic erasure
// proof. Callers who need a hard guarantee get it from the encryption layer:
// what the eraser removes was ciphertext already.
package eraser

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultPasses is the number of overwrite passes: zeros, ones, random.
	DefaultPasses = 3

	// DefaultBufferSize is the fixed overwrite buffer size.
	DefaultBufferSize = 64 * 1024
)

// Eraser overwrites and unlinks paths.
type Eraser struct {
	passes     int
	bufferSize int
}

// New returns an Eraser with the given pass count and buffer size; zero
// values select the defaults.
func New(passes, bufferSize int) *Eraser {
	if passes <= 0 {
		passes = DefaultPasses
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Eraser{passes: passes, bufferSize: bufferSize}
}

// Delete securely removes path. Regular files are overwritten then
// unlinked; directories are erased depth-first and removed. Symlinks are
// unlinked without following.
//
// On any overwrite error the path is still unlinked, so the caller's
// invariant ("the residue is gone") holds even when the overwrite could
// not complete.
func (e *Eraser) Delete(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.IsDir() {
		return e.deleteDir(path)
	}
	return e.deleteFile(path, info)
}

func (e *Eraser) deleteDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		// Unreadable directory: fall back to plain removal.
		return os.RemoveAll(path)
	}
	for _, entry := range entries {
		if err := e.Delete(filepath.Join(path, entry.Name())); err != nil {
			return err
		}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", path, err)
	}
	return nil
}

func (e *Eraser) deleteFile(path string, info os.FileInfo) error {
	if info.Mode().IsRegular() && info.Size() > 0 {
		if err := e.overwrite(path, info.Size()); err != nil {
			// Best effort: the unlink below still runs.
			_ = err
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to unlink %s: %w", path, err)
	}
	return nil
}

// overwrite runs the configured passes over the file in place. Pass 1
// writes 0x00, pass 2 writes 0xFF, every further pass writes fresh random
// bytes. Each pass is flushed to stable storage before the next starts.
func (e *Eraser) overwrite(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, e.bufferSize)
	for pass := 0; pass < e.passes; pass++ {
		if err := fillPattern(buf, pass); err != nil {
			return err
		}
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
		remaining := size
		for remaining > 0 {
			chunk := buf
			if remaining < int64(len(buf)) {
				chunk = buf[:remaining]
			}
			// Random passes get fresh bytes per chunk.
			if pass >= 2 {
				if _, err := rand.Read(chunk); err != nil {
					return err
				}
			}
			n, err := f.Write(chunk)
			if err != nil {
				return err
			}
			remaining -= int64(n)
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func fillPattern(buf []byte, pass int) error {
	switch pass {
	case 0:
		for i := range buf {
			buf[i] = 0x00
		}
	case 1:
		for i := range buf {
			buf[i] = 0xFF
		}
	default:
		if _, err := rand.Read(buf); err != nil {
			return err
		}
	}
	return nil
}
