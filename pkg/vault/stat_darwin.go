package vault

import (
	"os"
	"syscall"
	"time"
)

// statTimes extracts access/modify/birth times and ownership from a stat
// result. Darwin exposes a real birth time.
func statTimes(info os.FileInfo) (atime, mtime, ctime time.Time, uid, gid int) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		now := info.ModTime()
		return now, now, now, os.Getuid(), os.Getgid()
	}
	atime = time.Unix(st.Atimespec.Sec, st.Atimespec.Nsec)
	mtime = time.Unix(st.Mtimespec.Sec, st.Mtimespec.Nsec)
	ctime = time.Unix(st.Birthtimespec.Sec, st.Birthtimespec.Nsec)
	return atime, mtime, ctime, int(st.Uid), int(st.Gid)
}
