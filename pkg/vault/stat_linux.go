package vault

import (
	"os"
	"syscall"
	"time"
)

// statTimes extracts access/modify/change times and ownership from a stat
// result. Linux has no birth time in stat(2); the change time stands in for
// the created timestamp, as the original metadata capture did.
func statTimes(info os.FileInfo) (atime, mtime, ctime time.Time, uid, gid int) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		now := info.ModTime()
		return now, now, now, os.Getuid(), os.Getgid()
	}
	atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	return atime, mtime, ctime, int(st.Uid), int(st.Gid)
}
