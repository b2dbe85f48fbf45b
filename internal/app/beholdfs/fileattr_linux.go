package beholdfs

import (
	"os"
	"syscall"
	"time"
)

// statTimes returns the change time and, since Linux has no true birth time
// in struct stat, the modification time again as a creation-time stand-in.
func statTimes(info os.FileInfo) (ctime, crtime time.Time) {
	sysStat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime(), info.ModTime()
	}
	ctime = time.Unix(int64(sysStat.Ctim.Sec), int64(sysStat.Ctim.Nsec))
	return ctime, info.ModTime()
}
