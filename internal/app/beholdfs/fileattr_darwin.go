package beholdfs

import (
	"os"
	"syscall"
	"time"
)

// statTimes returns the change time and birth time from macOS's Stat_t,
// which (unlike Linux's) carries a true creation timestamp.
func statTimes(info os.FileInfo) (ctime, crtime time.Time) {
	sysStat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime(), info.ModTime()
	}
	ctime = time.Unix(int64(sysStat.Ctimespec.Sec), int64(sysStat.Ctimespec.Nsec))
	crtime = time.Unix(int64(sysStat.Birthtimespec.Sec), int64(sysStat.Birthtimespec.Nsec))
	return ctime, crtime
}
