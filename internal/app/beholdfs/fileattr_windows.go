package beholdfs

import (
	"os"
	"time"
)

// statTimes has no POSIX ctime/birthtime equivalent to read on Windows, so
// both fall back to the modification time.
func statTimes(info os.FileInfo) (ctime, crtime time.Time) {
	return info.ModTime(), info.ModTime()
}
