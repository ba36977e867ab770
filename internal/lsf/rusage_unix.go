//go:build unix

package lsf

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// peakRSSBytes returns the process high-water RSS from getrusage.
func peakRSSBytes() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil || ru.Maxrss <= 0 {
		return 0
	}
	// Linux and the BSDs report kilobytes, darwin reports bytes.
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		return uint64(ru.Maxrss)
	}
	return uint64(ru.Maxrss) * 1024
}
