//go:build windows

package catalog

import (
	"os"
	"os/signal"
	"syscall"
)

// processAlive reports whether pid names a live process. Windows has no
// zero-signal probe; opening the process with query rights and checking
// its exit code is the equivalent idiom.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)

	var exitCode uint32
	if err := syscall.GetExitCodeProcess(h, &exitCode); err != nil {
		return false
	}
	const stillActive = 259
	return exitCode == stillActive
}

// grandparentPID is not determinable portably on Windows; 0 disables the
// ancestor-staleness shortcut (liveness probing still applies).
func grandparentPID() int { return 0 }

func registerSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		releaseAll()
		os.Exit(1)
	}()
}
