package catalog

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// maxLockAttempts bounds the acquire-or-steal retry loop so an unwritable
// directory (permissions, read-only filesystem) fails fast instead of
// looping forever.
const maxLockAttempts = 100

// Lock represents a held backup.pid lockfile. Release must be called
// exactly once, normally via defer immediately after a successful Lock call.
type Lock struct {
	path string
}

// registry tracks every lockfile path acquired by this process so a signal
// handler can release them on an abnormal exit. Go has no general at-exit
// hook that fires for every termination path (os.Exit skips deferred
// functions); registerSignalHandler below covers SIGINT/SIGTERM, which is
// the abnormal-exit path this protocol is actually exercised under.
var (
	registryMu   sync.Mutex
	registry     = map[string]struct{}{}
	signalOnce   sync.Once
)

// AcquireLock implements the backup.pid exclusive-create lock protocol.
// It writes the caller's PID to <path>, failing with ErrBusy if a live
// process already holds it, and treating the file as stale (and retrying
// after removing it) when the recorded PID belongs to no running process,
// or to the caller's own process or parent/grandparent.
func AcquireLock(path string) (*Lock, error) {
	signalOnce.Do(registerSignalHandler)

	pid := os.Getpid()
	ppid := os.Getppid()
	gppid := grandparentPID()

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
			cerr := f.Close()
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("catalog: write lock file %s: %w", path, werr)
			}
			if cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("catalog: close lock file %s: %w", path, cerr)
			}
			registryMu.Lock()
			registry[path] = struct{}{}
			registryMu.Unlock()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("catalog: create lock file %s: %w", path, err)
		}

		heldPID, rerr := readLockPID(path)
		if rerr != nil {
			// The file vanished or is unreadable; another process is
			// mid-acquire or mid-release. Retry.
			continue
		}

		if heldPID == pid || heldPID == ppid || (gppid != 0 && heldPID == gppid) {
			// Stale: either left over from a previous run reusing this PID
			// after a reboot, or (implausibly) our own ancestor. Either way
			// it cannot be a live, unrelated holder.
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("catalog: remove stale lock file %s: %w", path, err)
			}
			continue
		}

		if processAlive(heldPID) {
			return nil, ErrBusy
		}

		// Zero-signal probe reported no such process: stale, steal it.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("catalog: remove stale lock file %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("catalog: lock file %s: %w", path, ErrLockRetriesExceeded)
}

// Release unlinks the lockfile. It is safe to call at most once per Lock.
func (l *Lock) Release() error {
	registryMu.Lock()
	delete(registry, l.path)
	registryMu.Unlock()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("catalog: release lock file %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lockfile path this Lock holds.
func (l *Lock) Path() string { return l.path }

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("catalog: malformed lock file %s: %w", path, err)
	}
	return pid, nil
}

// HolderAlive reports whether the lockfile at path names a live process.
// A lockfile naming the caller's own PID counts as live, so this process's
// own RUNNING backup is not taken for a crashed one. A missing, malformed,
// or dead-PID lockfile all mean no one holds the backup.
func HolderAlive(path string) bool {
	pid, err := readLockPID(path)
	if err != nil {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	return processAlive(pid)
}

// releaseAll unlinks every lockfile still held by this process. It is
// called from the SIGINT/SIGTERM handler to satisfy the "no lockfile
// pointing at a live PID of this program persists past process exit"
// invariant on the signal-driven shutdown path.
func releaseAll() {
	registryMu.Lock()
	paths := make([]string, 0, len(registry))
	for p := range registry {
		paths = append(paths, p)
	}
	registryMu.Unlock()
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
