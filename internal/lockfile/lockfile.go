// Package lockfile implements the UUCP-style advisory lock used to keep
// two ip2ser instances from opening the same serial device at once.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// Dir is the directory lock records live in. Overridden by tests.
var Dir = "/var/lock"

// ErrLocked is returned by Lock when another live process holds the device.
var ErrLocked = errors.New("lockfile: device locked by another process")

// Handle represents a held lock. The zero value means "no lock was
// actually taken" (e.g. /var/lock wasn't accessible), and Unlock on it
// is a no-op.
type Handle struct {
	path string
	flk  *flock.Flock
}

// pathFor returns the lock record path for a device, e.g.
// /var/lock/LCK..ttyS0 for /dev/ttyS0.
func pathFor(devpath string) string {
	return filepath.Join(Dir, "LCK.."+filepath.Base(devpath))
}

// Lock acquires the lock record for devpath, following the semantics in
// the lockfile registry's §4.1:
//
//   - if Dir isn't readable+writable, locking is presumed unsupported by
//     the environment and Lock succeeds without writing anything;
//   - if a record exists and its PID is alive, Lock fails with ErrLocked;
//   - if the record is stale (owning PID is gone), it is unlinked and
//     recreated;
//   - creation uses O_EXCL so a racing writer always loses cleanly.
func Lock(devpath string) (*Handle, error) {
	if unix.Access(Dir, unix.R_OK|unix.W_OK) != nil {
		return &Handle{}, nil
	}

	path := pathFor(devpath)

	if pid, err := readPID(path); err == nil {
		if processAlive(pid) {
			return nil, ErrLocked
		}
		// Stale lock: take it over.
		_ = os.Remove(path)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := writeRecord(path); err != nil {
		return nil, fmt.Errorf("lockfile: write %s: %w", path, err)
	}

	flk := flock.New(path)
	// Best-effort, additive: guards this process's own goroutines
	// against a concurrent Lock/Unlock race. Never changes the
	// observable PID-record contract above.
	if ok, err := flk.TryLock(); err != nil || !ok {
		flk = nil
	}

	return &Handle{path: path, flk: flk}, nil
}

// Unlock releases the lock record. Safe to call on a zero Handle or a
// nil Handle.
func (h *Handle) Unlock() {
	if h == nil || h.path == "" {
		return
	}
	if h.flk != nil {
		_ = h.flk.Unlock()
	}
	_ = os.Remove(h.path)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// EPERM means the process exists but belongs to another user.
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// writeRecord creates the lock record with exclusive-create semantics
// and the traditional UUCP contents: a 10-column right-justified PID,
// then " ip2ser root\n".
func writeRecord(path string) error {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer fd.Close()

	_, err = fmt.Fprintf(fd, "%10d ip2ser root\n", os.Getpid())
	return err
}
