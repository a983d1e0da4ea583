//go:build unix

package dnsconf

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another process holds the host lock.
const ErrAlreadyRunning errors.Error = "another instance is already running"

// AcquireLock takes the exclusive host lock at path, keeping two instances
// from mutating the host's network state at once.  The returned release
// function drops the lock.
func AcquireLock(path string) (release func() (err error), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			err = ErrAlreadyRunning
		} else {
			err = fmt.Errorf("locking %s: %w", path, err)
		}

		return nil, errors.WithDeferred(err, f.Close())
	}

	release = func() (err error) {
		defer func() { err = errors.WithDeferred(err, f.Close()) }()

		return unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}

	return release, nil
}
