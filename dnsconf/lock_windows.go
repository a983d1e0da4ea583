//go:build windows

package dnsconf

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
)

// ErrAlreadyRunning is returned when another process holds the host lock.
const ErrAlreadyRunning errors.Error = "another instance is already running"

// AcquireLock takes the exclusive host lock at path, keeping two instances
// from mutating the host's network state at once.  The returned release
// function drops the lock.
func AcquireLock(path string) (release func() (err error), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyRunning
		}

		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	release = func() (err error) {
		defer func() { err = errors.WithDeferred(err, os.Remove(path)) }()

		return f.Close()
	}

	return release, nil
}
