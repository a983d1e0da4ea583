//go:build linux

package dnsconf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fsImmutableFL is the immutable inode flag from the kernel's
// include/uapi/linux/fs.h.  The unix package defines the ioctls but not the
// flag itself.
const fsImmutableFL = 0x00000010

// fsMarker controls the immutable inode flag.
type fsMarker struct{}

// type check
var _ Marker = fsMarker{}

// NewMarker returns the immutability marker for this platform.
func NewMarker() (m Marker) {
	return fsMarker{}
}

// Set implements the [Marker] interface for fsMarker.
func (fsMarker) Set(path string) (err error) {
	return setImmutable(path, true)
}

// Clear implements the [Marker] interface for fsMarker.
func (fsMarker) Clear(path string) (err error) {
	return setImmutable(path, false)
}

// setImmutable sets or clears the immutable inode flag on path.
func setImmutable(path string, immutable bool) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fd := int(f.Fd())

	attr, err := unix.IoctlGetInt(fd, unix.FS_IOC_GETFLAGS)
	if err != nil {
		return fmt.Errorf("getting inode flags: %w", err)
	}

	if immutable {
		attr |= fsImmutableFL
	} else {
		attr &^= fsImmutableFL
	}

	err = unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, attr)
	if err != nil {
		return fmt.Errorf("setting inode flags: %w", err)
	}

	return nil
}
