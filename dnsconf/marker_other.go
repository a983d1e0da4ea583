//go:build !linux

package dnsconf

// noopMarker is the immutability marker for platforms without inode flags.
type noopMarker struct{}

// type check
var _ Marker = noopMarker{}

// NewMarker returns the immutability marker for this platform.
func NewMarker() (m Marker) {
	return noopMarker{}
}

// Set implements the [Marker] interface for noopMarker.
func (noopMarker) Set(_ string) (err error) { return nil }

// Clear implements the [Marker] interface for noopMarker.
func (noopMarker) Clear(_ string) (err error) { return nil }
