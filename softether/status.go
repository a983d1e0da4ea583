package softether

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// LinkStatus is the tri-state link status reported by the external client.
type LinkStatus uint8

// LinkStatus values.
const (
	// LinkOther is any state that is neither connected nor connecting, for
	// example a disconnected account or an unrecognized status report.
	LinkOther LinkStatus = iota

	// LinkConnecting means the client is still negotiating the session.
	LinkConnecting

	// LinkConnected means the client reports an established session.
	LinkConnected
)

// type check
var _ fmt.Stringer = LinkOther

// String implements the [fmt.Stringer] interface for LinkStatus.
func (s LinkStatus) String() (str string) {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkConnecting:
		return "connecting"
	case LinkOther:
		return "other"
	default:
		return "!bad_link_status_" + strconv.FormatUint(uint64(s), 10)
	}
}

// parseLinkStatus translates the client's textual status report into a
// LinkStatus.  The client's status vocabulary is not formally specified
// upstream, so this is a best-effort check for the known markers, and it is
// deliberately the only place that inspects the client's output.
func parseLinkStatus(out []byte) (st LinkStatus) {
	s := string(out)
	switch {
	case strings.Contains(s, "Connected"):
		return LinkConnected
	case strings.Contains(s, "Connecting"):
		return LinkConnecting
	default:
		return LinkOther
	}
}

// DefaultPort is the relay port assumed when a connection profile does not
// name one.
const DefaultPort uint16 = 1194

// errNoRemote is returned when a profile has no usable remote directive.
const errNoRemote errors.Error = "no remote directive in profile"

// RemoteEndpoint extracts the relay endpoint from a decoded OpenVPN profile.
// When the profile has no usable "remote host port" directive, it falls back
// to fallbackHost and [DefaultPort].
func RemoteEndpoint(profile []byte, fallbackHost string) (host string, port uint16) {
	host, port, err := parseRemote(profile)
	if err != nil {
		return fallbackHost, DefaultPort
	}

	return host, port
}

// parseRemote scans profile for its first remote directive.
func parseRemote(profile []byte) (host string, port uint16, err error) {
	sc := bufio.NewScanner(bytes.NewReader(profile))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[0] != "remote" {
			continue
		}

		p, parseErr := strconv.ParseUint(fields[2], 10, 16)
		if parseErr != nil {
			continue
		}

		return fields[1], uint16(p), nil
	}

	return "", 0, errNoRemote
}
