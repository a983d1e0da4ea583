package softether_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/kareemkamal10/connections-script/softether"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is a common timeout for tests.
const testTimeout = 5 * time.Second

// fakeRunner is a [softether.Runner] for tests that records invocations and
// replies from a script keyed by the command verb.
type fakeRunner struct {
	// calls are the recorded invocations, command name followed by the
	// arguments.
	calls [][]string

	// out maps a substring of the joined command line to the output to
	// return for it.
	out map[string]string

	// err maps a substring of the joined command line to the error to return
	// for it.
	err map[string]error
}

// type check
var _ softether.Runner = (*fakeRunner)(nil)

// Run implements the [softether.Runner] interface for *fakeRunner.
func (r *fakeRunner) Run(
	_ context.Context,
	name string,
	args ...string,
) (out []byte, err error) {
	r.calls = append(r.calls, append([]string{name}, args...))

	cmdline := name + " " + strings.Join(args, " ")
	for sub, e := range r.err {
		if strings.Contains(cmdline, sub) {
			return nil, e
		}
	}

	for sub, o := range r.out {
		if strings.Contains(cmdline, sub) {
			return []byte(o), nil
		}
	}

	return nil, nil
}

// newTestClient returns a client backed by r.
func newTestClient(r *fakeRunner) (c *softether.Client) {
	return softether.New(&softether.Config{
		Logger: slogutil.NewDiscardLogger(),
		Runner: r,
		Dir:    "/opt/softether",
	})
}

func TestClient_CreateAccount(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	err := c.CreateAccount(ctx, "203.0.113.10", 443)
	require.NoError(t, err)
	require.Len(t, r.calls, 1)

	call := r.calls[0]
	assert.Equal(t, "/opt/softether/vpncmd", call[0])
	assert.Contains(t, call, "AccountCreate "+softether.ConnectionName)
	assert.Contains(t, call, "/SERVER:203.0.113.10:443")
	assert.Contains(t, call, "/HUB:VPN")
}

func TestClient_Status(t *testing.T) {
	testCases := []struct {
		name string
		out  string
		want softether.LinkStatus
	}{{
		name: "connected",
		out:  "Session Status |Connected\n",
		want: softether.LinkConnected,
	}, {
		name: "connecting",
		out:  "Session Status |Connecting\n",
		want: softether.LinkConnecting,
	}, {
		name: "disconnected",
		out:  "Session Status |Offline\n",
		want: softether.LinkOther,
	}, {
		name: "garbage",
		out:  "unexpected output",
		want: softether.LinkOther,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRunner{out: map[string]string{"AccountStatusGet": tc.out}}
			c := newTestClient(r)

			ctx := testutil.ContextWithTimeout(t, testTimeout)

			st, err := c.Status(ctx)
			require.NoError(t, err)

			assert.Equal(t, tc.want, st)
		})
	}
}

func TestClient_Status_error(t *testing.T) {
	const errStatus errors.Error = "status failed"

	r := &fakeRunner{err: map[string]error{"AccountStatusGet": errStatus}}
	c := newTestClient(r)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	st, err := c.Status(ctx)
	require.Error(t, err)

	assert.ErrorIs(t, err, errStatus)
	assert.Equal(t, softether.LinkOther, st)
}

func TestRemoteEndpoint(t *testing.T) {
	testCases := []struct {
		name     string
		profile  string
		wantHost string
		wantPort uint16
	}{{
		name:     "remote_line",
		profile:  "client\ndev tun\nremote 203.0.113.10 443 udp\n",
		wantHost: "203.0.113.10",
		wantPort: 443,
	}, {
		name:     "no_remote",
		profile:  "client\ndev tun\n",
		wantHost: "198.51.100.1",
		wantPort: softether.DefaultPort,
	}, {
		name:     "bad_port",
		profile:  "remote 203.0.113.10 notaport\n",
		wantHost: "198.51.100.1",
		wantPort: softether.DefaultPort,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			host, port := softether.RemoteEndpoint([]byte(tc.profile), "198.51.100.1")

			assert.Equal(t, tc.wantHost, host)
			assert.Equal(t, tc.wantPort, port)
		})
	}
}
