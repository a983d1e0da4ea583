package probe_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/kareemkamal10/connections-script/probe"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is a common timeout for tests.
const testTimeout = 5 * time.Second

// newTestProber returns a prober with the given overrides and a discard
// logger.
func newTestProber(c *probe.Config) (p *probe.Prober) {
	c.Logger = slogutil.NewDiscardLogger()

	return probe.New(c)
}

// newEchoServer returns the URL of a test server answering every request
// with body.
func newEchoServer(t *testing.T, code int, body string) (u string) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
		},
	))
	t.Cleanup(srv.Close)

	return srv.URL
}

func TestProber_PublicIP(t *testing.T) {
	badSrv := newEchoServer(t, http.StatusOK, "not an address")
	goodSrv := newEchoServer(t, http.StatusOK, "  203.0.113.77\n")

	p := newTestProber(&probe.Config{
		IPServices: []string{badSrv, goodSrv},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	ip, err := p.PublicIP(ctx)
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("203.0.113.77"), ip)
}

func TestProber_PublicIP_allFail(t *testing.T) {
	empty := newEchoServer(t, http.StatusOK, "")
	broken := newEchoServer(t, http.StatusInternalServerError, "oops")

	p := newTestProber(&probe.Config{
		IPServices: []string{empty, broken},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := p.PublicIP(ctx)
	require.Error(t, err)

	// The aggregate error names every failed service.
	assert.Contains(t, err.Error(), empty)
	assert.Contains(t, err.Error(), broken)
}

func TestProber_PublicIPChanged(t *testing.T) {
	srv := newEchoServer(t, http.StatusOK, "203.0.113.77")

	p := newTestProber(&probe.Config{
		IPServices: []string{srv},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	changed, cur, err := p.PublicIPChanged(ctx, netip.MustParseAddr("198.51.100.1"))
	require.NoError(t, err)

	assert.True(t, changed)
	assert.Equal(t, netip.MustParseAddr("203.0.113.77"), cur)

	changed, _, err = p.PublicIPChanged(ctx, cur)
	require.NoError(t, err)

	assert.False(t, changed)
}

func TestProber_InternetReachable(t *testing.T) {
	// Any response at all means the internet is reachable, an unhappy
	// server included.
	srv := newEchoServer(t, http.StatusInternalServerError, "oops")

	p := newTestProber(&probe.Config{
		ReachabilityURL: srv,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	assert.NoError(t, p.InternetReachable(ctx))
}

func TestProber_InternetReachable_down(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()

	p := newTestProber(&probe.Config{
		ReachabilityURL: u,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	assert.Error(t, p.InternetReachable(ctx))
}

// newLocalDNS starts a DNS server on a random local port answering every A
// query with answer, or with NXDOMAIN when answer is empty.
func newLocalDNS(t *testing.T, answer string) (port string) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	h := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		pt := testutil.PanicT{}

		resp := (&dns.Msg{}).SetReply(r)
		if answer == "" {
			resp.Rcode = dns.RcodeNameError
		} else {
			rr, rrErr := dns.NewRR(r.Question[0].Name + " 60 IN A " + answer)
			require.NoError(pt, rrErr)

			resp.Answer = append(resp.Answer, rr)
		}

		require.NoError(pt, w.WriteMsg(resp))
	})

	srv := &dns.Server{PacketConn: pc, Handler: h}
	go func() { _ = srv.ActivateAndServe() }()
	testutil.CleanupAndRequireSuccess(t, srv.Shutdown)

	_, port, err = net.SplitHostPort(pc.LocalAddr().String())
	require.NoError(t, err)

	return port
}

// writeResolvConf writes a resolver configuration pointing at localhost and
// returns its path.
func writeResolvConf(t *testing.T) (path string) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "resolv.conf")
	err := os.WriteFile(path, []byte("nameserver 127.0.0.1\n"), 0o644)
	require.NoError(t, err)

	return path
}

func TestProber_Resolves(t *testing.T) {
	port := newLocalDNS(t, "203.0.113.1")

	p := newTestProber(&probe.Config{
		ResolvConfPath: writeResolvConf(t),
		DNSPort:        port,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	assert.NoError(t, p.Resolves(ctx, "example.org"))
}

func TestProber_Resolves_nxdomain(t *testing.T) {
	port := newLocalDNS(t, "")

	p := newTestProber(&probe.Config{
		ResolvConfPath: writeResolvConf(t),
		DNSPort:        port,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	assert.Error(t, p.Resolves(ctx, "example.org"))
}

func TestProber_Resolves_noConf(t *testing.T) {
	p := newTestProber(&probe.Config{
		ResolvConfPath: filepath.Join(t.TempDir(), "missing.conf"),
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	assert.Error(t, p.Resolves(ctx, "example.org"))
}
