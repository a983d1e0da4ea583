package connect_test

import (
	"context"
	"encoding/base64"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/kareemkamal10/connections-script/connect"
	"github.com/kareemkamal10/connections-script/softether"
	"github.com/kareemkamal10/connections-script/vpngate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is a common timeout for tests.
const testTimeout = 5 * time.Second

// testProfile is a valid encoded connection profile pointing at
// 203.0.113.10:443.
var testProfile = base64.StdEncoding.EncodeToString(
	[]byte("client\ndev tun\nremote 203.0.113.10 443 udp\n"),
)

// fakeTunnel is a [connect.Tunnel] for tests with scripted failures.
type fakeTunnel struct {
	// adapterErr, accountErr, connectErr, and statusErr are returned by the
	// corresponding methods when not nil.
	adapterErr error
	accountErr error
	connectErr error
	statusErr  error

	// statusSeq is the sequence of link states reported by consecutive
	// Status calls.  The last element repeats once the sequence is spent.
	statusSeq []softether.LinkStatus

	// adapters, accounts, connects, statuses, and disconnects count the
	// calls to the corresponding methods.
	adapters    int
	accounts    int
	connects    int
	statuses    int
	disconnects int

	// lastHost and lastPort record the endpoint of the last account.
	lastHost string
	lastPort uint16
}

// type check
var _ connect.Tunnel = (*fakeTunnel)(nil)

// CreateAdapter implements the [connect.Tunnel] interface for *fakeTunnel.
func (ft *fakeTunnel) CreateAdapter(_ context.Context) (err error) {
	ft.adapters++

	return ft.adapterErr
}

// CreateAccount implements the [connect.Tunnel] interface for *fakeTunnel.
func (ft *fakeTunnel) CreateAccount(_ context.Context, host string, port uint16) (err error) {
	ft.accounts++
	ft.lastHost, ft.lastPort = host, port

	return ft.accountErr
}

// Connect implements the [connect.Tunnel] interface for *fakeTunnel.
func (ft *fakeTunnel) Connect(_ context.Context) (err error) {
	ft.connects++

	return ft.connectErr
}

// Status implements the [connect.Tunnel] interface for *fakeTunnel.
func (ft *fakeTunnel) Status(_ context.Context) (st softether.LinkStatus, err error) {
	ft.statuses++
	if ft.statusErr != nil {
		return softether.LinkOther, ft.statusErr
	}

	if len(ft.statusSeq) == 0 {
		return softether.LinkOther, nil
	}

	st = ft.statusSeq[0]
	if len(ft.statusSeq) > 1 {
		ft.statusSeq = ft.statusSeq[1:]
	}

	return st, nil
}

// Disconnect implements the [connect.Tunnel] interface for *fakeTunnel.
func (ft *fakeTunnel) Disconnect(_ context.Context) (err error) {
	ft.disconnects++

	return nil
}

// fakeProber is a [connect.Prober] for tests.
type fakeProber struct {
	ip  netip.Addr
	err error
}

// type check
var _ connect.Prober = (*fakeProber)(nil)

// PublicIP implements the [connect.Prober] interface for *fakeProber.
func (fp *fakeProber) PublicIP(_ context.Context) (ip netip.Addr, err error) {
	return fp.ip, fp.err
}

// newTestController returns a controller with timings small enough for tests.
func newTestController(ft *fakeTunnel, fp *fakeProber, maxAttempts int) (c *connect.Controller) {
	return connect.New(&connect.Config{
		Logger:       slogutil.NewDiscardLogger(),
		Tunnel:       ft,
		Prober:       fp,
		Rand:         rand.New(rand.NewSource(1)),
		OriginalIP:   netip.MustParseAddr("198.51.100.1"),
		MaxAttempts:  maxAttempts,
		ConnectWait:  100 * time.Millisecond,
		PollInterval: time.Millisecond,
		Cooldown:     time.Millisecond,
	})
}

// newRanked returns n candidates with decreasing scores and valid profiles.
func newRanked(n int) (cands []vpngate.Candidate) {
	for i := range n {
		cands = append(cands, vpngate.Candidate{
			HostName:   "relay" + string(rune('a'+i)),
			IP:         netip.MustParseAddr("203.0.113.10"),
			Score:      int64(1000 - i),
			ConfigData: testProfile,
		})
	}

	return cands
}

func TestController_ConnectBest(t *testing.T) {
	ft := &fakeTunnel{
		statusSeq: []softether.LinkStatus{
			softether.LinkConnecting,
			softether.LinkConnected,
		},
	}
	fp := &fakeProber{ip: netip.MustParseAddr("203.0.113.10")}
	c := newTestController(ft, fp, 3)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	chosen, err := c.ConnectBest(ctx, newRanked(3))
	require.NoError(t, err)
	require.NotNil(t, chosen)

	assert.Equal(t, "relaya", chosen.HostName)
	assert.Equal(t, "203.0.113.10", ft.lastHost)
	assert.Equal(t, uint16(443), ft.lastPort)
	assert.Equal(t, 1, ft.adapters)
	assert.Equal(t, 0, ft.disconnects)
}

func TestController_ConnectBest_empty(t *testing.T) {
	ft := &fakeTunnel{}
	fp := &fakeProber{}
	c := newTestController(ft, fp, 3)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	chosen, err := c.ConnectBest(ctx, nil)
	require.Nil(t, chosen)

	assert.ErrorIs(t, err, connect.ErrNoCandidates)

	// The failure is immediate: the tunnel client is never touched.
	assert.Equal(t, 0, ft.adapters)
	assert.Equal(t, 0, ft.connects)
}

func TestController_ConnectBest_exhausted(t *testing.T) {
	const maxAttempts = 3

	const errConnect errors.Error = "connect refused"

	ft := &fakeTunnel{connectErr: errConnect}
	fp := &fakeProber{}
	c := newTestController(ft, fp, maxAttempts)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	chosen, err := c.ConnectBest(ctx, newRanked(2))
	require.Nil(t, chosen)

	assert.ErrorIs(t, err, connect.ErrExhausted)
	assert.ErrorIs(t, err, errConnect)

	// Exactly maxAttempts attempts were made, the short list notwithstanding,
	// and every failed attempt after adapter creation was torn down.
	assert.Equal(t, maxAttempts, ft.adapters)
	assert.Equal(t, maxAttempts, ft.connects)
	assert.Equal(t, maxAttempts, ft.disconnects)
}

func TestController_ConnectBest_adapterFailure(t *testing.T) {
	const errAdapter errors.Error = "nic create failed"

	ft := &fakeTunnel{adapterErr: errAdapter}
	fp := &fakeProber{}
	c := newTestController(ft, fp, 2)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := c.ConnectBest(ctx, newRanked(2))
	require.Error(t, err)

	assert.ErrorIs(t, err, connect.ErrExhausted)

	// Adapter creation failed before anything was established, so no
	// teardown happens.
	assert.Equal(t, 2, ft.adapters)
	assert.Equal(t, 0, ft.disconnects)
}

func TestController_ConnectBest_linkTimeout(t *testing.T) {
	ft := &fakeTunnel{
		statusSeq: []softether.LinkStatus{softether.LinkConnecting},
	}
	fp := &fakeProber{}
	c := newTestController(ft, fp, 1)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := c.ConnectBest(ctx, newRanked(1))
	require.Error(t, err)

	assert.ErrorIs(t, err, connect.ErrExhausted)
	assert.Equal(t, 1, ft.disconnects)
	assert.Greater(t, ft.statuses, 1)
}

func TestController_ConnectBest_ipUnchanged(t *testing.T) {
	ft := &fakeTunnel{
		statusSeq: []softether.LinkStatus{softether.LinkConnected},
	}

	// The prober keeps observing the original address.
	fp := &fakeProber{ip: netip.MustParseAddr("198.51.100.1")}
	c := newTestController(ft, fp, 1)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	chosen, err := c.ConnectBest(ctx, newRanked(1))
	require.Nil(t, chosen)

	assert.ErrorIs(t, err, connect.ErrExhausted)
	assert.Equal(t, 1, ft.disconnects)
}

func TestController_ConnectBest_badProfile(t *testing.T) {
	ft := &fakeTunnel{}
	fp := &fakeProber{}
	c := newTestController(ft, fp, 1)

	cand := vpngate.Candidate{
		HostName:   "relay",
		IP:         netip.MustParseAddr("203.0.113.10"),
		ConfigData: "%%% not base64 %%%",
	}

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := c.ConnectBest(ctx, []vpngate.Candidate{cand})
	require.Error(t, err)

	// The profile is rejected before any account is created.
	assert.Equal(t, 0, ft.accounts)
	assert.Equal(t, 0, ft.connects)
}

func TestController_ConnectBest_randomFallback(t *testing.T) {
	const errConnect errors.Error = "connect refused"

	// A single-candidate list with three attempts: the later attempts draw
	// from the head of the list instead of running out of candidates.
	ft := &fakeTunnel{connectErr: errConnect}
	fp := &fakeProber{}
	c := newTestController(ft, fp, 3)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := c.ConnectBest(ctx, newRanked(1))
	require.Error(t, err)

	assert.ErrorIs(t, err, connect.ErrExhausted)
	assert.Equal(t, 3, ft.connects)
}

func TestController_ConnectBest_canceled(t *testing.T) {
	ft := &fakeTunnel{
		statusSeq: []softether.LinkStatus{softether.LinkConnecting},
	}
	fp := &fakeProber{}
	c := newTestController(ft, fp, 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.ConnectBest(ctx, newRanked(3))
	require.Error(t, err)

	assert.ErrorIs(t, err, context.Canceled)

	// The partially established attempt was still torn down.
	assert.Equal(t, 1, ft.disconnects)
}
