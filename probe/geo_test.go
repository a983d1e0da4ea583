package probe_test

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/kareemkamal10/connections-script/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProber_Location(t *testing.T) {
	reqs := 0
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			reqs++
			_, _ = w.Write([]byte(`{"city":"Tokyo","country_name":"Japan"}`))
		},
	))
	t.Cleanup(srv.Close)

	p := newTestProber(&probe.Config{
		GeoURLFormat: srv.URL + "/%s/json/",
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	ip := netip.MustParseAddr("203.0.113.77")

	loc, err := p.Location(ctx, ip)
	require.NoError(t, err)

	assert.Equal(t, "Tokyo, Japan", loc)

	// The second lookup is served from the cache.
	loc, err = p.Location(ctx, ip)
	require.NoError(t, err)

	assert.Equal(t, "Tokyo, Japan", loc)
	assert.Equal(t, 1, reqs)
}

func TestProber_Location_noData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		},
	))
	t.Cleanup(srv.Close)

	p := newTestProber(&probe.Config{
		GeoURLFormat: srv.URL + "/%s/json/",
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := p.Location(ctx, netip.MustParseAddr("203.0.113.77"))
	assert.Error(t, err)
}
