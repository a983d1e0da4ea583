package vpngate_test

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/kareemkamal10/connections-script/vpngate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is a common timeout for tests.
const testTimeout = 5 * time.Second

// testProfile is a base64-encoded OpenVPN profile used in feed rows.
var testProfile = base64.StdEncoding.EncodeToString([]byte(
	"client\ndev tun\nremote 203.0.113.10 1194\n",
))

// feedRow returns one well-formed feed record.
func feedRow(host, ip string, score, ping, speed int64, cc string) (row string) {
	return fmt.Sprintf(
		"%s,%s,%d,%d,%d,Testland,%s,8,123456,1000,2000,2weeks,op,msg,%s",
		host, ip, score, ping, speed, cc, testProfile,
	)
}

// newTestDirectory returns a directory client fetching from a server that
// responds with body.
func newTestDirectory(t *testing.T, body string) (d *vpngate.Directory) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, err := w.Write([]byte(body))
			require.NoError(testutil.PanicT{}, err)
		},
	))
	t.Cleanup(srv.Close)

	return vpngate.NewDirectory(&vpngate.DirectoryConfig{
		Logger:     slogutil.NewDiscardLogger(),
		HTTPClient: srv.Client(),
		URL:        srv.URL,
	})
}

func TestDirectory_Fetch(t *testing.T) {
	feed := "*vpn_servers\n" +
		"#HostName,IP,Score,Ping,Speed,CountryLong,CountryShort,NumVpnSessions," +
		"Uptime,TotalUsers,TotalTraffic,LogType,Operator,Message,OpenVPN_ConfigData_Base64\n" +
		feedRow("relay1", "198.51.100.1", 5, 20, 5_000_000, "JP") + "\n" +
		feedRow("relay2", "198.51.100.2", 9, 30, 5_000_000, "US") + "\n" +
		"broken,not-an-ip,NaN\n" +
		feedRow("relay3", "198.51.100.3", 7, 10, 5_000_000, "DE") + "\n"

	d := newTestDirectory(t, feed)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	cands, err := d.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 3)

	ranked := vpngate.Select(cands, &vpngate.Thresholds{
		MinScore:   0,
		MaxLatency: time.Second,
		MinSpeed:   0,
	})
	require.Len(t, ranked, 3)

	gotScores := []int64{ranked[0].Score, ranked[1].Score, ranked[2].Score}
	assert.Equal(t, []int64{9, 7, 5}, gotScores)
}

func TestDirectory_Fetch_malformed(t *testing.T) {
	testCases := []struct {
		name string
		row  string
	}{{
		name: "field_count",
		row:  "relay,198.51.100.1,100",
	}, {
		name: "bad_address",
		row:  "relay,relay.example,100,10,1000,Testland,JP,1,1,1,1,t,o,m," + testProfile,
	}, {
		name: "non_numeric_score",
		row:  "relay,198.51.100.1,high,10,1000,Testland,JP,1,1,1,1,t,o,m," + testProfile,
	}, {
		name: "negative_score",
		row:  "relay,198.51.100.1,-5,10,1000,Testland,JP,1,1,1,1,t,o,m," + testProfile,
	}, {
		name: "bad_profile",
		row:  "relay,198.51.100.1,100,10,1000,Testland,JP,1,1,1,1,t,o,m,!!!not-base64!!!",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			feed := tc.row + "\n" + feedRow("good", "198.51.100.9", 100, 10, 1000, "JP") + "\n"

			d := newTestDirectory(t, feed)
			ctx := testutil.ContextWithTimeout(t, testTimeout)

			cands, err := d.Fetch(ctx)
			require.NoError(t, err)
			require.Len(t, cands, 1)

			assert.Equal(t, "good", cands[0].HostName)
		})
	}
}

func TestDirectory_Fetch_httpError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		},
	))
	t.Cleanup(srv.Close)

	d := vpngate.NewDirectory(&vpngate.DirectoryConfig{
		Logger:     slogutil.NewDiscardLogger(),
		HTTPClient: srv.Client(),
		URL:        srv.URL,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := d.Fetch(ctx)
	assert.Error(t, err)
}
