// Package vpngate fetches the public VPN Gate relay directory and selects
// suitable relay candidates from it.
package vpngate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// LogPrefix is a prefix for logging.
const LogPrefix = "vpngate"

// DefaultFeedURL is the public VPN Gate directory feed.
const DefaultFeedURL = "http://www.vpngate.net/api/iphone/"

// maxFeedSize limits the amount of feed data read from the network.  The feed
// is public and untrusted, so an unbounded read is not acceptable.
const maxFeedSize = 32 * 1024 * 1024

// Candidate is a single relay offering from the directory feed.  Candidates
// are immutable snapshots: they are fetched fresh on each selection cycle and
// never persisted across runs.
type Candidate struct {
	// HostName is the relay's advertised host name, without a domain.
	HostName string

	// IP is the relay's public address.
	IP netip.Addr

	// Score is the directory's aggregate quality score.  It is never
	// negative.
	Score int64

	// Latency is the measured round-trip time.  It is never negative.
	Latency time.Duration

	// Speed is the measured throughput in bytes per second.
	Speed int64

	// CountryName and CountryCode describe the relay's locale.  CountryCode
	// is a two-letter code as published by the feed.
	CountryName string
	CountryCode string

	// Sessions is the number of currently established tunnel sessions.
	Sessions int64

	// Uptime is the relay's advertised uptime.
	Uptime time.Duration

	// TotalUsers and TotalTraffic are lifetime counters published by the
	// feed.
	TotalUsers   int64
	TotalTraffic int64

	// Operator and Message are free-form fields published by the relay's
	// operator.
	Operator string
	Message  string

	// ConfigData is the base64-encoded OpenVPN profile for this relay.  When
	// present, it is guaranteed to decode to a non-empty profile.
	ConfigData string
}

// Directory fetches the current relay candidate list from the remote
// directory feed.
type Directory struct {
	logger *slog.Logger
	http   *http.Client
	url    string
}

// DirectoryConfig is the configuration for the directory feed client.
type DirectoryConfig struct {
	// Logger is used for logging the parse process.  If nil, [slog.Default]
	// with [LogPrefix] is used.
	Logger *slog.Logger

	// HTTPClient is the client used for feed requests.  If nil,
	// [http.DefaultClient] is used.
	HTTPClient *http.Client

	// URL is the feed location.  If empty, [DefaultFeedURL] is used.
	URL string
}

// NewDirectory returns a new directory feed client.  c must not be nil.
func NewDirectory(c *DirectoryConfig) (d *Directory) {
	d = &Directory{
		logger: c.Logger,
		http:   c.HTTPClient,
		url:    c.URL,
	}

	if d.logger == nil {
		d.logger = slog.Default().With(slogutil.KeyPrefix, LogPrefix)
	}

	if d.http == nil {
		d.http = http.DefaultClient
	}

	if d.url == "" {
		d.url = DefaultFeedURL
	}

	return d
}

// Fetch downloads and parses the candidate feed.  Malformed rows are skipped
// individually, since partial data is preferable to none; only a total
// network, HTTP, or read failure is returned as an error.  Fetch performs no
// retries and mutates no host state; the retry policy belongs to the caller.
func (d *Directory) Fetch(ctx context.Context) (cands []Candidate, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating feed request: %w", err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching server list: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching server list: unexpected status %q", resp.Status)
	}

	cands, err = d.parseFeed(ctx, io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("reading server list: %w", err)
	}

	d.logger.InfoContext(ctx, "fetched server list", "candidates", len(cands))

	return cands, nil
}
