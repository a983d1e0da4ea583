// Package probe observes the externally visible effects of the network
// changes the rest of the program makes: the public IP address, whether
// names actually resolve, and whether the internet is reachable at all.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	rate "github.com/beefsack/go-rate"
	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
)

// LogPrefix is a prefix for logging.
const LogPrefix = "probe"

// DefaultIPServices are the public IP echo services queried in order until
// one answers.
var DefaultIPServices = []string{
	"https://api.ipify.org",
	"https://icanhazip.com",
	"https://ipecho.net/plain",
}

// DefaultReachabilityURL is the default URL fetched to confirm internet
// reachability.
const DefaultReachabilityURL = "https://www.google.com"

// DefaultGeoURLFormat is the default geolocation endpoint.  The single
// string verb receives the IP address.
const DefaultGeoURLFormat = "https://ipapi.co/%s/json/"

// DefaultGeoCacheTTL is the default lifetime of cached geolocation lookups.
const DefaultGeoCacheTTL = 1 * time.Hour

// defaultHTTPTimeout bounds a single probe HTTP request.
const defaultHTTPTimeout = 10 * time.Second

// defaultDNSTimeout bounds a single resolution check.
const defaultDNSTimeout = 5 * time.Second

// maxEchoBody bounds the response read from an IP echo service.  An address
// takes at most a few dozen bytes; anything longer is not an address.
const maxEchoBody = 256

// Rate limit on queries to the public echo services.
const (
	echoRateCount    = 3
	echoRateInterval = time.Second
)

// errEmptyEcho is returned when an IP echo service answers with an empty
// body.
const errEmptyEcho errors.Error = "empty response"

// Config is the prober configuration.
type Config struct {
	// Logger is used for logging probes.  If nil, [slog.Default] with
	// [LogPrefix] is used.
	Logger *slog.Logger

	// HTTPClient performs the probe requests.  If nil, a client with a
	// ten-second timeout is used.
	HTTPClient *http.Client

	// IPServices are the public IP echo service URLs.  If empty,
	// [DefaultIPServices] is used.
	IPServices []string

	// ResolvConfPath is the resolver configuration consulted by resolution
	// checks.  If empty, "/etc/resolv.conf" is used.
	ResolvConfPath string

	// DNSPort overrides the port used for resolution checks.  If empty, the
	// port from the resolver configuration is used.
	DNSPort string

	// ReachabilityURL is fetched to confirm internet reachability.  If
	// empty, [DefaultReachabilityURL] is used.
	ReachabilityURL string

	// GeoURLFormat is the geolocation endpoint, with a single string verb
	// for the IP address.  If empty, [DefaultGeoURLFormat] is used.
	GeoURLFormat string

	// GeoCacheTTL is the lifetime of cached geolocation lookups.  If zero,
	// [DefaultGeoCacheTTL] is used.
	GeoCacheTTL time.Duration
}

// Prober performs the network observations.  It is safe for concurrent use.
type Prober struct {
	logger          *slog.Logger
	http            *http.Client
	echoLimiter     *rate.RateLimiter
	geoCache        *gocache.Cache
	ipServices      []string
	resolvConfPath  string
	dnsPort         string
	reachabilityURL string
	geoURLFormat    string
}

// New returns a new prober.  c must not be nil.
func New(c *Config) (p *Prober) {
	p = &Prober{
		logger:          c.Logger,
		http:            c.HTTPClient,
		echoLimiter:     rate.New(echoRateCount, echoRateInterval),
		ipServices:      c.IPServices,
		resolvConfPath:  c.ResolvConfPath,
		dnsPort:         c.DNSPort,
		reachabilityURL: c.ReachabilityURL,
		geoURLFormat:    c.GeoURLFormat,
	}

	if p.logger == nil {
		p.logger = slog.Default().With(slogutil.KeyPrefix, LogPrefix)
	}

	if p.http == nil {
		p.http = &http.Client{Timeout: defaultHTTPTimeout}
	}

	if len(p.ipServices) == 0 {
		p.ipServices = DefaultIPServices
	}

	if p.resolvConfPath == "" {
		p.resolvConfPath = "/etc/resolv.conf"
	}

	if p.reachabilityURL == "" {
		p.reachabilityURL = DefaultReachabilityURL
	}

	if p.geoURLFormat == "" {
		p.geoURLFormat = DefaultGeoURLFormat
	}

	ttl := c.GeoCacheTTL
	if ttl == 0 {
		ttl = DefaultGeoCacheTTL
	}
	p.geoCache = gocache.New(ttl, 2*ttl)

	return p
}

// PublicIP returns the public IP address as seen by the first echo service
// that answers.  When none answers, the returned error aggregates every
// per-service failure.
func (p *Prober) PublicIP(ctx context.Context) (ip netip.Addr, err error) {
	var errs []error
	for _, svc := range p.ipServices {
		err = p.waitEcho(ctx)
		if err != nil {
			return netip.Addr{}, err
		}

		ip, err = p.fetchIP(ctx, svc)
		if err == nil {
			p.logger.DebugContext(ctx, "public ip observed", "ip", ip, "service", svc)

			return ip, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", svc, err))
	}

	return netip.Addr{}, fmt.Errorf("querying public ip: %w", errors.Join(errs...))
}

// PublicIPChanged reports whether the public IP address differs from prev,
// along with the currently observed address.
func (p *Prober) PublicIPChanged(
	ctx context.Context,
	prev netip.Addr,
) (changed bool, cur netip.Addr, err error) {
	cur, err = p.PublicIP(ctx)
	if err != nil {
		return false, netip.Addr{}, err
	}

	return cur != prev, cur, nil
}

// fetchIP queries a single echo service.
func (p *Prober) fetchIP(ctx context.Context, svc string) (ip netip.Addr, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc, nil)
	if err != nil {
		return netip.Addr{}, err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return netip.Addr{}, err
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEchoBody))
	if err != nil {
		return netip.Addr{}, err
	}

	s := strings.TrimSpace(string(body))
	if s == "" {
		return netip.Addr{}, errEmptyEcho
	}

	return netip.ParseAddr(s)
}

// waitEcho takes a slot from the echo service rate limiter, waiting as long
// as ctx allows.
func (p *Prober) waitEcho(ctx context.Context) (err error) {
	for {
		ok, wait := p.echoLimiter.Try()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// Try again.
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		}
	}
}

// Resolves checks that domain resolves through the host's current resolver
// configuration.  The check queries the first configured nameserver directly
// and requires a successful response carrying at least one answer.
func (p *Prober) Resolves(ctx context.Context, domain string) (err error) {
	conf, err := dns.ClientConfigFromFile(p.resolvConfPath)
	if err != nil {
		return fmt.Errorf("reading resolver configuration: %w", err)
	} else if len(conf.Servers) == 0 {
		return fmt.Errorf("no nameservers in %s", p.resolvConfPath)
	}

	port := conf.Port
	if p.dnsPort != "" {
		port = p.dnsPort
	}

	req := (&dns.Msg{}).SetQuestion(dns.Fqdn(domain), dns.TypeA)
	cli := &dns.Client{Timeout: defaultDNSTimeout}
	addr := net.JoinHostPort(conf.Servers[0], port)

	resp, _, err := cli.ExchangeContext(ctx, req, addr)
	if err != nil {
		return fmt.Errorf("querying %s: %w", addr, err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("querying %s: %s", addr, dns.RcodeToString[resp.Rcode])
	} else if len(resp.Answer) == 0 {
		return fmt.Errorf("querying %s: no answers", addr)
	}

	return nil
}

// InternetReachable checks that the internet is reachable at all.  Any
// response from the reachability URL counts; only a transport failure does
// not.
func (p *Prober) InternetReachable(ctx context.Context) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.reachabilityURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("checking internet reachability: %w", err)
	}
	defer slogutil.CloseAndLog(ctx, p.logger, resp.Body, slog.LevelDebug)

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEchoBody))

	return nil
}
