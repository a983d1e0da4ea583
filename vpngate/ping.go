package vpngate

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// Defaults for the pinger configuration.
const (
	// defaultPingTimeout is a TCP connection timeout.
	defaultPingTimeout = 4 * time.Second

	// defaultPingConcurrency bounds the number of simultaneous dials.
	defaultPingConcurrency = 8
)

// defaultPingPorts are the ports dialed to measure a relay's latency.
// Relays expose an HTTPS listener alongside the tunnel endpoint, and a plain
// web port as a fallback.
var defaultPingPorts = []uint16{443, 80}

// PingerConfig is the relay latency pinger configuration.
type PingerConfig struct {
	// Logger is used for logging the measurements.  If nil, [slog.Default]
	// with [LogPrefix] is used.
	Logger *slog.Logger

	// Ports are the TCP ports dialed on each relay, tried in order until one
	// answers.  If empty, 443 and 80 are used.
	Ports []uint16

	// Timeout bounds a single dial.  If zero, four seconds are used.
	Timeout time.Duration

	// Concurrency bounds the number of simultaneous dials.  If zero, eight
	// is used.
	Concurrency int
}

// Pinger measures live TCP latency to relays, replacing the latency figures
// the feed publishes with ones observed from here.
type Pinger struct {
	logger      *slog.Logger
	dialer      *net.Dialer
	ports       []uint16
	concurrency int
}

// NewPinger returns a new relay latency pinger.  c must not be nil.
func NewPinger(c *PingerConfig) (p *Pinger) {
	p = &Pinger{
		logger:      c.Logger,
		ports:       c.Ports,
		concurrency: c.Concurrency,
	}

	if p.logger == nil {
		p.logger = slog.Default().With(slogutil.KeyPrefix, LogPrefix)
	}

	if len(p.ports) == 0 {
		p.ports = defaultPingPorts
	}

	if p.concurrency == 0 {
		p.concurrency = defaultPingConcurrency
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultPingTimeout
	}
	p.dialer = &net.Dialer{Timeout: timeout}

	return p
}

// pingResult is the measurement for a single candidate.
type pingResult struct {
	latency time.Duration
	success bool
}

// Measure dials every candidate and returns the list reordered by measured
// latency: reachable relays first, fastest first, then the unreachable ones
// in their original order with their feed latencies intact.  cands is not
// modified.
func (p *Pinger) Measure(ctx context.Context, cands []Candidate) (measured []Candidate) {
	results := make([]pingResult, len(cands))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.concurrency)
	for i, cand := range cands {
		wg.Add(1)
		sem <- struct{}{}

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			results[i] = p.ping(ctx, cand.IP)
		}()
	}
	wg.Wait()

	type entry struct {
		cand Candidate
		res  pingResult
	}

	entries := make([]entry, len(cands))
	for i, cand := range cands {
		entries[i] = entry{cand: cand, res: results[i]}
		if results[i].success {
			entries[i].cand.Latency = results[i].latency
		}
	}

	sort.SliceStable(entries, func(i, j int) (less bool) {
		ei, ej := entries[i], entries[j]
		if ei.res.success != ej.res.success {
			return ei.res.success
		} else if !ei.res.success {
			return false
		}

		return ei.cand.Latency < ej.cand.Latency
	})

	measured = make([]Candidate, len(entries))
	for i, e := range entries {
		measured[i] = e.cand
	}

	return measured
}

// ping dials ip on the configured ports, in order, and returns the first
// successful measurement.
func (p *Pinger) ping(ctx context.Context, ip netip.Addr) (res pingResult) {
	for _, port := range p.ports {
		addr := net.JoinHostPort(ip.String(), strconv.FormatUint(uint64(port), 10))

		start := time.Now()
		conn, err := p.dialer.DialContext(ctx, "tcp", addr)
		elapsed := time.Since(start)

		if err != nil {
			p.logger.DebugContext(ctx, "dial failed", "addr", addr, slogutil.KeyError, err)

			continue
		}

		if cerr := conn.Close(); cerr != nil {
			p.logger.DebugContext(ctx, "closing connection", slogutil.KeyError, cerr)
		}

		p.logger.DebugContext(ctx, "dial succeeded", "addr", addr, "elapsed", elapsed)

		return pingResult{latency: elapsed, success: true}
	}

	return pingResult{}
}
