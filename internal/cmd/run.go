package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/kareemkamal10/connections-script/connect"
	"github.com/kareemkamal10/connections-script/dnsconf"
	"github.com/kareemkamal10/connections-script/internal/version"
	"github.com/kareemkamal10/connections-script/probe"
	"github.com/kareemkamal10/connections-script/softether"
	"github.com/kareemkamal10/connections-script/vpngate"
)

// errNotRoot is returned when the program lacks the privileges to mutate the
// host's network state.
const errNotRoot errors.Error = "must be run as root"

// run executes the mode the configuration selects.  l must not be nil.
func run(ctx context.Context, l *slog.Logger, conf *configuration) (err error) {
	l.InfoContext(
		ctx,
		"starting",
		"prog", progName,
		"version", version.Version(),
		"revision", version.Revision(),
		"branch", version.Branch(),
		"commit_time", version.CommitTime(),
	)

	if d := time.Duration(conf.Timeout); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	prober := probe.New(&probe.Config{
		Logger: l.With(slogutil.KeyPrefix, probe.LogPrefix),
	})

	if conf.StatusOnly {
		return reportStatus(ctx, l, conf, prober)
	}

	// Everything below mutates host state in one way or another.
	if os.Geteuid() != 0 {
		return errNotRoot
	}

	release, err := dnsconf.AcquireLock(conf.LockFile)
	if err != nil {
		return fmt.Errorf("acquiring host lock: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, release()) }()

	tx := dnsconf.New(&dnsconf.Config{
		Logger: l.With(slogutil.KeyPrefix, dnsconf.LogPrefix),
		Runner: &softether.CommandRunner{},
		Prober: prober,
	})

	if conf.RestoreDNS {
		var restored bool
		restored, err = tx.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restoring dns configuration: %w", err)
		}

		if !restored {
			l.WarnContext(ctx, "nothing to restore")
		}

		return nil
	}

	return establish(ctx, l, conf, prober, tx)
}

// establish performs the default mode: connect to the best relay, then
// reconfigure DNS, then report the result.
func establish(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	prober *probe.Prober,
	tx *dnsconf.Transaction,
) (err error) {
	err = prober.InternetReachable(ctx)
	if err != nil {
		return fmt.Errorf("no internet connectivity: %w", err)
	}

	// The original address anchors the later verification that the tunnel
	// actually changed something.  Failing to observe it only weakens that
	// check, so carry on without it.
	originalIP, ipErr := prober.PublicIP(ctx)
	if ipErr != nil {
		l.WarnContext(ctx, "could not observe public ip", slogutil.KeyError, ipErr)
	} else {
		l.InfoContext(ctx, "public ip before connecting", "ip", originalIP)
	}

	client := softether.New(&softether.Config{
		Logger: l.With(slogutil.KeyPrefix, softether.LogPrefix),
		Dir:    conf.SoftEtherDir,
	})

	var chosen *vpngate.Candidate
	if conf.SkipVPN {
		l.InfoContext(ctx, "skipping relay connection")
	} else {
		chosen, err = connectRelay(ctx, l, conf, client, prober, originalIP)
		if err != nil {
			return fmt.Errorf("connecting to relay: %w", err)
		}
	}

	if conf.SkipDNS {
		l.InfoContext(ctx, "skipping dns configuration")
	} else {
		err = applyDNS(ctx, l, conf, client, tx, chosen != nil)
		if err != nil {
			return err
		}
	}

	if conf.DNSCryptStamp != "" {
		// The encrypted resolver is an extra assurance on top of a working
		// setup, so a failed check is reported but does not undo anything.
		dcErr := prober.EncryptedDNS(ctx, conf.DNSCryptStamp)
		if dcErr != nil {
			l.WarnContext(ctx, "encrypted dns check failed", slogutil.KeyError, dcErr)
		} else {
			l.InfoContext(ctx, "encrypted dns works")
		}
	}

	summarize(ctx, l, prober, chosen)

	return nil
}

// connectRelay fetches the relay directory and drives the client to a
// verified connection.
func connectRelay(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	client *softether.Client,
	prober *probe.Prober,
	originalIP netip.Addr,
) (chosen *vpngate.Candidate, err error) {
	err = client.StartService(ctx)
	if err != nil {
		return nil, err
	}

	dir := vpngate.NewDirectory(&vpngate.DirectoryConfig{
		Logger: l.With(slogutil.KeyPrefix, vpngate.LogPrefix),
		URL:    conf.FeedURL,
	})

	cands, err := dir.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching relay directory: %w", err)
	}

	ranked := vpngate.Select(cands, conf.thresholds())
	l.InfoContext(ctx, "relays selected", "total", len(cands), "eligible", len(ranked))

	if conf.ProbeLatency {
		pinger := vpngate.NewPinger(&vpngate.PingerConfig{
			Logger: l.With(slogutil.KeyPrefix, vpngate.LogPrefix),
		})
		ranked = pinger.Measure(ctx, ranked)
	}

	ctrl := connect.New(&connect.Config{
		Logger:      l.With(slogutil.KeyPrefix, connect.LogPrefix),
		Tunnel:      client,
		Prober:      prober,
		OriginalIP:  originalIP,
		MaxAttempts: conf.MaxAttempts,
		ConnectWait: time.Duration(conf.ConnectWait),
	})

	return ctrl.ConnectBest(ctx, ranked)
}

// applyDNS runs the DNS transaction.  When the transaction fails after a
// relay connection has been established, the connection is torn down so the
// host is not left half-configured.
func applyDNS(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	client *softether.Client,
	tx *dnsconf.Transaction,
	connected bool,
) (err error) {
	// Already validated.
	custom, _ := conf.customDNSAddrs()

	err = tx.Apply(ctx, conf.DNSProvider, custom)
	if err == nil {
		return nil
	}

	if connected {
		dErr := client.Disconnect(context.WithoutCancel(ctx))
		if dErr != nil {
			l.WarnContext(ctx, "disconnecting after dns failure", slogutil.KeyError, dErr)
		}
	}

	return fmt.Errorf("configuring dns: %w", err)
}

// summarize reports what the run has achieved.
func summarize(
	ctx context.Context,
	l *slog.Logger,
	prober *probe.Prober,
	chosen *vpngate.Candidate,
) {
	ip, err := prober.PublicIP(ctx)
	if err != nil {
		l.WarnContext(ctx, "could not observe final public ip", slogutil.KeyError, err)

		return
	}

	attrs := []any{"public_ip", ip}
	if chosen != nil {
		attrs = append(
			attrs,
			"relay", chosen.HostName,
			"relay_country", chosen.CountryName,
		)
	}

	loc, err := prober.Location(ctx, ip)
	if err != nil {
		l.DebugContext(ctx, "could not look up location", slogutil.KeyError, err)
	} else {
		attrs = append(attrs, "location", loc)
	}

	resolveErr := prober.Resolves(ctx, dnsconf.DefaultTestDomains[0])
	attrs = append(attrs, "dns_works", resolveErr == nil)

	l.InfoContext(ctx, "connection established", attrs...)
}

// reportStatus reports the current state of the connection without changing
// anything.
func reportStatus(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	prober *probe.Prober,
) (err error) {
	ip, err := prober.PublicIP(ctx)
	if err != nil {
		return fmt.Errorf("observing public ip: %w", err)
	}

	attrs := []any{"public_ip", ip}

	loc, locErr := prober.Location(ctx, ip)
	if locErr == nil {
		attrs = append(attrs, "location", loc)
	}

	client := softether.New(&softether.Config{
		Logger: l.With(slogutil.KeyPrefix, softether.LogPrefix),
		Dir:    conf.SoftEtherDir,
	})

	// Querying the client is read-only, but the binary may be absent on a
	// host that never connected.
	st, stErr := client.Status(ctx)
	if stErr != nil {
		l.DebugContext(ctx, "could not query link status", slogutil.KeyError, stErr)
	} else {
		attrs = append(attrs, "link", st)
	}

	resolveErr := prober.Resolves(ctx, dnsconf.DefaultTestDomains[0])
	attrs = append(attrs, "dns_works", resolveErr == nil)

	l.InfoContext(ctx, "status", attrs...)

	return nil
}
