// Package connect implements the bounded-retry state machine that drives the
// external tunnel client from a ranked candidate list to a verified
// connection.
package connect

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/kareemkamal10/connections-script/softether"
	"github.com/kareemkamal10/connections-script/vpngate"
)

// LogPrefix is a prefix for logging.
const LogPrefix = "connect"

// Defaults for the controller configuration.
const (
	// DefaultMaxAttempts is the default number of connection attempts before
	// giving up.
	DefaultMaxAttempts = 3

	// DefaultConnectWait is the default upper bound on waiting for the
	// client to report an established link after a connect command.
	DefaultConnectWait = 30 * time.Second

	// DefaultPollInterval is the default pause between link state polls.
	DefaultPollInterval = 2 * time.Second

	// DefaultCooldown is the default pause between a failed attempt and the
	// next one.
	DefaultCooldown = 2 * time.Second

	// DefaultTopN is the size of the head of the ranked list that attempts
	// draw random candidates from once the list itself is exhausted.
	DefaultTopN = 10
)

// Errors returned by [Controller.ConnectBest].
const (
	// ErrNoCandidates is returned when the ranked list is empty.  No attempt
	// is made in that case.
	ErrNoCandidates errors.Error = "no suitable candidates"

	// ErrExhausted is returned when every allowed attempt has failed.
	ErrExhausted errors.Error = "all connection attempts failed"
)

// Errors marking individual attempt failures.
const (
	errEmptyProfile   errors.Error = "connection profile is empty"
	errConnectTimeout errors.Error = "client did not report an established link in time"
	errIPUnchanged    errors.Error = "public ip did not change"
)

// Tunnel is the controller's view of the external tunnel client.  It is
// implemented by [softether.Client].
type Tunnel interface {
	CreateAdapter(ctx context.Context) (err error)
	CreateAccount(ctx context.Context, host string, port uint16) (err error)
	Connect(ctx context.Context) (err error)
	Status(ctx context.Context) (st softether.LinkStatus, err error)
	Disconnect(ctx context.Context) (err error)
}

// Prober reports the currently observable public IP address.
type Prober interface {
	PublicIP(ctx context.Context) (ip netip.Addr, err error)
}

// Config is the connection attempt controller configuration.
type Config struct {
	// Logger is used for logging the connection process.  If nil,
	// [slog.Default] with [LogPrefix] is used.
	Logger *slog.Logger

	// Tunnel is the external client driven by the controller.  It must not
	// be nil.
	Tunnel Tunnel

	// Prober verifies the externally observable effect of a connection.  It
	// must not be nil.
	Prober Prober

	// Rand is the source for picking random candidates once the ranked list
	// is exhausted.  If nil, a time-seeded source is used.
	Rand *rand.Rand

	// OriginalIP is the public address observed before any attempt.  If not
	// valid, verification accepts any successfully observed address.
	OriginalIP netip.Addr

	// MaxAttempts is the number of attempts before giving up.  If zero,
	// [DefaultMaxAttempts] is used.
	MaxAttempts int

	// ConnectWait bounds the wait for an established link.  If zero,
	// [DefaultConnectWait] is used.
	ConnectWait time.Duration

	// PollInterval is the pause between link state polls.  If zero,
	// [DefaultPollInterval] is used.
	PollInterval time.Duration

	// Cooldown is the pause after a failed attempt.  If zero,
	// [DefaultCooldown] is used.
	Cooldown time.Duration

	// TopN bounds the head of the ranked list used for random picks.  If
	// zero, [DefaultTopN] is used.
	TopN int
}

// Controller is the bounded-retry connection state machine.  It is not safe
// for concurrent use: connection attempts mutate shared host network state,
// so exactly one traversal may be in flight at a time.
type Controller struct {
	logger       *slog.Logger
	tunnel       Tunnel
	prober       Prober
	rand         *rand.Rand
	originalIP   netip.Addr
	maxAttempts  int
	connectWait  time.Duration
	pollInterval time.Duration
	cooldown     time.Duration
	topN         int
}

// New returns a new connection attempt controller.  c must not be nil, and
// c.Tunnel and c.Prober must be set.
func New(c *Config) (ctrl *Controller) {
	ctrl = &Controller{
		logger:       c.Logger,
		tunnel:       c.Tunnel,
		prober:       c.Prober,
		rand:         c.Rand,
		originalIP:   c.OriginalIP,
		maxAttempts:  c.MaxAttempts,
		connectWait:  c.ConnectWait,
		pollInterval: c.PollInterval,
		cooldown:     c.Cooldown,
		topN:         c.TopN,
	}

	if ctrl.logger == nil {
		ctrl.logger = slog.Default().With(slogutil.KeyPrefix, LogPrefix)
	}

	if ctrl.rand == nil {
		ctrl.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if ctrl.maxAttempts == 0 {
		ctrl.maxAttempts = DefaultMaxAttempts
	}

	if ctrl.connectWait == 0 {
		ctrl.connectWait = DefaultConnectWait
	}

	if ctrl.pollInterval == 0 {
		ctrl.pollInterval = DefaultPollInterval
	}

	if ctrl.cooldown == 0 {
		ctrl.cooldown = DefaultCooldown
	}

	if ctrl.topN == 0 {
		ctrl.topN = DefaultTopN
	}

	return ctrl
}

// ConnectBest tries candidates from ranked, strictly sequentially, until one
// attempt reaches a verified connection or the attempt budget is spent.
// Attempt k uses ranked[k] while the list lasts; later attempts draw
// uniformly from the top of the list so that a short list does not starve
// the budget.  An empty ranked list fails immediately with
// [ErrNoCandidates], without attempting any connection.  Cancellation of ctx
// is observed at every poll boundary and tears down any partially
// established connection.
func (c *Controller) ConnectBest(
	ctx context.Context,
	ranked []vpngate.Candidate,
) (chosen *vpngate.Candidate, err error) {
	if len(ranked) == 0 {
		return nil, ErrNoCandidates
	}

	var lastErr error
	for k := range c.maxAttempts {
		cand := c.pick(ranked, k)
		att := newAttempt(cand)

		c.logger.InfoContext(
			ctx,
			"starting attempt",
			"attempt", k+1,
			"of", c.maxAttempts,
			"host", cand.HostName,
			"country", cand.CountryCode,
		)

		err = c.attempt(ctx, att)
		if err == nil {
			c.logger.InfoContext(ctx, "connected", "host", cand.HostName)

			return &att.Candidate, nil
		}

		att.fail(err)
		c.logger.WarnContext(
			ctx,
			"attempt failed",
			"attempt", k+1,
			"phase", att.LastPhase,
			"elapsed", time.Since(att.Start),
			slogutil.KeyError, err,
		)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err

		if k+1 < c.maxAttempts {
			if err = sleepCtx(ctx, c.cooldown); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, c.maxAttempts, lastErr)
}

// pick returns the candidate for attempt k.
func (c *Controller) pick(ranked []vpngate.Candidate, k int) (cand vpngate.Candidate) {
	if k < len(ranked) {
		return ranked[k]
	}

	n := min(c.topN, len(ranked))

	return ranked[c.rand.Intn(n)]
}

// attempt runs one full state-machine traversal against att.Candidate.  On
// failure it tears down whatever the traversal has established.
func (c *Controller) attempt(ctx context.Context, att *Attempt) (err error) {
	err = c.tunnel.CreateAdapter(ctx)
	if err != nil {
		// Adapter creation failure is non-fatal to the overall run: abandon
		// this attempt without teardown and let the caller advance.
		return err
	}
	att.advance(PhaseAdapterCreated)

	defer func() {
		if err != nil {
			c.teardown(ctx)
		}
	}()

	host, port, err := relayEndpoint(att.Candidate)
	if err != nil {
		// Malformed candidate data: fail the attempt immediately, do not
		// retry this candidate.
		return err
	}

	err = c.tunnel.CreateAccount(ctx, host, port)
	if err != nil {
		return err
	}
	att.advance(PhaseConfigCreated)

	err = c.tunnel.Connect(ctx)
	if err != nil {
		return err
	}
	att.advance(PhaseConnecting)

	err = c.awaitLink(ctx)
	if err != nil {
		return err
	}
	att.advance(PhaseVerifying)

	err = c.verify(ctx)
	if err != nil {
		return err
	}
	att.advance(PhaseConnected)

	return nil
}

// relayEndpoint decodes the candidate's connection profile and extracts the
// endpoint the account should point at.
func relayEndpoint(cand vpngate.Candidate) (host string, port uint16, err error) {
	profile, err := base64.StdEncoding.DecodeString(cand.ConfigData)
	if err != nil {
		return "", 0, fmt.Errorf("decoding connection profile: %w", err)
	} else if len(profile) == 0 {
		return "", 0, errEmptyProfile
	}

	host, port = softether.RemoteEndpoint(profile, cand.IP.String())

	return host, port, nil
}

// awaitLink polls the client's reported link state once per tick until a
// positive state is observed or the wait window expires.
func (c *Controller) awaitLink(ctx context.Context) (err error) {
	deadline := time.Now().Add(c.connectWait)
	for {
		st, stErr := c.tunnel.Status(ctx)
		if stErr != nil {
			return stErr
		}

		if st == softether.LinkConnected {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: last state %q", errConnectTimeout, st)
		}

		if err = sleepCtx(ctx, c.pollInterval); err != nil {
			return err
		}
	}
}

// verify confirms the externally observable effect of the connection: the
// public IP address must differ from the one observed before any attempt.
// When the original address is unknown, any successful observation is
// accepted.
func (c *Controller) verify(ctx context.Context) (err error) {
	ip, err := c.prober.PublicIP(ctx)
	if err != nil {
		return fmt.Errorf("verifying connection: %w", err)
	}

	if c.originalIP.IsValid() && ip == c.originalIP {
		return fmt.Errorf("%w: still %s", errIPUnchanged, ip)
	}

	c.logger.InfoContext(ctx, "public ip changed", "from", c.originalIP, "to", ip)

	return nil
}

// teardown disconnects whatever the failed attempt has established.  It
// proceeds even when ctx is already canceled, since a partially established
// connection must not outlive the attempt.
func (c *Controller) teardown(ctx context.Context) {
	dctx := context.WithoutCancel(ctx)

	err := c.tunnel.Disconnect(dctx)
	if err != nil {
		c.logger.DebugContext(ctx, "cleanup disconnect", slogutil.KeyError, err)
	}
}

// sleepCtx pauses for d or until ctx is canceled, returning the context's
// error in the latter case.
func sleepCtx(ctx context.Context, d time.Duration) (err error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
