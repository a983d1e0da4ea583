// Package dnsconf rewrites the host's DNS configuration transactionally: the
// previous configuration is backed up before anything is touched, the new one
// is verified by actually resolving names through it, and a failed
// verification rolls the host back to the backup.
package dnsconf

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// LogPrefix is a prefix for logging.
const LogPrefix = "dnsconf"

// Default paths of the configuration files the transaction manages.
const (
	// DefaultResolvConfPath is the default path of the resolver
	// configuration file.
	DefaultResolvConfPath = "/etc/resolv.conf"

	// DefaultResolvedConfPath is the default path of the systemd-resolved
	// configuration file.
	DefaultResolvedConfPath = "/etc/systemd/resolved.conf"
)

// backupSuffix is appended to a managed file's path to name its backup.
const backupSuffix = ".backup"

// confFileMode is the mode for written configuration files.
const confFileMode = 0o644

// DefaultTestDomains are the domains resolved to verify a new configuration.
var DefaultTestDomains = []string{"google.com", "cloudflare.com", "github.com"}

// Step failure sentinels.  Every error returned by [Transaction.Apply] wraps
// exactly one of these, naming the step that failed.
const (
	// ErrBackup means the previous configuration could not be saved.  The
	// host was not modified.
	ErrBackup errors.Error = "backing up dns configuration"

	// ErrApply means the new configuration could not be written.
	ErrApply errors.Error = "applying dns configuration"

	// ErrVerify means the new configuration did not resolve the test
	// domains.  The host has been rolled back to the backup.
	ErrVerify errors.Error = "verifying dns configuration"
)

// RollbackError reports a verification failure whose rollback also failed.
// The host may be left with a non-working DNS configuration, so this error
// must be surfaced loudly.
type RollbackError struct {
	// VerifyErr is the verification failure that triggered the rollback.
	VerifyErr error

	// RestoreErr is the failure of the rollback itself.
	RestoreErr error
}

// type check
var _ error = (*RollbackError)(nil)

// Error implements the error interface for *RollbackError.
func (e *RollbackError) Error() (msg string) {
	return fmt.Sprintf(
		"dns rollback failed: %s; verification failure was: %s",
		e.RestoreErr,
		e.VerifyErr,
	)
}

// Unwrap makes both underlying failures observable through [errors.Is].
func (e *RollbackError) Unwrap() (errs []error) {
	return []error{e.VerifyErr, e.RestoreErr}
}

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (out []byte, err error)
}

// Prober checks that a domain actually resolves through the host's current
// configuration.
type Prober interface {
	Resolves(ctx context.Context, domain string) (err error)
}

// Marker controls the filesystem immutability marker on a configuration
// file, keeping other services from rewriting it.
type Marker interface {
	Set(path string) (err error)
	Clear(path string) (err error)
}

// Snapshot records which configuration files the transaction has backed up.
type Snapshot struct {
	// ResolvConf is true when the resolver configuration file existed and
	// was backed up.
	ResolvConf bool

	// ResolvedConf is true when the systemd-resolved configuration file
	// existed and was backed up.
	ResolvedConf bool
}

// Config is the DNS transaction configuration.
type Config struct {
	// Logger is used for logging the transaction.  If nil, [slog.Default]
	// with [LogPrefix] is used.
	Logger *slog.Logger

	// Runner executes the system commands the transaction needs.  It must
	// not be nil.
	Runner Runner

	// Prober verifies the applied configuration.  It must not be nil.
	Prober Prober

	// Marker controls the immutability marker on the resolver configuration
	// file.  If nil, [NewMarker] is used.
	Marker Marker

	// ResolvConfPath is the path of the resolver configuration file.  If
	// empty, [DefaultResolvConfPath] is used.
	ResolvConfPath string

	// ResolvedConfPath is the path of the systemd-resolved configuration
	// file.  If empty, [DefaultResolvedConfPath] is used.
	ResolvedConfPath string

	// TestDomains are the domains resolved during verification.  If empty,
	// [DefaultTestDomains] is used.
	TestDomains []string
}

// Transaction rewrites the host's DNS configuration with backup,
// verification, and rollback.  It is not safe for concurrent use.
type Transaction struct {
	logger           *slog.Logger
	runner           Runner
	prober           Prober
	marker           Marker
	resolvConfPath   string
	resolvedConfPath string
	testDomains      []string
	snapshot         *Snapshot
}

// New returns a new DNS transaction.  c must not be nil, and c.Runner and
// c.Prober must be set.
func New(c *Config) (t *Transaction) {
	t = &Transaction{
		logger:           c.Logger,
		runner:           c.Runner,
		prober:           c.Prober,
		marker:           c.Marker,
		resolvConfPath:   c.ResolvConfPath,
		resolvedConfPath: c.ResolvedConfPath,
		testDomains:      c.TestDomains,
	}

	if t.logger == nil {
		t.logger = slog.Default().With(slogutil.KeyPrefix, LogPrefix)
	}

	if t.marker == nil {
		t.marker = NewMarker()
	}

	if t.resolvConfPath == "" {
		t.resolvConfPath = DefaultResolvConfPath
	}

	if t.resolvedConfPath == "" {
		t.resolvedConfPath = DefaultResolvedConfPath
	}

	if len(t.testDomains) == 0 {
		t.testDomains = DefaultTestDomains
	}

	return t
}

// Apply reconfigures the host's DNS to the named provider, or to the custom
// servers when those are given.  The previous configuration is backed up
// first; a configuration that fails verification is rolled back.  On a
// systemd-resolved host the configuration goes through the resolved
// configuration file, otherwise the resolver configuration file is written
// directly and marked immutable.
func (t *Transaction) Apply(
	ctx context.Context,
	provider string,
	custom []netip.Addr,
) (err error) {
	servers, err := serversFor(provider, custom)
	if err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "configuring dns", "provider", provider, "servers", servers)

	snap, err := t.backup()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackup, err)
	}
	t.snapshot = snap

	if t.resolvedActive(ctx) {
		err = t.applyManaged(ctx, servers)
	} else {
		err = t.applyDirect(ctx, servers)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}

	t.flush(ctx)

	verifyErr := t.verify(ctx)
	if verifyErr == nil {
		t.logger.InfoContext(ctx, "dns configured", "servers", servers)

		return nil
	}

	t.logger.WarnContext(
		ctx,
		"verification failed, rolling back",
		slogutil.KeyError, verifyErr,
	)

	_, restoreErr := t.Restore(ctx)
	if restoreErr != nil {
		return &RollbackError{VerifyErr: verifyErr, RestoreErr: restoreErr}
	}

	return fmt.Errorf("%w: %w", ErrVerify, verifyErr)
}

// Restore puts the backed-up configuration back and reports whether anything
// was actually restored.  When no backup exists, it returns false with a nil
// error.  It can be called in a fresh process, since backups live next to
// the files they shadow.
func (t *Transaction) Restore(ctx context.Context) (restored bool, err error) {
	// The marker must come off before the file can be rewritten.  A failure
	// here is not fatal: the flag may simply never have been set.
	clearErr := t.marker.Clear(t.resolvConfPath)
	if clearErr != nil {
		t.logger.DebugContext(
			ctx,
			"clearing immutability marker",
			slogutil.KeyError, clearErr,
		)
	}

	resolvRestored, err := restoreFile(t.resolvConfPath)
	if err != nil {
		return false, fmt.Errorf("restoring %s: %w", t.resolvConfPath, err)
	}

	resolvedRestored, err := restoreFile(t.resolvedConfPath)
	if err != nil {
		return resolvRestored, fmt.Errorf("restoring %s: %w", t.resolvedConfPath, err)
	}

	if resolvedRestored {
		// Ignore the error: the service may not exist on this host.
		_, _ = t.runner.Run(ctx, "systemctl", "restart", "systemd-resolved")
	}

	restored = resolvRestored || resolvedRestored
	if !restored {
		t.logger.InfoContext(ctx, "no dns backup to restore")

		return false, nil
	}

	t.flush(ctx)
	t.logger.InfoContext(ctx, "dns configuration restored")

	return true, nil
}

// backup copies the managed configuration files to their backup paths.
func (t *Transaction) backup() (snap *Snapshot, err error) {
	snap = &Snapshot{}

	snap.ResolvConf, err = backupFile(t.resolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("backing up %s: %w", t.resolvConfPath, err)
	}

	snap.ResolvedConf, err = backupFile(t.resolvedConfPath)
	if err != nil {
		return nil, fmt.Errorf("backing up %s: %w", t.resolvedConfPath, err)
	}

	return snap, nil
}

// backupFile copies path to its backup path.  A file that does not exist is
// not an error, just nothing to back up.
func backupFile(path string) (existed bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	err = os.WriteFile(path+backupSuffix, data, confFileMode)
	if err != nil {
		return false, err
	}

	return true, nil
}

// restoreFile copies the backup of path back over path.  A missing backup is
// not an error, just nothing to restore.
func restoreFile(path string) (restored bool, err error) {
	data, err := os.ReadFile(path + backupSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	err = os.WriteFile(path, data, confFileMode)
	if err != nil {
		return false, err
	}

	return true, nil
}

// resolvedActive reports whether systemd-resolved is managing DNS on this
// host.
func (t *Transaction) resolvedActive(ctx context.Context) (ok bool) {
	out, err := t.runner.Run(ctx, "systemctl", "is-active", "systemd-resolved")
	if err != nil {
		return false
	}

	return strings.Contains(string(out), "active")
}

// applyManaged configures DNS through systemd-resolved: the resolved
// configuration file names the servers, the service is restarted, and the
// resolver configuration file is pointed at the local stub.
func (t *Transaction) applyManaged(ctx context.Context, servers []netip.Addr) (err error) {
	t.logger.DebugContext(ctx, "applying through systemd-resolved")

	err = os.WriteFile(t.resolvedConfPath, resolvedConfContents(servers), confFileMode)
	if err != nil {
		return err
	}

	_, err = t.runner.Run(ctx, "systemctl", "restart", "systemd-resolved")
	if err != nil {
		return fmt.Errorf("restarting systemd-resolved: %w", err)
	}

	return os.WriteFile(t.resolvConfPath, []byte(stubResolvConf), confFileMode)
}

// applyDirect writes the resolver configuration file directly and marks it
// immutable so other services do not rewrite it.
func (t *Transaction) applyDirect(ctx context.Context, servers []netip.Addr) (err error) {
	t.logger.DebugContext(ctx, "applying directly")

	// The previous run may have left the file immutable.
	clearErr := t.marker.Clear(t.resolvConfPath)
	if clearErr != nil {
		t.logger.DebugContext(
			ctx,
			"clearing immutability marker",
			slogutil.KeyError, clearErr,
		)
	}

	err = os.WriteFile(t.resolvConfPath, directResolvConf(servers), confFileMode)
	if err != nil {
		return err
	}

	// Losing the marker only weakens the protection against rewrites, so a
	// failure here is logged and tolerated.
	markErr := t.marker.Set(t.resolvConfPath)
	if markErr != nil {
		t.logger.WarnContext(
			ctx,
			"could not mark file immutable",
			"path", t.resolvConfPath,
			slogutil.KeyError, markErr,
		)
	}

	return nil
}

// flushStrategies are the cache flush commands, tried in order until one
// succeeds.
var flushStrategies = [][]string{
	{"systemctl", "restart", "systemd-resolved"},
	{"systemctl", "reload", "systemd-resolved"},
	{"resolvectl", "flush-caches"},
	{"systemd-resolve", "--flush-caches"},
	{"service", "dnsmasq", "restart"},
}

// flush flushes the host's DNS caches.  It is best-effort: a host where no
// strategy works just takes longer to pick the new settings up.
func (t *Transaction) flush(ctx context.Context) {
	for _, cmd := range flushStrategies {
		_, err := t.runner.Run(ctx, cmd[0], cmd[1:]...)
		if err == nil {
			t.logger.DebugContext(ctx, "dns cache flushed", "cmd", strings.Join(cmd, " "))

			return
		}
	}

	t.logger.WarnContext(ctx, "could not flush dns cache, settings may apply slowly")
}

// verify resolves every test domain through the new configuration.  A single
// failure fails the verification.
func (t *Transaction) verify(ctx context.Context) (err error) {
	for _, domain := range t.testDomains {
		err = t.prober.Resolves(ctx, domain)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", domain, err)
		}

		t.logger.DebugContext(ctx, "resolution test passed", "domain", domain)
	}

	return nil
}
