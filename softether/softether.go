// Package softether drives the external SoftEther VPN client through its
// command-line surface.  The client is a black box: the only observable
// signals are exit codes and the textual output of its status commands, so
// everything here translates that surface into typed results at a single
// boundary.
package softether

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// LogPrefix is a prefix for logging.
const LogPrefix = "softether"

// Fixed names used for the managed connection.  The client addresses
// adapters and accounts by name, and a single fixed name keeps repeated runs
// idempotent: recreating an existing entity is reported by the client and
// tolerated here.
const (
	// ConnectionName is the name of the virtual adapter and the account.
	ConnectionName = "VPNGate_Connection"

	// hubName is the virtual hub VPN Gate relays expose.
	hubName = "VPN"

	// userName is the anonymous user VPN Gate relays accept.
	userName = "vpn"
)

// DefaultDir is the default SoftEther installation directory.
const DefaultDir = "/opt/softether"

// defaultRunTimeout bounds a single client command invocation.
const defaultRunTimeout = 30 * time.Second

// Runner executes an external command and returns its combined output.  It
// exists so that tests can run the client surface against a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (out []byte, err error)
}

// CommandRunner is the default Runner backed by [exec.CommandContext].
type CommandRunner struct {
	// Timeout bounds a single command invocation.  If zero, a default of
	// thirty seconds is used.
	Timeout time.Duration
}

// type check
var _ Runner = (*CommandRunner)(nil)

// Run implements the [Runner] interface for *CommandRunner.
func (r *CommandRunner) Run(ctx context.Context, name string, args ...string) (out []byte, err error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = defaultRunTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- The command path comes from the trusted installation
	// directory in the configuration.
	out, err = exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("running %s: %w", filepath.Base(name), err)
	}

	return out, nil
}

// Client is the command surface of the external SoftEther VPN client.  The
// installer component guarantees that the binaries under the configured
// directory exist and are connectable.
type Client struct {
	logger  *slog.Logger
	runner  Runner
	vpncmd  string
	service string
}

// Config is the SoftEther client configuration.
type Config struct {
	// Logger is used for logging client invocations.  If nil, [slog.Default]
	// with [LogPrefix] is used.
	Logger *slog.Logger

	// Runner executes the client binaries.  If nil, a [CommandRunner] with
	// the default timeout is used.
	Runner Runner

	// Dir is the SoftEther installation directory.  If empty, [DefaultDir]
	// is used.
	Dir string
}

// New returns a new SoftEther client.  c must not be nil.
func New(c *Config) (cli *Client) {
	cli = &Client{
		logger: c.Logger,
		runner: c.Runner,
	}

	if cli.logger == nil {
		cli.logger = slog.Default().With(slogutil.KeyPrefix, LogPrefix)
	}

	if cli.runner == nil {
		cli.runner = &CommandRunner{}
	}

	dir := c.Dir
	if dir == "" {
		dir = DefaultDir
	}

	cli.vpncmd = filepath.Join(dir, "vpncmd")
	cli.service = filepath.Join(dir, "vpnclient")

	return cli
}

// command runs a single client administration command and returns its
// output.
func (c *Client) command(ctx context.Context, cmdline ...string) (out []byte, err error) {
	args := append([]string{"localhost", "/CLIENT", "/CMD"}, cmdline...)

	return c.runner.Run(ctx, c.vpncmd, args...)
}

// StartService starts the client's background service.  Starting an already
// running service is not an error.
func (c *Client) StartService(ctx context.Context) (err error) {
	c.logger.DebugContext(ctx, "starting client service")

	_, err = c.runner.Run(ctx, c.service, "start")
	if err != nil {
		return fmt.Errorf("starting client service: %w", err)
	}

	return nil
}

// CreateAdapter requests a virtual network adapter from the client.
func (c *Client) CreateAdapter(ctx context.Context) (err error) {
	c.logger.DebugContext(ctx, "creating virtual adapter", "name", ConnectionName)

	_, err = c.command(ctx, "NicCreate "+ConnectionName)
	if err != nil {
		return fmt.Errorf("creating virtual adapter: %w", err)
	}

	return nil
}

// CreateAccount materializes an account for the relay at host:port on the
// client, bound to the virtual adapter.
func (c *Client) CreateAccount(ctx context.Context, host string, port uint16) (err error) {
	c.logger.DebugContext(ctx, "creating account", "host", host, "port", port)

	_, err = c.command(
		ctx,
		"AccountCreate "+ConnectionName,
		"/SERVER:"+host+":"+strconv.FormatUint(uint64(port), 10),
		"/HUB:"+hubName,
		"/USERNAME:"+userName,
		"/NICNAME:"+ConnectionName,
	)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}

	return nil
}

// Connect issues the connect command for the managed account.  The call is
// asynchronous from the caller's point of view: a nil error only means the
// client accepted the command, and the actual link state must be observed
// through [Client.Status].
func (c *Client) Connect(ctx context.Context) (err error) {
	c.logger.DebugContext(ctx, "issuing connect")

	_, err = c.command(ctx, "AccountConnect "+ConnectionName)
	if err != nil {
		return fmt.Errorf("issuing connect: %w", err)
	}

	return nil
}

// Status queries the client's reported link state for the managed account.
func (c *Client) Status(ctx context.Context) (st LinkStatus, err error) {
	out, err := c.command(ctx, "AccountStatusGet "+ConnectionName)
	if err != nil {
		return LinkOther, fmt.Errorf("querying link state: %w", err)
	}

	return parseLinkStatus(out), nil
}

// Disconnect tears the managed connection down.  Disconnecting an account
// that is not connected is reported by the client as an error, which callers
// performing cleanup are expected to tolerate.
func (c *Client) Disconnect(ctx context.Context) (err error) {
	c.logger.DebugContext(ctx, "disconnecting")

	_, err = c.command(ctx, "AccountDisconnect "+ConnectionName)
	if err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}

	return nil
}
