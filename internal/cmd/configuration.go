package cmd

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/kareemkamal10/connections-script/dnsconf"
	"github.com/kareemkamal10/connections-script/softether"
	"github.com/kareemkamal10/connections-script/vpngate"
)

// progName is the name the program reports about itself.
const progName = "connections-script"

// defaultLockFile is the default path of the host lock file.
const defaultLockFile = "/var/run/connections-script.lock"

// defaultRunTimeout is the default bound on a whole run.
const defaultRunTimeout = 10 * time.Minute

// configuration represents the program's settings, combined from the YAML
// configuration file and the command-line options.  The latter win.
type configuration struct {
	// ConfigPath is the path to the YAML configuration file.  It is only
	// settable from the command line.
	ConfigPath string

	// LogOutput is the path to the log file.  If empty, write to stdout.
	LogOutput string `yaml:"output"`

	// FeedURL is the URL of the relay directory feed.
	FeedURL string `yaml:"feed-url"`

	// SoftEtherDir is the SoftEther client installation directory.
	SoftEtherDir string `yaml:"softether-dir"`

	// DNSProvider is the predefined DNS provider to configure.
	DNSProvider string `yaml:"dns-provider"`

	// DNSCryptStamp is the DNSCrypt server stamp to verify after a
	// successful run.  If empty, the check is skipped.
	DNSCryptStamp string `yaml:"dnscrypt-stamp"`

	// LockFile is the path of the host lock file.
	LockFile string `yaml:"lock-file"`

	// CustomDNS are custom DNS server addresses.  When set, they take
	// precedence over DNSProvider.
	CustomDNS []string `yaml:"custom-dns"`

	// Countries restricts relay selection to the named country codes.
	Countries []string `yaml:"countries"`

	// MaxAttempts is the number of connection attempts before giving up.
	MaxAttempts int `yaml:"max-attempts"`

	// MinScore is the minimum acceptable relay quality score.
	MinScore int `yaml:"min-score"`

	// MinSpeed is the minimum acceptable relay throughput, in bytes per
	// second.
	MinSpeed int `yaml:"min-speed"`

	// MaxLatency is the maximum acceptable relay latency.
	MaxLatency timeutil.Duration `yaml:"max-latency"`

	// ConnectWait bounds the wait for an established link within a single
	// attempt.
	ConnectWait timeutil.Duration `yaml:"connect-wait"`

	// Timeout bounds the whole run.
	Timeout timeutil.Duration `yaml:"timeout"`

	// ProbeLatency measures live TCP latency to eligible relays and reorders
	// them by it before connecting.
	ProbeLatency bool `yaml:"probe-latency"`

	// SkipVPN skips the relay connection and only configures DNS.
	SkipVPN bool `yaml:"skip-vpn"`

	// SkipDNS connects to a relay but leaves the DNS configuration alone.
	SkipDNS bool `yaml:"skip-dns"`

	// RestoreDNS restores the backed-up DNS configuration and exits.
	RestoreDNS bool

	// StatusOnly reports the current connection status and exits.
	StatusOnly bool

	// Verbose controls the verbosity of the output.
	Verbose bool `yaml:"verbose"`

	// Version, if true, prints the program version and exits.
	Version bool

	// help, if true, prints the usage message and exits.
	help bool
}

// newConfiguration returns a configuration with the defaults filled in.
func newConfiguration() (conf *configuration) {
	return &configuration{
		FeedURL:      vpngate.DefaultFeedURL,
		SoftEtherDir: softether.DefaultDir,
		DNSProvider:  "cloudflare",
		LockFile:     defaultLockFile,
		MaxAttempts:  3,
		MinScore:     vpngate.DefaultMinScore,
		MinSpeed:     vpngate.DefaultMinSpeed,
		MaxLatency:   timeutil.Duration(vpngate.DefaultMaxLatency),
		ConnectWait:  timeutil.Duration(30 * time.Second),
		Timeout:      timeutil.Duration(defaultRunTimeout),
	}
}

// validate checks the configuration for contradictions and unusable values.
func (conf *configuration) validate() (err error) {
	if conf.RestoreDNS && conf.StatusOnly {
		return fmt.Errorf("--restore-dns and --status-only are mutually exclusive")
	}

	if conf.MaxAttempts <= 0 {
		return fmt.Errorf("max-attempts must be positive, got %d", conf.MaxAttempts)
	}

	if _, err = conf.customDNSAddrs(); err != nil {
		return err
	}

	if len(conf.CustomDNS) == 0 {
		if _, ok := dnsconf.Providers[conf.DNSProvider]; !ok {
			return fmt.Errorf(
				"unknown dns provider %q, available: %s",
				conf.DNSProvider,
				strings.Join(dnsconf.ProviderNames(), ", "),
			)
		}
	}

	if s := conf.DNSCryptStamp; s != "" && !strings.HasPrefix(s, "sdns://") {
		return fmt.Errorf("dnscrypt stamp must start with sdns://, got %q", s)
	}

	return nil
}

// customDNSAddrs parses the custom DNS server addresses.
func (conf *configuration) customDNSAddrs() (addrs []netip.Addr, err error) {
	for i, s := range conf.CustomDNS {
		addr, parseErr := netip.ParseAddr(s)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing custom dns server at index %d: %w", i, parseErr)
		}

		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// thresholds returns the relay selection thresholds from the configuration.
func (conf *configuration) thresholds() (thr *vpngate.Thresholds) {
	return &vpngate.Thresholds{
		MinScore:           int64(conf.MinScore),
		MaxLatency:         time.Duration(conf.MaxLatency),
		MinSpeed:           int64(conf.MinSpeed),
		PreferredCountries: conf.Countries,
	}
}
