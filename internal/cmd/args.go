package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/kareemkamal10/connections-script/internal/version"
)

// Indexes to help with the [commandLineOptions] initialization.
const (
	configPathIdx = iota
	logOutputIdx
	feedURLIdx
	softEtherDirIdx
	dnsProviderIdx
	customDNSIdx
	countriesIdx
	dnsCryptStampIdx
	lockFileIdx
	maxAttemptsIdx
	minScoreIdx
	minSpeedIdx
	maxLatencyIdx
	connectWaitIdx
	timeoutIdx
	probeLatencyIdx
	skipVPNIdx
	skipDNSIdx
	restoreDNSIdx
	statusOnlyIdx
	helpIdx
	versionIdx
	verboseIdx
)

// commandLineOption contains information about a command-line option: its long
// and, if there is one, short forms, the value type, and the description.
type commandLineOption struct {
	description string
	long        string
	short       string
	valueType   string
}

// commandLineOptions are all command-line options currently supported by the
// binary.
var commandLineOptions = []*commandLineOption{
	configPathIdx: {
		description: "YAML configuration file. Options passed through command line will override " +
			"the ones from this file.",
		long:      "config-path",
		short:     "",
		valueType: "path",
	},
	logOutputIdx: {
		description: "Path to the log file. If not set, write to stdout.",
		long:        "output",
		short:       "o",
		valueType:   "path",
	},
	feedURLIdx: {
		description: "URL of the relay directory feed.",
		long:        "feed-url",
		short:       "",
		valueType:   "url",
	},
	softEtherDirIdx: {
		description: "SoftEther VPN client installation directory.",
		long:        "softether-dir",
		short:       "",
		valueType:   "path",
	},
	dnsProviderIdx: {
		description: "Predefined DNS provider to configure, for example cloudflare or quad9.",
		long:        "dns-provider",
		short:       "",
		valueType:   "name",
	},
	customDNSIdx: {
		description: "Custom DNS server address, can be specified multiple times. Takes " +
			"precedence over --dns-provider.",
		long:      "custom-dns",
		short:     "",
		valueType: "address",
	},
	countriesIdx: {
		description: "Restrict relay selection to the country code, can be specified multiple " +
			"times.",
		long:      "countries",
		short:     "",
		valueType: "code",
	},
	dnsCryptStampIdx: {
		description: "DNSCrypt server stamp to verify after a successful run.",
		long:        "dnscrypt-stamp",
		short:       "",
		valueType:   "stamp",
	},
	lockFileIdx: {
		description: "Path of the lock file keeping concurrent instances out.",
		long:        "lock-file",
		short:       "",
		valueType:   "path",
	},
	maxAttemptsIdx: {
		description: "Number of connection attempts before giving up.",
		long:        "max-attempts",
		short:       "",
		valueType:   "int",
	},
	minScoreIdx: {
		description: "Minimum acceptable relay quality score.",
		long:        "min-score",
		short:       "",
		valueType:   "int",
	},
	minSpeedIdx: {
		description: "Minimum acceptable relay throughput, in bytes per second.",
		long:        "min-speed",
		short:       "",
		valueType:   "int",
	},
	maxLatencyIdx: {
		description: "Maximum acceptable relay latency in a human-readable form.",
		long:        "max-latency",
		short:       "",
		valueType:   "duration",
	},
	connectWaitIdx: {
		description: "How long to wait for an established link within a single attempt, in a " +
			"human-readable form.",
		long:      "connect-wait",
		short:     "",
		valueType: "duration",
	},
	timeoutIdx: {
		description: "Bound on the whole run in a human-readable form.",
		long:        "timeout",
		short:       "",
		valueType:   "duration",
	},
	probeLatencyIdx: {
		description: "Measure live TCP latency to eligible relays and reorder them by it " +
			"before connecting.",
		long:      "probe-latency",
		short:     "",
		valueType: "",
	},
	skipVPNIdx: {
		description: "Skip the relay connection and only configure DNS.",
		long:        "skip-vpn",
		short:       "",
		valueType:   "",
	},
	skipDNSIdx: {
		description: "Connect to a relay but leave the DNS configuration alone.",
		long:        "skip-dns",
		short:       "",
		valueType:   "",
	},
	restoreDNSIdx: {
		description: "Restore the backed-up DNS configuration and exit.",
		long:        "restore-dns",
		short:       "",
		valueType:   "",
	},
	statusOnlyIdx: {
		description: "Report the current connection status and exit.",
		long:        "status-only",
		short:       "",
		valueType:   "",
	},
	helpIdx: {
		description: "Print this help message and quit.",
		long:        "help",
		short:       "h",
		valueType:   "",
	},
	versionIdx: {
		description: "Prints the program version.",
		long:        "version",
		short:       "",
		valueType:   "",
	},
	verboseIdx: {
		description: "Verbose output.",
		long:        "verbose",
		short:       "v",
		valueType:   "",
	},
}

// parseCmdLineOptions parses the command-line options.  conf must not be nil.
func parseCmdLineOptions(conf *configuration) (err error) {
	cmdName, args := os.Args[0], os.Args[1:]

	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	for i, fieldPtr := range []any{
		configPathIdx:    &conf.ConfigPath,
		logOutputIdx:     &conf.LogOutput,
		feedURLIdx:       &conf.FeedURL,
		softEtherDirIdx:  &conf.SoftEtherDir,
		dnsProviderIdx:   &conf.DNSProvider,
		customDNSIdx:     &conf.CustomDNS,
		countriesIdx:     &conf.Countries,
		dnsCryptStampIdx: &conf.DNSCryptStamp,
		lockFileIdx:      &conf.LockFile,
		maxAttemptsIdx:   &conf.MaxAttempts,
		minScoreIdx:      &conf.MinScore,
		minSpeedIdx:      &conf.MinSpeed,
		maxLatencyIdx:    &conf.MaxLatency,
		connectWaitIdx:   &conf.ConnectWait,
		timeoutIdx:       &conf.Timeout,
		probeLatencyIdx:  &conf.ProbeLatency,
		skipVPNIdx:       &conf.SkipVPN,
		skipDNSIdx:       &conf.SkipDNS,
		restoreDNSIdx:    &conf.RestoreDNS,
		statusOnlyIdx:    &conf.StatusOnly,
		helpIdx:          &conf.help,
		versionIdx:       &conf.Version,
		verboseIdx:       &conf.Verbose,
	} {
		addOption(flags, fieldPtr, commandLineOptions[i])
	}

	flags.Usage = func() { usage(cmdName, os.Stderr) }

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	return nil
}

// defineFlag defines a flag with specified setFlag function.  o must not be
// nil.
func defineFlag[T any](
	fieldPtr *T,
	o *commandLineOption,
	setFlag func(p *T, name string, value T, usage string),
) {
	setFlag(fieldPtr, o.long, *fieldPtr, o.description)
	if o.short != "" {
		setFlag(fieldPtr, o.short, *fieldPtr, o.description)
	}
}

// defineFlagVar defines a flag with the specified [flag.Value] value.  o must
// not be nil.
func defineFlagVar(flags *flag.FlagSet, value flag.Value, o *commandLineOption) {
	flags.Var(value, o.long, o.description)
	if o.short != "" {
		flags.Var(value, o.short, o.description)
	}
}

// defineTimeutilDurationFlag defines a flag with for the specified
// [*timeutil.Duration] pointer and command line option.  o must not be nil.
func defineTimeutilDurationFlag(
	flags *flag.FlagSet,
	fieldPtr *timeutil.Duration,
	o *commandLineOption,
) {
	flags.TextVar(fieldPtr, o.long, *fieldPtr, o.description)
	if o.short != "" {
		flags.TextVar(fieldPtr, o.short, *fieldPtr, o.description)
	}
}

// addOption adds the command-line option described by o to flags using fieldPtr
// as the pointer to the value.
func addOption(flags *flag.FlagSet, fieldPtr any, o *commandLineOption) {
	switch fieldPtr := fieldPtr.(type) {
	case *string:
		defineFlag(fieldPtr, o, flags.StringVar)
	case *bool:
		defineFlag(fieldPtr, o, flags.BoolVar)
	case *int:
		defineFlag(fieldPtr, o, flags.IntVar)
	case *[]string:
		defineFlagVar(flags, newStringSliceValue(fieldPtr), o)
	case *timeutil.Duration:
		defineTimeutilDurationFlag(flags, fieldPtr, o)
	default:
		panic(fmt.Errorf("unexpected field pointer type %T: %w", fieldPtr, errors.ErrBadEnumValue))
	}
}

// usage prints a usage message similar to the one printed by package flag but
// taking long vs. short versions into account as well as using more informative
// value hints.
func usage(cmdName string, output io.Writer) {
	options := slices.Clone(commandLineOptions)
	slices.SortStableFunc(options, func(a, b *commandLineOption) (res int) {
		return strings.Compare(a.long, b.long)
	})

	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage of %s:\n", cmdName)

	for _, o := range options {
		writeUsageLine(b, o)

		// Use four spaces before the tab to trigger good alignment for both 4-
		// and 8-space tab stops.
		_, _ = fmt.Fprintf(b, "    \t%s\n", o.description)
	}

	_, _ = io.WriteString(output, b.String())
}

// writeUsageLine writes the usage line for the provided command-line option.
func writeUsageLine(b *strings.Builder, o *commandLineOption) {
	if o.short == "" {
		if o.valueType == "" {
			_, _ = fmt.Fprintf(b, "  --%s\n", o.long)
		} else {
			_, _ = fmt.Fprintf(b, "  --%s=%s\n", o.long, o.valueType)
		}

		return
	}

	if o.valueType == "" {
		_, _ = fmt.Fprintf(b, "  --%s/-%s\n", o.long, o.short)
	} else {
		_, _ = fmt.Fprintf(b, "  --%[1]s=%[3]s/-%[2]s %[3]s\n", o.long, o.short, o.valueType)
	}
}

// processCmdLineOptions decides if the program should exit depending on the
// results of command-line option parsing.
func processCmdLineOptions(conf *configuration, parseErr error) (exitCode int, needExit bool) {
	if parseErr != nil {
		// Assume that usage has already been printed.
		return osutil.ExitCodeArgumentError, true
	}

	if conf.help {
		usage(os.Args[0], os.Stdout)

		return osutil.ExitCodeSuccess, true
	}

	if conf.Version {
		fmt.Printf("%s version %s\n", progName, version.Version())

		return osutil.ExitCodeSuccess, true
	}

	return osutil.ExitCodeSuccess, false
}
