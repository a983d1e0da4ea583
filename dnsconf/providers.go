package dnsconf

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/AdguardTeam/golibs/errors"
)

// ErrUnknownProvider is returned when a provider name is not in [Providers].
const ErrUnknownProvider errors.Error = "unknown dns provider"

// Provider is a predefined public DNS provider.
type Provider struct {
	// Name is the human-readable provider name.
	Name string

	// Description briefly states what distinguishes the provider.
	Description string

	// Primary and Secondary are the provider's resolver addresses.
	Primary   netip.Addr
	Secondary netip.Addr
}

// Servers returns the provider's resolver addresses in preference order.
func (p *Provider) Servers() (servers []netip.Addr) {
	return []netip.Addr{p.Primary, p.Secondary}
}

// Providers is the table of predefined public DNS providers, keyed by the
// identifier accepted on the command line.
var Providers = map[string]*Provider{
	"cloudflare": {
		Name:        "Cloudflare DNS",
		Description: "Fast and privacy-focused DNS",
		Primary:     netip.MustParseAddr("1.1.1.1"),
		Secondary:   netip.MustParseAddr("1.0.0.1"),
	},
	"cloudflare_family": {
		Name:        "Cloudflare for Families",
		Description: "Cloudflare DNS with malware and adult content blocking",
		Primary:     netip.MustParseAddr("1.1.1.3"),
		Secondary:   netip.MustParseAddr("1.0.0.3"),
	},
	"quad9": {
		Name:        "Quad9 DNS",
		Description: "Security-focused DNS with threat blocking",
		Primary:     netip.MustParseAddr("9.9.9.9"),
		Secondary:   netip.MustParseAddr("149.112.112.112"),
	},
	"opendns": {
		Name:        "OpenDNS",
		Description: "Cisco OpenDNS with security and filtering",
		Primary:     netip.MustParseAddr("208.67.222.222"),
		Secondary:   netip.MustParseAddr("208.67.220.220"),
	},
	"google": {
		Name:        "Google Public DNS",
		Description: "Google's fast public DNS service",
		Primary:     netip.MustParseAddr("8.8.8.8"),
		Secondary:   netip.MustParseAddr("8.8.4.4"),
	},
	"adguard": {
		Name:        "AdGuard DNS",
		Description: "DNS with ad and tracker blocking",
		Primary:     netip.MustParseAddr("94.140.14.14"),
		Secondary:   netip.MustParseAddr("94.140.15.15"),
	},
}

// ProviderNames returns the sorted identifiers of all predefined providers.
func ProviderNames() (names []string) {
	for name := range Providers {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// serversFor returns the resolver addresses to configure: custom, when given,
// takes precedence over the named provider.
func serversFor(provider string, custom []netip.Addr) (servers []netip.Addr, err error) {
	if len(custom) > 0 {
		return custom, nil
	}

	p, ok := Providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	return p.Servers(), nil
}
