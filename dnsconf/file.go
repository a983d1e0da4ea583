package dnsconf

import (
	"net/netip"
	"strings"
)

// stubResolvConf is the resolver configuration pointing at the local
// systemd-resolved stub listener.
const stubResolvConf = `# This file is managed by systemd-resolved
nameserver 127.0.0.53
options edns0 trust-ad
search .
`

// resolvedConfContents renders the systemd-resolved configuration naming
// servers as the only upstreams.
func resolvedConfContents(servers []netip.Addr) (data []byte) {
	b := &strings.Builder{}
	b.WriteString("[Resolve]\nDNS=")

	for i, s := range servers {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.String())
	}

	b.WriteString("\nFallbackDNS=\nDomains=~.\nDNSSEC=yes\nDNSOverTLS=opportunistic\nCache=yes\n")

	return []byte(b.String())
}

// directResolvConf renders a resolver configuration naming servers directly,
// with options tuned for quick failover between them.
func directResolvConf(servers []netip.Addr) (data []byte) {
	b := &strings.Builder{}
	b.WriteString("# Custom DNS configuration\n")

	for _, s := range servers {
		b.WriteString("nameserver ")
		b.WriteString(s.String())
		b.WriteByte('\n')
	}

	b.WriteString("options timeout:2\noptions attempts:3\noptions rotate\noptions single-request-reopen\n")

	return []byte(b.String())
}
