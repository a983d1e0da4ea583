package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/ameshkov/dnscrypt/v2"
	"github.com/ameshkov/dnsstamps"
	"github.com/miekg/dns"
)

// encryptedTestDomain is the domain resolved through the encrypted resolver
// to confirm it works.
const encryptedTestDomain = "example.com."

// EncryptedDNS checks that the DNSCrypt resolver identified by the server
// stamp actually answers queries.  The remaining ctx deadline bounds the
// whole exchange.
func (p *Prober) EncryptedDNS(ctx context.Context, stamp string) (err error) {
	st, err := dnsstamps.NewServerStampFromString(stamp)
	if err != nil {
		return fmt.Errorf("parsing server stamp: %w", err)
	}

	timeout := defaultDNSTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	cli := &dnscrypt.Client{Net: "udp", Timeout: timeout}

	ri, err := cli.DialStamp(st)
	if err != nil {
		return fmt.Errorf("dialing encrypted resolver: %w", err)
	}

	req := (&dns.Msg{}).SetQuestion(encryptedTestDomain, dns.TypeA)

	resp, err := cli.Exchange(req, ri)
	if err != nil {
		return fmt.Errorf("querying encrypted resolver: %w", err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf(
			"querying encrypted resolver: %s",
			dns.RcodeToString[resp.Rcode],
		)
	}

	p.logger.DebugContext(ctx, "encrypted dns works", "provider", st.ProviderName)

	return nil
}
