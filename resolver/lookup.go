// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Lookup is a name lookup backend.
type Lookup interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// SystemLookup resolves with the platform resolver.
type SystemLookup struct {
	Resolver *net.Resolver
}

// LookupIP implements Lookup.
func (l *SystemLookup) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	r := l.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupIP(ctx, "ip", host)
}

// DNSLookup queries the configured nameservers directly, in order, for A
// and AAAA records.
type DNSLookup struct {
	Nameservers []string
	Client      *dns.Client
}

// NewDNSLookup returns a DNSLookup using UDP.
func NewDNSLookup(nameservers []string) *DNSLookup {
	return &DNSLookup{
		Nameservers: nameservers,
		Client:      &dns.Client{Net: "udp"},
	}
}

// LookupIP implements Lookup.
func (l *DNSLookup) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if len(l.Nameservers) == 0 {
		return nil, errors.New("resolver: no nameservers configured")
	}

	var lastErr error
	for _, ns := range l.Nameservers {
		ips, err := l.query(ctx, ns, host)
		if err == nil {
			return ips, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (l *DNSLookup) query(ctx context.Context, ns, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := l.Client.ExchangeContext(ctx, m, ns)
		if err != nil {
			return nil, fmt.Errorf("resolver: %v: %w", ns, err)
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("resolver: %v: %v for %v", ns, dns.RcodeToString[resp.Rcode], host)
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: %v: no addresses for %v", ns, host)
	}
	return ips, nil
}
