package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// Lookuper is the lookup-style resolver shape shared by *net.Resolver
// and test doubles such as mockdns.Resolver.
type Lookuper interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

var _ Lookuper = &net.Resolver{}

// LookupResolver adapts a Lookuper to the packet-level Resolver
// interface, synthesizing reply packets from the lookup results. MX
// replies get their additional section populated with the exchanges'
// addresses, as the mx mechanism expects of its resolver. Queries for
// the obsolete SPF RR type always come back empty, since the lookup
// interface cannot express them.
type LookupResolver struct {
	Client Lookuper
}

var _ Resolver = &LookupResolver{}

func (lr *LookupResolver) Resolve(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	if len(r.Question) != 1 {
		return nil, errors.New("expected exactly one question")
	}
	q := r.Question[0]
	host := strings.TrimSuffix(q.Name, ".")
	m := &dns.Msg{}
	m.SetReply(r)

	switch q.Qtype {
	case dns.TypeTXT:
		txts, err := lr.Client.LookupTXT(ctx, host)
		if err != nil {
			return errReply(m, r, err)
		}
		for _, txt := range txts {
			m.Answer = append(m.Answer, &dns.TXT{Hdr: header(q.Name, dns.TypeTXT), Txt: []string{txt}})
		}

	case dns.TypeA, dns.TypeAAAA:
		addrs, err := lr.Client.LookupIPAddr(ctx, host)
		if err != nil {
			return errReply(m, r, err)
		}
		appendAddrs(&m.Answer, q.Name, q.Qtype, addrs)

	case dns.TypeMX:
		mxs, err := lr.Client.LookupMX(ctx, host)
		if err != nil {
			return errReply(m, r, err)
		}
		for _, mx := range mxs {
			m.Answer = append(m.Answer, &dns.MX{
				Hdr:        header(q.Name, dns.TypeMX),
				Preference: mx.Pref,
				Mx:         dns.Fqdn(mx.Host),
			})
			addrs, err := lr.Client.LookupIPAddr(ctx, strings.TrimSuffix(mx.Host, "."))
			if err != nil {
				continue
			}
			appendAddrs(&m.Extra, dns.Fqdn(mx.Host), dns.TypeA, addrs)
			appendAddrs(&m.Extra, dns.Fqdn(mx.Host), dns.TypeAAAA, addrs)
		}

	case dns.TypePTR:
		ip, err := arpaAddr(q.Name)
		if err != nil {
			m.SetRcode(r, dns.RcodeNameError)
			return m, nil
		}
		names, err := lr.Client.LookupAddr(ctx, ip.String())
		if err != nil {
			return errReply(m, r, err)
		}
		for _, name := range names {
			m.Answer = append(m.Answer, &dns.PTR{Hdr: header(q.Name, dns.TypePTR), Ptr: dns.Fqdn(name)})
		}

	default:
		// notably TypeSPF: no records of the obsolete type
	}
	return m, nil
}

// errReply maps lookup errors onto the wire: not-found becomes an
// NXDOMAIN reply, anything else stays a resolver failure.
func errReply(m, r *dns.Msg, err error) (*dns.Msg, error) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		m.SetRcode(r, dns.RcodeNameError)
		return m, nil
	}
	return nil, err
}

func header(name string, qtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: qtype, Class: dns.ClassINET, Ttl: 300}
}

func appendAddrs(section *[]dns.RR, name string, qtype uint16, addrs []net.IPAddr) {
	for _, addr := range addrs {
		switch qtype {
		case dns.TypeA:
			if v4 := addr.IP.To4(); v4 != nil {
				*section = append(*section, &dns.A{Hdr: header(name, dns.TypeA), A: v4})
			}
		case dns.TypeAAAA:
			if addr.IP.To4() == nil {
				*section = append(*section, &dns.AAAA{Hdr: header(name, dns.TypeAAAA), AAAA: addr.IP.To16()})
			}
		}
	}
}

// arpaAddr converts an in-addr.arpa or ip6.arpa name back to the IP
// address it reverses.
func arpaAddr(name string) (net.IP, error) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if v4, ok := strings.CutSuffix(name, ".in-addr.arpa"); ok {
		parts := strings.Split(v4, ".")
		if len(parts) != 4 {
			return nil, fmt.Errorf("bad in-addr.arpa name %s", name)
		}
		ip := net.ParseIP(parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0])
		if ip == nil {
			return nil, fmt.Errorf("bad in-addr.arpa name %s", name)
		}
		return ip, nil
	}
	if v6, ok := strings.CutSuffix(name, ".ip6.arpa"); ok {
		nibbles := strings.Split(v6, ".")
		if len(nibbles) != 32 {
			return nil, fmt.Errorf("bad ip6.arpa name %s", name)
		}
		var b strings.Builder
		for i := len(nibbles) - 1; i >= 0; i-- {
			if len(nibbles[i]) != 1 {
				return nil, fmt.Errorf("bad ip6.arpa name %s", name)
			}
			b.WriteString(nibbles[i])
			if i%4 == 0 && i != 0 {
				b.WriteByte(':')
			}
		}
		ip := net.ParseIP(b.String())
		if ip == nil {
			return nil, fmt.Errorf("bad ip6.arpa name %s", name)
		}
		return ip, nil
	}
	return nil, fmt.Errorf("not an arpa name: %s", name)
}
