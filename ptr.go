package spf

import (
	"github.com/miekg/dns"
)

// 5.5.  "ptr" (do not use) (RFC 7208)
//
//   This mechanism tests whether the DNS reverse-mapping for <ip> exists
//   and correctly points to a domain name within a particular domain.
//
//   The <ip>'s name is looked up using this procedure:
//
//   o  Perform a DNS reverse-mapping for <ip>: Look up the corresponding
//      PTR record in "in-addr.arpa." if the address is an IPv4 address
//      and in "ip6.arpa." if it is an IPv6 address.
//
//   o  For each record returned, validate the domain name by looking up
//      its IP addresses.  To prevent DoS attacks, the PTR processing
//      limits defined in Section 4.6.4 MUST be applied.
//
//   o  If <ip> is among the returned IP addresses, then that domain name
//      is validated.
//
// The same reverse-then-forward verification backs the %{p} macro.

// validatePTR starts, or resumes from cache, the reverse/forward
// verification of the client address. rdomain restricts the candidate
// names to a domain and its subdomains; prefer orders candidates so the
// best name for %{p} is verified first. done receives the first
// verified candidate, or the empty string.
//
// The PTR answer and every per-name verdict are memoized on the
// evaluation, so a second mechanism or macro touching the same names
// costs no further lookups.
func (e *Evaluation) validatePTR(rdomain, prefer string, done func(verified string) trans) trans {
	if e.ptrQueried {
		return e.verifyNext(e.ptrCandidates(rdomain, prefer), 0, done)
	}
	rev, err := dns.ReverseAddr(e.ip.String())
	if err != nil {
		e.ptrQueried = true
		return done("")
	}
	e.cb = func(q Question, m *dns.Msg) trans {
		return e.gotPTRNames(rdomain, prefer, m, done)
	}
	return queryFor(Question{Name: rev, Type: dns.TypePTR})
}

func (e *Evaluation) gotPTRNames(rdomain, prefer string, m *dns.Msg, done func(string) trans) trans {
	e.ptrQueried = true
	switch m.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return done("")
	default:
		// treated as not validated; the calling mechanism is
		// silently ignored
		return done("")
	}
	for _, rr := range m.Answer {
		p, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		e.ptrNames = append(e.ptrNames, normName(p.Ptr))
		if len(e.ptrNames) >= e.PtrAddressLimit {
			break
		}
	}
	return e.verifyNext(e.ptrCandidates(rdomain, prefer), 0, done)
}

// ptrCandidates filters the cached PTR names to rdomain and orders them
// so names equal to prefer come first, then its subdomains, then the
// rest.
func (e *Evaluation) ptrCandidates(rdomain, prefer string) []string {
	names := e.ptrNames
	if rdomain != "" {
		d := normName(rdomain)
		filtered := make([]string, 0, len(names))
		for _, n := range names {
			if subDomainOf(n, d) {
				filtered = append(filtered, n)
			}
		}
		names = filtered
	}
	if prefer == "" {
		return names
	}
	d := normName(prefer)
	var exact, sub, rest []string
	for _, n := range names {
		switch {
		case n == d:
			exact = append(exact, n)
		case subDomainOf(n, d):
			sub = append(sub, n)
		default:
			rest = append(rest, n)
		}
	}
	return append(exact, append(sub, rest...)...)
}

// verifyNext works through the candidate names in order, issuing one
// forward lookup at a time, and stops at the first name whose addresses
// include the client IP.
func (e *Evaluation) verifyNext(names []string, i int, done func(string) trans) trans {
	for ; i < len(names); i++ {
		name := names[i]
		if verdict, ok := e.validated[e.ip.String()][name]; ok {
			if verdict {
				return done(name)
			}
			continue
		}
		idx := i
		e.cb = func(q Question, m *dns.Msg) trans {
			return e.gotPTRAddress(names, idx, m, done)
		}
		return queryFor(Question{Name: dns.Fqdn(name), Type: e.addrType()})
	}
	return done("")
}

func (e *Evaluation) gotPTRAddress(names []string, i int, m *dns.Msg, done func(string) trans) trans {
	name := names[i]
	switch m.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		e.setValidated(name, false)
		return e.verifyNext(names, i+1, done)
	default:
		return done("")
	}
	for _, addr := range addressesFor(m, name, e.addrType()) {
		if addr.Equal(e.ip) {
			e.setValidated(name, true)
			return done(name)
		}
	}
	e.setValidated(name, false)
	return e.verifyNext(names, i+1, done)
}

// setValidated records a verification verdict, once per name.
func (e *Evaluation) setValidated(name string, verdict bool) {
	key := e.ip.String()
	m := e.validated[key]
	if m == nil {
		m = map[string]bool{}
		e.validated[key] = m
	}
	if _, ok := m[name]; !ok {
		m[name] = verdict
	}
}

// ptrName picks the %{p} substitution from the validated names: the
// current domain itself if it verified, else a verified subdomain of
// it, else any other verified name, else "unknown". known is false
// until PTR validation has run at all.
func (e *Evaluation) ptrName(domain string) (name string, known bool) {
	if !e.ptrQueried {
		return "", false
	}
	verdicts := e.validated[e.ip.String()]
	d := normName(domain)
	var sub, other string
	for _, n := range e.ptrNames {
		if !verdicts[n] {
			continue
		}
		if n == d {
			return n, true
		}
		if sub == "" && subDomainOf(n, d) {
			sub = n
		}
		if other == "" {
			other = n
		}
	}
	if sub != "" {
		return sub, true
	}
	if other != "" {
		return other, true
	}
	return "unknown", true
}
