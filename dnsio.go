package spf

import (
	"net"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// Question describes one DNS query the caller must resolve on the
// engine's behalf. The class is always IN.
type Question struct {
	Name string
	Type uint16
}

// Msg builds the query packet for a question.
func (q Question) Msg() *dns.Msg {
	r := &dns.Msg{}
	r.SetQuestion(dns.Fqdn(q.Name), q.Type)
	return r
}

func (q Question) String() string {
	return dns.Type(q.Type).String() + " " + q.Name
}

// matches reports whether a response for (name, qtype) answers this
// question.
func (q Question) matches(name string, qtype uint16) bool {
	return qtype == q.Type && strings.EqualFold(dns.Fqdn(name), dns.Fqdn(q.Name))
}

// Response delivers the outcome of one Question back to the engine.
// Either Msg carries the parsed answer packet, or Err describes a
// resolver-side failure for Question.
type Response struct {
	CallbackID uint64
	Msg        *dns.Msg
	Question   Question
	Err        error
}

// Disposition is what one Step produced: the final result of the
// evaluation, or a batch of questions tagged with a fresh callback ID,
// or neither when the input was ignored or a peer response is still
// awaited.
type Disposition struct {
	Final      *Result
	Queries    []Question
	CallbackID uint64
}

// pendingQuery tracks one outstanding question of the current batch.
type pendingQuery struct {
	q    Question
	done bool
}

// 4.5.  Selecting Records (RFC 7208)
//
//  Records begin with a version section:
//
//  record           = version terms *SP
//  version          = "v=spf1"
//
//  Starting with the set of records that were returned by the lookup,
//  discard records that do not begin with a version section of exactly
//  "v=spf1".  Note that the version section is terminated by either an
//  SP character or the end of the record.
var spfPrefixRe = regexp.MustCompile(`(?i)^v=spf1(?: |$)`)

// spfRecords extracts the v=spf1 strings of the queried RR type from an
// answer section.
func spfRecords(m *dns.Msg, qtype uint16) []string {
	var records []string
	for _, rr := range m.Answer {
		var chunks []string
		switch v := rr.(type) {
		case *dns.TXT:
			if qtype == dns.TypeTXT {
				chunks = v.Txt
			}
		case *dns.SPF:
			if qtype == dns.TypeSPF {
				chunks = v.Txt
			}
		}
		if chunks == nil {
			continue
		}
		record := strings.Join(chunks, "")
		if spfPrefixRe.MatchString(record) {
			records = append(records, record)
		}
	}
	return records
}

// addressesFor collects the addresses a response gives for name,
// following CNAME chains through both the answer and additional
// sections.
func addressesFor(m *dns.Msg, name string, qtype uint16) []net.IP {
	rrs := make([]dns.RR, 0, len(m.Answer)+len(m.Extra))
	rrs = append(rrs, m.Answer...)
	rrs = append(rrs, m.Extra...)

	var addrs []net.IP
	want := dns.Fqdn(name)
	seen := map[string]bool{}
	for want != "" && !seen[strings.ToLower(want)] {
		seen[strings.ToLower(want)] = true
		next := ""
		for _, rr := range rrs {
			if !strings.EqualFold(rr.Header().Name, want) {
				continue
			}
			switch v := rr.(type) {
			case *dns.A:
				if qtype == dns.TypeA {
					addrs = append(addrs, v.A)
				}
			case *dns.AAAA:
				if qtype == dns.TypeAAAA {
					addrs = append(addrs, v.AAAA)
				}
			case *dns.CNAME:
				next = dns.Fqdn(v.Target)
			}
		}
		want = next
	}
	return addrs
}
