package spf_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v2"

	spf "github.com/wttw/spfiter"
)

type Test struct {
	Description string
	Helo        string
	Host        string
	MailFrom    string
	Result      interface{}
	Explanation string
}

type Answer interface{}

type Suite struct {
	Description string `yaml:"description"`
	Tests       map[string]Test
	ZoneData    map[string][]Answer
}

func (e Test) ResultMatches(s string) bool {
	for _, a := range toSlice(e.Result) {
		if s == a {
			return true
		}
	}
	return false
}

func toSlice(i interface{}) []string {
	switch v := i.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		ret := make([]string, len(v))
		for j, k := range v {
			ret[j] = k.(string)
		}
		return ret
	default:
		panic(fmt.Errorf("unexpected type in RR: %T, %#v", i, i))
	}
}

// TestResolver serves canned responses from a zone map, in the shape
// the engine's driver expects from a real resolver.
type TestResolver map[string]map[uint16]*dns.Msg

var _ spf.Resolver = TestResolver{}

func (res TestResolver) Resolve(_ context.Context, r *dns.Msg) (*dns.Msg, error) {
	m := &dns.Msg{}
	m.SetReply(r)
	hostRRs, ok := res[strings.ToLower(r.Question[0].Name)]
	if !ok {
		m.SetRcode(r, dns.RcodeNameError) // NXDOMAIN
		return m, nil
	}

	response, ok := hostRRs[r.Question[0].Qtype]
	if ok {
		m = response.Copy()
		m.SetReply(r)
	} else {
		if _, ok = hostRRs[0]; ok {
			m.SetRcode(r, dns.RcodeServerFailure) // SERVFAIL
			return m, nil
		}
	}

	m.SetRcode(r, dns.RcodeSuccess)
	return m, nil
}

// Zone compiles a suite's zone data into a TestResolver. MX responses
// get the exchanges' addresses copied into their additional section,
// the way the mx mechanism expects a recursive resolver to behave.
func (s Suite) Zone(t *testing.T) TestResolver {
	ret := TestResolver{}

	for hostname, answers := range s.ZoneData {
		hostname = strings.ToLower(dns.Fqdn(hostname))
		if _, ok := ret[hostname]; !ok {
			ret[hostname] = map[uint16]*dns.Msg{}
		}

		for _, answer := range answers {
			switch v := answer.(type) {
			case string:
				if v != "TIMEOUT" {
					t.Fatalf("unrecognized value '%s' in %s", v, hostname)
				}
				ret[hostname][0] = nil
			case map[interface{}]interface{}:
				for typeThing, value := range v {
					typeString, ok := typeThing.(string)
					if !ok {
						t.Fatalf("unrecognized RR key %T in %s", typeThing, hostname)
					}
					typeID, ok := dns.StringToType[typeString]
					if !ok {
						t.Fatalf("unrecognized RR type '%s' in %s", typeString, hostname)
					}

					var rr dns.RR
					hdr := dns.RR_Header{
						Name:   hostname,
						Rrtype: typeID,
						Class:  dns.ClassINET,
						Ttl:    30,
					}
					switch typeID {
					case dns.TypeSPF:
						rr = &dns.SPF{Hdr: hdr, Txt: toSlice(value)}
					case dns.TypeTXT:
						rr = &dns.TXT{Hdr: hdr, Txt: toSlice(value)}
					case dns.TypeMX:
						slice := value.([]interface{})
						rr = &dns.MX{
							Hdr:        hdr,
							Preference: uint16(slice[0].(int)),
							Mx:         dns.Fqdn(slice[1].(string)),
						}
					case dns.TypeA:
						rr = &dns.A{Hdr: hdr, A: net.ParseIP(value.(string))}
					case dns.TypeAAAA:
						rr = &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(value.(string))}
					case dns.TypePTR:
						rr = &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(value.(string))}
					case dns.TypeCNAME:
						rr = &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(value.(string))}
					default:
						t.Fatalf("unhandled RR type '%s' in %s", typeString, hostname)
					}

					m, ok := ret[hostname][typeID]
					if !ok {
						m = &dns.Msg{}
					}
					m.Answer = append(m.Answer, rr)
					ret[hostname][typeID] = m
				}
			default:
				t.Fatalf("unexpected RR type %T, %#v in %s", answer, answer, hostname)
			}
		}
	}

	// fill MX additional sections from the exchanges' address records
	for _, byType := range ret {
		mxMsg, ok := byType[dns.TypeMX]
		if !ok {
			continue
		}
		for _, rr := range mxMsg.Answer {
			mx, ok := rr.(*dns.MX)
			if !ok {
				continue
			}
			exchange, ok := ret[strings.ToLower(mx.Mx)]
			if !ok {
				continue
			}
			for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
				if addrMsg, ok := exchange[qtype]; ok {
					mxMsg.Extra = append(mxMsg.Extra, addrMsg.Answer...)
				}
			}
		}
	}
	return ret
}

func loadSuites(t *testing.T, filename string) []Suite {
	var suites []Suite
	f, err := os.Open(filename)
	if err != nil {
		t.Fatalf("failed to open %s: %v", filename, err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	for {
		var s Suite
		err = decoder.Decode(&s)
		if err != nil {
			if err == io.EOF {
				return suites
			}
			t.Fatalf("while reading %s: %v", filename, err)
		}
		suites = append(suites, s)
	}
}

func runSuite(s Suite) func(*testing.T) {
	return func(t *testing.T) {
		resolver := s.Zone(t)
		for name, test := range s.Tests {
			test := test
			t.Run(name, func(t *testing.T) {
				checker := spf.NewChecker()
				checker.Resolver = resolver
				checker.Hostname = "checker.example.net"
				host := net.ParseIP(test.Host)
				if host == nil {
					t.Fatalf("bad host %q", test.Host)
				}
				actual := checker.Check(context.Background(), host, test.MailFrom, test.Helo)
				if !test.ResultMatches(actual.Type.String()) {
					t.Errorf("expected %v, actual %s (comment %q, problem %q)",
						test.Result, actual.Type, actual.Comment, actual.Problem)
				}
				if test.Explanation != "" && actual.Comment != test.Explanation {
					t.Errorf("expected explanation %q, actual %q", test.Explanation, actual.Comment)
				}
			})
		}
	}
}

func TestScenarios(t *testing.T) {
	for _, s := range loadSuites(t, "testdata/scenarios.yml") {
		t.Run(s.Description, runSuite(s))
	}
}
