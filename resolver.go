package spf

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// ResolvConf holds the path to a resolv.conf(5) format file used to
// configure DefaultResolver.
var ResolvConf = "/etc/resolv.conf"

// Resolver is used for all DNS lookups when a Checker drives the
// evaluation. The engine itself never resolves anything.
type Resolver interface {
	Resolve(ctx context.Context, r *dns.Msg) (*dns.Msg, error)
}

var _ Resolver = &DefaultResolver{}

// DefaultResolver is the stub resolver used by default constructed
// Checkers.
type DefaultResolver struct {
	// Servers lists "host:port" nameservers to query; when empty they
	// are read from ResolvConf on first use.
	Servers []string
	client  *dns.Client
}

// Resolve performs a low level DNS lookup using miekg/dns format packet
// representation.
func (res *DefaultResolver) Resolve(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	if res.client == nil {
		if len(res.Servers) == 0 {
			clientConfig, err := dns.ClientConfigFromFile(ResolvConf)
			if err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", ResolvConf, err)
			}
			if len(clientConfig.Servers) == 0 {
				return nil, fmt.Errorf("no nameservers configured in %s", ResolvConf)
			}
			res.Servers = make([]string, len(clientConfig.Servers))
			for i, server := range clientConfig.Servers {
				res.Servers[i] = net.JoinHostPort(server, clientConfig.Port)
			}
		}
		res.client = new(dns.Client)
	}
	r.SetEdns0(4096, false)
	var m *dns.Msg
	var err error
	for _, server := range res.Servers {
		m, _, err = res.client.ExchangeContext(ctx, r, server)
		if err == nil {
			return m, nil
		}
	}
	return m, err
}

// Checker drives iterative Evaluations to completion against a
// Resolver, for callers that don't need to own the event loop.
type Checker struct {
	Resolver        Resolver // used to resolve all DNS queries
	DNSLimit        int      // maximum number of DNS-using mechanisms
	MXAddressLimit  int      // maximum number of hostnames in an "mx" mechanism
	PtrAddressLimit int      // use only this many PTR responses
	Hostname        string   // the hostname of the machine running the check
	Hook            Hook     // instrumentation hooks
}

// NewChecker creates a new Checker with sensible defaults.
func NewChecker() *Checker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	return &Checker{
		Resolver:        &DefaultResolver{},
		DNSLimit:        DefaultDNSLimit,
		MXAddressLimit:  DefaultMXAddressLimit,
		PtrAddressLimit: DefaultPtrAddressLimit,
		Hostname:        hostname,
	}
}

// configure copies the checker's hook and limits onto a fresh
// evaluation.
func (c *Checker) configure(ev *Evaluation) {
	ev.Hook = c.Hook
	if c.DNSLimit > 0 {
		ev.DNSLimit = c.DNSLimit
	}
	if c.MXAddressLimit > 0 {
		ev.MXAddressLimit = c.MXAddressLimit
	}
	if c.PtrAddressLimit > 0 {
		ev.PtrAddressLimit = c.PtrAddressLimit
	}
}

// Check evaluates SPF policy for a message. mailFrom is the bare
// local@domain envelope sender; when it is empty the HELO identity is
// checked instead.
func (c *Checker) Check(ctx context.Context, ip net.IP, mailFrom string, helo string) Result {
	ev, err := New(ip, mailFrom, helo, c.Hostname)
	if err != nil {
		return Result{Type: PermError, Comment: "bad input", Problem: err.Error()}
	}
	c.configure(ev)
	return c.drive(ctx, ev)
}

// CheckHost implements the SPF check_host() function for a given
// domain. The sender and helo arguments feed macro expansion only;
// evaluation starts at domain regardless of the sender's own domain.
func (c *Checker) CheckHost(ctx context.Context, ip net.IP, domain, sender, helo string) Result {
	ev, err := New(ip, sender, helo, c.Hostname)
	if err != nil {
		return Result{Type: PermError, Comment: "bad input", Problem: err.Error()}
	}
	domain = strings.TrimSuffix(domain, ".")
	if ascii, err := asciiDomain(domain); err == nil {
		domain = ascii
	}
	ev.domain = domain
	c.configure(ev)
	return c.drive(ctx, ev)
}

// drive runs the Step loop. Responses are fed back in resolution
// order; as soon as the engine moves on to a new callback ID the rest
// of the batch is abandoned, since the engine would discard those
// responses as stale anyway.
func (c *Checker) drive(ctx context.Context, ev *Evaluation) Result {
	disp := ev.Step(nil)
	for {
		if disp.Final != nil {
			return *disp.Final
		}
		if len(disp.Queries) == 0 {
			return Result{Type: TempError, Comment: "evaluation stalled", Problem: "no queries and no result"}
		}
		id := disp.CallbackID
		progressed := false
		for _, q := range disp.Queries {
			m, err := c.resolve(ctx, q)
			d := ev.Step(&Response{CallbackID: id, Msg: m, Question: q, Err: err})
			if d.Final != nil || len(d.Queries) > 0 {
				disp = d
				progressed = true
				break
			}
		}
		if !progressed {
			return Result{Type: TempError, Comment: "evaluation stalled", Problem: "no response accepted"}
		}
	}
}

func (c *Checker) resolve(ctx context.Context, q Question) (*dns.Msg, error) {
	m, err := c.Resolver.Resolve(ctx, q.Msg())
	if c.Hook != nil {
		c.Hook.Dns(q, m, err)
	}
	return m, err
}
