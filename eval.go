package spf

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// DefaultDNSLimit is the number of DNS-using terms an evaluation may
// dispatch before it returns a failure.
//
// 4.6.4.  DNS Lookup Limits (RFC 7208)
//
//  Some mechanisms and modifiers (collectively, "terms") cause DNS
//  queries at the time of evaluation, and some do not.  The following
//  terms cause DNS queries: the "include", "a", "mx", "ptr", and
//  "exists" mechanisms, and the "redirect" modifier.  SPF
//  implementations MUST limit the total number of those terms to 10
//  during SPF evaluation, to avoid unreasonable load on the DNS.  If
//  this limit is exceeded, the implementation MUST return "permerror".
const DefaultDNSLimit = 10

// DefaultMXAddressLimit is the maximum number of exchange names
// considered while evaluating an "mx" mechanism before returning a
// failure.
const DefaultMXAddressLimit = 10

// DefaultPtrAddressLimit is the limit on how many PTR records will be
// used when validating the client address for a "ptr" mechanism or a
// "%{p}" macro.
const DefaultPtrAddressLimit = 10

// Evaluation is the state of one SPF check. It is a single-threaded
// cooperative machine: all progress happens inside Step, and between
// Step calls it holds nothing but its own fields. One Evaluation
// belongs to one logical flow.
type Evaluation struct {
	// Hook, when non-nil, observes the evaluation as it progresses.
	Hook Hook

	// DNSLimit, MXAddressLimit and PtrAddressLimit override the
	// package default limits when changed before the first Step call.
	DNSLimit        int // maximum number of DNS-using mechanisms
	MXAddressLimit  int // maximum number of hostnames in an "mx" mechanism
	PtrAddressLimit int // use only this many PTR responses

	ip       net.IP // 4-byte form for IPv4 clients, 16-byte otherwise
	sender   string
	helo     string
	hostname string

	domain   string
	mech     []*term
	redirect *domainSpec
	explain  *domainSpec
	stack    []frame

	cb      func(q Question, m *dns.Msg) trans
	pending []*pendingQuery
	cbid    uint64

	validated  map[string]map[string]bool
	ptrNames   []string
	ptrQueried bool

	budget      int
	viaRedirect bool
	explained   bool
	failPending Result
	started     bool
	final       *Result
}

// frame is one suspended record on the include stack. redirect never
// pushes a frame; only include does.
type frame struct {
	domain      string
	mech        []*term
	redirect    *domainSpec
	explain     *domainSpec
	qual        ResultType
	viaRedirect bool
}

type transAction int

const (
	// transAdvance shifts the next mechanism task.
	transAdvance transAction = iota
	// transResult carries a candidate final result for the current
	// record, to be folded against the include stack.
	transResult
	// transQuery hands a batch of questions to the caller.
	transQuery
	// transWait expects further responses to the current batch.
	transWait
)

// trans is the outcome of one callback or mechanism dispatch.
type trans struct {
	action  transAction
	result  Result
	queries []Question
}

func advance() trans {
	return trans{action: transAdvance}
}

func candidate(r Result) trans {
	return trans{action: transResult, result: r}
}

func errorResult(t ResultType, comment, problem string) trans {
	return candidate(Result{Type: t, Comment: comment, Problem: problem})
}

func waitMore() trans {
	return trans{action: transWait}
}

func queryFor(queries ...Question) trans {
	return trans{action: transQuery, queries: queries}
}

// New creates an Evaluation for one SPF check. clientIP is the address
// of the SMTP client; an IPv4-mapped IPv6 address is folded to IPv4
// here. mailFrom is the bare local@domain of the envelope sender, empty
// for a bounce, in which case the HELO identity stands in for it.
// hostname names the host performing the check, for the %{r} macro.
func New(clientIP net.IP, mailFrom, helo, hostname string) (*Evaluation, error) {
	if clientIP == nil {
		return nil, errors.New("no client IP address")
	}
	ip := clientIP
	if v4 := clientIP.To4(); v4 != nil {
		ip = v4
	} else if clientIP.To16() == nil {
		return nil, errors.New("malformed client IP address")
	}

	// 4.3 Initial Processing (RFC 7208)
	//  If the <sender> has no local-part, substitute the string
	//  "postmaster" for the local-part.
	sender := mailFrom
	if sender == "" {
		sender = helo
	}
	if !strings.Contains(sender, "@") {
		sender = "postmaster@" + sender
	} else if strings.HasPrefix(sender, "@") {
		sender = "postmaster" + sender
	}

	_, domain := splitSender(sender)
	domain = strings.TrimSuffix(domain, ".")
	if ascii, err := asciiDomain(domain); err == nil {
		domain = ascii
	}

	return &Evaluation{
		ip:              ip,
		sender:          sender,
		helo:            helo,
		hostname:        hostname,
		domain:          domain,
		DNSLimit:        DefaultDNSLimit,
		MXAddressLimit:  DefaultMXAddressLimit,
		PtrAddressLimit: DefaultPtrAddressLimit,
		validated:       map[string]map[string]bool{},
	}, nil
}

// Step drives the evaluation. The first call passes a nil response and
// yields the opening SPF+TXT question pair. Each later call delivers
// one response; the returned Disposition holds either the final result,
// or the next batch of questions under a fresh callback ID, or nothing
// at all when the response was stale, a duplicate, or a peer response
// is still awaited.
func (e *Evaluation) Step(resp *Response) Disposition {
	if e.final != nil {
		return Disposition{Final: e.final}
	}
	if resp == nil {
		if e.started {
			return Disposition{}
		}
		e.started = true
		return e.run(e.begin())
	}
	if !e.started || resp.CallbackID != e.cbid {
		return Disposition{} // stale
	}

	name, qtype := resp.Question.Name, resp.Question.Type
	if resp.Msg != nil && len(resp.Msg.Question) > 0 {
		name, qtype = resp.Msg.Question[0].Name, resp.Msg.Question[0].Qtype
	}
	var match *pendingQuery
	for _, pq := range e.pending {
		if pq.q.matches(name, qtype) {
			match = pq
			break
		}
	}
	if match == nil {
		return e.run(errorResult(TempError, "unexpected DNS response",
			fmt.Sprintf("no pending query for %s %s", dns.Type(qtype).String(), name)))
	}
	if match.done {
		return Disposition{} // duplicate
	}
	match.done = true

	if resp.Err != nil || resp.Msg == nil {
		if e.pendingRemain() {
			return Disposition{} // await the other query
		}
		problem := "lookup failed"
		if resp.Err != nil {
			problem = resp.Err.Error()
		}
		return e.run(errorResult(TempError, "DNS lookup failed", problem))
	}
	return e.run(e.cb(match.q, resp.Msg))
}

func (e *Evaluation) pendingRemain() bool {
	for _, pq := range e.pending {
		if !pq.done {
			return true
		}
	}
	return false
}

// run is the result-propagation loop: it keeps advancing mechanisms and
// folding candidate results until the evaluation needs the caller
// again, or finishes.
func (e *Evaluation) run(t trans) Disposition {
	for {
		switch t.action {
		case transWait:
			return Disposition{}
		case transQuery:
			e.pending = make([]*pendingQuery, 0, len(t.queries))
			for _, q := range t.queries {
				e.pending = append(e.pending, &pendingQuery{q: q})
			}
			e.cbid++
			return Disposition{Queries: t.queries, CallbackID: e.cbid}
		case transAdvance:
			t = e.next()
		case transResult:
			var disp *Disposition
			t, disp = e.fold(t.result)
			if disp != nil {
				return *disp
			}
		}
	}
}

// fold reconciles a record's candidate result with the include stack,
// per the table in RFC 4408 section 5.2: a Pass inside an include
// matches the include mechanism with its stored qualifier, the soft
// results are a non-match, None is promoted to PermError, and the error
// results cut straight through.
func (e *Evaluation) fold(r Result) (trans, *Disposition) {
	for {
		if len(e.stack) == 0 {
			if r.Type == Fail && r.Problem == "" && e.explain != nil && !e.explained {
				return e.explainFail(r), nil
			}
			return trans{}, e.finish(r)
		}
		switch r.Type {
		case TempError, PermError:
			return trans{}, e.finish(r)
		case None:
			return trans{}, e.finish(Result{
				Type:    PermError,
				Comment: r.Comment,
				Problem: "included domain has no SPF record",
			})
		case Pass:
			f := e.popFrame()
			r = Result{Type: f.qual, Comment: "included"}
		default: // Fail, SoftFail, Neutral: the include didn't match
			e.popFrame()
			return advance(), nil
		}
	}
}

func (e *Evaluation) finish(r Result) *Disposition {
	e.final = &r
	e.pending = nil
	e.cb = nil
	if e.Hook != nil {
		e.Hook.Result(&r)
	}
	return &Disposition{Final: e.final}
}

func (e *Evaluation) popFrame() frame {
	f := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	e.domain = f.domain
	e.mech = f.mech
	e.redirect = f.redirect
	e.explain = f.explain
	e.viaRedirect = f.viaRedirect
	return f
}

// begin validates the initial domain and issues the opening record
// lookup.
func (e *Evaluation) begin() trans {
	e.budget = e.DNSLimit
	// 4.3 Initial Processing (RFC 7208): a malformed initial domain
	// yields None, not an error.
	if err := checkDomain(e.domain); err != nil {
		return candidate(Result{Type: None, Comment: "not a domain name"})
	}
	return e.queryRecord()
}

// queryRecord issues the parallel SPF and TXT questions for the current
// domain.
func (e *Evaluation) queryRecord() trans {
	name := dns.Fqdn(e.domain)
	e.cb = e.gotRecord
	return queryFor(
		Question{Name: name, Type: dns.TypeSPF},
		Question{Name: name, Type: dns.TypeTXT},
	)
}

// Anything not 7 bit ascii or any control character
var invalidCharRe = regexp.MustCompile(`[^ -~]`)

// gotRecord reconciles the SPF/TXT pair: the first response carrying a
// usable v=spf1 record wins; the peer is waited for only while no
// usable record has been seen.
func (e *Evaluation) gotRecord(q Question, m *dns.Msg) trans {
	switch m.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		if e.pendingRemain() {
			return waitMore()
		}
		return errorResult(TempError, "DNS lookup failed",
			fmt.Sprintf("%s looking up %s", dns.RcodeToString[m.Rcode], q.Name))
	}

	records := spfRecords(m, q.Type)
	if len(records) > 1 {
		return errorResult(PermError, "invalid SPF records", "multiple SPF records")
	}
	if len(records) == 1 {
		record := records[0]
		if badChar := invalidCharRe.FindString(record); badChar != "" {
			return errorResult(PermError, "invalid SPF record",
				fmt.Sprintf("invalid character %q", badChar[0]))
		}
		if e.Hook != nil {
			e.Hook.Record(e.domain, record)
		}
		if err := e.parseRecord(record); err != nil {
			return errorResult(PermError, "invalid SPF record", err.Error())
		}
		return advance()
	}
	if e.pendingRemain() {
		return waitMore()
	}
	// neither query produced a usable record
	if e.viaRedirect {
		return errorResult(PermError, "invalid redirect", "no SPF record for redirect target")
	}
	return candidate(Result{Type: None, Comment: "no SPF records found"})
}

// next shifts the next mechanism task, falling through to redirect and
// the include stack when the list is exhausted.
func (e *Evaluation) next() trans {
	if len(e.mech) == 0 {
		if e.redirect != nil {
			return e.doRedirect()
		}
		return candidate(Result{Type: Neutral, Comment: "default result"})
	}
	t := e.mech[0]
	e.mech = e.mech[1:]
	return e.dispatch(t)
}

func (e *Evaluation) addrType() uint16 {
	if e.ip.To4() == nil {
		return dns.TypeAAAA
	}
	return dns.TypeA
}

func (e *Evaluation) useBudget() bool {
	e.budget--
	return e.budget >= 0
}

func (e *Evaluation) budgetExceeded() trans {
	return errorResult(PermError, "too many DNS mechanisms", "Number of DNS mechanism exceeded")
}

func (e *Evaluation) matched(t *term) trans {
	r := Result{Type: t.qual, Comment: "matches " + t.display()}
	if e.Hook != nil {
		e.Hook.Mechanism(e.domain, t.display(), t.qual)
	}
	return candidate(r)
}

func (e *Evaluation) missed(t *term) trans {
	if e.Hook != nil {
		e.Hook.Mechanism(e.domain, t.display(), None)
	}
	return advance()
}

// resolveFuture runs PTR validation for a deferred %{p} and re-expands
// the owning domain-spec once the validated name is known.
func (e *Evaluation) resolveFuture(ds *domainSpec) trans {
	fut := ds.fut
	return e.validatePTR("", fut.domain, func(string) trans {
		name, again, err := e.expandDomainSpec(fut.raw, false)
		if err != nil || again != nil {
			return errorResult(PermError, "invalid macro",
				fmt.Sprintf("macro expansion of '%s' failed", fut.raw))
		}
		ds.name = name
		ds.fut = nil
		return advance()
	})
}

// dispatch starts one mechanism task.
func (e *Evaluation) dispatch(t *term) trans {
	switch t.kind {
	case termResolveP:
		if t.spec.fut == nil {
			return advance()
		}
		return e.resolveFuture(t.spec)

	case termAll:
		r := Result{Type: t.qual, Comment: "matches default"}
		if e.Hook != nil {
			e.Hook.Mechanism(e.domain, "all", t.qual)
		}
		return candidate(r)

	case termIP4, termIP6:
		if maskedEqual(e.ip, t.addr, t.mask) {
			return e.matched(t)
		}
		return e.missed(t)

	case termA:
		if !e.useBudget() {
			return e.budgetExceeded()
		}
		if err := checkDomain(t.spec.name); err != nil {
			return errorResult(PermError, "invalid domain name", err.Error())
		}
		e.cb = func(q Question, m *dns.Msg) trans {
			return e.gotAddresses(t, q, m)
		}
		return queryFor(Question{Name: dns.Fqdn(t.spec.name), Type: e.addrType()})

	case termMX:
		if !e.useBudget() {
			return e.budgetExceeded()
		}
		if err := checkDomain(t.spec.name); err != nil {
			return errorResult(PermError, "invalid domain name", err.Error())
		}
		e.cb = func(q Question, m *dns.Msg) trans {
			return e.gotMX(t, q, m)
		}
		return queryFor(Question{Name: dns.Fqdn(t.spec.name), Type: dns.TypeMX})

	case termExists:
		if !e.useBudget() {
			return e.budgetExceeded()
		}
		if err := checkDomain(t.spec.name); err != nil {
			return errorResult(PermError, "invalid domain name", err.Error())
		}
		// exists always asks for A, even for IPv6 clients
		e.cb = func(q Question, m *dns.Msg) trans {
			return e.gotExists(t, q, m)
		}
		return queryFor(Question{Name: dns.Fqdn(t.spec.name), Type: dns.TypeA})

	case termPTR:
		if !e.useBudget() {
			return e.budgetExceeded()
		}
		target := t.spec.name
		if err := checkDomain(target); err != nil {
			return errorResult(PermError, "invalid domain name", err.Error())
		}
		return e.validatePTR(target, target, func(verified string) trans {
			if verified != "" {
				return e.matched(t)
			}
			return e.missed(t)
		})

	case termInclude:
		if !e.useBudget() {
			return e.budgetExceeded()
		}
		target := t.spec.name
		if err := checkDomain(target); err != nil {
			return errorResult(PermError, "invalid domain name", err.Error())
		}
		e.stack = append(e.stack, frame{
			domain:      e.domain,
			mech:        e.mech,
			redirect:    e.redirect,
			explain:     e.explain,
			qual:        t.qual,
			viaRedirect: e.viaRedirect,
		})
		e.domain = target
		e.mech = nil
		e.redirect = nil
		e.explain = nil
		e.viaRedirect = false
		return e.queryRecord()
	}
	return errorResult(PermError, "internal error", fmt.Sprintf("unhandled mechanism kind %d", t.kind))
}

// doRedirect tears down the current record and restarts evaluation at
// the redirect target. No include frame is pushed.
func (e *Evaluation) doRedirect() trans {
	ds := e.redirect
	if ds.fut != nil {
		return e.resolveFuture(ds)
	}
	e.redirect = nil
	if !e.useBudget() {
		return e.budgetExceeded()
	}
	if err := checkDomain(ds.name); err != nil {
		return errorResult(PermError, "invalid redirect domain", err.Error())
	}
	if e.Hook != nil {
		e.Hook.Redirect(ds.name)
	}
	e.domain = ds.name
	e.mech = nil
	e.explain = nil
	e.viaRedirect = true
	return e.queryRecord()
}

func (e *Evaluation) gotAddresses(t *term, q Question, m *dns.Msg) trans {
	switch m.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return e.missed(t)
	default:
		return errorResult(TempError, "DNS lookup failed",
			fmt.Sprintf("%s looking up %s", dns.RcodeToString[m.Rcode], q.Name))
	}
	mask := t.mask4
	if e.ip.To4() == nil {
		mask = t.mask6
	}
	for _, addr := range addressesFor(m, q.Name, q.Type) {
		if maskedEqual(addr, e.ip, mask) {
			return e.matched(t)
		}
	}
	return e.missed(t)
}

// gotMX matches the client against the exchanges' addresses. The
// resolver is relied on to fill the additional section with the A/AAAA
// records for the exchange names; an exchange with no address there is
// treated as a non-match.
func (e *Evaluation) gotMX(t *term, q Question, m *dns.Msg) trans {
	switch m.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return e.missed(t)
	default:
		return errorResult(TempError, "DNS lookup failed",
			fmt.Sprintf("%s looking up %s", dns.RcodeToString[m.Rcode], q.Name))
	}
	mask := t.mask4
	if e.ip.To4() == nil {
		mask = t.mask6
	}
	count := 0
	for _, rr := range m.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		count++
		if count > e.MXAddressLimit {
			return errorResult(PermError, "invalid mx mechanism",
				fmt.Sprintf("limit of %d MX results exceeded for %s", e.MXAddressLimit, q.Name))
		}
		for _, addr := range addressesFor(m, mx.Mx, e.addrType()) {
			if maskedEqual(addr, e.ip, mask) {
				return e.matched(t)
			}
		}
	}
	return e.missed(t)
}

func (e *Evaluation) gotExists(t *term, q Question, m *dns.Msg) trans {
	switch m.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return e.missed(t)
	default:
		return errorResult(TempError, "DNS lookup failed",
			fmt.Sprintf("%s looking up %s", dns.RcodeToString[m.Rcode], q.Name))
	}
	if len(addressesFor(m, q.Name, dns.TypeA)) > 0 {
		return e.matched(t)
	}
	return e.missed(t)
}

// explainFail switches into explain mode for a top-level Fail: the exp
// domain's TXT record is fetched and macro-expanded into the comment.
// Nothing that goes wrong here may override the Fail itself.
func (e *Evaluation) explainFail(r Result) trans {
	e.explained = true
	ds := e.explain
	if ds.fut != nil {
		// %{p} inside exp would need PTR validation mid-teardown;
		// return the Fail without an explanation instead
		return candidate(r)
	}
	e.budget--
	if e.budget < 0 {
		return candidate(r)
	}
	if err := checkDomain(ds.name); err != nil {
		return candidate(r)
	}
	e.failPending = r
	e.cb = func(q Question, m *dns.Msg) trans {
		return e.gotExplainTXT(m)
	}
	return queryFor(Question{Name: dns.Fqdn(ds.name), Type: dns.TypeTXT})
}

func (e *Evaluation) gotExplainTXT(m *dns.Msg) trans {
	r := e.failPending
	if m.Rcode != dns.RcodeSuccess {
		return candidate(r)
	}
	var txt *dns.TXT
	for _, rr := range m.Answer {
		if t, ok := rr.(*dns.TXT); ok {
			if txt != nil {
				return candidate(r) // more than one explanation, use none
			}
			txt = t
		}
	}
	if txt == nil {
		return candidate(r)
	}
	expansion, fut, err := e.ExpandMacro(strings.Join(txt.Txt, ""), true)
	if err != nil || fut != nil {
		return candidate(r)
	}
	if expansion = printable(expansion); expansion != "" {
		r.Comment = expansion
	}
	return candidate(r)
}
