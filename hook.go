package spf

import "github.com/miekg/dns"

// Hook allows a caller to watch an SPF evaluation at various points
// through its execution.
type Hook interface {
	Dns(q Question, m *dns.Msg, err error) // a dns query was resolved
	Record(domain, record string) // an SPF record is about to be processed
	Mechanism(domain string, mechanism string, result ResultType) // a mechanism matched, or missed with None
	Macro(before, after string, err error) // a macro has been expanded
	Redirect(target string) // a redirect modifier is about to be executed
	Result(r *Result) // the evaluation finished
}
