/*
spf is a commandline tool for evaluating spf records.

 spf -ip 8.8.8.8 -from steve@aol.com

 Result: SoftFail
 Comment: matches default
 Problem:

If run with the -trace flag it will show the steps taken to check the
spf record, and if the -dns flag is added it will show all the DNS
queries involved.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/logrusorgru/aurora"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/miekg/dns"

	spf "github.com/wttw/spfiter"
)

func main() {
	var ip, from, helo, hostname string
	var trace, showDns bool
	flag.StringVar(&ip, "ip", "", "ip address from which the message is sent")
	flag.StringVar(&from, "from", "", "821.From address")
	flag.StringVar(&helo, "helo", "", "domain used in 821.HELO")
	flag.StringVar(&hostname, "hostname", "", "hostname used for the %{r} macro")
	flag.BoolVar(&trace, "trace", false, "show evaluation of record")
	flag.BoolVar(&showDns, "dns", false, "show dns queries")
	flag.Parse()

	if ip == "" {
		log.Fatalln("-ip is required")
	}
	if from == "" && helo == "" {
		log.Fatalln("one of -from and -helo is required")
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		log.Fatalf("'%s' doesn't look like an ip address", ip)
	}

	c := spf.NewChecker()
	if hostname != "" {
		c.Hostname = hostname
	}
	if trace {
		c.Hook = &Tracer{
			au:     aurora.NewAurora(isatty.IsTerminal(os.Stdout.Fd())),
			stdout: colorable.NewColorableStdout(),
			dns:    showDns,
		}
	}
	result := c.Check(context.Background(), addr, from, helo)
	fmt.Printf("Result: %s\nComment: %s\nProblem: %s\n", result.Type, result.Comment, result.Problem)
}

// Tracer prints each record, mechanism, macro expansion and redirect as
// the evaluation walks through them.
type Tracer struct {
	au     aurora.Aurora
	stdout io.Writer
	dns    bool
}

var _ spf.Hook = &Tracer{}

func (t *Tracer) resultColour(resultType spf.ResultType, msg string) aurora.Value {
	switch resultType {
	case spf.TempError, spf.PermError:
		return t.au.BrightRed(msg)
	case spf.None, spf.Neutral:
		return t.au.Blue(msg)
	case spf.Fail, spf.SoftFail:
		return t.au.Red(msg)
	case spf.Pass:
		return t.au.Green(msg)
	}
	return t.au.BrightRed(fmt.Sprintf("unknown result type %v", resultType))
}

func (t *Tracer) Printf(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(t.stdout, format, a...)
}

func (t *Tracer) Dns(q spf.Question, m *dns.Msg, err error) {
	if !t.dns {
		return
	}
	if err != nil {
		t.Printf("%s: %s\n", q, t.au.Red(err.Error()))
		return
	}
	t.Printf("%s\n%s\n", q, t.au.Cyan(m.String()))
}

func (t *Tracer) Record(domain, record string) {
	t.Printf("%s: %s\n", domain, t.au.Magenta(record))
}

func (t *Tracer) Mechanism(domain string, mechanism string, result spf.ResultType) {
	if result == spf.None {
		t.Printf("  %s %s\n", mechanism, t.au.Blue("(no match)"))
		return
	}
	t.Printf("  %s (%s)\n", mechanism, t.resultColour(result, result.String()))
}

func (t *Tracer) Macro(before, after string, err error) {
	if err != nil {
		t.Printf("%s %s: %s\n", t.au.BgRed("failed to expand macro"), t.au.BgBlue(before), t.au.Red(err.Error()))
		return
	}
	if before != after {
		t.Printf("%s expands to %s\n", t.au.BgBlue(before), t.au.BgBlue(after))
	}
}

func (t *Tracer) Redirect(target string) {
	t.Printf("redirecting to %s\n", target)
}

func (t *Tracer) Result(r *spf.Result) {
	t.Printf("%s %s\n", t.resultColour(r.Type, r.Type.String()), r.Comment)
}
