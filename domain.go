package spf

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// toplabel is subject to the letter-digit-hyphen rule, and may not be
// purely numeric.
var topLabelRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
var allNumeric = regexp.MustCompile(`^[0-9]+$`)

// checkDomain enforces the name rules applied after macro expansion:
// labels of 1..63 octets, at most 253 octets overall, a
// letter-digit-hyphen top label, and not a purely numeric dotted name.
func checkDomain(name string) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return errors.New("empty domain name")
	}
	if len(name) > 253 {
		return errors.New("domain name too long")
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if label == "" {
			return errors.New("empty label in domain name")
		}
		if len(label) > 63 {
			return fmt.Errorf("label '%s' longer than 63 octets", label)
		}
	}
	top := labels[len(labels)-1]
	if !topLabelRe.MatchString(top) || allNumeric.MatchString(top) {
		return fmt.Errorf("invalid top label '%s'", top)
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return fmt.Errorf("invalid domain name '%s'", name)
	}
	return nil
}

var macroTokenRe = regexp.MustCompile(`%\{[a-zA-Z][0-9]*r?[.+=,/_-]*\}`)

var macroEscapes = strings.NewReplacer("%%", "x", "%_", "x", "%-", "x")

// checkMacroDomain applies the checkDomain rules to a domain-spec that
// may still contain macro tokens. Each macro stands in for at least one
// non-digit character.
func checkMacroDomain(spec string) error {
	if !MacroIsValid(spec) {
		return fmt.Errorf("invalid macro-string '%s'", spec)
	}
	dummy := macroEscapes.Replace(macroTokenRe.ReplaceAllString(spec, "xx"))
	return checkDomain(dummy)
}

// asciiDomain folds a possibly internationalized domain to its ASCII
// form, leaving already-ASCII names untouched.
func asciiDomain(name string) (string, error) {
	ascii := true
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return name, nil
	}
	return idna.ToASCII(name)
}

// splitSender returns the local part and domain of a sender address.
// The sender is normalized at construction so the separator is always
// present.
func splitSender(sender string) (string, string) {
	at := strings.LastIndex(sender, "@")
	if at == -1 {
		return "", sender
	}
	return sender[:at], sender[at+1:]
}

// normName lowercases a DNS name and strips the trailing dot, giving
// the form used for all name comparisons and map keys.
func normName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// subDomainOf reports whether name equals domain or lies underneath it.
// Both arguments must already be in normName form.
func subDomainOf(name, domain string) bool {
	return name == domain || strings.HasSuffix(name, "."+domain)
}
