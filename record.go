package spf

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

type termKind int

const (
	termAll termKind = iota
	termIP4
	termIP6
	termA
	termMX
	termPTR
	termExists
	termInclude
	// termResolveP is the pseudo-mechanism inserted ahead of any term
	// whose domain-spec is still a macroFuture; it runs PTR validation
	// and re-expands the spec before the owner is dispatched.
	termResolveP
)

// term is one pending mechanism task parsed from an SPF record.
type term struct {
	kind termKind
	qual ResultType
	raw  string // the token as published, qualifier stripped

	// ip4, ip6
	addr net.IP
	mask net.IPMask

	// a, mx
	mask4 net.IPMask
	mask6 net.IPMask

	// a, mx, ptr, exists, include, resolveP
	spec *domainSpec
}

// domainSpec is a mechanism or modifier target. name is the expanded
// form; fut is non-nil while the expansion still waits on PTR
// validation of the client address.
type domainSpec struct {
	raw  string
	name string
	fut  *macroFuture
}

// display returns the text used in comments and trace output.
func (t *term) display() string {
	if t.kind == termAll {
		return "default"
	}
	return t.raw
}

//   modifier         = redirect / explanation / unknown-modifier
//   unknown-modifier = name "=" macro-string
//                      ; where name is not any known modifier
//
//   name             = ALPHA *( ALPHA / DIGIT / "-" / "_" / "." )
var modifierRe = regexp.MustCompile(`^((?i)[a-z][a-z0-9_.-]*)=(.*)`)

//   ip4-cidr-length  = "/" ("0" / %x31-39 0*1DIGIT) ; value range 0-32
//   ip6-cidr-length  = "/" ("0" / %x31-39 0*2DIGIT) ; value range 0-128
//   dual-cidr-length = [ ip4-cidr-length ] [ "/" ip6-cidr-length ]

var v4CIDRRe = regexp.MustCompile(`/[0-9]{1,2}$`)
var v6CIDRRe = regexp.MustCompile(`//[0-9]{1,3}$`)

// dualCIDR splits the optional prefix-length suffixes off an a or mx
// parameter. A single slash names an IPv4 prefix, a double slash an
// IPv6 one.
func dualCIDR(s string) (string, net.IPMask, net.IPMask, bool, bool, error) {
	loc6 := v6CIDRRe.FindStringIndex(s)

	var err error
	v6len := 128
	has6 := loc6 != nil
	if has6 {
		v6len, err = strconv.Atoi(s[loc6[0]+2:])
		if err != nil || v6len > 128 {
			return "", nil, nil, false, false, fmt.Errorf("invalid ipv6 cidr range in dual-cidr: %s", s[loc6[0]:])
		}
		s = s[:loc6[0]]
	}

	loc4 := v4CIDRRe.FindStringIndex(s)
	v4len := 32
	has4 := loc4 != nil
	if has4 {
		v4len, err = strconv.Atoi(s[loc4[0]+1:])
		if err != nil || v4len > 32 {
			return "", nil, nil, false, false, fmt.Errorf("invalid ipv4 cidr range in dual-cidr: %s", s[loc4[0]:])
		}
		s = s[:loc4[0]]
	}

	return s, v4Masks[v4len], v6Masks[v6len], has4, has6, nil
}

// newDomainSpec pre-validates and expands a domain-spec against the
// current evaluation state.
func (e *Evaluation) newDomainSpec(raw string) (*domainSpec, error) {
	if raw != "" {
		if err := checkMacroDomain(raw); err != nil {
			return nil, err
		}
	}
	name, fut, err := e.expandDomainSpec(raw, false)
	if err != nil {
		return nil, err
	}
	return &domainSpec{raw: raw, name: name, fut: fut}, nil
}

// parseRecord tokenizes the text of an SPF record into the evaluation's
// mechanism list and modifiers. Any syntax error invalidates the whole
// record.
func (e *Evaluation) parseRecord(s string) error {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return errors.New("empty record")
	}
	if strings.ToLower(fields[0]) != "v=spf1" {
		return errors.New("record doesn't begin with v=spf1")
	}

	e.mech = nil
	e.redirect = nil
	e.explain = nil

	for _, field := range fields[1:] {
		matches := modifierRe.FindStringSubmatch(field)
		if matches != nil {
			switch strings.ToLower(matches[1]) {
			case "redirect":
				if e.redirect != nil {
					return errors.New("multiple redirect modifiers")
				}
				if matches[2] == "" {
					return errors.New("redirect requires a domain spec")
				}
				ds, err := e.newDomainSpec(matches[2])
				if err != nil {
					return fmt.Errorf("in modifier '%s': %w", field, err)
				}
				e.redirect = ds
			case "exp":
				if e.explain != nil {
					return errors.New("multiple exp modifiers")
				}
				if matches[2] == "" {
					return errors.New("exp requires a domain spec")
				}
				ds, err := e.newDomainSpec(matches[2])
				if err != nil {
					return fmt.Errorf("in modifier '%s': %w", field, err)
				}
				e.explain = ds
			default:
				// unknown modifiers are discarded, but their
				// macro-string must still parse
				if !MacroIsValid(matches[2]) {
					return fmt.Errorf("invalid macro-string in modifier '%s'", field)
				}
			}
			continue
		}
		t, err := e.parseMechanism(field)
		if err != nil {
			return fmt.Errorf("in field '%s': %w", field, err)
		}
		if t == nil {
			continue // wrong address family, never matches
		}
		if t.spec != nil && t.spec.fut != nil {
			e.mech = append(e.mech, &term{kind: termResolveP, spec: t.spec})
		}
		e.mech = append(e.mech, t)
	}
	return nil
}

// parseMechanism parses one mechanism token. It returns a nil term for
// mechanisms that can never match the client's address family.
func (e *Evaluation) parseMechanism(raw string) (*term, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty mechanism")
	}

	// 4.6.2.  Mechanisms (RFC 7208)
	//    The possible qualifiers, and the results they cause check_host() to
	//   return, are as follows:
	//
	//      "+" pass
	//      "-" fail
	//      "~" softfail
	//      "?" neutral
	//
	//   The qualifier is optional and defaults to "+".
	qualifier := Pass
	switch raw[0] {
	case '+':
		raw = raw[1:]
	case '-':
		qualifier = Fail
		raw = raw[1:]
	case '~':
		qualifier = SoftFail
		raw = raw[1:]
	case '?':
		qualifier = Neutral
		raw = raw[1:]
	}

	var mtype, parameter string
	emptyParam := false

	separator := strings.IndexAny(raw, ":/")
	if separator == -1 {
		mtype = strings.ToLower(raw)
	} else {
		mtype = strings.ToLower(raw[:separator])
		parameter = raw[separator:]
		if parameter[0] == ':' {
			parameter = parameter[1:]
			emptyParam = len(parameter) == 0
		}
	}

	clientV4 := e.ip.To4() != nil

	switch mtype {
	case "all":
		if parameter != "" {
			return nil, errors.New("all doesn't take parameters")
		}
		return &term{kind: termAll, qual: qualifier, raw: raw}, nil

	case "ip4", "ip6":
		if emptyParam || parameter == "" {
			return nil, fmt.Errorf("%s requires an address", mtype)
		}
		v4 := mtype == "ip4"
		addr := parameter
		plen := 32
		if !v4 {
			plen = 128
		}
		if slash := strings.Index(addr, "/"); slash != -1 {
			p, err := strconv.Atoi(addr[slash+1:])
			if err != nil || addr[slash+1:] != strconv.Itoa(p) {
				return nil, fmt.Errorf("invalid prefix length in %s", mtype)
			}
			plen = p
			addr = addr[:slash]
		}
		mask, ok := prefixMask(plen, v4)
		if !ok {
			return nil, fmt.Errorf("prefix length %d out of range for %s", plen, mtype)
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, errors.New("invalid address format")
		}
		if v4 && ip.To4() == nil {
			return nil, errors.New("non-IP4 address in ip4")
		}
		if !v4 && (ip.To4() != nil || ip.To16() == nil) {
			return nil, errors.New("non-IP6 address in ip6")
		}
		if v4 != clientV4 {
			return nil, nil
		}
		kind := termIP4
		ip = ip.To4()
		if !v4 {
			kind = termIP6
			ip = ip.To16()
		}
		return &term{kind: kind, qual: qualifier, raw: raw, addr: ip, mask: mask}, nil

	case "a", "mx":
		if emptyParam {
			return nil, fmt.Errorf("empty domain in %s mechanism", mtype)
		}
		spec, mask4, mask6, has4, has6, err := dualCIDR(parameter)
		if err != nil {
			return nil, err
		}
		if (has4 && !has6 && !clientV4) || (has6 && !has4 && clientV4) {
			return nil, nil
		}
		ds, err := e.newDomainSpec(spec)
		if err != nil {
			return nil, err
		}
		kind := termA
		if mtype == "mx" {
			kind = termMX
		}
		return &term{kind: kind, qual: qualifier, raw: raw, spec: ds, mask4: mask4, mask6: mask6}, nil

	case "ptr":
		if emptyParam {
			return nil, errors.New("empty domain in ptr mechanism")
		}
		if strings.Contains(parameter, "/") {
			return nil, errors.New("ptr doesn't take a prefix length")
		}
		ds, err := e.newDomainSpec(parameter)
		if err != nil {
			return nil, err
		}
		return &term{kind: termPTR, qual: qualifier, raw: raw, spec: ds}, nil

	case "exists", "include":
		if parameter == "" {
			return nil, fmt.Errorf("%s requires a domain spec", mtype)
		}
		if strings.Contains(parameter, "/") {
			return nil, fmt.Errorf("%s doesn't take a prefix length", mtype)
		}
		ds, err := e.newDomainSpec(parameter)
		if err != nil {
			return nil, err
		}
		kind := termExists
		if mtype == "include" {
			kind = termInclude
		}
		return &term{kind: kind, qual: qualifier, raw: raw, spec: ds}, nil

	default:
		return nil, fmt.Errorf("unrecognized mechanism '%s'", mtype)
	}
}
