package spf

import (
	"context"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupResolverTXT(t *testing.T) {
	client := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.org.": {TXT: []string{"v=spf1 ip4:192.0.2.0/24 -all"}},
	}}
	checker := NewChecker()
	checker.Resolver = &LookupResolver{Client: client}
	result := checker.Check(context.Background(), net.ParseIP("192.0.2.17"), "bob@example.org", "")
	require.Equal(t, Pass, result.Type)
}

func TestLookupResolverMXAdditional(t *testing.T) {
	client := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.org.": {
			TXT: []string{"v=spf1 mx -all"},
			MX:  []net.MX{{Host: "mx.example.org.", Pref: 10}},
		},
		"mx.example.org.": {A: []string{"192.0.2.10"}},
	}}
	checker := NewChecker()
	checker.Resolver = &LookupResolver{Client: client}
	result := checker.Check(context.Background(), net.ParseIP("192.0.2.10"), "bob@example.org", "")
	require.Equal(t, Pass, result.Type)

	result = checker.Check(context.Background(), net.ParseIP("198.51.100.1"), "bob@example.org", "")
	require.Equal(t, Fail, result.Type)
}

func TestLookupResolverPTR(t *testing.T) {
	client := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.org.": {TXT: []string{"v=spf1 ptr -all"}},
		"17.2.0.192.in-addr.arpa.": {PTR: []string{"mail.example.org."}},
		"mail.example.org.":        {A: []string{"192.0.2.17"}},
	}}
	checker := NewChecker()
	checker.Resolver = &LookupResolver{Client: client}
	result := checker.Check(context.Background(), net.ParseIP("192.0.2.17"), "bob@example.org", "")
	require.Equal(t, Pass, result.Type)
}

func TestLookupResolverNoRecord(t *testing.T) {
	client := &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}
	checker := NewChecker()
	checker.Resolver = &LookupResolver{Client: client}
	result := checker.Check(context.Background(), net.ParseIP("192.0.2.17"), "bob@example.org", "")
	require.Equal(t, None, result.Type)
}

func TestArpaAddr(t *testing.T) {
	ip, err := arpaAddr("17.2.0.192.in-addr.arpa.")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("192.0.2.17")))

	ip, err = arpaAddr("1.0.b.c.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6.arpa.")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("2001:db8::cb01")))

	for _, bad := range []string{
		"example.com.",
		"2.0.192.in-addr.arpa.",
		"x.2.0.192.in-addr.arpa.",
		"8.b.d.0.1.0.0.2.ip6.arpa.",
	} {
		_, err := arpaAddr(bad)
		assert.Error(t, err, "name %q", bad)
	}
}
