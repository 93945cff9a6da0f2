package spf

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEval(t *testing.T, ip string) *Evaluation {
	t.Helper()
	ev, err := New(net.ParseIP(ip), "alice@example.com", "mail.example.com", "checker.example.net")
	require.NoError(t, err)
	return ev
}

func TestParseBasicRecord(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	require.NoError(t, e.parseRecord("v=spf1 ip4:192.0.2.0/24 a mx -all"))
	require.Len(t, e.mech, 4)
	assert.Equal(t, termIP4, e.mech[0].kind)
	assert.Equal(t, Pass, e.mech[0].qual)
	assert.Equal(t, termA, e.mech[1].kind)
	assert.Equal(t, "example.com", e.mech[1].spec.name)
	assert.Equal(t, termMX, e.mech[2].kind)
	assert.Equal(t, termAll, e.mech[3].kind)
	assert.Equal(t, Fail, e.mech[3].qual)
	assert.Nil(t, e.redirect)
	assert.Nil(t, e.explain)
}

func TestParseQualifiers(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	require.NoError(t, e.parseRecord("v=spf1 +all ~all ?all -all all"))
	quals := []ResultType{Pass, SoftFail, Neutral, Fail, Pass}
	require.Len(t, e.mech, len(quals))
	for i, q := range quals {
		assert.Equal(t, q, e.mech[i].qual, "mechanism %d", i)
	}
}

func TestParseModifiers(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	require.NoError(t, e.parseRecord("v=spf1 redirect=target.example.com exp=why.example.com unknown=%{s}"))
	require.NotNil(t, e.redirect)
	assert.Equal(t, "target.example.com", e.redirect.name)
	require.NotNil(t, e.explain)
	assert.Equal(t, "why.example.com", e.explain.name)
	assert.Empty(t, e.mech)
}

func TestParseDuplicateModifiers(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	assert.Error(t, e.parseRecord("v=spf1 redirect=a.example.com redirect=b.example.com"))
	assert.Error(t, e.parseRecord("v=spf1 exp=a.example.com exp=b.example.com"))
}

func TestParseFamilySkips(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	require.NoError(t, e.parseRecord("v=spf1 ip6:2001:db8::1 ip4:192.0.2.1 -all"))
	require.Len(t, e.mech, 2)
	assert.Equal(t, termIP4, e.mech[0].kind)

	e6 := func() *Evaluation {
		ev, err := New(net.ParseIP("2001:db8::1"), "alice@example.com", "", "")
		require.NoError(t, err)
		return ev
	}()
	require.NoError(t, e6.parseRecord("v=spf1 ip6:2001:db8::1 ip4:192.0.2.1 -all"))
	require.Len(t, e6.mech, 2)
	assert.Equal(t, termIP6, e6.mech[0].kind)

	// a with only a v6 prefix can never match a v4 client
	require.NoError(t, e.parseRecord("v=spf1 a//64 -all"))
	require.Len(t, e.mech, 1)
	assert.Equal(t, termAll, e.mech[0].kind)
}

func TestParseDualCIDR(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	require.NoError(t, e.parseRecord("v=spf1 a:other.example.com/24//64 -all"))
	require.Len(t, e.mech, 2)
	a := e.mech[0]
	assert.Equal(t, "other.example.com", a.spec.name)
	ones, _ := a.mask4.Size()
	assert.Equal(t, 24, ones)
	ones, _ = a.mask6.Size()
	assert.Equal(t, 64, ones)
}

func TestParseErrors(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	for _, record := range []string{
		"v=spf2 -all",
		"v=spf1 ip4:192.0.2.1/33 -all",
		"v=spf1 ip6:2001:db8::1/129 -all",
		"v=spf1 ip4:not-an-address -all",
		"v=spf1 ip4:2001:db8::1 -all",
		"v=spf1 ip6:192.0.2.1 -all",
		"v=spf1 all:argument",
		"v=spf1 exists",
		"v=spf1 include",
		"v=spf1 frob.example.com",
		"v=spf1 a:example.com/abc",
		"v=spf1 unknown=%{q}",
		"v=spf1 exists:%{s",
	} {
		assert.Error(t, e.parseRecord(record), "record %q", record)
	}
}

func TestParseInsertsResolveP(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	require.NoError(t, e.parseRecord("v=spf1 exists:%{p}.allow.example.com -all"))
	require.Len(t, e.mech, 3)
	assert.Equal(t, termResolveP, e.mech[0].kind)
	assert.Equal(t, termExists, e.mech[1].kind)
	require.NotNil(t, e.mech[1].spec.fut)
	assert.Same(t, e.mech[0].spec, e.mech[1].spec)
}

func TestParsePreservesOrder(t *testing.T) {
	e := testEval(t, "192.0.2.1")
	require.NoError(t, e.parseRecord("v=spf1 ptr exists:x.example.com include:a.example.com all"))
	kinds := []termKind{termPTR, termExists, termInclude, termAll}
	require.Len(t, e.mech, len(kinds))
	for i, k := range kinds {
		assert.Equal(t, k, e.mech[i].kind, "mechanism %d", i)
	}
}
