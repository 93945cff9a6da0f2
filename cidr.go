package spf

import "net"

// Netmask tables indexed by prefix length, built once so that mechanism
// matching never allocates.
var (
	v4Masks [33]net.IPMask
	v6Masks [129]net.IPMask
)

func init() {
	for i := range v4Masks {
		v4Masks[i] = net.CIDRMask(i, 32)
	}
	for i := range v6Masks {
		v6Masks[i] = net.CIDRMask(i, 128)
	}
}

// prefixMask returns the mask for a prefix length, or false when the
// length is out of range for the address family.
func prefixMask(plen int, v4 bool) (net.IPMask, bool) {
	if plen < 0 {
		return nil, false
	}
	if v4 {
		if plen > 32 {
			return nil, false
		}
		return v4Masks[plen], true
	}
	if plen > 128 {
		return nil, false
	}
	return v6Masks[plen], true
}

// maskedEqual reports whether two addresses agree under mask. Addresses
// of different families never agree.
func maskedEqual(a, b net.IP, mask net.IPMask) bool {
	a4, b4 := a.To4(), b.To4()
	if (a4 == nil) != (b4 == nil) {
		return false
	}
	if a4 != nil {
		a, b = a4, b4
	} else {
		a, b = a.To16(), b.To16()
	}
	if a == nil || b == nil || len(mask) != len(a) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}
	return true
}
