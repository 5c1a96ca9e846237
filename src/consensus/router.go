// SPDX-License-Identifier: MIT
package consensus

import "strings"

// Router is Tor's view of one relay, as tracked from the consensus.
// Identified by a 40-hex fingerprint stored with a leading "$".
type Router struct {
	IDHex            string // "$" + 40 hex digits
	Nickname         string
	IdentityDigest   string
	DescriptorDigest string
	Published        string // date+time as reported, kept opaque (grounded: original just formats it back)
	Address          string // IPv4
	ORPort           string
	DirPort          string
	IPv6Addresses    []string
	Flags            []string
	Bandwidth        int
	Policy           []string

	// NameIsUnique records whether this router is reachable by nickname
	// (routers[nickname] points here) as opposed to only by id_hex.
	NameIsUnique bool
}

// HasFlag reports whether flag is present on this router. Comparison is
// case-insensitive: real consensus documents capitalize flag tokens
// ("Guard", "Authority") while callers commonly check the lower-case
// spelling, so this accepts either.
func (r *Router) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// hashFromHexID validates a bare 40-hex fingerprint and returns it
// "$"-prefixed, mirroring txtorcon.router.hashFromHexId.
func hashFromHexID(hex string) (string, bool) {
	if len(hex) != 40 {
		return "", false
	}
	for _, c := range hex {
		if !strings.ContainsRune("0123456789ABCDEFabcdef", c) {
			return "", false
		}
	}
	return "$" + strings.ToUpper(hex), true
}
