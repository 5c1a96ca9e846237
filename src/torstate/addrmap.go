// SPDX-License-Identifier: MIT
package torstate

import "strings"

// AddrMapEntry is one entry of Tor's address map: an original hostname
// mapped to a resolved or substituted address, with an optional expiry.
type AddrMapEntry struct {
	Original string
	Mapped   string
	Expiry   string // opaque, as reported; "" if not present
}

// AddrMap mirrors Tor's "address-mappings/all" / ADDRMAP data.
type AddrMap struct {
	entries map[string]AddrMapEntry
}

func newAddrMap() *AddrMap {
	return &AddrMap{entries: map[string]AddrMapEntry{}}
}

// Lookup returns the mapping for original, if any.
func (m *AddrMap) Lookup(original string) (AddrMapEntry, bool) {
	e, ok := m.entries[original]
	return e, ok
}

// All returns every tracked mapping.
func (m *AddrMap) All() map[string]AddrMapEntry {
	out := make(map[string]AddrMapEntry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// update parses one address-mappings/all or ADDRMAP line: original,
// mapped, then an optional quoted expiry.
func (m *AddrMap) update(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	fields := splitRespectingQuotes(line)
	if len(fields) < 2 {
		return
	}
	e := AddrMapEntry{Original: fields[0], Mapped: fields[1]}
	if len(fields) > 2 {
		e.Expiry = strings.Trim(fields[2], `"`)
	}
	m.entries[e.Original] = e
}

func splitRespectingQuotes(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
