// SPDX-License-Identifier: MIT
// Package consensus parses Tor's "ns/all" network-status document with an
// explicit four-state machine, line-incremental so a caller can stream
// GETINFO ns/all without buffering the whole reply.
package consensus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apimgr/torctl/src/torerr"
)

// state is one of the FSM's four states.
type state int

const (
	stateR state = iota // expect router header ("r ...")
	stateS              // expect status flags / optional v6 address
	stateW              // expect bandwidth (optional)
	stateP              // expect policy (optional)
)

// Parser is the router-status FSM. Feed it lines one at a time via Process,
// or drain a whole reply via ProcessAll.
//
// A Parser is not safe for concurrent use; callers serialize access the same
// way the rest of this library assumes a single event-loop goroutine owns
// state.
type Parser struct {
	st    state
	cur   *Router
	err   error
	onNew func(*Router) // invoked once per fresh router, before any s/w/p line

	Routers        map[string]*Router   // id_hex -> router
	RoutersByName  map[string][]*Router // nickname -> all routers claiming it
	ByName         map[string]*Router   // nickname -> router, only when unique
	Guards         map[string]*Router   // id_hex -> router with flag "guard"
	Authorities    map[string]*Router   // nickname -> router with flag "authority"
}

// NewParser returns a fresh Parser with empty indices.
func NewParser() *Parser {
	return &Parser{
		st:            stateR,
		Routers:       map[string]*Router{},
		RoutersByName: map[string][]*Router{},
		ByName:        map[string]*Router{},
		Guards:        map[string]*Router{},
		Authorities:   map[string]*Router{},
	}
}

func ignorable(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || t == "." || t == "OK" || strings.HasPrefix(t, "ns/")
}

// Process consumes one line of ns/all. It returns the first protocol error
// encountered; once an error occurs, subsequent calls keep returning it.
func (p *Parser) Process(line string) error {
	if p.err != nil {
		return p.err
	}
	if ignorable(line) {
		return nil
	}

	switch p.st {
	case stateR:
		if strings.HasPrefix(line, "r ") {
			p.beginRouter(line)
			p.st = stateS
			return nil
		}
		p.err = fmt.Errorf("%w: expected \"r \" while parsing routers, not %q", torerr.ErrProtocolViolation, line)
		return p.err

	case stateS:
		switch {
		case strings.HasPrefix(line, "s "):
			p.recordFlags(line)
			p.st = stateW
		case strings.HasPrefix(line, "a "):
			p.recordV6Addr(line)
			// stays in stateS
		case strings.HasPrefix(line, "r "):
			p.beginRouter(line)
			p.st = stateS
		default:
			p.err = fmt.Errorf("%w: expected \"s \" while parsing routers, not %q", torerr.ErrProtocolViolation, line)
			return p.err
		}
		return nil

	case stateW:
		switch {
		case strings.HasPrefix(line, "w "):
			p.recordBandwidth(line)
			p.st = stateP
		case strings.HasPrefix(line, "r "):
			// "w" lines are optional
			p.beginRouter(line)
			p.st = stateS
		default:
			p.err = fmt.Errorf("%w: expected \"w \" while parsing routers, not %q", torerr.ErrProtocolViolation, line)
			return p.err
		}
		return nil

	case stateP:
		switch {
		case strings.HasPrefix(line, "p "):
			p.recordPolicy(line)
			p.st = stateR
		case strings.HasPrefix(line, "r "):
			// "p" lines are optional
			p.beginRouter(line)
			p.st = stateS
		default:
			p.err = fmt.Errorf("%w: expected \"p \" while parsing routers, not %q", torerr.ErrProtocolViolation, line)
			return p.err
		}
		return nil
	}

	return nil
}

// ProcessAll feeds every line of data (already split on "\n") through
// Process, stopping at the first error.
func (p *Parser) ProcessAll(data string) error {
	for _, line := range strings.Split(data, "\n") {
		if err := p.Process(line); err != nil {
			return err
		}
	}
	return nil
}

// beginRouter handles an "r " line (grounded on torstate._router_begin):
// nickname, id-digest, descriptor-digest, date+time, IPv4, ORPort, DirPort.
// Duplicate id_hex reuses the existing instance; duplicate nicknames
// collapse the shared slot to nil while still recording every instance in
// RoutersByName, so each observed router is inserted exactly once.
func (p *Parser) beginRouter(line string) {
	args := strings.Fields(line)
	if len(args) < 8 {
		p.cur = nil
		return
	}
	idHex, ok := hashFromHexID(decodeBase64Digest(args[2]))
	if !ok {
		idHex = "$" + strings.ToUpper(args[2])
	}

	if existing, ok := p.Routers[idHex]; ok {
		p.cur = existing
		return
	}

	r := &Router{
		IDHex:            idHex,
		Nickname:         args[1],
		IdentityDigest:   args[2],
		DescriptorDigest: args[3],
		Published:        args[4] + " " + args[5],
		Address:          args[6],
		ORPort:           args[7],
	}
	if len(args) > 8 {
		r.DirPort = args[8]
	}
	p.cur = r
	p.Routers[idHex] = r

	p.RoutersByName[r.Nickname] = append(p.RoutersByName[r.Nickname], r)
	if _, already := p.ByName[r.Nickname]; already {
		p.ByName[r.Nickname] = nil // collapse to "not unique" sentinel
		for _, dup := range p.RoutersByName[r.Nickname] {
			dup.NameIsUnique = false
		}
	} else if len(p.RoutersByName[r.Nickname]) > 1 {
		p.ByName[r.Nickname] = nil
	} else {
		p.ByName[r.Nickname] = r
		r.NameIsUnique = true
	}
	if p.onNew != nil {
		p.onNew(r)
	}
}

func (p *Parser) recordFlags(line string) {
	if p.cur == nil {
		return
	}
	args := strings.Fields(line)
	p.cur.Flags = args[1:]
	if p.cur.HasFlag("guard") {
		p.Guards[p.cur.IDHex] = p.cur
	}
	if p.cur.HasFlag("authority") {
		p.Authorities[p.cur.Nickname] = p.cur
	}
}

func (p *Parser) recordV6Addr(line string) {
	if p.cur == nil {
		return
	}
	args := strings.Fields(line)
	if len(args) >= 2 {
		p.cur.IPv6Addresses = append(p.cur.IPv6Addresses, strings.TrimSpace(args[1]))
	}
}

func (p *Parser) recordBandwidth(line string) {
	if p.cur == nil {
		return
	}
	args := strings.Fields(line)
	for _, tok := range args[1:] {
		if strings.HasPrefix(tok, "Bandwidth=") {
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "Bandwidth="))
			if err == nil {
				p.cur.Bandwidth = n
			}
		}
	}
}

func (p *Parser) recordPolicy(line string) {
	if p.cur == nil {
		return
	}
	args := strings.Fields(line)
	p.cur.Policy = args[1:]
	p.cur = nil
}

// decodeBase64Digest is a pass-through placeholder: ns/all's r-line
// identity/descriptor digests are base64, not hex, in real consensus data,
// but this parser (like the rest of this library) treats fingerprints
// opaquely and never decodes them. Kept as a named seam rather than inlined
// so a future base64 decode can replace it without touching beginRouter's
// structure.
func decodeBase64Digest(tok string) string { return tok }
