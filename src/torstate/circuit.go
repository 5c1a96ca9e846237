// SPDX-License-Identifier: MIT
package torstate

import "strings"

// Circuit is Tor's view of one multi-hop path. Created on the first CIRC
// event or query mentioning its id; removed once it transitions to CLOSED
// or FAILED.
type Circuit struct {
	ID      int
	State   string   // LAUNCHED, BUILT, EXTENDED, FAILED, CLOSED, ...
	Path    []string // ordered router id_hex values, as reported
	Streams map[int]bool
}

func newCircuit(id int) *Circuit {
	return &Circuit{ID: id, Streams: map[int]bool{}}
}

// update applies one CIRC line's fields (after the leading id), grounded on
// control-spec 4.1.1: STATE, then an optional comma-separated path, then
// KEY=VALUE annotations this library does not interpret further.
func (c *Circuit) update(args []string) {
	if len(args) == 0 {
		return
	}
	c.State = args[0]
	if len(args) > 1 && strings.HasPrefix(args[1], "$") {
		c.Path = strings.Split(args[1], ",")
	}
}

func (c *Circuit) isTerminal() bool {
	return c.State == "CLOSED" || c.State == "FAILED"
}
