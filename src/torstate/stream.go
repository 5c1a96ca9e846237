// SPDX-License-Identifier: MIT
package torstate

import (
	"strconv"
	"strings"
)

// Stream is Tor's view of one client connection routed through circuits.
// Created on the first STREAM NEW event, removed on CLOSED/FAILED.
type Stream struct {
	ID         int
	State      string // NEW, NEWRESOLVE, SENTCONNECT, REMAP, SUCCEEDED, FAILED, CLOSED, DETACHED
	CircuitID  int    // 0 when not yet attached
	TargetHost string
	TargetPort string
}

func newStream(id int) *Stream {
	return &Stream{ID: id}
}

// update applies one STREAM line's fields (after the leading id): STATE,
// CircuitID, Target ("host:port"), grounded on control-spec 4.1.2.
func (s *Stream) update(args []string) {
	if len(args) < 3 {
		return
	}
	s.State = args[0]
	if n, err := strconv.Atoi(args[1]); err == nil {
		s.CircuitID = n
	}
	target := args[2]
	if idx := strings.LastIndex(target, ":"); idx >= 0 {
		s.TargetHost, s.TargetPort = target[:idx], target[idx+1:]
	} else {
		s.TargetHost = target
	}
}
