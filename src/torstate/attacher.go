// SPDX-License-Identifier: MIT
package torstate

import (
	"context"
	"fmt"
	"strings"

	"github.com/apimgr/torctl/src/logging"
	"github.com/apimgr/torctl/src/torerr"
)

// Attachment is the sum type an Attacher resolves a new stream to: Ignore
// (DO_NOT_ATTACH), Tor (let Tor choose), a concrete Circuit, or a Pending
// handle that resolves to one later.
type Attachment struct {
	kind    attachmentKind
	circuit *Circuit
	pending <-chan PendingResult
}

type attachmentKind int

const (
	attachIgnore attachmentKind = iota
	attachTor
	attachCircuit
	attachPending
)

// PendingResult is what a Pending attachment's channel must eventually
// deliver: either a circuit to attach to, or an error.
type PendingResult struct {
	Circuit *Circuit
	Err     error
}

// Ignore tells the bridge to do nothing: neither Tor nor this library
// attaches the stream.
func Ignore() Attachment { return Attachment{kind: attachIgnore} }

// ToTor tells the bridge to issue "ATTACHSTREAM <sid> 0", letting Tor choose.
func ToTor() Attachment { return Attachment{kind: attachTor} }

// ToCircuit tells the bridge to attach to a specific, already-BUILT circuit.
func ToCircuit(c *Circuit) Attachment { return Attachment{kind: attachCircuit, circuit: c} }

// Pending tells the bridge to wait on ch for the eventual circuit choice.
func Pending(ch <-chan PendingResult) Attachment { return Attachment{kind: attachPending, pending: ch} }

// Attacher lets the application decide the circuit for each newly observed
// stream.
type Attacher interface {
	AttachStream(stream *Stream, circuits map[int]*Circuit) Attachment
}

// SetAttacher registers attacher and toggles __LeaveStreamsUnattached=1 so
// Tor stops attaching streams on its own. A nil attacher unregisters and
// resets the flag to 0.
func (ts *TorState) SetAttacher(ctx context.Context, attacher Attacher) error {
	ts.mu.Lock()
	ts.attacher = attacher
	conn := ts.conn
	ts.mu.Unlock()

	if conn == nil {
		return nil
	}
	value := "0"
	if attacher != nil {
		value = "1"
	}
	_, err := conn.QueueCommand(ctx, fmt.Sprintf("SETCONF __LeaveStreamsUnattached=%s", value))
	return err
}

// maybeAttach offers a newly observed stream to the registered attacher
// exactly once.
func (ts *TorState) maybeAttach(stream *Stream) {
	ts.mu.Lock()
	attacher := ts.attacher
	conn := ts.conn
	circuits := make(map[int]*Circuit, len(ts.circuits))
	for k, v := range ts.circuits {
		circuits[k] = v
	}
	ts.mu.Unlock()

	if attacher == nil || conn == nil {
		return
	}
	if strings.Contains(stream.TargetHost, ".exit") {
		ts.logger.Debug("ignoring .exit stream for attacher", logging.Fields{"stream_id": stream.ID})
		return
	}

	att := attacher.AttachStream(stream, circuits)
	ts.dispatchAttachment(stream.ID, att)
}

func (ts *TorState) dispatchAttachment(streamID int, att Attachment) {
	switch att.kind {
	case attachIgnore:
		return
	case attachTor:
		ts.issueAttach(streamID, 0)
	case attachCircuit:
		ts.attachToCircuit(streamID, att.circuit)
	case attachPending:
		go func() {
			result := <-att.pending
			if result.Err != nil {
				ts.logger.Error("pending attacher resolution failed", logging.Fields{
					"stream_id": streamID, "error": result.Err.Error(),
				})
				return
			}
			ts.attachToCircuit(streamID, result.Circuit)
		}()
	}
}

func (ts *TorState) attachToCircuit(streamID int, c *Circuit) {
	if c == nil {
		ts.issueAttach(streamID, 0)
		return
	}
	ts.mu.Lock()
	_, known := ts.circuits[c.ID]
	ts.mu.Unlock()
	if !known {
		err := fmt.Errorf("%w: attacher returned a circuit unknown to this state", torerr.ErrPrecondition)
		ts.logger.Error(err.Error(), logging.Fields{"stream_id": streamID, "circuit_id": c.ID})
		return
	}
	if c.State != "BUILT" {
		err := fmt.Errorf("%w: attacher returned a circuit not yet BUILT (state=%s)", torerr.ErrPrecondition, c.State)
		ts.logger.Error(err.Error(), logging.Fields{"stream_id": streamID, "circuit_id": c.ID})
		return
	}
	ts.issueAttach(streamID, c.ID)
}

func (ts *TorState) issueAttach(streamID, circuitID int) {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	if conn == nil {
		return
	}
	_, err := conn.QueueCommand(context.Background(), fmt.Sprintf("ATTACHSTREAM %d %d", streamID, circuitID))
	if err != nil {
		ts.logger.Error("ATTACHSTREAM failed", logging.Fields{
			"stream_id": streamID, "circuit_id": circuitID, "error": err.Error(),
		})
	}
}
