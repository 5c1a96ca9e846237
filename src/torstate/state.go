// SPDX-License-Identifier: MIT
// Package torstate maintains a live mirror of Tor's routers, circuits,
// streams, address map and entry guards: bootstrap queries plus
// subscription to asynchronous events, consensus parsing via an explicit
// FSM, and command helpers for closing streams/circuits and building new
// ones.
package torstate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/apimgr/torctl/src/consensus"
	"github.com/apimgr/torctl/src/control"
	"github.com/apimgr/torctl/src/logging"
	"github.com/apimgr/torctl/src/torerr"
)

// TorState is the live-state mirror. It must be bootstrapped against a
// control.Conn before any command helper is useful; a zero-value TorState
// only has empty indices.
type TorState struct {
	mu sync.Mutex

	conn   control.Conn
	logger *logging.Logger

	parser      *consensus.Parser
	circuits    map[int]*Circuit
	streams     map[int]*Stream
	addrmap     *AddrMap
	entryGuards map[string]*consensus.Router
	unusableEntryGuards []string

	attacher Attacher

	torVersion string
	torPID     int

	bootstrapped bool
}

// New returns an empty TorState. Call Bootstrap to attach it to a live
// control.Conn.
func New(logger *logging.Logger) *TorState {
	if logger == nil {
		logger = logging.Nop()
	}
	return &TorState{
		logger:      logger,
		parser:      consensus.NewParser(),
		circuits:    map[int]*Circuit{},
		streams:     map[int]*Stream{},
		addrmap:     newAddrMap(),
		entryGuards: map[string]*consensus.Router{},
	}
}

// SetOwnerPID records the pid the process supervisor believes it owns, used
// as the process/pid fallback during bootstrap. A one-way setter: it lets
// the supervisor hand the pid it already knows to the state mirror without
// the mirror needing to ask the supervisor back for it.
func (ts *TorState) SetOwnerPID(pid int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.torPID = pid
}

// Routers returns the current id_hex -> Router index.
func (ts *TorState) Routers() map[string]*consensus.Router {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[string]*consensus.Router, len(ts.parser.Routers))
	for k, v := range ts.parser.Routers {
		out[k] = v
	}
	return out
}

// Guards returns the current guard-flagged routers, keyed by id_hex.
func (ts *TorState) Guards() map[string]*consensus.Router {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[string]*consensus.Router, len(ts.parser.Guards))
	for k, v := range ts.parser.Guards {
		out[k] = v
	}
	return out
}

// EntryGuards returns the bootstrapped/observed entry guards, keyed by
// id_hex.
func (ts *TorState) EntryGuards() map[string]*consensus.Router {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[string]*consensus.Router, len(ts.entryGuards))
	for k, v := range ts.entryGuards {
		out[k] = v
	}
	return out
}

// Circuits returns the currently tracked circuits, keyed by id.
func (ts *TorState) Circuits() map[int]*Circuit {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[int]*Circuit, len(ts.circuits))
	for k, v := range ts.circuits {
		out[k] = v
	}
	return out
}

// Streams returns the currently tracked streams, keyed by id.
func (ts *TorState) Streams() map[int]*Stream {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[int]*Stream, len(ts.streams))
	for k, v := range ts.streams {
		out[k] = v
	}
	return out
}

// AddrMap returns the address-map mirror.
func (ts *TorState) AddrMap() *AddrMap { return ts.addrmap }

// Version returns the daemon's version string, populated during bootstrap.
func (ts *TorState) Version() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.torVersion
}

// PID returns the daemon's pid, 0 if unknown.
func (ts *TorState) PID() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.torPID
}

// Bootstrap runs a strictly-ordered sequence: consensus, circuit-status,
// stream-status, address-mappings, event subscriptions, entry-guards,
// process/pid, then fires post-bootstrap (the returned error).
func (ts *TorState) Bootstrap(ctx context.Context, conn control.Conn) error {
	ts.mu.Lock()
	ts.conn = conn
	ts.mu.Unlock()

	// Step 1: consensus, line-incremental; drop name-collision sentinels
	// happens implicitly since parser.ByName already nils collisions.
	ts.mu.Lock()
	ts.parser = consensus.NewParser()
	ts.mu.Unlock()
	if err := conn.GetInfoIncremental(ctx, "ns/all", ts.processConsensusLine); err != nil {
		return fmt.Errorf("ns/all: %w", err)
	}

	// Step 2: circuit-status
	cs, err := conn.GetInfoRaw(ctx, "circuit-status")
	if err != nil {
		return fmt.Errorf("circuit-status: %w", err)
	}
	for _, line := range strings.Split(cs, "\n") {
		ts.handleCircuitLine(line)
	}

	// Step 3: stream-status
	ss, err := conn.GetInfoRaw(ctx, "stream-status")
	if err != nil {
		return fmt.Errorf("stream-status: %w", err)
	}
	ts.handleStreamStatusBlock(ss)

	// Step 4: address-mappings/all
	am, err := conn.GetInfoRaw(ctx, "address-mappings/all")
	if err != nil {
		return fmt.Errorf("address-mappings/all: %w", err)
	}
	for _, line := range strings.Split(am, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ts.addrmap.update(line)
	}

	// Step 5: subscribe to async events.
	subs := map[string]control.EventFunc{
		"STREAM":       func(ev control.Event) { ts.handleStreamStatusBlock(strings.Join(ev.Lines, "\n")) },
		"CIRC":         func(ev control.Event) { ts.handleCircEvent(ev) },
		"NS":           func(ev control.Event) { ts.handleNetworkStatusEvent(ev) },
		"NEWCONSENSUS": func(ev control.Event) { ts.handleNetworkStatusEvent(ev) },
		"ADDRMAP":      func(ev control.Event) { ts.handleAddrMapEvent(ev) },
	}
	for name, fn := range subs {
		if err := conn.AddEventListener(name, fn); err != nil {
			ts.logger.Warn("can't subscribe to event", logging.Fields{"event": name, "error": err.Error()})
		}
	}

	// Step 6: entry-guards
	eg, err := conn.GetInfoRaw(ctx, "entry-guards")
	if err != nil {
		return fmt.Errorf("entry-guards: %w", err)
	}
	ts.handleEntryGuards(eg)

	// Step 7: process/pid, falling back to the supervisor-assigned pid.
	pidRaw, err := conn.GetInfoRaw(ctx, "process/pid")
	ts.mu.Lock()
	if err == nil {
		if n, perr := parseKeywordInt(pidRaw, "process/pid"); perr == nil {
			ts.torPID = n
		}
	}
	if ts.torPID == 0 {
		if pid, owned := conn.IsOwned(); owned {
			ts.torPID = pid
		}
	}
	ts.bootstrapped = true
	ts.mu.Unlock()

	// diagnostics supplement: Tor version string.
	if v, err := conn.GetInfo(ctx, "version"); err == nil {
		ts.mu.Lock()
		ts.torVersion = v["version"]
		ts.mu.Unlock()
	}

	return nil
}

func parseKeywordInt(raw, key string) (int, error) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, key+"=") {
			return strconv.Atoi(strings.TrimPrefix(line, key+"="))
		}
	}
	return 0, fmt.Errorf("%w: %s not present", torerr.ErrNotFound, key)
}

func (ts *TorState) processConsensusLine(line string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := ts.parser.Process(line); err != nil {
		ts.logger.Warn("consensus protocol violation", logging.Fields{"error": err.Error()})
		return nil // dropped: logged and ignored, mirror stays intact
	}
	return nil
}

func (ts *TorState) handleNetworkStatusEvent(ev control.Event) {
	ts.mu.Lock()
	ts.parser = consensus.NewParser()
	ts.mu.Unlock()
	for _, line := range ev.Lines {
		ts.processConsensusLine(line)
	}
}

// handleEntryGuards parses the "entry-guards" GETINFO reply.
func (ts *TorState) handleEntryGuards(raw string) {
	lines := strings.Split(raw, "\n")
	if len(lines) > 0 {
		lines = lines[1:] // first line echoes the key
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "OK" {
			continue
		}
		args := strings.Fields(trimmed)
		if len(args) < 2 {
			continue
		}
		name, status := args[0], args[1]
		if len(name) > 41 {
			name = name[:41]
		}
		if !strings.EqualFold(status, "up") {
			ts.unusableEntryGuards = append(ts.unusableEntryGuards, trimmed)
			continue
		}
		router, err := ts.routerFromIDLocked(name)
		if err != nil {
			ts.unusableEntryGuards = append(ts.unusableEntryGuards, trimmed)
			continue
		}
		ts.entryGuards[name] = router
	}
}

func (ts *TorState) handleCircuitLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || line == "OK" {
		return
	}
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		ts.logger.Warn("unparseable circuit id", logging.Fields{"line": line})
		return
	}

	ts.mu.Lock()
	c, existed := ts.circuits[id]
	if !existed {
		c = newCircuit(id)
		ts.circuits[id] = c
	}
	c.update(args[1:])
	if c.isTerminal() {
		delete(ts.circuits, id)
	}
	ts.mu.Unlock()
}

func (ts *TorState) handleCircEvent(ev control.Event) {
	for _, line := range ev.Lines {
		ts.handleCircuitLine(line)
	}
}

// handleStreamStatusBlock parses a "stream-status" reply or a STREAM event
// body: a single-stream reply puts the key and value on one line;
// multi-stream replies put "stream-status=" alone on the first line.
func (ts *TorState) handleStreamStatusBlock(data string) {
	data = strings.TrimPrefix(data, "stream-status=")
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "OK" {
			continue
		}
		ts.handleStreamLine(line)
	}
}

func (ts *TorState) handleStreamLine(line string) {
	args := strings.Fields(line)
	if len(args) < 3 {
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		ts.logger.Warn("unparseable stream id", logging.Fields{"line": line})
		return
	}

	ts.mu.Lock()
	s, existed := ts.streams[id]
	wasNew := false
	if !existed {
		s = newStream(id)
		ts.streams[id] = s
		wasNew = true
	}
	s.update(args[1:])
	terminal := s.State == "CLOSED" || s.State == "FAILED"
	if terminal {
		delete(ts.streams, id)
	}
	ts.mu.Unlock()

	if wasNew {
		ts.maybeAttach(s)
	}
}

func (ts *TorState) handleAddrMapEvent(ev control.Event) {
	for _, line := range ev.Lines {
		ts.addrmap.update(line)
	}
}

// reasons are the fourteen canonical stream-close reasons from tor-spec.txt
// §6.3.
var reasons = map[string]int{
	"REASON_MISC":            1,
	"REASON_RESOLVEFAILED":   2,
	"REASON_CONNECTREFUSED":  3,
	"REASON_EXITPOLICY":      4,
	"REASON_DESTROY":         5,
	"REASON_DONE":            6,
	"REASON_TIMEOUT":         7,
	"REASON_NOROUTE":         8,
	"REASON_HIBERNATING":     9,
	"REASON_INTERNAL":        10,
	"REASON_RESOURCELIMIT":   11,
	"REASON_CONNRESET":       12,
	"REASON_TORPROTOCOL":     13,
	"REASON_NOTDIRECTORY":    14,
}

// ResolveStreamCloseReason accepts either an int (passed through) or one of
// the fourteen canonical reason names.
func ResolveStreamCloseReason(reason any) (int, error) {
	switch r := reason.(type) {
	case int:
		return r, nil
	case string:
		if n, err := strconv.Atoi(r); err == nil {
			return n, nil
		}
		if code, ok := reasons[r]; ok {
			return code, nil
		}
		return 0, fmt.Errorf("%w: unknown stream close reason %q", torerr.ErrInvalidArgument, r)
	default:
		return 0, fmt.Errorf("%w: reason must be int or string", torerr.ErrInvalidArgument)
	}
}

func flagsSuffix(flags []string) string {
	var b strings.Builder
	for _, f := range flags {
		b.WriteByte(' ')
		b.WriteString(f)
	}
	return b.String()
}

// CloseStream sends CLOSESTREAM with the given reason (int or canonical
// name) and any truthy flags appended as space-separated tokens.
func (ts *TorState) CloseStream(ctx context.Context, streamID int, reason any, flags ...string) error {
	code, err := ResolveStreamCloseReason(reason)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not attached", torerr.ErrPrecondition)
	}
	cmd := fmt.Sprintf("CLOSESTREAM %d %d%s", streamID, code, flagsSuffix(flags))
	reply, err := conn.QueueCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", torerr.ErrDaemonRefused, err)
	}
	if !reply.OK() {
		return fmt.Errorf("%w: CLOSESTREAM returned %d", torerr.ErrDaemonRefused, reply.Code)
	}
	return nil
}

// CloseCircuit sends CLOSECIRCUIT with any truthy flags appended ("IfUnused"
// is the meaningful one).
func (ts *TorState) CloseCircuit(ctx context.Context, circuitID int, flags ...string) error {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not attached", torerr.ErrPrecondition)
	}
	cmd := fmt.Sprintf("CLOSECIRCUIT %d%s", circuitID, flagsSuffix(flags))
	reply, err := conn.QueueCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", torerr.ErrDaemonRefused, err)
	}
	if !reply.OK() {
		return fmt.Errorf("%w: CLOSECIRCUIT returned %d", torerr.ErrDaemonRefused, reply.Code)
	}
	return nil
}

// RouterPath extracts stripped-of-"$" id_hex values from routers, for
// passing to BuildCircuit.
func RouterPath(routers ...*consensus.Router) []string {
	out := make([]string, len(routers))
	for i, r := range routers {
		out[i] = strings.TrimPrefix(r.IDHex, "$")
	}
	return out
}

// BuildCircuit issues EXTENDCIRCUIT for the given path (bare or
// "$"-prefixed 40-hex ids; nil/empty lets Tor choose the whole path) and
// returns the resulting Circuit once Tor replies "EXTENDED <id>". If
// usingGuards is true and the first hop isn't a current entry guard, a
// warning is logged (not a failure).
func (ts *TorState) BuildCircuit(ctx context.Context, path []string, usingGuards bool) (*Circuit, error) {
	ts.mu.Lock()
	conn := ts.conn
	guards := make(map[string]bool, len(ts.entryGuards))
	for id := range ts.entryGuards {
		guards[strings.TrimPrefix(id, "$")] = true
	}
	ts.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: not attached", torerr.ErrPrecondition)
	}

	var cmd string
	if len(path) == 0 {
		cmd = "EXTENDCIRCUIT 0"
	} else {
		if usingGuards && !guards[strings.TrimPrefix(path[0], "$")] {
			ts.logger.Warn("building a circuit not starting with a guard", logging.Fields{"path": strings.Join(path, ",")})
		}
		stripped := make([]string, len(path))
		for i, p := range path {
			stripped[i] = strings.TrimPrefix(p, "$")
		}
		cmd = "EXTENDCIRCUIT 0 " + strings.Join(stripped, ",")
	}

	reply, err := conn.QueueCommand(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", torerr.ErrDaemonRefused, err)
	}
	if !reply.OK() || len(reply.Lines) == 0 {
		return nil, fmt.Errorf("%w: EXTENDCIRCUIT returned %d", torerr.ErrDaemonRefused, reply.Code)
	}
	fields := strings.Fields(reply.Lines[0])
	if len(fields) != 2 || fields[0] != "EXTENDED" {
		return nil, fmt.Errorf("%w: expected EXTENDED <id>, got %q", torerr.ErrProtocolViolation, reply.Lines[0])
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: non-integer circuit id %q", torerr.ErrProtocolViolation, fields[1])
	}

	ts.mu.Lock()
	c, ok := ts.circuits[id]
	if !ok {
		c = newCircuit(id)
		ts.circuits[id] = c
	}
	c.State = "EXTENDED"
	ts.mu.Unlock()
	return c, nil
}

// RouterFromID accepts "$<40hex>[=|~<nick>]" and returns the known router,
// or a stub for later population.
func (ts *TorState) RouterFromID(id string) (*consensus.Router, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.routerFromIDLocked(id)
}

func (ts *TorState) routerFromIDLocked(id string) (*consensus.Router, error) {
	lookup := id
	if len(lookup) > 41 {
		lookup = lookup[:41]
	}
	if r, ok := ts.parser.Routers[lookup]; ok {
		return r, nil
	}
	if len(id) == 0 || id[0] != '$' {
		return nil, fmt.Errorf("%w: %q not found and not a router id", torerr.ErrNotFound, id)
	}

	if len(id) < 41 {
		return nil, fmt.Errorf("%w: %q too short to be a router id", torerr.ErrInvalidArgument, id)
	}
	idHash := id[1:41]
	nick := ""
	nameIsUnique := false
	if len(id) > 42 {
		nick = id[42:]
		nameIsUnique = id[41] == '='
	}
	idHex := "$" + strings.ToUpper(idHash)
	r := &consensus.Router{
		IDHex:        idHex,
		Nickname:     nick,
		NameIsUnique: nameIsUnique,
		Published:    "unknown",
		Address:      "unknown",
		ORPort:       "0",
		DirPort:      "0",
	}
	ts.parser.Routers[idHex] = r
	return r, nil
}
