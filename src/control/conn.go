// SPDX-License-Identifier: MIT
// Package control defines the contract this library assumes of the Tor
// control-protocol collaborator. The line-framed codec, cookie/password
// authentication, and event-subscription primitives themselves are out of
// scope for this repository — TorConfig, TorState and the rest of the
// package only ever talk to the Conn interface below, so any concrete
// transport (a live control socket, a fake for tests) can stand behind it.
package control

import "context"

// KeyValue is one key/value pair as sent on a SETCONF command line.
type KeyValue struct {
	Key   string
	Value string
}

// Reply is the parsed result of a directed command.
type Reply struct {
	// Code is the three-digit status code (250 on success).
	Code int
	// Lines are the reply's content lines, the leading status code and
	// continuation marker already stripped.
	Lines []string
}

// OK reports whether the reply indicates success (code 250).
func (r Reply) OK() bool { return r.Code == 250 }

// Event is one asynchronous event delivered by the daemon, e.g. a CIRC or
// STREAM line following a 650 status code.
type Event struct {
	Code string // e.g. "STREAM", "CIRC", "CONF_CHANGED"
	// Lines are the event's content lines, multi-line events already split.
	Lines []string
}

// EventFunc handles one delivered Event. It must not block for long: the
// collaborator delivers events on the same sequential stream as directed
// replies and a slow handler delays everything behind it.
type EventFunc func(Event)

// Conn is the assumed control-protocol collaborator. Implementations must
// deliver directed replies in the order their corresponding commands were
// issued (FIFO per control connection) and may interleave asynchronous
// events between them.
type Conn interface {
	// GetInfo issues GETINFO for the given keys and returns one value per
	// key actually present in the reply.
	GetInfo(ctx context.Context, keys ...string) (map[string]string, error)

	// GetInfoRaw issues GETINFO and returns the raw, unparsed reply body for
	// the first key (used for values too structured for a flat map, like
	// ns/all).
	GetInfoRaw(ctx context.Context, key string) (string, error)

	// GetInfoIncremental issues GETINFO for a single key and invokes
	// lineSink once per line of the reply as it is received, without
	// buffering the whole reply — required so the consensus parser (§4.3)
	// can run line-incrementally.
	GetInfoIncremental(ctx context.Context, key string, lineSink func(line string) error) error

	// GetConf issues GETCONF for the given option names. Each name maps to
	// its list of values (list-valued options may report more than one
	// line); an option reported as "Dependant" is omitted from the map.
	GetConf(ctx context.Context, keys ...string) (map[string][]string, error)

	// SetConf issues a single atomic SETCONF with the given key/value pairs,
	// in order, key then value alternating exactly as supplied.
	SetConf(ctx context.Context, kv ...KeyValue) error

	// QueueCommand sends an arbitrary command line and returns its reply.
	// Used for SIGNAL, EXTENDCIRCUIT, ATTACHSTREAM, CLOSESTREAM,
	// CLOSECIRCUIT, TAKEOWNERSHIP, RESETCONF and anything else without a
	// dedicated method above.
	QueueCommand(ctx context.Context, cmd string) (Reply, error)

	// AddEventListener subscribes fn to the named event type. Events already
	// subscribed to are not resubscribed; fn replaces any previous handler
	// for that event.
	AddEventListener(event string, fn EventFunc) error

	// RemoveEventListener cancels a previous subscription.
	RemoveEventListener(event string) error

	// IsOwned reports the pid of the daemon this connection's owner has
	// taken ownership of, if any. The process supervisor does not record
	// ownership on the connection: Fake reports what SetOwner seeded, and the
	// bine-backed connection the launcher uses always reports (0, false).
	IsOwned() (pid int, owned bool)
}
