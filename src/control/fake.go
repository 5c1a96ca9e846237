// SPDX-License-Identifier: MIT
package control

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory, scriptable Conn used by every test in this
// repository in place of a live control socket — the line-framed codec
// itself is out of scope, so tests drive the contract directly. Its method
// bodies mirror the GETCONF/SETCONF/GETINFO request shapes of a real control
// connection (see bfix-gospel's network/tor/control.go) without any of the
// wire parsing.
type Fake struct {
	mu sync.Mutex

	info map[string]string
	raw  map[string]string
	conf map[string][]string

	listeners map[string]EventFunc

	commands []string
	// CommandReplies maps a command's leading verb (e.g. "EXTENDCIRCUIT") to
	// the Reply QueueCommand should return for it. Commands with no entry
	// get a bare 250 OK.
	CommandReplies map[string]Reply
	// CommandErr, keyed the same way, lets a test force QueueCommand to fail.
	CommandErr map[string]error

	ownerPID int
	owned    bool
}

// NewFake returns an empty Fake ready to be populated by a test.
func NewFake() *Fake {
	return &Fake{
		info:           map[string]string{},
		raw:            map[string]string{},
		conf:           map[string][]string{},
		listeners:      map[string]EventFunc{},
		CommandReplies: map[string]Reply{},
		CommandErr:     map[string]error{},
	}
}

// SetInfo seeds a GETINFO value.
func (f *Fake) SetInfo(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info[key] = value
}

// SetInfoRaw seeds the raw multi-line body GetInfoRaw/GetInfoIncremental
// return for key.
func (f *Fake) SetInfoRaw(key, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[key] = raw
}

// SetConfValues seeds a GETCONF value.
func (f *Fake) SetConfValues(key string, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conf[key] = values
}

// Commands returns every command QueueCommand has seen so far, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// Emit delivers ev to whatever listener is currently subscribed to
// ev.Code, if any, synchronously on the calling goroutine — tests drive
// ordering explicitly rather than relying on a background dispatcher.
func (f *Fake) Emit(ev Event) {
	f.mu.Lock()
	fn := f.listeners[ev.Code]
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// SetOwner seeds what IsOwned reports.
func (f *Fake) SetOwner(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownerPID = pid
	f.owned = true
}

func (f *Fake) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := f.info[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *Fake) GetInfoRaw(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw[key], nil
}

func (f *Fake) GetInfoIncremental(ctx context.Context, key string, lineSink func(line string) error) error {
	f.mu.Lock()
	raw := f.raw[key]
	f.mu.Unlock()
	for _, line := range strings.Split(raw, "\n") {
		if err := lineSink(line); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) GetConf(ctx context.Context, keys ...string) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]string, len(keys))
	for _, k := range keys {
		if v, ok := f.conf[k]; ok {
			out[k] = append([]string(nil), v...)
		}
	}
	return out, nil
}

func (f *Fake) SetConf(ctx context.Context, kv ...KeyValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := "SETCONF"
	byKey := map[string][]string{}
	var order []string
	for _, pair := range kv {
		if _, seen := byKey[pair.Key]; !seen {
			order = append(order, pair.Key)
		}
		byKey[pair.Key] = append(byKey[pair.Key], pair.Value)
		cmd += fmt.Sprintf(" %s=%q", pair.Key, pair.Value)
	}
	f.commands = append(f.commands, cmd)
	for _, k := range order {
		f.conf[k] = byKey[k]
	}
	return nil
}

func (f *Fake) QueueCommand(ctx context.Context, cmd string) (Reply, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	verb := strings.SplitN(cmd, " ", 2)[0]
	err := f.CommandErr[verb]
	reply, ok := f.CommandReplies[verb]
	f.mu.Unlock()

	if err != nil {
		return Reply{}, err
	}
	if ok {
		return reply, nil
	}
	return Reply{Code: 250, Lines: []string{"OK"}}, nil
}

func (f *Fake) AddEventListener(event string, fn EventFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[event] = fn
	return nil
}

func (f *Fake) RemoveEventListener(event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, event)
	return nil
}

func (f *Fake) IsOwned() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ownerPID, f.owned
}

// subscribedEvents returns the currently subscribed event names, sorted, for
// assertions in tests.
func (f *Fake) subscribedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.listeners))
	for k := range f.listeners {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
