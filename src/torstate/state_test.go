// SPDX-License-Identifier: MIT
package torstate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/apimgr/torctl/src/control"
)

func newBootstrapped(t *testing.T) (*TorState, *control.Fake) {
	t.Helper()
	fake := control.NewFake()
	fake.SetInfoRaw("ns/all", "r Nick AAAA BBBB 2024-05-01 12:00:00 10.0.0.1 9001 0\ns Guard Fast Running\nw Bandwidth=1234\np accept 80,443\n.")
	fake.SetInfoRaw("circuit-status", "")
	fake.SetInfoRaw("stream-status", "")
	fake.SetInfoRaw("address-mappings/all", "address-mappings/all=")
	fake.SetInfoRaw("entry-guards", "entry-guards=\n$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA up\n")
	fake.SetInfoRaw("process/pid", "process/pid=4242")
	fake.SetInfo("version", "0.4.8.1")

	ts := New(nil)
	if err := ts.Bootstrap(context.Background(), fake); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return ts, fake
}

func TestBootstrapPopulatesGuardsAndPID(t *testing.T) {
	ts, _ := newBootstrapped(t)
	guards := ts.Guards()
	if len(guards) != 1 {
		t.Fatalf("expected 1 guard, got %d", len(guards))
	}
	if ts.PID() != 4242 {
		t.Fatalf("PID = %d, want 4242", ts.PID())
	}
	if ts.Version() != "0.4.8.1" {
		t.Fatalf("Version = %q", ts.Version())
	}
	eg := ts.EntryGuards()
	if len(eg) != 1 {
		t.Fatalf("expected 1 entry guard, got %d", len(eg))
	}
}

func TestCloseStreamCommand(t *testing.T) {
	ts, fake := newBootstrapped(t)
	if err := ts.CloseStream(context.Background(), 42, "REASON_EXITPOLICY", "IfUnused"); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	cmds := fake.Commands()
	want := "CLOSESTREAM 42 4 IfUnused"
	if len(cmds) == 0 || cmds[len(cmds)-1] != want {
		t.Fatalf("commands = %v, want last = %q", cmds, want)
	}
}

func TestBuildCircuit(t *testing.T) {
	ts, fake := newBootstrapped(t)
	fake.CommandReplies["EXTENDCIRCUIT"] = control.Reply{Code: 250, Lines: []string{"EXTENDED 7"}}

	c, err := ts.BuildCircuit(context.Background(), []string{"$AAAABBBBCCCCDDDDEEEEFFFF0000111122223333", "$BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"}, false)
	if err != nil {
		t.Fatalf("BuildCircuit: %v", err)
	}
	if c.ID != 7 {
		t.Fatalf("circuit id = %d, want 7", c.ID)
	}
	if _, ok := ts.Circuits()[7]; !ok {
		t.Fatal("expected circuit 7 to be tracked")
	}

	cmds := fake.Commands()
	last := cmds[len(cmds)-1]
	if last[:len("EXTENDCIRCUIT 0 ")] != "EXTENDCIRCUIT 0 " {
		t.Fatalf("unexpected command %q", last)
	}
}

func TestStreamAttacherInvokedOnce(t *testing.T) {
	ts, fake := newBootstrapped(t)

	calls := 0
	attacher := attacherFunc(func(s *Stream, circuits map[int]*Circuit) Attachment {
		calls++
		return ToTor()
	})
	if err := ts.SetAttacher(context.Background(), attacher); err != nil {
		t.Fatalf("SetAttacher: %v", err)
	}

	fake.Emit(control.Event{Code: "STREAM", Lines: []string{"9 NEW 0 example.com:80"}})
	fake.Emit(control.Event{Code: "STREAM", Lines: []string{"9 SUCCEEDED 5 example.com:80"}})

	if calls != 1 {
		t.Fatalf("attacher invoked %d times, want 1", calls)
	}
	cmds := fake.Commands()
	found := false
	for _, c := range cmds {
		if c == "ATTACHSTREAM 9 0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ATTACHSTREAM 9 0 among %v", cmds)
	}
}

func TestExitStreamIgnoredByAttacher(t *testing.T) {
	ts, fake := newBootstrapped(t)
	calls := 0
	attacher := attacherFunc(func(s *Stream, circuits map[int]*Circuit) Attachment {
		calls++
		return ToTor()
	})
	ts.SetAttacher(context.Background(), attacher)

	fake.Emit(control.Event{Code: "STREAM", Lines: []string{"11 NEW 0 somesite.exit:80"}})
	if calls != 0 {
		t.Fatalf("expected .exit stream to bypass attacher, calls=%d", calls)
	}
}

type attacherFunc func(s *Stream, circuits map[int]*Circuit) Attachment

func (f attacherFunc) AttachStream(s *Stream, circuits map[int]*Circuit) Attachment {
	return f(s, circuits)
}

func TestPendingAttachmentResolvesToBuiltCircuit(t *testing.T) {
	ts, fake := newBootstrapped(t)
	fake.Emit(control.Event{Code: "CIRC", Lines: []string{"5 BUILT"}})

	result := make(chan PendingResult, 1)
	attacher := attacherFunc(func(s *Stream, circuits map[int]*Circuit) Attachment {
		return Pending(result)
	})
	if err := ts.SetAttacher(context.Background(), attacher); err != nil {
		t.Fatalf("SetAttacher: %v", err)
	}

	fake.Emit(control.Event{Code: "STREAM", Lines: []string{"20 NEW 0 example.com:80"}})
	result <- PendingResult{Circuit: ts.Circuits()[5]}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, c := range fake.Commands() {
			if c == "ATTACHSTREAM 20 5" {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected ATTACHSTREAM 20 5 among %v", fake.Commands())
}

func TestPendingAttachmentResolvingToNonBuiltCircuitIsRejected(t *testing.T) {
	ts, fake := newBootstrapped(t)
	fake.Emit(control.Event{Code: "CIRC", Lines: []string{"6 LAUNCHED"}})

	result := make(chan PendingResult, 1)
	attacher := attacherFunc(func(s *Stream, circuits map[int]*Circuit) Attachment {
		return Pending(result)
	})
	if err := ts.SetAttacher(context.Background(), attacher); err != nil {
		t.Fatalf("SetAttacher: %v", err)
	}

	before := len(fake.Commands())
	fake.Emit(control.Event{Code: "STREAM", Lines: []string{"21 NEW 0 example.com:80"}})
	result <- PendingResult{Circuit: ts.Circuits()[6]}

	// give the resolving goroutine a moment to run; it must not issue
	// ATTACHSTREAM since circuit 6 is not yet BUILT.
	time.Sleep(50 * time.Millisecond)
	after := fake.Commands()
	for _, c := range after[before:] {
		if strings.HasPrefix(c, "ATTACHSTREAM 21") {
			t.Fatalf("unexpected ATTACHSTREAM for a non-BUILT circuit: %v", after[before:])
		}
	}
}
