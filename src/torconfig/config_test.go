// SPDX-License-Identifier: MIT
package torconfig

import (
	"context"
	"strings"
	"testing"

	"github.com/apimgr/torctl/src/control"
)

func TestDetachedSetListRendersInOrder(t *testing.T) {
	tc := New(nil)
	if err := tc.SetList("SOCKSPort", "9050", "1337"); err != nil {
		t.Fatalf("SetList: %v", err)
	}
	if !tc.NeedsSave() {
		t.Fatal("expected NeedsSave true before Save")
	}
	if err := tc.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if tc.NeedsSave() {
		t.Fatal("expected NeedsSave false after Save")
	}
	got := tc.CreateTorrc()
	want := "SOCKSPort 9050\nSOCKSPort 1337\n"
	if got != want {
		t.Fatalf("CreateTorrc = %q, want %q", got, want)
	}
}

func TestHiddenServiceSaveOrder(t *testing.T) {
	tc := New(nil)
	hs := NewHiddenService("/srv/hs", []string{"80 127.0.0.1:1234"})
	tc.SetHiddenServices(hs)

	fake := control.NewFake()
	if err := tc.AttachProtocolForTest(fake); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := tc.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cmds := fake.Commands()
	if len(cmds) != 1 {
		t.Fatalf("expected exactly one SETCONF, got %v", cmds)
	}
	cmd := cmds[0]
	if !strings.Contains(cmd, `HiddenServiceDir="/srv/hs"`) {
		t.Fatalf("missing HiddenServiceDir in %q", cmd)
	}
	dirIdx := strings.Index(cmd, "HiddenServiceDir")
	portIdx := strings.Index(cmd, "HiddenServicePort")
	verIdx := strings.Index(cmd, "HiddenServiceVersion")
	if !(dirIdx < portIdx && portIdx < verIdx) {
		t.Fatalf("expected Dir < Port < Version ordering, got %q", cmd)
	}
}

func TestNeedsSaveOnListMutation(t *testing.T) {
	tc := New(nil)
	if err := tc.SetList("Log", "notice stdout"); err != nil {
		t.Fatalf("SetList: %v", err)
	}
	if err := tc.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if tc.NeedsSave() {
		t.Fatal("expected clean after save")
	}
	l, err := tc.GetList("Log")
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	l.Append("debug file /var/log/tor/debug.log")
	if !tc.NeedsSave() {
		t.Fatal("expected NeedsSave true after in-place list mutation")
	}
}

func TestConfChangedUpdatesCommittedNotStaged(t *testing.T) {
	tc := New(nil)
	fake := control.NewFake()
	fake.SetInfoRaw("config/names", "Nickname String\n.")
	fake.SetConfValues("Nickname", "original")
	if err := tc.AttachProtocol(context.Background(), fake); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := tc.Set("Nickname", "staged-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	fake.Emit(control.Event{Code: "CONF_CHANGED", Lines: []string{"Nickname=from-daemon"}})

	got, err := tc.Get("Nickname")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "staged-value" {
		t.Fatalf("expected staged value to win until save, got %q", got)
	}

	if err := tc.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err = tc.Get("Nickname")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "staged-value" {
		t.Fatalf("expected save to promote staged value, got %q", got)
	}
}

// AttachProtocolForTest skips the bootstrap round-trip for tests that only
// care about save() composition, where config/names would otherwise need a
// full fake GETCONF setup for every well-known option.
func (tc *TorConfig) AttachProtocolForTest(conn control.Conn) error {
	tc.mu.Lock()
	tc.conn = conn
	tc.mu.Unlock()
	return nil
}
