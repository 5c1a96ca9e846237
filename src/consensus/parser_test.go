// SPDX-License-Identifier: MIT
package consensus

import "testing"

const sampleNS = "r Nick AAAA BBBB 2024-05-01 12:00:00 10.0.0.1 9001 0\n" +
	"s Guard Fast Running\n" +
	"w Bandwidth=1234\n" +
	"p accept 80,443\n"

func TestScenarioSingleRouter(t *testing.T) {
	p := NewParser()
	if err := p.ProcessAll(sampleNS); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if len(p.Routers) != 1 {
		t.Fatalf("expected exactly one router, got %d", len(p.Routers))
	}
	r := p.ByName["Nick"]
	if r == nil {
		t.Fatal("expected Nick to resolve uniquely")
	}
	if r.Bandwidth != 1234 {
		t.Fatalf("bandwidth = %d, want 1234", r.Bandwidth)
	}
	if _, ok := p.Guards[r.IDHex]; !ok {
		t.Fatalf("expected %s in guards", r.IDHex)
	}
}

func TestLineByLineEqualsAllAtOnce(t *testing.T) {
	data := sampleNS +
		"r Second CCCC DDDD 2024-05-01 12:00:00 10.0.0.2 9001 9030\n" +
		"s Fast Running\n"

	all := NewParser()
	if err := all.ProcessAll(data); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	perLine := NewParser()
	for _, line := range splitKeepEmpty(data) {
		if err := perLine.Process(line); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	if len(all.Routers) != len(perLine.Routers) {
		t.Fatalf("router count mismatch: all=%d perLine=%d", len(all.Routers), len(perLine.Routers))
	}
	for id := range all.Routers {
		if _, ok := perLine.Routers[id]; !ok {
			t.Fatalf("router %s present in all-at-once but not line-by-line", id)
		}
	}
}

func TestDuplicateNicknameCollapses(t *testing.T) {
	data := "r Dup AAAA BBBB 2024-05-01 12:00:00 10.0.0.1 9001 0\n" +
		"s Fast\n" +
		"r Dup CCCC DDDD 2024-05-01 12:00:00 10.0.0.2 9001 0\n" +
		"s Fast\n"
	p := NewParser()
	if err := p.ProcessAll(data); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if p.ByName["Dup"] != nil {
		t.Fatal("expected duplicate nickname to collapse to nil")
	}
	if len(p.RoutersByName["Dup"]) != 2 {
		t.Fatalf("expected both duplicates retained in RoutersByName, got %d", len(p.RoutersByName["Dup"]))
	}
}

func TestMissingOptionalLinesAreFine(t *testing.T) {
	// no "w" or "p" lines at all, immediately followed by a second router.
	data := "r One AAAA BBBB 2024-05-01 12:00:00 10.0.0.1 9001 0\n" +
		"s Fast\n" +
		"r Two CCCC DDDD 2024-05-01 12:00:00 10.0.0.2 9001 0\n" +
		"s Fast\n"
	p := NewParser()
	if err := p.ProcessAll(data); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if len(p.Routers) != 2 {
		t.Fatalf("expected 2 routers, got %d", len(p.Routers))
	}
}

func TestProtocolViolation(t *testing.T) {
	p := NewParser()
	if err := p.Process("garbage line"); err == nil {
		t.Fatal("expected protocol error for unexpected line in state R")
	}
}

func splitKeepEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
