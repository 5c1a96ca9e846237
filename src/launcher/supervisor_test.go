package launcher

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/apimgr/torctl/src/control"
	"github.com/apimgr/torctl/src/torconfig"
)

func fakeFactory(fake *control.Fake) ConnFactory {
	return func(ctx context.Context, binaryPath, dataDir, torrcPath string, stderrSink io.Writer) (control.Conn, int, func() error, error) {
		return fake, 1234, func() error { return nil }, nil
	}
}

func TestLaunchDefaultsControlPortAndTakesOwnership(t *testing.T) {
	fake := control.NewFake()
	cfg := torconfig.New(nil)

	sup := NewSupervisor(Options{ConnFactory: fakeFactory(fake)}, nil)
	proc, err := sup.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer proc.Close()

	port, _ := cfg.Get("ControlPort")
	if port != defaultControlPort {
		t.Fatalf("ControlPort = %q, want %q", port, defaultControlPort)
	}
	if proc.PID != 1234 {
		t.Fatalf("PID = %d, want 1234", proc.PID)
	}

	var sawTakeOwnership, sawReset bool
	for _, c := range fake.Commands() {
		if c == "TAKEOWNERSHIP" {
			sawTakeOwnership = true
		}
		if c == "RESETCONF __OwningControllerProcess" {
			sawReset = true
		}
	}
	if !sawTakeOwnership || !sawReset {
		t.Fatalf("commands = %v, want TAKEOWNERSHIP and RESETCONF __OwningControllerProcess", fake.Commands())
	}
}

func TestLaunchCreatesAndCleansUpDataDir(t *testing.T) {
	fake := control.NewFake()
	cfg := torconfig.New(nil)

	sup := NewSupervisor(Options{ConnFactory: fakeFactory(fake)}, nil)
	proc, err := sup.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	dir, _ := cfg.Get("DataDirectory")
	if dir == "" {
		t.Fatal("expected a generated DataDirectory")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("data directory missing after launch: %v", err)
	}

	if err := proc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected data directory to be removed, stat err = %v", err)
	}
}

func TestLaunchHonorsExplicitDataDir(t *testing.T) {
	fake := control.NewFake()
	cfg := torconfig.New(nil)
	dir := t.TempDir()
	if err := cfg.Set("DataDirectory", dir); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sup := NewSupervisor(Options{ConnFactory: fakeFactory(fake)}, nil)
	proc, err := sup.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	proc.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("caller-supplied data directory should survive Close: %v", err)
	}
}

func TestLaunchKillOnStderr(t *testing.T) {
	fake := control.NewFake()
	cfg := torconfig.New(nil)

	var tripWriter ConnFactory = func(ctx context.Context, binaryPath, dataDir, torrcPath string, stderrSink io.Writer) (control.Conn, int, func() error, error) {
		stderrSink.Write([]byte("[warn] something\n"))
		return fake, 1, func() error { return nil }, nil
	}

	sup := NewSupervisor(Options{ConnFactory: tripWriter, KillOnStderr: true}, nil)
	_, err := sup.Launch(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected Launch to fail when stderr is written and KillOnStderr is set")
	}
}

func TestLaunchControlPortZeroSkipsOwnership(t *testing.T) {
	fake := control.NewFake()
	cfg := torconfig.New(nil)
	if err := cfg.Set("ControlPort", "0"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sup := NewSupervisor(Options{ConnFactory: fakeFactory(fake)}, nil)
	proc, err := sup.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer proc.Close()

	for _, c := range fake.Commands() {
		if c == "TAKEOWNERSHIP" {
			t.Fatal("TAKEOWNERSHIP should not be issued when ControlPort=0")
		}
	}
}

func TestLaunchProgressCallbacks(t *testing.T) {
	fake := control.NewFake()
	cfg := torconfig.New(nil)

	var tags []string
	sup := NewSupervisor(Options{
		ConnFactory: fakeFactory(fake),
		Progress:    func(tag, summary string, percent int) { tags = append(tags, tag) },
	}, nil)
	proc, err := sup.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer proc.Close()

	if len(tags) != 2 || tags[0] != "spawn" || tags[1] != "done" {
		t.Fatalf("progress tags = %v, want [spawn done]", tags)
	}
}
