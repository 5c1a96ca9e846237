package launcher

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/apimgr/torctl/src/control"
	"github.com/apimgr/torctl/src/logging"
	"github.com/apimgr/torctl/src/torconfig"
	"github.com/apimgr/torctl/src/torerr"
)

const defaultControlPort = "9052"

// Process is a running, attached Tor daemon started by Supervisor.Launch. It
// owns the daemon (TAKEOWNERSHIP) and any temporary directory/torrc this
// package created, both released by Close.
type Process struct {
	Config *torconfig.TorConfig
	PID    int

	conn      control.Conn
	dataDir   string
	torrcPath string
	ownsDir   bool
	closeConn func() error
	logger    *logging.Logger
}

// Conn returns the live control connection this process was attached over,
// for callers (such as torstate.TorState.Bootstrap) that need it directly.
func (p *Process) Conn() control.Conn { return p.conn }

// Close tears down the control connection (closing it also stops the
// daemon, via bine's Tor.Close lifecycle) and removes any temporary data
// directory/torrc file this package created.
func (p *Process) Close() error {
	var firstErr error
	if p.closeConn != nil {
		if err := p.closeConn(); err != nil {
			firstErr = err
		}
	}
	if p.torrcPath != "" {
		os.Remove(p.torrcPath)
	}
	if p.ownsDir && p.dataDir != "" {
		os.RemoveAll(p.dataDir)
	}
	return firstErr
}

// Supervisor spawns and bootstraps a Tor daemon from a TorConfig: the config
// to render, the control-connection factory, and the binary to run are all
// caller-supplied or sensibly defaulted rather than hardcoded to one
// application's hidden service.
type Supervisor struct {
	opts   Options
	logger *logging.Logger
}

// NewSupervisor returns a Supervisor. A nil logger discards all output.
func NewSupervisor(opts Options, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.ConnFactory == nil {
		opts.ConnFactory = bineConnFactory
	}
	return &Supervisor{opts: opts, logger: logger}
}

// Launch prepares a data directory, injects the control-channel options the
// supervisor itself requires (CookieAuthentication, __OwningControllerProcess),
// renders cfg to a torrc, spawns the daemon, takes ownership once it is
// reachable, and resets __OwningControllerProcess so the daemon shuts down
// if this process dies unexpectedly.
func (s *Supervisor) Launch(ctx context.Context, cfg *torconfig.TorConfig) (*Process, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	dataDir, ownsDir, err := s.prepareDataDir(cfg)
	if err != nil {
		return nil, fmt.Errorf("preparing data directory: %w", err)
	}

	controlPort, err := cfg.Get("ControlPort")
	if err != nil {
		return nil, err
	}
	if controlPort == "" {
		controlPort = defaultControlPort
		if err := cfg.Set("ControlPort", controlPort); err != nil {
			return nil, err
		}
	}

	if controlPort != "0" {
		if err := cfg.Set("CookieAuthentication", "1"); err != nil {
			return nil, err
		}
		if err := cfg.Set("__OwningControllerProcess", strconv.Itoa(os.Getpid())); err != nil {
			return nil, err
		}
	}

	if err := cfg.Save(ctx); err != nil {
		return nil, fmt.Errorf("staging launch options: %w", err)
	}

	torrcPath, err := writeTorrc(cfg.CreateTorrc())
	if err != nil {
		if ownsDir {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("writing torrc: %w", err)
	}

	stderrSink := newKillSwitchWriter(s.opts.Stderr, s.opts.KillOnStderr)

	if s.opts.Progress != nil {
		s.opts.Progress("spawn", "starting tor process", 0)
	}

	conn, pid, closeConn, err := s.opts.ConnFactory(ctx, s.opts.BinaryPath, dataDir, torrcPath, stderrSink)
	if err != nil {
		os.Remove(torrcPath)
		if ownsDir {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("%w: %v", torerr.ErrBootstrapFailure, err)
	}

	if stderrSink.Tripped {
		closeConn()
		os.Remove(torrcPath)
		if ownsDir {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("%w: tor wrote to stderr during startup", torerr.ErrBootstrapFailure)
	}

	if err := cfg.AttachProtocol(ctx, conn); err != nil {
		closeConn()
		os.Remove(torrcPath)
		if ownsDir {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("attaching to daemon: %w", err)
	}

	if controlPort != "0" {
		if _, err := conn.QueueCommand(ctx, "TAKEOWNERSHIP"); err != nil {
			s.logger.Warn("TAKEOWNERSHIP failed", logging.Fields{"error": err.Error()})
		}
		if _, err := conn.QueueCommand(ctx, "RESETCONF __OwningControllerProcess"); err != nil {
			s.logger.Warn("RESETCONF __OwningControllerProcess failed", logging.Fields{"error": err.Error()})
		}
	}

	if s.opts.Progress != nil {
		s.opts.Progress("done", "bootstrapped", 100)
	}

	return &Process{
		Config:    cfg,
		PID:       pid,
		conn:      conn,
		dataDir:   dataDir,
		torrcPath: torrcPath,
		ownsDir:   ownsDir,
		closeConn: closeConn,
		logger:    s.logger,
	}, nil
}

// prepareDataDir returns cfg's DataDirectory if set, otherwise creates a
// fresh temp directory (and chowns it to cfg's configured User, best
// effort, when running as root).
func (s *Supervisor) prepareDataDir(cfg *torconfig.TorConfig) (string, bool, error) {
	existing, err := cfg.Get("DataDirectory")
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		return existing, false, nil
	}

	dir, err := os.MkdirTemp("", "tortmp")
	if err != nil {
		return "", false, err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		os.RemoveAll(dir)
		return "", false, err
	}
	if err := cfg.Set("DataDirectory", dir); err != nil {
		os.RemoveAll(dir)
		return "", false, err
	}

	if os.Geteuid() == 0 {
		if owner, _ := cfg.Get("User"); owner != "" {
			if u, err := user.Lookup(owner); err == nil {
				uid, _ := strconv.Atoi(u.Uid)
				gid, _ := strconv.Atoi(u.Gid)
				if err := os.Chown(dir, uid, gid); err != nil {
					s.logger.Warn("chown data directory failed", logging.Fields{"user": owner, "error": err.Error()})
				}
			}
		}
	}

	return dir, true, nil
}

func writeTorrc(contents string) (string, error) {
	f, err := os.CreateTemp("", "tortmp*.torrc")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(contents); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
