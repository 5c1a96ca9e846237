// SPDX-License-Identifier: MIT
// torctl-demo launches a Tor daemon, mirrors its live state, and prints a
// summary once bootstrapped — a minimal end-to-end exercise of TorConfig,
// the process supervisor and TorState together.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apimgr/torctl/src/launcher"
	"github.com/apimgr/torctl/src/logging"
	"github.com/apimgr/torctl/src/torconfig"
	"github.com/apimgr/torctl/src/torstate"
)

// demoConfig is the optional on-disk YAML configuration.
type demoConfig struct {
	BinaryPath string            `yaml:"binary_path"`
	SOCKSPort  string            `yaml:"socks_port"`
	DataDir    string            `yaml:"data_dir"`
	Extra      map[string]string `yaml:"extra"`
}

func loadConfig(path string) (demoConfig, error) {
	var cfg demoConfig
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "torctl-demo.yml", "path to an optional YAML configuration file")
	timeout := flag.Duration("timeout", 2*time.Minute, "bootstrap timeout")
	flag.Parse()

	logger := logging.New(logging.LevelInfo, os.Stdout)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	tc := torconfig.New(logger)
	if cfg.SOCKSPort != "" {
		if err := tc.SetList("SOCKSPort", cfg.SOCKSPort); err != nil {
			fmt.Fprintf(os.Stderr, "SOCKSPort: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.DataDir != "" {
		if err := tc.Set("DataDirectory", cfg.DataDir); err != nil {
			fmt.Fprintf(os.Stderr, "DataDirectory: %v\n", err)
			os.Exit(1)
		}
	}
	for k, v := range cfg.Extra {
		if err := tc.Set(k, v); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", k, err)
			os.Exit(1)
		}
	}

	sup := launcher.NewSupervisor(launcher.Options{
		BinaryPath: cfg.BinaryPath,
		Timeout:    *timeout,
		Progress: func(tag, summary string, percent int) {
			logger.Info("bootstrap progress", logging.Fields{"tag": tag, "summary": summary, "percent": percent})
		},
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	proc, err := sup.Launch(ctx, tc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launch failed: %v\n", err)
		os.Exit(1)
	}
	defer proc.Close()

	ts := torstate.New(logger)
	if err := ts.Bootstrap(ctx, proc.Conn()); err != nil {
		fmt.Fprintf(os.Stderr, "state bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	logger.Info("tor ready", logging.Fields{
		"pid":     proc.PID,
		"version": ts.Version(),
		"guards":  len(ts.Guards()),
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", logging.Fields{"signal": sig.String()})
}
