// SPDX-License-Identifier: MIT
package torstate

import (
	"testing"

	"github.com/apimgr/torctl/src/torconfig"
)

func TestDialerRequiresSOCKSPort(t *testing.T) {
	cfg := torconfig.New(nil)
	if _, err := Dialer(cfg); err == nil {
		t.Fatal("expected an error when SOCKSPort is unset")
	}
}

func TestDialerBuildsClientFromBarePort(t *testing.T) {
	cfg := torconfig.New(nil)
	if err := cfg.SetList("SOCKSPort", "9050"); err != nil {
		t.Fatalf("SetList: %v", err)
	}
	client, err := Dialer(cfg)
	if err != nil {
		t.Fatalf("Dialer: %v", err)
	}
	if client.Transport == nil {
		t.Fatal("expected a transport bound to the SOCKS5 dialer")
	}
}
