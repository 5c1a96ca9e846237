package launcher

import (
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestOnionAddressShapeAndStability(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(strings.NewReader(strings.Repeat("x", 64)))
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	addr1 := OnionAddress(pub)
	addr2 := OnionAddress(pub)
	if addr1 != addr2 {
		t.Fatalf("OnionAddress not deterministic: %q vs %q", addr1, addr2)
	}
	if !strings.HasSuffix(addr1, ".onion") {
		t.Fatalf("address %q missing .onion suffix", addr1)
	}
	// 32-byte pubkey + 2-byte checksum + 1-byte version = 35 bytes -> 56
	// base32 characters (no padding), plus ".onion".
	if len(addr1) != 56+len(".onion") {
		t.Fatalf("address %q has unexpected length %d", addr1, len(addr1))
	}
}

func TestOnionAddressFromExistingKey(t *testing.T) {
	// Simulates an hs_ed25519_secret_key already read from disk: OnionAddress
	// only ever derives from key material it is handed, never mints its own.
	seed := []byte(strings.Repeat("k", ed25519.SeedSize))
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	addr := OnionAddress(pub)
	if !strings.HasSuffix(addr, ".onion") {
		t.Fatalf("address %q missing .onion suffix", addr)
	}
	if OnionAddress(pub) != addr {
		t.Fatalf("OnionAddress not deterministic for the same key")
	}
}
