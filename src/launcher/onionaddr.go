package launcher

import (
	"crypto/ed25519"
	"encoding/base32"
	"strings"

	"golang.org/x/crypto/sha3"
)

// OnionAddress computes a v3 .onion address from an already-existing
// ed25519 public key: base32(pubkey || checksum || version), checksum =
// SHA3-256(".onion checksum" || pubkey || version)[:2], version = 0x03.
// It does not generate or manage key material — a HiddenService's keys are
// read from disk, never minted here.
func OnionAddress(pub ed25519.PublicKey) string {
	const version = byte(0x03)

	checksumInput := append([]byte(".onion checksum"), pub...)
	checksumInput = append(checksumInput, version)
	hasher := sha3.New256()
	hasher.Write(checksumInput)
	checksum := hasher.Sum(nil)[:2]

	addressBytes := append([]byte{}, pub...)
	addressBytes = append(addressBytes, checksum...)
	addressBytes = append(addressBytes, version)

	address := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(addressBytes))
	return address + ".onion"
}
