// SPDX-License-Identifier: MIT
package torconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/apimgr/torctl/src/control"
)

// HiddenService is the grouped view of a hidden-service block, corresponding
// to the HiddenServiceDir/HiddenServicePort/HiddenServiceVersion/
// HiddenServiceAuthorizeClient lines from the config. It belongs to exactly
// one TorConfig, which mark()s HiddenServices as staged whenever the record
// or its port list changes.
type HiddenService struct {
	mu sync.Mutex

	owner *TorConfig

	dir             string
	ports           *List[string]
	authorizeClient string
	version         int
	groupReadable   bool
	ephemeral       bool // observed-only, never set by this library

	hostnameOnce   sync.Once
	hostname       string
	hostnameErr    error
	privateKeyOnce sync.Once
	privateKey     string
	privateKeyErr  error
}

// NewHiddenService builds a detached record. Attach it to a TorConfig via
// TorConfig.SetHiddenServices to have mutations mark HiddenServices staged.
func NewHiddenService(dir string, ports []string) *HiddenService {
	hs := &HiddenService{dir: dir, version: 2}
	hs.ports = NewList(ports, hs.markPorts)
	return hs
}

func (hs *HiddenService) markPorts() {
	hs.mu.Lock()
	owner := hs.owner
	hs.mu.Unlock()
	if owner != nil {
		owner.markUnsaved("HiddenServices")
	}
}

func (hs *HiddenService) bind(owner *TorConfig) {
	hs.mu.Lock()
	hs.owner = owner
	hs.mu.Unlock()
}

// Dir returns HiddenServiceDir.
func (hs *HiddenService) Dir() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.dir
}

// SetDir changes HiddenServiceDir, marking HiddenServices staged.
func (hs *HiddenService) SetDir(dir string) {
	hs.mu.Lock()
	hs.dir = dir
	owner := hs.owner
	hs.mu.Unlock()
	if owner != nil {
		owner.markUnsaved("HiddenServices")
	}
}

// Ports is the change-tracking list of "VIRTPORT [TARGET]" strings.
func (hs *HiddenService) Ports() *List[string] { return hs.ports }

// Version returns HiddenServiceVersion (0 means unset/unknown).
func (hs *HiddenService) Version() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.version
}

// SetVersion changes HiddenServiceVersion, marking HiddenServices staged.
func (hs *HiddenService) SetVersion(v int) {
	hs.mu.Lock()
	hs.version = v
	owner := hs.owner
	hs.mu.Unlock()
	if owner != nil {
		owner.markUnsaved("HiddenServices")
	}
}

// AuthorizeClient returns HiddenServiceAuthorizeClient, empty if unset.
func (hs *HiddenService) AuthorizeClient() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.authorizeClient
}

// SetAuthorizeClient changes HiddenServiceAuthorizeClient, marking
// HiddenServices staged.
func (hs *HiddenService) SetAuthorizeClient(v string) {
	hs.mu.Lock()
	hs.authorizeClient = v
	owner := hs.owner
	hs.mu.Unlock()
	if owner != nil {
		owner.markUnsaved("HiddenServices")
	}
}

// GroupReadable returns HiddenServiceDirGroupReadable.
func (hs *HiddenService) GroupReadable() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.groupReadable
}

// SetGroupReadable changes HiddenServiceDirGroupReadable, marking
// HiddenServices staged.
func (hs *HiddenService) SetGroupReadable(v bool) {
	hs.mu.Lock()
	hs.groupReadable = v
	owner := hs.owner
	hs.mu.Unlock()
	if owner != nil {
		owner.markUnsaved("HiddenServices")
	}
}

// Ephemeral reports whether this record is marked as an ADD_ONION-created
// service rather than a HiddenServiceDir block. Read-only: this library
// never creates ephemeral services, and no code path marks a record as
// ephemeral, so it reports false.
func (hs *HiddenService) Ephemeral() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.ephemeral
}

// markEphemeral sets the ephemeral flag. Nothing in this repository calls it.
func (hs *HiddenService) markEphemeral() {
	hs.mu.Lock()
	hs.ephemeral = true
	hs.mu.Unlock()
}

// Hostname reads the "hostname" file in Dir on first access and caches it.
// It is never transmitted through SETCONF.
func (hs *HiddenService) Hostname() (string, error) {
	hs.hostnameOnce.Do(func() {
		data, err := os.ReadFile(filepath.Join(hs.Dir(), "hostname"))
		if err != nil {
			hs.hostnameErr = err
			return
		}
		hs.hostname = strings.TrimSpace(string(data))
	})
	return hs.hostname, hs.hostnameErr
}

// PrivateKey reads the "private_key" file in Dir on first access and caches
// it.
func (hs *HiddenService) PrivateKey() (string, error) {
	hs.privateKeyOnce.Do(func() {
		data, err := os.ReadFile(filepath.Join(hs.Dir(), "private_key"))
		if err != nil {
			hs.privateKeyErr = err
			return
		}
		hs.privateKey = strings.TrimSpace(string(data))
	})
	return hs.privateKey, hs.privateKeyErr
}

// ConfigAttributes renders the ordered SETCONF/torrc key/value sequence for
// this record: HiddenServiceDir, then HiddenServiceDirGroupReadable only if
// supportsGroupReadable and the flag is set, then one HiddenServicePort per
// port, then HiddenServiceVersion if nonzero, then
// HiddenServiceAuthorizeClient if set.
func (hs *HiddenService) ConfigAttributes(supportsGroupReadable bool) []control.KeyValue {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	out := []control.KeyValue{{Key: "HiddenServiceDir", Value: hs.dir}}
	if supportsGroupReadable && hs.groupReadable {
		out = append(out, control.KeyValue{Key: "HiddenServiceDirGroupReadable", Value: "1"})
	}
	for _, p := range hs.ports.Slice() {
		out = append(out, control.KeyValue{Key: "HiddenServicePort", Value: p})
	}
	if hs.version != 0 {
		out = append(out, control.KeyValue{Key: "HiddenServiceVersion", Value: strconv.Itoa(hs.version)})
	}
	if hs.authorizeClient != "" {
		out = append(out, control.KeyValue{Key: "HiddenServiceAuthorizeClient", Value: hs.authorizeClient})
	}
	return out
}
