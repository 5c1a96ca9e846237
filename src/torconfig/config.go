// SPDX-License-Identifier: MIT
// Package torconfig mirrors Tor's configuration keys: a typed,
// mutation-tracking model that aggregates edits into a single atomic SETCONF
// and reconciles with asynchronous CONF_CHANGED notifications.
package torconfig

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apimgr/torctl/src/control"
	"github.com/apimgr/torctl/src/logging"
	"github.com/apimgr/torctl/src/torerr"
)

// Descriptor is a configuration option's (name, kind, list-valued?) triple.
// List is derived from Kind, except for the well-known options listed in
// listWellKnownOptions (SOCKSPort), which are list-valued whatever their Kind.
type Descriptor struct {
	Name string
	Kind Kind
	List bool
}

// field is the internal storage unit for one option's value, covering
// scalars, change-tracking lists and (for the HiddenServices pseudo-option)
// a list of hidden-service records.
type field struct {
	isHS   bool
	scalar string
	list   *List[string]
	hs     *List[*HiddenService]
}

// TorConfig is a typed mirror of Tor's configuration. It operates detached
// (no protocol: edits are visible immediately, save is a no-op) or attached
// (bootstrapped from a live control.Conn).
type TorConfig struct {
	mu sync.Mutex

	conn   control.Conn
	logger *logging.Logger

	descriptors map[string]Descriptor // keyed by lower-case name
	canonical   map[string]string     // lower-case -> canonical casing

	committed map[string]field // keyed by canonical name
	staged    map[string]field

	names      []string // every canonical name ever introduced, in first-seen order
	knownNames map[string]bool

	stagedOrder []string // insertion order within the current staged batch

	supportsGroupReadable bool
}

// New returns a detached TorConfig, suitable for building a configuration to
// pass to the process supervisor.
func New(logger *logging.Logger) *TorConfig {
	if logger == nil {
		logger = logging.Nop()
	}
	tc := &TorConfig{
		logger:      logger,
		descriptors: map[string]Descriptor{},
		canonical:   map[string]string{},
		committed:   map[string]field{},
		staged:      map[string]field{},
		knownNames:  map[string]bool{},
	}
	for name, kind := range wellKnownOptions {
		tc.registerDescriptor(name, kind)
	}
	return tc
}

func (tc *TorConfig) registerDescriptor(name string, kind Kind) Descriptor {
	lower := strings.ToLower(name)
	d := Descriptor{Name: name, Kind: kind, List: kind.IsListKind() || listWellKnownOptions[name]}
	tc.descriptors[lower] = d
	tc.canonical[lower] = name
	return d
}

func (tc *TorConfig) rememberName(name string) {
	if !tc.knownNames[name] {
		tc.knownNames[name] = true
		tc.names = append(tc.names, name)
	}
}

// findDescriptor resolves name case-insensitively, registering a new String
// (or, via SetList, LineList) descriptor on first use in detached mode —
// the only way a caller can introduce an option txtorcon would otherwise
// have learned from a live "GETINFO config/names".
func (tc *TorConfig) findDescriptor(name string, fallback Kind) Descriptor {
	lower := strings.ToLower(name)
	if d, ok := tc.descriptors[lower]; ok {
		return d
	}
	return tc.registerDescriptor(name, fallback)
}

func (tc *TorConfig) canonicalName(name string) (string, bool) {
	lower := strings.ToLower(name)
	c, ok := tc.canonical[lower]
	return c, ok
}

// NeedsSave reports whether any staged edits await Save.
func (tc *TorConfig) NeedsSave() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.staged) > 0
}

// markUnsaved promotes committed[name] into staged[name] if not already
// staged, matching txtorcon's mark_unsaved: the callback a change-tracking
// list invokes on its owner before any in-place mutation.
func (tc *TorConfig) markUnsaved(name string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	canon, ok := tc.canonicalName(name)
	if !ok {
		canon = name
	}
	if _, already := tc.staged[canon]; already {
		return
	}
	if f, ok := tc.committed[canon]; ok {
		tc.staged[canon] = f
		tc.stagedOrder = append(tc.stagedOrder, canon)
	}
}

// Get reads a scalar option: staged if present, else committed.
func (tc *TorConfig) Get(name string) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	d, canon, err := tc.resolve(name)
	if err != nil {
		return "", err
	}
	if d.List {
		return "", fmt.Errorf("%w: %s is list-valued, use GetList", torerr.ErrInvalidArgument, d.Name)
	}
	if f, ok := tc.staged[canon]; ok {
		return f.scalar, nil
	}
	if f, ok := tc.committed[canon]; ok {
		return f.scalar, nil
	}
	return "", nil
}

func (tc *TorConfig) resolve(name string) (Descriptor, string, error) {
	lower := strings.ToLower(name)
	d, ok := tc.descriptors[lower]
	if !ok {
		return Descriptor{}, "", fmt.Errorf("%w: no such option %q", torerr.ErrInvalidArgument, name)
	}
	return d, tc.canonical[lower], nil
}

// Set validates value against name's kind and stages it.
func (tc *TorConfig) Set(name, value string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	d := tc.findDescriptor(name, KindString)
	if d.List {
		return fmt.Errorf("%w: %s is list-valued, use SetList", torerr.ErrInvalidArgument, d.Name)
	}
	validated, err := d.Kind.Validate(value)
	if err != nil {
		return err
	}
	tc.rememberName(d.Name)
	tc.stageScalar(d.Name, validated)
	return nil
}

func (tc *TorConfig) stageScalar(canon, value string) {
	if _, already := tc.staged[canon]; !already {
		tc.stagedOrder = append(tc.stagedOrder, canon)
	}
	tc.staged[canon] = field{scalar: value}
}

// GetList returns the change-tracking list backing a list-valued option,
// materializing an empty one bound to this option's mark callback on first
// access if none exists yet.
func (tc *TorConfig) GetList(name string) (*List[string], error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	d := tc.findDescriptor(name, KindLineList)
	if !d.List {
		return nil, fmt.Errorf("%w: %s is scalar, use Get", torerr.ErrInvalidArgument, d.Name)
	}
	tc.rememberName(d.Name)
	if f, ok := tc.staged[d.Name]; ok {
		return f.list, nil
	}
	if f, ok := tc.committed[d.Name]; ok {
		return f.list, nil
	}
	l := NewList[string](nil, func() { tc.markUnsaved(d.Name) })
	tc.committed[d.Name] = field{list: l}
	return l, nil
}

// SetList validates each element against name's kind and stages a fresh
// change-tracking list wrapping them.
func (tc *TorConfig) SetList(name string, values ...string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	d := tc.findDescriptor(name, KindLineList)
	if !d.List {
		return fmt.Errorf("%w: %s is scalar, use Set", torerr.ErrInvalidArgument, d.Name)
	}
	validated := make([]string, len(values))
	for i, v := range values {
		cv, err := d.Kind.Validate(v)
		if err != nil {
			return err
		}
		validated[i] = cv
	}
	tc.rememberName(d.Name)
	canon := d.Name
	l := NewList(validated, func() { tc.markUnsaved(canon) })
	if _, already := tc.staged[canon]; !already {
		tc.stagedOrder = append(tc.stagedOrder, canon)
	}
	tc.staged[canon] = field{list: l}
	return nil
}

// HiddenServices returns the change-tracking list of hidden-service records,
// materializing an empty one on first access.
func (tc *TorConfig) HiddenServices() *List[*HiddenService] {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.rememberName("HiddenServices")
	if f, ok := tc.staged["HiddenServices"]; ok {
		return f.hs
	}
	if f, ok := tc.committed["HiddenServices"]; ok {
		return f.hs
	}
	l := NewList[*HiddenService](nil, func() { tc.markUnsaved("HiddenServices") })
	tc.committed["HiddenServices"] = field{isHS: true, hs: l}
	return l
}

// SetHiddenServices replaces the full hidden-service list, staging
// HiddenServices.
func (tc *TorConfig) SetHiddenServices(services ...*HiddenService) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, hs := range services {
		hs.bind(tc)
	}
	tc.rememberName("HiddenServices")
	l := NewList(services, func() { tc.markUnsaved("HiddenServices") })
	if _, already := tc.staged["HiddenServices"]; !already {
		tc.stagedOrder = append(tc.stagedOrder, "HiddenServices")
	}
	tc.staged["HiddenServices"] = field{isHS: true, hs: l}
}

// Save composes all staged edits into a single atomic apply. Detached,
// promotion happens synchronously; attached, it issues one SETCONF and
// promotes staged into committed only after the daemon accepts it.
func (tc *TorConfig) Save(ctx context.Context) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.staged) == 0 {
		return nil
	}

	if tc.conn != nil {
		var kv []control.KeyValue
		for _, name := range tc.stagedOrder {
			f := tc.staged[name]
			switch {
			case f.isHS:
				for _, hs := range f.hs.Slice() {
					kv = append(kv, hs.ConfigAttributes(tc.supportsGroupReadable)...)
				}
			case f.list != nil:
				for _, v := range f.list.Slice() {
					kv = append(kv, control.KeyValue{Key: name, Value: v})
				}
			default:
				kv = append(kv, control.KeyValue{Key: name, Value: f.scalar})
			}
		}
		if err := tc.conn.SetConf(ctx, kv...); err != nil {
			return fmt.Errorf("save: %w: %v", torerr.ErrDaemonRefused, err)
		}
	}

	for _, name := range tc.stagedOrder {
		tc.committed[name] = tc.staged[name]
	}
	tc.staged = map[string]field{}
	tc.stagedOrder = nil
	return nil
}

// CreateTorrc renders committed ∪ staged as newline-separated "Key Value"
// lines, list options one line per element, hidden services their
// structured block.
func (tc *TorConfig) CreateTorrc() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	var b strings.Builder
	for _, name := range tc.names {
		f, ok := tc.staged[name]
		if !ok {
			f, ok = tc.committed[name]
		}
		if !ok {
			continue
		}
		switch {
		case f.isHS:
			for _, hs := range f.hs.Slice() {
				for _, pair := range hs.ConfigAttributes(tc.supportsGroupReadable) {
					fmt.Fprintf(&b, "%s %s\n", pair.Key, pair.Value)
				}
			}
		case f.list != nil:
			for _, v := range f.list.Slice() {
				fmt.Fprintf(&b, "%s %s\n", name, v)
			}
		default:
			fmt.Fprintf(&b, "%s %s\n", name, f.scalar)
		}
	}
	return b.String()
}

// AttachProtocol is a one-shot bind from detached to attached mode: it
// flushes staged via Save, then bootstraps from conn. Fails if already
// attached.
func (tc *TorConfig) AttachProtocol(ctx context.Context, conn control.Conn) error {
	tc.mu.Lock()
	if tc.conn != nil {
		tc.mu.Unlock()
		return fmt.Errorf("%w: already attached", torerr.ErrPrecondition)
	}
	tc.mu.Unlock()

	if err := tc.Save(ctx); err != nil {
		return err
	}

	tc.mu.Lock()
	tc.conn = conn
	tc.mu.Unlock()

	return tc.bootstrap(ctx, conn)
}

// bootstrap issues GETINFO config/names, instantiates a parser per option,
// pulls its current value via GETCONF, and populates committed.
// HiddenServiceOptions is special-cased into HiddenService records.
func (tc *TorConfig) bootstrap(ctx context.Context, conn control.Conn) error {
	raw, err := conn.GetInfoRaw(ctx, "config/names")
	if err != nil {
		return fmt.Errorf("config/names: %w", err)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "config/names=" || line == "." || line == "OK" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}
		name, wireType := parts[0], parts[1]

		if name == "HiddenServiceDirGroupReadable" {
			tc.supportsGroupReadable = true
		}

		if name == "HiddenServiceOptions" {
			if err := tc.bootstrapHiddenServices(ctx, conn); err != nil {
				tc.logger.Warn("hidden service bootstrap failed", logging.Fields{"error": err.Error()})
			}
			continue
		}
		if wireType == "Dependant" {
			continue
		}

		kind, ok := KindFromWireToken(wireType)
		if !ok {
			tc.logger.Warn("no parser for config option type", logging.Fields{"name": name, "type": wireType})
			continue
		}
		d := tc.registerDescriptor(name, kind)
		tc.rememberName(d.Name)

		tc.mu.Unlock()
		values, err := conn.GetConf(ctx, name)
		tc.mu.Lock()
		if err != nil {
			tc.logger.Warn("GETCONF failed during bootstrap", logging.Fields{"name": name, "error": err.Error()})
			continue
		}
		raw := values[name]

		if d.List {
			validated := make([]string, len(raw))
			for i, v := range raw {
				cv, verr := kind.Validate(v)
				if verr != nil {
					continue
				}
				validated[i] = cv
			}
			canon := d.Name
			tc.committed[canon] = field{list: NewList(validated, func() { tc.markUnsaved(canon) })}
		} else {
			var scalar string
			if len(raw) > 0 {
				cv, verr := kind.Validate(raw[0])
				if verr == nil {
					scalar = cv
				}
			}
			tc.committed[d.Name] = field{scalar: scalar}
		}
	}

	if err := conn.AddEventListener("CONF_CHANGED", tc.handleConfChanged); err != nil {
		tc.logger.Warn("can't subscribe to CONF_CHANGED", logging.Fields{"error": err.Error()})
	}
	return nil
}

// bootstrapHiddenServices parses the grouped GETCONF HiddenServiceOptions
// reply into HiddenService records, splitting on each new
// HiddenServiceDir line (grounded on txtorcon's _setup_hidden_services).
func (tc *TorConfig) bootstrapHiddenServices(ctx context.Context, conn control.Conn) error {
	tc.mu.Unlock()
	reply, err := conn.QueueCommand(ctx, "GETCONF HiddenServiceOptions")
	tc.mu.Lock()
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("%w: GETCONF HiddenServiceOptions returned %d", torerr.ErrDaemonRefused, reply.Code)
	}
	raw := strings.Join(reply.Lines, "\n")

	var services []*HiddenService
	var dir string
	var ports []string
	var version int
	var auth string
	var groupReadable bool
	haveCurrent := false

	flush := func() {
		if !haveCurrent {
			return
		}
		hs := NewHiddenService(dir, ports)
		hs.version = version
		hs.authorizeClient = auth
		hs.groupReadable = groupReadable
		hs.bind(tc)
		services = append(services, hs)
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "HiddenServiceOptions" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k, v := kv[0], kv[1]
		switch k {
		case "HiddenServiceDir":
			flush()
			dir, ports, version, auth, groupReadable = v, nil, 0, "", false
			haveCurrent = true
		case "HiddenServicePort":
			ports = append(ports, v)
		case "HiddenServiceVersion":
			fmt.Sscanf(v, "%d", &version)
		case "HiddenServiceAuthorizeClient":
			auth = v
		case "HiddenServiceDirGroupReadable":
			groupReadable = v == "1"
		}
	}
	flush()

	l := NewList(services, func() { tc.markUnsaved("HiddenServices") })
	tc.committed["HiddenServices"] = field{isHS: true, hs: l}
	tc.rememberName("HiddenServices")
	return nil
}

// handleConfChanged updates committed directly from a CONF_CHANGED event,
// never touching staged: staged edits win until the caller saves them, even
// if the daemon's own view of committed changes out from under them.
func (tc *TorConfig) handleConfChanged(ev control.Event) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, line := range ev.Lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var key, value string
		if idx := strings.IndexByte(line, '='); idx >= 0 {
			key, value = line[:idx], line[idx+1:]
		} else {
			key = line // no "=": restored to default
		}
		canon, ok := tc.canonicalName(key)
		if !ok {
			continue // unknown option: ignored
		}
		tc.rememberName(canon)
		d := tc.descriptors[strings.ToLower(canon)]
		if d.List {
			// CONF_CHANGED carries one KEY=VALUE pair per changed line; build
			// a fresh list rather than mutating the existing one in place
			// (mutating would invoke mark() and re-stage what is supposed to
			// stay committed-only).
			var vals []string
			if value != "" {
				vals = []string{value}
			}
			canonForMark := canon
			tc.committed[canon] = field{list: NewList(vals, func() { tc.markUnsaved(canonForMark) })}
		} else {
			tc.committed[canon] = field{scalar: value}
		}
	}
}
