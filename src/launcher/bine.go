// SPDX-License-Identifier: MIT
package launcher

import (
	"context"
	"fmt"
	"io"

	"github.com/cretz/bine/control"
	binetor "github.com/cretz/bine/tor"

	torctlcontrol "github.com/apimgr/torctl/src/control"
)

// bineConnFactory is the default ConnFactory. It wraps github.com/cretz/bine
// (StartConf with DataDir/ExePath/NoHush/DebugWriter/ExtraArgs, then
// EnableNetwork), and adapts the resulting *bine/control.Conn onto this
// repository's control.Conn so the rest of the package never imports bine
// directly.
func bineConnFactory(ctx context.Context, binaryPath, dataDir, torrcPath string, stderrSink io.Writer) (torctlcontrol.Conn, int, func() error, error) {
	startConf := &binetor.StartConf{
		DataDir:         dataDir,
		NoAutoSocksPort: false,
		ExePath:         binaryPath,
		NoHush:          false,
		DebugWriter:     stderrSink,
		ExtraArgs:       []string{"--quiet", "-f", torrcPath},
	}

	t, err := binetor.Start(ctx, startConf)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("starting tor: %w", err)
	}
	if err := t.EnableNetwork(ctx, true); err != nil {
		t.Close()
		return nil, 0, nil, fmt.Errorf("enabling tor network: %w", err)
	}

	pid := 0
	if t.Process != nil {
		pid = t.Process.Pid()
	}

	adapted := &bineAdapter{conn: t.Control}
	return adapted, pid, t.Close, nil
}

// bineAdapter satisfies control.Conn against a live *bine/control.Conn. Only
// GetInfo's error-returning call shape is directly confirmed against a
// running daemon (torInst.Control.GetInfo("version") in a monitor loop);
// the rest follows bine's published Conn surface.
type bineAdapter struct {
	conn *control.Conn
}

func (a *bineAdapter) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	kvs, err := a.conn.GetInfo(keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if kv.Err != nil {
			continue
		}
		out[kv.Key] = kv.Val
	}
	return out, nil
}

func (a *bineAdapter) GetInfoRaw(ctx context.Context, key string) (string, error) {
	kvs, err := a.conn.GetInfo(key)
	if err != nil {
		return "", err
	}
	if len(kvs) == 0 {
		return "", nil
	}
	return kvs[0].Val, nil
}

// GetInfoIncremental fetches the whole GETINFO value through GetInfoRaw and
// then feeds it to lineSink one line at a time; the reply is buffered in
// full before the first line is delivered.
func (a *bineAdapter) GetInfoIncremental(ctx context.Context, key string, lineSink func(line string) error) error {
	raw, err := a.GetInfoRaw(ctx, key)
	if err != nil {
		return err
	}
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			if err := lineSink(raw[start:i]); err != nil {
				return err
			}
			start = i + 1
		}
	}
	return nil
}

func (a *bineAdapter) GetConf(ctx context.Context, keys ...string) (map[string][]string, error) {
	kvs, err := a.conn.GetConf(keys...)
	if err != nil {
		return nil, err
	}
	out := map[string][]string{}
	for _, kv := range kvs {
		if kv.Err != nil {
			continue
		}
		out[kv.Key] = append(out[kv.Key], kv.Val)
	}
	return out, nil
}

func (a *bineAdapter) SetConf(ctx context.Context, kv ...torctlcontrol.KeyValue) error {
	pairs := make([]*control.KeyVal, 0, len(kv))
	for _, p := range kv {
		pairs = append(pairs, &control.KeyVal{Key: p.Key, Val: p.Value})
	}
	return a.conn.SetConf(pairs...)
}

func (a *bineAdapter) QueueCommand(ctx context.Context, cmd string) (torctlcontrol.Reply, error) {
	resp, err := a.conn.SendRequest("%s", cmd)
	if err != nil {
		return torctlcontrol.Reply{}, err
	}
	code := 250
	if resp.Err != nil {
		code = 550
	}
	return torctlcontrol.Reply{Code: code, Lines: resp.Data}, nil
}

func (a *bineAdapter) AddEventListener(event string, fn torctlcontrol.EventFunc) error {
	ch := make(chan *control.Response, 16)
	if err := a.conn.AddEventListener(ch, event); err != nil {
		return err
	}
	go func() {
		for resp := range ch {
			fn(torctlcontrol.Event{Code: event, Lines: resp.Data})
		}
	}()
	return nil
}

func (a *bineAdapter) RemoveEventListener(event string) error {
	return a.conn.RemoveEventListener(nil, event)
}

func (a *bineAdapter) IsOwned() (int, bool) {
	return 0, false
}
