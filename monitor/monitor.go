// Package monitor speaks QEMU's QMP control protocol over a Unix domain
// socket: newline-delimited JSON, a greeting/capabilities handshake, and a
// request/response cycle that must skip asynchronous "event" lines that can
// arrive interleaved with command replies.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/infrasim/vmctld/vmerr"
)

// Client is a connected QMP session.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

type greeting struct {
	QMP *struct {
		Version struct {
			QEMU struct {
				Major int `json:"major"`
				Minor int `json:"minor"`
				Micro int `json:"micro"`
			} `json:"qemu"`
		} `json:"version"`
	} `json:"QMP"`
}

// topLevel is used only to tell a command reply apart from an async event:
// events carry a top-level "event" key, replies carry "return" or "error".
type topLevel struct {
	Event  *string         `json:"event"`
	Return json.RawMessage `json:"return"`
	Error  *qmpError       `json:"error"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// Dial connects to a QMP Unix socket, reads the greeting, and negotiates
// capabilities so the session is ready for commands.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindQmp, err)
	}

	c := &Client{conn: conn, reader: bufio.NewReader(conn)}
	if err := c.negotiate(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) negotiate() error {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return vmerr.Wrap(vmerr.KindQmp, fmt.Errorf("reading greeting: %w", err))
	}
	var g greeting
	if err := json.Unmarshal(line, &g); err != nil {
		return vmerr.Wrap(vmerr.KindQmp, fmt.Errorf("parsing greeting: %w", err))
	}
	if g.QMP == nil {
		return vmerr.Qmp("greeting has no top-level QMP field")
	}

	if _, err := c.Execute("qmp_capabilities", nil); err != nil {
		return vmerr.Wrap(vmerr.KindQmp, fmt.Errorf("negotiating capabilities: %w", err))
	}
	return nil
}

// Execute sends a QMP command and returns its "return" payload, silently
// skipping any asynchronous event lines that arrive before the reply.
func (c *Client) Execute(cmd string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := map[string]any{"execute": cmd}
	if args != nil {
		req["arguments"] = args
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	payload = append(payload, '\n')
	if _, err := c.conn.Write(payload); err != nil {
		return nil, vmerr.Wrap(vmerr.KindQmp, err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindQmp, err)
		}
		var tl topLevel
		if err := json.Unmarshal(line, &tl); err != nil {
			return nil, vmerr.Wrap(vmerr.KindQmp, fmt.Errorf("parsing reply: %w", err))
		}
		if tl.Event != nil {
			// An async event interleaved before our command's reply; ignore
			// it and keep waiting.
			continue
		}
		if tl.Error != nil {
			return nil, vmerr.Qmp("%s: %s", tl.Error.Class, tl.Error.Desc)
		}
		return tl.Return, nil
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// StatusResult is the "return" payload of query-status.
type StatusResult struct {
	Running    bool   `json:"running"`
	Status     string `json:"status"`
	SingleStep bool   `json:"singlestep"`
}

// QueryStatus reports the VM's run state as QEMU sees it.
func (c *Client) QueryStatus() (StatusResult, error) {
	raw, err := c.Execute("query-status", nil)
	if err != nil {
		return StatusResult{}, err
	}
	var s StatusResult
	if err := json.Unmarshal(raw, &s); err != nil {
		return StatusResult{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	return s, nil
}

// Stop issues the stop command, pausing emulation.
func (c *Client) Stop() error {
	_, err := c.Execute("stop", nil)
	return err
}

// Cont resumes emulation after a stop.
func (c *Client) Cont() error {
	_, err := c.Execute("cont", nil)
	return err
}

// SystemPowerdown requests a graceful ACPI shutdown.
func (c *Client) SystemPowerdown() error {
	_, err := c.Execute("system_powerdown", nil)
	return err
}

// Quit forcibly terminates the QEMU process from within.
func (c *Client) Quit() error {
	_, err := c.Execute("quit", nil)
	return err
}

// SystemReset issues a hard reset of the guest, equivalent to power-cycling
// the virtual hardware without restarting the QEMU process itself.
func (c *Client) SystemReset() error {
	_, err := c.Execute("system_reset", nil)
	return err
}

// VersionResult is the "return" payload of query-version.
type VersionResult struct {
	QEMU struct {
		Major int `json:"major"`
		Minor int `json:"minor"`
		Micro int `json:"micro"`
	} `json:"qemu"`
	Package string `json:"package"`
}

// QueryVersion reports the QEMU version in use by the live guest process.
func (c *Client) QueryVersion() (VersionResult, error) {
	raw, err := c.Execute("query-version", nil)
	if err != nil {
		return VersionResult{}, err
	}
	var v VersionResult
	if err := json.Unmarshal(raw, &v); err != nil {
		return VersionResult{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	return v, nil
}

// BlockDeviceInfo is one entry of query-block's return array.
type BlockDeviceInfo struct {
	Device   string `json:"device"`
	Removable bool  `json:"removable"`
	Locked   bool   `json:"locked"`
	Inserted *struct {
		File string `json:"file"`
		Ro   bool   `json:"ro"`
	} `json:"inserted,omitempty"`
}

// QueryBlock lists the block devices currently attached to the guest.
func (c *Client) QueryBlock() ([]BlockDeviceInfo, error) {
	raw, err := c.Execute("query-block", nil)
	if err != nil {
		return nil, err
	}
	var devices []BlockDeviceInfo
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	return devices, nil
}

// DumpGuestMemory writes a memory dump of the live guest to path. paging
// controls whether the dump resolves guest virtual addresses (true) or is a
// raw physical-memory dump (false).
func (c *Client) DumpGuestMemory(path string, paging bool) error {
	_, err := c.Execute("dump-guest-memory", map[string]any{
		"paging":   paging,
		"protocol": "file:" + path,
	})
	return err
}

// VncInfo is the "return" payload of query-vnc.
type VncInfo struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Service string `json:"service,omitempty"`
}

// QueryVnc reports whether a VNC server is active for the guest and, if so,
// where it is listening.
func (c *Client) QueryVnc() (VncInfo, error) {
	raw, err := c.Execute("query-vnc", nil)
	if err != nil {
		return VncInfo{}, err
	}
	var v VncInfo
	if err := json.Unmarshal(raw, &v); err != nil {
		return VncInfo{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	return v, nil
}

// SendKey injects a simultaneous key-press event into the guest console,
// e.g. []string{"ctrl", "alt", "delete"}.
func (c *Client) SendKey(keys []string) error {
	events := make([]map[string]any, len(keys))
	for i, k := range keys {
		events[i] = map[string]any{"type": "qcode", "data": map[string]string{"qcode": k}}
	}
	_, err := c.Execute("send-key", map[string]any{"keys": events})
	return err
}

// HumanMonitorCommand tunnels an HMP command (e.g. "savevm", "loadvm")
// through QMP's human-monitor-command, for functionality QMP never exposed
// natively.
func (c *Client) HumanMonitorCommand(cmdLine string) (string, error) {
	raw, err := c.Execute("human-monitor-command", map[string]string{"command-line": cmdLine})
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", vmerr.Wrap(vmerr.KindSerialization, err)
	}
	return out, nil
}

// SaveSnapshot saves an internal (disk + device state) snapshot under tag via
// the HMP savevm tunnel.
func (c *Client) SaveSnapshot(tag string) error {
	out, err := c.HumanMonitorCommand("savevm " + tag)
	if err != nil {
		return err
	}
	if out != "" {
		return vmerr.Qmp("savevm %s: %s", tag, out)
	}
	return nil
}

// LoadSnapshot restores an internal snapshot previously saved under tag.
func (c *Client) LoadSnapshot(tag string) error {
	out, err := c.HumanMonitorCommand("loadvm " + tag)
	if err != nil {
		return err
	}
	if out != "" {
		return vmerr.Qmp("loadvm %s: %s", tag, out)
	}
	return nil
}

// WaitReady polls Dial until the socket accepts a connection and completes
// the handshake, or ctx is done. QEMU creates its QMP socket asynchronously
// after the process starts, so callers that just launched QEMU need this
// instead of a single Dial attempt.
func WaitReady(ctx context.Context, socketPath string, pollInterval time.Duration) (*Client, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		c, err := Dial(ctx, socketPath)
		if err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, vmerr.Timeout(0)
		case <-ticker.C:
		}
	}
}
