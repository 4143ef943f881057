package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/infrasim/vmctld/types"
	"github.com/infrasim/vmctld/version"
)

// Client is the CLI-side handle to a running daemon's Unix socket.
type Client struct {
	SocketPath string
	httpClient *http.Client
}

// NewClient dials the conventional socket path under appBaseDir.
func NewClient(appBaseDir string) *Client {
	socketPath := filepath.Join(appBaseDir, defaultSocketFile)
	return &Client{
		SocketPath: socketPath,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var req *http.Request
	var err error

	if body != nil {
		reqBody, merr := json.Marshal(body)
		if merr != nil {
			return merr
		}
		req, err = http.NewRequestWithContext(ctx, method, "http://unix"+path, strings.NewReader(string(reqBody)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, "http://unix"+path, nil)
		if err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	var resp map[string]string
	return c.doRequest(ctx, http.MethodGet, "/ping", nil, &resp)
}

func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var info version.Info
	err := c.doRequest(ctx, http.MethodGet, "/version", nil, &info)
	return info, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	var resp map[string]string
	if err := c.doRequest(ctx, http.MethodPost, "/shutdown", nil, &resp); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := os.Stat(c.SocketPath); err == nil {
		return fmt.Errorf("daemon may not have shut down cleanly")
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var health HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, &health)
	return health, err
}

func (c *Client) DaemonStatus(ctx context.Context) (DaemonStatus, error) {
	var status DaemonStatus
	err := c.doRequest(ctx, http.MethodGet, "/daemon-status", nil, &status)
	return status, err
}

func (c *Client) Drift(ctx context.Context) ([]byte, error) {
	var raw json.RawMessage
	err := c.doRequest(ctx, http.MethodGet, "/drift", nil, &raw)
	return raw, err
}

// --- VMs ---

func (c *Client) ListVms(ctx context.Context) ([]types.Vm, error) {
	var vms []types.Vm
	err := c.doRequest(ctx, http.MethodGet, "/vms", nil, &vms)
	return vms, err
}

func (c *Client) CreateVm(ctx context.Context, name string, spec types.VmSpec, labels map[string]string) (types.Vm, error) {
	var vm types.Vm
	req := createVmRequest{Name: name, Spec: spec, Labels: labels}
	err := c.doRequest(ctx, http.MethodPost, "/vms", req, &vm)
	return vm, err
}

func (c *Client) GetVm(ctx context.Context, id string) (types.Vm, error) {
	var vm types.Vm
	err := c.doRequest(ctx, http.MethodGet, "/vms/get?id="+id, nil, &vm)
	return vm, err
}

func (c *Client) DeleteVm(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/vms/delete", map[string]string{"id": id}, nil)
}

func (c *Client) StartVm(ctx context.Context, id string) error {
	var resp map[string]string
	return c.doRequest(ctx, http.MethodPost, "/vms/start", map[string]string{"id": id}, &resp)
}

func (c *Client) StopVm(ctx context.Context, id string) error {
	var resp map[string]string
	return c.doRequest(ctx, http.MethodPost, "/vms/stop", map[string]string{"id": id}, &resp)
}

func (c *Client) RestoreVmSnapshot(ctx context.Context, vmID, tag string) error {
	var resp map[string]string
	req := map[string]string{"vm_id": vmID, "tag": tag}
	return c.doRequest(ctx, http.MethodPost, "/vms/restore-snapshot", req, &resp)
}

// GetVmAttestation generates a fresh attestation report for a running VM
// and returns it, mirroring the GetAttestation RPC verb (§6).
func (c *Client) GetVmAttestation(ctx context.Context, vmID string) (types.AttestationReport, error) {
	var report types.AttestationReport
	err := c.doRequest(ctx, http.MethodPost, "/vms/attestation?id="+vmID, nil, &report)
	return report, err
}

// VmAttestationHistory returns every attestation report previously recorded
// for a VM, most recent first.
func (c *Client) VmAttestationHistory(ctx context.Context, vmID string) ([]types.AttestationReport, error) {
	var reports []types.AttestationReport
	err := c.doRequest(ctx, http.MethodGet, "/vms/attestation/history?id="+vmID, nil, &reports)
	return reports, err
}

// --- Networks ---

func (c *Client) ListNetworks(ctx context.Context) ([]types.Network, error) {
	var networks []types.Network
	err := c.doRequest(ctx, http.MethodGet, "/networks", nil, &networks)
	return networks, err
}

func (c *Client) CreateNetwork(ctx context.Context, name string, spec types.NetworkSpec, labels map[string]string) (types.Network, error) {
	var n types.Network
	req := map[string]any{"name": name, "spec": spec, "labels": labels}
	err := c.doRequest(ctx, http.MethodPost, "/networks", req, &n)
	return n, err
}

func (c *Client) GetNetwork(ctx context.Context, id string) (types.Network, error) {
	var n types.Network
	err := c.doRequest(ctx, http.MethodGet, "/networks/get?id="+id, nil, &n)
	return n, err
}

func (c *Client) DeleteNetwork(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/networks/delete", map[string]string{"id": id}, nil)
}

// --- Volumes ---

func (c *Client) ListVolumes(ctx context.Context) ([]types.Volume, error) {
	var volumes []types.Volume
	err := c.doRequest(ctx, http.MethodGet, "/volumes", nil, &volumes)
	return volumes, err
}

func (c *Client) CreateVolume(ctx context.Context, name string, spec types.VolumeSpec, labels map[string]string) (types.Volume, error) {
	var v types.Volume
	req := map[string]any{"name": name, "spec": spec, "labels": labels}
	err := c.doRequest(ctx, http.MethodPost, "/volumes", req, &v)
	return v, err
}

func (c *Client) GetVolume(ctx context.Context, id string) (types.Volume, error) {
	var v types.Volume
	err := c.doRequest(ctx, http.MethodGet, "/volumes/get?id="+id, nil, &v)
	return v, err
}

func (c *Client) DeleteVolume(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/volumes/delete", map[string]string{"id": id}, nil)
}

// --- QoS profiles ---

func (c *Client) ListQosProfiles(ctx context.Context) ([]types.QosProfile, error) {
	var profiles []types.QosProfile
	err := c.doRequest(ctx, http.MethodGet, "/qos-profiles", nil, &profiles)
	return profiles, err
}

func (c *Client) CreateQosProfile(ctx context.Context, name string, spec types.QosProfileSpec, labels map[string]string) (types.QosProfile, error) {
	var p types.QosProfile
	req := map[string]any{"name": name, "spec": spec, "labels": labels}
	err := c.doRequest(ctx, http.MethodPost, "/qos-profiles", req, &p)
	return p, err
}

func (c *Client) DeleteQosProfile(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/qos-profiles/delete", map[string]string{"id": id}, nil)
}

// --- Snapshots ---

func (c *Client) ListSnapshots(ctx context.Context, vmID string) ([]types.Snapshot, error) {
	var snaps []types.Snapshot
	path := "/snapshots"
	if vmID != "" {
		path += "?vm_id=" + vmID
	}
	err := c.doRequest(ctx, http.MethodGet, path, nil, &snaps)
	return snaps, err
}

func (c *Client) CreateSnapshot(ctx context.Context, name string, spec types.SnapshotSpec, labels map[string]string) (types.Snapshot, error) {
	var snap types.Snapshot
	req := map[string]any{"name": name, "spec": spec, "labels": labels}
	err := c.doRequest(ctx, http.MethodPost, "/snapshots", req, &snap)
	return snap, err
}

func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/snapshots/delete", map[string]string{"id": id}, nil)
}

// --- Benchmark runs ---

func (c *Client) ListBenchmarkRuns(ctx context.Context, vmID string) ([]types.BenchmarkRun, error) {
	var runs []types.BenchmarkRun
	path := "/benchmark-runs"
	if vmID != "" {
		path += "?vm_id=" + vmID
	}
	err := c.doRequest(ctx, http.MethodGet, path, nil, &runs)
	return runs, err
}

func (c *Client) CreateBenchmarkRun(ctx context.Context, name string, spec types.BenchmarkSpec, labels map[string]string) (types.BenchmarkRun, error) {
	var run types.BenchmarkRun
	req := map[string]any{"name": name, "spec": spec, "labels": labels}
	err := c.doRequest(ctx, http.MethodPost, "/benchmark-runs", req, &run)
	return run, err
}

func (c *Client) GetBenchmarkRun(ctx context.Context, id string) (types.BenchmarkRun, error) {
	var run types.BenchmarkRun
	err := c.doRequest(ctx, http.MethodGet, "/benchmark-runs/get?id="+id, nil, &run)
	return run, err
}

// --- LoRa devices ---

func (c *Client) ListLoRaDevices(ctx context.Context) ([]types.LoRaDevice, error) {
	var devices []types.LoRaDevice
	err := c.doRequest(ctx, http.MethodGet, "/lora-devices", nil, &devices)
	return devices, err
}

func (c *Client) CreateLoRaDevice(ctx context.Context, name string, spec types.LoRaDeviceSpec, labels map[string]string) (types.LoRaDevice, error) {
	var dev types.LoRaDevice
	req := map[string]any{"name": name, "spec": spec, "labels": labels}
	err := c.doRequest(ctx, http.MethodPost, "/lora-devices", req, &dev)
	return dev, err
}

func (c *Client) DeleteLoRaDevice(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/lora-devices/delete", map[string]string{"id": id}, nil)
}

// EnsureDaemon connects to a running daemon at appBaseDir, starting one in
// the background (and restarting it on a version mismatch) if none answers.
func EnsureDaemon(ctx context.Context, appBaseDir, logFile string) error {
	socketPath := filepath.Join(appBaseDir, defaultSocketFile)
	slog.InfoContext(ctx, "ensuring daemon", "socketPath", socketPath)

	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		if err := checkDaemonVersion(ctx, appBaseDir); err != nil {
			slog.InfoContext(ctx, "daemon version mismatch, restarting", "error", err)
			if err := shutdownDaemon(appBaseDir); err != nil {
				slog.WarnContext(ctx, "shutting down stale daemon", "error", err)
			}
		} else {
			return nil
		}
	}

	cmd := exec.Command(os.Args[0], "daemon", "start", "--log-file", logFile)
	slog.InfoContext(ctx, "starting daemon", "cmd", strings.Join(cmd.Args, " "))
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}

	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start")
}

func checkDaemonVersion(ctx context.Context, appBaseDir string) error {
	client := NewClient(appBaseDir)
	daemonVersion, err := client.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get daemon version: %w", err)
	}
	cliVersion := version.Get()
	if !cliVersion.Equal(daemonVersion) {
		return fmt.Errorf("version mismatch: CLI=%s, Daemon=%s", cliVersion.GitCommit, daemonVersion.GitCommit)
	}
	return nil
}

func shutdownDaemon(appBaseDir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return NewClient(appBaseDir).Shutdown(ctx)
}
