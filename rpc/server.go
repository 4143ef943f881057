// Package rpc exposes the daemon's resource CRUD and VM lifecycle
// operations over HTTP-over-Unix-domain-socket, guarded by a flock'd lock
// file so only one daemon instance runs against a given store directory at
// a time.
package rpc

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/infrasim/vmctld/attestation"
	"github.com/infrasim/vmctld/launcher"
	"github.com/infrasim/vmctld/reconcile"
	"github.com/infrasim/vmctld/store"
	"github.com/infrasim/vmctld/types"
	"github.com/infrasim/vmctld/version"
	"github.com/infrasim/vmctld/vmerr"
)

const (
	defaultSocketFile = "vmctld.sock"
	defaultLockFile   = "vmctld.lock"
)

var tracer = otel.Tracer("github.com/infrasim/vmctld/rpc")

// Server is the daemon-side RPC façade: one Unix socket listener backed by
// the store, the launcher, the reconciler, and the attestation generator.
type Server struct {
	AppBaseDir string
	SocketPath string
	StorePath  string

	DB          *store.DB
	Launcher    *launcher.Launcher
	Reconciler  *reconcile.Reconciler
	Attestation *attestation.Generator
	SigningKey  ed25519.PublicKey

	startedAt time.Time
	listener  net.Listener
	lockFile  *os.File
	shutdown  chan any
}

// NewServer returns a Server listening on the conventional socket path
// under appBaseDir.
func NewServer(appBaseDir string, db *store.DB, l *launcher.Launcher, rec *reconcile.Reconciler, att *attestation.Generator) *Server {
	return &Server{
		AppBaseDir:  appBaseDir,
		SocketPath:  filepath.Join(appBaseDir, defaultSocketFile),
		StorePath:   appBaseDir,
		DB:          db,
		Launcher:    l,
		Reconciler:  rec,
		Attestation: att,
		startedAt:   time.Now(),
	}
}

// NewClient returns a client dialing this server's socket.
func (s *Server) NewClient(ctx context.Context) (*Client, error) {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", s.SocketPath)
			},
		},
	}
	return &Client{SocketPath: s.SocketPath, httpClient: httpClient}, nil
}

// ServeUnix acquires the daemon lock and blocks serving the Unix socket
// until Shutdown is called or the process receives SIGINT/SIGTERM.
func (s *Server) ServeUnix(ctx context.Context) error {
	lockFilePath := filepath.Join(s.AppBaseDir, defaultLockFile)
	lockFile, err := acquireLock(lockFilePath)
	if err != nil {
		return err
	}
	s.lockFile = lockFile

	return s.startDaemonServer(ctx)
}

func (s *Server) startDaemonServer(ctx context.Context) error {
	os.Remove(s.SocketPath)

	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return vmerr.Wrap(vmerr.KindIO, err)
	}
	s.listener = listener
	s.shutdown = make(chan any)

	go s.waitForShutdown(ctx)
	go s.Reconciler.Run(ctx)
	go s.serveHTTP(ctx)

	<-s.shutdown
	return nil
}

func (s *Server) waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		s.Shutdown(ctx)
	case <-sigChan:
		s.Shutdown(ctx)
	case <-s.shutdown:
	}
}

// Shutdown stops accepting connections, releases the daemon lock, and
// signals startDaemonServer to return.
func (s *Server) Shutdown(ctx context.Context) {
	lockFilePath := filepath.Join(s.AppBaseDir, defaultLockFile)

	slog.InfoContext(ctx, "rpc: shutting down", "pid", os.Getpid())
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.SocketPath)

	if s.lockFile != nil {
		syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
		s.lockFile.Close()
		if err := os.Remove(lockFilePath); err != nil {
			slog.ErrorContext(ctx, "rpc: removing lock file", "error", err)
		}
	}

	close(s.shutdown)
}

func (s *Server) serveHTTP(ctx context.Context) {
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/daemon-status", s.handleDaemonStatus)
	mux.HandleFunc("/drift", s.handleDrift)

	mux.HandleFunc("/vms", s.traced("vms", s.handleVms))
	mux.HandleFunc("/vms/get", s.traced("vms.get", s.handleVmGet))
	mux.HandleFunc("/vms/delete", s.traced("vms.delete", s.handleVmDelete))
	mux.HandleFunc("/vms/start", s.traced("vms.start", s.handleVmStart))
	mux.HandleFunc("/vms/stop", s.traced("vms.stop", s.handleVmStop))
	mux.HandleFunc("/vms/restore-snapshot", s.traced("vms.restoreSnapshot", s.handleVmRestoreSnapshot))
	mux.HandleFunc("/vms/attestation", s.traced("vms.attestation", s.handleVmAttestation))
	mux.HandleFunc("/vms/attestation/history", s.traced("vms.attestationHistory", s.handleVmAttestationHistory))

	mux.HandleFunc("/networks", s.traced("networks", s.handleNetworks))
	mux.HandleFunc("/networks/get", s.traced("networks.get", s.handleNetworkGet))
	mux.HandleFunc("/networks/delete", s.traced("networks.delete", s.handleNetworkDelete))

	mux.HandleFunc("/volumes", s.traced("volumes", s.handleVolumes))
	mux.HandleFunc("/volumes/get", s.traced("volumes.get", s.handleVolumeGet))
	mux.HandleFunc("/volumes/delete", s.traced("volumes.delete", s.handleVolumeDelete))

	mux.HandleFunc("/qos-profiles", s.traced("qosProfiles", s.handleQosProfiles))
	mux.HandleFunc("/qos-profiles/delete", s.traced("qosProfiles.delete", s.handleQosProfileDelete))

	mux.HandleFunc("/snapshots", s.traced("snapshots", s.handleSnapshots))
	mux.HandleFunc("/snapshots/delete", s.traced("snapshots.delete", s.handleSnapshotDelete))

	mux.HandleFunc("/benchmark-runs", s.traced("benchmarkRuns", s.handleBenchmarkRuns))
	mux.HandleFunc("/benchmark-runs/get", s.traced("benchmarkRuns.get", s.handleBenchmarkRunGet))

	mux.HandleFunc("/lora-devices", s.traced("loraDevices", s.handleLoRaDevices))
	mux.HandleFunc("/lora-devices/delete", s.traced("loraDevices.delete", s.handleLoRaDeviceDelete))

	server := &http.Server{Handler: mux}
	server.Serve(s.listener)
}

// traced wraps a handler with an OpenTelemetry server span named after the
// operation. The reconciler creates no spans of its own.
func (s *Server) traced(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), name, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		h(w, r.WithContext(ctx))
	}
}

func writeJSONError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeErr maps a vmerr.Error's Kind to the matching HTTP status code.
func writeErr(w http.ResponseWriter, err error) {
	writeJSONError(w, err, vmerr.Code(err).HTTPStatus())
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "pong"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, version.Get())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Shutdown(r.Context())
	}()
}

// HealthResponse is the daemon's minimal liveness payload (§6).
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Version       string `json:"version"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

// DaemonStatus summarizes the daemon's overall health for the CLI (§6).
type DaemonStatus struct {
	RunningVms         int    `json:"running_vms"`
	TotalVms           int    `json:"total_vms"`
	StorePath          string `json:"store_path"`
	HypervisorAvailable bool  `json:"hypervisor_available"`
	HypervisorVersion  string `json:"hypervisor_version"`
	AccelAvailable     bool   `json:"accel_available"`

	// Pid is not part of the spec's DaemonStatus but is useful for `daemon
	// status` output and costs nothing to include.
	Pid int `json:"pid"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.DB.Conn().PingContext(r.Context()) == nil
	writeJSON(w, HealthResponse{
		Healthy:       healthy,
		Version:       version.Get().GitCommit,
		UptimeSeconds: uint64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	vms, err := s.DB.ListVms()
	if err != nil {
		writeErr(w, err)
		return
	}
	running := 0
	for _, vm := range vms {
		if vm.Status.State == types.VmStateRunning {
			running++
		}
	}

	hvVersion, hvErr := attestation.ProbeQemuVersion(r.Context())
	writeJSON(w, DaemonStatus{
		RunningVms:          running,
		TotalVms:            len(vms),
		StorePath:           s.StorePath,
		HypervisorAvailable: hvErr == nil,
		HypervisorVersion:   hvVersion,
		AccelAvailable:      attestation.IsHvfAvailable(),
		Pid:                 os.Getpid(),
	})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	drifts, err := s.Reconciler.DetectDrift(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, drifts)
}

func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(r.Body).Decode(&v)
	return v, err
}

func queryID(r *http.Request) (string, error) {
	id := r.URL.Query().Get("id")
	if id == "" {
		return "", fmt.Errorf("missing id query parameter")
	}
	return id, nil
}

func acquireLock(lockFile string) (*os.File, error) {
	file, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindIO, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, vmerr.InvalidConfig("daemon already running against %s", lockFile)
	}

	file.Truncate(0)
	fmt.Fprintf(file, "%d", os.Getpid())
	return file, nil
}
