// Package types holds the resource data model shared by the store, the
// launcher, the reconciler and the RPC façade.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceMeta is the metadata block common to every resource kind.
type ResourceMeta struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
	Generation  int64             `json:"generation"`
}

// NewResourceMeta returns metadata for a freshly created resource, generating
// a new random ID and stamping the current time.
func NewResourceMeta(name string) ResourceMeta {
	now := time.Now().Unix()
	return ResourceMeta{
		ID:         uuid.NewString(),
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
		Generation: 1,
	}
}

// Touch bumps UpdatedAt and Generation in place, mirroring an update.
func (m *ResourceMeta) Touch() {
	m.UpdatedAt = time.Now().Unix()
	m.Generation++
}

// VmState is the lifecycle state of a virtual machine.
type VmState string

const (
	VmStatePending VmState = "pending"
	VmStateRunning VmState = "running"
	VmStateStopped VmState = "stopped"
	VmStatePaused  VmState = "paused"
	VmStateError   VmState = "error"
)

// NetworkMode selects how a virtual NIC reaches the outside world. The names
// deliberately avoid the macOS vmnet-specific vocabulary since this daemon
// targets the portable QEMU user/socket networking backends.
type NetworkMode string

const (
	NetworkModeUser        NetworkMode = "user"
	NetworkModeHostShared  NetworkMode = "host_shared"
	NetworkModeHostBridged NetworkMode = "host_bridged"
)

// VolumeKind distinguishes a plain disk image from a read-mostly model weight
// volume. Both kinds go through the same preparation and attachment path.
type VolumeKind string

const (
	VolumeKindDisk    VolumeKind = "disk"
	VolumeKindWeights VolumeKind = "weights"
)

// VmSpec is the desired configuration of a virtual machine.
type VmSpec struct {
	Arch              string            `json:"arch"`
	Machine           string            `json:"machine"`
	CpuCores          uint32            `json:"cpu_cores"`
	MemoryMb          uint64            `json:"memory_mb"`
	VolumeIDs         []string          `json:"volume_ids,omitempty"`
	NetworkIDs        []string          `json:"network_ids,omitempty"`
	QosProfileID      *string           `json:"qos_profile_id,omitempty"`
	EnableTpm         bool              `json:"enable_tpm"`
	BootDiskID        *string           `json:"boot_disk_id,omitempty"`
	ExtraArgs         map[string]string `json:"extra_args,omitempty"`
	CompatibilityMode bool              `json:"compatibility_mode"`
}

// DefaultVmSpec returns the spec defaults used when fields are left zero.
func DefaultVmSpec() VmSpec {
	return VmSpec{
		Arch:     "aarch64",
		Machine:  "virt",
		CpuCores: 2,
		MemoryMb: 2048,
	}
}

// VmStatus is the observed state of a virtual machine.
type VmStatus struct {
	State         VmState `json:"state"`
	QemuPid       *int    `json:"qemu_pid,omitempty"`
	QmpSocket     *string `json:"qmp_socket,omitempty"`
	VncDisplay    *string `json:"vnc_display,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// Vm is a virtual machine resource.
type Vm struct {
	Meta   ResourceMeta `json:"meta"`
	Spec   VmSpec       `json:"spec"`
	Status VmStatus     `json:"status"`
}

// NetworkSpec is the desired configuration of a virtual network.
type NetworkSpec struct {
	Mode        NetworkMode `json:"mode"`
	Cidr        string      `json:"cidr"`
	Gateway     *string     `json:"gateway,omitempty"`
	Dns         *string     `json:"dns,omitempty"`
	DhcpEnabled bool        `json:"dhcp_enabled"`
	Mtu         uint32      `json:"mtu"`
}

// DefaultNetworkSpec returns the conventional /24 NAT network defaults.
func DefaultNetworkSpec() NetworkSpec {
	gw := "10.42.0.1"
	dns := "10.42.0.1"
	return NetworkSpec{
		Mode:        NetworkModeUser,
		Cidr:        "10.42.0.0/24",
		Gateway:     &gw,
		Dns:         &dns,
		DhcpEnabled: true,
		Mtu:         1500,
	}
}

// NetworkStatus is the observed state of a virtual network.
type NetworkStatus struct {
	Active          bool    `json:"active"`
	BridgeInterface *string `json:"bridge_interface,omitempty"`
	ConnectedVms    uint32  `json:"connected_vms"`
}

// Network is a virtual network resource.
type Network struct {
	Meta   ResourceMeta  `json:"meta"`
	Spec   NetworkSpec   `json:"spec"`
	Status NetworkStatus `json:"status"`
}

// QosProfileSpec describes the traffic-shaping knobs applied to a VM's
// network traffic.
type QosProfileSpec struct {
	LatencyMs         uint32  `json:"latency_ms"`
	JitterMs          uint32  `json:"jitter_ms"`
	LossPercent       float32 `json:"loss_percent"`
	RateLimitMbps     uint32  `json:"rate_limit_mbps"`
	PacketPaddingBytes uint32 `json:"packet_padding_bytes"`
	BurstShaping      bool    `json:"burst_shaping"`
	BurstSizeKb       uint32  `json:"burst_size_kb"`
}

// QosProfile is a reusable named traffic-shaping profile.
type QosProfile struct {
	Meta ResourceMeta   `json:"meta"`
	Spec QosProfileSpec `json:"spec"`
}

// IntegrityConfig describes how a volume's content should be verified after
// being fetched into local storage.
type IntegrityConfig struct {
	Scheme         string  `json:"scheme"`
	PublicKey      []byte  `json:"public_key,omitempty"`
	Signature      []byte  `json:"signature,omitempty"`
	ExpectedDigest *string `json:"expected_digest,omitempty"`
}

// VolumeSpec is the desired configuration of a disk or weights volume.
type VolumeSpec struct {
	Kind       VolumeKind      `json:"kind"`
	Source     string          `json:"source"`
	Integrity  IntegrityConfig `json:"integrity"`
	ReadOnly   bool            `json:"read_only"`
	SizeBytes  *uint64         `json:"size_bytes,omitempty"`
	Format     string          `json:"format"`
	Overlay    bool            `json:"overlay"`
}

// DefaultVolumeSpec returns the qcow2-format default.
func DefaultVolumeSpec() VolumeSpec {
	return VolumeSpec{Kind: VolumeKindDisk, Format: "qcow2"}
}

// VolumeStatus is the observed state of a volume after preparation.
type VolumeStatus struct {
	Ready      bool    `json:"ready"`
	LocalPath  *string `json:"local_path,omitempty"`
	Digest     *string `json:"digest,omitempty"`
	ActualSize uint64  `json:"actual_size"`
	Verified   bool    `json:"verified"`
}

// Volume is a disk or weights volume resource.
type Volume struct {
	Meta   ResourceMeta `json:"meta"`
	Spec   VolumeSpec   `json:"spec"`
	Status VolumeStatus `json:"status"`
}

// ConsoleSpec is the desired configuration of a VM's VNC/web console.
type ConsoleSpec struct {
	VmID      string  `json:"vm_id"`
	EnableVnc bool    `json:"enable_vnc"`
	VncPort   *uint16 `json:"vnc_port,omitempty"`
	EnableWeb bool    `json:"enable_web"`
	WebPort   *uint16 `json:"web_port,omitempty"`
	AuthToken *string `json:"auth_token,omitempty"`
}

// ConsoleStatus is the observed state of a console.
type ConsoleStatus struct {
	Active          bool    `json:"active"`
	VncHost         *string `json:"vnc_host,omitempty"`
	VncPort         *uint16 `json:"vnc_port,omitempty"`
	WebUrl          *string `json:"web_url,omitempty"`
	ConnectedClients uint32 `json:"connected_clients"`
}

// Console is a VM console resource.
type Console struct {
	Meta   ResourceMeta  `json:"meta"`
	Spec   ConsoleSpec   `json:"spec"`
	Status ConsoleStatus `json:"status"`
}

// SnapshotSpec describes a requested VM snapshot.
type SnapshotSpec struct {
	VmID          string  `json:"vm_id"`
	IncludeMemory bool    `json:"include_memory"`
	IncludeDisk   bool    `json:"include_disk"`
	Description   *string `json:"description,omitempty"`
}

// SnapshotStatus is the observed state of a snapshot.
type SnapshotStatus struct {
	Complete           bool    `json:"complete"`
	DiskSnapshotPath   *string `json:"disk_snapshot_path,omitempty"`
	MemorySnapshotPath *string `json:"memory_snapshot_path,omitempty"`
	Digest             *string `json:"digest,omitempty"`
	SizeBytes          uint64  `json:"size_bytes"`
	Encrypted          bool    `json:"encrypted"`
}

// Snapshot is a point-in-time VM snapshot resource.
type Snapshot struct {
	Meta   ResourceMeta   `json:"meta"`
	Spec   SnapshotSpec   `json:"spec"`
	Status SnapshotStatus `json:"status"`
}

// BenchmarkSpec describes a requested benchmark run against a VM.
type BenchmarkSpec struct {
	VmID           string            `json:"vm_id"`
	SuiteName      string            `json:"suite_name"`
	TestNames      []string          `json:"test_names,omitempty"`
	TimeoutSeconds uint32            `json:"timeout_seconds"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// BenchmarkResult is a single test outcome within a benchmark run.
type BenchmarkResult struct {
	TestName   string            `json:"test_name"`
	Passed     bool              `json:"passed"`
	Score      float64           `json:"score"`
	Unit       string            `json:"unit"`
	DurationMs uint64            `json:"duration_ms"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// BenchmarkReceipt is the signed proof of a completed benchmark run.
type BenchmarkReceipt struct {
	RunID           string `json:"run_id"`
	Digest          string `json:"digest"`
	Signature       []byte `json:"signature"`
	Timestamp       int64  `json:"timestamp"`
	SignerPublicKey string `json:"signer_public_key"`
}

// BenchmarkRun is a recorded benchmark execution against a VM.
type BenchmarkRun struct {
	Meta          ResourceMeta      `json:"meta"`
	Spec          BenchmarkSpec     `json:"spec"`
	Results       []BenchmarkResult `json:"results,omitempty"`
	Receipt       *BenchmarkReceipt `json:"receipt,omitempty"`
	AttestationID *string           `json:"attestation_id,omitempty"`
}

// HostProvenance captures the host-side facts an attestation report vouches
// for.
type HostProvenance struct {
	QemuVersion   string            `json:"qemu_version"`
	QemuArgs      []string          `json:"qemu_args"`
	BaseImageHash string            `json:"base_image_hash"`
	VolumeHashes  map[string]string `json:"volume_hashes"`
	HostOSVersion string            `json:"host_os_version"`
	CpuModel      string            `json:"cpu_model"`
	HvfEnabled    bool              `json:"hvf_enabled"`
	Hostname      string            `json:"hostname"`
	Timestamp     int64             `json:"timestamp"`
}

// AttestationReport is a signed statement about the runtime environment a VM
// executed in.
type AttestationReport struct {
	ID              string         `json:"id"`
	VmID            string         `json:"vm_id"`
	HostProvenance  HostProvenance `json:"host_provenance"`
	Digest          string         `json:"digest"`
	Signature       []byte         `json:"signature"`
	CreatedAt       int64          `json:"created_at"`
	AttestationType string         `json:"attestation_type"`
}

// LoRaDeviceSpec describes a simulated LoRaWAN end device attached to a VM.
type LoRaDeviceSpec struct {
	VmID             string  `json:"vm_id"`
	Region           string  `json:"region"`
	DeviceEui        string  `json:"device_eui"`
	AppEui           string  `json:"app_eui"`
	AppKey           []byte  `json:"app_key"`
	SpreadingFactor  uint32  `json:"spreading_factor"`
	BandwidthKhz     uint32  `json:"bandwidth_khz"`
	LossRate         float32 `json:"loss_rate"`
	LatencyMs        uint32  `json:"latency_ms"`
}

// DefaultLoRaDeviceSpec returns the SF7/125kHz defaults.
func DefaultLoRaDeviceSpec() LoRaDeviceSpec {
	return LoRaDeviceSpec{SpreadingFactor: 7, BandwidthKhz: 125}
}

// LoRaDeviceStatus is the observed state of a simulated LoRaWAN device.
type LoRaDeviceStatus struct {
	Connected       bool    `json:"connected"`
	PacketsSent     uint64  `json:"packets_sent"`
	PacketsReceived uint64  `json:"packets_received"`
	RssiDbm         float32 `json:"rssi_dbm"`
	SnrDb           float32 `json:"snr_db"`
}

// LoRaDevice is a simulated LoRaWAN end device resource.
type LoRaDevice struct {
	Meta   ResourceMeta     `json:"meta"`
	Spec   LoRaDeviceSpec   `json:"spec"`
	Status LoRaDeviceStatus `json:"status"`
}

// RunManifest binds together the digests that make up one reproducible VM
// run, for content-addressed storage and signing.
type RunManifest struct {
	VmConfigDigest        string            `json:"vm_config_digest"`
	ImageDigests          map[string]string `json:"image_digests"`
	VolumeDigests         map[string]string `json:"volume_digests"`
	BenchmarkSuiteDigest  *string           `json:"benchmark_suite_digest,omitempty"`
	AttestationDigest     *string           `json:"attestation_digest,omitempty"`
	Timestamp             int64             `json:"timestamp"`
}

// CanonicalJSON renders the manifest with alphabetically sorted keys and no
// floating point values, so the same manifest always hashes to the same
// digest regardless of struct field order or map iteration order.
func (m RunManifest) CanonicalJSON() ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"attestation_digest":     m.AttestationDigest,
		"benchmark_suite_digest": m.BenchmarkSuiteDigest,
		"image_digests":          m.ImageDigests,
		"timestamp":              m.Timestamp,
		"vm_config_digest":       m.VmConfigDigest,
		"volume_digests":         m.VolumeDigests,
	})
}

// CanonicalJSON marshals v with object keys sorted alphabetically at every
// nesting level. encoding/json sorts map[string]X keys but emits struct
// fields in declaration order, so v is marshalled, decoded into generic maps,
// and marshalled again; structs and maps both come out sorted.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical json: normalize: %w", err)
	}
	return json.Marshal(generic)
}
