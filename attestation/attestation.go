// Package attestation generates and verifies signed statements about the
// host environment a VM ran in: QEMU version, CPU model, hardware
// acceleration availability, and the content digests of the images it
// booted from.
package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/infrasim/vmctld/cryptoutil"
	"github.com/infrasim/vmctld/types"
	"github.com/infrasim/vmctld/vmerr"
)

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Generator produces attestation reports signed with a daemon keypair.
type Generator struct {
	Keys *cryptoutil.KeyPair
	// QemuVersion resolves the local qemu-system binary's version string;
	// overridable so tests don't depend on a real QEMU install.
	QemuVersion func(ctx context.Context) (string, error)
}

// New returns a Generator that signs reports with keys.
func New(keys *cryptoutil.KeyPair) *Generator {
	return &Generator{Keys: keys, QemuVersion: queryQemuVersion}
}

// GenerateReport builds and signs an attestation report for vmID, given the
// qemu args it was launched with and the digests of its attached volumes.
func (g *Generator) GenerateReport(ctx context.Context, vmID string, qemuArgs []string, baseImageHash string, volumeHashes map[string]string) (types.AttestationReport, error) {
	provenance, err := collectHostProvenance(ctx, g.QemuVersion, qemuArgs, baseImageHash, volumeHashes)
	if err != nil {
		return types.AttestationReport{}, err
	}

	digestBytes, err := types.CanonicalJSON(provenance)
	if err != nil {
		return types.AttestationReport{}, vmerr.Attestation("canonicalizing provenance: %v", err)
	}
	digest := hashHex(digestBytes)

	sig := g.Keys.Sign([]byte(digest))

	return types.AttestationReport{
		VmID:            vmID,
		HostProvenance:  provenance,
		Digest:          digest,
		Signature:       sig,
		CreatedAt:       time.Now().Unix(),
		AttestationType: "host_provenance",
	}, nil
}

// VerifyReport checks that report's signature over its digest is valid under
// pub, and that the digest matches a fresh canonicalization of its own
// provenance (guarding against a tampered HostProvenance with an untouched
// signature/digest pair copied from elsewhere).
func VerifyReport(pub ed25519.PublicKey, report types.AttestationReport) error {
	recomputed, err := types.CanonicalJSON(report.HostProvenance)
	if err != nil {
		return vmerr.Attestation("canonicalizing provenance: %v", err)
	}
	if hashHex(recomputed) != report.Digest {
		return vmerr.Attestation("digest does not match provenance contents")
	}
	if err := cryptoutil.VerifyWithKey(pub, []byte(report.Digest), report.Signature); err != nil {
		return vmerr.Attestation("signature verification failed: %v", err)
	}
	return nil
}

func collectHostProvenance(ctx context.Context, versionFunc func(context.Context) (string, error), qemuArgs []string, baseImageHash string, volumeHashes map[string]string) (types.HostProvenance, error) {
	qemuVersion, err := versionFunc(ctx)
	if err != nil {
		return types.HostProvenance{}, err
	}

	hostname, _ := os.Hostname()

	return types.HostProvenance{
		QemuVersion:   qemuVersion,
		QemuArgs:      qemuArgs,
		BaseImageHash: baseImageHash,
		VolumeHashes:  volumeHashes,
		HostOSVersion: runtime.GOOS + "/" + runtime.GOARCH,
		CpuModel:      cpuModel(),
		HvfEnabled:    IsHvfAvailable(),
		Hostname:      hostname,
		Timestamp:     time.Now().Unix(),
	}, nil
}

// ProbeQemuVersion runs `qemu-system-<arch> --version` for the host's native
// architecture, for callers (the daemon-status RPC handler) that need a
// liveness/version check without constructing a full Generator.
func ProbeQemuVersion(ctx context.Context) (string, error) {
	return queryQemuVersion(ctx)
}

func queryQemuVersion(ctx context.Context) (string, error) {
	bin := "qemu-system-" + defaultQemuArch()
	if !IsQemuAvailable(bin) {
		return "", vmerr.QemuNotFound()
	}
	out, err := exec.CommandContext(ctx, bin, "--version").Output()
	if err != nil {
		return "", vmerr.Qemu("querying %s --version: %v", bin, err)
	}
	line := strings.SplitN(string(out), "\n", 2)[0]
	return strings.TrimSpace(line), nil
}

func defaultQemuArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "aarch64"
	case "amd64":
		return "x86_64"
	default:
		return runtime.GOARCH
	}
}

// IsQemuAvailable reports whether the named qemu-system binary is on PATH.
func IsQemuAvailable(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}

// IsHvfAvailable reports whether the host can accelerate QEMU with Apple's
// Hypervisor.framework (macOS/arm64 and macOS/amd64 only).
func IsHvfAvailable() bool {
	return runtime.GOOS == "darwin"
}

// cpuModel returns a best-effort CPU model string; unlike the original's
// macOS-only sysctl probe, this degrades to the Go architecture name on
// platforms without a convenient model string.
func cpuModel() string {
	if runtime.GOOS == "darwin" {
		out, err := exec.Command("sysctl", "-n", "machdep.cpu.brand_string").Output()
		if err == nil {
			return strings.TrimSpace(string(out))
		}
	}
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile("/proc/cpuinfo")
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					parts := strings.SplitN(line, ":", 2)
					if len(parts) == 2 {
						return strings.TrimSpace(parts[1])
					}
				}
			}
		}
	}
	return runtime.GOARCH
}
