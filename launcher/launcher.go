// Package launcher builds QEMU argument vectors from VM/Volume/Network
// specs, launches and supervises the qemu-system process, and drives its QMP
// socket for snapshotting and graceful shutdown.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/infrasim/vmctld/attestation"
	"github.com/infrasim/vmctld/monitor"
	"github.com/infrasim/vmctld/types"
	"github.com/infrasim/vmctld/vmerr"
)

// compatMachine and compatCpu select the slow-but-universal Raspberry Pi 3B
// emulation used when a VmSpec asks for compatibility mode instead of the
// host's normal virt machine.
const (
	compatMachine = "raspi3b"
	compatCpu     = "cortex-a53"
	defaultCpu    = "host"
)

// Launcher starts and supervises qemu-system-* processes.
type Launcher struct {
	// QemuBinary maps an arch (e.g. "aarch64", "x86_64") to the
	// qemu-system-<arch> binary to invoke. Tests override this to avoid
	// depending on a real QEMU install.
	QemuBinary func(arch string) string
	// RunDir holds per-VM QMP sockets.
	RunDir string
	// PreferHvf enables the hvf accelerator on hosts that support it
	// (macOS). Ignored in compatibility mode, which always uses tcg.
	PreferHvf bool

	vncMu   sync.Mutex
	vncUsed map[string]uint16 // vmID -> allocated display index
}

// New returns a Launcher using the conventional qemu-system-<arch> binary
// names and the given run directory for QMP sockets.
func New(runDir string) *Launcher {
	return &Launcher{
		QemuBinary: func(arch string) string { return "qemu-system-" + arch },
		RunDir:     runDir,
		PreferHvf:  true,
		vncUsed:    make(map[string]uint16),
	}
}

func (l *Launcher) qmpSocketPath(vmID string) string {
	return fmt.Sprintf("%s/%s.qmp", l.RunDir, vmID)
}

// BuildArgs constructs the qemu-system argument vector for vm, given its
// resolved volumes (in VolumeIDs order) and networks (in NetworkIDs order).
// extraArgs are appended last, sorted by key for reproducibility.
func (l *Launcher) BuildArgs(vm types.Vm, volumes []types.Volume, networks []types.Network, qmpSocket string, vncDisplay uint16) ([]string, error) {
	spec := vm.Spec

	machine := spec.Machine
	cpu := defaultCpu
	if spec.CompatibilityMode {
		slog.Warn("launcher: using compatibility mode (raspi3b) - this is significantly slower", "vm", vm.Meta.ID)
		machine = compatMachine
		cpu = compatCpu
	}
	args := []string{"-machine", machine}
	if spec.CompatibilityMode {
		args = append(args, "-accel", "tcg")
	} else if l.PreferHvf && attestation.IsHvfAvailable() {
		args = append(args, "-accel", "hvf")
	}
	args = append(args,
		"-cpu", cpu,
		"-smp", fmt.Sprintf("%d", spec.CpuCores),
		"-m", fmt.Sprintf("%dM", spec.MemoryMb),
		"-qmp", "unix:"+qmpSocket+",server,nowait",
	)
	args = append(args, buildFlags(displayOptions{
		Display: "none",
		Vnc:     fmt.Sprintf(":%d", vncDisplay),
	})...)

	// The boot disk must be attached even if it is not present in
	// VolumeIDs (a caller may reference an already-prepared system image by
	// ID without separately listing it as an attached data volume).
	if spec.BootDiskID != nil {
		var bootVol *types.Volume
		for i := range volumes {
			if volumes[i].Meta.ID == *spec.BootDiskID {
				bootVol = &volumes[i]
				break
			}
		}
		if bootVol == nil {
			return nil, vmerr.InvalidConfig("boot_disk_id %s not found among volumes", *spec.BootDiskID)
		}
		if bootVol.Status.LocalPath == nil {
			return nil, vmerr.Volume("volume %s has no local path; has it been prepared?", bootVol.Meta.ID)
		}
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=%s,if=virtio,id=boot", *bootVol.Status.LocalPath, bootVol.Spec.Format))
	}

	for idx, vol := range volumes {
		if spec.BootDiskID != nil && vol.Meta.ID == *spec.BootDiskID {
			continue
		}
		if vol.Status.LocalPath == nil {
			return nil, vmerr.Volume("volume %s has no local path; has it been prepared?", vol.Meta.ID)
		}
		driveArg := fmt.Sprintf("file=%s,format=%s,if=virtio,id=disk%d", *vol.Status.LocalPath, vol.Spec.Format, idx)
		if vol.Spec.ReadOnly {
			driveArg += ",readonly=on"
		}
		args = append(args, "-drive", driveArg)
	}

	if len(networks) == 0 {
		args = append(args, "-netdev", "user,id=net0,hostfwd=tcp::2222-:22", "-device", "virtio-net-pci,netdev=net0")
	} else {
		for i, net := range networks {
			netArgs, err := buildNetdevArgs(net, i)
			if err != nil {
				return nil, err
			}
			args = append(args, netArgs...)
		}
	}

	args = append(args, "-device", "virtio-rng-pci")

	if spec.EnableTpm {
		args = append(args, "-device", "tpm-tis-device")
	}

	if len(spec.ExtraArgs) > 0 {
		keys := make([]string, 0, len(spec.ExtraArgs))
		for k := range spec.ExtraArgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, k, spec.ExtraArgs[k])
		}
	}

	return args, nil
}

// buildNetdevArgs builds the -netdev/-device pair for network at index i.
// hostfwd forwards must give each user-mode network a distinct host port,
// so the port is offset by i rather than reused across every network.
func buildNetdevArgs(n types.Network, index int) ([]string, error) {
	id := fmt.Sprintf("net%d", index)
	switch n.Spec.Mode {
	case types.NetworkModeUser:
		hostPort := 2220 + index
		netdev := fmt.Sprintf("user,id=%s,hostfwd=tcp::%d-:22", id, hostPort)
		return []string{"-netdev", netdev, "-device", "virtio-net-pci,netdev=" + id}, nil
	case types.NetworkModeHostShared, types.NetworkModeHostBridged:
		netdev := fmt.Sprintf("socket,id=%s,listen=:0", id)
		return []string{"-netdev", netdev, "-device", "virtio-net-pci,netdev=" + id}, nil
	default:
		return nil, vmerr.InvalidConfig("unknown network mode %q", n.Spec.Mode)
	}
}

// LaunchResult describes a freshly started QEMU process.
type LaunchResult struct {
	Pid        int
	QmpSocket  string
	VncDisplay uint16
}

// Start launches qemu-system-<arch> for vm and waits for its QMP socket to
// become reachable.
func (l *Launcher) Start(ctx context.Context, vm types.Vm, volumes []types.Volume, networks []types.Network) (LaunchResult, error) {
	if err := os.MkdirAll(l.RunDir, 0o755); err != nil {
		return LaunchResult{}, vmerr.Wrap(vmerr.KindIO, err)
	}
	qmpSocket := l.qmpSocketPath(vm.Meta.ID)
	os.Remove(qmpSocket)

	display, err := l.allocateDisplay(vm.Meta.ID)
	if err != nil {
		return LaunchResult{}, err
	}

	args, err := l.BuildArgs(vm, volumes, networks, qmpSocket, display)
	if err != nil {
		l.releaseDisplay(vm.Meta.ID)
		return LaunchResult{}, err
	}

	bin := l.QemuBinary(vm.Spec.Arch)
	if _, err := exec.LookPath(bin); err != nil {
		l.releaseDisplay(vm.Meta.ID)
		return LaunchResult{}, vmerr.QemuNotFound()
	}

	cmd := exec.CommandContext(context.Background(), bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		l.releaseDisplay(vm.Meta.ID)
		return LaunchResult{}, vmerr.Qemu("starting %s: %v", bin, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	qmp, err := monitor.WaitReady(waitCtx, qmpSocket, 100*time.Millisecond)
	if err != nil {
		cmd.Process.Kill()
		l.releaseDisplay(vm.Meta.ID)
		return LaunchResult{}, vmerr.Wrap(vmerr.KindQmp, fmt.Errorf("waiting for qmp socket: %w", err))
	}
	defer qmp.Close()

	if _, err := qmp.QueryVersion(); err != nil {
		cmd.Process.Kill()
		l.releaseDisplay(vm.Meta.ID)
		return LaunchResult{}, vmerr.Wrap(vmerr.KindQmp, fmt.Errorf("confirming liveness: %w", err))
	}

	return LaunchResult{Pid: cmd.Process.Pid, QmpSocket: qmpSocket, VncDisplay: display}, nil
}

// allocateDisplay picks a free VNC display index for vmID, tracking it for
// the lifetime of the launcher so concurrent Start calls don't collide.
func (l *Launcher) allocateDisplay(vmID string) (uint16, error) {
	l.vncMu.Lock()
	defer l.vncMu.Unlock()
	used := make([]uint16, 0, len(l.vncUsed))
	for _, d := range l.vncUsed {
		used = append(used, d)
	}
	display, err := AllocateVncDisplay(used)
	if err != nil {
		return 0, err
	}
	l.vncUsed[vmID] = display
	return display, nil
}

func (l *Launcher) releaseDisplay(vmID string) {
	l.vncMu.Lock()
	defer l.vncMu.Unlock()
	delete(l.vncUsed, vmID)
}

// IsAlive reports whether a process with the given PID is still running,
// mirroring a zero-signal kill(2) liveness probe.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// Stop asks QEMU to shut down gracefully over QMP, falling back to SIGTERM
// and then SIGKILL if it does not exit within the given grace period.
func (l *Launcher) Stop(ctx context.Context, vmID string, pid int, gracePeriod time.Duration) error {
	qmpSocket := l.qmpSocketPath(vmID)
	if qmp, err := monitor.Dial(ctx, qmpSocket); err == nil {
		qmp.SystemPowerdown()
		qmp.Close()
	}

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			os.Remove(qmpSocket)
			l.releaseDisplay(vmID)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	syscall.Kill(pid, syscall.SIGTERM)
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			os.Remove(qmpSocket)
			l.releaseDisplay(vmID)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && IsAlive(pid) {
		return vmerr.Qemu("failed to kill pid %d: %v", pid, err)
	}
	os.Remove(qmpSocket)
	l.releaseDisplay(vmID)
	return nil
}

// QmpSocketPath returns the QMP socket path for a VM, for callers (the
// reconciler, the RPC façade) that need to dial it directly.
func (l *Launcher) QmpSocketPath(vmID string) string {
	return l.qmpSocketPath(vmID)
}

// allocateVncPort scans for the first unused display index in [0,99],
// mirroring QEMU's own `-vnc :N` numbering (actual TCP port is 5900+N).
func allocateVncPort(used map[uint16]bool) (uint16, error) {
	for i := uint16(0); i < 100; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, vmerr.Internal("no free vnc display slots in [0,99]")
}

// AllocateVncDisplay picks a free VNC display index given the set of
// displays already in use by other consoles.
func AllocateVncDisplay(inUse []uint16) (uint16, error) {
	used := make(map[uint16]bool, len(inUse))
	for _, d := range inUse {
		used[d] = true
	}
	return allocateVncPort(used)
}

// CreateInternalSnapshot saves a combined disk+device-state snapshot under
// tag via the QMP HMP tunnel.
func (l *Launcher) CreateInternalSnapshot(ctx context.Context, vmID, tag string) error {
	qmp, err := monitor.Dial(ctx, l.qmpSocketPath(vmID))
	if err != nil {
		return err
	}
	defer qmp.Close()
	return qmp.SaveSnapshot(tag)
}

// RestoreInternalSnapshot restores a previously saved internal snapshot. The
// VM must already be running with its QMP socket reachable; restoring a
// stopped VM's snapshot is rejected by the RPC restore-snapshot handler
// before this is called.
func (l *Launcher) RestoreInternalSnapshot(ctx context.Context, vmID, tag string) error {
	qmp, err := monitor.Dial(ctx, l.qmpSocketPath(vmID))
	if err != nil {
		return err
	}
	defer qmp.Close()
	return qmp.LoadSnapshot(tag)
}

// CreateMemorySnapshot pauses the guest, dumps its RAM to path, and resumes
// it. A failure in Stop is returned before the guest is paused. A failure in
// DumpGuestMemory leaves the guest paused, since the safe recovery in that
// case is operator inspection, not a blind Cont; a failure in Cont itself is
// returned to the caller with the guest already paused, for the same reason.
func (l *Launcher) CreateMemorySnapshot(ctx context.Context, vmID, path string) error {
	qmp, err := monitor.Dial(ctx, l.qmpSocketPath(vmID))
	if err != nil {
		return err
	}
	defer qmp.Close()

	if err := qmp.Stop(); err != nil {
		return vmerr.Wrap(vmerr.KindSnapshot, err)
	}
	if err := qmp.DumpGuestMemory(path, true); err != nil {
		return vmerr.Wrap(vmerr.KindSnapshot, err)
	}
	if err := qmp.Cont(); err != nil {
		return vmerr.Wrap(vmerr.KindSnapshot, err)
	}
	return nil
}

// QueryStatus reports the VM's current QMP-observed run state.
func (l *Launcher) QueryStatus(ctx context.Context, vmID string) (monitor.StatusResult, error) {
	qmp, err := monitor.Dial(ctx, l.qmpSocketPath(vmID))
	if err != nil {
		return monitor.StatusResult{}, err
	}
	defer qmp.Close()
	return qmp.QueryStatus()
}
