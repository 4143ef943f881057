package launcher

import (
	"os"
	"strings"
	"testing"

	"github.com/infrasim/vmctld/types"
)

func TestBuildArgsIncludesBootVolumeNotInVolumeIDs(t *testing.T) {
	l := New(t.TempDir())
	bootPath := "/var/lib/vmctld/boot.qcow2"
	bootID := "boot-vol"

	vm := types.Vm{
		Meta: types.ResourceMeta{ID: "vm-1"},
		Spec: types.VmSpec{
			Arch: "aarch64", Machine: "virt", CpuCores: 2, MemoryMb: 2048,
			BootDiskID: &bootID,
		},
	}
	volumes := []types.Volume{
		{
			Meta:   types.ResourceMeta{ID: bootID},
			Spec:   types.VolumeSpec{Format: "qcow2"},
			Status: types.VolumeStatus{LocalPath: &bootPath},
		},
	}

	args, err := l.BuildArgs(vm, volumes, nil, "/tmp/vm-1.qmp", 0)
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, bootPath) {
		t.Errorf("expected boot volume path %q in args, got: %s", bootPath, joined)
	}
	if !strings.Contains(joined, "id=boot") {
		t.Errorf("expected id=boot on boot drive, got: %s", joined)
	}
}

func TestBuildArgsDoesNotDuplicateBootVolume(t *testing.T) {
	l := New(t.TempDir())
	path := "/disk.qcow2"
	id := "vol-1"
	vm := types.Vm{
		Spec: types.VmSpec{
			Arch: "aarch64", Machine: "virt", CpuCores: 1, MemoryMb: 512,
			VolumeIDs: []string{id}, BootDiskID: &id,
		},
	}
	volumes := []types.Volume{
		{Meta: types.ResourceMeta{ID: id}, Spec: types.VolumeSpec{Format: "qcow2"}, Status: types.VolumeStatus{LocalPath: &path}},
	}

	args, err := l.BuildArgs(vm, volumes, nil, "/tmp/x.qmp", 0)
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}
	count := strings.Count(strings.Join(args, " "), path)
	if count != 1 {
		t.Errorf("expected volume referenced exactly once, got %d", count)
	}
}

func TestBuildArgsCompatibilityModeUsesRaspi3b(t *testing.T) {
	l := New(t.TempDir())
	vm := types.Vm{
		Meta: types.ResourceMeta{ID: "vm-1"},
		Spec: types.VmSpec{
			Arch: "aarch64", Machine: "virt", CpuCores: 1, MemoryMb: 1024,
			CompatibilityMode: true,
		},
	}

	args, err := l.BuildArgs(vm, nil, nil, "/tmp/vm-1.qmp", 0)
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-machine raspi3b") {
		t.Errorf("expected raspi3b machine in compatibility mode, got: %s", joined)
	}
	if !strings.Contains(joined, "-cpu cortex-a53") {
		t.Errorf("expected cortex-a53 cpu in compatibility mode, got: %s", joined)
	}
	if !strings.Contains(joined, "-accel tcg") {
		t.Errorf("expected tcg accel in compatibility mode, got: %s", joined)
	}
}

func TestBuildArgsMemorySuffixAndDefaults(t *testing.T) {
	l := New(t.TempDir())
	vm := types.Vm{
		Meta: types.ResourceMeta{ID: "vm-1"},
		Spec: types.VmSpec{Arch: "aarch64", Machine: "virt", CpuCores: 2, MemoryMb: 2048},
	}

	args, err := l.BuildArgs(vm, nil, nil, "/tmp/vm-1.qmp", 0)
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-m 2048M") {
		t.Errorf("expected -m 2048M, got: %s", joined)
	}
	if !strings.Contains(joined, "-netdev user,id=net0,hostfwd=tcp::2222-:22") {
		t.Errorf("expected default user-mode netdev on port 2222, got: %s", joined)
	}
	if !strings.Contains(joined, "-device virtio-rng-pci") {
		t.Errorf("expected virtio-rng-pci device, got: %s", joined)
	}
}

func TestHostfwdPortsDistinctPerNetwork(t *testing.T) {
	net0, err := buildNetdevArgs(types.Network{Spec: types.NetworkSpec{Mode: types.NetworkModeUser}}, 0)
	if err != nil {
		t.Fatalf("buildNetdevArgs(0): %v", err)
	}
	net11, err := buildNetdevArgs(types.Network{Spec: types.NetworkSpec{Mode: types.NetworkModeUser}}, 11)
	if err != nil {
		t.Fatalf("buildNetdevArgs(11): %v", err)
	}

	if !strings.Contains(net0[1], "2220-:22") {
		t.Errorf("expected host port 2220 for index 0, got %s", net0[1])
	}
	if !strings.Contains(net11[1], "2231-:22") {
		t.Errorf("expected host port 2231 for index 11 (not a string concat collision), got %s", net11[1])
	}
}

func TestAllocateVncDisplaySkipsUsed(t *testing.T) {
	d, err := AllocateVncDisplay([]uint16{0, 1, 2})
	if err != nil {
		t.Fatalf("AllocateVncDisplay: %v", err)
	}
	if d != 3 {
		t.Errorf("AllocateVncDisplay() = %d, want 3", d)
	}
}

func TestIsAliveCurrentProcess(t *testing.T) {
	// The test process itself is always alive.
	if !IsAlive(os.Getpid()) {
		t.Error("expected current process to report alive")
	}
	if IsAlive(0) {
		t.Error("pid 0 should not be considered a valid target")
	}
}
