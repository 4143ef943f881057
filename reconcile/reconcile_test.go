package reconcile

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/infrasim/vmctld/registry"
	"github.com/infrasim/vmctld/store"
	"github.com/infrasim/vmctld/types"
)

func testContext() context.Context { return context.Background() }

func newTestReconciler(t *testing.T) (*Reconciler, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg := registry.New()
	return New(db, nil, nil, reg, time.Second), db
}

func TestDetectDriftUnexpectedStopped(t *testing.T) {
	r, db := newTestReconciler(t)

	vm, err := db.CreateVm("vm-1", types.DefaultVmSpec(), nil)
	if err != nil {
		t.Fatalf("CreateVm: %v", err)
	}
	status := vm.Status
	status.State = types.VmStateRunning
	if err := db.UpdateVmStatus(vm.Meta.ID, status); err != nil {
		t.Fatalf("UpdateVmStatus: %v", err)
	}

	drifts, err := r.DetectDrift(testContext())
	if err != nil {
		t.Fatalf("DetectDrift: %v", err)
	}
	if len(drifts) != 1 || drifts[0].Type != DriftUnexpectedStopped {
		t.Fatalf("drifts = %+v, want one DriftUnexpectedStopped", drifts)
	}
}

func TestDetectDriftUnexpectedRunning(t *testing.T) {
	r, db := newTestReconciler(t)

	vm, err := db.CreateVm("vm-1", types.DefaultVmSpec(), nil)
	if err != nil {
		t.Fatalf("CreateVm: %v", err)
	}
	// CreateVm sets vm.Status.State to "pending" (not running); register a live process
	// (our own pid) for it to simulate an orphaned running process.
	r.Registry.Register(registry.VmProcess{VmID: vm.Meta.ID, Pid: os.Getpid()})

	drifts, err := r.DetectDrift(testContext())
	if err != nil {
		t.Fatalf("DetectDrift: %v", err)
	}
	found := false
	for _, d := range drifts {
		if d.Type == DriftUnexpectedRunning {
			found = true
		}
	}
	if !found {
		t.Fatalf("drifts = %+v, want a DriftUnexpectedRunning", drifts)
	}
}

func TestDetectDriftResourceMissing(t *testing.T) {
	r, db := newTestReconciler(t)

	spec := types.DefaultVmSpec()
	spec.VolumeIDs = []string{"does-not-exist"}
	vm, err := db.CreateVm("vm-1", spec, nil)
	if err != nil {
		t.Fatalf("CreateVm: %v", err)
	}
	_ = vm

	drifts, err := r.DetectDrift(testContext())
	if err != nil {
		t.Fatalf("DetectDrift: %v", err)
	}
	found := false
	for _, d := range drifts {
		if d.Type == DriftResourceMissing {
			found = true
		}
	}
	if !found {
		t.Fatalf("drifts = %+v, want a DriftResourceMissing", drifts)
	}
}

func TestReconcileOneVmPromotesPendingWhenVolumesReady(t *testing.T) {
	r, db := newTestReconciler(t)

	vol, err := db.CreateVolume("boot", types.VolumeSpec{Format: "qcow2"}, nil)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if err := db.UpdateVolumeStatus(vol.Meta.ID, types.VolumeStatus{Ready: true}); err != nil {
		t.Fatalf("UpdateVolumeStatus: %v", err)
	}

	spec := types.DefaultVmSpec()
	spec.BootDiskID = &vol.Meta.ID
	vm, err := db.CreateVm("vm-1", spec, nil)
	if err != nil {
		t.Fatalf("CreateVm: %v", err)
	}
	status := vm.Status
	status.State = types.VmStatePending
	if err := db.UpdateVmStatus(vm.Meta.ID, status); err != nil {
		t.Fatalf("UpdateVmStatus: %v", err)
	}
	vm, _, err = db.GetVm(vm.Meta.ID)
	if err != nil {
		t.Fatalf("GetVm: %v", err)
	}

	r.reconcileOneVm(testContext(), vm)

	got, _, err := db.GetVm(vm.Meta.ID)
	if err != nil {
		t.Fatalf("GetVm: %v", err)
	}
	if got.Status.State != types.VmStateRunning {
		t.Errorf("State = %q, want %q", got.Status.State, types.VmStateRunning)
	}
}

func TestReconcileOneVmPendingWaitsOnUnreadyVolumes(t *testing.T) {
	r, db := newTestReconciler(t)

	vol, err := db.CreateVolume("boot", types.VolumeSpec{Format: "qcow2"}, nil)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	// Not marked ready.

	spec := types.DefaultVmSpec()
	spec.BootDiskID = &vol.Meta.ID
	vm, err := db.CreateVm("vm-1", spec, nil)
	if err != nil {
		t.Fatalf("CreateVm: %v", err)
	}
	status := vm.Status
	status.State = types.VmStatePending
	if err := db.UpdateVmStatus(vm.Meta.ID, status); err != nil {
		t.Fatalf("UpdateVmStatus: %v", err)
	}
	vm, _, err = db.GetVm(vm.Meta.ID)
	if err != nil {
		t.Fatalf("GetVm: %v", err)
	}

	r.reconcileOneVm(testContext(), vm)

	got, _, err := db.GetVm(vm.Meta.ID)
	if err != nil {
		t.Fatalf("GetVm: %v", err)
	}
	if got.Status.State != types.VmStatePending {
		t.Errorf("State = %q, want still %q while volume is not ready", got.Status.State, types.VmStatePending)
	}
}

func TestDetectDriftNoneWhenConsistent(t *testing.T) {
	r, db := newTestReconciler(t)
	if _, err := db.CreateVm("vm-1", types.DefaultVmSpec(), nil); err != nil {
		t.Fatalf("CreateVm: %v", err)
	}
	drifts, err := r.DetectDrift(testContext())
	if err != nil {
		t.Fatalf("DetectDrift: %v", err)
	}
	if len(drifts) != 0 {
		t.Fatalf("drifts = %+v, want none", drifts)
	}
}
