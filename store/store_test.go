package store

import (
	"testing"

	"github.com/infrasim/vmctld/types"
)

func TestVmCrud(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	spec := types.DefaultVmSpec()
	vm, err := db.CreateVm("web-1", spec, map[string]string{"env": "test"})
	if err != nil {
		t.Fatalf("CreateVm: %v", err)
	}
	if vm.Meta.ID == "" {
		t.Fatal("expected a generated ID")
	}

	_, err = db.CreateVm("web-1", spec, nil)
	if err == nil {
		t.Fatal("expected AlreadyExists creating a duplicate name")
	}

	got, ok, err := db.GetVm(vm.Meta.ID)
	if err != nil || !ok {
		t.Fatalf("GetVm: ok=%v err=%v", ok, err)
	}
	if got.Spec.MemoryMb != spec.MemoryMb {
		t.Errorf("MemoryMb = %d, want %d", got.Spec.MemoryMb, spec.MemoryMb)
	}

	status := types.VmStatus{State: types.VmStateRunning}
	if err := db.UpdateVmStatus(vm.Meta.ID, status); err != nil {
		t.Fatalf("UpdateVmStatus: %v", err)
	}
	got, _, _ = db.GetVm(vm.Meta.ID)
	if got.Status.State != types.VmStateRunning {
		t.Errorf("State = %q, want running", got.Status.State)
	}

	list, err := db.ListVms()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListVms: %d vms, err=%v", len(list), err)
	}

	deleted, err := db.DeleteVm(vm.Meta.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteVm: deleted=%v err=%v", deleted, err)
	}
	if _, ok, _ := db.GetVm(vm.Meta.ID); ok {
		t.Error("expected vm to be gone after delete")
	}
}

func TestBenchmarkRunLifecycle(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	spec := types.BenchmarkSpec{VmID: "vm-1", SuiteName: "inference", TimeoutSeconds: 60}
	run, err := db.CreateBenchmarkRun("run-1", spec, nil)
	if err != nil {
		t.Fatalf("CreateBenchmarkRun: %v", err)
	}

	results := []types.BenchmarkResult{{TestName: "latency", Passed: true, Score: 12.5, Unit: "ms"}}
	if err := db.RecordBenchmarkResults(run.Meta.ID, results, nil); err != nil {
		t.Fatalf("RecordBenchmarkResults: %v", err)
	}

	got, ok, err := db.GetBenchmarkRun(run.Meta.ID)
	if err != nil || !ok {
		t.Fatalf("GetBenchmarkRun: ok=%v err=%v", ok, err)
	}
	if len(got.Results) != 1 || got.Results[0].TestName != "latency" {
		t.Errorf("Results = %+v", got.Results)
	}

	byVm, err := db.ListBenchmarkRuns(&spec.VmID)
	if err != nil || len(byVm) != 1 {
		t.Fatalf("ListBenchmarkRuns: %d runs, err=%v", len(byVm), err)
	}
	otherVm := "vm-2"
	none, err := db.ListBenchmarkRuns(&otherVm)
	if err != nil || len(none) != 0 {
		t.Fatalf("ListBenchmarkRuns(vm-2): %d runs, err=%v", len(none), err)
	}
}
