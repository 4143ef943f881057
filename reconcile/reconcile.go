// Package reconcile drives the daemon's control loop: on each tick it
// prepares pending volumes, brings every VM's observed state into line with
// its desired state, reaps orphaned QEMU processes, and reports drift
// between what the store says should be running and what actually is.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infrasim/vmctld/launcher"
	"github.com/infrasim/vmctld/launcher/volumeprep"
	"github.com/infrasim/vmctld/registry"
	"github.com/infrasim/vmctld/store"
	"github.com/infrasim/vmctld/types"
)

// DriftType classifies a discrepancy between desired and observed VM state.
type DriftType string

const (
	// DriftUnexpectedRunning: the store says stopped, but a QEMU process is
	// actually running.
	DriftUnexpectedRunning DriftType = "unexpected_running"
	// DriftUnexpectedStopped: the store says running, but no QEMU process
	// answers for it.
	DriftUnexpectedStopped DriftType = "unexpected_stopped"
	// DriftConfigMismatch: the running process was launched with a spec
	// generation older than the VM's current spec.
	DriftConfigMismatch DriftType = "config_mismatch"
	// DriftResourceMissing: the VM references a volume or network ID that no
	// longer exists in the store.
	DriftResourceMissing DriftType = "resource_missing"
)

// Drift is one detected discrepancy.
type Drift struct {
	VmID string
	Type DriftType
	Note string
}

// Reconciler owns the tick loop tying the store, launcher, volume preparer,
// and in-memory process registry together.
type Reconciler struct {
	DB         *store.DB
	Launcher   *launcher.Launcher
	VolumePrep *volumeprep.Preparer
	Registry   *registry.Registry
	Tick       time.Duration

	// launchGeneration tracks, per VM ID, the spec generation a running
	// process was launched with, so config drift can be detected without
	// re-parsing the full qemu argv.
	launchGeneration map[string]int64
}

// New returns a Reconciler ticking at the given interval (5s is the
// conventional default).
func New(db *store.DB, l *launcher.Launcher, vp *volumeprep.Preparer, reg *registry.Registry, tick time.Duration) *Reconciler {
	return &Reconciler{
		DB: db, Launcher: l, VolumePrep: vp, Registry: reg, Tick: tick,
		launchGeneration: make(map[string]int64),
	}
}

// Run loops until ctx is cancelled, calling Once on every tick. Errors from
// individual ticks are logged, not returned, so one bad tick never stops the
// loop.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Once(ctx); err != nil {
				slog.ErrorContext(ctx, "reconcile tick failed", "error", err)
			}
		}
	}
}

// Once runs a single reconciliation pass: volumes, then VMs, then orphan
// reaping.
func (r *Reconciler) Once(ctx context.Context) error {
	if err := r.reconcileVolumes(ctx); err != nil {
		slog.ErrorContext(ctx, "reconcile volumes failed", "error", err)
	}
	if err := r.reconcileVms(ctx); err != nil {
		slog.ErrorContext(ctx, "reconcile vms failed", "error", err)
	}
	r.reapOrphans(ctx)
	return nil
}

func (r *Reconciler) reconcileVolumes(ctx context.Context) error {
	volumes, err := r.DB.ListVolumes()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, v := range volumes {
		v := v
		if v.Status.Ready {
			continue
		}
		g.Go(func() error {
			status, err := r.VolumePrep.Prepare(ctx, v.Meta.ID, v.Spec)
			if err != nil {
				slog.ErrorContext(ctx, "volume prepare failed", "volume", v.Meta.ID, "error", err)
				return nil
			}
			return r.DB.UpdateVolumeStatus(v.Meta.ID, status)
		})
	}
	return g.Wait()
}

// reconcileVms walks every VM and reconciles its desired vs. observed state
// using a decision table over (desired state, process tracked, process
// alive). Each VM is handled independently so one failure doesn't block the
// rest.
func (r *Reconciler) reconcileVms(ctx context.Context) error {
	vms, err := r.DB.ListVms()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, vm := range vms {
		vm := vm
		g.Go(func() error {
			r.reconcileOneVm(ctx, vm)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) reconcileOneVm(ctx context.Context, vm types.Vm) {
	proc, tracked := r.Registry.Get(vm.Meta.ID)
	alive := tracked && launcher.IsAlive(proc.Pid)

	switch {
	case vm.Status.State == types.VmStatePending && !alive:
		ready, err := r.volumesReady(vm)
		if err != nil {
			slog.ErrorContext(ctx, "checking volume readiness", "vm", vm.Meta.ID, "error", err)
			return
		}
		if !ready {
			return
		}
		slog.InfoContext(ctx, "volumes ready; promoting pending vm to running", "vm", vm.Meta.ID)
		status := vm.Status
		status.State = types.VmStateRunning
		if err := r.DB.UpdateVmStatus(vm.Meta.ID, status); err != nil {
			slog.ErrorContext(ctx, "promoting pending vm to running", "vm", vm.Meta.ID, "error", err)
		}

	case vm.Status.State == types.VmStateRunning && !alive:
		ready, err := r.volumesReady(vm)
		if err != nil {
			slog.ErrorContext(ctx, "checking volume readiness", "vm", vm.Meta.ID, "error", err)
			return
		}
		if !ready {
			// Transient: the volumes this VM depends on aren't ready yet.
			// Retry on the next tick rather than surfacing an error.
			return
		}
		r.startVm(ctx, vm)

	case vm.Status.State == types.VmStateRunning && alive:
		if gen, ok := r.launchGeneration[vm.Meta.ID]; ok && gen != vm.Meta.Generation {
			slog.InfoContext(ctx, "vm spec changed while running; restarting", "vm", vm.Meta.ID)
			r.stopVm(ctx, vm, proc)
			r.startVm(ctx, vm)
			return
		}
		r.updateUptime(ctx, vm, proc)

	case vm.Status.State != types.VmStateRunning && alive:
		r.stopVm(ctx, vm, proc)

	case vm.Status.State == types.VmStateStopped && tracked && !alive:
		r.Registry.Remove(vm.Meta.ID)
		delete(r.launchGeneration, vm.Meta.ID)
	}
}

// volumesReady reports whether every volume vm's spec references (its boot
// disk and its attached volumes) exists and has finished preparing. A volume
// that is missing outright is treated the same as one that isn't ready yet:
// the caller just waits for a later tick instead of surfacing an error, since
// the store row may simply not have been created yet.
func (r *Reconciler) volumesReady(vm types.Vm) (bool, error) {
	check := func(id string) (bool, error) {
		v, ok, err := r.DB.GetVolume(id)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		return v.Status.Ready, nil
	}

	if vm.Spec.BootDiskID != nil {
		ready, err := check(*vm.Spec.BootDiskID)
		if err != nil || !ready {
			return false, err
		}
	}
	for _, id := range vm.Spec.VolumeIDs {
		ready, err := check(id)
		if err != nil || !ready {
			return false, err
		}
	}
	return true, nil
}

// updateUptime recomputes uptime_seconds for a VM that is desired running and
// observed alive, leaving every other status field untouched.
func (r *Reconciler) updateUptime(ctx context.Context, vm types.Vm, proc registry.VmProcess) {
	status := vm.Status
	status.UptimeSeconds = uint64(time.Since(proc.StartedAt).Seconds())
	if err := r.DB.UpdateVmStatus(vm.Meta.ID, status); err != nil {
		slog.ErrorContext(ctx, "updating vm uptime", "vm", vm.Meta.ID, "error", err)
	}
}

func (r *Reconciler) startVm(ctx context.Context, vm types.Vm) {
	volumes, networks, err := r.resolveAttachments(vm)
	if err != nil {
		r.markError(ctx, vm, err)
		return
	}

	result, err := r.Launcher.Start(ctx, vm, volumes, networks)
	if err != nil {
		r.markError(ctx, vm, err)
		return
	}

	r.Registry.Register(registryProcess(vm.Meta.ID, result.Pid, result.QmpSocket, result.VncDisplay))
	r.launchGeneration[vm.Meta.ID] = vm.Meta.Generation

	pid := result.Pid
	socket := result.QmpSocket
	vncDisplay := fmt.Sprintf(":%d", result.VncDisplay)
	status := vm.Status
	status.State = types.VmStateRunning
	status.QemuPid = &pid
	status.QmpSocket = &socket
	status.VncDisplay = &vncDisplay
	status.ErrorMessage = nil
	if err := r.DB.UpdateVmStatus(vm.Meta.ID, status); err != nil {
		slog.ErrorContext(ctx, "updating vm status after start", "vm", vm.Meta.ID, "error", err)
	}
}

func (r *Reconciler) stopVm(ctx context.Context, vm types.Vm, proc registry.VmProcess) {
	if err := r.Launcher.Stop(ctx, vm.Meta.ID, proc.Pid, 10*time.Second); err != nil {
		slog.ErrorContext(ctx, "stopping vm", "vm", vm.Meta.ID, "error", err)
	}
	r.Registry.Remove(vm.Meta.ID)
	delete(r.launchGeneration, vm.Meta.ID)

	status := vm.Status
	status.State = types.VmStateStopped
	status.QemuPid = nil
	status.QmpSocket = nil
	status.VncDisplay = nil
	if err := r.DB.UpdateVmStatus(vm.Meta.ID, status); err != nil {
		slog.ErrorContext(ctx, "updating vm status after stop", "vm", vm.Meta.ID, "error", err)
	}
}

func (r *Reconciler) markError(ctx context.Context, vm types.Vm, cause error) {
	msg := cause.Error()
	status := vm.Status
	status.State = types.VmStateError
	status.ErrorMessage = &msg
	if err := r.DB.UpdateVmStatus(vm.Meta.ID, status); err != nil {
		slog.ErrorContext(ctx, "updating vm status after error", "vm", vm.Meta.ID, "error", err)
	}
}

func (r *Reconciler) resolveAttachments(vm types.Vm) ([]types.Volume, []types.Network, error) {
	volumes := make([]types.Volume, 0, len(vm.Spec.VolumeIDs))
	for _, id := range vm.Spec.VolumeIDs {
		v, ok, err := r.DB.GetVolume(id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("volume %s referenced by vm %s no longer exists", id, vm.Meta.ID)
		}
		volumes = append(volumes, v)
	}
	if vm.Spec.BootDiskID != nil {
		found := false
		for _, v := range volumes {
			if v.Meta.ID == *vm.Spec.BootDiskID {
				found = true
				break
			}
		}
		if !found {
			v, ok, err := r.DB.GetVolume(*vm.Spec.BootDiskID)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				return nil, nil, fmt.Errorf("boot_disk_id %s referenced by vm %s no longer exists", *vm.Spec.BootDiskID, vm.Meta.ID)
			}
			volumes = append(volumes, v)
		}
	}

	networks := make([]types.Network, 0, len(vm.Spec.NetworkIDs))
	for _, id := range vm.Spec.NetworkIDs {
		n, ok, err := r.DB.GetNetwork(id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("network %s referenced by vm %s no longer exists", id, vm.Meta.ID)
		}
		networks = append(networks, n)
	}
	return volumes, networks, nil
}

// reapOrphans stops any tracked process whose VM no longer exists in the
// store at all (as opposed to merely being desired-stopped).
func (r *Reconciler) reapOrphans(ctx context.Context) {
	for _, proc := range r.Registry.List() {
		if _, ok, err := r.DB.GetVm(proc.VmID); err == nil && !ok {
			slog.WarnContext(ctx, "reaping orphaned qemu process", "vm", proc.VmID, "pid", proc.Pid)
			r.Launcher.Stop(ctx, proc.VmID, proc.Pid, 5*time.Second)
			r.Registry.Remove(proc.VmID)
			delete(r.launchGeneration, proc.VmID)
		}
	}
}

// DetectDrift compares every VM's desired state against its observed
// runtime state without mutating anything, for the diagnostics RPC.
func (r *Reconciler) DetectDrift(ctx context.Context) ([]Drift, error) {
	vms, err := r.DB.ListVms()
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, vm := range vms {
		proc, tracked := r.Registry.Get(vm.Meta.ID)
		alive := tracked && launcher.IsAlive(proc.Pid)

		switch {
		case vm.Status.State != types.VmStateRunning && alive:
			drifts = append(drifts, Drift{VmID: vm.Meta.ID, Type: DriftUnexpectedRunning,
				Note: fmt.Sprintf("desired state %s but pid %d is alive", vm.Status.State, proc.Pid)})
		case vm.Status.State == types.VmStateRunning && !alive:
			drifts = append(drifts, Drift{VmID: vm.Meta.ID, Type: DriftUnexpectedStopped,
				Note: "desired state running but no live process is tracked"})
		case vm.Status.State == types.VmStateRunning && alive:
			if gen, ok := r.launchGeneration[vm.Meta.ID]; ok && gen != vm.Meta.Generation {
				drifts = append(drifts, Drift{VmID: vm.Meta.ID, Type: DriftConfigMismatch,
					Note: fmt.Sprintf("running process launched at generation %d, spec now at %d", gen, vm.Meta.Generation)})
			}
		}

		if _, _, err := r.resolveAttachments(vm); err != nil {
			drifts = append(drifts, Drift{VmID: vm.Meta.ID, Type: DriftResourceMissing, Note: err.Error()})
		}
	}
	return drifts, nil
}

func registryProcess(vmID string, pid int, qmpSocket string, vncDisplay uint16) registry.VmProcess {
	port := vncDisplay
	return registry.VmProcess{VmID: vmID, Pid: pid, QmpSocket: qmpSocket, VncPort: &port, StartedAt: time.Now()}
}
