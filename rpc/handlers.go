package rpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/infrasim/vmctld/types"
	"github.com/infrasim/vmctld/vmerr"
)

// --- VMs ---

type createVmRequest struct {
	Name   string            `json:"name"`
	Spec   types.VmSpec      `json:"spec"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (s *Server) handleVms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		vms, err := s.DB.ListVms()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, vms)
	case http.MethodPost:
		req, err := decodeBody[createVmRequest](r)
		if err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
		spec := types.DefaultVmSpec()
		mergeVmSpec(&spec, req.Spec)
		vm, err := s.DB.CreateVm(req.Name, spec, req.Labels)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, vm)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// mergeVmSpec overlays any non-zero fields of in onto defaults, so clients
// only need to specify the fields they care about.
func mergeVmSpec(defaults *types.VmSpec, in types.VmSpec) {
	if in.Arch != "" {
		defaults.Arch = in.Arch
	}
	if in.Machine != "" {
		defaults.Machine = in.Machine
	}
	if in.CpuCores != 0 {
		defaults.CpuCores = in.CpuCores
	}
	if in.MemoryMb != 0 {
		defaults.MemoryMb = in.MemoryMb
	}
	if in.VolumeIDs != nil {
		defaults.VolumeIDs = in.VolumeIDs
	}
	if in.NetworkIDs != nil {
		defaults.NetworkIDs = in.NetworkIDs
	}
	if in.QosProfileID != nil {
		defaults.QosProfileID = in.QosProfileID
	}
	if in.BootDiskID != nil {
		defaults.BootDiskID = in.BootDiskID
	}
	if in.ExtraArgs != nil {
		defaults.ExtraArgs = in.ExtraArgs
	}
	defaults.EnableTpm = in.EnableTpm
	defaults.CompatibilityMode = in.CompatibilityMode
}

func (s *Server) handleVmGet(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	vm, ok, err := s.DB.GetVm(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("vm", id))
		return
	}
	writeJSON(w, vm)
}

func (s *Server) handleVmDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	ok, err := s.DB.DeleteVm(req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("vm", req.ID))
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleVmStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	vm, ok, err := s.DB.GetVm(req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("vm", req.ID))
		return
	}
	if vm.Status.State == types.VmStateRunning {
		writeErr(w, vmerr.InvalidStateTransition(string(vm.Status.State), string(types.VmStateRunning)))
		return
	}
	vm.Status.State = types.VmStateRunning
	if err := s.DB.UpdateVmStatus(vm.Meta.ID, vm.Status); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "pending-start"})
}

func (s *Server) handleVmStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	vm, ok, err := s.DB.GetVm(req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("vm", req.ID))
		return
	}
	vm.Status.State = types.VmStateStopped
	if err := s.DB.UpdateVmStatus(vm.Meta.ID, vm.Status); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "pending-stop"})
}

// handleVmRestoreSnapshot restores a previously saved internal snapshot. A
// stopped VM cannot be restored into directly: the reconciler only ever
// drives a QMP session for a VM it has itself started, so restoring into a
// stopped VM is rejected rather than silently auto-starting it.
func (s *Server) handleVmRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		VmID string `json:"vm_id"`
		Tag  string `json:"tag"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	vm, ok, err := s.DB.GetVm(req.VmID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("vm", req.VmID))
		return
	}
	if vm.Status.State != types.VmStateRunning {
		writeErr(w, vmerr.InvalidStateTransition(string(vm.Status.State), "restore-snapshot requires running"))
		return
	}
	if err := s.Launcher.RestoreInternalSnapshot(r.Context(), req.VmID, req.Tag); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleVmAttestation generates a fresh attestation report for a running VM
// (§4.H), persists it, and returns it. The VM must be running: a report
// vouches for the live guest's host provenance, which does not exist for a
// stopped VM.
func (s *Server) handleVmAttestation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := queryID(r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	vm, ok, err := s.DB.GetVm(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("vm", id))
		return
	}
	if vm.Status.State != types.VmStateRunning {
		writeErr(w, vmerr.InvalidConfig("vm %s must be running to attest (state=%s)", id, vm.Status.State))
		return
	}

	volumes := make([]types.Volume, 0, len(vm.Spec.VolumeIDs))
	volumeHashes := make(map[string]string, len(vm.Spec.VolumeIDs))
	for _, volID := range vm.Spec.VolumeIDs {
		v, ok, err := s.DB.GetVolume(volID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			continue
		}
		volumes = append(volumes, v)
		if v.Status.Digest != nil {
			volumeHashes[v.Meta.ID] = *v.Status.Digest
		}
	}

	bootImageDigest := "unknown"
	if vm.Spec.BootDiskID != nil {
		bootVol, ok, err := s.DB.GetVolume(*vm.Spec.BootDiskID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if ok && bootVol.Status.Digest != nil {
			bootImageDigest = *bootVol.Status.Digest
		}
		if ok {
			attached := false
			for _, v := range volumes {
				if v.Meta.ID == bootVol.Meta.ID {
					attached = true
					break
				}
			}
			if !attached {
				volumes = append(volumes, bootVol)
			}
		}
	}

	networks := make([]types.Network, 0, len(vm.Spec.NetworkIDs))
	for _, netID := range vm.Spec.NetworkIDs {
		n, ok, err := s.DB.GetNetwork(netID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if ok {
			networks = append(networks, n)
		}
	}

	var qmpSocket string
	if vm.Status.QmpSocket != nil {
		qmpSocket = *vm.Status.QmpSocket
	}
	var vncDisplay uint16
	if vm.Status.VncDisplay != nil {
		fmt.Sscanf(*vm.Status.VncDisplay, ":%d", &vncDisplay)
	}
	qemuArgs, err := s.Launcher.BuildArgs(vm, volumes, networks, qmpSocket, vncDisplay)
	if err != nil {
		writeErr(w, err)
		return
	}

	report, err := s.Attestation.GenerateReport(r.Context(), vm.Meta.ID, qemuArgs, bootImageDigest, volumeHashes)
	if err != nil {
		writeErr(w, err)
		return
	}
	report, err = s.DB.PutAttestationReport(report)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, report)
}

// handleVmAttestationHistory returns every attestation report previously
// generated and persisted for a VM, most recent first.
func (s *Server) handleVmAttestationHistory(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	reports, err := s.DB.ListAttestationReports(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, reports)
}

// --- Networks ---

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		networks, err := s.DB.ListNetworks()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, networks)
	case http.MethodPost:
		req, err := decodeBody[struct {
			Name   string              `json:"name"`
			Spec   types.NetworkSpec   `json:"spec"`
			Labels map[string]string   `json:"labels,omitempty"`
		}](r)
		if err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
		network, err := s.DB.CreateNetwork(req.Name, req.Spec, req.Labels)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, network)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNetworkGet(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	n, ok, err := s.DB.GetNetwork(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("network", id))
		return
	}
	writeJSON(w, n)
}

func (s *Server) handleNetworkDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	ok, err := s.DB.DeleteNetwork(req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("network", req.ID))
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Volumes ---

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		volumes, err := s.DB.ListVolumes()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, volumes)
	case http.MethodPost:
		req, err := decodeBody[struct {
			Name   string            `json:"name"`
			Spec   types.VolumeSpec  `json:"spec"`
			Labels map[string]string `json:"labels,omitempty"`
		}](r)
		if err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
		vol, err := s.DB.CreateVolume(req.Name, req.Spec, req.Labels)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, vol)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVolumeGet(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	v, ok, err := s.DB.GetVolume(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("volume", id))
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleVolumeDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	ok, err := s.DB.DeleteVolume(req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("volume", req.ID))
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- QoS profiles ---

func (s *Server) handleQosProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles, err := s.DB.ListQosProfiles()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, profiles)
	case http.MethodPost:
		req, err := decodeBody[struct {
			Name   string                 `json:"name"`
			Spec   types.QosProfileSpec   `json:"spec"`
			Labels map[string]string      `json:"labels,omitempty"`
		}](r)
		if err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
		p, err := s.DB.CreateQosProfile(req.Name, req.Spec, req.Labels)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, p)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleQosProfileDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	ok, err := s.DB.DeleteQosProfile(req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("qos_profile", req.ID))
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Snapshots ---

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var vmID *string
		if v := r.URL.Query().Get("vm_id"); v != "" {
			vmID = &v
		}
		snaps, err := s.DB.ListSnapshots(vmID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, snaps)
	case http.MethodPost:
		req, err := decodeBody[struct {
			Name   string              `json:"name"`
			Spec   types.SnapshotSpec  `json:"spec"`
			Labels map[string]string   `json:"labels,omitempty"`
		}](r)
		if err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
		snap, err := s.createSnapshot(r.Context(), req.Name, req.Spec, req.Labels)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, snap)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// createSnapshot records the snapshot row, then drives the actual QMP/CAS
// work; SnapshotStatus.Complete only flips once both have succeeded.
func (s *Server) createSnapshot(ctx context.Context, name string, spec types.SnapshotSpec, labels map[string]string) (types.Snapshot, error) {
	vm, ok, err := s.DB.GetVm(spec.VmID)
	if err != nil {
		return types.Snapshot{}, err
	}
	if !ok {
		return types.Snapshot{}, vmerr.NotFound("vm", spec.VmID)
	}
	if vm.Status.State != types.VmStateRunning {
		return types.Snapshot{}, vmerr.InvalidStateTransition(string(vm.Status.State), "snapshot requires running")
	}

	snap, err := s.DB.CreateSnapshot(name, spec, labels)
	if err != nil {
		return types.Snapshot{}, err
	}

	tag := snap.Meta.ID
	if spec.IncludeDisk {
		if err := s.Launcher.CreateInternalSnapshot(ctx, spec.VmID, tag); err != nil {
			return snap, err
		}
	}
	status := snap.Status
	status.Complete = true
	if err := s.DB.UpdateSnapshotStatus(snap.Meta.ID, status); err != nil {
		return snap, err
	}
	snap.Status = status
	return snap, nil
}

func (s *Server) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	ok, err := s.DB.DeleteSnapshot(req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("snapshot", req.ID))
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Benchmark runs ---

func (s *Server) handleBenchmarkRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var vmID *string
		if v := r.URL.Query().Get("vm_id"); v != "" {
			vmID = &v
		}
		runs, err := s.DB.ListBenchmarkRuns(vmID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, runs)
	case http.MethodPost:
		req, err := decodeBody[struct {
			Name   string              `json:"name"`
			Spec   types.BenchmarkSpec `json:"spec"`
			Labels map[string]string   `json:"labels,omitempty"`
		}](r)
		if err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
		run, err := s.DB.CreateBenchmarkRun(req.Name, req.Spec, req.Labels)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, run)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBenchmarkRunGet(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	run, ok, err := s.DB.GetBenchmarkRun(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("benchmark_run", id))
		return
	}
	writeJSON(w, run)
}

// --- LoRa devices ---

func (s *Server) handleLoRaDevices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		devices, err := s.DB.ListLoRaDevices()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, devices)
	case http.MethodPost:
		req, err := decodeBody[struct {
			Name   string               `json:"name"`
			Spec   types.LoRaDeviceSpec `json:"spec"`
			Labels map[string]string    `json:"labels,omitempty"`
		}](r)
		if err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
		spec := types.DefaultLoRaDeviceSpec()
		spec.VmID = req.Spec.VmID
		spec.Region = req.Spec.Region
		spec.DeviceEui = req.Spec.DeviceEui
		spec.AppEui = req.Spec.AppEui
		spec.AppKey = req.Spec.AppKey
		if req.Spec.SpreadingFactor != 0 {
			spec.SpreadingFactor = req.Spec.SpreadingFactor
		}
		if req.Spec.BandwidthKhz != 0 {
			spec.BandwidthKhz = req.Spec.BandwidthKhz
		}
		spec.LossRate = req.Spec.LossRate
		spec.LatencyMs = req.Spec.LatencyMs

		dev, err := s.DB.CreateLoRaDevice(req.Name, spec, req.Labels)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, dev)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLoRaDeviceDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	ok, err := s.DB.DeleteLoRaDevice(req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, vmerr.NotFound("lora_device", req.ID))
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
