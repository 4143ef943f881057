package store

import (
	"github.com/infrasim/vmctld/types"
	"github.com/infrasim/vmctld/vmerr"
)

// CreateVm inserts a new VM resource, rejecting a duplicate name.
func (db *DB) CreateVm(name string, spec types.VmSpec, labels map[string]string) (types.Vm, error) {
	if taken, err := NameExists(db, TableVms, name); err != nil {
		return types.Vm{}, err
	} else if taken {
		return types.Vm{}, vmerr.AlreadyExists("vm", name)
	}

	meta := types.NewResourceMeta(name)
	meta.Labels = labels
	status := types.VmStatus{State: types.VmStatePending}

	if err := Insert(db, TableVms, meta.ID, meta.Name, spec, status, labels); err != nil {
		return types.Vm{}, err
	}
	return types.Vm{Meta: meta, Spec: spec, Status: status}, nil
}

func vmFromRow(row Row[types.VmSpec, types.VmStatus]) types.Vm {
	return types.Vm{
		Meta: types.ResourceMeta{
			ID: row.ID, Name: row.Name, Labels: row.Labels, Annotations: row.Annotations,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, Generation: row.Generation,
		},
		Spec:   row.Spec,
		Status: row.Status,
	}
}

// GetVm fetches a VM by ID.
func (db *DB) GetVm(id string) (types.Vm, bool, error) {
	row, ok, err := Get[types.VmSpec, types.VmStatus](db, TableVms, id)
	if err != nil || !ok {
		return types.Vm{}, ok, err
	}
	return vmFromRow(row), true, nil
}

// ListVms returns every VM, most recently created first.
func (db *DB) ListVms() ([]types.Vm, error) {
	rows, err := List[types.VmSpec, types.VmStatus](db, TableVms)
	if err != nil {
		return nil, err
	}
	vms := make([]types.Vm, 0, len(rows))
	for _, r := range rows {
		vms = append(vms, vmFromRow(r))
	}
	return vms, nil
}

// UpdateVmSpec replaces a VM's desired spec, bumping its generation.
func (db *DB) UpdateVmSpec(id string, spec types.VmSpec) error {
	return Update[types.VmSpec, types.VmStatus](db, TableVms, id, &spec, nil)
}

// UpdateVmStatus replaces a VM's observed status.
func (db *DB) UpdateVmStatus(id string, status types.VmStatus) error {
	return Update[types.VmSpec, types.VmStatus](db, TableVms, id, nil, &status)
}

// DeleteVm removes a VM, reporting whether it existed.
func (db *DB) DeleteVm(id string) (bool, error) {
	return Delete(db, TableVms, id)
}

// CreateNetwork inserts a new network resource, rejecting a duplicate name.
func (db *DB) CreateNetwork(name string, spec types.NetworkSpec, labels map[string]string) (types.Network, error) {
	if taken, err := NameExists(db, TableNetworks, name); err != nil {
		return types.Network{}, err
	} else if taken {
		return types.Network{}, vmerr.AlreadyExists("network", name)
	}
	meta := types.NewResourceMeta(name)
	meta.Labels = labels
	status := types.NetworkStatus{}
	if err := Insert(db, TableNetworks, meta.ID, meta.Name, spec, status, labels); err != nil {
		return types.Network{}, err
	}
	return types.Network{Meta: meta, Spec: spec, Status: status}, nil
}

func networkFromRow(row Row[types.NetworkSpec, types.NetworkStatus]) types.Network {
	return types.Network{
		Meta: types.ResourceMeta{
			ID: row.ID, Name: row.Name, Labels: row.Labels, Annotations: row.Annotations,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, Generation: row.Generation,
		},
		Spec:   row.Spec,
		Status: row.Status,
	}
}

// GetNetwork fetches a network by ID.
func (db *DB) GetNetwork(id string) (types.Network, bool, error) {
	row, ok, err := Get[types.NetworkSpec, types.NetworkStatus](db, TableNetworks, id)
	if err != nil || !ok {
		return types.Network{}, ok, err
	}
	return networkFromRow(row), true, nil
}

// ListNetworks returns every network.
func (db *DB) ListNetworks() ([]types.Network, error) {
	rows, err := List[types.NetworkSpec, types.NetworkStatus](db, TableNetworks)
	if err != nil {
		return nil, err
	}
	networks := make([]types.Network, 0, len(rows))
	for _, r := range rows {
		networks = append(networks, networkFromRow(r))
	}
	return networks, nil
}

// UpdateNetworkStatus replaces a network's observed status.
func (db *DB) UpdateNetworkStatus(id string, status types.NetworkStatus) error {
	return Update[types.NetworkSpec, types.NetworkStatus](db, TableNetworks, id, nil, &status)
}

// DeleteNetwork removes a network, reporting whether it existed.
func (db *DB) DeleteNetwork(id string) (bool, error) {
	return Delete(db, TableNetworks, id)
}

// CreateQosProfile inserts a new QoS profile. QoS profiles carry no status,
// so an empty JSON object is stored in the status column to keep the table
// shape uniform with every other resource kind.
func (db *DB) CreateQosProfile(name string, spec types.QosProfileSpec, labels map[string]string) (types.QosProfile, error) {
	if taken, err := NameExists(db, TableQosProfiles, name); err != nil {
		return types.QosProfile{}, err
	} else if taken {
		return types.QosProfile{}, vmerr.AlreadyExists("qos_profile", name)
	}
	meta := types.NewResourceMeta(name)
	meta.Labels = labels
	if err := Insert(db, TableQosProfiles, meta.ID, meta.Name, spec, struct{}{}, labels); err != nil {
		return types.QosProfile{}, err
	}
	return types.QosProfile{Meta: meta, Spec: spec}, nil
}

// GetQosProfile fetches a QoS profile by ID.
func (db *DB) GetQosProfile(id string) (types.QosProfile, bool, error) {
	row, ok, err := Get[types.QosProfileSpec, struct{}](db, TableQosProfiles, id)
	if err != nil || !ok {
		return types.QosProfile{}, ok, err
	}
	return types.QosProfile{
		Meta: types.ResourceMeta{
			ID: row.ID, Name: row.Name, Labels: row.Labels, Annotations: row.Annotations,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, Generation: row.Generation,
		},
		Spec: row.Spec,
	}, true, nil
}

// ListQosProfiles returns every QoS profile.
func (db *DB) ListQosProfiles() ([]types.QosProfile, error) {
	rows, err := List[types.QosProfileSpec, struct{}](db, TableQosProfiles)
	if err != nil {
		return nil, err
	}
	profiles := make([]types.QosProfile, 0, len(rows))
	for _, r := range rows {
		profiles = append(profiles, types.QosProfile{
			Meta: types.ResourceMeta{
				ID: r.ID, Name: r.Name, Labels: r.Labels, Annotations: r.Annotations,
				CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Generation: r.Generation,
			},
			Spec: r.Spec,
		})
	}
	return profiles, nil
}

// DeleteQosProfile removes a QoS profile, reporting whether it existed.
func (db *DB) DeleteQosProfile(id string) (bool, error) {
	return Delete(db, TableQosProfiles, id)
}

// CreateVolume inserts a new volume resource, rejecting a duplicate name.
func (db *DB) CreateVolume(name string, spec types.VolumeSpec, labels map[string]string) (types.Volume, error) {
	if taken, err := NameExists(db, TableVolumes, name); err != nil {
		return types.Volume{}, err
	} else if taken {
		return types.Volume{}, vmerr.AlreadyExists("volume", name)
	}
	meta := types.NewResourceMeta(name)
	meta.Labels = labels
	status := types.VolumeStatus{}
	if err := Insert(db, TableVolumes, meta.ID, meta.Name, spec, status, labels); err != nil {
		return types.Volume{}, err
	}
	return types.Volume{Meta: meta, Spec: spec, Status: status}, nil
}

func volumeFromRow(row Row[types.VolumeSpec, types.VolumeStatus]) types.Volume {
	return types.Volume{
		Meta: types.ResourceMeta{
			ID: row.ID, Name: row.Name, Labels: row.Labels, Annotations: row.Annotations,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, Generation: row.Generation,
		},
		Spec:   row.Spec,
		Status: row.Status,
	}
}

// GetVolume fetches a volume by ID.
func (db *DB) GetVolume(id string) (types.Volume, bool, error) {
	row, ok, err := Get[types.VolumeSpec, types.VolumeStatus](db, TableVolumes, id)
	if err != nil || !ok {
		return types.Volume{}, ok, err
	}
	return volumeFromRow(row), true, nil
}

// ListVolumes returns every volume.
func (db *DB) ListVolumes() ([]types.Volume, error) {
	rows, err := List[types.VolumeSpec, types.VolumeStatus](db, TableVolumes)
	if err != nil {
		return nil, err
	}
	volumes := make([]types.Volume, 0, len(rows))
	for _, r := range rows {
		volumes = append(volumes, volumeFromRow(r))
	}
	return volumes, nil
}

// UpdateVolumeStatus replaces a volume's observed status.
func (db *DB) UpdateVolumeStatus(id string, status types.VolumeStatus) error {
	return Update[types.VolumeSpec, types.VolumeStatus](db, TableVolumes, id, nil, &status)
}

// DeleteVolume removes a volume, reporting whether it existed.
func (db *DB) DeleteVolume(id string) (bool, error) {
	return Delete(db, TableVolumes, id)
}

// CreateConsole inserts a new console resource, rejecting a duplicate name.
func (db *DB) CreateConsole(name string, spec types.ConsoleSpec) (types.Console, error) {
	if taken, err := NameExists(db, TableConsoles, name); err != nil {
		return types.Console{}, err
	} else if taken {
		return types.Console{}, vmerr.AlreadyExists("console", name)
	}
	meta := types.NewResourceMeta(name)
	status := types.ConsoleStatus{}
	if err := Insert(db, TableConsoles, meta.ID, meta.Name, spec, status, nil); err != nil {
		return types.Console{}, err
	}
	return types.Console{Meta: meta, Spec: spec, Status: status}, nil
}

// GetConsole fetches a console by ID.
func (db *DB) GetConsole(id string) (types.Console, bool, error) {
	row, ok, err := Get[types.ConsoleSpec, types.ConsoleStatus](db, TableConsoles, id)
	if err != nil || !ok {
		return types.Console{}, ok, err
	}
	return types.Console{
		Meta: types.ResourceMeta{
			ID: row.ID, Name: row.Name, Labels: row.Labels, Annotations: row.Annotations,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, Generation: row.Generation,
		},
		Spec: row.Spec, Status: row.Status,
	}, true, nil
}

// UpdateConsoleStatus replaces a console's observed status.
func (db *DB) UpdateConsoleStatus(id string, status types.ConsoleStatus) error {
	return Update[types.ConsoleSpec, types.ConsoleStatus](db, TableConsoles, id, nil, &status)
}

// DeleteConsole removes a console, reporting whether it existed.
func (db *DB) DeleteConsole(id string) (bool, error) {
	return Delete(db, TableConsoles, id)
}

// CreateSnapshot inserts a new snapshot resource, rejecting a duplicate name.
func (db *DB) CreateSnapshot(name string, spec types.SnapshotSpec, labels map[string]string) (types.Snapshot, error) {
	if taken, err := NameExists(db, TableSnapshots, name); err != nil {
		return types.Snapshot{}, err
	} else if taken {
		return types.Snapshot{}, vmerr.AlreadyExists("snapshot", name)
	}
	meta := types.NewResourceMeta(name)
	meta.Labels = labels
	status := types.SnapshotStatus{}
	if err := Insert(db, TableSnapshots, meta.ID, meta.Name, spec, status, labels); err != nil {
		return types.Snapshot{}, err
	}
	return types.Snapshot{Meta: meta, Spec: spec, Status: status}, nil
}

func snapshotFromRow(row Row[types.SnapshotSpec, types.SnapshotStatus]) types.Snapshot {
	return types.Snapshot{
		Meta: types.ResourceMeta{
			ID: row.ID, Name: row.Name, Labels: row.Labels, Annotations: row.Annotations,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, Generation: row.Generation,
		},
		Spec:   row.Spec,
		Status: row.Status,
	}
}

// GetSnapshot fetches a snapshot by ID.
func (db *DB) GetSnapshot(id string) (types.Snapshot, bool, error) {
	row, ok, err := Get[types.SnapshotSpec, types.SnapshotStatus](db, TableSnapshots, id)
	if err != nil || !ok {
		return types.Snapshot{}, ok, err
	}
	return snapshotFromRow(row), true, nil
}

// ListSnapshots returns snapshots, optionally filtered to one VM.
func (db *DB) ListSnapshots(vmID *string) ([]types.Snapshot, error) {
	rows, err := List[types.SnapshotSpec, types.SnapshotStatus](db, TableSnapshots)
	if err != nil {
		return nil, err
	}
	snapshots := make([]types.Snapshot, 0, len(rows))
	for _, r := range rows {
		if vmID != nil && r.Spec.VmID != *vmID {
			continue
		}
		snapshots = append(snapshots, snapshotFromRow(r))
	}
	return snapshots, nil
}

// UpdateSnapshotStatus replaces a snapshot's observed status.
func (db *DB) UpdateSnapshotStatus(id string, status types.SnapshotStatus) error {
	return Update[types.SnapshotSpec, types.SnapshotStatus](db, TableSnapshots, id, nil, &status)
}

// DeleteSnapshot removes a snapshot, reporting whether it existed.
func (db *DB) DeleteSnapshot(id string) (bool, error) {
	return Delete(db, TableSnapshots, id)
}

// CreateLoRaDevice inserts a new simulated LoRaWAN device, rejecting a
// duplicate name.
func (db *DB) CreateLoRaDevice(name string, spec types.LoRaDeviceSpec, labels map[string]string) (types.LoRaDevice, error) {
	if taken, err := NameExists(db, TableLoRaDevices, name); err != nil {
		return types.LoRaDevice{}, err
	} else if taken {
		return types.LoRaDevice{}, vmerr.AlreadyExists("lora_device", name)
	}
	meta := types.NewResourceMeta(name)
	meta.Labels = labels
	status := types.LoRaDeviceStatus{}
	if err := Insert(db, TableLoRaDevices, meta.ID, meta.Name, spec, status, labels); err != nil {
		return types.LoRaDevice{}, err
	}
	return types.LoRaDevice{Meta: meta, Spec: spec, Status: status}, nil
}

// GetLoRaDevice fetches a simulated LoRaWAN device by ID.
func (db *DB) GetLoRaDevice(id string) (types.LoRaDevice, bool, error) {
	row, ok, err := Get[types.LoRaDeviceSpec, types.LoRaDeviceStatus](db, TableLoRaDevices, id)
	if err != nil || !ok {
		return types.LoRaDevice{}, ok, err
	}
	return types.LoRaDevice{
		Meta: types.ResourceMeta{
			ID: row.ID, Name: row.Name, Labels: row.Labels, Annotations: row.Annotations,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, Generation: row.Generation,
		},
		Spec: row.Spec, Status: row.Status,
	}, true, nil
}

// ListLoRaDevices returns every simulated LoRaWAN device.
func (db *DB) ListLoRaDevices() ([]types.LoRaDevice, error) {
	rows, err := List[types.LoRaDeviceSpec, types.LoRaDeviceStatus](db, TableLoRaDevices)
	if err != nil {
		return nil, err
	}
	devices := make([]types.LoRaDevice, 0, len(rows))
	for _, r := range rows {
		devices = append(devices, types.LoRaDevice{
			Meta: types.ResourceMeta{
				ID: r.ID, Name: r.Name, Labels: r.Labels, Annotations: r.Annotations,
				CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Generation: r.Generation,
			},
			Spec: r.Spec, Status: r.Status,
		})
	}
	return devices, nil
}

// UpdateLoRaDeviceStatus replaces a simulated device's observed status.
func (db *DB) UpdateLoRaDeviceStatus(id string, status types.LoRaDeviceStatus) error {
	return Update[types.LoRaDeviceSpec, types.LoRaDeviceStatus](db, TableLoRaDevices, id, nil, &status)
}

// DeleteLoRaDevice removes a simulated device, reporting whether it existed.
func (db *DB) DeleteLoRaDevice(id string) (bool, error) {
	return Delete(db, TableLoRaDevices, id)
}
