package controller

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/Strata/internal/domain"
)

// Теги операций адаптеров блочного хранилища.
const (
	OpDeviceCreate = "device.create"
	OpDeviceDelete = "device.delete"
	OpDeviceAttach = "device.attach"
	OpDeviceDetach = "device.detach"

	OpScheduleSet   = "schedule.set"
	OpScheduleClear = "schedule.clear"

	OpHostRescan = "host.rescan"

	OpVolumeValidate = "volume.validate"
	OpVolumeIngest   = "volume.ingest"
	OpVolumeRelease  = "volume.release"

	// OpVolumeReplicate запускает дочерний граф репликации.
	OpVolumeReplicate  = "volume.replicate"
	OpReplicationStart = "replication.start"
	OpReplicationStop  = "replication.stop"
	OpReplicaTeardown  = "replication.teardown"
)

// Типы целевых устройств (по ним выбирается JobPoller).
const (
	TargetArray = "array"
	TargetHost  = "host"
)

// DeviceOperations — операции, которые выполняет адаптер массива.
func DeviceOperations() []string {
	return []string{
		OpDeviceCreate, OpDeviceDelete, OpDeviceAttach, OpDeviceDetach,
		OpScheduleSet, OpScheduleClear,
		OpVolumeValidate, OpVolumeIngest, OpVolumeRelease,
		OpReplicationStart, OpReplicationStop, OpReplicaTeardown,
	}
}

// VolumeArgs — аргументы операций над томом.
type VolumeArgs struct {
	VolumeID string `json:"volume_id"`
	ArrayID  string `json:"array_id,omitempty"`
	SizeGB   int    `json:"size_gb,omitempty"`
	HostID   string `json:"host_id,omitempty"`
	Schedule string `json:"schedule,omitempty"`

	// ReplicaOf — исходный том (для реплики).
	ReplicaOf string `json:"replica_of,omitempty"`

	// ReplicaArrayID — массив, на котором создаётся реплика.
	ReplicaArrayID string `json:"replica_array_id,omitempty"`
}

// ParseVolumeArgs разбирает аргументы действия.
func ParseVolumeArgs(a domain.ActionRef) (VolumeArgs, error) {
	var args VolumeArgs
	if len(a.Args) == 0 {
		return args, fmt.Errorf("%s: missing args", a.Operation)
	}
	if err := json.Unmarshal(a.Args, &args); err != nil {
		return args, fmt.Errorf("%s: parse args: %w", a.Operation, err)
	}
	return args, nil
}

// volumeAction строит действие над томом.
func volumeAction(op string, args VolumeArgs) domain.ActionRef {
	raw, _ := json.Marshal(args)
	return domain.ActionRef{
		TargetType: TargetArray,
		TargetID:   args.VolumeID,
		Operation:  op,
		Args:       raw,
	}
}

// hostAction строит действие над хостом.
func hostAction(op, hostID string) domain.ActionRef {
	raw, _ := json.Marshal(map[string]string{"host_id": hostID})
	return domain.ActionRef{
		TargetType: TargetHost,
		TargetID:   hostID,
		Operation:  op,
		Args:       raw,
	}
}

func ref(a domain.ActionRef) *domain.ActionRef {
	return &a
}
