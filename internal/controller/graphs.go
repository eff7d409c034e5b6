package controller

import (
	"fmt"

	"github.com/shaiso/Strata/internal/engine"
)

// Хелперы добавляют шаги в граф и возвращают ID последнего шага цепочки,
// который передаётся как waitFor следующему хелперу.

// addCreateDeviceSteps: создание устройства (откат: удаление).
func addCreateDeviceSteps(g *engine.Graph, waitFor string, args VolumeArgs) (string, error) {
	return g.CreateStep(
		fmt.Sprintf("create device %s (%d GB)", args.VolumeID, args.SizeGB),
		waitFor,
		volumeAction(OpDeviceCreate, args),
		ref(volumeAction(OpDeviceDelete, args)),
	)
}

// addAttachSteps: подключение тома к хосту (откат: отключение) и пересканирование хоста.
func addAttachSteps(g *engine.Graph, waitFor string, args VolumeArgs) (string, error) {
	attach, err := g.CreateStep(
		fmt.Sprintf("attach %s to host %s", args.VolumeID, args.HostID),
		waitFor,
		volumeAction(OpDeviceAttach, args),
		ref(volumeAction(OpDeviceDetach, args)),
	)
	if err != nil {
		return "", err
	}
	return g.CreateStep(
		fmt.Sprintf("rescan host %s", args.HostID),
		attach,
		hostAction(OpHostRescan, args.HostID),
		nil,
	)
}

// addScheduleSteps: расписание снапшотов (откат: снятие расписания).
func addScheduleSteps(g *engine.Graph, waitFor string, args VolumeArgs) (string, error) {
	return g.CreateStep(
		fmt.Sprintf("set schedule %q on %s", args.Schedule, args.VolumeID),
		waitFor,
		volumeAction(OpScheduleSet, args),
		ref(volumeAction(OpScheduleClear, args)),
	)
}

// addReplicationSteps: репликация тома через дочерний граф
// (откат: разбор реплики).
//
// Дочерний граф работает с томом-репликой, поэтому родитель резервирует его
// заранее: иначе реплика блокировалась бы уже после томов родителя.
func addReplicationSteps(g *engine.Graph, waitFor string, args VolumeArgs) (string, error) {
	replica := ReplicaVolumeID(args.VolumeID)
	forward := volumeAction(OpVolumeReplicate, args)
	forward.Reserves = []string{replica}
	teardown := volumeAction(OpReplicaTeardown, args)
	teardown.Reserves = []string{replica}
	return g.CreateStep(
		fmt.Sprintf("replicate %s to array %s", args.VolumeID, args.ReplicaArrayID),
		waitFor,
		forward,
		&teardown,
	)
}

// addDetachSteps: отключение тома от хоста (откат: повторное подключение).
func addDetachSteps(g *engine.Graph, waitFor string, args VolumeArgs) (string, error) {
	return g.CreateStep(
		fmt.Sprintf("detach %s from host %s", args.VolumeID, args.HostID),
		waitFor,
		volumeAction(OpDeviceDetach, args),
		ref(volumeAction(OpDeviceAttach, args)),
	)
}

// addDeleteDeviceSteps: снятие расписания и удаление устройства. Удаление
// необратимо, поэтому у него нет компенсации.
func addDeleteDeviceSteps(g *engine.Graph, waitFor string, args VolumeArgs) (string, error) {
	cleared, err := g.CreateStep(
		fmt.Sprintf("clear schedule on %s", args.VolumeID),
		waitFor,
		volumeAction(OpScheduleClear, args),
		nil,
	)
	if err != nil {
		return "", err
	}
	return g.CreateStep(
		fmt.Sprintf("delete device %s", args.VolumeID),
		cleared,
		volumeAction(OpDeviceDelete, args),
		nil,
	)
}

// addIngestSteps: проверка и взятие неуправляемого тома под управление
// (откат: освобождение).
func addIngestSteps(g *engine.Graph, waitFor string, args VolumeArgs) (string, error) {
	validate, err := g.CreateStep(
		fmt.Sprintf("validate unmanaged volume %s", args.VolumeID),
		waitFor,
		volumeAction(OpVolumeValidate, args),
		nil,
	)
	if err != nil {
		return "", err
	}
	return g.CreateStep(
		fmt.Sprintf("ingest volume %s", args.VolumeID),
		validate,
		volumeAction(OpVolumeIngest, args),
		ref(volumeAction(OpVolumeRelease, args)),
	)
}

// CreateVolumeGraph строит граф создания тома:
//
//	create device ─┬─ attach ── rescan host
//	               ├─ set schedule
//	               └─ replicate (дочерний граф)
func CreateVolumeGraph(spec VolumeSpec) (*engine.Graph, error) {
	args := spec.args()
	g := engine.NewGraph("create volume " + spec.VolumeID)

	created, err := addCreateDeviceSteps(g, engine.Root, args)
	if err != nil {
		return nil, err
	}
	if spec.HostID != "" {
		if _, err := addAttachSteps(g, created, args); err != nil {
			return nil, err
		}
	}
	if spec.Schedule != "" {
		if _, err := addScheduleSteps(g, created, args); err != nil {
			return nil, err
		}
	}
	if spec.ReplicaArrayID != "" {
		if _, err := addReplicationSteps(g, created, args); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// DeleteVolumeGraph строит граф удаления тома.
func DeleteVolumeGraph(spec VolumeSpec) (*engine.Graph, error) {
	args := spec.args()
	g := engine.NewGraph("delete volume " + spec.VolumeID)

	last := engine.Root
	if spec.HostID != "" {
		var err error
		if last, err = addDetachSteps(g, last, args); err != nil {
			return nil, err
		}
	}
	if _, err := addDeleteDeviceSteps(g, last, args); err != nil {
		return nil, err
	}
	return g, nil
}

// IngestGraph строит граф ingest одного тома.
func IngestGraph(spec VolumeSpec) (*engine.Graph, error) {
	g := engine.NewGraph("ingest volume " + spec.VolumeID)
	if _, err := addIngestSteps(g, engine.Root, spec.args()); err != nil {
		return nil, err
	}
	return g, nil
}

// ReplicationGraph строит дочерний граф репликации: реплика создаётся на
// целевом массиве, затем запускается пара репликации.
func ReplicationGraph(args VolumeArgs) (*engine.Graph, error) {
	replica := VolumeArgs{
		VolumeID:  ReplicaVolumeID(args.VolumeID),
		ArrayID:   args.ReplicaArrayID,
		SizeGB:    args.SizeGB,
		ReplicaOf: args.VolumeID,
	}

	g := engine.NewGraph("replicate " + args.VolumeID)
	created, err := addCreateDeviceSteps(g, engine.Root, replica)
	if err != nil {
		return nil, err
	}
	_, err = g.CreateStep(
		fmt.Sprintf("start replication %s → %s", args.VolumeID, replica.VolumeID),
		created,
		volumeAction(OpReplicationStart, replica),
		ref(volumeAction(OpReplicationStop, replica)),
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ReplicaVolumeID возвращает ID реплики тома.
func ReplicaVolumeID(volumeID string) string {
	return volumeID + "-replica"
}
