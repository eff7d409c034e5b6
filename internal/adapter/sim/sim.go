// Package sim реализует симулятор массива хранения для демо и тестов.
//
// Симулятор хранит устройства, подключения, расписания и пары репликации
// в памяти и выполняет операции блочного контроллера. Создание устройства
// может выполняться асинхронно: адаптер возвращает job, которая завершается
// через JobDuration. Переключатели отказов позволяют ронять операции
// бизнес-ошибкой, транспортной ошибкой или ошибкой job.
//
// Повторный вызов с тем же ключом идемпотентности возвращает сохранённый
// результат, как у настоящего провайдера.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/shaiso/Strata/internal/controller"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/executor"
	"github.com/shaiso/Strata/internal/fault"
)

// NotifyFunc получает push-уведомление о завершении job.
type NotifyFunc func(deviceID, jobID string, state executor.JobState)

// Config — конфигурация симулятора.
type Config struct {
	// ID — идентификатор массива (DeviceID в job).
	ID string

	// AsyncCreate — создание устройства выполняется асинхронной job.
	AsyncCreate bool

	// JobDuration — время выполнения job (default: 50ms).
	JobDuration time.Duration

	// Notify — push-уведомления о завершении job (опционально).
	Notify NotifyFunc

	Clock  clock.Clock
	Logger *slog.Logger
}

// Device — устройство (том) на массиве.
type Device struct {
	ID        string
	SizeGB    int
	ReplicaOf string
	Online    bool
	Managed   bool
}

type job struct {
	id      string
	op      string
	args    controller.VolumeArgs
	doneAt  time.Time
	fail    string
	applied bool
}

// Array — симулятор массива.
type Array struct {
	id          string
	async       bool
	jobDuration time.Duration
	notify      NotifyFunc
	clock       clock.Clock
	logger      *slog.Logger

	mu           sync.Mutex
	devices      map[string]*Device
	attachments  map[string]string
	schedules    map[string]string
	replications map[string]string
	rescans      map[string]int
	jobs         map[string]*job
	results      map[string]*executor.Result

	failures  map[string]string
	transport map[string]int
	jobFails  map[string]string
	calls     []string
}

// New создаёт симулятор.
func New(cfg Config) *Array {
	a := &Array{
		id:           cfg.ID,
		async:        cfg.AsyncCreate,
		jobDuration:  cfg.JobDuration,
		notify:       cfg.Notify,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		devices:      make(map[string]*Device),
		attachments:  make(map[string]string),
		schedules:    make(map[string]string),
		replications: make(map[string]string),
		rescans:      make(map[string]int),
		jobs:         make(map[string]*job),
		results:      make(map[string]*executor.Result),
		failures:     make(map[string]string),
		transport:    make(map[string]int),
		jobFails:     make(map[string]string),
	}
	if a.id == "" {
		a.id = "sim-array"
	}
	if a.jobDuration <= 0 {
		a.jobDuration = 50 * time.Millisecond
	}
	if a.clock == nil {
		a.clock = clock.WallClock
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Register регистрирует операции массива и хоста, JobPoller массива.
func (a *Array) Register(reg *executor.Registry) {
	for _, op := range controller.DeviceOperations() {
		reg.Register(op, a)
	}
	reg.Register(controller.OpHostRescan, a)
	reg.RegisterPoller(controller.TargetArray, a)
}

// --- Failure switches ---

// FailOn роняет операцию бизнес-ошибкой с кодом code.
func (a *Array) FailOn(op, code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = code
}

// FailTransport роняет следующие n вызовов операции транспортной ошибкой.
func (a *Array) FailTransport(op string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transport[op] = n
}

// FailJob завершает job операции ошибкой с сообщением msg.
func (a *Array) FailJob(op, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobFails[op] = msg
}

// Heal снимает все переключатели отказов.
func (a *Array) Heal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = make(map[string]string)
	a.transport = make(map[string]int)
	a.jobFails = make(map[string]string)
}

// AddUnmanaged добавляет неуправляемый том (для ingest).
func (a *Array) AddUnmanaged(volumeID string, sizeGB int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[volumeID] = &Device{ID: volumeID, SizeGB: sizeGB, Online: true}
}

// --- Inspection ---

// Device возвращает копию устройства.
func (a *Array) Device(id string) (Device, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Devices возвращает отсортированные ID устройств.
func (a *Array) Devices() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.devices))
	for id := range a.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Attachment возвращает хост, к которому подключён том.
func (a *Array) Attachment(volumeID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attachments[volumeID]
}

// Schedule возвращает расписание тома.
func (a *Array) Schedule(volumeID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schedules[volumeID]
}

// Replica возвращает реплику тома.
func (a *Array) Replica(volumeID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.replications[volumeID]
}

// Rescans возвращает число пересканирований хоста.
func (a *Array) Rescans(hostID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rescans[hostID]
}

// Calls возвращает журнал вызовов "operation:target".
func (a *Array) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

// --- executor.Handler ---

// Invoke реализует executor.Handler.
func (a *Array) Invoke(ctx context.Context, inv executor.Invocation) (*executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	op := inv.Action.Operation
	a.calls = append(a.calls, op+":"+inv.Action.TargetID)

	if n := a.transport[op]; n > 0 {
		a.transport[op] = n - 1
		return nil, fault.Transport(fault.CodeTransport, fmt.Sprintf("%s: connection reset by %s", op, a.id), nil)
	}
	if code, ok := a.failures[op]; ok {
		return nil, fault.Businessf(code, "%s rejected by %s", op, a.id)
	}

	if inv.IdempotencyKey != "" {
		if res, ok := a.results[inv.IdempotencyKey]; ok {
			return res, nil
		}
	}

	res, err := a.apply(inv)
	if err != nil {
		return nil, err
	}
	if inv.IdempotencyKey != "" {
		a.results[inv.IdempotencyKey] = res
	}
	return res, nil
}

// apply выполняет операцию. Вызывается под a.mu.
func (a *Array) apply(inv executor.Invocation) (*executor.Result, error) {
	op := inv.Action.Operation

	if op == controller.OpHostRescan {
		a.rescans[inv.Action.TargetID]++
		return &executor.Result{Message: "host " + inv.Action.TargetID + " rescanned"}, nil
	}

	args, err := controller.ParseVolumeArgs(inv.Action)
	if err != nil {
		return nil, fault.Business(fault.CodeAdapterError, err.Error())
	}
	vol := args.VolumeID

	switch op {
	case controller.OpDeviceCreate:
		if d, ok := a.devices[vol]; ok && d.Managed {
			return nil, fault.Businessf("DEVICE_EXISTS", "device %s already exists", vol)
		}
		if a.async {
			return a.startJob(op, args), nil
		}
		a.devices[vol] = &Device{ID: vol, SizeGB: args.SizeGB, ReplicaOf: args.ReplicaOf, Online: true, Managed: true}
		return &executor.Result{Message: "device " + vol + " created"}, nil

	case controller.OpDeviceDelete:
		delete(a.devices, vol)
		delete(a.schedules, vol)
		delete(a.attachments, vol)
		return &executor.Result{Message: "device " + vol + " deleted"}, nil

	case controller.OpDeviceAttach:
		if _, ok := a.devices[vol]; !ok {
			return nil, fault.Businessf("DEVICE_NOT_FOUND", "device %s not found", vol)
		}
		a.attachments[vol] = args.HostID
		return &executor.Result{Message: fmt.Sprintf("%s attached to %s", vol, args.HostID)}, nil

	case controller.OpDeviceDetach:
		delete(a.attachments, vol)
		return &executor.Result{Message: vol + " detached"}, nil

	case controller.OpScheduleSet:
		if _, ok := a.devices[vol]; !ok {
			return nil, fault.Businessf("DEVICE_NOT_FOUND", "device %s not found", vol)
		}
		a.schedules[vol] = args.Schedule
		return &executor.Result{Message: fmt.Sprintf("schedule %s set on %s", args.Schedule, vol)}, nil

	case controller.OpScheduleClear:
		delete(a.schedules, vol)
		return &executor.Result{Message: "schedule cleared on " + vol}, nil

	case controller.OpVolumeValidate:
		d, ok := a.devices[vol]
		if !ok {
			return nil, fault.Businessf("DEVICE_NOT_FOUND", "volume %s not found", vol)
		}
		if d.Managed {
			return nil, fault.Businessf("ALREADY_MANAGED", "volume %s is already managed", vol)
		}
		return &executor.Result{Message: "volume " + vol + " can be ingested"}, nil

	case controller.OpVolumeIngest:
		d, ok := a.devices[vol]
		if !ok {
			return nil, fault.Businessf("DEVICE_NOT_FOUND", "volume %s not found", vol)
		}
		d.Managed = true
		return &executor.Result{Message: "volume " + vol + " ingested"}, nil

	case controller.OpVolumeRelease:
		if d, ok := a.devices[vol]; ok {
			d.Managed = false
		}
		return &executor.Result{Message: "volume " + vol + " released"}, nil

	case controller.OpReplicationStart:
		if _, ok := a.devices[args.ReplicaOf]; !ok {
			return nil, fault.Businessf("DEVICE_NOT_FOUND", "source volume %s not found", args.ReplicaOf)
		}
		a.replications[args.ReplicaOf] = vol
		return &executor.Result{Message: fmt.Sprintf("replication %s → %s started", args.ReplicaOf, vol)}, nil

	case controller.OpReplicationStop:
		delete(a.replications, args.ReplicaOf)
		return &executor.Result{Message: "replication of " + args.ReplicaOf + " stopped"}, nil

	case controller.OpReplicaTeardown:
		replica := controller.ReplicaVolumeID(vol)
		delete(a.replications, vol)
		delete(a.devices, replica)
		return &executor.Result{Message: "replica " + replica + " removed"}, nil
	}

	return nil, fault.Businessf(fault.CodeUnknownOperation, "%s: unsupported by %s", op, a.id)
}

// startJob запускает асинхронную job. Вызывается под a.mu.
func (a *Array) startJob(op string, args controller.VolumeArgs) *executor.Result {
	j := &job{
		id:     uuid.NewString(),
		op:     op,
		args:   args,
		doneAt: a.clock.Now().Add(a.jobDuration),
		fail:   a.jobFails[op],
	}
	a.jobs[j.id] = j

	if a.notify != nil {
		a.clock.AfterFunc(a.jobDuration, func() {
			a.mu.Lock()
			state := a.jobState(j)
			a.mu.Unlock()
			a.notify(a.id, j.id, state)
		})
	}

	return &executor.Result{
		Message: fmt.Sprintf("%s accepted as job %s", op, j.id),
		Job:     &executor.JobRef{DeviceID: a.id, JobID: j.id},
	}
}

// PollJob реализует executor.JobPoller.
func (a *Array) PollJob(ctx context.Context, h domain.JobHandle) (executor.JobState, error) {
	if err := ctx.Err(); err != nil {
		return executor.JobState{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[h.JobID]
	if !ok {
		return executor.JobState{}, fmt.Errorf("job %s not found on %s", h.JobID, a.id)
	}
	return a.jobState(j), nil
}

// jobState возвращает состояние job и применяет её результат. Вызывается под a.mu.
func (a *Array) jobState(j *job) executor.JobState {
	if a.clock.Now().Before(j.doneAt) {
		return executor.JobState{Status: executor.JobPending, SubStatus: "running"}
	}
	if j.fail != "" {
		return executor.JobState{Status: executor.JobFailed, Message: j.fail}
	}
	if !j.applied {
		j.applied = true
		vol := j.args.VolumeID
		a.devices[vol] = &Device{ID: vol, SizeGB: j.args.SizeGB, ReplicaOf: j.args.ReplicaOf, Online: true, Managed: true}
	}
	return executor.JobState{Status: executor.JobSucceeded, Message: "device " + j.args.VolumeID + " created"}
}
