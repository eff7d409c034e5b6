package mq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Strata/internal/executor"
)

// JobNotifier принимает push-уведомления о job (реализуется poller.Poller).
type JobNotifier interface {
	Notify(deviceID, jobID string, state executor.JobState) bool
}

// JobCompletedHandler возвращает обработчик очереди jobs.completed.
//
// Уведомление о job, которую этот экземпляр не опрашивает, подтверждается
// без действий: Poller владельца job получит статус опросом.
func JobCompletedHandler(n JobNotifier, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, d *Delivery) error {
		if d.Message.Type != MessageTypeJobCompleted {
			return fmt.Errorf("%w: %s", ErrUnexpectedMessage, d.Message.Type)
		}

		payload, err := ParsePayload[JobCompletedPayload](&d.Message)
		if err != nil {
			return err
		}

		state := executor.JobState{
			Status:    executor.JobStatus(payload.Status),
			SubStatus: payload.SubStatus,
			Message:   payload.Message,
		}
		if !state.Status.IsTerminal() {
			state.Status = executor.JobPending
		}

		if !n.Notify(payload.DeviceID, payload.JobID, state) {
			logger.Debug("job notification for unknown job",
				"device_id", payload.DeviceID,
				"job_id", payload.JobID,
			)
		}
		return nil
	}
}
