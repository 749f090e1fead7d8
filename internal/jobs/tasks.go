package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	QueueDefault = "default"
	// TaskShiftReconcile re-reads a closed shift and raises a variance alert
	// when its difference exceeds the configured threshold.
	TaskShiftReconcile = "shift:reconcile"
)

type ShiftReconcilePayload struct {
	OrganizationID string `json:"organization_id"`
	ShiftID        string `json:"shift_id"`
}

func NewShiftReconcileTask(payload ShiftReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal reconcile payload: %w", err)
	}
	return asynq.NewTask(TaskShiftReconcile, data), nil
}

// reconcileTaskID makes the enqueue idempotent per shift.
func reconcileTaskID(shiftID string) string {
	return TaskShiftReconcile + ":" + shiftID
}
