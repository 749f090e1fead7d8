package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
)

type ShiftReader interface {
	GetShift(ctx context.Context, orgID string, shiftID string) (*domain.Shift, error)
}

type AlertRecorder interface {
	VarianceAlert(orgID string, variance string)
}

// Reconciler handles TaskShiftReconcile.
type Reconciler struct {
	shifts    ShiftReader
	alerts    AlertRecorder
	threshold int64
	logger    *zap.Logger
}

func NewReconciler(shifts ShiftReader, alerts AlertRecorder, threshold int64, logger *zap.Logger) *Reconciler {
	if threshold < 0 {
		threshold = 0
	}
	return &Reconciler{shifts: shifts, alerts: alerts, threshold: threshold, logger: logger.Named("jobs")}
}

func (r *Reconciler) Handle(ctx context.Context, task *asynq.Task) error {
	var payload ShiftReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.OrganizationID == "" || payload.ShiftID == "" {
		return fmt.Errorf("reconcile payload without shift: %w", asynq.SkipRetry)
	}

	shift, err := r.shifts.GetShift(ctx, payload.OrganizationID, payload.ShiftID)
	if errors.Is(err, store.ErrShiftNotFound) {
		return fmt.Errorf("shift %s: %v: %w", payload.ShiftID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if shift.Status != domain.ShiftStatusClosed || shift.Difference == nil {
		return fmt.Errorf("shift %s is not closed: %w", shift.ID, asynq.SkipRetry)
	}

	diff := *shift.Difference
	abs := diff
	if abs < 0 {
		abs = -abs
	}
	fields := []zap.Field{
		zap.String("org_id", shift.OrganizationID),
		zap.String("shift_id", shift.ID),
		zap.String("register_id", shift.RegisterID),
		zap.String("operator", shift.OperatorName),
		zap.Int64("expected_cash", *shift.ExpectedCash),
		zap.Int64("counted_cash", *shift.CountedCash),
		zap.Int64("difference", diff),
	}
	if abs <= r.threshold {
		r.logger.Info("shift reconciled", fields...)
		return nil
	}

	variance := shift.Variance()
	r.logger.Warn("shift variance above threshold", append(fields, zap.String("variance", variance), zap.Int64("threshold", r.threshold))...)
	if r.alerts != nil {
		r.alerts.VarianceAlert(shift.OrganizationID, variance)
	}
	return nil
}
