package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher schedules reconciliation of closed shifts.
type Publisher struct {
	client enqueuer
	closer func() error
	logger *zap.Logger
}

func NewPublisher(redisOpts asynq.RedisClientOpt, logger *zap.Logger) *Publisher {
	client := asynq.NewClient(redisOpts)
	return &Publisher{client: client, closer: client.Close, logger: logger.Named("jobs")}
}

func (p *Publisher) ShiftClosed(ctx context.Context, shift domain.Shift) error {
	task, err := NewShiftReconcileTask(ShiftReconcilePayload{
		OrganizationID: shift.OrganizationID,
		ShiftID:        shift.ID,
	})
	if err != nil {
		return err
	}
	info, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.TaskID(reconcileTaskID(shift.ID)),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.Debug("shift reconciliation enqueued", zap.String("shift_id", shift.ID), zap.String("task_id", info.ID))
	return nil
}

func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
