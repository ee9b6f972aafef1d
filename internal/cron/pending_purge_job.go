package cron

import (
	"context"
	"fmt"

	"github.com/streamclub/allocator/pkg/logger"
)

type pendingPurger interface {
	Purge(ctx context.Context) (int64, error)
}

type PendingPurgeJobParams struct {
	Logger  *logger.Logger
	Pending pendingPurger
}

// NewPendingPurgeJob removes confirmation records past their expiry.
func NewPendingPurgeJob(params PendingPurgeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Pending == nil {
		return nil, fmt.Errorf("pending service required")
	}
	return &pendingPurgeJob{logg: params.Logger, pending: params.Pending}, nil
}

type pendingPurgeJob struct {
	logg    *logger.Logger
	pending pendingPurger
}

func (j *pendingPurgeJob) Name() string { return "pending-action-purge" }

func (j *pendingPurgeJob) Run(ctx context.Context) error {
	deleted, err := j.pending.Purge(ctx)
	if err != nil {
		return fmt.Errorf("pending action purge: %w", err)
	}
	if deleted > 0 {
		j.logg.Info(j.logg.WithField(ctx, "rows_deleted", deleted), "expired pending actions purged")
	}
	return nil
}
