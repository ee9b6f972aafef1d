package cron

import (
	"context"
	"fmt"

	"github.com/streamclub/allocator/internal/accounts"
	"github.com/streamclub/allocator/pkg/logger"
)

type accountSweeper interface {
	ExpireDue(ctx context.Context) (*accounts.SweepResult, error)
}

type AccountExpiryJobParams struct {
	Logger   *logger.Logger
	Accounts accountSweeper
}

// NewAccountExpiryJob expires media-server accounts whose subscription lapsed.
func NewAccountExpiryJob(params AccountExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("accounts service required")
	}
	return &accountExpiryJob{logg: params.Logger, accounts: params.Accounts}, nil
}

type accountExpiryJob struct {
	logg     *logger.Logger
	accounts accountSweeper
}

func (j *accountExpiryJob) Name() string { return "account-expiry" }

func (j *accountExpiryJob) Run(ctx context.Context) error {
	result, err := j.accounts.ExpireDue(ctx)
	if result != nil {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"scanned": result.Scanned,
			"expired": result.Expired,
			"failed":  result.Failed,
		}), "account expiry sweep complete")
	}
	if err != nil {
		return fmt.Errorf("account expiry: %w", err)
	}
	return nil
}
