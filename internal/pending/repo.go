package pending

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/pkg/db/models"
)

// Repository persists confirmation records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, action *models.PendingAction) error
	Find(ctx context.Context, token uuid.UUID) (*models.PendingAction, error)
	Consume(ctx context.Context, token uuid.UUID, now time.Time) (bool, error)
	Release(ctx context.Context, token uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Insert(ctx context.Context, action *models.PendingAction) error {
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *repository) Find(ctx context.Context, token uuid.UUID) (*models.PendingAction, error) {
	var row models.PendingAction
	if err := r.db.WithContext(ctx).Where("token = ?", token).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Consume marks the action used if it is still open and unexpired.
func (r *repository) Consume(ctx context.Context, token uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PendingAction{}).
		Where("token = ? AND consumed_at IS NULL AND expires_at > ?", token, now).
		UpdateColumn("consumed_at", now)
	return res.RowsAffected == 1, res.Error
}

// Release reopens an action whose handler failed.
func (r *repository) Release(ctx context.Context, token uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.PendingAction{}).
		Where("token = ?", token).
		UpdateColumn("consumed_at", nil).Error
}

// DeleteExpired removes every action past its expiry, consumed or not.
func (r *repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.PendingAction{})
	return res.RowsAffected, res.Error
}
