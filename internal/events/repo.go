package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/pkg/db/models"
)

// Repository persists distribution events, their shares and the claim rows
// written against them.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, event *models.DistributionEvent, shares []models.EventShare) error
	Find(ctx context.Context, id uuid.UUID) (*models.DistributionEvent, error)
	ShareAt(ctx context.Context, id uuid.UUID, position int) (*models.EventShare, error)
	ListShares(ctx context.Context, id uuid.UUID) ([]models.EventShare, error)
	AdvanceClaimed(ctx context.Context, id uuid.UUID, expected int, finishedAt *time.Time, at time.Time) (bool, error)
	FindClaim(ctx context.Context, id uuid.UUID, userID int64) (*models.EventClaim, error)
	InsertClaim(ctx context.Context, claim *models.EventClaim) error
	ListClaims(ctx context.Context, id uuid.UUID) ([]models.EventClaim, error)
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

func (r *repository) Create(ctx context.Context, event *models.DistributionEvent, shares []models.EventShare) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return err
	}
	if len(shares) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(shares, 200).Error
}

func (r *repository) Find(ctx context.Context, id uuid.UUID) (*models.DistributionEvent, error) {
	var row models.DistributionEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) ShareAt(ctx context.Context, id uuid.UUID, position int) (*models.EventShare, error) {
	var row models.EventShare
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND position = ?", id, position).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) ListShares(ctx context.Context, id uuid.UUID) ([]models.EventShare, error) {
	var rows []models.EventShare
	err := r.db.WithContext(ctx).Where("event_id = ?", id).Order("position ASC").Find(&rows).Error
	return rows, err
}

// AdvanceClaimed bumps claimed_count from expected to expected+1. It reports
// false when another claim moved the counter first.
func (r *repository) AdvanceClaimed(ctx context.Context, id uuid.UUID, expected int, finishedAt *time.Time, at time.Time) (bool, error) {
	updates := map[string]any{
		"claimed_count": gorm.Expr("claimed_count + 1"),
		"version":       gorm.Expr("version + 1"),
		"updated_at":    at,
	}
	if finishedAt != nil {
		updates["finished_at"] = *finishedAt
	}
	res := r.db.WithContext(ctx).
		Model(&models.DistributionEvent{}).
		Where("id = ? AND claimed_count = ?", id, expected).
		UpdateColumns(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) FindClaim(ctx context.Context, id uuid.UUID, userID int64) (*models.EventClaim, error) {
	var row models.EventClaim
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ?", id, userID).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) InsertClaim(ctx context.Context, claim *models.EventClaim) error {
	return r.db.WithContext(ctx).Create(claim).Error
}

func (r *repository) ListClaims(ctx context.Context, id uuid.UUID) ([]models.EventClaim, error) {
	var rows []models.EventClaim
	err := r.db.WithContext(ctx).Where("event_id = ?", id).Order("position ASC").Find(&rows).Error
	return rows, err
}
