package tokens

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	"github.com/streamclub/allocator/pkg/pagination"
)

// Repository persists redemption tokens.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, token *models.Token) error
	Find(ctx context.Context, code string) (*models.Token, error)
	MarkUsed(ctx context.Context, code string, userID int64, at time.Time) (bool, error)
	Restore(ctx context.Context, code string, userID int64) (bool, error)
	ListUnused(ctx context.Context, kind enums.TokenKind, cursor *pagination.Cursor, limit int) ([]models.Token, error)
	Delete(ctx context.Context, code string) (bool, error)
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

func (r *repository) Insert(ctx context.Context, token *models.Token) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *repository) Find(ctx context.Context, code string) (*models.Token, error) {
	var row models.Token
	if err := r.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// MarkUsed is the consumption CAS. It reports false when another caller got there first.
func (r *repository) MarkUsed(ctx context.Context, code string, userID int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Token{}).
		Where("code = ? AND used = ?", code, false).
		UpdateColumns(map[string]any{
			"used":        true,
			"redeemed_by": userID,
			"redeemed_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// Restore undoes MarkUsed for the same redeemer.
func (r *repository) Restore(ctx context.Context, code string, userID int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Token{}).
		Where("code = ? AND redeemed_by = ?", code, userID).
		UpdateColumns(map[string]any{
			"used":        false,
			"redeemed_by": nil,
			"redeemed_at": nil,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *repository) ListUnused(ctx context.Context, kind enums.TokenKind, cursor *pagination.Cursor, limit int) ([]models.Token, error) {
	q := r.db.WithContext(ctx).Where("used = ?", false)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if cursor != nil {
		q = q.Where("created_at < ? OR (created_at = ? AND code < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.Key)
	}
	var rows []models.Token
	err := q.Order("created_at DESC").Order("code DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (r *repository) Delete(ctx context.Context, code string) (bool, error) {
	res := r.db.WithContext(ctx).Where("code = ?", code).Delete(&models.Token{})
	return res.RowsAffected == 1, res.Error
}
