package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/streamclub/allocator/pkg/db/models"
)

// Repository persists balances and their audit trail. Every mutating method
// is a single conditional statement so callers can compose them inside one
// transaction via WithTx.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Ensure(ctx context.Context, userID int64) error
	Find(ctx context.Context, userID int64) (*models.ScoreBalance, error)
	BalanceOf(ctx context.Context, userID int64) (int64, error)
	Add(ctx context.Context, userID, amount int64, at time.Time) error
	SubtractIfSufficient(ctx context.Context, userID, amount int64, at time.Time) (bool, error)
	Set(ctx context.Context, userID, amount int64, at time.Time) error
	MarkSignIn(ctx context.Context, userID, amount int64, at, dayStart time.Time) (bool, error)
	AppendEntry(ctx context.Context, entry *models.LedgerEntry) error
	ListEntries(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Ensure inserts a zero balance row for userID if none exists.
func (r *repository) Ensure(ctx context.Context, userID int64) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ScoreBalance{UserID: userID}).Error
}

func (r *repository) Find(ctx context.Context, userID int64) (*models.ScoreBalance, error) {
	var row models.ScoreBalance
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// BalanceOf returns 0 for users without a row.
func (r *repository) BalanceOf(ctx context.Context, userID int64) (int64, error) {
	row, err := r.Find(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Balance, nil
}

func (r *repository) Add(ctx context.Context, userID, amount int64, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.ScoreBalance{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SubtractIfSufficient debits amount only when the balance covers it. A
// missing row reads as an insufficient balance.
func (r *repository) SubtractIfSufficient(ctx context.Context, userID, amount int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ScoreBalance{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		UpdateColumns(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) Set(ctx context.Context, userID, amount int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.ScoreBalance{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]any{
			"balance":    amount,
			"updated_at": at,
		}).Error
}

// MarkSignIn credits amount and stamps last_sign_in_at unless the user has
// already signed in at or after dayStart.
func (r *repository) MarkSignIn(ctx context.Context, userID, amount int64, at, dayStart time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ScoreBalance{}).
		Where("user_id = ? AND (last_sign_in_at IS NULL OR last_sign_in_at < ?)", userID, dayStart).
		UpdateColumns(map[string]any{
			"balance":         gorm.Expr("balance + ?", amount),
			"last_sign_in_at": at,
			"updated_at":      at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) AppendEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListEntries returns the newest entries first.
func (r *repository) ListEntries(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
