package accounts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	"github.com/streamclub/allocator/pkg/pagination"
)

// Repository persists the local account records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByUser(ctx context.Context, userID int64) (*models.Account, error)
	FindByUsername(ctx context.Context, username string) (*models.Account, error)
	InsertOrReplaceExpired(ctx context.Context, account *models.Account) (bool, error)
	SetExpiry(ctx context.Context, userID int64, expiresAt time.Time, at time.Time) error
	ClaimExpiry(ctx context.Context, userID int64, now time.Time, force bool) (bool, error)
	ReleaseExpiry(ctx context.Context, userID int64, at time.Time) error
	MarkExpired(ctx context.Context, userID int64, at time.Time) (bool, error)
	UpdateUsername(ctx context.Context, userID int64, username string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, userID int64, hash string, at time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.Account, error)
	List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]models.Account, error)
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

func (r *repository) FindByUser(ctx context.Context, userID int64) (*models.Account, error) {
	var row models.Account
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindByUsername(ctx context.Context, username string) (*models.Account, error) {
	var row models.Account
	if err := r.db.WithContext(ctx).Where("username = ?", username).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// InsertOrReplaceExpired inserts the account, or overwrites the user's previous
// record only when that record is expired. False means a live row was kept.
func (r *repository) InsertOrReplaceExpired(ctx context.Context, account *models.Account) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"external_id", "username", "password_hash", "status", "expires_at", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Eq{Column: clause.Column{Table: "accounts", Name: "status"}, Value: enums.AccountStatusExpired},
			}},
		}).
		Create(account)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetExpiry moves the expiry of an active account. Expiring and expired rows
// report gorm.ErrRecordNotFound.
func (r *repository) SetExpiry(ctx context.Context, userID int64, expiresAt time.Time, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("user_id = ? AND status = ?", userID, enums.AccountStatusActive).
		UpdateColumns(map[string]any{
			"expires_at": expiresAt,
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

// ClaimExpiry moves the account to expiring before its media-server account is
// deleted. Without force only a lapsed active row, or one left expiring by an
// interrupted sweep, is claimed.
func (r *repository) ClaimExpiry(ctx context.Context, userID int64, now time.Time, force bool) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.Account{}).Where("user_id = ?", userID)
	if force {
		q = q.Where("status IN ?", []enums.AccountStatus{enums.AccountStatusActive, enums.AccountStatusExpiring})
	} else {
		q = q.Where("(status = ? OR (status = ? AND expires_at IS NOT NULL AND expires_at < ?))",
			enums.AccountStatusExpiring, enums.AccountStatusActive, now)
	}
	res := q.UpdateColumns(map[string]any{
		"status":     enums.AccountStatusExpiring,
		"updated_at": now,
	})
	return res.RowsAffected == 1, res.Error
}

// ReleaseExpiry hands a claimed row back after the media server refused the delete.
func (r *repository) ReleaseExpiry(ctx context.Context, userID int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("user_id = ? AND status = ?", userID, enums.AccountStatusExpiring).
		UpdateColumns(map[string]any{
			"status":     enums.AccountStatusActive,
			"updated_at": at,
		}).Error
}

// MarkExpired settles a claimed row; false when it was no longer expiring.
func (r *repository) MarkExpired(ctx context.Context, userID int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("user_id = ? AND status = ?", userID, enums.AccountStatusExpiring).
		UpdateColumns(map[string]any{
			"status":     enums.AccountStatusExpired,
			"updated_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *repository) UpdateUsername(ctx context.Context, userID int64, username string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]any{"username": username, "updated_at": at}).Error
}

func (r *repository) UpdatePasswordHash(ctx context.Context, userID int64, hash string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]any{"password_hash": hash, "updated_at": at}).Error
}

// ListDue returns lapsed active accounts and rows stuck in expiring. Rows
// touched longest ago come first, so a failed delete moves to the back.
func (r *repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Account, error) {
	var rows []models.Account
	err := r.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND expires_at IS NOT NULL AND expires_at < ?)",
			enums.AccountStatusExpiring, enums.AccountStatusActive, now).
		Order("updated_at ASC").
		Order("user_id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// List pages accounts newest first. The cursor key is the decimal user id.
func (r *repository) List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]models.Account, error) {
	q := r.db.WithContext(ctx).Model(&models.Account{})
	if cursor != nil {
		lastID, err := strconv.ParseInt(cursor.Key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cursor key: %w", err)
		}
		q = q.Where("created_at < ? OR (created_at = ? AND user_id < ?)", cursor.CreatedAt, cursor.CreatedAt, lastID)
	}
	var rows []models.Account
	err := q.Order("created_at DESC").Order("user_id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
