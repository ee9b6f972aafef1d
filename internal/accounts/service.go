package accounts

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/internal/provisioner"
	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/outbox"
	"github.com/streamclub/allocator/pkg/pagination"
	"github.com/streamclub/allocator/pkg/security"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{2,31}$`)

// Provisioned is returned once, right after an account is created. Password is
// the only copy of the plaintext.
type Provisioned struct {
	Account  models.Account `json:"account"`
	Password string         `json:"password"`
}

// SweepResult summarises one ExpireDue run.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// Service manages the local account records and keeps the media server in step.
type Service interface {
	Get(ctx context.Context, userID int64) (*models.Account, error)
	HasActive(ctx context.Context, userID int64) (bool, error)
	List(ctx context.Context, params ListParams) (*pagination.Page[models.Account], error)
	Provision(ctx context.Context, userID int64, username string) (*Provisioned, error)
	ExtendTx(ctx context.Context, tx *gorm.DB, userID int64, days int) (*models.Account, error)
	Rename(ctx context.Context, userID int64, username string) (*models.Account, error)
	ResetPassword(ctx context.Context, userID int64) (string, error)
	Expire(ctx context.Context, userID int64) error
	ExpireDue(ctx context.Context) (*SweepResult, error)
}

// ListParams pages the admin account listing.
type ListParams struct {
	Cursor string
	Limit  int
}

// ServiceParams bundles the account dependencies.
type ServiceParams struct {
	DB          db.TxRunner
	Repo        Repository
	Provisioner provisioner.AccountProvisioner
	Outbox      outbox.Emitter
	Logger      *logger.Logger
	Config      config.AccountsConfig
	Password    config.PasswordConfig
	Now         func() time.Time
}

type service struct {
	db          db.TxRunner
	repo        Repository
	provisioner provisioner.AccountProvisioner
	outbox      outbox.Emitter
	logg        *logger.Logger
	cfg         config.AccountsConfig
	password    config.PasswordConfig
	now         func() time.Time
}

// NewService wires the account service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("accounts repository required")
	}
	if params.Provisioner == nil {
		return nil, fmt.Errorf("account provisioner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Password.Length <= 0 {
		return nil, fmt.Errorf("password length must be positive")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	if params.Config.SweepBatch <= 0 {
		params.Config.SweepBatch = 100
	}
	return &service{
		db:          params.DB,
		repo:        params.Repo,
		provisioner: params.Provisioner,
		outbox:      params.Outbox,
		logg:        logg,
		cfg:         params.Config,
		password:    params.Password,
		now:         now,
	}, nil
}

func (s *service) Get(ctx context.Context, userID int64) (*models.Account, error) {
	if userID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id must be positive")
	}
	account, err := s.repo.FindByUser(ctx, userID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load account")
	}
	return account, nil
}

func (s *service) HasActive(ctx context.Context, userID int64) (bool, error) {
	account, err := s.repo.FindByUser(ctx, userID)
	if err != nil {
		if db.IsNotFound(err) {
			return false, nil
		}
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load account")
	}
	return account.IsActive(s.now().UTC()), nil
}

func (s *service) List(ctx context.Context, params ListParams) (*pagination.Page[models.Account], error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.List(ctx, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list accounts")
	}
	page := pagination.Trim(rows, limit, func(a models.Account) pagination.Cursor {
		return pagination.Cursor{CreatedAt: a.CreatedAt, Key: strconv.FormatInt(a.UserID, 10)}
	})
	return &page, nil
}

// Provision creates the media-server account first, then records it locally.
// If the local write fails the external account is removed again.
func (s *service) Provision(ctx context.Context, userID int64, username string) (*Provisioned, error) {
	if userID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id must be positive")
	}
	if !usernamePattern.MatchString(username) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "username must be 3-32 letters, digits, '.', '_' or '-'")
	}
	ctx = s.logg.WithUserID(ctx, userID)

	existing, err := s.repo.FindByUser(ctx, userID)
	if err != nil && !db.IsNotFound(err) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load account")
	}
	now := s.now().UTC()
	if existing != nil && existing.IsActive(now) {
		return nil, pkgerrors.Rule(pkgerrors.ReasonAccountExists, "user already has an active account")
	}
	taken, err := s.repo.FindByUsername(ctx, username)
	if err != nil && !db.IsNotFound(err) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check username")
	}
	if taken != nil && taken.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "username is already taken")
	}
	// A lapsed account the sweep has not reached still has a live login.
	if existing != nil && existing.Status != enums.AccountStatusExpired {
		if _, err := s.expire(ctx, *existing, false); err != nil {
			return nil, err
		}
	}

	password, err := security.GeneratePassword(s.password.Length)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate password")
	}
	hash, err := security.HashPassword(password, s.password)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash password")
	}

	externalID, err := s.provisioner.CreateAccount(ctx, username, password)
	if err != nil {
		s.logg.Error(ctx, "media server account creation failed", err)
		return nil, asDependency(err, "create media server account")
	}

	account := models.Account{
		UserID:       userID,
		ExternalID:   externalID,
		Username:     username,
		PasswordHash: hash,
		Status:       enums.AccountStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.cfg.InitialDays > 0 {
		expires := now.AddDate(0, 0, s.cfg.InitialDays)
		account.ExpiresAt = &expires
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		saved, err := s.repo.WithTx(tx).InsertOrReplaceExpired(ctx, &account)
		if err != nil {
			if db.IsUniqueViolation(err, "uq_accounts_username") {
				return pkgerrors.New(pkgerrors.CodeValidation, "username is already taken")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save account")
		}
		if !saved {
			return pkgerrors.Rule(pkgerrors.ReasonAccountExists, "user already has an account")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAccountProvisioned,
			AggregateType: enums.AggregateAccount,
			AggregateID:   strconv.FormatInt(userID, 10),
			Actor:         &outbox.ActorRef{UserID: userID},
			Data: ProvisionedEvent{
				UserID:    userID,
				Username:  username,
				ExpiresAt: account.ExpiresAt,
			},
		})
	})
	if err != nil {
		if delErr := s.provisioner.DeleteAccount(ctx, externalID); delErr != nil {
			s.logg.Error(s.logg.WithField(ctx, "external_id", externalID), "failed to remove orphaned media server account", delErr)
		}
		return nil, err
	}

	s.logg.Info(s.logg.WithField(ctx, "username", username), "account provisioned")
	return &Provisioned{Account: account, Password: password}, nil
}

// ExtendTx pushes the expiry forward by days inside tx. The base is the later
// of the current expiry and now. Once the sweep has claimed an account its
// media-server login is gone, so the renewal is refused and the caller's
// transaction rolls back.
func (s *service) ExtendTx(ctx context.Context, tx *gorm.DB, userID int64, days int) (*models.Account, error) {
	if days <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "extension days must be positive")
	}
	repo := s.repo.WithTx(tx)
	account, err := repo.FindByUser(ctx, userID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user has no account to renew")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load account")
	}
	if account.Status != enums.AccountStatusActive {
		return nil, errAccountGone()
	}

	now := s.now().UTC()
	base := now
	lapsed := account.ExpiresAt != nil && !account.ExpiresAt.After(now)
	if account.ExpiresAt != nil && !lapsed {
		base = account.ExpiresAt.UTC()
	}
	expires := base.AddDate(0, 0, days)
	previous := account.ExpiresAt

	if err := repo.SetExpiry(ctx, userID, expires, now); err != nil {
		if db.IsNotFound(err) {
			return nil, errAccountGone()
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "extend account")
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionExtended,
		AggregateType: enums.AggregateAccount,
		AggregateID:   strconv.FormatInt(userID, 10),
		Actor:         &outbox.ActorRef{UserID: userID},
		Data: ExtendedEvent{
			UserID:      userID,
			Days:        days,
			PreviousEnd: previous,
			ExpiresAt:   expires,
			Lapsed:      lapsed,
		},
	}); err != nil {
		return nil, err
	}

	account.ExpiresAt = &expires
	account.UpdatedAt = now
	return account, nil
}

func errAccountGone() error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "account has expired, redeem an invite for a new one")
}

func (s *service) Rename(ctx context.Context, userID int64, username string) (*models.Account, error) {
	if !usernamePattern.MatchString(username) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "username must be 3-32 letters, digits, '.', '_' or '-'")
	}
	account, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account.Username == username {
		return account, nil
	}
	taken, err := s.repo.FindByUsername(ctx, username)
	if err != nil && !db.IsNotFound(err) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check username")
	}
	if taken != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "username is already taken")
	}

	if err := s.provisioner.RenameAccount(ctx, account.ExternalID, username); err != nil {
		return nil, asDependency(err, "rename media server account")
	}
	now := s.now().UTC()
	if err := s.repo.UpdateUsername(ctx, userID, username, now); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save username")
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithUserID(ctx, userID), map[string]any{"from": account.Username, "to": username}), "account renamed")
	account.Username = username
	account.UpdatedAt = now
	return account, nil
}

// ResetPassword sets a fresh random password and returns it.
func (s *service) ResetPassword(ctx context.Context, userID int64) (string, error) {
	account, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	password, err := security.GeneratePassword(s.password.Length)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate password")
	}
	hash, err := security.HashPassword(password, s.password)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash password")
	}
	if err := s.provisioner.ResetPassword(ctx, account.ExternalID, password); err != nil {
		return "", asDependency(err, "reset media server password")
	}
	if err := s.repo.UpdatePasswordHash(ctx, userID, hash, s.now().UTC()); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save password")
	}
	s.logg.Info(s.logg.WithUserID(ctx, userID), "account password reset")
	return password, nil
}

// Expire deletes the media-server account and marks the local record expired.
func (s *service) Expire(ctx context.Context, userID int64) error {
	account, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if account.Status == enums.AccountStatusExpired {
		return nil
	}
	_, err = s.expire(ctx, *account, true)
	return err
}

// ExpireDue expires every active account past its expiry. Each account is
// handled on its own so one failure does not stop the sweep.
func (s *service) ExpireDue(ctx context.Context) (*SweepResult, error) {
	now := s.now().UTC()
	due, err := s.repo.ListDue(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list due accounts")
	}

	result := &SweepResult{Scanned: len(due)}
	var errs error
	for _, account := range due {
		expired, err := s.expire(ctx, account, false)
		if err != nil {
			result.Failed++
			errs = multierr.Append(errs, fmt.Errorf("user %d: %w", account.UserID, err))
			continue
		}
		if expired {
			result.Expired++
		}
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"scanned": result.Scanned,
		"expired": result.Expired,
		"failed":  result.Failed,
	}), "account expiry sweep finished")
	return result, errs
}

// expire claims the row, deletes the media-server account and then settles
// the row as expired. A refused delete hands the row back to the next sweep.
// Without force only lapsed rows are claimed, so a renewal that lands first
// keeps its account.
func (s *service) expire(ctx context.Context, account models.Account, force bool) (bool, error) {
	ctx = s.logg.WithUserID(ctx, account.UserID)
	repo := s.repo

	claimed, err := repo.ClaimExpiry(ctx, account.UserID, s.now().UTC(), force)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim account expiry")
	}
	if !claimed {
		return false, nil
	}

	if err := s.provisioner.DeleteAccount(ctx, account.ExternalID); err != nil && !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		s.logg.Error(ctx, "media server account deletion failed", err)
		if relErr := repo.ReleaseExpiry(ctx, account.UserID, s.now().UTC()); relErr != nil {
			s.logg.Error(ctx, "failed to release account expiry claim", relErr)
		}
		return false, asDependency(err, "delete media server account")
	}

	now := s.now().UTC()
	expired := false
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := repo.WithTx(tx).MarkExpired(ctx, account.UserID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark account expired")
		}
		if !changed {
			// settled by another sweep
			return nil
		}
		expired = true
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAccountExpired,
			AggregateType: enums.AggregateAccount,
			AggregateID:   strconv.FormatInt(account.UserID, 10),
			Data: ExpiredEvent{
				UserID:    account.UserID,
				Username:  account.Username,
				ExpiredAt: now,
			},
		}); err != nil {
			return err
		}
		s.logg.Info(ctx, "account expired")
		return nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

func asDependency(err error, msg string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
