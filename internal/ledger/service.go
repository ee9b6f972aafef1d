package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/metrics"
	"github.com/streamclub/allocator/pkg/outbox"
)

const defaultHistoryLimit = 20

// Entry describes the audit row written with a composed mutation.
type Entry struct {
	Type      enums.LedgerEntryType
	Reference string
}

// TransferResult carries both balances after a transfer.
type TransferResult struct {
	FromBalance int64 `json:"from_balance"`
	ToBalance   int64 `json:"to_balance"`
}

// AwardResult is returned by SignIn and Grant.
type AwardResult struct {
	Amount  int64 `json:"amount"`
	Balance int64 `json:"balance"`
}

// Service is the only writer of score balances.
type Service interface {
	Balance(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
	Credit(ctx context.Context, userID, amount int64) (int64, error)
	Debit(ctx context.Context, userID, amount int64) (int64, error)
	Transfer(ctx context.Context, fromID, toID, amount int64) (*TransferResult, error)
	SetBalance(ctx context.Context, userID, amount int64) (int64, error)
	SignIn(ctx context.Context, userID int64) (*AwardResult, error)
	Grant(ctx context.Context, userID, maxAmount int64) (*AwardResult, error)

	CreditTx(ctx context.Context, tx *gorm.DB, userID, amount int64, entry Entry) (int64, error)
	DebitTx(ctx context.Context, tx *gorm.DB, userID, amount int64, entry Entry) (int64, error)
	ReportInsufficient(ctx context.Context, userID, requested int64, reference string)
}

// ServiceParams bundles the ledger dependencies.
type ServiceParams struct {
	DB      db.TxRunner
	Repo    Repository
	Outbox  outbox.Emitter
	Logger  *logger.Logger
	Metrics *metrics.AllocationMetrics
	Config  config.ScoreConfig
	// RandInt64N returns a value in [0, n). Defaults to math/rand/v2.
	RandInt64N func(n int64) int64
	Now        func() time.Time
}

type service struct {
	db       db.TxRunner
	repo     Repository
	outbox   outbox.Emitter
	logg     *logger.Logger
	metrics  *metrics.AllocationMetrics
	maxDelta int64
	loc      *time.Location
	randN    func(n int64) int64
	now      func() time.Time
}

// NewService wires the ledger service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Config.SignInMaxDelta <= 0 {
		return nil, fmt.Errorf("sign-in max delta must be positive")
	}
	loc, err := params.Config.Location()
	if err != nil {
		return nil, err
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	randN := params.RandInt64N
	if randN == nil {
		randN = rand.Int64N
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		db:       params.DB,
		repo:     params.Repo,
		outbox:   params.Outbox,
		logg:     logg,
		metrics:  params.Metrics,
		maxDelta: params.Config.SignInMaxDelta,
		loc:      loc,
		randN:    randN,
		now:      now,
	}, nil
}

func (s *service) Balance(ctx context.Context, userID int64) (int64, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	balance, err := s.repo.BalanceOf(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load balance")
	}
	return balance, nil
}

func (s *service) History(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = defaultHistoryLimit
	}
	rows, err := s.repo.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list ledger entries")
	}
	return rows, nil
}

func (s *service) Credit(ctx context.Context, userID, amount int64) (int64, error) {
	var balance int64
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		balance, err = s.CreditTx(ctx, tx, userID, amount, Entry{Type: enums.LedgerEntryCredit})
		return err
	})
	if err != nil {
		return 0, err
	}
	s.metrics.PointsMoved(string(enums.LedgerEntryCredit), amount)
	s.logg.Info(s.logg.WithFields(s.logg.WithUserID(ctx, userID), map[string]any{"amount": amount, "balance": balance}), "score credited")
	return balance, nil
}

func (s *service) Debit(ctx context.Context, userID, amount int64) (int64, error) {
	var balance int64
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		balance, err = s.DebitTx(ctx, tx, userID, amount, Entry{Type: enums.LedgerEntryDebit})
		return err
	})
	if err != nil {
		if pkgerrors.IsReason(err, pkgerrors.ReasonInsufficientBalance) {
			s.ReportInsufficient(ctx, userID, amount, "debit")
		}
		return 0, err
	}
	s.metrics.PointsMoved(string(enums.LedgerEntryDebit), amount)
	s.logg.Info(s.logg.WithFields(s.logg.WithUserID(ctx, userID), map[string]any{"amount": amount, "balance": balance}), "score debited")
	return balance, nil
}

// Transfer moves amount between users atomically. Rows are touched in
// ascending user id order so two opposing transfers cannot deadlock.
func (s *service) Transfer(ctx context.Context, fromID, toID, amount int64) (*TransferResult, error) {
	if err := requireUser(fromID); err != nil {
		return nil, err
	}
	if err := requireUser(toID); err != nil {
		return nil, err
	}
	if fromID == toID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cannot transfer to yourself")
	}
	if amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transfer amount must be positive")
	}

	result := &TransferResult{}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		first, second := fromID, toID
		if second < first {
			first, second = second, first
		}
		if err := repo.Ensure(ctx, first); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ensure balance")
		}
		if err := repo.Ensure(ctx, second); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ensure balance")
		}

		ref := fmt.Sprintf("transfer:%d->%d", fromID, toID)
		apply := func(userID int64) error {
			var err error
			if userID == fromID {
				result.FromBalance, err = s.DebitTx(ctx, tx, fromID, amount, Entry{Type: enums.LedgerEntryTransferOut, Reference: ref})
			} else {
				result.ToBalance, err = s.CreditTx(ctx, tx, toID, amount, Entry{Type: enums.LedgerEntryTransferIn, Reference: ref})
			}
			return err
		}
		if err := apply(first); err != nil {
			return err
		}
		return apply(second)
	})
	if err != nil {
		if pkgerrors.IsReason(err, pkgerrors.ReasonInsufficientBalance) {
			s.ReportInsufficient(ctx, fromID, amount, "transfer")
		}
		return nil, err
	}

	s.metrics.PointsMoved(string(enums.LedgerEntryTransferOut), amount)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"from_user_id": fromID, "to_user_id": toID, "amount": amount}), "score transferred")
	return result, nil
}

func (s *service) SetBalance(ctx context.Context, userID, amount int64) (int64, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "balance cannot be negative")
	}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.Ensure(ctx, userID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ensure balance")
		}
		before, err := repo.BalanceOf(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load balance")
		}
		if err := repo.Set(ctx, userID, amount, s.now().UTC()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "set balance")
		}
		return s.appendEntry(ctx, repo, userID, amount-before, amount, Entry{Type: enums.LedgerEntrySet, Reference: "admin"})
	})
	if err != nil {
		return 0, err
	}
	s.logg.Warn(s.logg.WithFields(s.logg.WithUserID(ctx, userID), map[string]any{"balance": amount}), "score balance overridden")
	return amount, nil
}

// SignIn awards a random amount once per calendar day in the configured timezone.
func (s *service) SignIn(ctx context.Context, userID int64) (*AwardResult, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	now := s.now()
	amount := s.randN(s.maxDelta) + 1
	dayStart := startOfDay(now, s.loc)

	result := &AwardResult{Amount: amount}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.Ensure(ctx, userID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ensure balance")
		}
		ok, err := repo.MarkSignIn(ctx, userID, amount, now.UTC(), dayStart)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record sign-in")
		}
		if !ok {
			return pkgerrors.Rule(pkgerrors.ReasonAlreadyCheckedIn, "already signed in today")
		}
		balance, err := repo.BalanceOf(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load balance")
		}
		result.Balance = balance
		return s.appendEntry(ctx, repo, userID, amount, balance, Entry{Type: enums.LedgerEntrySignIn, Reference: dayStart.In(s.loc).Format("2006-01-02")})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.PointsMoved(string(enums.LedgerEntrySignIn), amount)
	s.logg.Info(s.logg.WithFields(s.logg.WithUserID(ctx, userID), map[string]any{"amount": amount, "balance": result.Balance}), "daily sign-in awarded")
	return result, nil
}

// Grant credits a uniform random amount in [1, maxAmount].
func (s *service) Grant(ctx context.Context, userID, maxAmount int64) (*AwardResult, error) {
	if maxAmount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bonus ceiling must be positive")
	}
	amount := s.randN(maxAmount) + 1
	result := &AwardResult{Amount: amount}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result.Balance, err = s.CreditTx(ctx, tx, userID, amount, Entry{Type: enums.LedgerEntryBonus, Reference: "grant"})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.PointsMoved(string(enums.LedgerEntryBonus), amount)
	s.logg.Info(s.logg.WithFields(s.logg.WithUserID(ctx, userID), map[string]any{"amount": amount, "balance": result.Balance}), "bonus granted")
	return result, nil
}

// CreditTx adds amount to userID inside tx and returns the new balance.
func (s *service) CreditTx(ctx context.Context, tx *gorm.DB, userID, amount int64, entry Entry) (int64, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "credit amount cannot be negative")
	}
	repo := s.repo.WithTx(tx)
	if err := repo.Ensure(ctx, userID); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ensure balance")
	}
	if err := repo.Add(ctx, userID, amount, s.now().UTC()); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "credit balance")
	}
	balance, err := repo.BalanceOf(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load balance")
	}
	if err := s.appendEntry(ctx, repo, userID, amount, balance, entry); err != nil {
		return 0, err
	}
	return balance, nil
}

// DebitTx subtracts amount inside tx, failing with InsufficientBalance and
// leaving the row untouched when the balance does not cover it.
func (s *service) DebitTx(ctx context.Context, tx *gorm.DB, userID, amount int64, entry Entry) (int64, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "debit amount cannot be negative")
	}
	repo := s.repo.WithTx(tx)
	if err := repo.Ensure(ctx, userID); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ensure balance")
	}
	ok, err := repo.SubtractIfSufficient(ctx, userID, amount, s.now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "debit balance")
	}
	if !ok {
		return 0, pkgerrors.Rule(pkgerrors.ReasonInsufficientBalance, "insufficient balance")
	}
	balance, err := repo.BalanceOf(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load balance")
	}
	if err := s.appendEntry(ctx, repo, userID, -amount, balance, entry); err != nil {
		return 0, err
	}
	return balance, nil
}

// ReportInsufficient queues an insufficient_balance notification in its own
// transaction. Failures are logged only.
func (s *service) ReportInsufficient(ctx context.Context, userID, requested int64, reference string) {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		balance, err := s.repo.WithTx(tx).BalanceOf(ctx, userID)
		if err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventInsufficientBalance,
			AggregateType: enums.AggregateScoreBalance,
			AggregateID:   strconv.FormatInt(userID, 10),
			Actor:         &outbox.ActorRef{UserID: userID},
			Data: InsufficientBalanceEvent{
				UserID:    userID,
				Requested: requested,
				Balance:   balance,
				Reference: reference,
			},
		})
	})
	if err != nil {
		s.logg.Error(s.logg.WithUserID(ctx, userID), "failed to queue insufficient balance notification", err)
	}
}

func (s *service) appendEntry(ctx context.Context, repo Repository, userID, amount, balanceAfter int64, entry Entry) error {
	typ := entry.Type
	if typ == "" {
		typ = enums.LedgerEntryCredit
		if amount < 0 {
			typ = enums.LedgerEntryDebit
		}
	}
	if !typ.IsValid() {
		return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("invalid ledger entry type %q", typ))
	}
	row := &models.LedgerEntry{
		UserID:       userID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reference:    entry.Reference,
	}
	if err := repo.AppendEntry(ctx, row); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append ledger entry")
	}
	return nil
}

func requireUser(userID int64) error {
	if userID <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id must be positive")
	}
	return nil
}

// startOfDay returns midnight of now's calendar day in loc, expressed in UTC.
func startOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
}
