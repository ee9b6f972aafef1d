package tokens

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/streamclub/allocator/internal/accounts"
	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/metrics"
	"github.com/streamclub/allocator/pkg/outbox"
	"github.com/streamclub/allocator/pkg/pagination"
	"github.com/streamclub/allocator/pkg/redis"
	"github.com/streamclub/allocator/pkg/security"
)

const (
	maxCodeLength    = 32
	redeemAttempts   = 2
	tokenPrimaryKey  = "tokens_pkey"
	redeemLimitScope = "redeem"
)

// Ledger is the slice of the score ledger token purchases need.
type Ledger interface {
	DebitTx(ctx context.Context, tx *gorm.DB, userID, amount int64, entry ledger.Entry) (int64, error)
	ReportInsufficient(ctx context.Context, userID, requested int64, reference string)
}

// Accounts is the slice of the account service redemption needs.
type Accounts interface {
	HasActive(ctx context.Context, userID int64) (bool, error)
	Provision(ctx context.Context, userID int64, username string) (*accounts.Provisioned, error)
	ExtendTx(ctx context.Context, tx *gorm.DB, userID int64, days int) (*models.Account, error)
}

// IssueParams describes a new token. Zero Length and ExpireDays fall back to config.
type IssueParams struct {
	IssuerID   int64
	Kind       enums.TokenKind
	Length     int
	ExpireDays int
}

// RedeemParams identifies the redeemer. Username is only used by invite tokens.
type RedeemParams struct {
	Code     string
	UserID   int64
	Username string
}

// RedemptionResult is returned to the redeemer. Password is set for invites only.
type RedemptionResult struct {
	Token     models.Token    `json:"token"`
	Account   *models.Account `json:"account,omitempty"`
	Password  string          `json:"password,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// ListParams pages unused tokens, optionally filtered by kind.
type ListParams struct {
	Kind   enums.TokenKind
	Cursor string
	Limit  int
}

// Service issues and consumes redemption tokens exactly once.
type Service interface {
	Issue(ctx context.Context, params IssueParams) (*models.Token, error)
	Redeem(ctx context.Context, params RedeemParams) (*RedemptionResult, error)
	Purchase(ctx context.Context, buyerID int64, kind enums.TokenKind) (*models.Token, error)
	List(ctx context.Context, params ListParams) (*pagination.Page[models.Token], error)
	Delete(ctx context.Context, code string) error
}

// ServiceParams bundles the token dependencies.
type ServiceParams struct {
	DB       db.TxRunner
	Repo     Repository
	Ledger   Ledger
	Accounts Accounts
	Outbox   outbox.Emitter
	Limiter  redis.RateLimiter
	Logger   *logger.Logger
	Metrics  *metrics.AllocationMetrics
	Config   config.TokensConfig
	// GenerateCode returns a random code of the given length. Defaults to [A-Z0-9].
	GenerateCode func(length int) (string, error)
	Now          func() time.Time
}

type service struct {
	db       db.TxRunner
	repo     Repository
	ledger   Ledger
	accounts Accounts
	outbox   outbox.Emitter
	limiter  redis.RateLimiter
	logg     *logger.Logger
	metrics  *metrics.AllocationMetrics
	cfg      config.TokensConfig
	generate func(length int) (string, error)
	now      func() time.Time
}

// NewService wires the token service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("token repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("accounts service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	cfg := params.Config
	if cfg.CodeLength <= 0 || cfg.CodeLength > maxCodeLength {
		return nil, fmt.Errorf("token code length must be between 1 and %d", maxCodeLength)
	}
	if cfg.ExpireDays <= 0 {
		return nil, fmt.Errorf("token expire days must be positive")
	}
	if cfg.IssueMaxAttempts <= 0 {
		cfg.IssueMaxAttempts = 5
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	generate := params.GenerateCode
	if generate == nil {
		generate = func(length int) (string, error) {
			return security.RandomString(security.CodeCharset, length)
		}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		db:       params.DB,
		repo:     params.Repo,
		ledger:   params.Ledger,
		accounts: params.Accounts,
		outbox:   params.Outbox,
		limiter:  params.Limiter,
		logg:     logg,
		metrics:  params.Metrics,
		cfg:      cfg,
		generate: generate,
		now:      now,
	}, nil
}

func (s *service) Issue(ctx context.Context, params IssueParams) (*models.Token, error) {
	params, err := s.normalizeIssue(params)
	if err != nil {
		return nil, err
	}
	var token *models.Token
	err = s.retryIssue(ctx, func(tx *gorm.DB) error {
		var err error
		token, err = s.insertToken(ctx, tx, params, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithTokenCode(ctx, token.Code), map[string]any{
		"kind":      token.Kind,
		"issuer_id": token.IssuerID,
	}), "token issued")
	return token, nil
}

// Purchase debits the token price and issues the token in one transaction.
func (s *service) Purchase(ctx context.Context, buyerID int64, kind enums.TokenKind) (*models.Token, error) {
	if !s.cfg.SystemEnabled {
		return nil, pkgerrors.Rule(pkgerrors.ReasonTokenSystemDisabled, "the token system is disabled")
	}
	params, err := s.normalizeIssue(IssueParams{IssuerID: buyerID, Kind: kind})
	if err != nil {
		return nil, err
	}

	var token *models.Token
	err = s.retryIssue(ctx, func(tx *gorm.DB) error {
		var err error
		token, err = s.insertToken(ctx, tx, params, true)
		if err != nil {
			return err
		}
		_, err = s.ledger.DebitTx(ctx, tx, buyerID, s.cfg.Price, ledger.Entry{
			Type:      enums.LedgerEntryTokenPurchase,
			Reference: "token:" + token.Code,
		})
		return err
	})
	if err != nil {
		if pkgerrors.IsReason(err, pkgerrors.ReasonInsufficientBalance) {
			s.ledger.ReportInsufficient(ctx, buyerID, s.cfg.Price, "token_purchase")
		}
		return nil, err
	}

	s.metrics.PointsMoved(string(enums.LedgerEntryTokenPurchase), s.cfg.Price)
	s.logg.Info(s.logg.WithFields(s.logg.WithUserID(ctx, buyerID), map[string]any{
		"kind":  token.Kind,
		"price": s.cfg.Price,
	}), "token purchased")
	return token, nil
}

func (s *service) normalizeIssue(params IssueParams) (IssueParams, error) {
	if params.IssuerID <= 0 {
		return params, pkgerrors.New(pkgerrors.CodeValidation, "issuer id must be positive")
	}
	if !params.Kind.IsValid() {
		return params, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown token kind %q", params.Kind))
	}
	if params.Length == 0 {
		params.Length = s.cfg.CodeLength
	}
	if params.ExpireDays == 0 {
		params.ExpireDays = s.cfg.ExpireDays
	}
	if params.Length < 4 || params.Length > maxCodeLength {
		return params, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("code length must be between 4 and %d", maxCodeLength))
	}
	if params.ExpireDays < 0 {
		return params, pkgerrors.New(pkgerrors.CodeValidation, "expire days must be positive")
	}
	return params, nil
}

// retryIssue reruns fn in a fresh transaction while the generated code collides.
func (s *service) retryIssue(ctx context.Context, fn func(tx *gorm.DB) error) error {
	for attempt := 1; attempt <= s.cfg.IssueMaxAttempts; attempt++ {
		err := s.db.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !db.IsUniqueViolation(err, tokenPrimaryKey) {
			return err
		}
		s.logg.Warn(s.logg.WithField(ctx, "attempt", attempt), "token code collision")
	}
	return pkgerrors.New(pkgerrors.CodeConflict, "could not generate a unique token code")
}

func (s *service) insertToken(ctx context.Context, tx *gorm.DB, params IssueParams, purchased bool) (*models.Token, error) {
	code, err := s.generate(params.Length)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate token code")
	}
	token := &models.Token{
		Code:       code,
		Kind:       params.Kind,
		IssuerID:   params.IssuerID,
		ExpireDays: params.ExpireDays,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.WithTx(tx).Insert(ctx, token); err != nil {
		if db.IsUniqueViolation(err, tokenPrimaryKey) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert token")
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventTokenIssued,
		AggregateType: enums.AggregateToken,
		AggregateID:   token.Code,
		Actor:         &outbox.ActorRef{UserID: params.IssuerID},
		Data: IssuedEvent{
			Code:       token.Code,
			Kind:       string(token.Kind),
			IssuerID:   token.IssuerID,
			ExpireDays: token.ExpireDays,
			Purchased:  purchased,
		},
	}); err != nil {
		return nil, err
	}
	return token, nil
}

// Redeem consumes a token exactly once. A lost race is retried once so the
// caller sees the settled state rather than a bare conflict.
func (s *service) Redeem(ctx context.Context, params RedeemParams) (*RedemptionResult, error) {
	params.Code = NormalizeCode(params.Code)
	if params.Code == "" || len(params.Code) > maxCodeLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "token code is required")
	}
	if params.UserID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id must be positive")
	}
	ctx = s.logg.WithTokenCode(s.logg.WithUserID(ctx, params.UserID), params.Code)

	if err := s.checkRedeemLimit(ctx, params.UserID); err != nil {
		return nil, err
	}

	var (
		result *RedemptionResult
		kind   enums.TokenKind
		err    error
	)
	for attempt := 1; attempt <= redeemAttempts; attempt++ {
		result, kind, err = s.redeemOnce(ctx, params)
		if !pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
			break
		}
		s.logg.Debug(ctx, "token redemption lost a race; reloading")
	}
	if err != nil {
		s.metrics.RedemptionResult(string(kind), outcomeOf(err), string(pkgerrors.ReasonOf(err)))
		return nil, err
	}
	s.metrics.RedemptionResult(string(kind), metrics.OutcomeSuccess, "")
	s.logg.Info(s.logg.WithField(ctx, "kind", kind), "token redeemed")
	return result, nil
}

func (s *service) redeemOnce(ctx context.Context, params RedeemParams) (*RedemptionResult, enums.TokenKind, error) {
	token, err := s.repo.Find(ctx, params.Code)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, "", pkgerrors.New(pkgerrors.CodeNotFound, "token not found")
		}
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load token")
	}
	if token.Used {
		return nil, token.Kind, pkgerrors.Rule(pkgerrors.ReasonAlreadyUsed, "token has already been used")
	}
	now := s.now().UTC()
	if token.IsExpired(now) {
		return nil, token.Kind, pkgerrors.Rule(pkgerrors.ReasonExpired, "token has expired")
	}

	switch token.Kind {
	case enums.TokenKindInvite:
		result, err := s.redeemInvite(ctx, token, params, now)
		return result, token.Kind, err
	case enums.TokenKindRenew:
		result, err := s.redeemRenew(ctx, token, params, now)
		return result, token.Kind, err
	default:
		return nil, token.Kind, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unknown token kind %q", token.Kind))
	}
}

// redeemInvite commits the consumption before talking to the media server and
// compensates if account creation fails.
func (s *service) redeemInvite(ctx context.Context, token *models.Token, params RedeemParams, now time.Time) (*RedemptionResult, error) {
	active, err := s.accounts.HasActive(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, pkgerrors.Rule(pkgerrors.ReasonAccountExists, "user already has an active account")
	}
	if strings.TrimSpace(params.Username) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "username is required for invite tokens")
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.consume(ctx, tx, token.Code, params.UserID, now)
	})
	if err != nil {
		return nil, err
	}

	provisioned, err := s.accounts.Provision(ctx, params.UserID, params.Username)
	if err != nil {
		s.compensate(ctx, token, params.UserID, err)
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "account provisioning failed")
	}

	redeemed := *token
	redeemed.Used = true
	redeemed.RedeemedBy = &params.UserID
	redeemed.RedeemedAt = &now

	if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.emitRedeemed(ctx, tx, &redeemed, provisioned.Account.ExpiresAt)
	}); err != nil {
		s.logg.Error(ctx, "failed to queue token redeemed notification", err)
	}

	return &RedemptionResult{
		Token:     redeemed,
		Account:   &provisioned.Account,
		Password:  provisioned.Password,
		ExpiresAt: provisioned.Account.ExpiresAt,
	}, nil
}

func (s *service) redeemRenew(ctx context.Context, token *models.Token, params RedeemParams, now time.Time) (*RedemptionResult, error) {
	var account *models.Account
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.consume(ctx, tx, token.Code, params.UserID, now); err != nil {
			return err
		}
		var err error
		account, err = s.accounts.ExtendTx(ctx, tx, params.UserID, token.ExpireDays)
		if err != nil {
			return err
		}
		token.Used = true
		token.RedeemedBy = &params.UserID
		token.RedeemedAt = &now
		return s.emitRedeemed(ctx, tx, token, account.ExpiresAt)
	})
	if err != nil {
		return nil, err
	}
	return &RedemptionResult{Token: *token, Account: account, ExpiresAt: account.ExpiresAt}, nil
}

func (s *service) consume(ctx context.Context, tx *gorm.DB, code string, userID int64, now time.Time) error {
	ok, err := s.repo.WithTx(tx).MarkUsed(ctx, code, userID, now)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "consume token")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "token was consumed concurrently")
	}
	return nil
}

// compensate returns an invite to the unused state after provisioning failed.
func (s *service) compensate(ctx context.Context, token *models.Token, userID int64, cause error) {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		restored, err := s.repo.WithTx(tx).Restore(ctx, token.Code, userID)
		if err != nil {
			return err
		}
		if !restored {
			return fmt.Errorf("token %s no longer held by user %d", logger.MaskCode(token.Code), userID)
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTokenRedeemFailed,
			AggregateType: enums.AggregateToken,
			AggregateID:   token.Code,
			Actor:         &outbox.ActorRef{UserID: userID},
			Data: RedeemFailedEvent{
				Code:   token.Code,
				Kind:   string(token.Kind),
				UserID: userID,
				Reason: cause.Error(),
			},
		})
	})
	if err != nil {
		s.logg.Error(ctx, "failed to restore token after provisioning failure", err)
		return
	}
	s.logg.Warn(ctx, "invite token restored after provisioning failure")
}

func (s *service) emitRedeemed(ctx context.Context, tx *gorm.DB, token *models.Token, expiresAt *time.Time) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventTokenRedeemed,
		AggregateType: enums.AggregateToken,
		AggregateID:   token.Code,
		Actor:         &outbox.ActorRef{UserID: *token.RedeemedBy},
		Data: RedeemedEvent{
			Code:       token.Code,
			Kind:       string(token.Kind),
			RedeemedBy: *token.RedeemedBy,
			ExpiresAt:  expiresAt,
		},
	})
}

// checkRedeemLimit throttles guessing. Limiter errors fail open.
func (s *service) checkRedeemLimit(ctx context.Context, userID int64) error {
	if s.limiter == nil || s.cfg.RedeemLimit <= 0 {
		return nil
	}
	scope := redeemLimitScope + ":" + strconv.FormatInt(userID, 10)
	allowed, count, err := s.limiter.FixedWindowAllow(ctx, scope, int64(s.cfg.RedeemLimit), s.cfg.RedeemWindow)
	if err != nil {
		s.logg.Error(ctx, "redeem rate limiter unavailable", err)
		return nil
	}
	if !allowed {
		s.logg.Warn(s.logg.WithField(ctx, "attempts", count), "redeem rate limit exceeded")
		return pkgerrors.New(pkgerrors.CodeRateLimit, "too many redemption attempts, try again later")
	}
	return nil
}

func (s *service) List(ctx context.Context, params ListParams) (*pagination.Page[models.Token], error) {
	if params.Kind != "" && !params.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown token kind %q", params.Kind))
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.ListUnused(ctx, params.Kind, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list tokens")
	}
	page := pagination.Trim(rows, limit, func(t models.Token) pagination.Cursor {
		return pagination.Cursor{CreatedAt: t.CreatedAt, Key: t.Code}
	})
	return &page, nil
}

func (s *service) Delete(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	if code == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "token code is required")
	}
	deleted, err := s.repo.Delete(ctx, code)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete token")
	}
	if !deleted {
		return pkgerrors.New(pkgerrors.CodeNotFound, "token not found")
	}
	s.logg.Warn(s.logg.WithTokenCode(ctx, code), "token deleted")
	return nil
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func outcomeOf(err error) string {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeConflict:
		return metrics.OutcomeConflict
	case pkgerrors.CodeBusinessRule, pkgerrors.CodeNotFound, pkgerrors.CodeValidation, pkgerrors.CodeRateLimit:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
