package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/internal/events"
	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/metrics"
	"github.com/streamclub/allocator/pkg/outbox"
)

// Either key on event_claims rejects a second writer for the same slot or user.
const (
	claimPositionConstraint = "event_claims_pkey"
	claimUserConstraint     = "uq_event_claims_event_user"
)

// Ledger is the slice of the score ledger that pays out claims.
type Ledger interface {
	CreditTx(ctx context.Context, tx *gorm.DB, userID, amount int64, entry ledger.Entry) (int64, error)
}

// Result describes an accepted claim. Results is filled only for the claim
// that finished the event.
type Result struct {
	EventID   uuid.UUID    `json:"event_id"`
	UserID    int64        `json:"user_id"`
	Position  int          `json:"position"`
	Amount    int64        `json:"amount"`
	Balance   int64        `json:"balance"`
	Remaining int          `json:"remaining"`
	Finished  bool         `json:"finished"`
	Results   []ClaimEntry `json:"results,omitempty"`
}

// Service hands out event shares, one per user, in arrival order.
type Service interface {
	Claim(ctx context.Context, eventID uuid.UUID, userID int64) (*Result, error)
}

// ServiceParams bundles the claim dependencies.
type ServiceParams struct {
	DB      db.TxRunner
	Repo    events.Repository
	Ledger  Ledger
	Outbox  outbox.Emitter
	Logger  *logger.Logger
	Metrics *metrics.AllocationMetrics
	Config  config.ClaimsConfig
	Now     func() time.Time
}

type service struct {
	db          db.TxRunner
	repo        events.Repository
	ledger      Ledger
	outbox      outbox.Emitter
	logg        *logger.Logger
	metrics     *metrics.AllocationMetrics
	maxAttempts int
	now         func() time.Time
}

// NewService wires the claim service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("event repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	maxAttempts := params.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		db:          params.DB,
		repo:        params.Repo,
		ledger:      params.Ledger,
		outbox:      params.Outbox,
		logg:        logg,
		metrics:     params.Metrics,
		maxAttempts: maxAttempts,
		now:         now,
	}, nil
}

// Claim takes the next free share for userID. Concurrent claims race on the
// event's claimed_count; losers retry a bounded number of times and are then
// told why they lost.
func (s *service) Claim(ctx context.Context, eventID uuid.UUID, userID int64) (*Result, error) {
	if eventID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	if userID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id must be positive")
	}
	ctx = s.logg.WithUserID(s.logg.WithEventID(ctx, eventID.String()), userID)

	var (
		result *Result
		err    error
	)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, err = s.claimOnce(ctx, eventID, userID)
		if !pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
			break
		}
		if attempt < s.maxAttempts {
			s.metrics.ClaimRetry()
			s.logg.Debug(s.logg.WithField(ctx, "attempt", attempt), "claim lost a race; retrying")
		}
	}
	if pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
		err = s.reclassify(ctx, eventID, userID, err)
	}
	if err != nil {
		s.metrics.ClaimResult(outcomeOf(err), string(pkgerrors.ReasonOf(err)))
		return nil, err
	}

	s.metrics.ClaimResult(metrics.OutcomeSuccess, "")
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"position":  result.Position,
		"amount":    result.Amount,
		"remaining": result.Remaining,
	}), "claim accepted")
	if result.Finished {
		s.logg.Info(ctx, "distribution event finished")
	}
	return result, nil
}

func (s *service) claimOnce(ctx context.Context, eventID uuid.UUID, userID int64) (*Result, error) {
	var result *Result
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		event, err := repo.Find(ctx, eventID)
		if err != nil {
			if db.IsNotFound(err) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "distribution event not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load event")
		}
		if _, err := repo.FindClaim(ctx, eventID, userID); err == nil {
			return pkgerrors.Rule(pkgerrors.ReasonAlreadyClaimed, "you have already claimed from this event")
		} else if !db.IsNotFound(err) {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load claim")
		}
		if event.IsFinished() {
			return pkgerrors.Rule(pkgerrors.ReasonExhausted, "all shares have been claimed")
		}

		position := event.ClaimedCount
		share, err := repo.ShareAt(ctx, eventID, position)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("load share %d", position))
		}

		now := s.now().UTC()
		finished := position+1 == event.ParticipantCount
		var finishedAt *time.Time
		if finished {
			finishedAt = &now
		}
		advanced, err := repo.AdvanceClaimed(ctx, eventID, position, finishedAt, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "advance claim counter")
		}
		if !advanced {
			return pkgerrors.New(pkgerrors.CodeConflict, "event was claimed concurrently")
		}

		claim := &models.EventClaim{
			EventID:   eventID,
			Position:  position,
			UserID:    userID,
			Amount:    share.Amount,
			ClaimedAt: now,
		}
		if err := repo.InsertClaim(ctx, claim); err != nil {
			if isClaimCollision(err) {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "claim slot taken concurrently")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert claim")
		}

		balance, err := s.ledger.CreditTx(ctx, tx, userID, share.Amount, ledger.Entry{
			Type:      enums.LedgerEntryEventClaim,
			Reference: "event:" + eventID.String(),
		})
		if err != nil {
			return err
		}

		result = &Result{
			EventID:   eventID,
			UserID:    userID,
			Position:  position,
			Amount:    share.Amount,
			Balance:   balance,
			Remaining: event.ParticipantCount - position - 1,
			Finished:  finished,
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDistributionClaimed,
			AggregateType: enums.AggregateDistributionEvent,
			AggregateID:   eventID.String(),
			Actor:         &outbox.ActorRef{UserID: userID},
			Data: ClaimedEvent{
				EventID:   eventID,
				UserID:    userID,
				Position:  position,
				Amount:    share.Amount,
				Remaining: result.Remaining,
			},
		}); err != nil {
			return err
		}
		if !finished {
			return nil
		}

		claims, err := repo.ListClaims(ctx, eventID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load claims")
		}
		result.Results = make([]ClaimEntry, len(claims))
		for i, c := range claims {
			result.Results[i] = ClaimEntry{UserID: c.UserID, Position: c.Position, Amount: c.Amount}
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDistributionFinished,
			AggregateType: enums.AggregateDistributionEvent,
			AggregateID:   eventID.String(),
			Data: FinishedEvent{
				EventID:     eventID,
				OrganizerID: event.OrganizerID,
				TotalPool:   event.TotalPool,
				Results:     result.Results,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// reclassify turns a persistent conflict into the business outcome the caller
// would have seen had it arrived later.
func (s *service) reclassify(ctx context.Context, eventID uuid.UUID, userID int64, cause error) error {
	if _, err := s.repo.FindClaim(ctx, eventID, userID); err == nil {
		return pkgerrors.Rule(pkgerrors.ReasonAlreadyClaimed, "you have already claimed from this event")
	}
	event, err := s.repo.Find(ctx, eventID)
	if err == nil && event.IsFinished() {
		return pkgerrors.Rule(pkgerrors.ReasonExhausted, "all shares have been claimed")
	}
	s.logg.Warn(ctx, "claim retries exhausted")
	return cause
}

func outcomeOf(err error) string {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeConflict:
		return metrics.OutcomeConflict
	case pkgerrors.CodeBusinessRule, pkgerrors.CodeNotFound, pkgerrors.CodeValidation:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func isClaimCollision(err error) bool {
	return db.IsUniqueViolation(err, claimPositionConstraint) || db.IsUniqueViolation(err, claimUserConstraint)
}
