package events

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/metrics"
	"github.com/streamclub/allocator/pkg/outbox"
)

// MaxParticipants bounds the share rows written for one event.
const MaxParticipants = 1000

// Ledger is the slice of the score ledger that funds events.
type Ledger interface {
	DebitTx(ctx context.Context, tx *gorm.DB, userID, amount int64, entry ledger.Entry) (int64, error)
	ReportInsufficient(ctx context.Context, userID, requested int64, reference string)
}

// CreateParams describes a new event.
type CreateParams struct {
	OrganizerID      int64
	TotalPool        int64
	ParticipantCount int
}

// View is an event with its shares in position order and the claims so far.
type View struct {
	Event  models.DistributionEvent `json:"event"`
	Shares []int64                  `json:"shares"`
	Claims []models.EventClaim      `json:"claims"`
}

// Remaining is the number of unclaimed shares.
func (v View) Remaining() int {
	return v.Event.ParticipantCount - v.Event.ClaimedCount
}

// Service creates and reads distribution events.
type Service interface {
	Create(ctx context.Context, params CreateParams) (*View, error)
	Get(ctx context.Context, id uuid.UUID) (*View, error)
}

// ServiceParams bundles the event dependencies.
type ServiceParams struct {
	DB       db.TxRunner
	Repo     Repository
	Ledger   Ledger
	Outbox   outbox.Emitter
	Logger   *logger.Logger
	Metrics  *metrics.AllocationMetrics
	Splitter *Splitter
	Now      func() time.Time
}

type service struct {
	db       db.TxRunner
	repo     Repository
	ledger   Ledger
	outbox   outbox.Emitter
	logg     *logger.Logger
	metrics  *metrics.AllocationMetrics
	splitter Splitter
	now      func() time.Time
}

// NewService wires the event service.
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
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	splitter := Splitter{Int64N: rand.Int64N, Shuffle: rand.Shuffle}
	if params.Splitter != nil {
		splitter = *params.Splitter
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		db:       params.DB,
		repo:     params.Repo,
		ledger:   params.Ledger,
		outbox:   params.Outbox,
		logg:     logg,
		metrics:  params.Metrics,
		splitter: splitter,
		now:      now,
	}, nil
}

// Create funds the event from the organizer's balance and persists its shares
// in one transaction.
func (s *service) Create(ctx context.Context, params CreateParams) (*View, error) {
	if params.OrganizerID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "organizer id must be positive")
	}
	if params.ParticipantCount <= 0 || params.ParticipantCount > MaxParticipants {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("participant count must be between 1 and %d", MaxParticipants))
	}
	if params.TotalPool < int64(params.ParticipantCount) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total pool must be at least the participant count")
	}

	shares, err := s.splitter.Split(params.TotalPool, params.ParticipantCount)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "split pool")
	}

	now := s.now().UTC()
	event := models.DistributionEvent{
		ID:               uuid.New(),
		OrganizerID:      params.OrganizerID,
		TotalPool:        params.TotalPool,
		ParticipantCount: params.ParticipantCount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	rows := make([]models.EventShare, len(shares))
	for i, amount := range shares {
		rows[i] = models.EventShare{EventID: event.ID, Position: i, Amount: amount}
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.ledger.DebitTx(ctx, tx, params.OrganizerID, params.TotalPool, ledger.Entry{
			Type:      enums.LedgerEntryEventFund,
			Reference: "event:" + event.ID.String(),
		}); err != nil {
			return err
		}
		if err := s.repo.WithTx(tx).Create(ctx, &event, rows); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create event")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDistributionCreated,
			AggregateType: enums.AggregateDistributionEvent,
			AggregateID:   event.ID.String(),
			Actor:         &outbox.ActorRef{UserID: params.OrganizerID},
			Data: CreatedEvent{
				EventID:          event.ID,
				OrganizerID:      params.OrganizerID,
				TotalPool:        params.TotalPool,
				ParticipantCount: params.ParticipantCount,
			},
		})
	})
	if err != nil {
		if pkgerrors.IsReason(err, pkgerrors.ReasonInsufficientBalance) {
			s.ledger.ReportInsufficient(ctx, params.OrganizerID, params.TotalPool, "distribution_event")
		}
		return nil, err
	}

	s.metrics.PointsMoved(string(enums.LedgerEntryEventFund), params.TotalPool)
	s.logg.Info(s.logg.WithFields(s.logg.WithEventID(ctx, event.ID.String()), map[string]any{
		"organizer_id":      params.OrganizerID,
		"total_pool":        params.TotalPool,
		"participant_count": params.ParticipantCount,
	}), "distribution event created")
	return &View{Event: event, Shares: shares, Claims: []models.EventClaim{}}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	return Load(ctx, s.repo, id)
}

// Load reads an event view through repo, which may be bound to a transaction.
func Load(ctx context.Context, repo Repository, id uuid.UUID) (*View, error) {
	event, err := repo.Find(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "distribution event not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load event")
	}
	shares, err := repo.ListShares(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load shares")
	}
	claims, err := repo.ListClaims(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load claims")
	}
	view := &View{Event: *event, Shares: make([]int64, len(shares)), Claims: claims}
	for i, share := range shares {
		view.Shares[i] = share.Amount
	}
	return view, nil
}
