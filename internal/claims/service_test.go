package claims

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/internal/events"
	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/db/dbtest"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/outbox"
)

// contendedRepo makes AdvanceClaimed lose the race a fixed number of times.
type contendedRepo struct {
	events.Repository
	losses *atomic.Int32
}

func (r *contendedRepo) WithTx(tx *gorm.DB) events.Repository {
	return &contendedRepo{Repository: r.Repository.WithTx(tx), losses: r.losses}
}

func (r *contendedRepo) AdvanceClaimed(ctx context.Context, id uuid.UUID, expected int, finishedAt *time.Time, at time.Time) (bool, error) {
	if r.losses.Add(-1) >= 0 {
		return false, nil
	}
	return r.Repository.AdvanceClaimed(ctx, id, expected, finishedAt, at)
}

type harness struct {
	client *db.Client
	events events.Service
	ledger ledger.Service
	outbox *outbox.Repository
	repo   events.Repository
	emit   *outbox.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Open(t)
	outboxRepo := outbox.NewRepository(client.DB())
	emitter := outbox.NewService(outboxRepo, nil)
	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		DB:     client,
		Repo:   ledger.NewRepository(client.DB()),
		Outbox: emitter,
		Config: config.ScoreConfig{SignInMaxDelta: 10, Timezone: "UTC"},
	})
	require.NoError(t, err)
	repo := events.NewRepository(client.DB())
	eventSvc, err := events.NewService(events.ServiceParams{
		DB:     client,
		Repo:   repo,
		Ledger: ledgerSvc,
		Outbox: emitter,
	})
	require.NoError(t, err)
	return &harness{client: client, events: eventSvc, ledger: ledgerSvc, outbox: outboxRepo, repo: repo, emit: emitter}
}

func (h *harness) claims(t *testing.T, repo events.Repository) Service {
	t.Helper()
	if repo == nil {
		repo = h.repo
	}
	svc, err := NewService(ServiceParams{
		DB:     h.client,
		Repo:   repo,
		Ledger: h.ledger,
		Outbox: h.emit,
		Config: config.ClaimsConfig{MaxAttempts: 3},
	})
	require.NoError(t, err)
	return svc
}

func (h *harness) newEvent(t *testing.T, pool int64, participants int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.Credit(ctx, 1000, pool)
	require.NoError(t, err)
	view, err := h.events.Create(ctx, events.CreateParams{OrganizerID: 1000, TotalPool: pool, ParticipantCount: participants})
	require.NoError(t, err)
	return view.Event.ID
}

func TestClaimHundredAmongThree(t *testing.T) {
	h := newHarness(t)
	svc := h.claims(t, nil)
	ctx := context.Background()
	eventID := h.newEvent(t, 100, 3)

	view, err := h.events.Get(ctx, eventID)
	require.NoError(t, err)

	var sum int64
	var last *Result
	for i, userID := range []int64{1, 2, 3} {
		res, err := svc.Claim(ctx, eventID, userID)
		require.NoError(t, err)
		assert.Equal(t, i, res.Position)
		assert.Equal(t, view.Shares[i], res.Amount)
		assert.Equal(t, res.Amount, res.Balance)
		sum += res.Amount
		last = res
	}
	assert.EqualValues(t, 100, sum)
	require.True(t, last.Finished)
	require.Len(t, last.Results, 3)
	assert.EqualValues(t, 1, last.Results[0].UserID)

	_, err = svc.Claim(ctx, eventID, 4)
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonExhausted), "got %v", err)

	final, err := h.events.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.Event.ClaimedCount)
	assert.NotNil(t, final.Event.FinishedAt)
	assert.Len(t, final.Claims, 3)

	rows, err := h.outbox.ListByAggregate(ctx, eventID.String())
	require.NoError(t, err)
	types := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	assert.Equal(t, []enums.OutboxEventType{
		enums.EventDistributionCreated,
		enums.EventDistributionClaimed,
		enums.EventDistributionClaimed,
		enums.EventDistributionClaimed,
		enums.EventDistributionFinished,
	}, types)
}

func TestDoubleClaimIsRejected(t *testing.T) {
	h := newHarness(t)
	svc := h.claims(t, nil)
	ctx := context.Background()
	eventID := h.newEvent(t, 50, 5)

	first, err := svc.Claim(ctx, eventID, 7)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, eventID, 7)
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonAlreadyClaimed), "got %v", err)

	balance, err := h.ledger.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, first.Amount, balance)
}

func TestClaimUnknownEvent(t *testing.T) {
	h := newHarness(t)
	_, err := h.claims(t, nil).Claim(context.Background(), uuid.New(), 1)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestConcurrentClaimsConservePool(t *testing.T) {
	h := newHarness(t)
	svc := h.claims(t, nil)
	ctx := context.Background()
	const participants = 10
	eventID := h.newEvent(t, 500, participants)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		total   int64
		winners int
		losers  []error
	)
	for userID := int64(1); userID <= participants+5; userID++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			res, err := svc.Claim(ctx, eventID, userID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				losers = append(losers, err)
				return
			}
			winners++
			total += res.Amount
		}(userID)
	}
	wg.Wait()

	assert.Equal(t, participants, winners)
	assert.EqualValues(t, 500, total)
	require.Len(t, losers, 5)
	for _, err := range losers {
		assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonExhausted), "got %v", err)
	}

	var credited int64
	require.NoError(t, h.client.DB().Model(&models.LedgerEntry{}).
		Where("type = ?", enums.LedgerEntryEventClaim).
		Select("COALESCE(SUM(amount), 0)").Scan(&credited).Error)
	assert.EqualValues(t, 500, credited)
}

func TestClaimRetriesAfterLostRace(t *testing.T) {
	h := newHarness(t)
	losses := &atomic.Int32{}
	losses.Store(2)
	svc := h.claims(t, &contendedRepo{Repository: h.repo, losses: losses})
	eventID := h.newEvent(t, 10, 2)

	res, err := svc.Claim(context.Background(), eventID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Position)
}

func TestClaimSurfacesPersistentConflict(t *testing.T) {
	h := newHarness(t)
	losses := &atomic.Int32{}
	losses.Store(100)
	svc := h.claims(t, &contendedRepo{Repository: h.repo, losses: losses})
	eventID := h.newEvent(t, 10, 2)

	_, err := svc.Claim(context.Background(), eventID, 1)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
	assert.EqualValues(t, 97, losses.Load())

	view, err := h.events.Get(context.Background(), eventID)
	require.NoError(t, err)
	assert.Zero(t, view.Event.ClaimedCount)
	assert.Empty(t, view.Claims)
}

func TestIsClaimCollision(t *testing.T) {
	pgUnique := func(constraint string) error {
		return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
	}
	assert.True(t, isClaimCollision(pgUnique(claimPositionConstraint)))
	assert.True(t, isClaimCollision(pgUnique(claimUserConstraint)))
	assert.False(t, isClaimCollision(pgUnique("uq_ledger_entries_reference")))
	assert.False(t, isClaimCollision(&pgconn.PgError{Code: "23503", ConstraintName: "fk_event_claims_event"}))
	assert.False(t, isClaimCollision(nil))
}
