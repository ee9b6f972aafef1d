package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/pkg/db/dbtest"
	"github.com/streamclub/allocator/pkg/enums"
	"github.com/streamclub/allocator/pkg/logger"
)

func TestEmitWritesEnvelopeInsideTransaction(t *testing.T) {
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	svc := NewService(repo, logger.Nop())
	ctx := context.Background()

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventTokenRedeemed,
			AggregateType: enums.AggregateToken,
			AggregateID:   "ABCD1234",
			Actor:         &ActorRef{UserID: 7},
			Data:          map[string]any{"kind": "invite"},
		})
	})
	require.NoError(t, err)

	rows, err := repo.ListByAggregate(ctx, "ABCD1234")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.EventTokenRedeemed, rows[0].EventType)

	env, err := DecodeEnvelope(rows[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Version)
	assert.NotEmpty(t, env.EventID)
	require.NotNil(t, env.Actor)
	assert.Equal(t, int64(7), env.Actor.UserID)
	assert.JSONEq(t, `{"kind":"invite"}`, string(env.Data))
}

func TestEmitRolledBackWithCaller(t *testing.T) {
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	svc := NewService(repo, nil)
	ctx := context.Background()

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventDistributionCreated,
			AggregateType: enums.AggregateDistributionEvent,
			AggregateID:   "evt-1",
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	rows, err := repo.ListByAggregate(ctx, "evt-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEmitRejectsUnknownTypes(t *testing.T) {
	client := dbtest.Open(t)
	svc := NewService(NewRepository(client.DB()), nil)

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{EventType: "order_created", AggregateType: enums.AggregateToken})
	})
	require.Error(t, err)
	require.Error(t, svc.Emit(context.Background(), nil, DomainEvent{}))
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	svc := NewService(repo, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
			return svc.Emit(ctx, tx, DomainEvent{
				EventType:     enums.EventDistributionClaimed,
				AggregateType: enums.AggregateDistributionEvent,
				AggregateID:   id,
			})
		}))
	}

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := repo.FetchUnpublishedForPublish(tx, 10, 3)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		require.NoError(t, repo.MarkPublishedTx(tx, rows[0].ID))
		require.NoError(t, repo.MarkFailedTx(tx, rows[1].ID, errors.New("timeout")))
		return repo.MarkTerminalTx(tx, rows[2].ID, errors.New("bad topic"), 3)
	}))

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := repo.FetchUnpublishedForPublish(tx, 10, 3)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 1, rows[0].AttemptCount)
		require.NotNil(t, rows[0].LastError)
		assert.Equal(t, "timeout", *rows[0].LastError)
		return nil
	}))

	var deleted int64
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		deleted, err = repo.DeletePublishedBefore(ctx, tx, time.Now().UTC().Add(time.Hour), 3)
		return err
	}))
	assert.Equal(t, int64(2), deleted)
}
