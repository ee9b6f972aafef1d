package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
)

type fakeAccounts struct {
	active map[int64]bool
	err    error
}

func (f fakeAccounts) HasActive(_ context.Context, userID int64) (bool, error) {
	return f.active[userID], f.err
}

type fakeCreator struct {
	created []enums.PendingActionKind
}

func (f *fakeCreator) Create(_ context.Context, actorID int64, kind enums.PendingActionKind, _ any) (*models.PendingAction, error) {
	f.created = append(f.created, kind)
	return &models.PendingAction{Token: uuid.New(), Kind: kind, ActorID: actorID, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	var order []string
	record := func(name string, err error) Check {
		return func(context.Context, Subject) error {
			order = append(order, name)
			return err
		}
	}
	err := Run(context.Background(), Subject{},
		record("first", nil),
		record("second", pkgerrors.New(pkgerrors.CodeForbidden, "no")),
		record("third", nil),
	)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
	assert.Equal(t, []string{"first", "second"}, order)

	require.NoError(t, Run(context.Background(), Subject{}))
}

func TestRequireAdmin(t *testing.T) {
	check := RequireAdmin()
	assert.NoError(t, check(context.Background(), Subject{Role: enums.RoleAdmin}))
	assert.True(t, pkgerrors.IsCode(check(context.Background(), Subject{Role: enums.RoleUser}), pkgerrors.CodeForbidden))
}

func TestRequireAccount(t *testing.T) {
	check := RequireAccount(fakeAccounts{active: map[int64]bool{1: true}})
	assert.NoError(t, check(context.Background(), Subject{UserID: 1}))
	assert.True(t, pkgerrors.IsCode(check(context.Background(), Subject{UserID: 2}), pkgerrors.CodeForbidden))

	boom := errors.New("db down")
	assert.ErrorIs(t, RequireAccount(fakeAccounts{err: boom})(context.Background(), Subject{UserID: 1}), boom)
}

func TestRequirePositiveAmountAndTokenSystem(t *testing.T) {
	assert.NoError(t, RequirePositiveAmount()(context.Background(), Subject{Amount: 1}))
	assert.True(t, pkgerrors.IsCode(RequirePositiveAmount()(context.Background(), Subject{Amount: 0}), pkgerrors.CodeValidation))

	assert.NoError(t, RequireTokenSystem(true)(context.Background(), Subject{}))
	assert.True(t, pkgerrors.IsReason(RequireTokenSystem(false)(context.Background(), Subject{}), pkgerrors.ReasonTokenSystemDisabled))
}

func TestRequireConfirmationOpensPendingAction(t *testing.T) {
	creator := &fakeCreator{}
	check := RequireConfirmation(creator, enums.PendingDeleteToken, map[string]string{"code": "ABCD"})

	err := check(context.Background(), Subject{UserID: 1, Role: enums.RoleAdmin})
	require.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonConfirmationNeeded), "got %v", err)
	details, ok := pkgerrors.As(err).Details().(Confirmation)
	require.True(t, ok)
	assert.NotEmpty(t, details.Token)
	assert.Equal(t, "delete_token", details.Kind)

	require.NoError(t, check(context.Background(), Subject{UserID: 1, Confirmed: true}))
	assert.Len(t, creator.created, 1)
}
