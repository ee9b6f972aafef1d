// Package guard runs the ordered precondition checks applied to commands
// before they reach a service.
package guard

import (
	"context"
	"time"

	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
)

// Subject is what the checks inspect.
type Subject struct {
	UserID int64
	Role   enums.Role
	Amount int64
	// Confirmed is set when the command arrives through a consumed pending action.
	Confirmed bool
}

// Check returns nil to let the command through or a typed error to stop it.
type Check func(ctx context.Context, subject Subject) error

// AccountLookup reports whether a user holds an active account.
type AccountLookup interface {
	HasActive(ctx context.Context, userID int64) (bool, error)
}

// ConfirmationCreator opens a pending action for a destructive command.
type ConfirmationCreator interface {
	Create(ctx context.Context, actorID int64, kind enums.PendingActionKind, payload any) (*models.PendingAction, error)
}

// Confirmation is returned in the details of a CONFIRMATION_REQUIRED error.
type Confirmation struct {
	Token     string    `json:"token"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Run applies checks in order and stops at the first failure.
func Run(ctx context.Context, subject Subject, checks ...Check) error {
	for _, check := range checks {
		if err := check(ctx, subject); err != nil {
			return err
		}
	}
	return nil
}

func RequireAdmin() Check {
	return func(_ context.Context, subject Subject) error {
		if subject.Role != enums.RoleAdmin {
			return pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
		}
		return nil
	}
}

func RequireAccount(lookup AccountLookup) Check {
	return func(ctx context.Context, subject Subject) error {
		active, err := lookup.HasActive(ctx, subject.UserID)
		if err != nil {
			return err
		}
		if !active {
			return pkgerrors.New(pkgerrors.CodeForbidden, "an active account is required")
		}
		return nil
	}
}

func RequirePositiveAmount() Check {
	return func(_ context.Context, subject Subject) error {
		if subject.Amount <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
		}
		return nil
	}
}

func RequireTokenSystem(enabled bool) Check {
	return func(context.Context, Subject) error {
		if !enabled {
			return pkgerrors.Rule(pkgerrors.ReasonTokenSystemDisabled, "the token system is disabled")
		}
		return nil
	}
}

// RequireConfirmation lets confirmed commands through. Otherwise it opens a
// pending action carrying payload and rejects with its token in the details.
func RequireConfirmation(creator ConfirmationCreator, kind enums.PendingActionKind, payload any) Check {
	return func(ctx context.Context, subject Subject) error {
		if subject.Confirmed {
			return nil
		}
		action, err := creator.Create(ctx, subject.UserID, kind, payload)
		if err != nil {
			return err
		}
		return pkgerrors.Rule(pkgerrors.ReasonConfirmationNeeded, "confirm this action to continue").
			WithDetails(Confirmation{
				Token:     action.Token.String(),
				Kind:      string(action.Kind),
				ExpiresAt: action.ExpiresAt,
			})
	}
}
