package controllers

import (
	"context"
	"net/http"

	"github.com/streamclub/allocator/api/middleware"
	"github.com/streamclub/allocator/api/responses"
	"github.com/streamclub/allocator/api/validators"
	"github.com/streamclub/allocator/internal/accounts"
	"github.com/streamclub/allocator/internal/guard"
	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/internal/pending"
	"github.com/streamclub/allocator/internal/tokens"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
)

// DeleteTokenPayload is stored with a pending delete_token action.
type DeleteTokenPayload struct {
	Code string `json:"code"`
}

type SetBalancePayload struct {
	UserID int64 `json:"user_id"`
	Amount int64 `json:"amount"`
}

type ExpireAccountPayload struct {
	UserID int64 `json:"user_id"`
}

// ConfirmedActions are the services the destructive admin commands run against.
type ConfirmedActions struct {
	Tokens   tokens.Service
	Ledger   ledger.Service
	Accounts accounts.Service
}

// RegisterConfirmedActions binds each pending action kind to the command it
// performs once confirmed.
func RegisterConfirmedActions(svc pending.Service, actions ConfirmedActions) {
	svc.Register(enums.PendingDeleteToken, func(ctx context.Context, action models.PendingAction) (any, error) {
		var payload DeleteTokenPayload
		if err := pending.Decode(action, &payload); err != nil {
			return nil, err
		}
		if err := actions.Tokens.Delete(ctx, payload.Code); err != nil {
			return nil, err
		}
		return map[string]any{"code": payload.Code, "deleted": true}, nil
	})
	svc.Register(enums.PendingSetBalance, func(ctx context.Context, action models.PendingAction) (any, error) {
		var payload SetBalancePayload
		if err := pending.Decode(action, &payload); err != nil {
			return nil, err
		}
		balance, err := actions.Ledger.SetBalance(ctx, payload.UserID, payload.Amount)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"user_id": payload.UserID, "balance": balance}, nil
	})
	svc.Register(enums.PendingExpireAccount, func(ctx context.Context, action models.PendingAction) (any, error) {
		var payload ExpireAccountPayload
		if err := pending.Decode(action, &payload); err != nil {
			return nil, err
		}
		if err := actions.Accounts.Expire(ctx, payload.UserID); err != nil {
			return nil, err
		}
		return map[string]any{"user_id": payload.UserID, "expired": true}, nil
	})
}

// ConfirmPending runs the action behind token for its creator.
func ConfirmPending(svc pending.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := validators.ParseUUIDParam(r, "token")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		outcome, err := svc.Confirm(r.Context(), token, middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, outcome)
	}
}

func requestConfirmation(w http.ResponseWriter, r *http.Request, logg *logger.Logger, creator guard.ConfirmationCreator, kind enums.PendingActionKind, payload any) {
	err := guard.Run(r.Context(), subjectFrom(r, 0),
		guard.RequireAdmin(),
		guard.RequireConfirmation(creator, kind, payload),
	)
	if err == nil {
		err = pkgerrors.New(pkgerrors.CodeInternal, "confirmation was not requested")
	}
	responses.WriteError(r.Context(), logg, w, err)
}
