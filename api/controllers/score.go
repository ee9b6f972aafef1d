package controllers

import (
	"context"
	"net/http"

	"github.com/streamclub/allocator/api/middleware"
	"github.com/streamclub/allocator/api/responses"
	"github.com/streamclub/allocator/api/validators"
	"github.com/streamclub/allocator/internal/guard"
	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	"github.com/streamclub/allocator/pkg/logger"
)

type balanceResponse struct {
	UserID  int64                `json:"user_id"`
	Balance int64                `json:"balance"`
	History []models.LedgerEntry `json:"history"`
}

type transferRequest struct {
	ToUserID int64 `json:"to_user_id" validate:"required,gt=0"`
	Amount   int64 `json:"amount"`
}

type adjustRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
	Amount int64 `json:"amount" validate:"gte=0"`
}

type grantRequest struct {
	UserID    int64 `json:"user_id" validate:"required,gt=0"`
	MaxAmount int64 `json:"max_amount" validate:"required,gt=0"`
}

// ScoreBalance returns the caller's balance and most recent ledger entries.
func ScoreBalance(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		limit, err := validators.QueryInt(r, "history", validators.HistoryLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		balance, err := svc.Balance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := balanceResponse{UserID: userID, Balance: balance, History: []models.LedgerEntry{}}
		if limit > 0 {
			entries, err := svc.History(r.Context(), userID, limit)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			resp.History = entries
		}
		responses.WriteSuccess(w, resp)
	}
}

func ScoreSignIn(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.SignIn(r.Context(), middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// ScoreTransfer gifts points from the caller to another user.
func ScoreTransfer(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		subject := subjectFrom(r, req.Amount)
		if err := guard.Run(r.Context(), subject, guard.RequirePositiveAmount()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Transfer(r.Context(), subject.UserID, req.ToUserID, req.Amount)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func AdminCredit(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return adjust(logg, svc.Credit)
}

func AdminDebit(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return adjust(logg, svc.Debit)
}

func adjust(logg *logger.Logger, apply func(ctx context.Context, userID, amount int64) (int64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adjustRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := guard.Run(r.Context(), subjectFrom(r, req.Amount), guard.RequireAdmin(), guard.RequirePositiveAmount()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		balance, err := apply(r.Context(), req.UserID, req.Amount)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int64{"user_id": req.UserID, "balance": balance})
	}
}

// AdminSetBalance overwrites a balance once the returned confirmation is accepted.
func AdminSetBalance(confirmations guard.ConfirmationCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adjustRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		requestConfirmation(w, r, logg, confirmations, enums.PendingSetBalance, SetBalancePayload{UserID: req.UserID, Amount: req.Amount})
	}
}

// AdminGrant credits a random bonus in [1, max_amount].
func AdminGrant(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req grantRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := guard.Run(r.Context(), subjectFrom(r, req.MaxAmount), guard.RequireAdmin()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Grant(r.Context(), req.UserID, req.MaxAmount)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
