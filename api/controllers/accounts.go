package controllers

import (
	"net/http"
	"strings"

	"github.com/streamclub/allocator/api/middleware"
	"github.com/streamclub/allocator/api/responses"
	"github.com/streamclub/allocator/api/validators"
	"github.com/streamclub/allocator/internal/accounts"
	"github.com/streamclub/allocator/internal/guard"
	"github.com/streamclub/allocator/pkg/enums"
	"github.com/streamclub/allocator/pkg/logger"
)

type renameRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
}

// AccountMe returns the caller's media-server account.
func AccountMe(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, err := svc.Get(r.Context(), middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, account)
	}
}

func AccountRename(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renameRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		account, err := svc.Rename(r.Context(), middleware.UserIDFromContext(r.Context()), strings.TrimSpace(req.Username))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, account)
	}
}

// AccountResetPassword sets a fresh random password on the media server and
// returns it once; only its hash is stored.
func AccountResetPassword(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		password, err := svc.ResetPassword(r.Context(), middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"password": password})
	}
}

func AdminListAccounts(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.QueryInt(r, "limit", validators.PageLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := guard.Run(r.Context(), subjectFrom(r, 0), guard.RequireAdmin()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cursor, err := validators.QueryCursor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := svc.List(r.Context(), accounts.ListParams{
			Cursor: cursor,
			Limit:  limit,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

// AdminExpireAccount opens a confirmation to delete a user's media-server account.
func AdminExpireAccount(confirmations guard.ConfirmationCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := validators.ParseInt64Param(r, "userId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		requestConfirmation(w, r, logg, confirmations, enums.PendingExpireAccount, ExpireAccountPayload{UserID: userID})
	}
}
