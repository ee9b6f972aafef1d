package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/streamclub/allocator/api/middleware"
	"github.com/streamclub/allocator/api/responses"
	"github.com/streamclub/allocator/api/validators"
	"github.com/streamclub/allocator/internal/guard"
	"github.com/streamclub/allocator/internal/tokens"
	"github.com/streamclub/allocator/pkg/enums"
	"github.com/streamclub/allocator/pkg/logger"
)

type purchaseRequest struct {
	Kind string `json:"kind" validate:"required,oneof=invite renew"`
}

type redeemRequest struct {
	Code     string `json:"code" validate:"required,max=64"`
	Username string `json:"username" validate:"omitempty,max=32"`
}

type issueRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=invite renew"`
	Length     int    `json:"length" validate:"omitempty,min=4,max=32"`
	ExpireDays int    `json:"expire_days" validate:"omitempty,min=1,max=365"`
}

// TokenPurchase buys an invite or renew code with the caller's points.
func TokenPurchase(svc tokens.Service, systemEnabled bool, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req purchaseRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		subject := subjectFrom(r, 0)
		if err := guard.Run(r.Context(), subject, guard.RequireTokenSystem(systemEnabled)); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		token, err := svc.Purchase(r.Context(), subject.UserID, enums.TokenKind(req.Kind))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, token)
	}
}

func TokenRedeem(svc tokens.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req redeemRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Redeem(r.Context(), tokens.RedeemParams{
			Code:     req.Code,
			UserID:   middleware.UserIDFromContext(r.Context()),
			Username: strings.TrimSpace(req.Username),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func AdminIssueToken(svc tokens.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issueRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		subject := subjectFrom(r, 0)
		if err := guard.Run(r.Context(), subject, guard.RequireAdmin()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		token, err := svc.Issue(r.Context(), tokens.IssueParams{
			IssuerID:   subject.UserID,
			Kind:       enums.TokenKind(req.Kind),
			Length:     req.Length,
			ExpireDays: req.ExpireDays,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, token)
	}
}

// AdminListTokens pages unused tokens, newest first.
func AdminListTokens(svc tokens.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.QueryInt(r, "limit", validators.PageLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		kind := strings.TrimSpace(r.URL.Query().Get("kind"))
		if kind != "" {
			parsed, err := enums.ParseTokenKind(kind)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, validationError("kind", err))
				return
			}
			kind = string(parsed)
		}
		cursor, err := validators.QueryCursor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := svc.List(r.Context(), tokens.ListParams{
			Kind:   enums.TokenKind(kind),
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

func AdminDeleteToken(confirmations guard.ConfirmationCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := tokens.NormalizeCode(chi.URLParam(r, "code"))
		if code == "" {
			responses.WriteError(r.Context(), logg, w, validationError("code", nil))
			return
		}
		requestConfirmation(w, r, logg, confirmations, enums.PendingDeleteToken, DeleteTokenPayload{Code: code})
	}
}
