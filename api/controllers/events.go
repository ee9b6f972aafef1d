package controllers

import (
	"net/http"

	"github.com/streamclub/allocator/api/responses"
	"github.com/streamclub/allocator/api/validators"
	"github.com/streamclub/allocator/internal/claims"
	"github.com/streamclub/allocator/internal/events"
	"github.com/streamclub/allocator/internal/guard"
	"github.com/streamclub/allocator/pkg/logger"
)

type createEventRequest struct {
	TotalPool        int64 `json:"total_pool"`
	ParticipantCount int   `json:"participant_count" validate:"required,min=1,max=1000"`
}

type eventResponse struct {
	*events.View
	Remaining int `json:"remaining"`
}

// CreateEvent funds a distribution event from the caller's balance.
func CreateEvent(svc events.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createEventRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		subject := subjectFrom(r, req.TotalPool)
		if err := guard.Run(r.Context(), subject, guard.RequirePositiveAmount()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Create(r.Context(), events.CreateParams{
			OrganizerID:      subject.UserID,
			TotalPool:        req.TotalPool,
			ParticipantCount: req.ParticipantCount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, eventResponse{View: view, Remaining: view.Remaining()})
	}
}

func GetEvent(svc events.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, eventResponse{View: view, Remaining: view.Remaining()})
	}
}

// ClaimEvent takes the next share of an event for the caller.
func ClaimEvent(svc claims.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Claim(r.Context(), id, subjectFrom(r, 0).UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
