package controllers

import (
	"net/http"

	"github.com/streamclub/allocator/api/middleware"
	"github.com/streamclub/allocator/internal/guard"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
)

func subjectFrom(r *http.Request, amount int64) guard.Subject {
	return guard.Subject{
		UserID: middleware.UserIDFromContext(r.Context()),
		Role:   middleware.RoleFromContext(r.Context()),
		Amount: amount,
	}
}

func validationError(field string, err error) error {
	details := map[string]string{"field": field}
	if err == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, field+" is invalid").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, field+" is invalid").WithDetails(details)
}
