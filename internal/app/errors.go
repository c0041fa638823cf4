package app

import (
	"errors"
	"fmt"
	"net/http"

	"crmsync/internal/crm"
	"crmsync/internal/reconcile"
	"crmsync/internal/store"
)

// DomainError carries an explicit HTTP status and error code.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errInvalidTenant = domainError(http.StatusBadRequest, "INVALID_TENANT", "Invalid tenant", nil)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var mutationErr *reconcile.MutationError
	if errors.As(err, &mutationErr) {
		return http.StatusBadGateway, "MUTATION_REJECTED", "Change was rejected and rolled back", map[string]any{
			"kind":     mutationErr.Kind,
			"table":    mutationErr.Table,
			"entityId": mutationErr.EntityID,
			"reason":   mutationErr.Err.Error(),
		}
	}
	switch {
	case errors.Is(err, crm.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, crm.ErrInvalidPatch):
		return http.StatusBadRequest, "INVALID_PATCH", err.Error(), nil
	case errors.Is(err, reconcile.ErrNotMovable):
		return http.StatusBadRequest, "NOT_MOVABLE", "Record has no board position", nil
	case errors.Is(err, store.ErrConflict), errors.Is(err, reconcile.ErrDuplicateID):
		return http.StatusConflict, "CONFLICT", "Record already exists", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
