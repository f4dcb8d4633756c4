package services

import (
	"context"
	"errors"
	"net/http"

	"sfusignal/internal/core/domain"
	apperrors "sfusignal/pkg/errors"
)

// ClassifyError maps a handler error onto the signaling error taxonomy.
// Engine failures carry a generic message; the cause stays on the AppError
// for logging only.
func ClassifyError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrEngineFailure):
		return apperrors.NewEngineError(err)
	case errors.Is(err, domain.ErrConnectionLost), errors.Is(err, context.Canceled):
		return apperrors.WrapError(err, apperrors.ErrCodeConnectionLost, "connection lost", 499)
	case errors.Is(err, domain.ErrIncompatibleCapability):
		return apperrors.WrapError(err, apperrors.ErrCodeIncompatible, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrTransportNotFound),
		errors.Is(err, domain.ErrProducerNotFound),
		errors.Is(err, domain.ErrConsumerNotFound),
		errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrNoProducer):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrDuplicateRole),
		errors.Is(err, domain.ErrTransportConnected):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrTransportNotConnected),
		errors.Is(err, domain.ErrTransportRole),
		errors.Is(err, domain.ErrProducerClosed),
		errors.Is(err, domain.ErrAlreadyClosed),
		errors.Is(err, domain.ErrCapabilitiesNotLoaded):
		return apperrors.WrapError(err, apperrors.ErrCodePrecondition, err.Error(), http.StatusPreconditionFailed)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}
