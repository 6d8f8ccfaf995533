package signal

import (
	"errors"
	"net/http"

	"peerlink/internal/core/domain"
	apperrors "peerlink/pkg/errors"
)

// toAppError maps a dispatch failure to the code reported to the client.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrStaleRequest):
		return apperrors.NewStaleRequestError(err)
	case errors.Is(err, domain.ErrPeerBusy):
		return apperrors.NewPeerBusyError(err)
	case errors.Is(err, domain.ErrUsernameReserved):
		return apperrors.WrapError(err, apperrors.ErrCodeUsernameReserved, "username already registered at this address", http.StatusConflict)
	case errors.Is(err, domain.ErrUnknownMessage):
		return apperrors.NewUnknownMessageError(err)
	case errors.Is(err, domain.ErrMalformedMessage), errors.Is(err, domain.ErrInvalidUsername):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrPeerNotConnected):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}
