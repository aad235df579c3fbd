package handlers

import (
	"errors"
	"net/http"

	"rointe_sync/internal/auth"
	"rointe_sync/internal/command"
	"rointe_sync/internal/rest"
	"rointe_sync/internal/service"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrReauthRequired),
		errors.Is(err, service.ErrNotLoggedIn):
		return http.StatusUnauthorized
	case errors.Is(err, command.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, command.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, command.ErrUnavailable),
		errors.Is(err, auth.ErrUnavailable),
		errors.Is(err, service.ErrEngineClosed):
		return http.StatusServiceUnavailable
	}
	var re *rest.Error
	if errors.As(err, &re) {
		if re.Kind.Retryable() {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, err error, logKey string, kv ...interface{}) {
	code := statusFor(err)
	if h.log != nil {
		fields := append([]interface{}{"err", err, "status", code}, kv...)
		if code >= http.StatusInternalServerError {
			h.log.Errorw(logKey, fields...)
		} else {
			h.log.Infow(logKey, fields...)
		}
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
