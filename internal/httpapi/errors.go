package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/directory"
	"attendguard/internal/face"
	"attendguard/internal/geofence"
	"attendguard/internal/proxy"
	"attendguard/internal/session"
)

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch attendance.KindOf(err) {
	case attendance.KindValidation:
		return http.StatusBadRequest
	case attendance.KindDenied:
		return http.StatusForbidden
	case attendance.KindTransient:
		return http.StatusServiceUnavailable
	case attendance.KindNotCheckedIn:
		return http.StatusConflict
	case attendance.KindNotFound:
		return http.StatusNotFound
	}
	switch {
	case errors.Is(err, session.ErrInvalidTTL),
		errors.Is(err, session.ErrMissingField),
		errors.Is(err, face.ErrInvalidInput),
		errors.Is(err, geofence.ErrInvalidCoordinate),
		errors.Is(err, geofence.ErrInvalidRadius):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotIssuer),
		errors.Is(err, proxy.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrTokenRevoked):
		return http.StatusGone
	case errors.Is(err, session.ErrTokenNotFound),
		errors.Is(err, face.ErrNoTemplateRegistered),
		errors.Is(err, directory.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, geofence.ErrNotConfigured),
		errors.Is(err, face.ErrScoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}
	if kind := attendance.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	if reason := attendance.ReasonOf(err); reason != attendance.ReasonNone {
		body["reason"] = reason
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}

// writeDecision answers a check-in or check-out. Denials carry the record.
func (h *Handler) writeDecision(c *gin.Context, rec attendance.Record, err error, okStatus int) {
	if err == nil {
		c.JSON(okStatus, gin.H{"record": rec})
		return
	}
	if attendance.KindOf(err) == attendance.KindDenied {
		c.JSON(http.StatusForbidden, gin.H{
			"error":  err.Error(),
			"kind":   attendance.KindDenied,
			"reason": attendance.ReasonOf(err),
			"record": rec,
		})
		return
	}
	h.writeError(c, err)
}
