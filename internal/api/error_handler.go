package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/service"
	"github.com/rryowa/sessiond/internal/util"
)

// ErrorHandler maps service sentinels onto the wire taxonomy. The
// credential-side answers stay deliberately generic; only replay and
// lockout carry extra information, because the client has to react to
// those.
func ErrorHandler(log *zap.SugaredLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var respErr util.ResponseError
		if errors.As(err, &respErr) {
			writeJSON(c, log, respErr.Status, models.ErrorResponse{Reason: respErr.Msg})
			return
		}

		var lockedErr *service.AccountLockedError
		if errors.As(err, &lockedErr) {
			retryAfter := int64(lockedErr.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Response().Header().Set(echo.HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))
			writeJSON(c, log, http.StatusTooManyRequests, models.ErrorResponse{
				Reason:     "account locked",
				RetryAfter: retryAfter,
			})
			return
		}

		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			writeJSON(c, log, http.StatusUnauthorized, models.ErrorResponse{Reason: "invalid credentials"})
		case errors.Is(err, service.ErrReplayDetected):
			writeJSON(c, log, http.StatusUnauthorized, models.ErrorResponse{Reason: "replay detected"})
		case errors.Is(err, service.ErrInvalidRefreshToken):
			writeJSON(c, log, http.StatusUnauthorized, models.ErrorResponse{Reason: "invalid refresh token"})
		case isUnauthorizedTokenError(err):
			writeJSON(c, log, http.StatusUnauthorized, models.ErrorResponse{Reason: "invalid token"})
		case errors.Is(err, service.ErrEmailTaken):
			writeJSON(c, log, http.StatusConflict, models.ErrorResponse{Reason: "registration failed"})
		case errors.Is(err, service.ErrServiceBusy):
			c.Response().Header().Set(echo.HeaderRetryAfter, "1")
			writeJSON(c, log, http.StatusServiceUnavailable, models.ErrorResponse{Reason: "service busy"})
		default:
			var he *echo.HTTPError
			if errors.As(err, &he) {
				if he.Code == http.StatusInternalServerError {
					log.Errorw("HTTP error", "error", err, "uri", c.Request().RequestURI)
				}
				reason, ok := he.Message.(string)
				if !ok {
					reason = http.StatusText(he.Code)
				}
				writeJSON(c, log, he.Code, models.ErrorResponse{Reason: reason})
				return
			}

			log.Errorw("unhandled error", "error", err, "uri", c.Request().RequestURI)
			writeJSON(c, log, http.StatusInternalServerError, models.ErrorResponse{Reason: "internal server error"})
		}
	}
}

func isUnauthorizedTokenError(err error) bool {
	return errors.Is(err, service.ErrTokenExpired) ||
		errors.Is(err, service.ErrTokenRevoked) ||
		errors.Is(err, service.ErrBadSignature) ||
		errors.Is(err, service.ErrTokenInvalid)
}

func writeJSON(c echo.Context, log *zap.SugaredLogger, status int, body interface{}) {
	if err := c.JSON(status, body); err != nil {
		log.Errorw("failed to write json response", "error", err)
	}
}
