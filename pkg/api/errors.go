package api

import (
	"log/slog"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/planmesh/orchestrator/pkg/apperr"
)

// httpErrorHandler renders every handler error as the uniform envelope
// {code, message, details?}, mirroring the teacher's mapServiceError
// dispatch but against this module's apperr taxonomy instead of
// service-specific sentinel errors.
func httpErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(c *echo.Context, err error) {
		if c.Response().Committed {
			return
		}

		appErr, ok := apperr.As(err)
		if !ok {
			if he, isHTTPErr := err.(*echo.HTTPError); isHTTPErr {
				appErr = httpErrorToAppErr(he)
			} else {
				log.Error("unhandled request error", "error", err, "request_id", requestID(c), "trace_id", traceID(c))
				appErr = apperr.ConfigurationError("internal server error")
			}
		}

		if appErr.RetryAfterMs > 0 {
			c.Response().Header().Set("Retry-After", strconv.FormatInt(appErr.RetryAfterMs/1000, 10))
		}

		resp := ErrorResponse{Code: string(appErr.Code), Message: appErr.Message}
		if len(appErr.Details) > 0 {
			resp.Details = appErr.Details
		}
		if jsonErr := c.JSON(appErr.HTTPStatus(), resp); jsonErr != nil {
			log.Error("failed writing error response", "error", jsonErr)
		}
	}
}

// httpErrorToAppErr maps echo's own HTTPError (raised by c.Bind on
// malformed JSON, or by echo's routing for 404/405) onto the envelope.
func httpErrorToAppErr(he *echo.HTTPError) *apperr.Error {
	msg, _ := he.Message.(string)
	if msg == "" {
		msg = http.StatusText(he.Code)
	}
	switch he.Code {
	case http.StatusNotFound:
		return apperr.NotFound(msg)
	case http.StatusRequestEntityTooLarge:
		return apperr.PayloadTooLarge(msg, 0)
	default:
		return apperr.InvalidRequest(msg)
	}
}
