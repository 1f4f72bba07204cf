package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/model"
)

// Problem is an RFC 7807 problem document. Every error leaving the HTTP
// surface is one of these.
type Problem struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Code     string   `json:"code"`
	Instance string   `json:"instance,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// ProblemHandler maps any handler error onto a problem document. Typed
// errors keep their code and message; everything else is an opaque
// INTERNAL_ERROR so internals never leak.
func ProblemHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := model.CodeInternal
	detail := "internal error"

	var typed *model.Error
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &typed):
		code = typed.Code
		detail = typed.Message
	case errors.As(err, &httpErr):
		code = codeForStatus(httpErr.Code)
		if msg, ok := httpErr.Message.(string); ok {
			detail = msg
		}
	default:
		common.RequestLogger(RequestID(c)).WithError(err).Error("unhandled error")
	}

	status := model.HTTPStatus(code)
	problem := Problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Code:     string(code),
		Instance: c.Request().URL.Path,
	}

	// echo only writes its default content type when the header is blank,
	// so setting it first keeps the problem media type.
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, problem)
	}
	if writeErr != nil {
		common.RequestLogger(RequestID(c)).WithError(writeErr).Error("cannot write problem response")
	}
}

// codeForStatus maps statuses produced inside echo itself (router 404s,
// body-limit 413s) back onto the error taxonomy.
func codeForStatus(status int) model.ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return model.CodeValidation
	case http.StatusUnauthorized:
		return model.CodeUnauthorized
	case http.StatusForbidden:
		return model.CodeForbidden
	case http.StatusNotFound:
		return model.CodeNotFound
	case http.StatusMethodNotAllowed:
		return model.CodeValidation
	case http.StatusRequestEntityTooLarge:
		return model.CodePayloadTooLarge
	case http.StatusUnsupportedMediaType:
		return model.CodeUnsupportedMedia
	case http.StatusTooManyRequests:
		return model.CodeRateLimited
	default:
		return model.CodeInternal
	}
}
