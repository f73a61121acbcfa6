package httpapi

import (
	"net/http"

	"vanish/server/internal/apperr"
)

// errorResponse is the uniform JSON error body for every non-2xx response.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an internal error code to the HTTP status a client sees.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeGone:
		return http.StatusGone
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) (int, errorResponse) {
	if appErr, ok := err.(*apperr.Error); ok {
		return statusFor(appErr.Code), errorResponse{Code: string(appErr.Code), Message: appErr.Message}
	}
	return http.StatusInternalServerError, errorResponse{Code: string(apperr.CodeInternal), Message: "internal error"}
}
