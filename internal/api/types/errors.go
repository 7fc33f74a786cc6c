package types

import (
	"errors"
	"net/http"

	appErr "github.com/dbstudio/engine/pkg/errors"
)

// FromAppError converts err into the wire error. Internal failures keep
// their message generic.
func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	var ae *appErr.AppError
	if !errors.As(err, &ae) {
		return &APIError{Code: string(appErr.CodeInternal), Message: "internal error"}
	}
	out := &APIError{Code: string(ae.Code), Message: ae.Message, Field: appErr.MetaString(err, "field")}
	if ae.Code == appErr.CodeInternal || ae.Code == appErr.CodeUnknown {
		out.Code = string(appErr.CodeInternal)
	}
	return out
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch appErr.CodeOf(err) {
	case appErr.CodeInvalid, appErr.CodeConflict:
		return http.StatusBadRequest
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodePrecondition:
		return http.StatusConflict
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case appErr.CodeDeadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
