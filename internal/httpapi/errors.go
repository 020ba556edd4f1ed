package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

// Machine-readable error codes returned in ErrorResponse.Code.
const (
	CodeUnknown             = "UNKNOWN_ERROR"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeValidation          = "VALIDATION_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeTokenRequired       = "TOKEN_REQUIRED"
	CodeOperationNotAllowed = "OPERATION_NOT_ALLOWED"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodePasswordNotMatch    = "PASSWORD_NOT_MATCH"
	CodeEmailUsed           = "EMAIL_USED"
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeTooManyRequests     = "TOO_MANY_REQUESTS"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status    int               `json:"status"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	RequestID string            `json:"requestId,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorResponse(w, r, ErrorResponse{Status: status, Code: code, Message: msg})
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, resp ErrorResponse) {
	resp.Timestamp = time.Now().UTC()
	resp.RequestID = audit.RequestIDFromContext(r.Context())
	if resp.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, resp.Status, resp)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
}

func writeValidation(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	fields := make(map[string]string, len(verrs))
	for field, fe := range verrs {
		fields[field] = fe.Error()
	}
	writeErrorResponse(w, r, ErrorResponse{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: "Validation failed",
		Errors:  fields,
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")
}

// handleServiceError maps auth use case failures onto the error table.
// Token failures collapse to a generic 401 so callers cannot tell revoked from expired.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case auth.IsTokenError(err):
		writeUnauthorized(w, r)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, CodeInvalidCredentials, "Email or password is incorrect")
	case errors.Is(err, auth.ErrEmailUsed):
		writeError(w, r, http.StatusConflict, CodeEmailUsed, "Email has already been used")
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, CodeUserNotFound, "User not found")
	case errors.Is(err, auth.ErrPasswordMismatch):
		writeError(w, r, http.StatusBadRequest, CodePasswordNotMatch, "Password does not match")
	case errors.Is(err, auth.ErrPasswordRequired):
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "Field `password` is required for this account")
	case errors.Is(err, auth.ErrOperationNotAllowed):
		writeError(w, r, http.StatusForbidden, CodeOperationNotAllowed, "Operation not allowed")
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"module", "httpapi",
			"path", r.URL.Path,
			"request_id", audit.RequestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, CodeUnknown, "Internal server error")
	}
}
