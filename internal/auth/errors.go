package auth

import "errors"

var (
	ErrNotFound = errors.New("auth: not found")

	ErrTokenRequired  = errors.New("auth: token required")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenInvalid   = errors.New("auth: token invalid")
	ErrTokenRevoked   = errors.New("auth: token revoked")

	ErrOperationNotAllowed = errors.New("auth: operation not allowed")
	ErrInvalidCredentials  = errors.New("auth: email or password is incorrect")
	ErrEmailUsed           = errors.New("auth: email has already been used")
	ErrUserNotFound        = errors.New("auth: user not found")
	ErrPasswordMismatch    = errors.New("auth: password does not match")
	ErrPasswordRequired    = errors.New("auth: field `password` is required for this account")
)

// IsTokenError reports whether err is one of the credential verification failures.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenRequired) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenRevoked)
}
