package auth

import (
	"strings"
	"time"
)

// Role is the coarse authorization level carried in access tokens.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// ParseRole normalises a stored or claimed role. Unknown values yield "".
func ParseRole(raw string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser
	case RoleAdmin:
		return RoleAdmin
	default:
		return ""
	}
}

// User is the identity record behind a token subject.
type User struct {
	ID           string
	Email        string
	PasswordHash *string // nil for accounts that never set a password
	Role         Role
	FirstName    string
	LastName     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Active reports whether the account has not been soft-deleted.
func (u *User) Active() bool {
	return u != nil && u.DeletedAt == nil
}

// HasPassword reports whether a credential hash is set.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != nil && *u.PasswordHash != ""
}

func (u *User) passwordHash() string {
	if u == nil || u.PasswordHash == nil {
		return ""
	}
	return *u.PasswordHash
}

// NormalizeEmail lower-cases and trims an email for lookups.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
