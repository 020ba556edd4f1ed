package auth

// Principal is the request-scoped caller identity resolved from a verified access token.
// The zero value is the anonymous principal.
type Principal struct {
	UserID string
	Role   Role
}

// Anonymous returns the principal attached to requests that carry no usable credential.
func Anonymous() Principal {
	return Principal{}
}

// Authenticated reports whether the principal carries a user identity.
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// HasAnyRole reports whether the principal's role is in allowed.
// An empty allow-set admits every role.
func (p Principal) HasAnyRole(allowed ...Role) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == p.Role {
			return true
		}
	}
	return false
}
