package auth

import "context"

// UserStore describes persistence operations required by the auth subsystem.
// Lookups return soft-deleted rows too; callers decide what deletion means.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, limit, offset int) ([]*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	// Reactivate clears the deletion mark, sets a new password hash and resets the role.
	Reactivate(ctx context.Context, userID, passwordHash string) error
}
