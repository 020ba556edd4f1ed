package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"gatehouse.dev/internal/email"
	"gatehouse.dev/internal/obs"
)

const defaultFrontendURL = "http://localhost:3000"

// Revocations is the per-user cutoff cache consulted for every session token.
type Revocations interface {
	InvalidateAllBefore(ctx context.Context, userID string, cutoff time.Time) error
	Cutoff(ctx context.Context, userID string) (time.Time, bool, error)
	IsInvalidated(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
}

// EventPublisher hands events to a durable stream without failing the caller.
type EventPublisher interface {
	Emit(ctx context.Context, stream string, event any) string
}

// Service orchestrates the credential use cases.
type Service struct {
	users       UserStore
	tokens      *TokenCodec
	revocations Revocations
	events      EventPublisher
	now         func() time.Time
	frontendURL string
	log         *slog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithFrontendURL sets the base URL used to build reset links.
func WithFrontendURL(raw string) ServiceOption {
	return func(s *Service) error {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("auth: invalid frontend url %q", raw)
		}
		s.frontendURL = strings.TrimRight(raw, "/")
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(users UserStore, tokens *TokenCodec, revocations Revocations, events EventPublisher, opts ...ServiceOption) (*Service, error) {
	if users == nil || tokens == nil || revocations == nil || events == nil {
		return nil, errors.New("auth: users, tokens, revocations and events are required")
	}
	svc := &Service{
		users:       users,
		tokens:      tokens,
		revocations: revocations,
		events:      events,
		now:         time.Now,
		frontendURL: defaultFrontendURL,
		log:         obs.Logger().With("module", "auth"),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AuthResult is returned by every use case that starts a session.
type AuthResult struct {
	Tokens TokenPair
	User   *User
}

// Login authenticates user credentials and issues fresh tokens.
func (s *Service) Login(ctx context.Context, emailAddr, password string) (AuthResult, error) {
	emailAddr = NormalizeEmail(emailAddr)
	if emailAddr == "" || password == "" {
		return AuthResult{}, ErrInvalidCredentials
	}
	user, err := s.users.FindByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}
	if !user.Active() || !user.HasPassword() {
		return AuthResult{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.passwordHash(), password); err != nil {
		return AuthResult{}, ErrInvalidCredentials
	}
	return s.issue(ctx, user, time.Time{})
}

// Register creates an account, or reactivates a soft-deleted one, and starts a session.
func (s *Service) Register(ctx context.Context, emailAddr, password string) (AuthResult, error) {
	emailAddr = NormalizeEmail(emailAddr)
	hash, err := HashPassword(password)
	if err != nil {
		return AuthResult{}, err
	}

	existing, err := s.users.FindByEmail(ctx, emailAddr)
	switch {
	case errors.Is(err, ErrNotFound):
		user := &User{Email: emailAddr, PasswordHash: &hash, Role: RoleUser}
		if err := s.users.Create(ctx, user); err != nil {
			return AuthResult{}, err
		}
		return s.issue(ctx, user, time.Time{})
	case err != nil:
		return AuthResult{}, err
	case existing.Active():
		return AuthResult{}, ErrEmailUsed
	}

	if err := s.users.Reactivate(ctx, existing.ID, hash); err != nil {
		return AuthResult{}, err
	}
	existing.PasswordHash = &hash
	existing.Role = RoleUser
	existing.DeletedAt = nil
	// Sessions from before the deletion must not survive reactivation.
	cutoff, err := s.invalidateAll(ctx, existing.ID)
	if err != nil {
		return AuthResult{}, err
	}
	return s.issue(ctx, existing, cutoff)
}

// Refresh exchanges a refresh token for a new pair. The presented token's session is
// revoked, so the same refresh token cannot be used twice.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	claims, err := s.tokens.Verify(KindRefresh, refreshToken)
	if err != nil {
		return AuthResult{}, err
	}
	userID := claims.Subject
	revoked, err := s.revocations.IsInvalidated(ctx, userID, claims.IssuedAtTime())
	if err != nil {
		return AuthResult{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return AuthResult{}, ErrTokenRevoked
	}
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return AuthResult{}, err
	}
	cutoff, err := s.invalidateAll(ctx, userID)
	if err != nil {
		return AuthResult{}, err
	}
	return s.issue(ctx, user, cutoff)
}

// Logout revokes every token issued to the user so far.
func (s *Service) Logout(ctx context.Context, userID string) error {
	_, err := s.invalidateAll(ctx, userID)
	return err
}

// ChangePassword sets a new password. Accounts that already have one must present it.
func (s *Service) ChangePassword(ctx context.Context, userID string, current *string, next string) error {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.HasPassword() {
		if current == nil {
			return ErrPasswordRequired
		}
		if err := VerifyPassword(user.passwordHash(), *current); err != nil {
			return ErrPasswordMismatch
		}
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	_, err = s.invalidateAll(ctx, user.ID)
	return err
}

// ForgotPassword publishes a reset email for an active account. Unknown addresses are
// ignored so the endpoint does not reveal which emails are registered.
func (s *Service) ForgotPassword(ctx context.Context, emailAddr string) error {
	emailAddr = NormalizeEmail(emailAddr)
	user, err := s.users.FindByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.InfoContext(ctx, "forgot password for unknown email")
			return nil
		}
		return err
	}
	if !user.Active() {
		return nil
	}
	token, err := s.tokens.MintReset(user)
	if err != nil {
		return err
	}
	event := email.SendEvent{
		To:           user.Email,
		Subject:      email.SubjectResetPassword,
		TemplateName: email.TemplateResetPassword,
		Variables: map[string]any{
			"email":     user.Email,
			"resetLink": s.ResetLink(token.Value),
			"expiresIn": humanizeDuration(s.tokens.TTL(KindReset)),
		},
	}
	if id := s.events.Emit(ctx, email.Stream, event); id != "" {
		s.log.InfoContext(ctx, "reset email queued", "user_id", user.ID, "record_id", id)
	}
	return nil
}

// ResetPassword sets a new password using a reset token bound to the current one.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	subject, err := SubjectUnverified(token)
	if err != nil {
		return err
	}
	user, err := s.users.Find(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}
	if !user.Active() {
		return ErrTokenInvalid
	}
	if _, err := s.tokens.VerifyReset(token, user.passwordHash()); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	_, err = s.invalidateAll(ctx, user.ID)
	return err
}

// User returns an active account by id.
func (s *Service) User(ctx context.Context, userID string) (*User, error) {
	return s.activeUser(ctx, userID)
}

// Users lists active accounts.
func (s *Service) Users(ctx context.Context, limit, offset int) ([]*User, error) {
	return s.users.List(ctx, limit, offset)
}

// ResetLink builds the frontend URL that carries a reset token.
func (s *Service) ResetLink(token string) string {
	return s.frontendURL + "/reset-password?token=" + url.QueryEscape(token)
}

func (s *Service) activeUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !user.Active() {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// invalidateAll moves the user's cutoff one second past the latest issued-at a token
// could carry, which is the later of the current second and the stored cutoff.
func (s *Service) invalidateAll(ctx context.Context, userID string) (time.Time, error) {
	floor := s.now().UTC().Truncate(time.Second)
	current, ok, err := s.revocations.Cutoff(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("read revocation cutoff: %w", err)
	}
	if ok && current.After(floor) {
		floor = current
	}
	cutoff := floor.Add(time.Second)
	if err := s.revocations.InvalidateAllBefore(ctx, userID, cutoff); err != nil {
		return time.Time{}, fmt.Errorf("invalidate tokens: %w", err)
	}
	return cutoff, nil
}

// issue mints a pair no earlier than notBefore, or than the stored cutoff when notBefore is zero.
func (s *Service) issue(ctx context.Context, user *User, notBefore time.Time) (AuthResult, error) {
	at := s.now()
	if notBefore.IsZero() {
		cutoff, ok, err := s.revocations.Cutoff(ctx, user.ID)
		if err != nil {
			s.log.WarnContext(ctx, "read revocation cutoff", "user_id", user.ID, "error", err)
		} else if ok {
			notBefore = cutoff
		}
	}
	if notBefore.After(at) {
		at = notBefore
	}

	access, err := s.tokens.Mint(KindAccess, MintParams{Subject: user.ID, Role: user.Role, IssuedAt: at})
	if err != nil {
		return AuthResult{}, err
	}
	refresh, err := s.tokens.Mint(KindRefresh, MintParams{Subject: user.ID, IssuedAt: at})
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{
		Tokens: TokenPair{
			AccessToken:      access.Value,
			RefreshToken:     refresh.Value,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshExpiresAt: refresh.ExpiresAt,
		},
		User: user,
	}, nil
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return plural(int(d/time.Second), "second")
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	switch {
	case hours == 0:
		return plural(minutes, "minute")
	case minutes == 0:
		return plural(hours, "hour")
	default:
		return plural(hours, "hour") + " " + plural(minutes, "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
