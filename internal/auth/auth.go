package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind distinguishes the three credential purposes. Each kind has its own
// secret and lifetime.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
	KindReset   TokenKind = "reset"
)

// ResetPurpose is the purpose tag required on reset tokens.
const ResetPurpose = "reset_password"

// Allow a small clock skew when validating issued-at.
const issuedAtSkew = 5 * time.Second

// Claims represents JWT claims used across the service.
type Claims struct {
	Role    Role   `json:"role,omitempty"`
	Email   string `json:"email,omitempty"`
	Purpose string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// IssuedAtTime returns iat or the zero time.
func (c *Claims) IssuedAtTime() time.Time {
	if c == nil || c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// ExpiresAtTime returns exp or the zero time.
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Sign serialises claims and signs them with HS256 under a key derived from secret.
func Sign(claims *Claims, secret string) (string, error) {
	if claims == nil {
		return "", errors.New("auth: claims are required")
	}
	if secret == "" {
		return "", errors.New("auth: signing secret is empty")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(deriveKey(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature and required claims against secret.
func Parse(token, secret string) (*Claims, error) {
	return parse(token, secret, time.Now)
}

func parse(token, secret string, now func() time.Time) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	key := deriveKey(secret)
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenMalformed
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(now))
	if err != nil {
		return nil, classifyParseError(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if err := validateClaims(claims, now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenMalformed
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func validateClaims(claims *Claims, now time.Time) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return errors.New("token issued in the future")
	}
	if !claims.ExpiresAt.Time.After(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// deriveKey hashes an operator supplied secret of any length into a 256-bit HMAC key.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// SubjectUnverified decodes the subject without checking the signature.
// The result must not be trusted until the token is verified.
func SubjectUnverified(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenRequired
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// TokenConfig carries per-kind secrets and lifetimes.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	ResetSecret   string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ResetTTL      time.Duration
}

type tokenKey struct {
	secret string
	ttl    time.Duration
}

// TokenCodec mints and verifies access, refresh and reset tokens.
type TokenCodec struct {
	keys map[TokenKind]tokenKey
	now  func() time.Time
}

// CodecOption configures TokenCodec.
type CodecOption func(*TokenCodec)

// WithCodecClock overrides the time source.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewTokenCodec validates cfg and returns a codec.
func NewTokenCodec(cfg TokenConfig, opts ...CodecOption) (*TokenCodec, error) {
	keys := map[TokenKind]tokenKey{
		KindAccess:  {secret: cfg.AccessSecret, ttl: cfg.AccessTTL},
		KindRefresh: {secret: cfg.RefreshSecret, ttl: cfg.RefreshTTL},
		KindReset:   {secret: cfg.ResetSecret, ttl: cfg.ResetTTL},
	}
	for kind, k := range keys {
		if strings.TrimSpace(k.secret) == "" {
			return nil, fmt.Errorf("auth: %s secret is required", kind)
		}
		if k.ttl <= 0 {
			return nil, fmt.Errorf("auth: %s ttl must be greater than zero", kind)
		}
	}
	if cfg.AccessSecret == cfg.RefreshSecret || cfg.AccessSecret == cfg.ResetSecret || cfg.RefreshSecret == cfg.ResetSecret {
		return nil, errors.New("auth: access, refresh and reset secrets must all differ")
	}
	c := &TokenCodec{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the configured lifetime for kind.
func (c *TokenCodec) TTL(kind TokenKind) time.Duration {
	return c.keys[kind].ttl
}

// MintParams describes the claims of a token to mint.
type MintParams struct {
	Subject string
	Role    Role
	// IssuedAt defaults to now. Callers may move it forward to clear a revocation cutoff.
	IssuedAt time.Time
}

// Token is a signed token with its validity window.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Mint signs an access or refresh token.
func (c *TokenCodec) Mint(kind TokenKind, p MintParams) (Token, error) {
	if kind == KindReset {
		return Token{}, errors.New("auth: reset tokens are minted with MintReset")
	}
	key, ok := c.keys[kind]
	if !ok {
		return Token{}, fmt.Errorf("auth: unknown token kind %q", kind)
	}
	claims := c.baseClaims(p.Subject, p.IssuedAt, key.ttl)
	if kind == KindAccess {
		claims.Role = p.Role
	}
	return c.sign(claims, key.secret)
}

// Verify checks an access or refresh token.
func (c *TokenCodec) Verify(kind TokenKind, token string) (*Claims, error) {
	if kind == KindReset {
		return nil, errors.New("auth: reset tokens are verified with VerifyReset")
	}
	key, ok := c.keys[kind]
	if !ok {
		return nil, fmt.Errorf("auth: unknown token kind %q", kind)
	}
	claims, err := parse(token, key.secret, c.now)
	if err != nil {
		return nil, err
	}
	// Purpose-tagged tokens never authenticate a session.
	if claims.Purpose != "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// MintReset signs a reset token under a secret bound to the user's current password hash.
func (c *TokenCodec) MintReset(user *User) (Token, error) {
	if user == nil {
		return Token{}, errors.New("auth: user is required")
	}
	key := c.keys[KindReset]
	claims := c.baseClaims(user.ID, time.Time{}, key.ttl)
	claims.Email = user.Email
	claims.Purpose = ResetPurpose
	return c.sign(claims, key.secret+user.passwordHash())
}

// VerifyReset checks a reset token against the password hash it was bound to.
// Any change of the hash invalidates all outstanding reset tokens.
func (c *TokenCodec) VerifyReset(token, passwordHash string) (*Claims, error) {
	claims, err := parse(token, c.keys[KindReset].secret+passwordHash, c.now)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != ResetPurpose {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (c *TokenCodec) baseClaims(subject string, issuedAt time.Time, ttl time.Duration) *Claims {
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}
	issuedAt = issuedAt.UTC().Truncate(time.Second)
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(subject),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
}

func (c *TokenCodec) sign(claims *Claims, secret string) (Token, error) {
	if claims.Subject == "" {
		return Token{}, errors.New("auth: subject is required")
	}
	value, err := Sign(claims, secret)
	if err != nil {
		return Token{}, err
	}
	return Token{
		Value:     value,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
