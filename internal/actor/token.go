package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/statorhq/stator/internal/platform/errors"
)

// MinSecretLen is the minimum byte length accepted for signing secrets.
// Shorter HMAC keys weaken the signature below the hash output size.
const MinSecretLen = 32

// tokenClaims is the internal claims type used for JWT parsing.
type tokenClaims struct {
	jwt.RegisteredClaims
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Verifier validates handshake tokens and resolves them to actors.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a token verifier. A nil now defaults to time.Now.
func NewVerifier(secret []byte, now func() time.Time) (*Verifier, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("actor: secret must be at least %d bytes", MinSecretLen)
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: secret, now: now}, nil
}

// Verify parses a handshake token and returns the actor it names.
// The signing method is pinned to HS256 to prevent algorithm confusion.
func (v *Verifier) Verify(token string) (*Actor, error) {
	if token == "" {
		return nil, apperrors.New(apperrors.CodeTokenInvalid, "token is required")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}

	if parsed.Subject == "" {
		return nil, apperrors.New(apperrors.CodeTokenInvalid, "token subject is required")
	}
	return &Actor{ID: parsed.Subject, Attrs: parsed.Attrs}, nil
}

// Mint signs a token naming the given actor, valid for ttl from now.
func Mint(secret []byte, id string, attrs map[string]string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) < MinSecretLen {
		return "", fmt.Errorf("actor: secret must be at least %d bytes", MinSecretLen)
	}
	if id == "" {
		return "", fmt.Errorf("actor: id is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("actor: ttl must be positive")
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Attrs: attrs,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// mapJWTError translates jwt library errors to domain errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperrors.New(apperrors.CodeTokenExpired, "token is expired")
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.New(apperrors.CodeTokenInvalid, "token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeTokenInvalid, "token alg is invalid")
	}
	return apperrors.New(apperrors.CodeTokenInvalid, "token is invalid")
}
