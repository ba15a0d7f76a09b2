package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	TokenTTL = 7 * 24 * time.Hour
	// DevSecret signs tokens outside production when no secret is configured.
	DevSecret = "forge-dev-secret-change-in-production"
)

var (
	ErrInvalidToken  = errors.New("invalid session token")
	ErrMissingSecret = errors.New("jwt secret is required in production")
)

// Claims is what the session credential carries.
type Claims struct {
	UserID int64   `json:"userId"`
	Email  string  `json:"email"`
	Name   *string `json:"name,omitempty"`
}

type tokenClaims struct {
	Claims
	jwt.RegisteredClaims
}

// Issuer signs and verifies session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an issuer for secret. An empty secret falls back to
// DevSecret unless production is set.
func NewIssuer(secret string, production bool) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		if production {
			return nil, ErrMissingSecret
		}
		secret = DevSecret
	}
	return &Issuer{secret: []byte(secret), ttl: TokenTTL, now: time.Now}, nil
}

// Sign issues a token valid for TokenTTL.
func (i *Issuer) Sign(c Claims) (string, error) {
	if i == nil {
		return "", errors.New("token issuer is not initialized")
	}
	now := i.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Claims: c,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(c.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	})
	s, err := tok.SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return s, nil
}

// Verify returns the claims of a valid, unexpired token.
func (i *Issuer) Verify(token string) (Claims, error) {
	if i == nil {
		return Claims{}, errors.New("token issuer is not initialized")
	}
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if tc.UserID == 0 || tc.Email == "" {
		return Claims{}, ErrInvalidToken
	}
	return tc.Claims, nil
}
