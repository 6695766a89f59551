package auth

import (
	"strconv"
	"strings"
	"time"

	"pulsespace/pkg/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
)

const (
	DefaultIssuer   = "pulsespace"
	DefaultTokenTTL = 24 * time.Hour
	minSecretLen    = 16
)

// Claims carried by access tokens. Subject is the member id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// MemberID parses the subject.
func (c Claims) MemberID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Unauthorizedf("token subject %q", c.Subject)
	}
	return id, nil
}

// Tokens issues and verifies HS256 access tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret, issuer string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < minSecretLen {
		return nil, errors.NotValidf("jwt secret shorter than %d bytes", minSecretLen)
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for u and returns it with its expiry.
func (t *Tokens) Issue(u models.User) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{
		Email: u.Email,
		Name:  u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, errors.Annotate(err, "sign token")
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and expiry.
func (t *Tokens) Verify(raw string) (Claims, error) {
	var claims Claims
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return claims, errors.Unauthorizedf("missing token")
	}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return Claims{}, errors.NewUnauthorized(err, "invalid token")
	}
	return claims, nil
}

// ResolveIdentity returns the member id a token was issued for.
func (t *Tokens) ResolveIdentity(raw string) (int64, error) {
	c, err := t.Verify(raw)
	if err != nil {
		return 0, err
	}
	return c.MemberID()
}

// BearerToken extracts the credential of an Authorization header value.
func BearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
