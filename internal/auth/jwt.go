package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"attendguard/internal/directory"
)

// Audience marks actor tokens. Other tokens signed with the same key, such as
// session QR payloads, carry a different audience and are refused.
const Audience = "attendguard-api"

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrUnknownRole    = errors.New("unknown role")
)

// Claims represents the actor token payload. Subject is the directory user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor returns the directory view of the token holder.
func (c Claims) Actor() directory.Actor {
	return directory.Actor{ID: c.Subject, Role: directory.Role(c.Role)}
}

// Issue signs an HS256 access token for subject.
func Issue(subject string, role directory.Role, issuer, key string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates an actor token and returns claims. The token must carry
// Audience and a known role.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(Audience))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, ErrIssuerMismatch
	}
	role, err := directory.ParseRole(claims.Role)
	if err != nil {
		return Claims{}, ErrUnknownRole
	}
	claims.Role = string(role)
	return *claims, nil
}
