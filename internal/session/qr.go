package session

import (
	"crypto/subtle"
	"errors"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/skip2/go-qrcode"
)

// Audience marks QR payloads so they cannot pass as actor tokens signed with
// the same key.
const Audience = "attendguard-qr"

var ErrInvalidQR = errors.New("invalid qr payload")

type qrClaims struct {
	Nonce string `json:"nonce"`
	Room  string `json:"room"`
	jwt.RegisteredClaims
}

// QRCodec signs session tokens into the compact payload encoded in the QR code.
type QRCodec struct {
	key    []byte
	issuer string
}

func NewQRCodec(key, issuer string) *QRCodec {
	return &QRCodec{key: []byte(key), issuer: issuer}
}

// Encode returns an HS256 JWT carrying the token id and nonce.
func (c *QRCodec) Encode(t Token) (string, error) {
	claims := qrClaims{
		Nonce: t.Nonce,
		Room:  t.Room,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.ID,
			Issuer:    c.issuer,
			Subject:   t.Subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// Decode verifies the signature and returns token id and nonce. Expiry is left
// to Validate so an old QR reports ErrTokenExpired rather than a signature error.
func (c *QRCodec) Decode(payload string) (id, nonce string, err error) {
	parsed, err := jwt.ParseWithClaims(payload, &qrClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return c.key, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return "", "", ErrInvalidQR
	}
	claims, ok := parsed.Claims.(*qrClaims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return "", "", ErrInvalidQR
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return "", "", ErrInvalidQR
	}
	if !slices.Contains(claims.Audience, Audience) {
		return "", "", ErrInvalidQR
	}
	return claims.ID, claims.Nonce, nil
}

// PNG renders content as a QR image.
func (c *QRCodec) PNG(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(content, qrcode.Medium, size)
}

// LooksLikeQR distinguishes a signed payload from a bare token id.
func LooksLikeQR(s string) bool {
	return strings.Count(s, ".") == 2
}

// MatchesNonce reports whether nonce, taken from a decoded QR payload, belongs
// to this token.
func (t Token) MatchesNonce(nonce string) bool {
	return subtle.ConstantTimeCompare([]byte(nonce), []byte(t.Nonce)) == 1
}
