package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"attendguard/internal/clock"
	"attendguard/internal/directory"
)

var (
	ErrInvalidTTL    = errors.New("ttl must be positive")
	ErrTokenExpired  = errors.New("session token expired")
	ErrTokenNotFound = errors.New("session token not found")
	ErrTokenRevoked  = errors.New("session token revoked")
	ErrNotIssuer     = errors.New("only the issuing faculty or an admin may revoke a session")
	ErrMissingField  = errors.New("issuer, subject and room are required")
)

// Token is a time-boxed attendance session shown to students as a QR code.
type Token struct {
	ID        string     `json:"id"`
	IssuerID  string     `json:"issuer_id"`
	Subject   string     `json:"subject"`
	Room      string     `json:"room"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Nonce     string     `json:"-"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy string     `json:"revoked_by,omitempty"`
}

// Store persists tokens. Get returns ErrTokenNotFound for unknown ids.
type Store interface {
	CreateToken(ctx context.Context, t Token) error
	GetToken(ctx context.Context, id string) (Token, error)
	RevokeToken(ctx context.Context, id, by string, at time.Time) error
}

// Service issues and validates session tokens.
type Service struct {
	store Store
	clock clock.Clock
	log   *zap.Logger
}

func NewService(store Store, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, clock: clk, log: log}
}

// Now exposes the service clock so callers validate against the same time source.
func (s *Service) Now() time.Time { return s.clock.Now() }

// Issue mints a new token valid for ttl from now.
func (s *Service) Issue(ctx context.Context, issuerID, subject, room string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		return Token{}, ErrInvalidTTL
	}
	issuerID, subject, room = strings.TrimSpace(issuerID), strings.TrimSpace(subject), strings.TrimSpace(room)
	if issuerID == "" || subject == "" || room == "" {
		return Token{}, ErrMissingField
	}
	nonce, err := newNonce()
	if err != nil {
		return Token{}, fmt.Errorf("generate nonce: %w", err)
	}
	now := s.clock.Now()
	t := Token{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		IssuerID:  issuerID,
		Subject:   subject,
		Room:      room,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Nonce:     nonce,
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return Token{}, fmt.Errorf("store token: %w", err)
	}
	s.log.Info("session issued",
		zap.String("session_id", t.ID),
		zap.String("issuer_id", issuerID),
		zap.String("subject", subject),
		zap.String("room", room),
		zap.Time("expires_at", t.ExpiresAt))
	return t, nil
}

// Validate is read-only. A token is usable up to and including ExpiresAt.
func (s *Service) Validate(ctx context.Context, id string, now time.Time) (Token, error) {
	t, err := s.store.GetToken(ctx, id)
	if err != nil {
		return Token{}, err
	}
	return t, check(t, now)
}

func check(t Token, now time.Time) error {
	if now.After(t.ExpiresAt) {
		return ErrTokenExpired
	}
	if t.RevokedAt != nil {
		return ErrTokenRevoked
	}
	return nil
}

// Revoke ends a session early. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, id string, actor directory.Actor) (Token, error) {
	t, err := s.store.GetToken(ctx, id)
	if err != nil {
		return Token{}, err
	}
	if t.IssuerID != actor.ID && !actor.IsAdmin() {
		return Token{}, ErrNotIssuer
	}
	if t.RevokedAt != nil {
		return t, nil
	}
	now := s.clock.Now()
	if err := s.store.RevokeToken(ctx, id, actor.ID, now); err != nil {
		return Token{}, err
	}
	t.RevokedAt, t.RevokedBy = &now, actor.ID
	s.log.Info("session revoked", zap.String("session_id", id), zap.String("actor_id", actor.ID))
	return t, nil
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
