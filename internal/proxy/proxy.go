package proxy

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/clock"
	"attendguard/internal/directory"
)

var (
	ErrProxyNotPermittedByTarget = errors.New("target user has not opted in to proxy attendance")
	ErrProxyRoleInsufficient     = errors.New("proxy actor is not allowed to certify attendance")
	ErrMissingReason             = errors.New("proxy reason is required")
	ErrForbidden                 = errors.New("only the user or an admin may change proxy permission")
)

// Permission is a user's opt-in to having attendance certified by someone else.
type Permission struct {
	UserID               string    `json:"user_id"`
	AllowProxyAttendance bool      `json:"allow_proxy_attendance"`
	UpdatedAt            time.Time `json:"updated_at"`
	UpdatedBy            string    `json:"updated_by"`
}

// Store persists permissions. A user with no row has not opted in.
type Store interface {
	GetPermission(ctx context.Context, userID string) (Permission, bool, error)
	SetPermission(ctx context.Context, p Permission) error
}

// Gate decides whether one party may check in on behalf of another.
type Gate struct {
	perms Store
	dir   directory.Directory
	clock clock.Clock
	log   *zap.Logger
}

func NewGate(perms Store, dir directory.Directory, clk clock.Clock, log *zap.Logger) *Gate {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{perms: perms, dir: dir, clock: clk, log: log}
}

// Authorize succeeds only when the reason is present, the proxy holds a
// certifying role and the target has opted in. Directory and store errors are
// returned unchanged so callers can tell them from a denial.
func (g *Gate) Authorize(ctx context.Context, proxyUserID, targetUserID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrMissingReason
	}
	actor, err := g.dir.User(ctx, proxyUserID)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return ErrProxyRoleInsufficient
		}
		return err
	}
	if !actor.Active || !actor.Role.CanCertify() {
		return ErrProxyRoleInsufficient
	}
	p, err := g.Permission(ctx, targetUserID)
	if err != nil {
		return err
	}
	if !p.AllowProxyAttendance {
		return ErrProxyNotPermittedByTarget
	}
	return nil
}

// Permission returns the stored flag, defaulting to not allowed.
func (g *Gate) Permission(ctx context.Context, userID string) (Permission, error) {
	p, ok, err := g.perms.GetPermission(ctx, userID)
	if err != nil {
		return Permission{}, err
	}
	if !ok {
		return Permission{UserID: userID}, nil
	}
	return p, nil
}

// SetPermission changes the opt-in flag. Only the user or an admin may do so.
func (g *Gate) SetPermission(ctx context.Context, actor directory.Actor, userID string, allow bool) (Permission, error) {
	if actor.ID != userID && !actor.IsAdmin() {
		return Permission{}, ErrForbidden
	}
	p := Permission{UserID: userID, AllowProxyAttendance: allow, UpdatedAt: g.clock.Now(), UpdatedBy: actor.ID}
	if err := g.perms.SetPermission(ctx, p); err != nil {
		return Permission{}, err
	}
	g.log.Info("proxy permission changed",
		zap.String("user_id", userID),
		zap.Bool("allow", allow),
		zap.String("actor_id", actor.ID))
	return p, nil
}
