package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"attendguard/internal/directory"
)

const ctxClaimsKey = "claims"

// Authenticate enforces bearer JWT tokens signed with HS256 and stores the
// claims on the context. When dir is set the subject must be an active user,
// and the directory role replaces the role in the token.
func Authenticate(signingKey, issuer string, dir directory.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := Parse(strings.TrimSpace(parts[1]), signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if dir != nil {
			u, err := dir.User(c.Request.Context(), claims.Subject)
			switch {
			case errors.Is(err, directory.ErrUserNotFound):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
				return
			case err != nil:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "user directory unavailable"})
				return
			case !u.Active:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user inactive"})
				return
			}
			claims.Role = string(u.Role)
		}
		c.Set(ctxClaimsKey, claims)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated actor holds one of roles.
func RequireRole(roles ...directory.Role) gin.HandlerFunc {
	allowed := make(map[directory.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if _, ok := allowed[actor.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// ActorFrom returns the actor set by Authenticate.
func ActorFrom(c *gin.Context) (directory.Actor, bool) {
	v, ok := c.Get(ctxClaimsKey)
	if !ok {
		return directory.Actor{}, false
	}
	claims, ok := v.(Claims)
	if !ok {
		return directory.Actor{}, false
	}
	return claims.Actor(), true
}

// SubjectFrom is the rate-limit key: the authenticated user id, or "".
func SubjectFrom(c *gin.Context) string {
	actor, _ := ActorFrom(c)
	return actor.ID
}
