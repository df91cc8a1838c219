package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestTokenBucket_Refill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewTokenBucket(2, 60)
	l.now = func() time.Time { return now }

	if !l.allow("a") || !l.allow("a") {
		t.Fatal("capacity not honoured")
	}
	if l.allow("a") {
		t.Fatal("third request allowed")
	}
	if !l.allow("b") {
		t.Fatal("keys are not independent")
	}
	now = now.Add(time.Second)
	if !l.allow("a") {
		t.Fatal("no refill after one second at 60/min")
	}
}

func TestGinMiddleware_KeysBySubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewTokenBucket(1, 1)
	r := gin.New()
	r.Use(l.GinMiddleware(func(c *gin.Context) string { return c.GetHeader("X-User") }))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req.Header.Set("X-User", user)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}
	if do("u1") != http.StatusOK || do("u2") != http.StatusOK {
		t.Fatal("first request per subject rejected")
	}
	if do("u1") != http.StatusTooManyRequests {
		t.Fatal("second request for u1 allowed")
	}
	if do("") != http.StatusOK {
		t.Fatal("anonymous request shares a subject bucket")
	}
}
