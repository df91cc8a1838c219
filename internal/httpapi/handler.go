package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/cloudinary"
	"attendguard/internal/directory"
	"attendguard/internal/face"
	"attendguard/internal/geofence"
	"attendguard/internal/proxy"
	"attendguard/internal/session"
)

// Uploader stores raw face captures and returns a reference to them.
type Uploader interface {
	UploadBase64(ctx context.Context, data string) (*cloudinary.UploadResult, error)
	UploadBytes(ctx context.Context, data []byte, filename string) (*cloudinary.UploadResult, error)
}

const maxCaptureBytes = 8 << 20

// Deps are the services behind the API. Uploader may be nil.
type Deps struct {
	Sessions    *session.Service
	QR          *session.QRCodec
	Fence       *geofence.Holder
	Faces       *face.Service
	Proxies     *proxy.Gate
	Coordinator *attendance.Coordinator
	Directory   directory.Directory
	Uploader    Uploader
	Log         *zap.Logger
}

type Options struct {
	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	SessionTTL    time.Duration
	// DevTokens enables POST /v1/auth/token.
	DevTokens bool
	// Limiter runs after authentication so it can key by subject.
	Limiter gin.HandlerFunc
}

type Handler struct {
	Deps
	log  *zap.Logger
	opts Options
}

func New(d Deps, opts Options) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Deps: d, log: log, opts: opts}
}

// Register mounts the API under /v1. Rate limiting and CORS are applied by the caller.
func (h *Handler) Register(r gin.IRouter) {
	limit := h.opts.Limiter
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}
	v1 := r.Group("/v1")
	if h.opts.DevTokens {
		v1.POST("/auth/token", limit, h.devToken)
	}

	api := v1.Group("", auth.Authenticate(h.opts.JWTSigningKey, h.opts.JWTIssuer, h.Directory), limit)
	staff := auth.RequireRole(directory.RoleFaculty, directory.RoleAdmin)
	admin := auth.RequireRole(directory.RoleAdmin)

	api.POST("/sessions", staff, h.issueSession)
	api.GET("/sessions/:id", h.validateSession)
	api.POST("/sessions/:id/revoke", staff, h.revokeSession)
	api.GET("/sessions/:id/qr.png", staff, h.sessionQR)
	api.GET("/sessions/:id/records", staff, h.listRecords)
	api.GET("/sessions/:id/records/:user_id", h.getRecord)

	api.POST("/checkins", h.checkIn)
	api.POST("/checkouts", h.checkOut)

	api.GET("/geofence", h.getGeofence)
	api.PUT("/geofence", admin, h.updateGeofence)
	api.POST("/geofence/test", h.testLocation)

	api.GET("/users/:id/proxy-permission", h.getProxyPermission)
	api.PUT("/users/:id/proxy-permission", h.setProxyPermission)
	api.PUT("/users/:id/face-template", h.registerFaceTemplate)
	api.DELETE("/users/:id/face-template", admin, h.deleteFaceTemplate)
}

func actor(c *gin.Context) directory.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

func (h *Handler) devToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := h.Directory.User(c.Request.Context(), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !u.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "user inactive"})
		return
	}
	tok, exp, err := auth.Issue(u.ID, u.Role, h.opts.JWTIssuer, h.opts.JWTSigningKey, h.opts.AccessTTL, time.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"access_token": tok, "expires_at": exp.Unix(), "role": u.Role})
}

type sessionResponse struct {
	Token     session.Token `json:"token"`
	QRPayload string        `json:"qr_payload,omitempty"`
}

func (h *Handler) withQR(t session.Token) sessionResponse {
	resp := sessionResponse{Token: t}
	if h.QR != nil {
		if payload, err := h.QR.Encode(t); err == nil {
			resp.QRPayload = payload
		} else {
			h.log.Warn("encode qr payload", zap.String("session_id", t.ID), zap.Error(err))
		}
	}
	return resp
}

func (h *Handler) issueSession(c *gin.Context) {
	var req struct {
		Subject    string `json:"subject" binding:"required"`
		Room       string `json:"room" binding:"required"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ttl := h.opts.SessionTTL
	if req.TTLSeconds != 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	tok, err := h.Sessions.Issue(c.Request.Context(), actor(c).ID, req.Subject, req.Room, ttl)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.withQR(tok))
}

func (h *Handler) validateSession(c *gin.Context) {
	tok, err := h.Sessions.Validate(c.Request.Context(), c.Param("id"), h.Sessions.Now())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"valid": true, "token": tok})
	case errors.Is(err, session.ErrTokenExpired), errors.Is(err, session.ErrTokenRevoked):
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error(), "token": tok})
	default:
		h.writeError(c, err)
	}
}

func (h *Handler) revokeSession(c *gin.Context) {
	tok, err := h.Sessions.Revoke(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (h *Handler) sessionQR(c *gin.Context) {
	if h.QR == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "qr payloads disabled"})
		return
	}
	tok, err := h.Sessions.Validate(c.Request.Context(), c.Param("id"), h.Sessions.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload, err := h.QR.Encode(tok)
	if err != nil {
		h.writeError(c, err)
		return
	}
	png, err := h.QR.PNG(payload, 320)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// faceBody is the client side of the face gate. Scores are only ever produced
// by the matcher, so a client-supplied similarity or embedding is refused.
type faceBody struct {
	CaptureRef string    `json:"capture_ref"`
	Similarity *float64  `json:"similarity"`
	Embedding  []float32 `json:"embedding"`
}

var errClientScore = errors.New("face similarity and embeddings are computed server side; send capture_ref")

func (b faceBody) input() (face.Input, error) {
	if b.Similarity != nil || len(b.Embedding) > 0 {
		return face.Input{}, errClientScore
	}
	return face.Input{CaptureRef: strings.TrimSpace(b.CaptureRef)}, nil
}

type checkInBody struct {
	Token    string          `json:"token" binding:"required"`
	Location *geofence.Point `json:"location" binding:"required"`
	Face     faceBody        `json:"face"`
	Proxy    *struct {
		TargetUserID string `json:"target_user_id"`
		Reason       string `json:"reason"`
	} `json:"proxy,omitempty"`
}

func (h *Handler) checkIn(c *gin.Context) {
	var body checkInBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in, err := body.Face.input()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := attendance.CheckInRequest{
		Token:        body.Token,
		Location:     body.Location,
		Face:         in,
		ActingUserID: actor(c).ID,
	}
	if body.Proxy != nil {
		req.ProxyTargetUserID = body.Proxy.TargetUserID
		req.ProxyReason = body.Proxy.Reason
	}
	rec, err := h.Coordinator.CheckIn(c.Request.Context(), req)
	h.writeDecision(c, rec, err, http.StatusOK)
}

func (h *Handler) checkOut(c *gin.Context) {
	var body struct {
		Token    string          `json:"token" binding:"required"`
		Location *geofence.Point `json:"location" binding:"required"`
		Face     faceBody        `json:"face"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in, err := body.Face.input()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.Coordinator.CheckOut(c.Request.Context(), attendance.CheckOutRequest{
		Token:        body.Token,
		Location:     body.Location,
		Face:         in,
		ActingUserID: actor(c).ID,
	})
	h.writeDecision(c, rec, err, http.StatusOK)
}

func (h *Handler) listRecords(c *gin.Context) {
	recs, err := h.Coordinator.Records(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *Handler) getRecord(c *gin.Context) {
	a, userID := actor(c), c.Param("user_id")
	if a.ID != userID && !a.Role.CanCertify() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	rec, err := h.Coordinator.Record(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func (h *Handler) getGeofence(c *gin.Context) {
	snap, err := h.Fence.Snapshot()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) updateGeofence(c *gin.Context) {
	var req struct {
		Center       geofence.Point `json:"center"`
		RadiusMeters float64        `json:"radius_meters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.Fence.Update(c.Request.Context(), req.Center, req.RadiusMeters)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) testLocation(c *gin.Context) {
	var p geofence.Point
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.Coordinator.TestLocation(p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getProxyPermission(c *gin.Context) {
	a, userID := actor(c), c.Param("id")
	if a.ID != userID && !a.Role.CanCertify() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	p, err := h.Proxies.Permission(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) setProxyPermission(c *gin.Context) {
	var req struct {
		Allow *bool `json:"allow_proxy_attendance" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.Proxies.SetPermission(c.Request.Context(), actor(c), c.Param("id"), *req.Allow)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// registerFaceTemplate accepts JSON (reference, base64 image_data or an
// embedding) or a multipart form with the capture in the "file" field.
func (h *Handler) registerFaceTemplate(c *gin.Context) {
	a, userID := actor(c), c.Param("id")
	if a.ID != userID && !a.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var req struct {
		Reference string    `json:"reference"`
		ImageData string    `json:"image_data"`
		Embedding []float32 `json:"embedding"`
	}
	var upload func(ctx context.Context) (*cloudinary.UploadResult, error)

	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxCaptureBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
			return
		}
		if len(data) > maxCaptureBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "capture too large"})
			return
		}
		upload = func(ctx context.Context) (*cloudinary.UploadResult, error) {
			return h.Uploader.UploadBytes(ctx, data, header.Filename)
		}
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if strings.TrimSpace(req.Reference) == "" && req.ImageData != "" {
			upload = func(ctx context.Context) (*cloudinary.UploadResult, error) {
				return h.Uploader.UploadBase64(ctx, req.ImageData)
			}
		}
	}

	ref := strings.TrimSpace(req.Reference)
	if upload != nil {
		if h.Uploader == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		res, err := upload(c.Request.Context())
		if err != nil {
			h.log.Warn("face capture upload failed", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		ref = res.SecureURL
	}
	tpl, err := h.Faces.Register(c.Request.Context(), userID, ref, req.Embedding)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": tpl.UserID, "reference": tpl.Reference, "registered_at": tpl.RegisteredAt})
}

func (h *Handler) deleteFaceTemplate(c *gin.Context) {
	if err := h.Faces.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
