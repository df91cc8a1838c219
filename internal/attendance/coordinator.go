package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendguard/internal/clock"
	"attendguard/internal/face"
	"attendguard/internal/geofence"
	"attendguard/internal/metrics"
	"attendguard/internal/proxy"
	"attendguard/internal/session"
)

// SessionValidator is the read side of the session service.
type SessionValidator interface {
	Validate(ctx context.Context, id string, now time.Time) (session.Token, error)
}

// FaceScorer runs the biometric gate for a user.
type FaceScorer interface {
	Score(ctx context.Context, userID string, in face.Input) (face.Result, error)
}

// ProxyAuthorizer runs the proxy gate.
type ProxyAuthorizer interface {
	Authorize(ctx context.Context, proxyUserID, targetUserID, reason string) error
}

// FenceSource provides the current geofence snapshot.
type FenceSource interface {
	Snapshot() (geofence.Snapshot, error)
}

// Options tune coordinator policy.
type Options struct {
	// CheckOutRequiresFace also runs the face gate on check-out.
	CheckOutRequiresFace bool
	// CommitTimeout bounds the record write, which ignores caller cancellation.
	CommitTimeout time.Duration
	// PublishTimeout bounds decision event publishing.
	PublishTimeout time.Duration
}

// Deps are the collaborators of the coordinator. QR and Publisher may be nil.
type Deps struct {
	Sessions  SessionValidator
	QR        *session.QRCodec
	Fence     FenceSource
	Faces     FaceScorer
	Proxies   ProxyAuthorizer
	Store     Store
	Publisher Publisher
	Clock     clock.Clock
	Log       *zap.Logger
}

// Coordinator combines the session, geofence, face and proxy gates into one
// admission decision. It is the only writer of attendance records.
type Coordinator struct {
	sessions SessionValidator
	qr       *session.QRCodec
	fence    FenceSource
	faces    FaceScorer
	proxies  ProxyAuthorizer
	store    Store
	pub      Publisher
	clock    clock.Clock
	log      *zap.Logger
	opts     Options
}

func NewCoordinator(d Deps, opts Options) *Coordinator {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = time.Second
	}
	return &Coordinator{
		sessions: d.Sessions,
		qr:       d.QR,
		fence:    d.Fence,
		faces:    d.Faces,
		proxies:  d.Proxies,
		store:    d.Store,
		pub:      d.Publisher,
		clock:    d.Clock,
		log:      d.Log,
		opts:     opts,
	}
}

// CheckInRequest is a check-in attempt. ProxyTargetUserID selects the proxy flow.
type CheckInRequest struct {
	Token             string
	Location          *geofence.Point
	Face              face.Input
	ActingUserID      string
	ProxyTargetUserID string
	ProxyReason       string
}

func (r CheckInRequest) isProxy() bool { return strings.TrimSpace(r.ProxyTargetUserID) != "" }

// CheckOutRequest is a check-out attempt by the checked-in user.
type CheckOutRequest struct {
	Token        string
	Location     *geofence.Point
	Face         face.Input
	ActingUserID string
}

// tokenRef is a session reference resolved from either a bare id or a signed QR payload.
type tokenRef struct {
	id     string
	nonce  string
	fromQR bool
}

func (c *Coordinator) resolveToken(raw string) (tokenRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return tokenRef{}, errors.New("session token is required")
	}
	if c.qr != nil && session.LooksLikeQR(raw) {
		id, nonce, err := c.qr.Decode(raw)
		if err != nil {
			return tokenRef{}, err
		}
		return tokenRef{id: id, nonce: nonce, fromQR: true}, nil
	}
	return tokenRef{id: raw}, nil
}

var errLocationRequired = errors.New("location is required")

func requireLocation(p *geofence.Point) error {
	if p == nil {
		return errLocationRequired
	}
	return p.Validate()
}

func (c *Coordinator) validateCheckIn(req CheckInRequest) (tokenRef, error) {
	if strings.TrimSpace(req.ActingUserID) == "" {
		return tokenRef{}, errors.New("acting user is required")
	}
	ref, err := c.resolveToken(req.Token)
	if err != nil {
		return tokenRef{}, err
	}
	if err := requireLocation(req.Location); err != nil {
		return tokenRef{}, err
	}
	if req.isProxy() {
		if strings.TrimSpace(req.ProxyReason) == "" {
			return tokenRef{}, proxy.ErrMissingReason
		}
		if req.ProxyTargetUserID == req.ActingUserID {
			return tokenRef{}, errors.New("proxy target must differ from the acting user")
		}
		return ref, nil
	}
	if err := req.Face.Validate(); err != nil {
		return tokenRef{}, err
	}
	return ref, nil
}

// CheckIn runs the gates in order and commits a present or rejected record.
// An existing present or checked-out record for the same user and session is
// returned unchanged without re-running any gate. In the proxy flow the proxy
// must be authorized for the target before that record is disclosed.
func (c *Coordinator) CheckIn(ctx context.Context, req CheckInRequest) (Record, error) {
	ref, err := c.validateCheckIn(req)
	if err != nil {
		return Record{}, validation(err)
	}

	subject := req.ActingUserID
	var proxyErr error
	if req.isProxy() {
		subject = req.ProxyTargetUserID
		proxyErr = c.proxies.Authorize(ctx, req.ActingUserID, req.ProxyTargetUserID, req.ProxyReason)
	}

	if proxyErr == nil {
		if existing, err := c.store.Active(ctx, subject, ref.id); err == nil {
			return existing, nil
		} else if !errors.Is(err, ErrRecordNotFound) {
			return Record{}, c.transient(OpCheckIn, err)
		}
	}

	now := c.clock.Now()
	rec := Record{
		ID:             uuid.NewString(),
		UserID:         subject,
		SessionTokenID: ref.id,
		ActorID:        req.ActingUserID,
		CheckInAt:      now,
		Status:         StatusPending,
	}
	if req.isProxy() {
		rec.Proxy = &Proxy{ProxyUserID: req.ActingUserID, Reason: strings.TrimSpace(req.ProxyReason)}
	}

	// 1. session
	tok, err := c.sessions.Validate(ctx, ref.id, now)
	if err == nil && ref.fromQR && !tok.MatchesNonce(ref.nonce) {
		err = session.ErrInvalidQR
	}
	if err != nil {
		if isSessionDenial(err) {
			return c.reject(ctx, rec, ReasonInvalidSession, err)
		}
		return Record{}, c.transient(OpCheckIn, fmt.Errorf("validate session: %w", err))
	}

	// 2. geofence, measured at the acting user's location
	res, err := c.evaluateFence(*req.Location)
	if err != nil {
		return Record{}, err
	}
	rec.GeofenceDistanceMeters = res.DistanceMeters
	if !res.InsideFence {
		return c.reject(ctx, rec, ReasonOutOfRange,
			fmt.Errorf("%.1fm from fence center", res.DistanceMeters))
	}

	if req.isProxy() {
		// 3. proxy gate replaces the face gate; its outcome was taken up front
		if err := proxyErr; err != nil {
			if errors.Is(err, proxy.ErrProxyNotPermittedByTarget) || errors.Is(err, proxy.ErrProxyRoleInsufficient) || errors.Is(err, proxy.ErrMissingReason) {
				return c.reject(ctx, rec, ReasonProxyDenied, err)
			}
			return Record{}, c.transient(OpCheckIn, fmt.Errorf("authorize proxy: %w", err))
		}
		rec.Proxy.ApprovedAt = now
	} else {
		// 4. face gate against the acting user's own template
		fr, err := c.faces.Score(ctx, req.ActingUserID, req.Face)
		switch {
		case errors.Is(err, face.ErrNoTemplateRegistered):
			return c.reject(ctx, rec, ReasonNoFaceRegistered, err)
		case errors.Is(err, face.ErrInvalidInput):
			return Record{}, validation(err)
		case err != nil:
			return Record{}, c.transient(OpCheckIn, err)
		}
		score := fr.Confidence
		rec.FaceScore = &score
		if !fr.Matched {
			return c.reject(ctx, rec, ReasonFaceMismatch,
				fmt.Errorf("confidence %.4f below threshold %.2f", fr.Confidence, fr.Threshold))
		}
	}

	if err := rec.transition(StatusPresent); err != nil {
		return Record{}, err
	}
	return c.commit(ctx, rec)
}

func isSessionDenial(err error) bool {
	return errors.Is(err, session.ErrTokenNotFound) ||
		errors.Is(err, session.ErrTokenExpired) ||
		errors.Is(err, session.ErrTokenRevoked) ||
		errors.Is(err, session.ErrInvalidQR)
}

func (c *Coordinator) evaluateFence(p geofence.Point) (geofence.Result, error) {
	snap, err := c.fence.Snapshot()
	if err != nil {
		return geofence.Result{}, transient(err)
	}
	res, err := geofence.Evaluate(p, snap.Fence)
	if err != nil {
		return geofence.Result{}, validation(err)
	}
	return res, nil
}

// commitContext detaches the write from caller cancellation: once every gate
// has passed the decision is committed even if the client went away.
func (c *Coordinator) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.CommitTimeout)
}

func (c *Coordinator) commit(ctx context.Context, rec Record) (Record, error) {
	cctx, cancel := c.commitContext(ctx)
	defer cancel()
	winner, created, err := c.store.Admit(cctx, rec)
	if err != nil {
		return Record{}, c.transient(OpCheckIn, fmt.Errorf("admit: %w", err))
	}
	if !created {
		c.log.Debug("duplicate check-in resolved to existing record",
			zap.String("user_id", rec.UserID),
			zap.String("session_id", rec.SessionTokenID),
			zap.String("record_id", winner.ID))
		return winner, nil
	}
	c.emit(cctx, newEvent(OpCheckIn, winner, winner.CheckInAt))
	return winner, nil
}

func (c *Coordinator) reject(ctx context.Context, rec Record, reason Reason, cause error) (Record, error) {
	if err := rec.transition(StatusRejected); err != nil {
		return Record{}, err
	}
	rec.Reason = reason
	rec.Detail = cause.Error()

	cctx, cancel := c.commitContext(ctx)
	defer cancel()
	if err := c.store.AppendRejected(cctx, rec); err != nil {
		return Record{}, c.transient(OpCheckIn, fmt.Errorf("record rejection: %w", err))
	}
	c.emit(cctx, newEvent(OpCheckIn, rec, rec.CheckInAt))
	return rec, denied(reason, cause)
}

func (c *Coordinator) transient(op string, err error) error {
	metrics.TransientFailures.WithLabelValues(op).Inc()
	c.log.Warn("admission aborted", zap.String("operation", op), zap.Error(err))
	return transient(err)
}

// CheckOut re-measures the location against the fence and moves the user's
// present record to checked_out. The session and face gates are not repeated
// unless CheckOutRequiresFace is set. A denied check-out leaves the record
// present and is reported through the audit trail.
func (c *Coordinator) CheckOut(ctx context.Context, req CheckOutRequest) (Record, error) {
	if strings.TrimSpace(req.ActingUserID) == "" {
		return Record{}, validation(errors.New("acting user is required"))
	}
	ref, err := c.resolveToken(req.Token)
	if err != nil {
		return Record{}, validation(err)
	}
	if err := requireLocation(req.Location); err != nil {
		return Record{}, validation(err)
	}
	if c.opts.CheckOutRequiresFace {
		if err := req.Face.Validate(); err != nil {
			return Record{}, validation(err)
		}
	}

	current, err := c.store.Active(ctx, req.ActingUserID, ref.id)
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, &Error{Kind: KindNotCheckedIn, Err: ErrNotCheckedIn}
	}
	if err != nil {
		return Record{}, c.transient(OpCheckOut, err)
	}
	if current.Status == StatusCheckedOut {
		return current, nil
	}
	if current.Status != StatusPresent {
		return Record{}, &Error{Kind: KindNotCheckedIn, Err: ErrNotCheckedIn}
	}

	now := c.clock.Now()
	res, err := c.evaluateFence(*req.Location)
	if err != nil {
		return Record{}, err
	}
	if !res.InsideFence {
		return c.denyCheckOut(ctx, current, res.DistanceMeters, nil, ReasonOutOfRange,
			fmt.Errorf("%.1fm from fence center", res.DistanceMeters), now)
	}

	if c.opts.CheckOutRequiresFace {
		fr, err := c.faces.Score(ctx, req.ActingUserID, req.Face)
		switch {
		case errors.Is(err, face.ErrNoTemplateRegistered):
			return c.denyCheckOut(ctx, current, res.DistanceMeters, nil, ReasonNoFaceRegistered, err, now)
		case errors.Is(err, face.ErrInvalidInput):
			return Record{}, validation(err)
		case err != nil:
			return Record{}, c.transient(OpCheckOut, err)
		}
		if !fr.Matched {
			score := fr.Confidence
			return c.denyCheckOut(ctx, current, res.DistanceMeters, &score, ReasonFaceMismatch,
				fmt.Errorf("confidence %.4f below threshold %.2f", fr.Confidence, fr.Threshold), now)
		}
	}

	cctx, cancel := c.commitContext(ctx)
	defer cancel()
	updated, err := c.store.CheckOut(cctx, req.ActingUserID, ref.id, now, res.DistanceMeters)
	if errors.Is(err, ErrNotCheckedIn) {
		return Record{}, &Error{Kind: KindNotCheckedIn, Err: err}
	}
	if err != nil {
		return Record{}, c.transient(OpCheckOut, fmt.Errorf("check out: %w", err))
	}
	evt := newEvent(OpCheckOut, updated, now)
	evt.DistanceMeters = res.DistanceMeters
	c.emit(cctx, evt)
	return updated, nil
}

func (c *Coordinator) denyCheckOut(ctx context.Context, current Record, distance float64, score *float64, reason Reason, cause error, at time.Time) (Record, error) {
	cctx, cancel := c.commitContext(ctx)
	defer cancel()
	attempt := current
	attempt.Status = StatusRejected
	attempt.Reason = reason
	attempt.Detail = cause.Error()
	attempt.FaceScore = score
	evt := newEvent(OpCheckOut, attempt, at)
	evt.DistanceMeters = distance
	c.emit(cctx, evt)
	return current, denied(reason, cause)
}

// TestLocation is a dry run of the geofence gate.
func (c *Coordinator) TestLocation(p geofence.Point) (geofence.Result, error) {
	if err := p.Validate(); err != nil {
		return geofence.Result{}, validation(err)
	}
	return c.evaluateFence(p)
}

// Record returns the active record for a user and session.
func (c *Coordinator) Record(ctx context.Context, userID, sessionTokenID string) (Record, error) {
	rec, err := c.store.Active(ctx, userID, sessionTokenID)
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, &Error{Kind: KindNotFound, Err: err}
	}
	if err != nil {
		return Record{}, transient(err)
	}
	return rec, nil
}

// Records lists every attempt for a session, rejected ones included.
func (c *Coordinator) Records(ctx context.Context, sessionTokenID string) ([]Record, error) {
	recs, err := c.store.List(ctx, sessionTokenID)
	if err != nil {
		return nil, transient(err)
	}
	return recs, nil
}
