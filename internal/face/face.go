package face

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/clock"
	"attendguard/internal/metrics"
)

// DefaultThreshold is the minimum confidence accepted as a match.
const DefaultThreshold = 0.70

var (
	ErrNoTemplateRegistered = errors.New("no face template registered")
	ErrScoreUnavailable     = errors.New("face score unavailable")
	ErrInvalidInput         = errors.New("face input requires a capture, an embedding or a similarity in [0,1]")
	ErrInvalidThreshold     = errors.New("threshold must be within [0,1]")
)

// Template is a user's enrolled face. Re-registration replaces it.
type Template struct {
	UserID       string    `json:"user_id"`
	Reference    string    `json:"reference"`
	Embedding    []float32 `json:"embedding,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (t Template) sameAs(o Template) bool {
	return t.Reference == o.Reference && t.RegisteredAt.Equal(o.RegisteredAt)
}

// Input feeds the face gate: a capture reference for the external matcher, a
// live embedding, or a similarity already computed upstream. Only trusted
// in-process callers may set Embedding or Similarity; the HTTP API forwards
// capture references alone.
type Input struct {
	CaptureRef string    `json:"capture_ref,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Similarity *float64  `json:"similarity,omitempty"`
}

// Validate rejects an empty input or an out-of-range precomputed similarity.
func (in Input) Validate() error {
	if in.Similarity != nil {
		s := *in.Similarity
		if math.IsNaN(s) || s < 0 || s > 1 {
			return ErrInvalidInput
		}
		return nil
	}
	if strings.TrimSpace(in.CaptureRef) == "" && len(in.Embedding) == 0 {
		return ErrInvalidInput
	}
	return nil
}

// Matcher compares a live capture against a stored template. Results may vary
// between calls for the same inputs.
type Matcher interface {
	Score(ctx context.Context, in Input, tpl Template) (float64, error)
}

// TemplateStore is the authoritative template storage. Get returns ErrNoTemplateRegistered.
type TemplateStore interface {
	PutTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, userID string) (Template, error)
	DeleteTemplate(ctx context.Context, userID string) error
}

// Cache is an optional read-through cache in front of the store.
type Cache interface {
	Get(ctx context.Context, userID string) (Template, bool)
	Set(ctx context.Context, t Template)
	Invalidate(ctx context.Context, userID string) error
}

// Result of a face gate.
type Result struct {
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
	Matched    bool    `json:"matched"`
}

// Decide applies the threshold; a confidence equal to the threshold matches.
func Decide(confidence, threshold float64) bool {
	return confidence >= threshold
}

// Option configures a Service.
type Option func(*Service)

func WithThreshold(th float64) Option    { return func(s *Service) { s.threshold = th } }
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }
func WithCache(c Cache) Option           { return func(s *Service) { s.cache = c } }
func WithClock(c clock.Clock) Option     { return func(s *Service) { s.clock = c } }
func WithLogger(l *zap.Logger) Option    { return func(s *Service) { s.log = l } }

// Service owns face templates and scores captures against them.
type Service struct {
	store     TemplateStore
	matcher   Matcher
	cache     Cache
	threshold float64
	timeout   time.Duration
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(store TemplateStore, matcher Matcher, opts ...Option) (*Service, error) {
	s := &Service{
		store:     store,
		matcher:   matcher,
		threshold: DefaultThreshold,
		timeout:   5 * time.Second,
		clock:     clock.Real{},
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if math.IsNaN(s.threshold) || s.threshold < 0 || s.threshold > 1 {
		return nil, ErrInvalidThreshold
	}
	return s, nil
}

// Register stores (or replaces) the user's template.
func (s *Service) Register(ctx context.Context, userID, reference string, embedding []float32) (Template, error) {
	userID, reference = strings.TrimSpace(userID), strings.TrimSpace(reference)
	if userID == "" || (reference == "" && len(embedding) == 0) {
		return Template{}, fmt.Errorf("%w: user id and a reference or embedding are required", ErrInvalidInput)
	}
	t := Template{UserID: userID, Reference: reference, Embedding: embedding, RegisteredAt: s.clock.Now()}
	if err := s.store.PutTemplate(ctx, t); err != nil {
		return Template{}, err
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return Template{}, err
	}
	s.log.Info("face template registered", zap.String("user_id", userID))
	return t, nil
}

// Delete removes the user's template. Cached copies are dropped before returning.
func (s *Service) Delete(ctx context.Context, userID string) error {
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	if err := s.store.DeleteTemplate(ctx, userID); err != nil {
		return err
	}
	// a reader may have refilled the cache between the first invalidate and the delete
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.log.Info("face template deleted", zap.String("user_id", userID))
	return nil
}

func (s *Service) invalidate(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, userID)
}

func (s *Service) template(ctx context.Context, userID string) (Template, error) {
	if s.cache != nil {
		if t, ok := s.cache.Get(ctx, userID); ok {
			return t, nil
		}
	}
	t, err := s.store.GetTemplate(ctx, userID)
	if err != nil {
		return Template{}, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, t)
	}
	return t, nil
}

// Score runs the face gate for userID. The template is re-read from the store
// after scoring; if it was deleted meanwhile the result is ErrNoTemplateRegistered,
// if it was replaced the score is discarded as ErrScoreUnavailable.
func (s *Service) Score(ctx context.Context, userID string, in Input) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	tpl, err := s.template(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	confidence, err := s.confidence(ctx, in, tpl)
	if err != nil {
		return Result{}, err
	}

	current, err := s.store.GetTemplate(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoTemplateRegistered) {
			s.log.Warn("face template deleted during verification", zap.String("user_id", userID))
		}
		return Result{}, err
	}
	if !current.sameAs(tpl) {
		s.log.Warn("face template replaced during verification", zap.String("user_id", userID))
		return Result{}, fmt.Errorf("%w: template changed during verification", ErrScoreUnavailable)
	}

	return Result{Confidence: confidence, Threshold: s.threshold, Matched: Decide(confidence, s.threshold)}, nil
}

func (s *Service) confidence(ctx context.Context, in Input, tpl Template) (float64, error) {
	if in.Similarity != nil {
		return *in.Similarity, nil
	}
	if len(in.Embedding) > 0 && len(tpl.Embedding) > 0 {
		c, err := Cosine(in.Embedding, tpl.Embedding)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return c, nil
	}
	if s.matcher == nil || strings.TrimSpace(in.CaptureRef) == "" {
		return 0, ErrInvalidInput
	}

	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	score, err := s.matcher.Score(mctx, in, tpl)
	metrics.FaceMatchSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		s.log.Warn("face matcher failed", zap.String("user_id", tpl.UserID), zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrScoreUnavailable, err)
	}
	if math.IsNaN(score) {
		return 0, fmt.Errorf("%w: matcher returned NaN", ErrScoreUnavailable)
	}
	return clamp01(score), nil
}

// Cosine returns the cosine similarity of a and b mapped onto [0,1] by clamping negatives to 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, errors.New("zero embedding")
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb))), nil
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
