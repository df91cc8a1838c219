package face

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubMatcher struct {
	mu    sync.Mutex
	score float64
	err   error
	calls int
	hook  func(ctx context.Context) error
}

func (m *stubMatcher) Score(ctx context.Context, _ Input, _ Template) (float64, error) {
	m.mu.Lock()
	m.calls++
	hook, score, err := m.hook, m.score, m.err
	m.mu.Unlock()
	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return 0, herr
		}
	}
	return score, err
}

// mapCache is an in-process Cache used to exercise invalidation.
type mapCache struct {
	mu sync.Mutex
	m  map[string]Template
}

func newMapCache() *mapCache { return &mapCache{m: map[string]Template{}} }

func (c *mapCache) Get(_ context.Context, id string) (Template, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.m[id]
	return t, ok
}
func (c *mapCache) Set(_ context.Context, t Template) {
	c.mu.Lock()
	c.m[t.UserID] = t
	c.mu.Unlock()
}
func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.m, id)
	c.mu.Unlock()
	return nil
}

func ptr(f float64) *float64 { return &f }

func newSvc(t *testing.T, m Matcher, opts ...Option) (*Service, *Memory) {
	t.Helper()
	store := NewMemory()
	svc, err := NewService(store, m, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return svc, store
}

func TestDecide_Threshold(t *testing.T) {
	cases := []struct {
		conf float64
		want bool
	}{
		{0.69, false},
		{0.6999999, false},
		{0.70, true},
		{0.95, true},
	}
	for _, c := range cases {
		if got := Decide(c.conf, DefaultThreshold); got != c.want {
			t.Fatalf("Decide(%v)=%v want %v", c.conf, got, c.want)
		}
	}
}

func TestScore_PrecomputedSimilarity(t *testing.T) {
	svc, _ := newSvc(t, nil)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "stu-1", "https://cdn/stu-1.jpg", nil); err != nil {
		t.Fatal(err)
	}
	low, err := svc.Score(ctx, "stu-1", Input{Similarity: ptr(0.69)})
	if err != nil || low.Matched {
		t.Fatalf("0.69: %+v %v", low, err)
	}
	eq, err := svc.Score(ctx, "stu-1", Input{Similarity: ptr(0.70)})
	if err != nil || !eq.Matched {
		t.Fatalf("0.70: %+v %v", eq, err)
	}
	if _, err := svc.Score(ctx, "stu-1", Input{Similarity: ptr(1.2)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
}

func TestScore_NoTemplate(t *testing.T) {
	m := &stubMatcher{score: 0.99}
	svc, _ := newSvc(t, m)
	if _, err := svc.Score(context.Background(), "ghost", Input{CaptureRef: "cap"}); !errors.Is(err, ErrNoTemplateRegistered) {
		t.Fatalf("err=%v want ErrNoTemplateRegistered", err)
	}
	if m.calls != 0 {
		t.Fatalf("matcher should not be called without a template")
	}
}

func TestScore_MatcherClampedAndConfigurableThreshold(t *testing.T) {
	m := &stubMatcher{score: 1.4}
	svc, _ := newSvc(t, m, WithThreshold(0.9))
	ctx := context.Background()
	_, _ = svc.Register(ctx, "stu-1", "ref", nil)
	res, err := svc.Score(ctx, "stu-1", Input{CaptureRef: "cap"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence != 1 || !res.Matched || res.Threshold != 0.9 {
		t.Fatalf("res=%+v", res)
	}
	if _, err := NewService(NewMemory(), m, WithThreshold(1.5)); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("err=%v", err)
	}
}

func TestScore_TimeoutIsUnavailable(t *testing.T) {
	m := &stubMatcher{hook: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	svc, _ := newSvc(t, m, WithTimeout(20*time.Millisecond))
	ctx := context.Background()
	_, _ = svc.Register(ctx, "stu-1", "ref", nil)

	_, err := svc.Score(ctx, "stu-1", Input{CaptureRef: "cap"})
	if !errors.Is(err, ErrScoreUnavailable) {
		t.Fatalf("err=%v want ErrScoreUnavailable", err)
	}
}

func TestScore_DeleteDuringVerification(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := &stubMatcher{score: 0.99, hook: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	cache := newMapCache()
	svc, _ := newSvc(t, m, WithCache(cache))
	ctx := context.Background()
	_, _ = svc.Register(ctx, "stu-1", "ref", nil)

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Score(ctx, "stu-1", Input{CaptureRef: "cap"})
		errc <- err
	}()
	<-started
	if err := svc.Delete(ctx, "stu-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrNoTemplateRegistered) {
		t.Fatalf("in-flight err=%v want ErrNoTemplateRegistered", err)
	}
	if _, ok := cache.Get(ctx, "stu-1"); ok {
		t.Fatalf("cache still holds deleted template")
	}
	if _, err := svc.Score(ctx, "stu-1", Input{CaptureRef: "cap"}); !errors.Is(err, ErrNoTemplateRegistered) {
		t.Fatalf("subsequent err=%v", err)
	}
}

func TestScore_ReplacedDuringVerification(t *testing.T) {
	var svc *Service
	m := &stubMatcher{score: 0.99}
	svc, _ = newSvc(t, m)
	ctx := context.Background()
	_, _ = svc.Register(ctx, "stu-1", "old", nil)
	m.hook = func(context.Context) error {
		// the user re-registers while the old reference is being compared
		svc.clock = fixedClock{time.Now().Add(time.Hour)}
		_, err := svc.Register(ctx, "stu-1", "new", nil)
		return err
	}
	if _, err := svc.Score(ctx, "stu-1", Input{CaptureRef: "cap"}); !errors.Is(err, ErrScoreUnavailable) {
		t.Fatalf("err=%v want ErrScoreUnavailable", err)
	}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestScore_EmbeddingCosine(t *testing.T) {
	svc, _ := newSvc(t, nil)
	ctx := context.Background()
	_, _ = svc.Register(ctx, "stu-1", "", []float32{1, 0, 0})

	res, err := svc.Score(ctx, "stu-1", Input{Embedding: []float32{1, 0, 0}})
	if err != nil || !res.Matched || res.Confidence != 1 {
		t.Fatalf("same vector: %+v %v", res, err)
	}
	res, err = svc.Score(ctx, "stu-1", Input{Embedding: []float32{0, 1, 0}})
	if err != nil || res.Matched {
		t.Fatalf("orthogonal: %+v %v", res, err)
	}
	if _, err := svc.Score(ctx, "stu-1", Input{Embedding: []float32{1, 0}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("dimension mismatch err=%v", err)
	}
}

func TestRegister_ReplacesAndInvalidatesCache(t *testing.T) {
	cache := newMapCache()
	svc, store := newSvc(t, &stubMatcher{score: 0.8}, WithCache(cache))
	ctx := context.Background()
	_, _ = svc.Register(ctx, "stu-1", "first", nil)
	if _, err := svc.Score(ctx, "stu-1", Input{CaptureRef: "cap"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Get(ctx, "stu-1"); !ok {
		t.Fatalf("expected cached template after score")
	}
	_, _ = svc.Register(ctx, "stu-1", "second", nil)
	if _, ok := cache.Get(ctx, "stu-1"); ok {
		t.Fatalf("cache not invalidated on re-registration")
	}
	got, _ := store.GetTemplate(ctx, "stu-1")
	if got.Reference != "second" {
		t.Fatalf("template=%+v", got)
	}
	if err := svc.Delete(ctx, "nobody"); !errors.Is(err, ErrNoTemplateRegistered) {
		t.Fatalf("err=%v", err)
	}
}
