package geofence

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"attendguard/internal/clock"
)

// north returns the point d meters due north of p.
func north(p Point, d float64) Point {
	return Point{Lat: p.Lat + d/EarthRadiusMeters*180/math.Pi, Lng: p.Lng}
}

func TestEvaluate_FiftyMetersInside(t *testing.T) {
	fence := Fence{Center: Point{Lat: 10.0, Lng: 20.0}, RadiusMeters: 100}
	res, err := Evaluate(north(fence.Center, 50), fence)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.InsideFence {
		t.Fatalf("expected inside, got %+v", res)
	}
	if math.Abs(res.DistanceMeters-50) > 1e-6 {
		t.Fatalf("distance=%v want ~50", res.DistanceMeters)
	}
}

func TestEvaluate_IdenticalPoint(t *testing.T) {
	c := Point{Lat: -33.86, Lng: 151.21}
	for _, r := range []float64{0, 1, 500} {
		res, err := Evaluate(c, Fence{Center: c, RadiusMeters: r})
		if err != nil {
			t.Fatalf("radius %v: %v", r, err)
		}
		if !res.InsideFence || res.DistanceMeters != 0 {
			t.Fatalf("radius %v: got %+v", r, res)
		}
	}
}

func TestEvaluate_BoundaryInclusive(t *testing.T) {
	centers := []Point{{Lat: 10, Lng: 20}, {Lat: 0, Lng: 0}, {Lat: 51.5, Lng: -0.12}, {Lat: -45, Lng: 170}}
	dists := []float64{0.5, 10, 100, 2500}
	for _, c := range centers {
		for _, d := range dists {
			p := north(c, d)
			// radius equals the distance as the evaluator computes it
			fence := Fence{Center: c, RadiusMeters: Distance(p, c)}
			res, err := Evaluate(p, fence)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if !res.InsideFence {
				t.Fatalf("point on boundary reported outside: center=%v d=%v res=%+v", c, d, res)
			}
		}
	}
}

func TestEvaluate_BeyondRadiusOutside(t *testing.T) {
	c := Point{Lat: 10, Lng: 20}
	fence := Fence{Center: c, RadiusMeters: 100}
	for _, eps := range []float64{0.01, 1, 50, 10000} {
		res, err := Evaluate(north(c, 100+eps), fence)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if res.InsideFence {
			t.Fatalf("eps=%v: expected outside, distance=%v", eps, res.DistanceMeters)
		}
	}
}

func TestEvaluate_InvalidCoordinate(t *testing.T) {
	fence := Fence{Center: Point{Lat: 10, Lng: 20}, RadiusMeters: 100}
	cases := []Point{
		{Lat: 90.0001, Lng: 0},
		{Lat: -91, Lng: 0},
		{Lat: 0, Lng: 180.5},
		{Lat: 0, Lng: -181},
		{Lat: math.NaN(), Lng: 0},
		{Lat: 0, Lng: math.Inf(1)},
	}
	for _, p := range cases {
		if _, err := Evaluate(p, fence); !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("point %v: err=%v want ErrInvalidCoordinate", p, err)
		}
	}
}

// Antipodal points are valid coordinates and are deliberately measured rather
// than refused: the result is half the earth's circumference, which is outside
// any fence, and a location test keeps reporting a real distance.
func TestDistance_Antipodal(t *testing.T) {
	d := Distance(Point{Lat: 0, Lng: 0}, Point{Lat: 0, Lng: 180})
	if math.IsNaN(d) || math.Abs(d-math.Pi*EarthRadiusMeters) > 1 {
		t.Fatalf("antipodal distance=%v", d)
	}
	res, err := Evaluate(Point{Lat: 0, Lng: 180}, Fence{Center: Point{}, RadiusMeters: 100})
	if err != nil || res.InsideFence {
		t.Fatalf("antipodal evaluate: %+v %v", res, err)
	}
}

func TestFenceValidate_Radius(t *testing.T) {
	for _, r := range []float64{0, -1, math.NaN()} {
		f := Fence{Center: Point{Lat: 1, Lng: 1}, RadiusMeters: r}
		if err := f.Validate(); !errors.Is(err, ErrInvalidRadius) {
			t.Fatalf("radius %v: err=%v", r, err)
		}
	}
}

func TestHolder_UpdateAndSnapshot(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	h := NewHolder(nil, clk, nil)

	if _, err := h.Snapshot(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v want ErrNotConfigured", err)
	}
	if _, err := h.Update(context.Background(), Point{Lat: 10, Lng: 20}, 0); !errors.Is(err, ErrInvalidRadius) {
		t.Fatalf("err=%v want ErrInvalidRadius", err)
	}

	s1, err := h.Update(context.Background(), Point{Lat: 10, Lng: 20}, 100)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	clk.Advance(time.Minute)
	s2, err := h.Update(context.Background(), Point{Lat: 11, Lng: 21}, 250)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if s2.Version != s1.Version+1 {
		t.Fatalf("versions %d -> %d", s1.Version, s2.Version)
	}
	got, _ := h.Snapshot()
	if got.Fence.RadiusMeters != 250 || !got.Fence.UpdatedAt.Equal(clk.Now()) {
		t.Fatalf("snapshot=%+v", got)
	}

	// mutating a returned copy must not leak back into the holder
	got.Fence.RadiusMeters = 1
	again, _ := h.Snapshot()
	if again.Fence.RadiusMeters != 250 {
		t.Fatalf("snapshot was not a copy")
	}
}

func TestHolder_ConcurrentReadersSeeWholeFences(t *testing.T) {
	h := NewHolder(nil, nil, nil)
	ctx := context.Background()
	if _, err := h.Update(ctx, Point{Lat: 1, Lng: 1}, 1); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 200; i++ {
				v := float64(w*1000 + i)
				// center lat and radius always move together
				if _, err := h.Update(ctx, Point{Lat: v / 100, Lng: 1}, v); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s, err := h.Snapshot()
				if err != nil {
					t.Error(err)
					return
				}
				if s.Fence.Center.Lat != s.Fence.RadiusMeters/100 {
					t.Errorf("torn fence observed: %+v", s.Fence)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// sharedStore stands in for the Postgres row that every replica reads.
type sharedStore struct {
	mu   sync.Mutex
	snap *Snapshot
}

func (s *sharedStore) LoadFence(context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, nil
	}
	cp := *s.snap
	return &cp, nil
}

func (s *sharedStore) SaveFence(_ context.Context, f Fence) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := Snapshot{Fence: f, Version: 1}
	if s.snap != nil {
		next.Version = s.snap.Version + 1
	}
	s.snap = &next
	return next, nil
}

func TestHolder_RefreshSeesOtherReplica(t *testing.T) {
	ctx := context.Background()
	st := &sharedStore{}
	a, b := NewHolder(st, nil, nil), NewHolder(st, nil, nil)

	if _, err := a.Update(ctx, Point{Lat: 10, Lng: 20}, 100); err != nil {
		t.Fatal(err)
	}
	if err := b.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Update(ctx, Point{Lat: 11, Lng: 21}, 300); err != nil {
		t.Fatal(err)
	}
	if s, _ := b.Snapshot(); s.Fence.RadiusMeters != 100 {
		t.Fatalf("b changed before refresh: %+v", s)
	}

	changed, err := b.Refresh(ctx)
	if err != nil || !changed {
		t.Fatalf("refresh: %v %v", changed, err)
	}
	if s, _ := b.Snapshot(); s.Fence.RadiusMeters != 300 || s.Version != 2 {
		t.Fatalf("b after refresh: %+v", s)
	}
	if changed, _ := b.Refresh(ctx); changed {
		t.Fatal("refresh at the same version reported a change")
	}

	// b's own write is newer than anything a still holds
	if _, err := b.Update(ctx, Point{Lat: 12, Lng: 22}, 500); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := a.Snapshot(); s.Version != 3 || s.Fence.RadiusMeters != 500 {
		t.Fatalf("a after refresh: %+v", s)
	}
}

func TestHolder_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := &sharedStore{}
	a, b := NewHolder(st, nil, nil), NewHolder(st, nil, nil)
	if _, err := a.Update(ctx, Point{Lat: 1, Lng: 1}, 10); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, err := b.Snapshot(); err == nil && s.Fence.RadiusMeters == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watch never picked up the fence")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fence.yaml")
	doc := "center:\n  lat: 10.0\n  lng: 20.0\nradius_meters: 100\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Center.Lat != 10 || f.Center.Lng != 20 || f.RadiusMeters != 100 {
		t.Fatalf("fence=%+v", f)
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("center: {lat: 95, lng: 0}\nradius_meters: 10\n"), 0o600)
	if _, err := LoadFile(bad); !errors.Is(err, ErrInvalidCoordinate) {
		t.Fatalf("err=%v want ErrInvalidCoordinate", err)
	}
}
