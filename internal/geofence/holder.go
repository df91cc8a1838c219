package geofence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/clock"
)

// Store persists the process-wide fence.
type Store interface {
	LoadFence(ctx context.Context) (*Snapshot, error)
	SaveFence(ctx context.Context, f Fence) (Snapshot, error)
}

// Snapshot is an immutable, versioned copy of the fence.
type Snapshot struct {
	Fence   Fence  `json:"fence"`
	Version uint64 `json:"version"`
}

// Holder owns the current fence. Readers get a copy and never observe a partial update.
type Holder struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serialises writers
	store   Store
	clock   clock.Clock
	log     *zap.Logger
}

// NewHolder builds a holder. store may be nil for a purely in-process fence.
func NewHolder(store Store, clk clock.Clock, log *zap.Logger) *Holder {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Holder{store: store, clock: clk, log: log}
}

// Load pulls the persisted fence, if any, into memory.
func (h *Holder) Load(ctx context.Context) error {
	_, err := h.Refresh(ctx)
	return err
}

// Refresh re-reads the persisted fence and installs it when its version is
// newer than the one held. It reports whether the snapshot changed.
func (h *Holder) Refresh(ctx context.Context) (bool, error) {
	if h.store == nil {
		return false, nil
	}
	snap, err := h.store.LoadFence(ctx)
	if err != nil || snap == nil {
		return false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev := h.current.Load(); prev != nil && prev.Version >= snap.Version {
		return false, nil
	}
	h.current.Store(snap)
	h.log.Info("geofence loaded",
		zap.Float64("lat", snap.Fence.Center.Lat),
		zap.Float64("lng", snap.Fence.Center.Lng),
		zap.Float64("radius_m", snap.Fence.RadiusMeters),
		zap.Uint64("version", snap.Version))
	return true, nil
}

// Watch refreshes every interval until ctx is done, so updates written by
// other replicas become visible here.
func (h *Holder) Watch(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
				h.log.Warn("geofence refresh failed", zap.Error(err))
			}
		}
	}
}

// Snapshot returns the current fence or ErrNotConfigured.
func (h *Holder) Snapshot() (Snapshot, error) {
	s := h.current.Load()
	if s == nil {
		return Snapshot{}, ErrNotConfigured
	}
	return *s, nil
}

// Update replaces the fence. The new value is persisted before it becomes visible.
func (h *Holder) Update(ctx context.Context, center Point, radiusMeters float64) (Snapshot, error) {
	f := Fence{Center: center, RadiusMeters: radiusMeters, UpdatedAt: h.clock.Now()}
	if err := f.Validate(); err != nil {
		return Snapshot{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var next Snapshot
	if h.store != nil {
		saved, err := h.store.SaveFence(ctx, f)
		if err != nil {
			return Snapshot{}, err
		}
		next = saved
	} else {
		next = Snapshot{Fence: f, Version: 1}
		if prev := h.current.Load(); prev != nil {
			next.Version = prev.Version + 1
		}
	}
	h.current.Store(&next)
	h.log.Info("geofence updated",
		zap.Float64("lat", center.Lat),
		zap.Float64("lng", center.Lng),
		zap.Float64("radius_m", radiusMeters),
		zap.Uint64("version", next.Version))
	return next, nil
}
