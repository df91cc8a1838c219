package geofence

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine distance.
const EarthRadiusMeters = 6371000.0

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidRadius     = errors.New("radius must be greater than zero")
	ErrNotConfigured     = errors.New("geofence not configured")
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Validate rejects NaN/Inf and anything outside lat [-90,90], lng [-180,180].
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: not a number", ErrInvalidCoordinate)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, p.Lng)
	}
	return nil
}

// Fence is a circular admission area.
type Fence struct {
	Center       Point     `json:"center"`
	RadiusMeters float64   `json:"radius_meters"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the center and that the radius is strictly positive.
func (f Fence) Validate() error {
	if err := f.Center.Validate(); err != nil {
		return err
	}
	if math.IsNaN(f.RadiusMeters) || math.IsInf(f.RadiusMeters, 0) || f.RadiusMeters <= 0 {
		return ErrInvalidRadius
	}
	return nil
}

// Result is the outcome of testing one point against a fence.
type Result struct {
	InsideFence    bool    `json:"inside_fence"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Distance returns the great-circle distance in meters between a and b.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	// rounding can push h just past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Evaluate reports whether p lies inside f. The boundary is inclusive.
func Evaluate(p Point, f Fence) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if err := f.Center.Validate(); err != nil {
		return Result{}, err
	}
	if math.IsNaN(f.RadiusMeters) || f.RadiusMeters < 0 {
		return Result{}, ErrInvalidRadius
	}
	d := Distance(p, f.Center)
	return Result{InsideFence: d <= f.RadiusMeters, DistanceMeters: d}, nil
}
