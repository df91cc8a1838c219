package geofence

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileFence struct {
	Center       Point   `yaml:"center"`
	RadiusMeters float64 `yaml:"radius_meters"`
}

// LoadFile reads a seed fence from a YAML document:
//
//	center: {lat: 10.0, lng: 20.0}
//	radius_meters: 100
func LoadFile(path string) (Fence, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Fence{}, fmt.Errorf("read geofence file: %w", err)
	}
	var ff fileFence
	if err := yaml.Unmarshal(buf, &ff); err != nil {
		return Fence{}, fmt.Errorf("parse geofence file: %w", err)
	}
	f := Fence{Center: ff.Center, RadiusMeters: ff.RadiusMeters}
	if err := f.Validate(); err != nil {
		return Fence{}, err
	}
	return f, nil
}
