package models

import (
	"fmt"
	"strings"
	"time"
)

// BasetimeFormat is the upstream wire format for forecast run timestamps.
const BasetimeFormat = "2006-01-02T15:04:05Z"

// RunCycle is the spacing between forecast runs (00 and 12 UTC).
const RunCycle = 12 * time.Hour

// Variant names one chart product rendered per location.
type Variant string

const (
	VariantPlume10d Variant = "classical_plume"
	VariantEPS10d   Variant = "classical_10d"
	VariantEPS15d   Variant = "classical_15d"
)

// DefaultVariants is the required chart set, in delivery order.
var DefaultVariants = []Variant{VariantPlume10d, VariantEPS10d, VariantEPS15d}

// Location is the static identity of a monitored place.
type Location struct {
	Name      string  `yaml:"name" json:"name" validate:"required"`
	APIName   string  `yaml:"api_name" json:"apiName,omitempty"`
	Latitude  float64 `yaml:"lat" json:"lat" validate:"latitude"`
	Longitude float64 `yaml:"lon" json:"lon" validate:"longitude"`
	Region    string  `yaml:"region" json:"region" validate:"required"`
}

// StationName returns the name the chart API expects; falls back to Name.
func (l Location) StationName() string {
	if strings.TrimSpace(l.APIName) != "" {
		return l.APIName
	}
	return l.Name
}

// PlotFileName is the deterministic file name for a location/variant pair.
// A newer run overwrites the image of the previous one.
func PlotFileName(location string, v Variant) string {
	return fmt.Sprintf("%s_%s.png", location, v)
}

// FormatBasetime renders t in the wire format. The zero time renders as "".
func FormatBasetime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(BasetimeFormat)
}

// ParseBasetime parses a wire-format timestamp.
func ParseBasetime(s string) (time.Time, error) {
	t, err := time.Parse(BasetimeFormat, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse basetime %q: %w", s, err)
	}
	return t.UTC(), nil
}
