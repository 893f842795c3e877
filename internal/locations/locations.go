// Package locations holds the static, ordered set of monitored locations.
package locations

import (
	"fmt"
	"sort"
	"strings"

	lev "github.com/agnivade/levenshtein"

	"github.com/kjstillabower/epsgram-notifier/internal/models"
)

// Registry is immutable after New. Iteration order is configuration order.
type Registry struct {
	ordered []models.Location
	byName  map[string]int
	byFold  map[string]int
}

// New builds a registry. Names must be unique and non-empty.
func New(locs []models.Location) (*Registry, error) {
	r := &Registry{
		ordered: make([]models.Location, 0, len(locs)),
		byName:  make(map[string]int, len(locs)),
		byFold:  make(map[string]int, len(locs)),
	}
	for _, loc := range locs {
		name := strings.TrimSpace(loc.Name)
		if name == "" {
			return nil, fmt.Errorf("location with empty name")
		}
		loc.Name = name
		if _, dup := r.byFold[strings.ToLower(name)]; dup {
			return nil, fmt.Errorf("duplicate location %q", name)
		}
		r.byName[name] = len(r.ordered)
		r.byFold[strings.ToLower(name)] = len(r.ordered)
		r.ordered = append(r.ordered, loc)
	}
	return r, nil
}

// Get returns the location with exactly this name.
func (r *Registry) Get(name string) (models.Location, bool) {
	i, ok := r.byName[name]
	if !ok {
		return models.Location{}, false
	}
	return r.ordered[i], true
}

// Lookup is Get ignoring case and surrounding whitespace.
func (r *Registry) Lookup(name string) (models.Location, bool) {
	i, ok := r.byFold[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return models.Location{}, false
	}
	return r.ordered[i], true
}

// All returns the locations in configuration order.
func (r *Registry) All() []models.Location {
	out := make([]models.Location, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Names returns location names in configuration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.ordered))
	for i, loc := range r.ordered {
		out[i] = loc.Name
	}
	return out
}

// Len returns the number of locations.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// Regions returns the distinct regions, sorted.
func (r *Registry) Regions() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, loc := range r.ordered {
		if _, ok := seen[loc.Region]; ok {
			continue
		}
		seen[loc.Region] = struct{}{}
		out = append(out, loc.Region)
	}
	sort.Strings(out)
	return out
}

// ByRegion returns the locations of one region in configuration order.
func (r *Registry) ByRegion(region string) []models.Location {
	var out []models.Location
	for _, loc := range r.ordered {
		if strings.EqualFold(loc.Region, region) {
			out = append(out, loc)
		}
	}
	return out
}

// Suggest returns the closest location name to an unknown input, or "" when
// nothing is within maxDistance edits.
func (r *Registry) Suggest(input string, maxDistance int) string {
	subject := strings.ToLower(strings.TrimSpace(input))
	if subject == "" {
		return ""
	}
	best := ""
	bestDist := maxDistance + 1
	for _, loc := range r.ordered {
		d := lev.ComputeDistance(subject, strings.ToLower(loc.Name))
		if d < bestDist {
			best, bestDist = loc.Name, d
		}
	}
	return best
}
