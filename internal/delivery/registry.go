package delivery

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type subscriptionsFile struct {
	Subscribers []struct {
		ID        string   `yaml:"id"`
		Locations []string `yaml:"locations"`
	} `yaml:"subscribers"`
}

// FileRegistry is a SubscriberRegistry read from a YAML file:
//
//	subscribers:
//	  - id: "4711"
//	    locations: [Elm, Tschiertschen]
type FileRegistry struct {
	path string

	mu          sync.RWMutex
	byLocation  map[string][]string
	subscribers int
}

// NewFileRegistry loads path. A missing file yields an empty registry.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path, byLocation: map[string][]string{}}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the file, keeping the previous content on error.
func (r *FileRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.swap(map[string][]string{}, 0)
			return nil
		}
		return fmt.Errorf("read subscriptions: %w", err)
	}
	var file subscriptionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse subscriptions: %w", err)
	}

	byLocation := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	count := 0
	for _, sub := range file.Subscribers {
		id := strings.TrimSpace(sub.ID)
		if id == "" {
			return fmt.Errorf("parse subscriptions: subscriber without id")
		}
		count++
		for _, loc := range sub.Locations {
			loc = strings.TrimSpace(loc)
			if loc == "" {
				continue
			}
			if seen[loc] == nil {
				seen[loc] = make(map[string]struct{})
			}
			if _, dup := seen[loc][id]; dup {
				continue
			}
			seen[loc][id] = struct{}{}
			byLocation[loc] = append(byLocation[loc], id)
		}
	}
	r.swap(byLocation, count)
	return nil
}

func (r *FileRegistry) swap(byLocation map[string][]string, count int) {
	r.mu.Lock()
	r.byLocation = byLocation
	r.subscribers = count
	r.mu.Unlock()
}

// SubscribedLocations implements SubscriberRegistry. Sorted.
func (r *FileRegistry) SubscribedLocations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byLocation))
	for loc := range r.byLocation {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// Subscribers implements SubscriberRegistry, in file order.
func (r *FileRegistry) Subscribers(location string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byLocation[location]...)
}

// SubscriberCount returns the number of subscribers in the file.
func (r *FileRegistry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscribers
}
