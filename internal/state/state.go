// Package state persists per-location run state across restarts in a Pebble
// database, so a restart does not re-download or re-announce a run that was
// already handled.
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	jsoniter "github.com/json-iterator/go"
)

const (
	stationPrefix = "station|"
	metaVersion   = "meta|version"
	storeVersion  = "1"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is the persisted run state of one location.
type Snapshot struct {
	Name               string    `json:"name"`
	Basetime           time.Time `json:"basetime"`
	PlotsCached        bool      `json:"plots_cached"`
	HasBeenBroadcasted bool      `json:"has_been_broadcasted"`
	Paths              []string  `json:"paths,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Store is a Pebble-backed snapshot store.
type Store struct {
	db   *pebble.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state pebble path is empty")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("state pebble open: %w", err)
	}
	if err := db.Set([]byte(metaVersion), []byte(storeVersion), pebble.Sync); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state pebble write version: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func stationKey(name string) []byte {
	return []byte(stationPrefix + name)
}

// Save writes the snapshot of one location.
func (s *Store) Save(snap Snapshot) error {
	if snap.Name == "" {
		return errors.New("state: snapshot without name")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", snap.Name, err)
	}
	if err := s.db.Set(stationKey(snap.Name), raw, pebble.Sync); err != nil {
		return fmt.Errorf("state: write %s: %w", snap.Name, err)
	}
	return nil
}

// Load returns the snapshot of one location; ok is false when none exists.
func (s *Store) Load(name string) (Snapshot, bool, error) {
	value, closer, err := s.db.Get(stationKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("state: read %s: %w", name, err)
	}
	defer closer.Close()

	var snap Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("state: decode %s: %w", name, err)
	}
	return snap, true, nil
}

// All returns every stored snapshot keyed by location name.
func (s *Store) All() (map[string]Snapshot, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(stationPrefix),
		UpperBound: []byte("station}"),
	})
	if err != nil {
		return nil, fmt.Errorf("state: iterate: %w", err)
	}
	defer iter.Close()

	out := make(map[string]Snapshot)
	for iter.First(); iter.Valid(); iter.Next() {
		var snap Snapshot
		if err := json.Unmarshal(iter.Value(), &snap); err != nil {
			return nil, fmt.Errorf("state: decode %s: %w", iter.Key(), err)
		}
		out[snap.Name] = snap
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("state: iterate: %w", err)
	}
	return out, nil
}

// Delete removes the snapshot of a location that is no longer configured.
func (s *Store) Delete(name string) error {
	return s.db.Delete(stationKey(name), pebble.Sync)
}

// Path returns the database directory.
func (s *Store) Path() string {
	return s.path
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
