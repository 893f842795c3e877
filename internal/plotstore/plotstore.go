// Package plotstore writes chart images to the plots directory. A location's
// images are staged to temp files and renamed into place together, and each
// image gets a .meta.json sidecar recording the run it belongs to.
package plotstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/models"
)

// MetadataSuffix is appended to an image path to name its sidecar.
const MetadataSuffix = ".meta.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Meta is the sidecar content for one stored image.
type Meta struct {
	Location  string    `json:"location"`
	Variant   string    `json:"variant"`
	Basetime  string    `json:"basetime"`
	Source    string    `json:"source,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	XXH3      string    `json:"xxh3"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Item is one image to store.
type Item struct {
	Path    string
	Variant models.Variant
	Source  string
	Data    []byte
}

// Mirror receives a copy of every stored image.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Store owns the plots directory.
type Store struct {
	dir    string
	logger *zap.Logger
	mirror Mirror
	now    func() time.Time
}

// New creates the plots directory if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("plotstore: directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("plotstore: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger, now: time.Now}, nil
}

// SetMirror installs an archive mirror; nil disables mirroring.
func (s *Store) SetMirror(m Mirror) {
	s.mirror = m
}

// Dir returns the plots directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the image of a location and variant is stored.
func (s *Store) Path(location string, v models.Variant) string {
	return filepath.Join(s.dir, models.PlotFileName(location, v))
}

// MetadataPath returns the sidecar path for an image path.
func MetadataPath(path string) string {
	return path + MetadataSuffix
}

// SaveSet stores all images of one location for basetime. Nothing is renamed
// into place until every image has been staged, so a failed download or
// staging error leaves the previous files as they were. A rename failure
// part way through can leave the set mixed; the error tells the caller not
// to treat the set as cached.
func (s *Store) SaveSet(ctx context.Context, location string, basetime time.Time, items []Item) error {
	if len(items) == 0 {
		return errors.New("plotstore: nothing to save")
	}
	bt := models.FormatBasetime(basetime)
	if bt == "" {
		return errors.New("plotstore: basetime is zero")
	}

	type staged struct {
		item Item
		tmp  string
		meta Meta
	}
	stagedItems := make([]staged, 0, len(items))
	cleanup := func() {
		for _, st := range stagedItems {
			_ = os.Remove(st.tmp)
		}
	}

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		if len(it.Data) == 0 {
			cleanup()
			return fmt.Errorf("plotstore: empty image for %s", it.Path)
		}
		tmp, err := writeTemp(filepath.Dir(it.Path), it.Data)
		if err != nil {
			cleanup()
			return err
		}
		stagedItems = append(stagedItems, staged{
			item: it,
			tmp:  tmp,
			meta: Meta{
				Location:  location,
				Variant:   string(it.Variant),
				Basetime:  bt,
				Source:    it.Source,
				SizeBytes: int64(len(it.Data)),
				XXH3:      Checksum(it.Data),
				FetchedAt: s.now().UTC(),
			},
		})
	}

	var total int64
	for i, st := range stagedItems {
		if prev, ok := ReadMeta(st.item.Path); ok && prev.XXH3 == st.meta.XXH3 && fileExists(st.item.Path) {
			s.logger.Debug("plot content unchanged",
				zap.String("path", st.item.Path),
				zap.String("basetime", bt),
			)
		}
		if err := os.Rename(st.tmp, st.item.Path); err != nil {
			for _, rest := range stagedItems[i:] {
				_ = os.Remove(rest.tmp)
			}
			return fmt.Errorf("plotstore: rename %s: %w", st.item.Path, err)
		}
		if err := writeMeta(MetadataPath(st.item.Path), st.meta); err != nil {
			s.logger.Warn("unable to write plot metadata", zap.String("path", st.item.Path), zap.Error(err))
		}
		total += st.meta.SizeBytes
	}

	s.logger.Info("plots stored",
		zap.String("location", location),
		zap.String("basetime", bt),
		zap.Int("images", len(stagedItems)),
		zap.String("size", humanize.Bytes(uint64(total))),
	)

	if s.mirror != nil {
		for _, st := range stagedItems {
			key := bt + "/" + filepath.Base(st.item.Path)
			if err := s.mirror.Upload(ctx, key, st.item.Data, "image/png"); err != nil {
				s.logger.Warn("plot archive upload failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return nil
}

// Valid reports whether every path exists and its sidecar names basetime.
func (s *Store) Valid(paths []string, basetime time.Time) bool {
	if len(paths) == 0 || basetime.IsZero() {
		return false
	}
	bt := models.FormatBasetime(basetime)
	for _, p := range paths {
		if !fileExists(p) {
			return false
		}
		meta, ok := ReadMeta(p)
		if !ok || meta.Basetime != bt {
			return false
		}
	}
	return true
}

// Checksum returns the hex xxh3 digest used in sidecars.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

// ReadMeta loads the sidecar of an image path.
func ReadMeta(path string) (Meta, bool) {
	raw, err := os.ReadFile(MetadataPath(path))
	if err != nil {
		return Meta{}, false
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, false
	}
	return meta, true
}

func writeMeta(path string, meta Meta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := writeTemp(filepath.Dir(path), raw)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("plotstore: create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "plot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("plotstore: create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("plotstore: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("plotstore: finalize temp file: %w", err)
	}
	return name, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
