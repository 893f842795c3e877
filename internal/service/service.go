package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/cache"
	"github.com/kjstillabower/epsgram-notifier/internal/client"
	"github.com/kjstillabower/epsgram-notifier/internal/locations"
	"github.com/kjstillabower/epsgram-notifier/internal/models"
	"github.com/kjstillabower/epsgram-notifier/internal/plotstore"
	"github.com/kjstillabower/epsgram-notifier/internal/state"
)

var (
	ErrNoBasetimeAvailable = errors.New("no basetime available")
	ErrUnknownLocation     = errors.New("unknown location")
)

const (
	DefaultProduct = "opencharts_meteogram"
	DefaultPackage = "openchart"
)

// PlotStore persists chart image sets.
type PlotStore interface {
	Path(location string, v models.Variant) string
	SaveSet(ctx context.Context, location string, basetime time.Time, items []plotstore.Item) error
	Valid(paths []string, basetime time.Time) bool
}

// StateStore persists per-location run state across restarts.
type StateStore interface {
	Load(name string) (state.Snapshot, bool, error)
	Save(snap state.Snapshot) error
}

// Options configures a PlotService. Zero values fall back to defaults.
type Options struct {
	Product  string
	Package  string
	Variants []models.Variant
	LinkTTL  time.Duration

	// FetchTimeout bounds a shared on-demand fetch (PlotsFor).
	FetchTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Station is the mutable run state of one location. Only PlotService
// changes it.
type Station struct {
	loc                models.Location
	basetime           time.Time
	plotsCached        bool
	hasBeenBroadcasted bool
	cachedPaths        []string
}

// StationStatus is a read-only view of a Station.
type StationStatus struct {
	Name               string   `json:"name"`
	Region             string   `json:"region"`
	Basetime           string   `json:"basetime,omitempty"`
	PlotsCached        bool     `json:"plotsCached"`
	HasBeenBroadcasted bool     `json:"hasBeenBroadcasted"`
	Paths              []string `json:"paths,omitempty"`
}

// PlotService keeps every location converging on the newest fully rendered
// forecast run and caches its chart images.
//
// Operations are serialized: one cycle step or one on-demand request runs at a
// time. Status reads do not wait for a running operation.
type PlotService struct {
	ops     chan struct{}
	stateMu sync.RWMutex

	api      client.ChartsAPI
	registry *locations.Registry
	plots    PlotStore
	states   StateStore

	links         cache.Cache
	linkCacheType string
	linkTTL       time.Duration

	product  string
	pkg      string
	variants []models.Variant

	stations []*Station
	byName   map[string]*Station
	global   time.Time

	coalescer *fetchCoalescer

	// fetchCursor is the registry index CachePlotsOneStep tries next.
	// Guarded by the operation slot.
	fetchCursor int

	logger *zap.Logger
	now    func() time.Time
}

// New builds a service with one Station per registry location. Every station
// starts with no basetime and hasBeenBroadcasted set, so nothing is announced
// until a run newer than the startup state is confirmed.
func New(api client.ChartsAPI, registry *locations.Registry, plots PlotStore, opts Options) *PlotService {
	if opts.Product == "" {
		opts.Product = DefaultProduct
	}
	if opts.Package == "" {
		opts.Package = DefaultPackage
	}
	if len(opts.Variants) == 0 {
		opts.Variants = models.DefaultVariants
	}
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = 6 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &PlotService{
		ops:      make(chan struct{}, 1),
		api:      api,
		registry: registry,
		plots:    plots,
		linkTTL:  opts.LinkTTL,
		product:  opts.Product,
		pkg:      opts.Package,
		variants: append([]models.Variant(nil), opts.Variants...),
		byName:   make(map[string]*Station, registry.Len()),
		logger:   opts.Logger,
		now:      opts.Now,

		coalescer: newFetchCoalescer(opts.FetchTimeout),
	}
	for _, loc := range registry.All() {
		st := &Station{loc: loc, hasBeenBroadcasted: true}
		for _, v := range s.variants {
			st.cachedPaths = append(st.cachedPaths, plots.Path(loc.Name, v))
		}
		s.stations = append(s.stations, st)
		s.byName[loc.Name] = st
	}
	return s
}

// SetLinkCache installs the chart link cache; cacheType labels its metrics.
func (s *PlotService) SetLinkCache(c cache.Cache, cacheType string) {
	s.links = c
	s.linkCacheType = cacheType
}

// SetStateStore installs run-state persistence.
func (s *PlotService) SetStateStore(st StateStore) {
	s.states = st
}

// acquire takes the operation slot, or gives up when ctx ends first.
func (s *PlotService) acquire(ctx context.Context) error {
	select {
	case s.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PlotService) release() {
	<-s.ops
}

// loggerFromContext extracts a request-scoped zap.Logger if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

func (s *PlotService) log(ctx context.Context) *zap.Logger {
	if l := loggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

func (s *PlotService) station(name string) (*Station, error) {
	st, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLocation, name)
	}
	return st, nil
}

// GlobalBasetime returns the advertised run; zero before Init.
func (s *PlotService) GlobalBasetime() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.global
}

// Status returns the state of every station in registry order.
func (s *PlotService) Status() []StationStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]StationStatus, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, st.statusLocked())
	}
	return out
}

// StationStatus returns the state of one station.
func (s *PlotService) StationStatus(name string) (StationStatus, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st, err := s.station(name)
	if err != nil {
		return StationStatus{}, err
	}
	return st.statusLocked(), nil
}

func (st *Station) statusLocked() StationStatus {
	status := StationStatus{
		Name:               st.loc.Name,
		Region:             st.loc.Region,
		Basetime:           models.FormatBasetime(st.basetime),
		PlotsCached:        st.plotsCached,
		HasBeenBroadcasted: st.hasBeenBroadcasted,
	}
	if st.plotsCached {
		status.Paths = append([]string(nil), st.cachedPaths...)
	}
	return status
}

// update applies fn to st under the state lock and persists the result.
func (s *PlotService) update(ctx context.Context, st *Station, fn func(st *Station)) {
	s.stateMu.Lock()
	fn(st)
	snap := state.Snapshot{
		Name:               st.loc.Name,
		Basetime:           st.basetime,
		PlotsCached:        st.plotsCached,
		HasBeenBroadcasted: st.hasBeenBroadcasted,
		Paths:              append([]string(nil), st.cachedPaths...),
		UpdatedAt:          s.now().UTC(),
	}
	s.stateMu.Unlock()

	if s.states == nil {
		return
	}
	if err := s.states.Save(snap); err != nil {
		s.log(ctx).Warn("persist location state failed", zap.String("location", st.loc.Name), zap.Error(err))
	}
}

// productPath builds the per-variant chart query for one location and run.
func (s *PlotService) productPath(loc models.Location, v models.Variant, basetime time.Time) string {
	return fmt.Sprintf("products/%s/?epsgram=%s&base_time=%s&station_name=%s&lat=%s&lon=%s",
		s.product,
		url.QueryEscape(string(v)),
		url.QueryEscape(models.FormatBasetime(basetime)),
		url.QueryEscape(loc.StationName()),
		strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
		strconv.FormatFloat(loc.Longitude, 'f', -1, 64),
	)
}

func (s *PlotService) schemaPath() string {
	return fmt.Sprintf("schema/?product=%s&package=%s", url.QueryEscape(s.product), url.QueryEscape(s.pkg))
}
