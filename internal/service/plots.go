package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/cache"
	"github.com/kjstillabower/epsgram-notifier/internal/client"
	"github.com/kjstillabower/epsgram-notifier/internal/models"
	"github.com/kjstillabower/epsgram-notifier/internal/observability"
	"github.com/kjstillabower/epsgram-notifier/internal/plotstore"
)

// resolveLink returns the image link of one chart. The link cache is tried
// first; only successful lookups are cached. retry selects the bounded retry
// of the HTTP layer (probes run without it).
func (s *PlotService) resolveLink(ctx context.Context, st *Station, v models.Variant, basetime time.Time, retry bool) (string, error) {
	key := cache.LinkKey(st.loc.StationName(), string(v), models.FormatBasetime(basetime))
	if s.links != nil {
		href, ok, err := s.links.Get(ctx, key)
		if err != nil {
			observability.LinkCacheErrorsTotal.WithLabelValues("get").Inc()
			s.log(ctx).Warn("link cache get failed", zap.String("key", key), zap.Error(err))
		} else if ok && href != "" {
			observability.LinkCacheHitsTotal.WithLabelValues(s.linkCacheType).Inc()
			return href, nil
		}
	}

	doc, err := s.api.GetJSON(ctx, s.productPath(st.loc, v, basetime), retry, true)
	if err != nil {
		return "", err
	}
	href := strings.TrimSpace(doc.Get("data", "link", "href").ToString())
	if href == "" {
		return "", fmt.Errorf("%w: no data.link.href for %s/%s", client.ErrMalformedResponse, st.loc.Name, v)
	}

	if s.links != nil {
		if err := s.links.Set(ctx, key, href, s.linkTTL); err != nil {
			observability.LinkCacheErrorsTotal.WithLabelValues("set").Inc()
			s.log(ctx).Warn("link cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return href, nil
}

// fetchPlots returns the image paths of a location at its current basetime,
// downloading them when not cached. Any failure aborts the whole set and
// returns nil with plotsCached left false.
func (s *PlotService) fetchPlots(ctx context.Context, st *Station) []string {
	logger := s.log(ctx)
	if st.plotsCached {
		observability.PlotCacheHitsTotal.Inc()
		return append([]string(nil), st.cachedPaths...)
	}
	if st.basetime.IsZero() {
		logger.Warn("no confirmed run for location, nothing to fetch", zap.String("location", st.loc.Name))
		return nil
	}

	start := time.Now()
	basetime := st.basetime
	logger.Info("fetching plots",
		zap.String("location", st.loc.Name),
		zap.String("basetime", models.FormatBasetime(basetime)),
	)

	items := make([]plotstore.Item, 0, len(s.variants))
	for i, v := range s.variants {
		href, err := s.resolveLink(ctx, st, v, basetime, true)
		if err != nil {
			s.abortFetch(ctx, st, v, "link resolution failed", err)
			return nil
		}
		data, err := s.api.FetchImage(ctx, href)
		if err != nil {
			s.abortFetch(ctx, st, v, "image download failed", err)
			return nil
		}
		items = append(items, plotstore.Item{
			Path:    st.cachedPaths[i],
			Variant: v,
			Source:  href,
			Data:    data,
		})
	}

	if err := s.plots.SaveSet(ctx, st.loc.Name, basetime, items); err != nil {
		s.abortFetch(ctx, st, "", "storing plots failed", err)
		return nil
	}

	s.update(ctx, st, func(st *Station) {
		st.plotsCached = true
	})
	observability.PlotFetchesTotal.WithLabelValues("success").Inc()
	logger.Info("plots cached",
		zap.String("location", st.loc.Name),
		zap.String("basetime", models.FormatBasetime(basetime)),
		zap.Duration("duration", time.Since(start)),
	)
	return append([]string(nil), st.cachedPaths...)
}

func (s *PlotService) abortFetch(ctx context.Context, st *Station, v models.Variant, msg string, err error) {
	observability.PlotFetchesTotal.WithLabelValues("aborted").Inc()
	fields := []zap.Field{
		zap.String("location", st.loc.Name),
		zap.String("basetime", models.FormatBasetime(st.basetime)),
		zap.Error(err),
	}
	if v != "" {
		fields = append(fields, zap.String("variant", string(v)))
	}
	if errors.Is(err, client.ErrForbidden) {
		s.log(ctx).Error(msg+", chart API refused request", fields...)
		return
	}
	s.log(ctx).Warn(msg+", aborting location fetch", fields...)
}

// CachePlotsOneStep fetches the plots of one location that has a run but no
// cached plots. At most one location is tried per call. Candidates are
// taken round-robin starting after the last one tried, so a location whose
// fetch keeps failing does not hold back the others. Returns its name and
// whether the fetch succeeded.
func (s *PlotService) CachePlotsOneStep(ctx context.Context) (string, bool) {
	if err := s.acquire(ctx); err != nil {
		return "", false
	}
	defer s.release()

	n := len(s.stations)
	for i := 0; i < n; i++ {
		idx := (s.fetchCursor + i) % n
		st := s.stations[idx]
		if st.plotsCached || st.basetime.IsZero() {
			continue
		}
		s.fetchCursor = (idx + 1) % n
		paths := s.fetchPlots(ctx, st)
		return st.loc.Name, len(paths) > 0
	}
	return "", false
}

// DownloadPlots returns the plots of each named location, fetching the ones
// not cached. The broadcast flags are neither read nor changed. Unknown
// locations and failed fetches are absent from the result.
func (s *PlotService) DownloadPlots(ctx context.Context, names []string) map[string][]string {
	out := make(map[string][]string)
	if err := s.acquire(ctx); err != nil {
		return out
	}
	defer s.release()

	for _, name := range names {
		st, err := s.station(name)
		if err != nil {
			s.log(ctx).Warn("plots requested for unknown location", zap.String("location", name))
			continue
		}
		if paths := s.fetchPlots(ctx, st); len(paths) > 0 {
			out[name] = paths
		}
	}
	return out
}

// OverrideBasetimeFromInit runs once at startup: every location without a
// run, or whose confirmed run is newer than its current one, takes the
// confirmed run and drops its cache. Broadcast flags are not touched.
func (s *PlotService) OverrideBasetimeFromInit(ctx context.Context) {
	if err := s.acquire(ctx); err != nil {
		return
	}
	defer s.release()
	s.overrideBasetimeFromInit(ctx)
}

func (s *PlotService) overrideBasetimeFromInit(ctx context.Context) {
	for _, st := range s.stations {
		if ctx.Err() != nil {
			return
		}
		confirmed := s.confirmedRun(ctx, st)
		if confirmed.IsZero() {
			continue
		}
		if !st.basetime.IsZero() && !confirmed.After(st.basetime) {
			continue
		}
		prev := st.basetime
		s.update(ctx, st, func(st *Station) {
			st.basetime = confirmed
			st.plotsCached = false
		})
		observability.RecordLocationBasetime(st.loc.Name, confirmed)
		s.log(ctx).Info("startup run set for location",
			zap.String("location", st.loc.Name),
			zap.String("from", models.FormatBasetime(prev)),
			zap.String("to", models.FormatBasetime(confirmed)),
		)
	}
}

// Init sets the global basetime (clock estimate allowed), restores saved
// location state, then reconciles it with the confirmed runs.
func (s *PlotService) Init(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	global, err := s.FetchAdvertisedBasetime(ctx, true, 0)
	if err != nil {
		return fmt.Errorf("init global basetime: %w", err)
	}
	s.setGlobal(ctx, global)

	s.restore(ctx)
	s.overrideBasetimeFromInit(ctx)
	return ctx.Err()
}

// restore loads persisted snapshots. Cached plots are trusted only when the
// saved paths match the current layout and every file is present and belongs
// to the saved run.
func (s *PlotService) restore(ctx context.Context) {
	if s.states == nil {
		return
	}
	logger := s.log(ctx)
	for _, st := range s.stations {
		snap, ok, err := s.states.Load(st.loc.Name)
		if err != nil {
			logger.Warn("load location state failed", zap.String("location", st.loc.Name), zap.Error(err))
			continue
		}
		if !ok || snap.Basetime.IsZero() {
			continue
		}
		cached := snap.PlotsCached && samePaths(snap.Paths, st.cachedPaths) && s.plots.Valid(st.cachedPaths, snap.Basetime)
		s.stateMu.Lock()
		st.basetime = snap.Basetime.UTC()
		st.plotsCached = cached
		st.hasBeenBroadcasted = snap.HasBeenBroadcasted
		s.stateMu.Unlock()
		observability.RecordLocationBasetime(st.loc.Name, st.basetime)
		logger.Info("location state restored",
			zap.String("location", st.loc.Name),
			zap.String("basetime", models.FormatBasetime(st.basetime)),
			zap.Bool("plots_cached", cached),
			zap.Bool("has_been_broadcasted", snap.HasBeenBroadcasted),
		)
	}
}

// samePaths reports whether a snapshot's recorded paths equal the current
// ones. Snapshots without recorded paths are judged by the files alone.
func samePaths(saved, current []string) bool {
	if len(saved) == 0 {
		return true
	}
	if len(saved) != len(current) {
		return false
	}
	for i := range saved {
		if saved[i] != current[i] {
			return false
		}
	}
	return true
}
