package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/client"
	"github.com/kjstillabower/epsgram-notifier/internal/models"
	"github.com/kjstillabower/epsgram-notifier/internal/observability"
)

// ConfirmedRun returns the newest run for which every variant of the
// location is renderable, judged against the global basetime. Each variant
// votes for the global basetime when available and for one cycle earlier
// otherwise; the oldest vote wins. The only error is an unknown location.
func (s *PlotService) ConfirmedRun(ctx context.Context, name string) (time.Time, error) {
	if err := s.acquire(ctx); err != nil {
		return time.Time{}, err
	}
	defer s.release()

	st, err := s.station(name)
	if err != nil {
		return time.Time{}, err
	}
	return s.confirmedRun(ctx, st), nil
}

func (s *PlotService) confirmedRun(ctx context.Context, st *Station) time.Time {
	global := s.GlobalBasetime()
	if global.IsZero() {
		return time.Time{}
	}
	var confirmed time.Time
	for _, v := range s.variants {
		candidate := global
		if !s.probeVariant(ctx, st, v, global) {
			candidate = global.Add(-models.RunCycle)
		}
		if confirmed.IsZero() || candidate.Before(confirmed) {
			confirmed = candidate
		}
	}
	return confirmed
}

// probeVariant reports whether the chart of one variant is renderable.
// Every error is "unavailable".
func (s *PlotService) probeVariant(ctx context.Context, st *Station, v models.Variant, basetime time.Time) bool {
	_, err := s.resolveLink(ctx, st, v, basetime, false)
	if err != nil {
		observability.VariantProbesTotal.WithLabelValues("unavailable").Inc()
		logger := s.log(ctx)
		fields := []zap.Field{
			zap.String("location", st.loc.Name),
			zap.String("variant", string(v)),
			zap.String("basetime", models.FormatBasetime(basetime)),
			zap.Error(err),
		}
		if errors.Is(err, client.ErrForbidden) {
			logger.Error("chart API refused variant probe", fields...)
		} else {
			logger.Debug("variant not available", fields...)
		}
		return false
	}
	observability.VariantProbesTotal.WithLabelValues("available").Inc()
	return true
}

// NewForecastAvailable reports whether the location lags the global basetime.
func (s *PlotService) NewForecastAvailable(name string) (bool, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st, err := s.station(name)
	if err != nil {
		return false, err
	}
	return s.newForecastAvailableLocked(st), nil
}

func (s *PlotService) newForecastAvailableLocked(st *Station) bool {
	return !st.basetime.Equal(s.global)
}

// UpgradeBasetimeForLocation advances the location to the global basetime
// once every variant is confirmed there, clearing its cache and broadcast
// flags. A partially rendered run, or a global basetime older than the
// location's run, leaves the location untouched.
func (s *PlotService) UpgradeBasetimeForLocation(ctx context.Context, name string) (bool, error) {
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()

	st, err := s.station(name)
	if err != nil {
		return false, err
	}
	return s.upgradeBasetime(ctx, st), nil
}

// UpgradeBasetimeForLocations runs UpgradeBasetimeForLocation for every
// location in registry order and returns how many advanced.
func (s *PlotService) UpgradeBasetimeForLocations(ctx context.Context) int {
	if err := s.acquire(ctx); err != nil {
		return 0
	}
	defer s.release()

	upgraded := 0
	for _, st := range s.stations {
		if ctx.Err() != nil {
			break
		}
		if s.upgradeBasetime(ctx, st) {
			upgraded++
		}
	}
	return upgraded
}

func (s *PlotService) upgradeBasetime(ctx context.Context, st *Station) bool {
	s.stateMu.RLock()
	stale := s.newForecastAvailableLocked(st)
	global := s.global
	s.stateMu.RUnlock()
	if !stale || global.IsZero() {
		return false
	}
	if !st.basetime.IsZero() && !global.After(st.basetime) {
		s.log(ctx).Debug("global basetime behind location run, keeping location",
			zap.String("location", st.loc.Name),
			zap.String("global", models.FormatBasetime(global)),
			zap.String("basetime", models.FormatBasetime(st.basetime)),
		)
		return false
	}

	confirmed := s.confirmedRun(ctx, st)
	if !confirmed.Equal(global) {
		s.log(ctx).Debug("run not yet complete for location",
			zap.String("location", st.loc.Name),
			zap.String("global", models.FormatBasetime(global)),
			zap.String("confirmed", models.FormatBasetime(confirmed)),
		)
		return false
	}

	prev := st.basetime
	s.update(ctx, st, func(st *Station) {
		st.basetime = global
		st.plotsCached = false
		st.hasBeenBroadcasted = false
	})
	observability.BasetimeUpgradesTotal.Inc()
	observability.RecordLocationBasetime(st.loc.Name, global)
	s.log(ctx).Info("location advanced to new run",
		zap.String("location", st.loc.Name),
		zap.String("from", models.FormatBasetime(prev)),
		zap.String("to", models.FormatBasetime(global)),
	)
	return true
}
