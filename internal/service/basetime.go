package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/models"
	"github.com/kjstillabower/epsgram-notifier/internal/observability"
)

const basetimeParam = "base_time"

// FetchAdvertisedBasetime asks the schema endpoint for the default run and
// subtracts timeShiftHours from it.
//
// When the schema cannot be read, ErrNoBasetimeAvailable is returned unless
// fallbackAllowed is set; then the run is estimated from the clock as the
// latest 00/12 UTC boundary strictly before now.
func (s *PlotService) FetchAdvertisedBasetime(ctx context.Context, fallbackAllowed bool, timeShiftHours int) (time.Time, error) {
	shift := time.Duration(timeShiftHours) * time.Hour

	doc, err := s.api.GetJSON(ctx, s.schemaPath(), true, true)
	if err == nil {
		var bt time.Time
		bt, err = parseSchemaBasetime(doc)
		if err == nil {
			return bt.Add(-shift), nil
		}
	}

	if !fallbackAllowed {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoBasetimeAvailable, err)
	}
	estimate := fallbackBasetime(s.now())
	s.log(ctx).Warn("schema basetime unavailable, using clock estimate",
		zap.String("basetime", models.FormatBasetime(estimate)),
		zap.Error(err),
	)
	return estimate.Add(-shift), nil
}

// fallbackBasetime rounds now down to the run cycle and steps back one cycle
// if the result is not strictly in the past.
func fallbackBasetime(now time.Time) time.Time {
	now = now.UTC()
	rounded := now.Truncate(models.RunCycle)
	if !rounded.Before(now) {
		rounded = rounded.Add(-models.RunCycle)
	}
	return rounded
}

// parseSchemaBasetime finds the default of the base_time parameter in an
// OpenAPI-style schema (paths.*.get.parameters[]). A top-level
// base_time.default is accepted as well.
func parseSchemaBasetime(doc jsoniter.Any) (time.Time, error) {
	if doc == nil {
		return time.Time{}, errors.New("empty schema")
	}
	if def := doc.Get(basetimeParam, "default"); def.ValueType() == jsoniter.StringValue {
		return models.ParseBasetime(def.ToString())
	}

	paths := doc.Get("paths")
	if paths.ValueType() != jsoniter.ObjectValue {
		return time.Time{}, errors.New("schema has no paths")
	}
	keys := paths.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		params := paths.Get(key, "get", "parameters")
		if params.ValueType() != jsoniter.ArrayValue {
			continue
		}
		for i := 0; i < params.Size(); i++ {
			p := params.Get(i)
			if p.Get("name").ToString() != basetimeParam {
				continue
			}
			def := strings.TrimSpace(p.Get("schema", "default").ToString())
			if def == "" {
				continue
			}
			return models.ParseBasetime(def)
		}
	}
	return time.Time{}, errors.New("schema has no base_time default")
}

// UpgradeGlobalBasetime refreshes the advertised run without a clock
// fallback. On failure the previous value is kept. Reports whether the value
// changed.
func (s *PlotService) UpgradeGlobalBasetime(ctx context.Context) bool {
	if err := s.acquire(ctx); err != nil {
		return false
	}
	defer s.release()

	bt, err := s.FetchAdvertisedBasetime(ctx, false, 0)
	if err != nil {
		s.log(ctx).Warn("global basetime refresh failed, keeping previous",
			zap.String("basetime", models.FormatBasetime(s.GlobalBasetime())),
			zap.Error(err),
		)
		return false
	}
	return s.setGlobal(ctx, bt)
}

func (s *PlotService) setGlobal(ctx context.Context, bt time.Time) bool {
	s.stateMu.Lock()
	prev := s.global
	changed := !prev.Equal(bt)
	if changed {
		s.global = bt
	}
	s.stateMu.Unlock()

	if !changed {
		return false
	}
	observability.GlobalBasetimeTimestamp.Set(float64(bt.Unix()))
	if !prev.IsZero() && bt.Before(prev) {
		s.log(ctx).Warn("advertised basetime moved backward, locations keep their runs",
			zap.String("from", models.FormatBasetime(prev)),
			zap.String("to", models.FormatBasetime(bt)),
		)
		return true
	}
	s.log(ctx).Info("global basetime changed",
		zap.String("from", models.FormatBasetime(prev)),
		zap.String("to", models.FormatBasetime(bt)),
	)
	return true
}
