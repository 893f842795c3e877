package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/models"
	"github.com/kjstillabower/epsgram-notifier/internal/observability"
)

// DownloadLatestPlots returns plots only for named locations whose current
// run has not been released yet. A location is marked released once its
// plots are in the result. Already released locations, unknown names and
// failed fetches are absent; an absent entry means "nothing to deliver now".
func (s *PlotService) DownloadLatestPlots(ctx context.Context, names []string) map[string][]string {
	out := make(map[string][]string)
	if err := s.acquire(ctx); err != nil {
		return out
	}
	defer s.release()

	for _, name := range names {
		st, err := s.station(name)
		if err != nil {
			s.log(ctx).Warn("latest plots requested for unknown location", zap.String("location", name))
			continue
		}
		if st.hasBeenBroadcasted {
			continue
		}
		paths := s.fetchPlots(ctx, st)
		if len(paths) == 0 {
			continue
		}
		s.update(ctx, st, func(st *Station) {
			st.hasBeenBroadcasted = true
		})
		observability.BroadcastsTotal.Inc()
		s.log(ctx).Info("location released for broadcast",
			zap.String("location", name),
			zap.String("basetime", models.FormatBasetime(st.basetime)),
			zap.Int("plots", len(paths)),
		)
		out[name] = paths
	}
	return out
}
