// Package delivery hands released chart sets to subscribers.
package delivery

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/observability"
)

// SubscriberRegistry answers who follows which location.
type SubscriberRegistry interface {
	SubscribedLocations() []string
	Subscribers(location string) []string
}

// Sink transmits one location's chart set to one subscriber.
type Sink interface {
	Deliver(ctx context.Context, location string, paths []string, subscriberID string) error
}

// Broadcaster fans released plots out to every subscriber through every sink.
type Broadcaster struct {
	registry SubscriberRegistry
	sinks    []Sink
	logger   *zap.Logger
}

// NewBroadcaster returns a Broadcaster. A nil logger is replaced by a no-op logger.
func NewBroadcaster(registry SubscriberRegistry, logger *zap.Logger, sinks ...Sink) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{registry: registry, sinks: sinks, logger: logger}
}

// Broadcast delivers plots (location -> ordered paths) and returns the
// number of successful deliveries. Failures are logged and counted only.
func (b *Broadcaster) Broadcast(ctx context.Context, plots map[string][]string) int {
	locations := make([]string, 0, len(plots))
	for loc := range plots {
		locations = append(locations, loc)
	}
	sort.Strings(locations)

	delivered := 0
	for _, loc := range locations {
		paths := plots[loc]
		if len(paths) == 0 {
			continue
		}
		for _, sub := range b.registry.Subscribers(loc) {
			for _, sink := range b.sinks {
				if ctx.Err() != nil {
					return delivered
				}
				if err := sink.Deliver(ctx, loc, paths, sub); err != nil {
					observability.DeliveriesTotal.WithLabelValues("error").Inc()
					b.logger.Warn("delivery failed",
						zap.String("location", loc),
						zap.String("subscriber", sub),
						zap.Error(err),
					)
					continue
				}
				observability.DeliveriesTotal.WithLabelValues("success").Inc()
				delivered++
			}
		}
	}
	return delivered
}

// LogSink records deliveries in the log. It stands in when no transport is
// configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, location string, paths []string, subscriberID string) error {
	s.logger.Info("plots delivered",
		zap.String("location", location),
		zap.String("subscriber", subscriberID),
		zap.Strings("paths", paths),
	)
	return nil
}
