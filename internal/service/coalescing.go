package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/epsgram-notifier/internal/observability"
)

// fetchCall is one on-demand fetch that several callers may wait for.
type fetchCall struct {
	done  chan struct{}
	paths []string
}

// fetchCoalescer lets concurrent on-demand requests for the same location
// share one fetch instead of queueing behind each other for the same files.
type fetchCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*fetchCall
	timeout  time.Duration
}

func newFetchCoalescer(timeout time.Duration) *fetchCoalescer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &fetchCoalescer{
		inFlight: make(map[string]*fetchCall),
		timeout:  timeout,
	}
}

// Do runs fn once for key among concurrent callers and hands every caller
// the same result. fn runs detached from the caller's cancellation, bounded
// by the coalescer timeout, so one caller giving up does not fail the rest.
// shared reports whether the caller joined a fetch already in flight.
func (fc *fetchCoalescer) Do(ctx context.Context, key string, fn func(ctx context.Context) []string) (paths []string, shared bool, err error) {
	fc.mu.Lock()
	call, shared := fc.inFlight[key]
	if !shared {
		call = &fetchCall{done: make(chan struct{})}
		fc.inFlight[key] = call
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fc.timeout)
		go func() {
			defer cancel()
			result := fn(runCtx)
			fc.mu.Lock()
			call.paths = result
			delete(fc.inFlight, key)
			fc.mu.Unlock()
			close(call.done)
		}()
	}
	fc.mu.Unlock()

	select {
	case <-call.done:
		return append([]string(nil), call.paths...), shared, nil
	case <-ctx.Done():
		return nil, shared, ctx.Err()
	}
}

// PlotsFor returns the plots of one location for an on-demand request, the
// way DownloadPlots does. Concurrent requests for the same location share a
// single fetch. Broadcast flags are not touched.
func (s *PlotService) PlotsFor(ctx context.Context, name string) ([]string, error) {
	if _, err := s.station(name); err != nil {
		return nil, err
	}
	paths, shared, err := s.coalescer.Do(ctx, name, func(ctx context.Context) []string {
		return s.DownloadPlots(ctx, []string{name})[name]
	})
	if shared {
		observability.CoalescedRequestsTotal.Inc()
	}
	return paths, err
}
